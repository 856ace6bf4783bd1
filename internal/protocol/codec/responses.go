package codec

import (
	"github.com/danmuck/meshlink/internal/protocol"
)

func EncodeOk() []byte { return []byte{byte(protocol.RespOk)} }

func EncodeErr(code byte) []byte { return []byte{byte(protocol.RespErr), code} }

// DecodeErr returns the DeviceError carried by an Err response.
func DecodeErr(b []byte) (*protocol.DeviceError, error) {
	if err := expectCode(b, byte(protocol.RespErr)); err != nil {
		return nil, err
	}
	// Older firmware sends a bare Err with no code.
	if len(b) < 2 {
		return &protocol.DeviceError{}, nil
	}
	return &protocol.DeviceError{Code: b[1]}, nil
}

func EncodeContactsStart(count uint32) []byte {
	w := newWriter(byte(protocol.RespContactsStart), 4)
	w.u32(count)
	return w.bytes()
}

func DecodeContactsStart(b []byte) (uint32, error) {
	return decodeU32Record(b, protocol.RespContactsStart)
}

func EncodeEndOfContacts(lastMod uint32) []byte {
	w := newWriter(byte(protocol.RespEndOfContacts), 4)
	w.u32(lastMod)
	return w.bytes()
}

func DecodeEndOfContacts(b []byte) (uint32, error) {
	return decodeU32Record(b, protocol.RespEndOfContacts)
}

func EncodeCurrTime(unix uint32) []byte {
	w := newWriter(byte(protocol.RespCurrTime), 4)
	w.u32(unix)
	return w.bytes()
}

func DecodeCurrTime(b []byte) (uint32, error) {
	return decodeU32Record(b, protocol.RespCurrTime)
}

func decodeU32Record(b []byte, code protocol.ResponseCode) (uint32, error) {
	if err := expectCode(b, byte(code)); err != nil {
		return 0, err
	}
	r := newReader(b)
	r.off = 1
	v := r.u32()
	return v, r.err
}

// Sent is the device's acceptance of a text or binary send.
type Sent struct {
	IsFlood   bool
	AckCode   uint32
	TimeoutMs uint32
}

func EncodeSent(s Sent) []byte {
	w := newWriter(byte(protocol.RespSent), 9)
	if s.IsFlood {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u32(s.AckCode)
	w.u32(s.TimeoutMs)
	return w.bytes()
}

func DecodeSent(b []byte) (Sent, error) {
	if err := expectCode(b, byte(protocol.RespSent)); err != nil {
		return Sent{}, err
	}
	r := newReader(b)
	r.off = 1
	s := Sent{
		IsFlood:   r.u8() != 0,
		AckCode:   r.u32(),
		TimeoutMs: r.u32(),
	}
	return s, r.err
}

// SelfInfo is the AppStart reply describing the local radio.
type SelfInfo struct {
	AdvType           protocol.ContactType
	TxPower           byte
	MaxTxPower        byte
	PublicKey         PublicKey
	LatE6             int32
	LonE6             int32
	ManualAddContacts bool
	RadioFreq         uint32
	RadioBandwidth    uint32
	RadioSF           byte
	RadioCR           byte
	Name              string
}

const selfInfoFixedLen = 57

func EncodeSelfInfo(s SelfInfo) []byte {
	w := newWriter(byte(protocol.RespSelfInfo), selfInfoFixedLen+len(s.Name))
	w.u8(s.TxPower)
	w.u8(s.MaxTxPower)
	w.raw(s.PublicKey[:])
	w.i32(s.LatE6)
	w.i32(s.LonE6)
	w.fixed(nil, 3)
	if s.ManualAddContacts {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u32(s.RadioFreq)
	w.u32(s.RadioBandwidth)
	w.u8(s.RadioSF)
	w.u8(s.RadioCR)
	w.raw([]byte(s.Name))
	return w.bytes()
}

func DecodeSelfInfo(b []byte) (SelfInfo, error) {
	if err := expectCode(b, byte(protocol.RespSelfInfo)); err != nil {
		return SelfInfo{}, err
	}
	r := newReader(b)
	r.off = 1
	var s SelfInfo
	s.TxPower = r.u8()
	s.MaxTxPower = r.u8()
	r.copyInto(s.PublicKey[:])
	s.LatE6 = r.i32()
	s.LonE6 = r.i32()
	r.bytes(3)
	s.ManualAddContacts = r.u8() != 0
	s.RadioFreq = r.u32()
	s.RadioBandwidth = r.u32()
	s.RadioSF = r.u8()
	s.RadioCR = r.u8()
	if r.err != nil {
		return SelfInfo{}, r.err
	}
	s.Name = trimNul(r.rest())
	return s, nil
}

// DeviceInfo is the DeviceQuery reply.
type DeviceInfo struct {
	FirmwareVersion byte
	MaxContacts     int
	MaxChannels     int
	BLEPin          uint32
	FirmwareBuild   string
	Model           string
	Version         string
}

func EncodeDeviceInfo(d DeviceInfo) []byte {
	w := newWriter(byte(protocol.RespDeviceInfo), 79)
	w.u8(d.FirmwareVersion)
	w.u8(byte(d.MaxContacts / 2))
	w.u8(byte(d.MaxChannels))
	w.u32(d.BLEPin)
	w.fixedString(d.FirmwareBuild, 12)
	w.fixedString(d.Model, 40)
	w.fixedString(d.Version, 20)
	return w.bytes()
}

// DecodeDeviceInfo tolerates the short replies of firmware below v3.
func DecodeDeviceInfo(b []byte) (DeviceInfo, error) {
	if err := expectCode(b, byte(protocol.RespDeviceInfo)); err != nil {
		return DeviceInfo{}, err
	}
	r := newReader(b)
	r.off = 1
	var d DeviceInfo
	d.FirmwareVersion = r.u8()
	if r.err != nil || d.FirmwareVersion < 3 || r.remaining() < 2 {
		return d, r.err
	}
	d.MaxContacts = int(r.u8()) * 2
	d.MaxChannels = int(r.u8())
	if r.remaining() < 4+12+40 {
		return d, nil
	}
	d.BLEPin = r.u32()
	d.FirmwareBuild = r.fixedString(12)
	d.Model = r.fixedString(40)
	d.Version = trimNul(r.rest())
	return d, r.err
}

// IncomingMessage is a direct text pulled with SyncNextMessage.
type IncomingMessage struct {
	SNR          float32
	SenderPrefix [protocol.PubKeyPrefixSize]byte
	PathLen      byte
	TextType     protocol.TextType
	Timestamp    uint32
	AuthorPrefix []byte
	Text         string
}

// EncodeContactMessage builds a ContactMsgRecv, or the V3 variant carrying SNR.
func EncodeContactMessage(m IncomingMessage, v3 bool) []byte {
	code := protocol.RespContactMsgRecv
	if v3 {
		code = protocol.RespContactMsgRecvV3
	}
	w := newWriter(byte(code), 16+len(m.Text))
	if v3 {
		w.i8(int8(m.SNR * 4))
		w.fixed(nil, 2)
	}
	w.raw(m.SenderPrefix[:])
	w.u8(m.PathLen)
	w.u8(byte(m.TextType))
	w.u32(m.Timestamp)
	if m.TextType == protocol.TextSignedPlain {
		w.fixed(m.AuthorPrefix, protocol.AuthorPrefixSize)
	}
	w.raw([]byte(m.Text))
	return w.bytes()
}

func DecodeContactMessage(b []byte) (IncomingMessage, error) {
	if err := expectCode(b, byte(protocol.RespContactMsgRecv), byte(protocol.RespContactMsgRecvV3)); err != nil {
		return IncomingMessage{}, err
	}
	r := newReader(b)
	r.off = 1
	var m IncomingMessage
	if b[0] == byte(protocol.RespContactMsgRecvV3) {
		m.SNR = float32(r.i8()) / 4
		r.bytes(2)
	}
	r.copyInto(m.SenderPrefix[:])
	m.PathLen = r.u8()
	m.TextType = protocol.TextType(r.u8())
	m.Timestamp = r.u32()
	if m.TextType == protocol.TextSignedPlain {
		m.AuthorPrefix = r.bytes(protocol.AuthorPrefixSize)
	}
	if r.err != nil {
		return IncomingMessage{}, r.err
	}
	m.Text = string(r.rest())
	return m, nil
}

// IncomingChannelMessage is a channel text pulled with SyncNextMessage.
type IncomingChannelMessage struct {
	SNR       float32
	Index     uint8
	PathLen   byte
	TextType  protocol.TextType
	Timestamp uint32
	Text      string
}

func EncodeChannelMessage(m IncomingChannelMessage, v3 bool) []byte {
	code := protocol.RespChannelMsgRecv
	if v3 {
		code = protocol.RespChannelMsgRecvV3
	}
	w := newWriter(byte(code), 10+len(m.Text))
	if v3 {
		w.i8(int8(m.SNR * 4))
		w.fixed(nil, 2)
	}
	w.u8(m.Index)
	w.u8(m.PathLen)
	w.u8(byte(m.TextType))
	w.u32(m.Timestamp)
	w.raw([]byte(m.Text))
	return w.bytes()
}

func DecodeChannelMessage(b []byte) (IncomingChannelMessage, error) {
	if err := expectCode(b, byte(protocol.RespChannelMsgRecv), byte(protocol.RespChannelMsgRecvV3)); err != nil {
		return IncomingChannelMessage{}, err
	}
	r := newReader(b)
	r.off = 1
	var m IncomingChannelMessage
	if b[0] == byte(protocol.RespChannelMsgRecvV3) {
		m.SNR = float32(r.i8()) / 4
		r.bytes(2)
	}
	m.Index = r.u8()
	m.PathLen = r.u8()
	m.TextType = protocol.TextType(r.u8())
	m.Timestamp = r.u32()
	if r.err != nil {
		return IncomingChannelMessage{}, r.err
	}
	m.Text = string(r.rest())
	return m, nil
}
