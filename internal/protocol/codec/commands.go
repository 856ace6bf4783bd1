package codec

import (
	"github.com/danmuck/meshlink/internal/protocol"
)

// AppProtocolVersion is advertised in DeviceQuery and AppStart.
const AppProtocolVersion byte = 3

// MaxTextBytes bounds the text body of a direct or channel message.
const MaxTextBytes = 160

type PublicKey = [protocol.PublicKeySize]byte

func EncodeDeviceQuery() []byte {
	return []byte{byte(protocol.CmdDeviceQuery), AppProtocolVersion}
}

func EncodeAppStart(appName string) []byte {
	w := newWriter(byte(protocol.CmdAppStart), 7+len(appName))
	w.u8(1)
	w.fixed(nil, 6)
	w.raw([]byte(appName))
	return w.bytes()
}

// EncodeGetContacts builds GetContacts; a nil since requests a full listing.
func EncodeGetContacts(since *uint32) []byte {
	w := newWriter(byte(protocol.CmdGetContacts), 4)
	if since != nil {
		w.u32(*since)
	}
	return w.bytes()
}

// DecodeGetContacts returns the since cursor, if present.
func DecodeGetContacts(b []byte) (*uint32, error) {
	if err := expectCode(b, byte(protocol.CmdGetContacts)); err != nil {
		return nil, err
	}
	if len(b) < 5 {
		return nil, nil
	}
	r := newReader(b)
	r.off = 1
	v := r.u32()
	return &v, r.err
}

func EncodeGetDeviceTime() []byte { return []byte{byte(protocol.CmdGetDeviceTime)} }

func EncodeSetDeviceTime(unix uint32) []byte {
	w := newWriter(byte(protocol.CmdSetDeviceTime), 4)
	w.u32(unix)
	return w.bytes()
}

func EncodeSendSelfAdvert(flood bool) []byte {
	if flood {
		return []byte{byte(protocol.CmdSendSelfAdvert), 1}
	}
	return []byte{byte(protocol.CmdSendSelfAdvert)}
}

func EncodeAddUpdateContact(c ContactRecord) []byte {
	return EncodeContactFrame(byte(protocol.CmdAddUpdateContact), c)
}

func EncodeSyncNextMessage() []byte { return []byte{byte(protocol.CmdSyncNextMessage)} }

func EncodeResetPath(key PublicKey) []byte       { return keyCommand(protocol.CmdResetPath, key) }
func EncodeRemoveContact(key PublicKey) []byte   { return keyCommand(protocol.CmdRemoveContact, key) }
func EncodeShareContact(key PublicKey) []byte    { return keyCommand(protocol.CmdShareContact, key) }
func EncodeGetContactByKey(key PublicKey) []byte { return keyCommand(protocol.CmdGetContactByKey, key) }
func EncodeSendStatusReq(key PublicKey) []byte   { return keyCommand(protocol.CmdSendStatusReq, key) }
func EncodeLogout(key PublicKey) []byte          { return keyCommand(protocol.CmdLogout, key) }

func keyCommand(code protocol.CommandCode, key PublicKey) []byte {
	w := newWriter(byte(code), protocol.PublicKeySize)
	w.raw(key[:])
	return w.bytes()
}

// DecodeKeyCommand returns the public key argument of a key-only command.
func DecodeKeyCommand(b []byte) (PublicKey, error) {
	var key PublicKey
	if len(b) == 0 {
		return key, protocol.Truncated(0, 1, 0)
	}
	r := newReader(b)
	r.off = 1
	r.copyInto(key[:])
	return key, r.err
}

func EncodeSendLogin(key PublicKey, password string) []byte {
	w := newWriter(byte(protocol.CmdSendLogin), protocol.PublicKeySize+len(password))
	w.raw(key[:])
	w.raw([]byte(TruncateUTF8(password, 15)))
	return w.bytes()
}

// DecodeSendLogin returns the peer key and password of a SendLogin command.
func DecodeSendLogin(b []byte) (PublicKey, string, error) {
	var key PublicKey
	if err := expectCode(b, byte(protocol.CmdSendLogin)); err != nil {
		return key, "", err
	}
	r := newReader(b)
	r.off = 1
	r.copyInto(key[:])
	pw := string(r.rest())
	return key, pw, r.err
}

// BinaryRequest is the body of SendBinaryReq.
type BinaryRequest struct {
	PublicKey PublicKey
	Type      protocol.BinaryRequestType
	Data      []byte
}

func EncodeSendBinaryReq(req BinaryRequest) []byte {
	w := newWriter(byte(protocol.CmdSendBinaryReq), protocol.PublicKeySize+1+len(req.Data))
	w.raw(req.PublicKey[:])
	w.u8(byte(req.Type))
	w.raw(req.Data)
	return w.bytes()
}

func DecodeSendBinaryReq(b []byte) (BinaryRequest, error) {
	var req BinaryRequest
	if err := expectCode(b, byte(protocol.CmdSendBinaryReq)); err != nil {
		return req, err
	}
	r := newReader(b)
	r.off = 1
	r.copyInto(req.PublicKey[:])
	req.Type = protocol.BinaryRequestType(r.u8())
	req.Data = r.rest()
	return req, r.err
}

// OutgoingText is the body of SendTxtMsg.
type OutgoingText struct {
	TextType  protocol.TextType
	Attempt   byte
	Timestamp uint32
	Prefix    [protocol.PubKeyPrefixSize]byte
	Text      string
}

func EncodeSendTxtMsg(m OutgoingText) []byte {
	w := newWriter(byte(protocol.CmdSendTxtMsg), 12+len(m.Text))
	w.u8(byte(m.TextType))
	w.u8(m.Attempt)
	w.u32(m.Timestamp)
	w.raw(m.Prefix[:])
	w.raw([]byte(m.Text))
	return w.bytes()
}

func DecodeSendTxtMsg(b []byte) (OutgoingText, error) {
	var m OutgoingText
	if err := expectCode(b, byte(protocol.CmdSendTxtMsg)); err != nil {
		return m, err
	}
	r := newReader(b)
	r.off = 1
	m.TextType = protocol.TextType(r.u8())
	m.Attempt = r.u8()
	m.Timestamp = r.u32()
	r.copyInto(m.Prefix[:])
	m.Text = string(r.rest())
	return m, r.err
}

// OutgoingChannelText is the body of SendChannelTxtMsg.
type OutgoingChannelText struct {
	TextType  protocol.TextType
	Index     uint8
	Timestamp uint32
	Text      string
}

func EncodeSendChannelTxtMsg(m OutgoingChannelText) []byte {
	w := newWriter(byte(protocol.CmdSendChannelTxtMsg), 6+len(m.Text))
	w.u8(byte(m.TextType))
	w.u8(m.Index)
	w.u32(m.Timestamp)
	w.raw([]byte(m.Text))
	return w.bytes()
}

func DecodeSendChannelTxtMsg(b []byte) (OutgoingChannelText, error) {
	var m OutgoingChannelText
	if err := expectCode(b, byte(protocol.CmdSendChannelTxtMsg)); err != nil {
		return m, err
	}
	r := newReader(b)
	r.off = 1
	m.TextType = protocol.TextType(r.u8())
	m.Index = r.u8()
	m.Timestamp = r.u32()
	m.Text = string(r.rest())
	return m, r.err
}
