package codec

import "github.com/danmuck/meshlink/internal/protocol"

// ChannelRecord is one device channel slot.
type ChannelRecord struct {
	Index  uint8
	Name   string
	Secret [protocol.SecretSize]byte
}

func EncodeGetChannel(idx uint8) []byte {
	return []byte{byte(protocol.CmdGetChannel), idx}
}

// DecodeGetChannel returns the slot index requested by a GetChannel command.
func DecodeGetChannel(b []byte) (uint8, error) {
	if err := expectCode(b, byte(protocol.CmdGetChannel)); err != nil {
		return 0, err
	}
	r := newReader(b)
	r.off = 1
	idx := r.u8()
	return idx, r.err
}

func EncodeSetChannel(ch ChannelRecord) []byte {
	return encodeChannel(byte(protocol.CmdSetChannel), ch)
}

// EncodeChannelInfo builds the ChannelInfo response for ch.
func EncodeChannelInfo(ch ChannelRecord) []byte {
	return encodeChannel(byte(protocol.RespChannelInfo), ch)
}

func encodeChannel(code byte, ch ChannelRecord) []byte {
	w := newWriter(code, 1+protocol.NameFieldSize+protocol.SecretSize)
	w.u8(ch.Index)
	w.fixedString(ch.Name, protocol.NameFieldSize)
	w.raw(ch.Secret[:])
	return w.bytes()
}

// DecodeChannelInfo parses a ChannelInfo response or SetChannel command.
func DecodeChannelInfo(b []byte) (ChannelRecord, error) {
	if err := expectCode(b, byte(protocol.RespChannelInfo), byte(protocol.CmdSetChannel)); err != nil {
		return ChannelRecord{}, err
	}
	r := newReader(b)
	r.off = 1
	var ch ChannelRecord
	ch.Index = r.u8()
	ch.Name = r.fixedString(protocol.NameFieldSize)
	r.copyInto(ch.Secret[:])
	return ch, r.err
}
