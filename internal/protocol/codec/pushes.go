package codec

import (
	"github.com/danmuck/meshlink/internal/protocol"
)

type Prefix = [protocol.PubKeyPrefixSize]byte

// PrefixOf returns the 6-byte matching prefix of key.
func PrefixOf(key PublicKey) Prefix {
	var p Prefix
	copy(p[:], key[:protocol.PubKeyPrefixSize])
	return p
}

func EncodeAdvert(key PublicKey) []byte      { return keyPush(protocol.PushAdvert, key) }
func EncodePathUpdated(key PublicKey) []byte { return keyPush(protocol.PushPathUpdated, key) }

func keyPush(code protocol.PushCode, key PublicKey) []byte {
	w := newWriter(byte(code), protocol.PublicKeySize)
	w.raw(key[:])
	return w.bytes()
}

// DecodeKeyPush parses an Advert or PathUpdated push.
func DecodeKeyPush(b []byte) (PublicKey, error) {
	var key PublicKey
	if err := expectCode(b, byte(protocol.PushAdvert), byte(protocol.PushPathUpdated)); err != nil {
		return key, err
	}
	r := newReader(b)
	r.off = 1
	r.copyInto(key[:])
	return key, r.err
}

// SendConfirmed reports delivery of a direct message.
type SendConfirmed struct {
	AckCode     uint32
	RoundTripMs uint32
}

func EncodeSendConfirmed(c SendConfirmed) []byte {
	w := newWriter(byte(protocol.PushSendConfirmed), 8)
	w.u32(c.AckCode)
	w.u32(c.RoundTripMs)
	return w.bytes()
}

func DecodeSendConfirmed(b []byte) (SendConfirmed, error) {
	if err := expectCode(b, byte(protocol.PushSendConfirmed)); err != nil {
		return SendConfirmed{}, err
	}
	r := newReader(b)
	r.off = 1
	c := SendConfirmed{AckCode: r.u32(), RoundTripMs: r.u32()}
	return c, r.err
}

func EncodeMsgWaiting() []byte { return []byte{byte(protocol.PushMsgWaiting)} }

// LoginResult is a LoginSuccess or LoginFail push.
type LoginResult struct {
	Success     bool
	IsAdmin     bool
	Prefix      Prefix
	Tag         int32
	Permissions byte
	HasACL      bool
}

func EncodeLoginResult(l LoginResult) []byte {
	if !l.Success {
		w := newWriter(byte(protocol.PushLoginFail), 7)
		w.u8(0)
		w.raw(l.Prefix[:])
		return w.bytes()
	}
	w := newWriter(byte(protocol.PushLoginSuccess), 12)
	if l.IsAdmin {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.raw(l.Prefix[:])
	if l.HasACL {
		w.i32(l.Tag)
		w.u8(l.Permissions)
	}
	return w.bytes()
}

func DecodeLoginResult(b []byte) (LoginResult, error) {
	if err := expectCode(b, byte(protocol.PushLoginSuccess), byte(protocol.PushLoginFail)); err != nil {
		return LoginResult{}, err
	}
	r := newReader(b)
	r.off = 1
	var l LoginResult
	l.Success = b[0] == byte(protocol.PushLoginSuccess)
	flag := r.u8()
	r.copyInto(l.Prefix[:])
	if r.err != nil {
		return LoginResult{}, r.err
	}
	if !l.Success {
		return l, nil
	}
	l.IsAdmin = flag != 0
	if r.remaining() >= 5 {
		l.Tag = r.i32()
		l.Permissions = r.u8()
		l.HasACL = true
	}
	return l, r.err
}

// StatusResponse carries raw repeater stats for the node at Prefix.
type StatusResponse struct {
	Prefix Prefix
	Data   []byte
}

func EncodeStatusResponse(s StatusResponse) []byte {
	w := newWriter(byte(protocol.PushStatusResponse), 7+len(s.Data))
	w.u8(0)
	w.raw(s.Prefix[:])
	w.raw(s.Data)
	return w.bytes()
}

func DecodeStatusResponse(b []byte) (StatusResponse, error) {
	if err := expectCode(b, byte(protocol.PushStatusResponse)); err != nil {
		return StatusResponse{}, err
	}
	r := newReader(b)
	r.off = 1
	r.u8()
	var s StatusResponse
	r.copyInto(s.Prefix[:])
	if r.err != nil {
		return StatusResponse{}, r.err
	}
	s.Data = r.rest()
	return s, nil
}

// BinaryResponse answers a SendBinaryReq; Tag equals the Sent ack code.
type BinaryResponse struct {
	Tag  uint32
	Data []byte
}

func EncodeBinaryResponse(br BinaryResponse) []byte {
	w := newWriter(byte(protocol.PushBinaryResponse), 5+len(br.Data))
	w.u8(0)
	w.u32(br.Tag)
	w.raw(br.Data)
	return w.bytes()
}

func DecodeBinaryResponse(b []byte) (BinaryResponse, error) {
	if err := expectCode(b, byte(protocol.PushBinaryResponse)); err != nil {
		return BinaryResponse{}, err
	}
	r := newReader(b)
	r.off = 1
	r.u8()
	var br BinaryResponse
	br.Tag = r.u32()
	if r.err != nil {
		return BinaryResponse{}, r.err
	}
	br.Data = r.rest()
	return br, nil
}
