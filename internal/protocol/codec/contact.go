package codec

import (
	"github.com/danmuck/meshlink/internal/protocol"
)

// ContactWireSize is the length of a contact record without discriminator.
const ContactWireSize = protocol.PublicKeySize + 3 + protocol.PathFieldSize + protocol.NameFieldSize + 16

// ContactRecord is the device's view of one contact.
type ContactRecord struct {
	PublicKey  [protocol.PublicKeySize]byte
	Type       protocol.ContactType
	Flags      byte
	OutPathLen int8
	OutPath    []byte
	Name       string
	LastAdvert uint32
	LatE6      int32
	LonE6      int32
	LastMod    uint32
}

// Latitude returns the advertised latitude in degrees.
func (c ContactRecord) Latitude() float64 { return float64(c.LatE6) / 1e6 }

// Longitude returns the advertised longitude in degrees.
func (c ContactRecord) Longitude() float64 { return float64(c.LonE6) / 1e6 }

// ScaleE6 converts degrees into the 1e6-scaled wire form.
func ScaleE6(deg float64) int32 {
	if deg >= 0 {
		return int32(deg*1e6 + 0.5)
	}
	return int32(deg*1e6 - 0.5)
}

func (w *writer) contact(c ContactRecord) {
	w.raw(c.PublicKey[:])
	w.u8(byte(c.Type))
	w.u8(c.Flags)
	w.i8(c.OutPathLen)
	w.fixed(c.OutPath, protocol.PathFieldSize)
	w.fixedString(c.Name, protocol.NameFieldSize)
	w.u32(c.LastAdvert)
	w.i32(c.LatE6)
	w.i32(c.LonE6)
	w.u32(c.LastMod)
}

func (r *reader) contact() ContactRecord {
	var c ContactRecord
	r.copyInto(c.PublicKey[:])
	c.Type = protocol.ContactType(r.u8())
	c.Flags = r.u8()
	c.OutPathLen = r.i8()
	path := r.bytes(protocol.PathFieldSize)
	if c.OutPathLen > 0 && path != nil {
		n := int(c.OutPathLen)
		if n > len(path) {
			n = len(path)
		}
		c.OutPath = path[:n]
	}
	c.Name = r.fixedString(protocol.NameFieldSize)
	c.LastAdvert = r.u32()
	c.LatE6 = r.i32()
	c.LonE6 = r.i32()
	c.LastMod = r.u32()
	return c
}

// EncodeContactWire returns the compact record without discriminator.
func EncodeContactWire(c ContactRecord) []byte {
	w := &writer{buf: make([]byte, 0, ContactWireSize)}
	w.contact(c)
	return w.bytes()
}

// DecodeContactWire parses a compact record without discriminator.
func DecodeContactWire(b []byte) (ContactRecord, error) {
	r := &reader{code: byte(protocol.RespContact), buf: b}
	c := r.contact()
	return c, r.err
}

// EncodeContactFrame prefixes the compact record with code (Contact
// response, NewAdvert push or AddUpdateContact command).
func EncodeContactFrame(code byte, c ContactRecord) []byte {
	w := newWriter(code, ContactWireSize)
	w.contact(c)
	return w.bytes()
}

// DecodeContactFrame parses a Contact response or NewAdvert push.
func DecodeContactFrame(b []byte) (ContactRecord, error) {
	if err := expectCode(b, byte(protocol.RespContact), byte(protocol.PushNewAdvert), byte(protocol.CmdAddUpdateContact)); err != nil {
		return ContactRecord{}, err
	}
	r := newReader(b)
	r.off = 1
	c := r.contact()
	return c, r.err
}
