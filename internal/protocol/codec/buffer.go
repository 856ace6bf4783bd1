package codec

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/danmuck/meshlink/internal/protocol"
)

// reader walks a record and latches the first short-read error.
type reader struct {
	code byte
	buf  []byte
	off  int
	err  error
}

func newReader(buf []byte) *reader {
	r := &reader{buf: buf}
	if len(buf) > 0 {
		r.code = buf[0]
	}
	return r
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = protocol.Truncated(r.code, r.off+n, len(r.buf))
		return false
	}
	return true
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) i8() int8 { return int8(r.u8()) }

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) i16() int16 { return int16(r.u16()) }

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out
}

func (r *reader) copyInto(dst []byte) {
	if !r.need(len(dst)) {
		return
	}
	copy(dst, r.buf[r.off:r.off+len(dst)])
	r.off += len(dst)
}

func (r *reader) fixedString(n int) string {
	b := r.bytes(n)
	if b == nil {
		return ""
	}
	return trimNul(b)
}

func (r *reader) rest() []byte {
	if r.err != nil || r.off >= len(r.buf) {
		return nil
	}
	out := make([]byte, len(r.buf)-r.off)
	copy(out, r.buf[r.off:])
	r.off = len(r.buf)
	return out
}

func trimNul(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// expectCode validates the discriminator of buf against allowed codes.
func expectCode(buf []byte, allowed ...byte) error {
	if len(buf) == 0 {
		return protocol.Truncated(0, 1, 0)
	}
	for _, c := range allowed {
		if buf[0] == c {
			return nil
		}
	}
	return protocol.Malformed(buf[0], "unexpected discriminator")
}

// writer appends little-endian fields to a record.
type writer struct {
	buf []byte
}

func newWriter(code byte, sizeHint int) *writer {
	w := &writer{buf: make([]byte, 0, sizeHint+1)}
	w.buf = append(w.buf, code)
	return w
}

func (w *writer) u8(v byte)    { w.buf = append(w.buf, v) }
func (w *writer) i8(v int8)    { w.buf = append(w.buf, byte(v)) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) i16(v int16)  { w.u16(uint16(v)) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) i32(v int32)  { w.u32(uint32(v)) }
func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

// fixed writes b zero-padded or truncated to n bytes.
func (w *writer) fixed(b []byte, n int) {
	if len(b) > n {
		b = b[:n]
	}
	w.buf = append(w.buf, b...)
	for i := len(b); i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// fixedString writes s into n bytes without splitting a UTF-8 sequence.
// One byte is reserved for the terminator.
func (w *writer) fixedString(s string, n int) {
	w.fixed([]byte(TruncateUTF8(s, n-1)), n)
}

func (w *writer) bytes() []byte { return w.buf }

// TruncateUTF8 shortens s to at most max bytes on a rune boundary.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 0 {
		return ""
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
