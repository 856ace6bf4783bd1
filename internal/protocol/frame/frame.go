package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MarkerOutbound prefixes host->device frames.
	MarkerOutbound byte = 0x3c
	// MarkerInbound prefixes device->host frames.
	MarkerInbound byte = 0x3e

	HeaderLen = 3
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadMarker       = errors.New("frame: unexpected start marker")
	ErrEmptyPayload    = errors.New("frame: empty payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrShortPayload    = errors.New("frame: short payload")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 4096}
}

// ReadFrame reads one frame carrying the expected start marker and returns
// its payload.
func ReadFrame(r io.Reader, marker byte, limits Limits) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	if hdr[0] != marker {
		return nil, ErrBadMarker
	}
	n := int(binary.LittleEndian.Uint16(hdr[1:3]))
	if n == 0 {
		return nil, ErrEmptyPayload
	}
	if n > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrShortPayload
		}
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, marker byte, payload []byte, limits Limits) error {
	buf, err := Encode(marker, payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Encode returns the marker + length header followed by payload.
func Encode(marker byte, payload []byte, limits Limits) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = marker
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}
