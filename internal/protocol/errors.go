package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrFrame = errors.New("protocol: malformed frame")

	ErrUnsupportedCommand = errors.New("protocol: unsupported command")
	ErrNotFound           = errors.New("protocol: not found")
	ErrTableFull          = errors.New("protocol: table full")
	ErrBadState           = errors.New("protocol: bad state")
	ErrFileIO             = errors.New("protocol: file io error")
	ErrIllegalArgument    = errors.New("protocol: illegal argument")
)

// Device-reported error codes carried by an Err response.
const (
	ErrCodeUnsupportedCommand byte = 1
	ErrCodeNotFound           byte = 2
	ErrCodeTableFull          byte = 3
	ErrCodeBadState           byte = 4
	ErrCodeFileIO             byte = 5
	ErrCodeIllegalArgument    byte = 6
)

var deviceErrSentinels = map[byte]error{
	ErrCodeUnsupportedCommand: ErrUnsupportedCommand,
	ErrCodeNotFound:           ErrNotFound,
	ErrCodeTableFull:          ErrTableFull,
	ErrCodeBadState:           ErrBadState,
	ErrCodeFileIO:             ErrFileIO,
	ErrCodeIllegalArgument:    ErrIllegalArgument,
}

// FrameError reports a record that is too short or carries the wrong
// discriminator.
type FrameError struct {
	Code   byte
	Need   int
	Have   int
	Reason string
}

func (e *FrameError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("protocol: frame 0x%02x: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("protocol: frame 0x%02x truncated: need %d bytes, have %d", e.Code, e.Need, e.Have)
}

func (e *FrameError) Unwrap() error { return ErrFrame }

// Truncated builds a FrameError for a short buffer.
func Truncated(code byte, need, have int) error {
	return &FrameError{Code: code, Need: need, Have: have}
}

// Malformed builds a FrameError for a structurally invalid buffer.
func Malformed(code byte, reason string) error {
	return &FrameError{Code: code, Reason: reason}
}

// DeviceError is an Err response returned by the radio.
type DeviceError struct {
	Code byte
}

func (e *DeviceError) Error() string {
	if sentinel, ok := deviceErrSentinels[e.Code]; ok {
		return fmt.Sprintf("%s (device code %d)", sentinel.Error(), e.Code)
	}
	return fmt.Sprintf("protocol: device error code %d", e.Code)
}

func (e *DeviceError) Is(target error) bool {
	sentinel, ok := deviceErrSentinels[e.Code]
	return ok && sentinel == target
}

// DeviceCode extracts the device error code from err, if any.
func DeviceCode(err error) (byte, bool) {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Code, true
	}
	return 0, false
}

// IsRetryable reports device errors that may clear on their own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBadState)
}

// IsCallerError reports device errors that retrying cannot fix.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrIllegalArgument) ||
		errors.Is(err, ErrUnsupportedCommand)
}

// IsResourceLimit reports device-side capacity or storage failures.
func IsResourceLimit(err error) bool {
	return errors.Is(err, ErrTableFull) || errors.Is(err, ErrFileIO)
}
