// Package transport defines the byte-stream port to the paired radio and a
// TCP adapter for it.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

// ConnectionState tracks the link to the radio.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Transport moves whole companion frames to and from the radio.
//
// Send writes one command and returns the next non-push frame, or nil when
// the radio stays silent past the adapter's reply timeout. Receive pulls a
// follow-up frame of a streamed reply. Every frame not consumed as a reply,
// push frames included, goes to the response handler.
type Transport interface {
	Connect(ctx context.Context, deviceID string) error
	Disconnect() error
	Send(ctx context.Context, frame []byte) ([]byte, error)
	Receive(ctx context.Context) ([]byte, error)
	SetResponseHandler(fn func(frame []byte))
	SetStateHandler(fn func(state ConnectionState))
	State() ConnectionState
}
