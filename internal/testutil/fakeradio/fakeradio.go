// Package fakeradio is a scripted in-memory transport.Transport for tests.
package fakeradio

import (
	"context"
	"sync"

	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/transport"
)

// Reply is what the radio emits for one command. Frames[0] answers Send;
// the rest are returned by later Receive calls. Pushes reach the response
// handler before Send returns.
type Reply struct {
	Frames [][]byte
	Pushes [][]byte
}

// Script answers one command frame.
type Script func(cmd []byte) Reply

// Respond answers with fixed frames.
func Respond(frames ...[]byte) Script {
	return func([]byte) Reply { return Reply{Frames: frames} }
}

// Silent never answers, so Send returns a nil reply.
func Silent() Script {
	return func([]byte) Reply { return Reply{} }
}

type Radio struct {
	mu         sync.Mutex
	state      transport.ConnectionState
	once       map[protocol.CommandCode][]Script
	always     map[protocol.CommandCode]Script
	sent       [][]byte
	pending    [][]byte
	connectErr error
	onFrame    func([]byte)
	onState    func(transport.ConnectionState)
}

func New() *Radio {
	return &Radio{
		once:   make(map[protocol.CommandCode][]Script),
		always: make(map[protocol.CommandCode]Script),
	}
}

// On installs the standing script for code.
func (r *Radio) On(code protocol.CommandCode, fn Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.always[code] = fn
}

// Once queues a one-shot script for code, used before the standing one.
func (r *Radio) Once(code protocol.CommandCode, fn Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.once[code] = append(r.once[code], fn)
}

// FailConnect makes the next Connect calls fail with err.
func (r *Radio) FailConnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErr = err
}

func (r *Radio) Connect(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	err := r.connectErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.setState(transport.StateConnecting)
	r.setState(transport.StateConnected)
	r.setState(transport.StateReady)
	return nil
}

func (r *Radio) Disconnect() error {
	r.setState(transport.StateDisconnected)
	return nil
}

// Drop simulates the link going away underneath the engine.
func (r *Radio) Drop() {
	r.setState(transport.StateDisconnected)
}

func (r *Radio) Send(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.state != transport.StateReady {
		r.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	cp := append([]byte(nil), cmd...)
	r.sent = append(r.sent, cp)
	r.pending = nil
	var script Script
	if len(cmd) > 0 {
		code := protocol.CommandCode(cmd[0])
		if q := r.once[code]; len(q) > 0 {
			script = q[0]
			r.once[code] = q[1:]
		} else {
			script = r.always[code]
		}
	}
	r.mu.Unlock()

	if script == nil {
		return nil, nil
	}
	reply := script(cp)
	var first []byte
	if len(reply.Frames) > 0 {
		first = reply.Frames[0]
		r.mu.Lock()
		r.pending = append(r.pending, reply.Frames[1:]...)
		r.mu.Unlock()
	}
	for _, p := range reply.Pushes {
		r.Push(p)
	}
	return first, nil
}

func (r *Radio) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != transport.StateReady {
		return nil, transport.ErrNotConnected
	}
	if len(r.pending) == 0 {
		return nil, nil
	}
	f := r.pending[0]
	r.pending = r.pending[1:]
	return f, nil
}

// Push delivers an unsolicited frame to the response handler.
func (r *Radio) Push(f []byte) {
	r.mu.Lock()
	fn := r.onFrame
	r.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (r *Radio) SetResponseHandler(fn func(frame []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFrame = fn
}

func (r *Radio) SetStateHandler(fn func(state transport.ConnectionState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = fn
}

func (r *Radio) State() transport.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Sent returns copies of every command written so far.
func (r *Radio) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	copy(out, r.sent)
	return out
}

// Count returns how many commands with code were written.
func (r *Radio) Count(code protocol.CommandCode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.sent {
		if len(c) > 0 && protocol.CommandCode(c[0]) == code {
			n++
		}
	}
	return n
}

// Last returns the most recent command with code.
func (r *Radio) Last(code protocol.CommandCode) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if len(r.sent[i]) > 0 && protocol.CommandCode(r.sent[i][0]) == code {
			return r.sent[i]
		}
	}
	return nil
}

func (r *Radio) setState(s transport.ConnectionState) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	fn := r.onState
	r.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

var _ transport.Transport = (*Radio)(nil)
