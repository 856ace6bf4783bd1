package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// TCPConfig configures the TCP adapter.
type TCPConfig struct {
	Address      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReplyTimeout time.Duration
	ReplyBuffer  int
	Limits       frame.Limits
}

func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		Address:      "127.0.0.1:5000",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReplyTimeout: 10 * time.Second,
		ReplyBuffer:  32,
		Limits:       frame.DefaultLimits(),
	}
}

// TCP talks to a radio exposing the companion protocol over TCP (WiFi
// firmware or a serial bridge).
type TCP struct {
	cfg    TCPConfig
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)
	log    zerolog.Logger

	mu       sync.Mutex
	conn     net.Conn
	state    ConnectionState
	replies  chan []byte
	stop     chan struct{}
	readDone chan struct{}
	deviceID string

	writeMu sync.Mutex

	hmu     sync.RWMutex
	onFrame func([]byte)
	onState func(ConnectionState)
}

func NewTCP(cfg TCPConfig) *TCP {
	d := DefaultTCPConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = d.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = d.ReplyTimeout
	}
	if cfg.ReplyBuffer <= 0 {
		cfg.ReplyBuffer = d.ReplyBuffer
	}
	if cfg.Limits.MaxPayloadBytes <= 0 {
		cfg.Limits = d.Limits
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	return &TCP{
		cfg:    cfg,
		dialer: dialer.DialContext,
		log:    logging.Component("transport.tcp"),
	}
}

func (t *TCP) SetResponseHandler(fn func(frame []byte)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onFrame = fn
}

func (t *TCP) SetStateHandler(fn func(state ConnectionState)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onState = fn
}

func (t *TCP) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the configured address. deviceID labels the link in logs.
func (t *TCP) Connect(ctx context.Context, deviceID string) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.deviceID = deviceID
	t.mu.Unlock()

	t.setState(StateConnecting)
	conn, err := t.dialer(ctx, "tcp", t.cfg.Address)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("%w: dial %s: %v", ErrNotConnected, t.cfg.Address, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.replies = make(chan []byte, t.cfg.ReplyBuffer)
	t.stop = make(chan struct{})
	t.readDone = make(chan struct{})
	replies, stop, done := t.replies, t.stop, t.readDone
	t.mu.Unlock()
	t.setState(StateConnected)
	t.log.Info().Str("device", deviceID).Str("addr", t.cfg.Address).Msg("connected")
	t.setState(StateReady)

	go t.readLoop(conn, replies, stop, done)
	return nil
}

func (t *TCP) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	stop := t.stop
	done := t.readDone
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(stop)
	err := conn.Close()
	<-done
	t.setState(StateDisconnected)
	t.log.Info().Str("device", t.deviceID).Msg("disconnected")
	return err
}

// Send drops stale replies, writes frame and waits for the next reply.
func (t *TCP) Send(ctx context.Context, payload []byte) ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	replies := t.replies
	t.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	t.drainStale(replies)

	buf, err := frame.Encode(frame.MarkerOutbound, payload, t.cfg.Limits)
	if err != nil {
		return nil, err
	}
	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	_, err = conn.Write(buf)
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrNotConnected, err)
	}
	return t.await(ctx, replies)
}

func (t *TCP) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	replies := t.replies
	connected := t.conn != nil
	t.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}
	return t.await(ctx, replies)
}

func (t *TCP) await(ctx context.Context, replies chan []byte) ([]byte, error) {
	timer := time.NewTimer(t.cfg.ReplyTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case f, ok := <-replies:
		if !ok {
			return nil, ErrClosed
		}
		return f, nil
	}
}

func (t *TCP) drainStale(replies chan []byte) {
	for {
		select {
		case f, ok := <-replies:
			if !ok {
				return
			}
			t.log.Debug().Hex("frame", f).Msg("dropping stale reply")
			t.deliver(f)
		default:
			return
		}
	}
}

func (t *TCP) readLoop(conn net.Conn, replies chan []byte, stop, done chan struct{}) {
	defer close(done)
	defer close(replies)
	for {
		payload, err := frame.ReadFrame(conn, frame.MarkerInbound, t.cfg.Limits)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, frame.ErrBadMarker) || errors.Is(err, frame.ErrEmptyPayload) {
				t.log.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			t.log.Warn().Err(err).Msg("read loop ended")
			t.dropped(conn)
			return
		}
		if protocol.IsPush(payload[0]) {
			t.deliver(payload)
			continue
		}
		select {
		case replies <- payload:
		default:
			t.log.Warn().Uint8("code", payload[0]).Msg("reply buffer full")
			t.deliver(payload)
		}
	}
}

// dropped handles a link lost without Disconnect.
func (t *TCP) dropped(conn net.Conn) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()
	_ = conn.Close()
	t.setState(StateDisconnected)
}

func (t *TCP) deliver(f []byte) {
	t.hmu.RLock()
	fn := t.onFrame
	t.hmu.RUnlock()
	if fn != nil {
		fn(f)
	}
}

func (t *TCP) setState(s ConnectionState) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if !changed {
		return
	}
	t.hmu.RLock()
	fn := t.onState
	t.hmu.RUnlock()
	if fn != nil {
		fn(s)
	}
}
