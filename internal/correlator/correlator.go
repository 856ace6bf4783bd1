// Package correlator owns the radio transport: it serializes command
// exchanges and routes unsolicited frames to handlers and waiters.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("correlator: not connected")
	ErrNoResponse   = errors.New("correlator: no response")
	ErrClosed       = errors.New("correlator: closed")
)

// Handler receives one unsolicited frame.
type Handler func(frame []byte)

// Options configures a Correlator.
type Options struct {
	// CommandTimeout bounds one exchange when the caller's context has no
	// deadline.
	CommandTimeout time.Duration
	QueueSize      int
	Logger         *zerolog.Logger
}

// Correlator is the single owner of the transport. At most one command is
// outstanding at a time; callers queue on a one-slot semaphore and their
// command timeout starts once they hold it.
type Correlator struct {
	tr       transport.Transport
	opts     Options
	log      zerolog.Logger
	exchange chan struct{}

	hmu      sync.RWMutex
	handlers map[byte]Handler

	wmu     sync.Mutex
	waiters []*Waiter

	queue     chan []byte
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(tr transport.Transport, opts Options) *Correlator {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	log := logging.Component("correlator")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	c := &Correlator{
		tr:       tr,
		opts:     opts,
		log:      log,
		exchange: make(chan struct{}, 1),
		handlers: make(map[byte]Handler),
		queue:    make(chan []byte, opts.QueueSize),
		done:     make(chan struct{}),
	}
	tr.SetResponseHandler(c.accept)
	return c
}

// Start launches the push consumer. Handlers run on this one goroutine.
func (c *Correlator) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.consume()
	})
}

// Close stops the push consumer and cancels outstanding waiters.
func (c *Correlator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.wmu.Lock()
		waiters := c.waiters
		c.waiters = nil
		c.wmu.Unlock()
		for _, w := range waiters {
			w.fail(ErrClosed)
		}
	})
}

// Transport returns the owned transport.
func (c *Correlator) Transport() transport.Transport { return c.tr }

// Ready reports whether commands can be sent.
func (c *Correlator) Ready() bool {
	return c.tr.State() == transport.StateReady
}

// Send writes one command and returns its reply. An Err reply becomes a
// *protocol.DeviceError; silence becomes ErrNoResponse.
func (c *Correlator) Send(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty command", protocol.ErrIllegalArgument)
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.sendLocked(ctx, payload)
}

// acquire waits for the exchange slot. Only the caller's own context bounds
// the wait.
func (c *Correlator) acquire(ctx context.Context) error {
	select {
	case c.exchange <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Correlator) release() { <-c.exchange }

// StreamFunc consumes one frame of a streamed reply and reports whether the
// stream is complete.
type StreamFunc func(frame []byte) (done bool, err error)

// Stream writes one command and feeds the reply plus follow-up frames to fn
// while holding the exchange slot.
func (c *Correlator) Stream(ctx context.Context, payload []byte, fn StreamFunc) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	sctx, cancel := c.withTimeout(ctx)
	reply, err := c.sendLocked(sctx, payload)
	cancel()
	if err != nil {
		return err
	}
	for {
		done, err := fn(reply)
		if err != nil || done {
			return err
		}
		rctx, cancel := c.withTimeout(ctx)
		reply, err = c.tr.Receive(rctx)
		cancel()
		if err != nil {
			return c.transportErr(err)
		}
		if reply == nil {
			return fmt.Errorf("%w: stream interrupted", ErrNoResponse)
		}
		if reply[0] == byte(protocol.RespErr) {
			return deviceErr(reply)
		}
	}
}

func (c *Correlator) sendLocked(ctx context.Context, payload []byte) ([]byte, error) {
	code := protocol.CommandCode(payload[0])
	if !c.Ready() {
		observability.RecordCommand(code.String(), "not_connected", 0)
		return nil, ErrNotConnected
	}
	start := time.Now()
	reply, err := c.tr.Send(ctx, payload)
	elapsed := time.Since(start)
	if err != nil {
		observability.RecordCommand(code.String(), "transport_error", elapsed)
		return nil, c.transportErr(err)
	}
	if len(reply) == 0 {
		observability.RecordCommand(code.String(), "no_response", elapsed)
		return nil, fmt.Errorf("%w: %s", ErrNoResponse, code)
	}
	if reply[0] == byte(protocol.RespErr) {
		observability.RecordCommand(code.String(), "device_error", elapsed)
		return nil, deviceErr(reply)
	}
	observability.RecordCommand(code.String(), "ok", elapsed)
	c.log.Debug().Str("command", code.String()).Uint8("reply", reply[0]).Dur("elapsed", elapsed).Msg("exchange")
	return reply, nil
}

func (c *Correlator) transportErr(err error) error {
	if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return err
}

func deviceErr(reply []byte) error {
	de, err := codec.DecodeErr(reply)
	if err != nil {
		return err
	}
	return de
}

func (c *Correlator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.CommandTimeout)
}

// SetHandler installs fn for frames with discriminator code. The last
// registration wins; nil clears the slot.
func (c *Correlator) SetHandler(code protocol.PushCode, fn Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if fn == nil {
		delete(c.handlers, byte(code))
		return
	}
	c.handlers[byte(code)] = fn
}

// accept is the transport's response handler. Waiters are matched here so a
// handler blocked on a command cannot starve them.
func (c *Correlator) accept(frame []byte) {
	if len(frame) == 0 {
		return
	}
	if c.deliverToWaiter(frame) {
		observability.RecordPush(pushLabel(frame[0]), true)
		return
	}
	select {
	case c.queue <- frame:
	case <-c.done:
	default:
		c.log.Warn().Uint8("code", frame[0]).Msg("push queue full, dropping frame")
		observability.RecordPush(pushLabel(frame[0]), false)
	}
}

func (c *Correlator) consume() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.queue:
			c.Dispatch(f)
		}
	}
}

// Dispatch runs the handler registered for frame's discriminator and
// reports whether one existed.
func (c *Correlator) Dispatch(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	c.hmu.RLock()
	fn := c.handlers[frame[0]]
	c.hmu.RUnlock()
	label := pushLabel(frame[0])
	if fn == nil {
		c.log.Debug().Str("push", label).Msg("unhandled frame")
		observability.RecordPush(label, false)
		return false
	}
	observability.RecordPush(label, true)
	fn(frame)
	return true
}

func pushLabel(code byte) string {
	if protocol.IsPush(code) {
		return protocol.PushCode(code).String()
	}
	return fmt.Sprintf("resp(0x%02x)", code)
}
