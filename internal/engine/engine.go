// Package engine wires the protocol services to one radio and owns the
// connection lifecycle: handshake, sync, periodic sweeps and recovery after
// the link drops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshlink/internal/channels"
	"github.com/danmuck/meshlink/internal/contacts"
	"github.com/danmuck/meshlink/internal/correlator"
	"github.com/danmuck/meshlink/internal/credential"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/messages"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/protocol/session"
	"github.com/danmuck/meshlink/internal/remotenode"
	"github.com/danmuck/meshlink/internal/repeater"
	"github.com/danmuck/meshlink/internal/room"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidDeviceID = errors.New("engine: device id is required")
	ErrInvalidInterval = errors.New("engine: invalid sweep interval")
	ErrHandshake       = errors.New("engine: handshake failed")
	ErrReconnectFailed = errors.New("engine: reconnect attempts exhausted")
)

// Config configures one engine instance.
type Config struct {
	DeviceID string
	AppName  string
	// SyncOnConnect runs contacts, channels and waiting messages after every
	// successful handshake.
	SyncOnConnect bool
	// ClockSkewTolerance is the device clock drift accepted before the
	// engine sets the radio's time. Zero disables clock sync.
	ClockSkewTolerance time.Duration
	AckSweepInterval   time.Duration
	ReconnectAttempts  int
	Reconnect          session.BackoffConfig
	Session            session.Config
}

func DefaultConfig() Config {
	return Config{
		AppName:            "meshlink",
		SyncOnConnect:      true,
		ClockSkewTolerance: time.Minute,
		AckSweepInterval:   time.Second,
		ReconnectAttempts:  10,
		Reconnect: session.BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
		},
		Session: session.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return ErrInvalidDeviceID
	}
	if c.AckSweepInterval <= 0 {
		return fmt.Errorf("%w: ack sweep %s", ErrInvalidInterval, c.AckSweepInterval)
	}
	return c.Session.Validate()
}

// SyncReport summarizes one full sync pass.
type SyncReport struct {
	Contacts contacts.SyncResult
	Channels channels.SyncResult
	Messages int
}

type Engine struct {
	cfg   Config
	tr    transport.Transport
	corr  *correlator.Correlator
	store store.Store
	clock func() time.Time
	log   zerolog.Logger

	Contacts  *contacts.Service
	Channels  *channels.Service
	Messages  *messages.Service
	Nodes     *remotenode.Service
	Rooms     *room.Service
	Repeaters *repeater.Service

	ctx     context.Context
	cancel  context.CancelFunc
	states  chan transport.ConnectionState
	pulling atomic.Bool

	mu     sync.RWMutex
	device *model.Device
	closed bool
}

// New builds the service graph over tr. Nothing touches the radio until
// Connect.
func New(tr transport.Transport, st store.Store, vault credential.Vault, cfg Config) (*Engine, error) {
	if cfg.Session == (session.Config{}) {
		cfg.Session = session.DefaultConfig()
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.AppName == "" {
		cfg.AppName = DefaultConfig().AppName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.Component("engine").With().Str("device", cfg.DeviceID).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		tr:     tr,
		store:  st,
		clock:  time.Now,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		states: make(chan transport.ConnectionState, 16),
	}
	e.corr = correlator.New(tr, correlator.Options{CommandTimeout: cfg.Session.CommandTimeout})
	tr.SetStateHandler(e.onState)

	e.Contacts = contacts.New(e.corr, st.Contacts(), contacts.Options{})
	e.Channels = channels.New(e.corr, st.Channels(), nil)
	e.Messages = messages.New(e.corr, st, messages.Options{Config: cfg.Session})
	e.Nodes = remotenode.New(e.corr, st, vault, remotenode.Options{Config: cfg.Session})
	e.Rooms = room.New(e.Nodes, e.Messages, st, room.Options{})
	e.Repeaters = repeater.New(e.Nodes, e.Messages, st, repeater.Options{Config: cfg.Session})
	e.Messages.AddRouter(e.Rooms.HandleIncoming)
	e.Messages.AddRouter(e.Repeaters.HandleIncoming)
	e.Nodes.SetUnsyncedHandler(e.pullWaiting)
	return e, nil
}

// pullWaiting drains the radio's message queue after a keep-alive reports
// messages held for us. The drain runs off the keep-alive loop and
// overlapping triggers fold into the one already running.
func (e *Engine) pullWaiting(sess model.RemoteNodeSession, count int) {
	if !e.pulling.CompareAndSwap(false, true) {
		return
	}
	e.log.Debug().Str("session", sess.ID).Int("unsynced", count).Msg("keep-alive reported waiting messages")
	go func() {
		defer e.pulling.Store(false)
		n, err := e.Messages.SyncWaitingMessages(e.ctx, sess.DeviceID)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Str("session", sess.ID).Msg("waiting message pull failed")
			return
		}
		e.log.Debug().Int("pulled", n).Msg("waiting messages pulled")
	}()
}

func (e *Engine) DeviceID() string { return e.cfg.DeviceID }

func (e *Engine) Store() store.Store { return e.store }

func (e *Engine) Correlator() *correlator.Correlator { return e.corr }

// State reports the transport's connection state.
func (e *Engine) State() transport.ConnectionState { return e.tr.State() }

// Device returns the record written by the last handshake.
func (e *Engine) Device() (model.Device, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.device == nil {
		return model.Device{}, false
	}
	return *e.device, true
}

func (e *Engine) onState(st transport.ConnectionState) {
	e.log.Debug().Str("state", st.String()).Msg("transport state")
	select {
	case e.states <- st:
	default:
		e.log.Warn().Str("state", st.String()).Msg("state queue full")
	}
}

// Connect opens the transport and runs the handshake.
func (e *Engine) Connect(ctx context.Context) error {
	e.corr.Start()
	if err := e.tr.Connect(ctx, e.cfg.DeviceID); err != nil {
		return err
	}
	return e.ready(ctx)
}

func (e *Engine) ready(ctx context.Context) error {
	dev, err := e.handshake(ctx)
	if err != nil {
		return err
	}
	e.Contacts.Attach(e.ctx, dev.ID)
	e.Messages.Attach(e.ctx, dev.ID)
	if e.cfg.ClockSkewTolerance > 0 {
		if err := e.syncClock(ctx); err != nil {
			e.log.Warn().Err(err).Msg("device clock not synced")
		}
	}
	if e.cfg.SyncOnConnect {
		if _, err := e.Sync(ctx); err != nil {
			e.log.Warn().Err(err).Msg("initial sync incomplete")
		}
	}
	for id, err := range e.Nodes.RecoverSessions(ctx, dev.ID) {
		e.log.Warn().Err(err).Str("session", id).Msg("session not recovered")
	}
	return nil
}

func (e *Engine) handshake(ctx context.Context) (*model.Device, error) {
	reply, err := e.corr.Send(ctx, codec.EncodeDeviceQuery())
	if err != nil {
		return nil, fmt.Errorf("%w: device query: %w", ErrHandshake, err)
	}
	info, err := codec.DecodeDeviceInfo(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: device query: %w", ErrHandshake, err)
	}
	reply, err = e.corr.Send(ctx, codec.EncodeAppStart(e.cfg.AppName))
	if err != nil {
		return nil, fmt.Errorf("%w: app start: %w", ErrHandshake, err)
	}
	self, err := codec.DecodeSelfInfo(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: app start: %w", ErrHandshake, err)
	}

	dev, err := e.store.Devices().Get(ctx, e.cfg.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		dev = &model.Device{ID: e.cfg.DeviceID}
	} else if err != nil {
		return nil, err
	}
	dev.Name = self.Name
	dev.PublicKey = self.PublicKey
	dev.ManualAddContacts = self.ManualAddContacts
	dev.Model = info.Model
	dev.FirmwareVersion = info.Version
	if dev.FirmwareVersion == "" {
		dev.FirmwareVersion = fmt.Sprintf("v%d", info.FirmwareVersion)
	}
	dev.MaxContacts = info.MaxContacts
	dev.MaxChannels = info.MaxChannels
	dev.LastConnectedAt = e.clock()
	if err := e.store.Devices().Upsert(ctx, dev); err != nil {
		return nil, err
	}
	e.Contacts.SetAutoAdd(!self.ManualAddContacts)

	e.mu.Lock()
	cp := *dev
	e.device = &cp
	e.mu.Unlock()
	e.log.Info().
		Str("name", dev.Name).
		Str("model", dev.Model).
		Str("firmware", dev.FirmwareVersion).
		Str("key", dev.PublicKey.String()).
		Msg("handshake complete")
	return dev, nil
}

func (e *Engine) syncClock(ctx context.Context) error {
	reply, err := e.corr.Send(ctx, codec.EncodeGetDeviceTime())
	if err != nil {
		return err
	}
	devTS, err := codec.DecodeCurrTime(reply)
	if err != nil {
		return err
	}
	now := e.clock()
	drift := now.Sub(time.Unix(int64(devTS), 0))
	if drift < 0 {
		drift = -drift
	}
	if drift <= e.cfg.ClockSkewTolerance {
		return nil
	}
	if _, err := e.corr.Send(ctx, codec.EncodeSetDeviceTime(uint32(now.Unix()))); err != nil {
		return err
	}
	e.log.Info().Dur("drift", drift).Msg("device clock set")
	return nil
}

// Sync runs a contacts, channels and waiting-message pass. Contacts sync
// incrementally from the last cursor once one exists.
func (e *Engine) Sync(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	id := e.cfg.DeviceID
	var since *uint32
	if cur, ok := e.Contacts.LastCursor(id); ok {
		since = &cur
	}
	res, err := e.Contacts.SyncContacts(ctx, id, since, nil)
	if err != nil {
		return rep, err
	}
	rep.Contacts = res
	chRes, err := e.Channels.SyncChannels(ctx, id)
	if err != nil {
		return rep, err
	}
	rep.Channels = chRes
	n, err := e.Messages.SyncWaitingMessages(ctx, id)
	rep.Messages = n
	return rep, err
}

// Run connects and then services sweeps and reconnects until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}
	defer e.Close()

	ackTicker := time.NewTicker(e.cfg.AckSweepInterval)
	defer ackTicker.Stop()
	keepAlive := time.NewTicker(e.cfg.Session.KeepAliveInterval)
	defer keepAlive.Stop()

	var (
		retry   <-chan time.Time
		attempt int
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ackTicker.C:
			e.Messages.CheckExpiredAcks(ctx, now)
		case <-keepAlive.C:
			if !e.corr.Ready() {
				continue
			}
			for id, err := range e.Nodes.KeepAliveAll(ctx, e.cfg.DeviceID) {
				e.log.Warn().Err(err).Str("session", id).Msg("keep-alive failed")
			}
		case st := <-e.states:
			if st != transport.StateDisconnected || retry != nil {
				continue
			}
			e.log.Warn().Msg("transport dropped")
			e.Nodes.HandleTransportDrop(ctx, e.cfg.DeviceID)
			attempt = 1
			retry = time.After(session.NextBackoffDelay(e.cfg.Reconnect, attempt, nil))
		case <-retry:
			retry = nil
			if err := e.reconnect(ctx); err != nil {
				e.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
				if e.cfg.ReconnectAttempts > 0 && attempt >= e.cfg.ReconnectAttempts {
					return fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, attempt, err)
				}
				attempt++
				retry = time.After(session.NextBackoffDelay(e.cfg.Reconnect, attempt, nil))
				continue
			}
			e.log.Info().Int("attempt", attempt).Msg("reconnected")
			attempt = 0
		}
	}
}

func (e *Engine) reconnect(ctx context.Context) error {
	if e.tr.State() != transport.StateReady {
		if err := e.tr.Connect(ctx, e.cfg.DeviceID); err != nil {
			return err
		}
	}
	return e.ready(ctx)
}

// Close stops timers and handlers and drops the transport.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.Repeaters.Close()
	e.corr.Close()
	if err := e.tr.Disconnect(); err != nil {
		e.log.Debug().Err(err).Msg("disconnect")
	}
	observability.SetPendingAcks(0)
}
