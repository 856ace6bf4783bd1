// Package messages sends direct and channel texts, tracks delivery acks
// and drains the radio's waiting-message queue.
package messages

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/meshlink/internal/clocksync"
	"github.com/danmuck/meshlink/internal/correlator"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/protocol/session"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrMessageTooLong   = errors.New("messages: text exceeds maximum length")
	ErrEmptyMessage     = errors.New("messages: text is empty")
	ErrInvalidChannel   = errors.New("messages: channel index out of range")
	ErrRetriesExhausted = errors.New("messages: send retries exhausted")
)

// SendResult describes an accepted direct send.
type SendResult struct {
	MessageID    string
	AckCode      uint32
	IsFlood      bool
	Timeout      time.Duration
	AttemptCount int
}

// RouteFunc offers an incoming direct message to a session-aware consumer
// (room or repeater). It reports whether the message was taken.
type RouteFunc func(ctx context.Context, deviceID string, msg codec.IncomingMessage) bool

type Options struct {
	Config session.Config
	Clock  func() time.Time
	// Sleep waits between send attempts; session.Sleep by default.
	Sleep  func(ctx context.Context, d time.Duration) error
	Rand   *rand.Rand
	Logger *zerolog.Logger
}

type Service struct {
	corr   *correlator.Correlator
	store  store.Store
	outbox *session.AckOutbox
	cfg    session.Config
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	rng    *rand.Rand
	log    zerolog.Logger

	mu        sync.RWMutex
	onConfirm func(model.Message)
	onReceive func(model.Message)
	routers   []RouteFunc
}

func New(corr *correlator.Correlator, st store.Store, opts Options) *Service {
	log := logging.Component("messages")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	s := &Service{
		corr:   corr,
		store:  st,
		outbox: session.NewAckOutbox(),
		cfg:    opts.Config.WithDefaults(),
		clock:  opts.Clock,
		sleep:  opts.Sleep,
		rng:    opts.Rand,
		log:    log,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.sleep == nil {
		s.sleep = session.Sleep
	}
	return s
}

// SetConfirmationHandler installs the delivered-message callback. The last
// registration wins.
func (s *Service) SetConfirmationHandler(fn func(model.Message)) {
	s.mu.Lock()
	s.onConfirm = fn
	s.mu.Unlock()
}

// SetIncomingHandler installs the callback for stored incoming messages.
func (s *Service) SetIncomingHandler(fn func(model.Message)) {
	s.mu.Lock()
	s.onReceive = fn
	s.mu.Unlock()
}

// AddRouter appends fn to the routers consulted, in order, for incoming
// direct messages.
func (s *Service) AddRouter(fn RouteFunc) {
	s.mu.Lock()
	s.routers = append(s.routers, fn)
	s.mu.Unlock()
}

// Attach registers SendConfirmed and MsgWaiting handlers.
func (s *Service) Attach(ctx context.Context, deviceID string) {
	s.corr.SetHandler(protocol.PushSendConfirmed, func(f []byte) {
		if err := s.HandleSendConfirmed(ctx, f); err != nil {
			s.log.Warn().Err(err).Msg("send confirmation not applied")
		}
	})
	s.corr.SetHandler(protocol.PushMsgWaiting, func([]byte) {
		if _, err := s.SyncWaitingMessages(ctx, deviceID); err != nil {
			s.log.Warn().Err(err).Msg("waiting message drain failed")
		}
	})
}

// PendingAcks lists unconfirmed sends.
func (s *Service) PendingAcks() []session.PendingAck { return s.outbox.List() }

// ValidateText rejects empty text and text longer than one frame carries.
func ValidateText(text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	if len(text) > codec.MaxTextBytes {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLong, len(text), codec.MaxTextBytes)
	}
	return nil
}

func retryable(err error) bool {
	return protocol.IsRetryable(err) || errors.Is(err, correlator.ErrNoResponse)
}

// SendDirect sends text to a contact, retrying transient device errors with
// exponential backoff. The message is persisted as sending before any I/O.
func (s *Service) SendDirect(ctx context.Context, deviceID, contactID, text string) (SendResult, error) {
	if err := ValidateText(text); err != nil {
		return SendResult{}, err
	}
	contact, err := s.store.Contacts().Get(ctx, contactID)
	if err != nil {
		return SendResult{}, fmt.Errorf("messages: contact %s: %w", contactID, err)
	}
	now := s.clock()
	msg := &model.Message{
		ID:         model.NewID(),
		DeviceID:   deviceID,
		Kind:       model.KindDirect,
		Direction:  model.Outgoing,
		ContactID:  contact.ID,
		Text:       text,
		Timestamp:  now,
		Status:     model.StatusSending,
		PathLength: int(contact.PathLength),
		CreatedAt:  now,
	}
	if err := s.store.Messages().Insert(ctx, msg); err != nil {
		return SendResult{}, fmt.Errorf("messages: persist: %w", err)
	}
	return s.Deliver(ctx, msg, contact.PublicKey, protocol.TextPlain)
}

// Deliver runs the retrying send loop for an already persisted outgoing
// message addressed to key. Room posts and repeater commands reuse it with
// their own text types.
func (s *Service) Deliver(ctx context.Context, msg *model.Message, key model.PublicKey, textType protocol.TextType) (SendResult, error) {
	if err := ValidateText(msg.Text); err != nil {
		s.fail(ctx, msg)
		return SendResult{MessageID: msg.ID}, err
	}
	out := codec.OutgoingText{
		TextType:  textType,
		Timestamp: uint32(msg.Timestamp.Unix()),
		Prefix:    key.Prefix(),
		Text:      msg.Text,
	}
	log := s.log.With().Str("message", msg.ID).Logger()
	var lastErr error
	attempts := s.cfg.Retry.MaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := session.NextBackoffDelay(s.cfg.Retry.Backoff, attempt-1, s.rng)
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying send")
			if err := s.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		msg.AttemptCount = attempt
		out.Attempt = byte(attempt - 1)
		reply, err := s.corr.Send(ctx, codec.EncodeSendTxtMsg(out))
		if err == nil {
			sent, derr := codec.DecodeSent(reply)
			if derr != nil {
				s.fail(ctx, msg)
				return SendResult{MessageID: msg.ID, AttemptCount: attempt}, derr
			}
			return s.accepted(ctx, msg, sent), nil
		}
		lastErr = err
		if !retryable(err) {
			s.fail(ctx, msg)
			return SendResult{MessageID: msg.ID, AttemptCount: attempt}, err
		}
		if uerr := s.store.Messages().Update(ctx, msg); uerr != nil {
			log.Warn().Err(uerr).Msg("attempt count not persisted")
		}
	}
	s.fail(ctx, msg)
	return SendResult{MessageID: msg.ID, AttemptCount: msg.AttemptCount},
		fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, msg.AttemptCount, lastErr)
}

func (s *Service) accepted(ctx context.Context, msg *model.Message, sent codec.Sent) SendResult {
	timeout := time.Duration(sent.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = s.cfg.DefaultAckTimeout
	}
	now := s.clock()
	msg.Status = model.StatusSent
	msg.AckCode = sent.AckCode
	if err := s.store.Messages().Update(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("message", msg.ID).Msg("sent status not persisted")
	}
	if msg.ContactID != "" {
		if err := s.store.Contacts().UpdateLastMessage(ctx, msg.ContactID, msg.Timestamp); err != nil {
			s.log.Debug().Err(err).Str("contact", msg.ContactID).Msg("last message not updated")
		}
	}
	prev, replaced := s.outbox.Upsert(session.PendingAck{
		AckCode:   sent.AckCode,
		MessageID: msg.ID,
		Attempts:  msg.AttemptCount,
		QueuedAt:  now,
		ExpiresAt: now.Add(timeout + s.cfg.AckGrace),
	})
	if replaced && prev.MessageID != msg.ID {
		s.log.Warn().Uint32("ack", sent.AckCode).Str("superseded", prev.MessageID).Msg("ack code reused, failing older send")
		s.markFailed(ctx, prev.MessageID)
	}
	observability.RecordMessage(string(msg.Kind), string(model.StatusSent))
	observability.SetPendingAcks(s.outbox.Len())
	return SendResult{
		MessageID:    msg.ID,
		AckCode:      sent.AckCode,
		IsFlood:      sent.IsFlood,
		Timeout:      timeout,
		AttemptCount: msg.AttemptCount,
	}
}

func (s *Service) fail(ctx context.Context, msg *model.Message) {
	msg.Status = model.StatusFailed
	if err := s.store.Messages().Update(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("message", msg.ID).Msg("failed status not persisted")
	}
	observability.RecordMessage(string(msg.Kind), string(model.StatusFailed))
}

func (s *Service) markFailed(ctx context.Context, id string) {
	msg, err := s.store.Messages().Get(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("message", id).Msg("message for failed ack missing")
		return
	}
	if msg.Status == model.StatusDelivered || msg.Status == model.StatusFailed {
		return
	}
	s.fail(ctx, msg)
}

// SendChannel broadcasts text on slot idx. Channel sends are not acked.
func (s *Service) SendChannel(ctx context.Context, deviceID string, idx uint8, text string) (*model.Message, error) {
	if idx >= protocol.MaxChannelSlots {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, idx)
	}
	if err := ValidateText(text); err != nil {
		return nil, err
	}
	now := s.clock()
	reply, err := s.corr.Send(ctx, codec.EncodeSendChannelTxtMsg(codec.OutgoingChannelText{
		TextType:  protocol.TextPlain,
		Index:     idx,
		Timestamp: uint32(now.Unix()),
		Text:      text,
	}))
	if err != nil {
		observability.RecordMessage(string(model.KindChannel), string(model.StatusFailed))
		return nil, err
	}
	if reply[0] != byte(protocol.RespOk) && reply[0] != byte(protocol.RespSent) {
		return nil, protocol.Malformed(reply[0], "unexpected channel send reply")
	}
	msg := &model.Message{
		ID:           model.NewID(),
		DeviceID:     deviceID,
		Kind:         model.KindChannel,
		Direction:    model.Outgoing,
		ChannelIndex: &idx,
		Text:         text,
		Timestamp:    now,
		Status:       model.StatusSent,
		AttemptCount: 1,
		CreatedAt:    now,
	}
	if err := s.store.Messages().Insert(ctx, msg); err != nil {
		s.log.Warn().Err(err).Uint8("channel", idx).Msg("channel message not persisted")
	}
	observability.RecordMessage(string(model.KindChannel), string(model.StatusSent))
	return msg, nil
}

// HandleSendConfirmed settles the pending ack named by a SendConfirmed push.
// Unknown ack codes are ignored.
func (s *Service) HandleSendConfirmed(ctx context.Context, frame []byte) error {
	conf, err := codec.DecodeSendConfirmed(frame)
	if err != nil {
		return err
	}
	pending, ok := s.outbox.Take(conf.AckCode)
	observability.SetPendingAcks(s.outbox.Len())
	if !ok {
		s.log.Debug().Uint32("ack", conf.AckCode).Msg("confirmation for unknown ack")
		return nil
	}
	msg, err := s.store.Messages().Get(ctx, pending.MessageID)
	if err != nil {
		return err
	}
	msg.Status = model.StatusDelivered
	msg.RoundTripMs = conf.RoundTripMs
	if err := s.store.Messages().Update(ctx, msg); err != nil {
		return err
	}
	observability.RecordMessage(string(msg.Kind), string(model.StatusDelivered))
	s.mu.RLock()
	fn := s.onConfirm
	s.mu.RUnlock()
	if fn != nil {
		fn(*msg)
	}
	return nil
}

// CheckExpiredAcks fails every send whose ack deadline is at or before now
// and returns their message ids.
func (s *Service) CheckExpiredAcks(ctx context.Context, now time.Time) []string {
	expired := s.outbox.TakeExpired(now)
	if len(expired) == 0 {
		return nil
	}
	ids := make([]string, 0, len(expired))
	for _, p := range expired {
		s.markFailed(ctx, p.MessageID)
		ids = append(ids, p.MessageID)
	}
	observability.SetPendingAcks(s.outbox.Len())
	s.log.Info().Int("expired", len(ids)).Msg("pending acks expired")
	return ids
}

// SyncWaitingMessages pulls queued messages until the device reports none
// left and returns how many were consumed.
func (s *Service) SyncWaitingMessages(ctx context.Context, deviceID string) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		reply, err := s.corr.Send(ctx, codec.EncodeSyncNextMessage())
		if err != nil {
			return n, err
		}
		switch protocol.ResponseCode(reply[0]) {
		case protocol.RespNoMoreMessages:
			return n, nil
		case protocol.RespContactMsgRecv, protocol.RespContactMsgRecvV3:
			m, err := codec.DecodeContactMessage(reply)
			if err != nil {
				return n, err
			}
			s.receiveDirect(ctx, deviceID, m)
		case protocol.RespChannelMsgRecv, protocol.RespChannelMsgRecvV3:
			m, err := codec.DecodeChannelMessage(reply)
			if err != nil {
				return n, err
			}
			s.receiveChannel(ctx, deviceID, m)
		default:
			return n, protocol.Malformed(reply[0], "unexpected reply to sync next message")
		}
		n++
	}
}

func (s *Service) receiveDirect(ctx context.Context, deviceID string, in codec.IncomingMessage) {
	s.mu.RLock()
	routers := append([]RouteFunc(nil), s.routers...)
	s.mu.RUnlock()
	for _, route := range routers {
		if route(ctx, deviceID, in) {
			return
		}
	}

	receivedAt := s.clock()
	ts, corrected := clocksync.CorrectTimestampIfNeeded(in.Timestamp, receivedAt)
	kind := model.KindDirect
	if in.TextType == protocol.TextCLI {
		kind = model.KindCLI
	}
	msg := &model.Message{
		ID:                 model.NewID(),
		DeviceID:           deviceID,
		Kind:               kind,
		Direction:          model.Incoming,
		Text:               in.Text,
		Timestamp:          ts,
		Status:             model.StatusReceived,
		SenderPrefix:       append([]byte(nil), in.SenderPrefix[:]...),
		AuthorPrefix:       in.AuthorPrefix,
		PathLength:         int(in.PathLen),
		SNR:                in.SNR,
		TimestampCorrected: corrected,
		CreatedAt:          receivedAt,
	}
	contact, err := s.store.Contacts().FindByPrefix(ctx, deviceID, in.SenderPrefix[:])
	if err == nil {
		msg.ContactID = contact.ID
	}
	if err := s.store.Messages().Insert(ctx, msg); err != nil {
		s.log.Warn().Err(err).Msg("incoming message not persisted")
		return
	}
	if contact != nil {
		if err := s.store.Contacts().IncrementUnread(ctx, contact.ID); err != nil {
			s.log.Warn().Err(err).Str("contact", contact.ID).Msg("unread count not mirrored")
		}
		if err := s.store.Contacts().UpdateLastMessage(ctx, contact.ID, ts); err != nil {
			s.log.Warn().Err(err).Str("contact", contact.ID).Msg("last message time not mirrored")
		}
	}
	observability.RecordMessage(string(kind), string(model.StatusReceived))
	s.notifyReceived(*msg)
}

func (s *Service) receiveChannel(ctx context.Context, deviceID string, in codec.IncomingChannelMessage) {
	receivedAt := s.clock()
	ts, corrected := clocksync.CorrectTimestampIfNeeded(in.Timestamp, receivedAt)
	idx := in.Index
	msg := &model.Message{
		ID:                 model.NewID(),
		DeviceID:           deviceID,
		Kind:               model.KindChannel,
		Direction:          model.Incoming,
		ChannelIndex:       &idx,
		Text:               in.Text,
		Timestamp:          ts,
		Status:             model.StatusReceived,
		PathLength:         int(in.PathLen),
		SNR:                in.SNR,
		TimestampCorrected: corrected,
		CreatedAt:          receivedAt,
	}
	if err := s.store.Messages().Insert(ctx, msg); err != nil {
		s.log.Warn().Err(err).Msg("incoming channel message not persisted")
		return
	}
	observability.RecordMessage(string(model.KindChannel), string(model.StatusReceived))
	s.notifyReceived(*msg)
}

func (s *Service) notifyReceived(m model.Message) {
	s.mu.RLock()
	fn := s.onReceive
	s.mu.RUnlock()
	if fn != nil {
		fn(m)
	}
}
