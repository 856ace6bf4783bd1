// Package room posts to and mirrors the message board of room servers.
package room

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/meshlink/internal/clocksync"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/messages"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/remotenode"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrNotRoom          = errors.New("room: session is not a room")
	ErrPermissionDenied = errors.New("room: read-write permission required")
)

type Options struct {
	Clock  func() time.Time
	Logger *zerolog.Logger
}

type Service struct {
	sessions *remotenode.Service
	messages *messages.Service
	store    store.Store
	clock    func() time.Time
	log      zerolog.Logger

	// serializes the dedup check with the insert
	mu sync.Mutex

	hmu   sync.RWMutex
	onNew func(model.Message)
}

func New(sessions *remotenode.Service, msgs *messages.Service, st store.Store, opts Options) *Service {
	log := logging.Component("room")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	s := &Service{sessions: sessions, messages: msgs, store: st, clock: opts.Clock, log: log}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// SetMessageHandler installs the callback for newly stored room posts.
func (s *Service) SetMessageHandler(fn func(model.Message)) {
	s.hmu.Lock()
	s.onNew = fn
	s.hmu.Unlock()
}

// DedupKey hashes the fields that identify one room post regardless of how
// many times the server relays it.
func DedupKey(senderPrefix []byte, timestamp uint32, authorPrefix []byte, text string) string {
	h := sha256.New()
	h.Write(senderPrefix)
	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], timestamp)
	h.Write(ts[:])
	h.Write(authorPrefix)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) selfPrefix(ctx context.Context, deviceID string) []byte {
	dev, err := s.store.Devices().Get(ctx, deviceID)
	if err != nil || dev.PublicKey.IsZero() {
		return nil
	}
	return append([]byte(nil), dev.PublicKey[:protocol.AuthorPrefixSize]...)
}

func (s *Service) roomSession(ctx context.Context, sessionID string) (*model.RemoteNodeSession, error) {
	sess, err := s.sessions.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Role != model.RoleRoom {
		return nil, fmt.Errorf("%w: %s", ErrNotRoom, sess.Name)
	}
	return sess, nil
}

// PostMessage stores text as a local echo and then sends it to the room.
// The returned message reflects the final send status.
func (s *Service) PostMessage(ctx context.Context, sessionID, text string) (*model.Message, error) {
	sess, err := s.roomSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Permission.CanPost() {
		return nil, fmt.Errorf("%w: have %s", ErrPermissionDenied, sess.Permission)
	}
	if err := messages.ValidateText(text); err != nil {
		return nil, err
	}
	now := s.clock()
	author := s.selfPrefix(ctx, sess.DeviceID)
	msg := &model.Message{
		ID:           model.NewID(),
		DeviceID:     sess.DeviceID,
		Kind:         model.KindRoom,
		Direction:    model.Outgoing,
		SessionID:    sess.ID,
		Text:         text,
		Timestamp:    now,
		Status:       model.StatusSending,
		SenderPrefix: append([]byte(nil), sess.Prefix[:]...),
		AuthorPrefix: author,
		DedupKey:     DedupKey(sess.Prefix[:], uint32(now.Unix()), author, text),
		CreatedAt:    now,
	}
	if err := s.store.Messages().Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("room: persist: %w", err)
	}
	if _, err := s.messages.Deliver(ctx, msg, sess.PublicKey, protocol.TextPlain); err != nil {
		return msg, err
	}
	return msg, nil
}

// HandleIncoming stores a post relayed by a known room. It reports false for
// senders that are not room sessions so other consumers can take them.
func (s *Service) HandleIncoming(ctx context.Context, deviceID string, in codec.IncomingMessage) bool {
	sess, err := s.sessions.SessionByPrefix(ctx, deviceID, model.Prefix(in.SenderPrefix))
	if err != nil || sess.Role != model.RoleRoom {
		return false
	}
	key := DedupKey(in.SenderPrefix[:], in.Timestamp, in.AuthorPrefix, in.Text)

	s.mu.Lock()
	defer s.mu.Unlock()
	seen, err := s.store.Messages().HasDedupKey(ctx, sess.ID, key)
	if err != nil {
		s.log.Warn().Err(err).Str("session", sess.ID).Msg("dedup lookup failed")
		return true
	}
	if seen {
		s.log.Debug().Str("session", sess.ID).Msg("duplicate room post dropped")
		return true
	}

	receivedAt := s.clock()
	ts, corrected := clocksync.CorrectTimestampIfNeeded(in.Timestamp, receivedAt)
	msg := &model.Message{
		ID:                 model.NewID(),
		DeviceID:           deviceID,
		Kind:               model.KindRoom,
		Direction:          model.Incoming,
		SessionID:          sess.ID,
		Text:               in.Text,
		Timestamp:          ts,
		Status:             model.StatusReceived,
		SenderPrefix:       append([]byte(nil), in.SenderPrefix[:]...),
		AuthorPrefix:       in.AuthorPrefix,
		DedupKey:           key,
		PathLength:         int(in.PathLen),
		SNR:                in.SNR,
		TimestampCorrected: corrected,
		CreatedAt:          receivedAt,
	}
	if err := s.store.Messages().Insert(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("session", sess.ID).Msg("room post not persisted")
		return true
	}
	self := s.selfPrefix(ctx, deviceID)
	if self == nil || !bytes.Equal(self, in.AuthorPrefix) {
		if err := s.store.Sessions().IncrementUnread(ctx, sess.ID); err != nil {
			s.log.Warn().Err(err).Str("session", sess.ID).Msg("unread not incremented")
		}
	}
	observability.RecordMessage(string(model.KindRoom), string(model.StatusReceived))

	s.hmu.RLock()
	fn := s.onNew
	s.hmu.RUnlock()
	if fn != nil {
		fn(*msg)
	}
	return true
}

// MarkAsRead clears the session's unread counter.
func (s *Service) MarkAsRead(ctx context.Context, sessionID string) error {
	if _, err := s.roomSession(ctx, sessionID); err != nil {
		return err
	}
	return s.store.Sessions().ResetUnread(ctx, sessionID)
}

// Messages returns the newest limit posts of a room, oldest first. A limit
// of zero returns all of them.
func (s *Service) Messages(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	sess, err := s.roomSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.store.Messages().List(ctx, store.MessageQuery{
		DeviceID:  sess.DeviceID,
		Kind:      model.KindRoom,
		SessionID: sess.ID,
		Limit:     limit,
	})
}
