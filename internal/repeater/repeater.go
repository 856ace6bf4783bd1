// Package repeater administers repeaters over an authenticated session:
// binary status and neighbour queries plus the line-oriented CLI.
package repeater

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/meshlink/internal/clocksync"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/messages"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/protocol/session"
	"github.com/danmuck/meshlink/internal/remotenode"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrNotRepeater      = errors.New("repeater: session is not a repeater")
	ErrPermissionDenied = errors.New("repeater: admin permission required")
	ErrUnknownCommand   = errors.New("repeater: unknown command")
	ErrCommandTimeout   = errors.New("repeater: command timed out")
	ErrSectionTimeout   = errors.New("repeater: section timed out")
	ErrSettingRejected  = errors.New("repeater: setting rejected")
	ErrUnknownSection   = errors.New("repeater: unknown section")
	ErrClosed           = errors.New("repeater: closed")
)

// NeighbourPrefixLen is the key prefix width requested in neighbour pages.
const NeighbourPrefixLen = protocol.PubKeyPrefixSize

type Options struct {
	Config session.Config
	Clock  func() time.Time
	Logger *zerolog.Logger
}

type result struct {
	text string
	err  error
}

type pendingQuery struct {
	command string
	match   Matcher
	done    chan result
}

type settingJob struct {
	ctx        context.Context
	key, value string
	done       chan error
}

type Service struct {
	sessions *remotenode.Service
	messages *messages.Service
	store    store.Store
	cfg      session.Config
	clock    func() time.Time
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}

	mu      sync.Mutex
	closed  bool
	pending map[string][]*pendingQuery
	workers map[string]chan settingJob
	timers  map[string]*time.Timer
}

func New(sessions *remotenode.Service, msgs *messages.Service, st store.Store, opts Options) *Service {
	log := logging.Component("repeater")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		sessions: sessions,
		messages: msgs,
		store:    st,
		cfg:      opts.Config.WithDefaults(),
		clock:    opts.Clock,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
		pending:  make(map[string][]*pendingQuery),
		workers:  make(map[string]chan settingJob),
		timers:   make(map[string]*time.Timer),
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

func (s *Service) adminSession(ctx context.Context, sessionID string) (*model.RemoteNodeSession, error) {
	sess, err := s.sessions.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Role != model.RoleRepeater {
		return nil, fmt.Errorf("%w: %s", ErrNotRepeater, sess.Name)
	}
	if !sess.Permission.IsAdmin() {
		return nil, fmt.Errorf("%w: have %s", ErrPermissionDenied, sess.Permission)
	}
	return sess, nil
}

// RequestStatus fetches the repeater's counters.
func (s *Service) RequestStatus(ctx context.Context, sessionID string) (codec.RepeaterStats, error) {
	sess, err := s.adminSession(ctx, sessionID)
	if err != nil {
		return codec.RepeaterStats{}, err
	}
	data, err := s.sessions.Request(ctx, sess.PublicKey, protocol.BinaryReqStatus, nil, s.cfg.QueryTimeout)
	if err != nil {
		return codec.RepeaterStats{}, err
	}
	return codec.DecodeRepeaterStats(data)
}

// RequestNeighbours fetches one page of the repeater's neighbour table.
func (s *Service) RequestNeighbours(ctx context.Context, sessionID string, count uint8, offset uint16) (codec.NeighboursPage, error) {
	sess, err := s.adminSession(ctx, sessionID)
	if err != nil {
		return codec.NeighboursPage{}, err
	}
	req := codec.EncodeNeighboursRequest(codec.NeighboursRequest{
		Count:     count,
		Offset:    offset,
		PrefixLen: NeighbourPrefixLen,
		Nonce:     rand.Uint32(),
	})
	data, err := s.sessions.Request(ctx, sess.PublicKey, protocol.BinaryReqGetNeighbours, req, s.cfg.QueryTimeout)
	if err != nil {
		return codec.NeighboursPage{}, err
	}
	return codec.DecodeNeighboursPage(data, NeighbourPrefixLen)
}

// SendCommand runs one CLI command and returns the reply matched to it. A
// nil match picks a heuristic from the command text.
func (s *Service) SendCommand(ctx context.Context, sessionID, command string, match Matcher) (string, error) {
	sess, err := s.adminSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}
	q, err := s.submit(ctx, sess, command, match)
	if err != nil {
		return "", err
	}
	return s.await(ctx, sess.ID, q)
}

func (s *Service) submit(ctx context.Context, sess *model.RemoteNodeSession, command string, match Matcher) (*pendingQuery, error) {
	if match == nil {
		match = MatcherFor(command)
	}
	q := &pendingQuery{command: command, match: match, done: make(chan result, 1)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending[sess.ID] = append(s.pending[sess.ID], q)
	s.mu.Unlock()

	now := s.clock()
	msg := &model.Message{
		ID:        model.NewID(),
		DeviceID:  sess.DeviceID,
		Kind:      model.KindCLI,
		Direction: model.Outgoing,
		SessionID: sess.ID,
		Text:      command,
		Timestamp: now,
		Status:    model.StatusSending,
		CreatedAt: now,
	}
	if err := s.store.Messages().Insert(ctx, msg); err != nil {
		s.drop(sess.ID, q)
		return nil, fmt.Errorf("repeater: persist: %w", err)
	}
	if _, err := s.messages.Deliver(ctx, msg, sess.PublicKey, protocol.TextCLI); err != nil {
		s.drop(sess.ID, q)
		return nil, err
	}
	return q, nil
}

func (s *Service) await(ctx context.Context, sessionID string, q *pendingQuery) (string, error) {
	select {
	case r := <-q.done:
		return r.text, r.err
	case <-ctx.Done():
		s.drop(sessionID, q)
		select {
		case r := <-q.done:
			return r.text, r.err
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %q", ErrCommandTimeout, q.command)
		}
		return "", ctx.Err()
	}
}

func (s *Service) drop(sessionID string, q *pendingQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pending[sessionID]
	for i, cur := range list {
		if cur == q {
			s.pending[sessionID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.pending[sessionID]) == 0 {
		delete(s.pending, sessionID)
	}
}

// Pending returns the commands still waiting for a reply, oldest first.
func (s *Service) Pending(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending[sessionID]))
	for _, q := range s.pending[sessionID] {
		out = append(out, q.command)
	}
	return out
}

// resolve hands reply to the oldest pending command whose matcher accepts
// it, or to the oldest pending command when none does.
func (s *Service) resolve(sessionID, reply string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pending[sessionID]
	if len(list) == 0 {
		return false
	}
	idx := 0
	res := result{text: normalizeReply(reply)}
	if isUnknownCommand(reply) {
		res = result{err: fmt.Errorf("%w: %q", ErrUnknownCommand, list[0].command)}
	} else {
		for i, q := range list {
			if q.match(reply) {
				idx = i
				break
			}
		}
	}
	q := list[idx]
	s.pending[sessionID] = append(list[:idx:idx], list[idx+1:]...)
	if len(s.pending[sessionID]) == 0 {
		delete(s.pending, sessionID)
	}
	q.done <- res
	return true
}

// HandleIncoming stores a CLI reply from a repeater session and resolves
// the pending command it answers. Messages from other senders are left for
// other consumers.
func (s *Service) HandleIncoming(ctx context.Context, deviceID string, in codec.IncomingMessage) bool {
	sess, err := s.sessions.SessionByPrefix(ctx, deviceID, model.Prefix(in.SenderPrefix))
	if err != nil || sess.Role != model.RoleRepeater {
		return false
	}
	receivedAt := s.clock()
	ts, corrected := clocksync.CorrectTimestampIfNeeded(in.Timestamp, receivedAt)
	msg := &model.Message{
		ID:                 model.NewID(),
		DeviceID:           deviceID,
		Kind:               model.KindCLI,
		Direction:          model.Incoming,
		SessionID:          sess.ID,
		Text:               in.Text,
		Timestamp:          ts,
		Status:             model.StatusReceived,
		SenderPrefix:       append([]byte(nil), in.SenderPrefix[:]...),
		PathLength:         int(in.PathLen),
		SNR:                in.SNR,
		TimestampCorrected: corrected,
		CreatedAt:          receivedAt,
	}
	if err := s.store.Messages().Insert(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("session", sess.ID).Msg("cli reply not persisted")
	}
	if !s.resolve(sess.ID, in.Text) {
		s.log.Debug().Str("session", sess.ID).Str("reply", in.Text).Msg("unsolicited cli output")
	}
	return true
}

// Section names a group of settings loaded together.
type Section string

const (
	SectionDevice   Section = "device"
	SectionIdentity Section = "identity"
	SectionRadio    Section = "radio"
	SectionBehavior Section = "behavior"
)

type sectionQuery struct {
	key     string
	command string
}

var sectionQueries = map[Section][]sectionQuery{
	SectionDevice: {
		{"version", "ver"},
		{"board", "board"},
		{"clock", "clock"},
	},
	SectionIdentity: {
		{"name", "get name"},
		{"lat", "get lat"},
		{"lon", "get lon"},
	},
	SectionRadio: {
		{"radio", "get radio"},
		{"tx", "get tx"},
		{"af", "get af"},
	},
	SectionBehavior: {
		{"repeat", "get repeat"},
		{"advert.interval", "get advert.interval"},
		{"flood.advert.interval", "get flood.advert.interval"},
		{"flood.max", "get flood.max"},
	},
}

// Sections lists the loadable sections.
func Sections() []Section {
	return []Section{SectionDevice, SectionIdentity, SectionRadio, SectionBehavior}
}

// SectionResult holds the settings of one section. Keys the firmware does
// not know are listed in Unsupported; keys that never got a reply are
// listed in Missing.
type SectionResult struct {
	Section     Section
	Values      map[string]string
	Unsupported []string
	Missing     []string
}

// LoadSection issues every query of section and collects the replies
// within the section timeout.
func (s *Service) LoadSection(ctx context.Context, sessionID string, section Section) (SectionResult, error) {
	queries, ok := sectionQueries[section]
	if !ok {
		return SectionResult{}, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}
	sess, err := s.adminSession(ctx, sessionID)
	if err != nil {
		return SectionResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SectionTimeout)
	defer cancel()

	res := SectionResult{Section: section, Values: make(map[string]string)}
	submitted := make([]*pendingQuery, len(queries))
	for i, sq := range queries {
		q, err := s.submit(ctx, sess, sq.command, nil)
		if err != nil {
			for _, prev := range submitted[:i] {
				s.drop(sess.ID, prev)
			}
			return res, err
		}
		submitted[i] = q
	}

	var timedOut bool
	for i, q := range submitted {
		text, err := s.await(ctx, sess.ID, q)
		switch {
		case err == nil:
			res.Values[queries[i].key] = text
		case errors.Is(err, ErrUnknownCommand):
			res.Unsupported = append(res.Unsupported, queries[i].key)
		case errors.Is(err, ErrCommandTimeout):
			timedOut = true
			res.Missing = append(res.Missing, queries[i].key)
		default:
			return res, err
		}
	}
	if timedOut {
		return res, fmt.Errorf("%w: %s missing %v", ErrSectionTimeout, section, res.Missing)
	}
	return res, nil
}

// ApplySetting runs "set key value" through the session's setting queue so
// writes reach the repeater in call order.
func (s *Service) ApplySetting(ctx context.Context, sessionID, key, value string) error {
	job := settingJob{ctx: ctx, key: key, value: value, done: make(chan error, 1)}
	ch, err := s.worker(sessionID)
	if err != nil {
		return err
	}
	select {
	case ch <- job:
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) worker(sessionID string) (chan settingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if ch, ok := s.workers[sessionID]; ok {
		return ch, nil
	}
	ch := make(chan settingJob, 32)
	s.workers[sessionID] = ch
	go func() {
		for {
			select {
			case <-s.stop:
				return
			case job := <-ch:
				if err := job.ctx.Err(); err != nil {
					job.done <- err
					continue
				}
				job.done <- s.applyNow(job.ctx, sessionID, job.key, job.value)
			}
		}
	}()
	return ch, nil
}

func (s *Service) applyNow(ctx context.Context, sessionID, key, value string) error {
	reply, err := s.SendCommand(ctx, sessionID, fmt.Sprintf("set %s %s", key, value), NumericMatcher(true))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(strings.ToLower(reply), "ok") {
		return fmt.Errorf("%w: %s: %q", ErrSettingRejected, key, reply)
	}
	s.log.Info().Str("session", sessionID).Str("key", key).Msg("setting applied")
	return nil
}

// ApplySettingDebounced applies the setting after delay unless another
// value for the same key arrives first, in which case only the newest one
// is sent. done, if non-nil, receives the outcome.
func (s *Service) ApplySettingDebounced(sessionID, key, value string, delay time.Duration, done func(error)) {
	k := sessionID + "\x00" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if done != nil {
			go done(ErrClosed)
		}
		return
	}
	if prev := s.timers[k]; prev != nil {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[k] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, k)
		s.mu.Unlock()
		err := s.ApplySetting(s.ctx, sessionID, key, value)
		if err != nil {
			s.log.Warn().Err(err).Str("session", sessionID).Str("key", key).Msg("debounced setting failed")
		}
		if done != nil {
			done(err)
		}
	})
	s.timers[k] = t
}

// Close cancels debounce timers, fails pending commands and stops the
// setting queues.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	for id, list := range s.pending {
		for _, q := range list {
			q.done <- result{err: ErrClosed}
		}
		delete(s.pending, id)
	}
	close(s.stop)
	s.mu.Unlock()
	s.cancel()
}
