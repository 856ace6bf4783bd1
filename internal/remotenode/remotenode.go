// Package remotenode authenticates against rooms and repeaters and keeps
// those sessions alive across transport drops.
package remotenode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/meshlink/internal/correlator"
	"github.com/danmuck/meshlink/internal/credential"
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
	ErrNotRemoteNode    = errors.New("remotenode: contact is not a room or repeater")
	ErrInvalidKey       = errors.New("remotenode: invalid public key")
	ErrSessionNotFound  = errors.New("remotenode: session not found")
	ErrPasswordRequired = errors.New("remotenode: password required")
	ErrLoginRejected    = errors.New("remotenode: login rejected")
	ErrLoginTimeout     = errors.New("remotenode: login timed out")
	ErrFloodRouted      = errors.New("remotenode: peer has no direct path")
	ErrKeepAliveTimeout = errors.New("remotenode: keep-alive timed out")
	ErrRequestTimeout   = errors.New("remotenode: request timed out")
)

type Options struct {
	Config session.Config
	Clock  func() time.Time
	Logger *zerolog.Logger
}

type Service struct {
	corr  *correlator.Correlator
	store store.Store
	vault credential.Vault
	cfg   session.Config
	clock func() time.Time
	log   zerolog.Logger
	bin   *binaryMux

	mu         sync.Mutex
	onUnsynced func(model.RemoteNodeSession, int)
	dropped    map[string]map[string]struct{}
}

// New builds the service and takes over BinaryResponse routing on corr.
func New(corr *correlator.Correlator, st store.Store, vault credential.Vault, opts Options) *Service {
	log := logging.Component("remotenode")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	s := &Service{
		corr:    corr,
		store:   st,
		vault:   vault,
		cfg:     opts.Config.WithDefaults(),
		clock:   opts.Clock,
		log:     log,
		bin:     newBinaryMux(),
		dropped: make(map[string]map[string]struct{}),
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	corr.SetHandler(protocol.PushBinaryResponse, s.handleBinaryResponse)
	return s
}

// SetUnsyncedHandler installs the callback fired when a keep-alive reports
// messages waiting on the remote node.
func (s *Service) SetUnsyncedHandler(fn func(model.RemoteNodeSession, int)) {
	s.mu.Lock()
	s.onUnsynced = fn
	s.mu.Unlock()
}

func (s *Service) handleBinaryResponse(frame []byte) {
	resp, err := codec.DecodeBinaryResponse(frame)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad binary response")
		return
	}
	if !s.bin.deliver(resp) {
		s.log.Debug().Uint32("tag", resp.Tag).Msg("binary response parked")
	}
}

// CreateSession returns the session for contact, creating a guest session
// if none exists. A non-nil password is saved to the vault.
func (s *Service) CreateSession(ctx context.Context, deviceID string, contact model.Contact, password *string) (*model.RemoteNodeSession, error) {
	role, ok := model.RoleFor(contact.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRemoteNode, contact.Name, contact.Type)
	}
	if contact.PublicKey.IsZero() {
		return nil, ErrInvalidKey
	}
	sess, err := s.store.Sessions().GetByKey(ctx, deviceID, contact.PublicKey)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		sess = &model.RemoteNodeSession{
			ID:         model.NewID(),
			DeviceID:   deviceID,
			PublicKey:  contact.PublicKey,
			Prefix:     contact.PublicKey.Prefix(),
			Name:       contact.Name,
			Role:       role,
			Permission: model.PermissionGuest,
			CreatedAt:  s.clock(),
		}
		if err := s.store.Sessions().Upsert(ctx, sess); err != nil {
			return nil, err
		}
		s.log.Info().Str("session", sess.ID).Str("role", string(role)).Str("name", sess.Name).Msg("session created")
	default:
		return nil, err
	}
	if password != nil {
		if err := s.vault.StorePassword(ctx, contact.PublicKey, *password); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

// Session returns one stored session.
func (s *Service) Session(ctx context.Context, sessionID string) (*model.RemoteNodeSession, error) {
	sess, err := s.store.Sessions().Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, err
}

// SessionByPrefix resolves the session whose peer key starts with prefix.
func (s *Service) SessionByPrefix(ctx context.Context, deviceID string, prefix model.Prefix) (*model.RemoteNodeSession, error) {
	sess, err := s.store.Sessions().FindByPrefix(ctx, deviceID, prefix)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: prefix %s", ErrSessionNotFound, prefix)
	}
	return sess, err
}

func (s *Service) Sessions(ctx context.Context, deviceID string) ([]model.RemoteNodeSession, error) {
	return s.store.Sessions().List(ctx, deviceID)
}

// pathLength reports the known route length to key, or flood when the
// contact is not mirrored.
func (s *Service) pathLength(ctx context.Context, deviceID string, key model.PublicKey) int8 {
	c, err := s.store.Contacts().GetByKey(ctx, deviceID, key)
	if err != nil {
		return protocol.PathLengthFlood
	}
	return c.PathLength
}

// Login authenticates sessionID. An empty password falls back to the vault.
func (s *Service) Login(ctx context.Context, sessionID, password string) (*model.RemoteNodeSession, error) {
	if !s.corr.Ready() {
		return nil, correlator.ErrNotConnected
	}
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	supplied := password != ""
	if !supplied {
		stored, ok, err := s.vault.RetrievePassword(ctx, sess.PublicKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrPasswordRequired
		}
		password = stored
	}

	prefix := sess.Prefix
	w := s.corr.Expect(func(f []byte) bool {
		if len(f) == 0 || (f[0] != byte(protocol.PushLoginSuccess) && f[0] != byte(protocol.PushLoginFail)) {
			return false
		}
		res, err := codec.DecodeLoginResult(f)
		return err == nil && model.Prefix(res.Prefix) == prefix
	})
	defer w.Cancel()

	reply, err := s.corr.Send(ctx, codec.EncodeSendLogin(sess.PublicKey, password))
	if err != nil {
		return nil, err
	}
	var suggested time.Duration
	if sent, err := codec.DecodeSent(reply); err == nil {
		suggested = time.Duration(sent.TimeoutMs) * time.Millisecond
	}
	timeout := session.LoginTimeout(s.cfg.Login, s.pathLength(ctx, sess.DeviceID, sess.PublicKey), suggested)

	wctx, cancel := context.WithTimeout(ctx, timeout)
	frame, err := w.Wait(wctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.demote(ctx, sess)
		observability.RecordLogin(string(sess.Role), "timeout")
		return sess, fmt.Errorf("%w: after %s", ErrLoginTimeout, timeout)
	}
	res, err := codec.DecodeLoginResult(frame)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		s.demote(ctx, sess)
		observability.RecordLogin(string(sess.Role), "rejected")
		return sess, fmt.Errorf("%w: %s", ErrLoginRejected, sess.Name)
	}

	sess.Permission = permissionFor(res)
	sess.IsConnected = true
	sess.LastLoginAt = s.clock()
	if err := s.store.Sessions().Upsert(ctx, sess); err != nil {
		s.log.Warn().Err(err).Str("session", sess.ID).Msg("login not persisted")
	}
	if supplied {
		if err := s.vault.StorePassword(ctx, sess.PublicKey, password); err != nil {
			s.log.Warn().Err(err).Str("session", sess.ID).Msg("password not saved")
		}
	}
	s.forget(sess.DeviceID, sess.ID)
	observability.RecordLogin(string(sess.Role), "ok")
	s.log.Info().Str("session", sess.ID).Str("permission", sess.Permission.String()).Msg("logged in")
	return sess, nil
}

func permissionFor(res codec.LoginResult) model.Permission {
	if res.IsAdmin {
		return model.PermissionAdmin
	}
	if !res.HasACL {
		return model.PermissionReadWrite
	}
	return model.Permission(res.Permissions & 0x03)
}

func (s *Service) demote(ctx context.Context, sess *model.RemoteNodeSession) {
	sess.Demote()
	if err := s.store.Sessions().Upsert(ctx, sess); err != nil {
		s.log.Warn().Err(err).Str("session", sess.ID).Msg("demotion not persisted")
	}
}

// Request sends a binary request to key and waits up to timeout for the
// response carrying the Sent tag.
func (s *Service) Request(ctx context.Context, key model.PublicKey, typ protocol.BinaryRequestType, data []byte, timeout time.Duration) ([]byte, error) {
	reply, err := s.corr.Send(ctx, codec.EncodeSendBinaryReq(codec.BinaryRequest{PublicKey: key, Type: typ, Data: data}))
	if err != nil {
		return nil, err
	}
	sent, err := codec.DecodeSent(reply)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.cfg.QueryTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := s.bin.await(wctx, sent.AckCode)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s tag %d", ErrRequestTimeout, typ.String(), sent.AckCode)
	}
	return resp.Data, nil
}

// SendKeepAlive pings the remote node and returns its unsynced message count.
func (s *Service) SendKeepAlive(ctx context.Context, sessionID string) (int, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if s.pathLength(ctx, sess.DeviceID, sess.PublicKey) < 0 {
		return 0, ErrFloodRouted
	}
	data, err := s.Request(ctx, sess.PublicKey, protocol.BinaryReqKeepAlive, nil, s.cfg.KeepAliveTimeout)
	if errors.Is(err, ErrRequestTimeout) {
		return 0, fmt.Errorf("%w: %w", ErrKeepAliveTimeout, err)
	}
	if err != nil {
		return 0, err
	}
	count := codec.DecodeKeepAliveAck(data)
	sess.LastKeepAliveAt = s.clock()
	if err := s.store.Sessions().Upsert(ctx, sess); err != nil {
		s.log.Warn().Err(err).Str("session", sess.ID).Msg("keep-alive not persisted")
	}
	if count > 0 {
		s.mu.Lock()
		fn := s.onUnsynced
		s.mu.Unlock()
		if fn != nil {
			fn(*sess, count)
		}
	}
	return count, nil
}

// KeepAliveAll pings every connected, directly routed session of deviceID.
func (s *Service) KeepAliveAll(ctx context.Context, deviceID string) map[string]error {
	list, err := s.store.Sessions().List(ctx, deviceID)
	if err != nil {
		return map[string]error{"": err}
	}
	errs := make(map[string]error)
	for _, sess := range list {
		if !sess.IsConnected {
			continue
		}
		if _, err := s.SendKeepAlive(ctx, sess.ID); err != nil && !errors.Is(err, ErrFloodRouted) {
			errs[sess.ID] = err
		}
	}
	return errs
}

// Logout tells the node goodbye when possible and demotes the session
// regardless.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.corr.Ready() {
		if _, err := s.corr.Send(ctx, codec.EncodeLogout(sess.PublicKey)); err != nil {
			s.log.Debug().Err(err).Str("session", sess.ID).Msg("logout frame failed")
		}
	}
	s.demote(ctx, sess)
	s.forget(sess.DeviceID, sess.ID)
	return nil
}

// Disconnect demotes the session without touching the radio.
func (s *Service) Disconnect(ctx context.Context, sessionID string) error {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	s.demote(ctx, sess)
	return nil
}

// RemoveSession deletes the stored password and the session record. Either
// both go or neither does.
func (s *Service) RemoveSession(ctx context.Context, sessionID string) error {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	password, had, err := s.vault.RetrievePassword(ctx, sess.PublicKey)
	if err != nil {
		return err
	}
	if err := s.vault.DeletePassword(ctx, sess.PublicKey); err != nil {
		return err
	}
	if err := s.store.Sessions().Delete(ctx, sess.ID); err != nil {
		if had {
			if rerr := s.vault.StorePassword(ctx, sess.PublicKey, password); rerr != nil {
				s.log.Error().Err(rerr).Str("session", sess.ID).Msg("credential restore failed")
			}
		}
		return err
	}
	s.forget(sess.DeviceID, sess.ID)
	return nil
}

// HandleTransportDrop demotes every connected session of deviceID and
// remembers it for RecoverSessions.
func (s *Service) HandleTransportDrop(ctx context.Context, deviceID string) {
	list, err := s.store.Sessions().List(ctx, deviceID)
	if err != nil {
		s.log.Warn().Err(err).Msg("session list failed on drop")
		return
	}
	for i := range list {
		sess := &list[i]
		if !sess.IsConnected {
			continue
		}
		s.remember(deviceID, sess.ID)
		s.demote(ctx, sess)
	}
}

// RecoverSessions logs back in to every remembered or still-connected
// session concurrently. Failures are reported per session id.
func (s *Service) RecoverSessions(ctx context.Context, deviceID string) map[string]error {
	ids := make(map[string]struct{})
	s.mu.Lock()
	for id := range s.dropped[deviceID] {
		ids[id] = struct{}{}
	}
	s.mu.Unlock()
	if list, err := s.store.Sessions().List(ctx, deviceID); err == nil {
		for _, sess := range list {
			if sess.IsConnected {
				ids[sess.ID] = struct{}{}
			}
		}
	} else {
		s.log.Warn().Err(err).Msg("session list failed on recovery")
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs = make(map[string]error)
	)
	for id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.Login(ctx, id, ""); err != nil {
				mu.Lock()
				errs[id] = err
				mu.Unlock()
				s.log.Warn().Err(err).Str("session", id).Msg("session recovery failed")
			}
		}(id)
	}
	wg.Wait()
	return errs
}

func (s *Service) remember(deviceID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.dropped[deviceID]
	if set == nil {
		set = make(map[string]struct{})
		s.dropped[deviceID] = set
	}
	set[sessionID] = struct{}{}
}

func (s *Service) forget(deviceID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.dropped[deviceID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(s.dropped, deviceID)
		}
	}
}
