// Package contacts mirrors the radio's contact table into the local store
// and applies directory mutations and discovery pushes.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/meshlink/internal/clocksync"
	"github.com/danmuck/meshlink/internal/correlator"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrContactService   = errors.New("contacts: sync failed")
	ErrContactNotFound  = errors.New("contacts: contact not found")
	ErrContactTableFull = errors.New("contacts: device contact table full")
	ErrNotPending       = errors.New("contacts: contact is not pending approval")
)

// SyncResult summarizes one contact sync pass.
type SyncResult struct {
	ContactsReceived int
	// ContactsExpected is the count announced by the device before the
	// records.
	ContactsExpected  int
	LastSyncTimestamp uint32
	IsIncremental     bool
}

// ProgressFunc observes sync progress as (received, expected).
type ProgressFunc func(current, total int)

// PathRefreshFunc is called when a known contact's route metadata changes.
type PathRefreshFunc func(c model.Contact, isFlood bool)

// NewContactFunc is called for contacts awaiting manual approval.
type NewContactFunc func(c model.Contact)

type Options struct {
	// AutoAdd mirrors the device's auto-add setting (the inverse of
	// SelfInfo.ManualAddContacts).
	AutoAdd bool
	Clock   func() time.Time
	Logger  *zerolog.Logger
}

type Service struct {
	corr  *correlator.Correlator
	store store.ContactStore
	clock func() time.Time
	log   zerolog.Logger

	mu          sync.RWMutex
	autoAdd     bool
	onPath      PathRefreshFunc
	onNew       NewContactFunc
	lastCursors map[string]uint32
}

func New(corr *correlator.Correlator, contacts store.ContactStore, opts Options) *Service {
	log := logging.Component("contacts")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		corr:        corr,
		store:       contacts,
		clock:       clock,
		log:         log,
		autoAdd:     opts.AutoAdd,
		lastCursors: make(map[string]uint32),
	}
}

func (s *Service) SetAutoAdd(on bool) {
	s.mu.Lock()
	s.autoAdd = on
	s.mu.Unlock()
}

func (s *Service) SetPathRefreshHandler(fn PathRefreshFunc) {
	s.mu.Lock()
	s.onPath = fn
	s.mu.Unlock()
}

func (s *Service) SetNewContactHandler(fn NewContactFunc) {
	s.mu.Lock()
	s.onNew = fn
	s.mu.Unlock()
}

// LastCursor returns the sync cursor from the last successful pass for
// deviceID.
func (s *Service) LastCursor(deviceID string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.lastCursors[deviceID]
	return c, ok
}

// Attach registers the discovery push handlers on the correlator.
func (s *Service) Attach(ctx context.Context, deviceID string) {
	s.corr.SetHandler(protocol.PushAdvert, func(f []byte) { s.logErr(s.HandleAdvert(ctx, deviceID, f), "advert") })
	s.corr.SetHandler(protocol.PushPathUpdated, func(f []byte) { s.logErr(s.HandlePathUpdated(ctx, deviceID, f), "path updated") })
	s.corr.SetHandler(protocol.PushNewAdvert, func(f []byte) { s.logErr(s.HandleNewAdvert(ctx, deviceID, f), "new advert") })
}

func (s *Service) logErr(err error, what string) {
	if err != nil {
		s.log.Warn().Err(err).Str("push", what).Msg("discovery push not applied")
	}
}

// SyncContacts streams the device's contact table into the store. A nil
// since requests the full table.
func (s *Service) SyncContacts(ctx context.Context, deviceID string, since *uint32, progress ProgressFunc) (SyncResult, error) {
	res := SyncResult{IsIncremental: since != nil}
	total := 0
	err := s.corr.Stream(ctx, codec.EncodeGetContacts(since), func(f []byte) (bool, error) {
		switch protocol.ResponseCode(f[0]) {
		case protocol.RespContactsStart:
			n, err := codec.DecodeContactsStart(f)
			if err != nil {
				return false, err
			}
			total = int(n)
			res.ContactsExpected = total
			return false, nil
		case protocol.RespContact:
			rec, err := codec.DecodeContactFrame(f)
			if err != nil {
				return false, err
			}
			if _, err := s.merge(ctx, deviceID, rec, false); err != nil {
				return false, err
			}
			res.ContactsReceived++
			if progress != nil {
				progress(res.ContactsReceived, total)
			}
			return false, nil
		case protocol.RespEndOfContacts:
			cursor, err := codec.DecodeEndOfContacts(f)
			if err != nil {
				return false, err
			}
			res.LastSyncTimestamp = cursor
			if res.ContactsReceived != total {
				s.log.Warn().
					Str("device", deviceID).
					Int("expected", total).
					Int("received", res.ContactsReceived).
					Msg("contact stream count mismatch")
			}
			return true, nil
		default:
			return false, protocol.Malformed(f[0], "unexpected frame in contact stream")
		}
	})
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrContactService, err)
	}
	s.mu.Lock()
	s.lastCursors[deviceID] = res.LastSyncTimestamp
	s.mu.Unlock()
	s.log.Info().
		Str("device", deviceID).
		Int("received", res.ContactsReceived).
		Bool("incremental", res.IsIncremental).
		Uint32("cursor", res.LastSyncTimestamp).
		Msg("contacts synced")
	return res, nil
}

// merge applies a device record to the store, keeping local-only fields.
func (s *Service) merge(ctx context.Context, deviceID string, rec codec.ContactRecord, pending bool) (*model.Contact, error) {
	key := model.PublicKey(rec.PublicKey)
	existing, err := s.store.GetByKey(ctx, deviceID, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	c := fromRecord(existing, deviceID, rec, s.clock(), pending)
	if err := s.store.Upsert(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func fromRecord(existing *model.Contact, deviceID string, rec codec.ContactRecord, now time.Time, pending bool) model.Contact {
	var c model.Contact
	if existing != nil {
		c = *existing
	} else {
		c = model.Contact{ID: model.NewID(), DeviceID: deviceID, IsPending: pending}
	}
	c.PublicKey = model.PublicKey(rec.PublicKey)
	c.Name = rec.Name
	c.Type = rec.Type
	c.Flags = rec.Flags
	c.PathLength = rec.OutPathLen
	c.Path = append([]byte(nil), rec.OutPath...)
	c.Latitude = rec.Latitude()
	c.Longitude = rec.Longitude()
	// A corrected advert time is only recomputed when the device value moves,
	// so replaying the same record leaves the contact unchanged.
	if rec.LastAdvert != 0 && (existing == nil || existing.RawLastAdvert != rec.LastAdvert) {
		c.LastAdvert, _ = clocksync.CorrectTimestampIfNeeded(rec.LastAdvert, now)
		c.RawLastAdvert = rec.LastAdvert
	}
	if rec.LastMod > c.LastModified {
		c.LastModified = rec.LastMod
	}
	return c
}

func toRecord(c model.Contact) codec.ContactRecord {
	rec := codec.ContactRecord{
		PublicKey:  c.PublicKey,
		Type:       c.Type,
		Flags:      c.Flags,
		OutPathLen: c.PathLength,
		OutPath:    c.Path,
		Name:       c.Name,
		LatE6:      codec.ScaleE6(c.Latitude),
		LonE6:      codec.ScaleE6(c.Longitude),
		LastMod:    c.LastModified,
	}
	if !c.LastAdvert.IsZero() {
		rec.LastAdvert = uint32(c.LastAdvert.Unix())
	}
	return rec
}

func mapDeviceErr(err error) error {
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrContactNotFound, err)
	case errors.Is(err, protocol.ErrTableFull):
		return fmt.Errorf("%w: %w", ErrContactTableFull, err)
	default:
		return err
	}
}

func (s *Service) expectOk(ctx context.Context, payload []byte) error {
	reply, err := s.corr.Send(ctx, payload)
	if err != nil {
		return mapDeviceErr(err)
	}
	if reply[0] != byte(protocol.RespOk) {
		return protocol.Malformed(reply[0], "expected ok")
	}
	return nil
}

// AddOrUpdateContact writes c to the device and mirrors it as approved.
func (s *Service) AddOrUpdateContact(ctx context.Context, deviceID string, c model.Contact) (*model.Contact, error) {
	if c.PublicKey.IsZero() {
		return nil, fmt.Errorf("%w: contact public key required", protocol.ErrIllegalArgument)
	}
	if err := s.expectOk(ctx, codec.EncodeAddUpdateContact(toRecord(c))); err != nil {
		return nil, err
	}
	existing, err := s.store.GetByKey(ctx, deviceID, c.PublicKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn().Err(err).Str("key", c.PublicKey.String()).Msg("contact lookup after add failed")
	}
	merged := fromRecord(existing, deviceID, toRecord(c), s.clock(), false)
	merged.IsPending = false
	if c.Nickname != "" {
		merged.Nickname = c.Nickname
	}
	if err := s.store.Upsert(ctx, &merged); err != nil {
		s.log.Warn().Err(err).Str("key", c.PublicKey.String()).Msg("contact mirror update failed")
	}
	return &merged, nil
}

// RemoveContact deletes the contact from the device, then locally.
func (s *Service) RemoveContact(ctx context.Context, deviceID string, key model.PublicKey) error {
	if err := s.expectOk(ctx, codec.EncodeRemoveContact(key)); err != nil {
		return err
	}
	c, err := s.store.GetByKey(ctx, deviceID, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Err(err).Str("key", key.String()).Msg("contact lookup after remove failed")
		}
		return nil
	}
	if err := s.store.Delete(ctx, c.ID); err != nil {
		s.log.Warn().Err(err).Str("key", key.String()).Msg("contact mirror delete failed")
	}
	return nil
}

// ResetPath forces the contact back to flood routing.
func (s *Service) ResetPath(ctx context.Context, deviceID string, key model.PublicKey) error {
	if err := s.expectOk(ctx, codec.EncodeResetPath(key)); err != nil {
		return err
	}
	c, err := s.store.GetByKey(ctx, deviceID, key)
	if err != nil {
		return nil
	}
	c.PathLength = protocol.PathLengthFlood
	c.Path = nil
	if err := s.store.Upsert(ctx, c); err != nil {
		s.log.Warn().Err(err).Str("key", key.String()).Msg("contact path reset not mirrored")
	}
	return nil
}

// ShareContact asks the device to broadcast the contact's advert.
func (s *Service) ShareContact(ctx context.Context, key model.PublicKey) error {
	return s.expectOk(ctx, codec.EncodeShareContact(key))
}

// GetContactByKey fetches one record from the device and merges it.
func (s *Service) GetContactByKey(ctx context.Context, deviceID string, key model.PublicKey) (*model.Contact, error) {
	reply, err := s.corr.Send(ctx, codec.EncodeGetContactByKey(key))
	if err != nil {
		return nil, mapDeviceErr(err)
	}
	rec, err := codec.DecodeContactFrame(reply)
	if err != nil {
		return nil, err
	}
	c, err := s.merge(ctx, deviceID, rec, false)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key.String()).Msg("contact mirror update failed")
		fallback := fromRecord(nil, deviceID, rec, s.clock(), false)
		return &fallback, nil
	}
	return c, nil
}

// ApproveContact pushes a pending contact to the device and clears its
// pending flag.
func (s *Service) ApproveContact(ctx context.Context, contactID string) (*model.Contact, error) {
	c, err := s.store.Get(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if !c.IsPending {
		return nil, ErrNotPending
	}
	return s.AddOrUpdateContact(ctx, c.DeviceID, *c)
}

// ArchiveContact toggles the local archived flag. The record keeps its id.
func (s *Service) ArchiveContact(ctx context.Context, contactID string, archived bool) error {
	c, err := s.store.Get(ctx, contactID)
	if err != nil {
		return err
	}
	c.IsArchived = archived
	return s.store.Upsert(ctx, c)
}

func (s *Service) List(ctx context.Context, deviceID string) ([]model.Contact, error) {
	return s.store.List(ctx, deviceID)
}

// HandleAdvert refreshes a known contact, or mirrors a contact the device
// just auto-added.
func (s *Service) HandleAdvert(ctx context.Context, deviceID string, frame []byte) error {
	key, err := codec.DecodeKeyPush(frame)
	if err != nil {
		return err
	}
	existing, err := s.store.GetByKey(ctx, deviceID, model.PublicKey(key))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing == nil {
		_, err := s.GetContactByKey(ctx, deviceID, model.PublicKey(key))
		return err
	}
	return s.refresh(ctx, deviceID, existing)
}

// HandlePathUpdated refreshes a known contact's route. Unknown keys are
// ignored.
func (s *Service) HandlePathUpdated(ctx context.Context, deviceID string, frame []byte) error {
	key, err := codec.DecodeKeyPush(frame)
	if err != nil {
		return err
	}
	existing, err := s.store.GetByKey(ctx, deviceID, model.PublicKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.refresh(ctx, deviceID, existing)
}

func (s *Service) refresh(ctx context.Context, deviceID string, existing *model.Contact) error {
	updated, err := s.GetContactByKey(ctx, deviceID, existing.PublicKey)
	if err != nil {
		s.log.Debug().Err(err).Str("key", existing.PublicKey.String()).Msg("refresh fetch failed, touching last advert")
		existing.LastAdvert = s.clock()
		if err := s.store.Upsert(ctx, existing); err != nil {
			return err
		}
		updated = existing
	}
	s.mu.RLock()
	fn := s.onPath
	s.mu.RUnlock()
	if fn != nil {
		fn(*updated, updated.IsFloodRouted())
	}
	return nil
}

// HandleNewAdvert handles a full contact record for a node the device has
// not stored. With auto-add on the contact is written to the device and
// mirrored as approved; otherwise it is mirrored as pending.
func (s *Service) HandleNewAdvert(ctx context.Context, deviceID string, frame []byte) error {
	rec, err := codec.DecodeContactFrame(frame)
	if err != nil {
		return err
	}
	s.mu.RLock()
	auto := s.autoAdd
	onNew := s.onNew
	s.mu.RUnlock()

	if auto {
		c := fromRecord(nil, deviceID, rec, s.clock(), false)
		_, err := s.AddOrUpdateContact(ctx, deviceID, c)
		return err
	}
	c, err := s.merge(ctx, deviceID, rec, true)
	if err != nil {
		return err
	}
	if c.IsPending && onNew != nil {
		onNew(*c)
	}
	return nil
}
