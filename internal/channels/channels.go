// Package channels mirrors the radio's fixed channel slots.
package channels

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/danmuck/meshlink/internal/correlator"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/rs/zerolog"
)

var ErrInvalidChannel = errors.New("channels: channel index out of range")

// PublicChannelName is the conventional name of slot 0.
const PublicChannelName = "Public"

// SyncResult reports one slot sweep. Errors holds per-slot failures that
// did not stop the sweep.
type SyncResult struct {
	ChannelsSynced int
	Cleared        []uint8
	Errors         map[uint8]error
}

type Service struct {
	corr  *correlator.Correlator
	store store.ChannelStore
	log   zerolog.Logger
}

func New(corr *correlator.Correlator, channels store.ChannelStore, logger *zerolog.Logger) *Service {
	log := logging.Component("channels")
	if logger != nil {
		log = *logger
	}
	return &Service{corr: corr, store: channels, log: log}
}

// HashSecret derives a slot secret: zeros for "", otherwise the first 16
// bytes of SHA-256(passphrase).
func HashSecret(passphrase string) model.Secret {
	var out model.Secret
	if passphrase == "" {
		return out
	}
	sum := sha256.Sum256([]byte(passphrase))
	copy(out[:], sum[:protocol.SecretSize])
	return out
}

func validIndex(idx uint8) error {
	if idx >= protocol.MaxChannelSlots {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, idx)
	}
	return nil
}

// SyncChannels queries slots 0..7 in order. Unconfigured slots remove any
// local mirror entry.
func (s *Service) SyncChannels(ctx context.Context, deviceID string) (SyncResult, error) {
	res := SyncResult{Errors: make(map[uint8]error)}
	for idx := uint8(0); idx < protocol.MaxChannelSlots; idx++ {
		reply, err := s.corr.Send(ctx, codec.EncodeGetChannel(idx))
		if err != nil {
			if errors.Is(err, correlator.ErrNotConnected) || ctx.Err() != nil {
				return res, err
			}
			if errors.Is(err, protocol.ErrNotFound) {
				s.clearMirror(ctx, deviceID, idx, &res)
				continue
			}
			res.Errors[idx] = err
			continue
		}
		rec, err := codec.DecodeChannelInfo(reply)
		if err != nil {
			res.Errors[idx] = err
			continue
		}
		if rec.Name == "" {
			s.clearMirror(ctx, deviceID, idx, &res)
			continue
		}
		if _, err := s.mirror(ctx, deviceID, idx, rec.Name, rec.Secret); err != nil {
			res.Errors[idx] = err
			continue
		}
		res.ChannelsSynced++
	}
	s.log.Info().
		Str("device", deviceID).
		Int("synced", res.ChannelsSynced).
		Int("cleared", len(res.Cleared)).
		Int("errors", len(res.Errors)).
		Msg("channels synced")
	return res, nil
}

func (s *Service) clearMirror(ctx context.Context, deviceID string, idx uint8, res *SyncResult) {
	err := s.store.Delete(ctx, deviceID, idx)
	switch {
	case err == nil:
		res.Cleared = append(res.Cleared, idx)
	case errors.Is(err, store.ErrNotFound):
	default:
		res.Errors[idx] = err
	}
}

func (s *Service) mirror(ctx context.Context, deviceID string, idx uint8, name string, secret [protocol.SecretSize]byte) (*model.Channel, error) {
	ch := model.Channel{ID: model.NewID(), DeviceID: deviceID, Index: idx}
	if cur, err := s.store.Get(ctx, deviceID, idx); err == nil {
		ch = *cur
	}
	ch.Name = name
	ch.Secret = secret
	ch.Enabled = true
	if err := s.store.Upsert(ctx, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// SetChannel configures slot idx with a secret derived from passphrase.
func (s *Service) SetChannel(ctx context.Context, deviceID string, idx uint8, name, passphrase string) (*model.Channel, error) {
	return s.set(ctx, deviceID, idx, name, HashSecret(passphrase))
}

// SetChannelWithSecret configures slot idx with a raw 16-byte secret.
func (s *Service) SetChannelWithSecret(ctx context.Context, deviceID string, idx uint8, name string, secret []byte) (*model.Channel, error) {
	if len(secret) != protocol.SecretSize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d", protocol.ErrIllegalArgument, protocol.SecretSize, len(secret))
	}
	var sec model.Secret
	copy(sec[:], secret)
	return s.set(ctx, deviceID, idx, name, sec)
}

// SetPublicChannel configures slot 0 as the all-zero public channel.
func (s *Service) SetPublicChannel(ctx context.Context, deviceID string) (*model.Channel, error) {
	return s.set(ctx, deviceID, 0, PublicChannelName, model.Secret{})
}

func (s *Service) set(ctx context.Context, deviceID string, idx uint8, name string, secret model.Secret) (*model.Channel, error) {
	if err := validIndex(idx); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: channel name required", protocol.ErrIllegalArgument)
	}
	rec := codec.ChannelRecord{Index: idx, Name: codec.TruncateUTF8(name, protocol.NameFieldSize-1), Secret: secret}
	if err := s.expectOk(ctx, codec.EncodeSetChannel(rec)); err != nil {
		return nil, err
	}
	ch, err := s.mirror(ctx, deviceID, idx, rec.Name, rec.Secret)
	if err != nil {
		s.log.Warn().Err(err).Uint8("index", idx).Msg("channel mirror update failed")
		return &model.Channel{DeviceID: deviceID, Index: idx, Name: rec.Name, Secret: secret, Enabled: true}, nil
	}
	return ch, nil
}

// ClearChannel blanks slot idx on the device and drops the local mirror.
func (s *Service) ClearChannel(ctx context.Context, deviceID string, idx uint8) error {
	if err := validIndex(idx); err != nil {
		return err
	}
	if err := s.expectOk(ctx, codec.EncodeSetChannel(codec.ChannelRecord{Index: idx})); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, deviceID, idx); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn().Err(err).Uint8("index", idx).Msg("channel mirror delete failed")
	}
	return nil
}

func (s *Service) List(ctx context.Context, deviceID string) ([]model.Channel, error) {
	return s.store.List(ctx, deviceID)
}

func (s *Service) expectOk(ctx context.Context, payload []byte) error {
	reply, err := s.corr.Send(ctx, payload)
	if err != nil {
		return err
	}
	if reply[0] != byte(protocol.RespOk) {
		return protocol.Malformed(reply[0], "expected ok")
	}
	return nil
}
