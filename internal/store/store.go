// Package store defines the persistence port for the engine. Implementations
// include an in-memory store (tests, ephemeral runs) and a SQLite-backed
// store in store/sqlitestore.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/meshlink/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflicting record")
)

// DeviceStore persists the paired radios.
type DeviceStore interface {
	Get(ctx context.Context, id string) (*model.Device, error)
	List(ctx context.Context) ([]model.Device, error)
	Upsert(ctx context.Context, d *model.Device) error
}

// ContactStore persists contacts. (DeviceID, PublicKey) is unique.
type ContactStore interface {
	Get(ctx context.Context, id string) (*model.Contact, error)
	GetByKey(ctx context.Context, deviceID string, key model.PublicKey) (*model.Contact, error)
	FindByPrefix(ctx context.Context, deviceID string, prefix []byte) (*model.Contact, error)
	List(ctx context.Context, deviceID string) ([]model.Contact, error)
	Upsert(ctx context.Context, c *model.Contact) error
	Delete(ctx context.Context, id string) error
	IncrementUnread(ctx context.Context, id string) error
	ClearUnread(ctx context.Context, id string) error
	UpdateLastMessage(ctx context.Context, id string, at time.Time) error
}

// ChannelStore persists channel slots. (DeviceID, Index) is unique.
type ChannelStore interface {
	Get(ctx context.Context, deviceID string, index uint8) (*model.Channel, error)
	List(ctx context.Context, deviceID string) ([]model.Channel, error)
	Upsert(ctx context.Context, ch *model.Channel) error
	Delete(ctx context.Context, deviceID string, index uint8) error
}

// MessageQuery filters message listings. Zero fields match everything.
type MessageQuery struct {
	DeviceID     string
	Kind         model.MessageKind
	ContactID    string
	ChannelIndex *uint8
	SessionID    string
	Limit        int
}

// MessageStore persists messages.
type MessageStore interface {
	Get(ctx context.Context, id string) (*model.Message, error)
	Insert(ctx context.Context, m *model.Message) error
	Update(ctx context.Context, m *model.Message) error
	FindByAck(ctx context.Context, deviceID string, ackCode uint32) (*model.Message, error)
	HasDedupKey(ctx context.Context, sessionID, key string) (bool, error)
	List(ctx context.Context, q MessageQuery) ([]model.Message, error)
}

// SessionStore persists remote node sessions. (DeviceID, PublicKey) is
// unique.
type SessionStore interface {
	Get(ctx context.Context, id string) (*model.RemoteNodeSession, error)
	GetByKey(ctx context.Context, deviceID string, key model.PublicKey) (*model.RemoteNodeSession, error)
	FindByPrefix(ctx context.Context, deviceID string, prefix model.Prefix) (*model.RemoteNodeSession, error)
	List(ctx context.Context, deviceID string) ([]model.RemoteNodeSession, error)
	Upsert(ctx context.Context, s *model.RemoteNodeSession) error
	Delete(ctx context.Context, id string) error
	IncrementUnread(ctx context.Context, id string) error
	ResetUnread(ctx context.Context, id string) error
}

// Store aggregates all sub-stores into a single handle.
type Store interface {
	Devices() DeviceStore
	Contacts() ContactStore
	Channels() ChannelStore
	Messages() MessageStore
	Sessions() SessionStore
	Close() error
}
