package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/meshlink/internal/model"
)

// MemoryStore is an in-memory implementation of Store backed by maps and a
// read/write mutex per entity.
type MemoryStore struct {
	devices  *memoryDeviceStore
	contacts *memoryContactStore
	channels *memoryChannelStore
	messages *memoryMessageStore
	sessions *memorySessionStore
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  &memoryDeviceStore{data: make(map[string]model.Device)},
		contacts: &memoryContactStore{data: make(map[string]model.Contact)},
		channels: &memoryChannelStore{data: make(map[channelKey]model.Channel)},
		messages: &memoryMessageStore{data: make(map[string]model.Message)},
		sessions: &memorySessionStore{data: make(map[string]model.RemoteNodeSession)},
	}
}

func (m *MemoryStore) Devices() DeviceStore   { return m.devices }
func (m *MemoryStore) Contacts() ContactStore { return m.contacts }
func (m *MemoryStore) Channels() ChannelStore { return m.channels }
func (m *MemoryStore) Messages() MessageStore { return m.messages }
func (m *MemoryStore) Sessions() SessionStore { return m.sessions }
func (m *MemoryStore) Close() error           { return nil }

// ---------------------------------------------------------------------------
// Device store
// ---------------------------------------------------------------------------

type memoryDeviceStore struct {
	mu   sync.RWMutex
	data map[string]model.Device
}

func (s *memoryDeviceStore) Get(_ context.Context, id string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: device %q", ErrNotFound, id)
	}
	return &d, nil
}

func (s *memoryDeviceStore) List(_ context.Context) ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Device, 0, len(s.data))
	for _, d := range s.data {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryDeviceStore) Upsert(_ context.Context, d *model.Device) error {
	if d.ID == "" {
		return fmt.Errorf("%w: device id required", ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[d.ID] = *d
	return nil
}

// ---------------------------------------------------------------------------
// Contact store
// ---------------------------------------------------------------------------

type memoryContactStore struct {
	mu   sync.RWMutex
	data map[string]model.Contact
}

func cloneContact(c model.Contact) model.Contact {
	c.Path = append([]byte(nil), c.Path...)
	return c
}

func (s *memoryContactStore) Get(_ context.Context, id string) (*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: contact %q", ErrNotFound, id)
	}
	c = cloneContact(c)
	return &c, nil
}

func (s *memoryContactStore) GetByKey(_ context.Context, deviceID string, key model.PublicKey) (*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.data {
		if c.DeviceID == deviceID && c.PublicKey == key {
			c = cloneContact(c)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: contact %s", ErrNotFound, key)
}

func (s *memoryContactStore) FindByPrefix(_ context.Context, deviceID string, prefix []byte) (*model.Contact, error) {
	if len(prefix) == 0 {
		return nil, fmt.Errorf("%w: empty prefix", ErrNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.data {
		if c.DeviceID == deviceID && bytes.HasPrefix(c.PublicKey[:], prefix) {
			c = cloneContact(c)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: contact prefix %x", ErrNotFound, prefix)
}

func (s *memoryContactStore) List(_ context.Context, deviceID string) ([]model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Contact, 0, len(s.data))
	for _, c := range s.data {
		if c.DeviceID == deviceID {
			out = append(out, cloneContact(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryContactStore) Upsert(_ context.Context, c *model.Contact) error {
	if c.ID == "" {
		return fmt.Errorf("%w: contact id required", ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.data {
		if id != c.ID && cur.DeviceID == c.DeviceID && cur.PublicKey == c.PublicKey {
			return fmt.Errorf("%w: contact %s exists as %s", ErrConflict, c.PublicKey, id)
		}
	}
	s.data[c.ID] = cloneContact(*c)
	return nil
}

func (s *memoryContactStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return fmt.Errorf("%w: contact %q", ErrNotFound, id)
	}
	delete(s.data, id)
	return nil
}

func (s *memoryContactStore) mutate(id string, fn func(c *model.Contact)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[id]
	if !ok {
		return fmt.Errorf("%w: contact %q", ErrNotFound, id)
	}
	fn(&c)
	s.data[id] = c
	return nil
}

func (s *memoryContactStore) IncrementUnread(_ context.Context, id string) error {
	return s.mutate(id, func(c *model.Contact) { c.UnreadCount++ })
}

func (s *memoryContactStore) ClearUnread(_ context.Context, id string) error {
	return s.mutate(id, func(c *model.Contact) { c.UnreadCount = 0 })
}

func (s *memoryContactStore) UpdateLastMessage(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(c *model.Contact) {
		if at.After(c.LastMessageAt) {
			c.LastMessageAt = at
		}
	})
}

// ---------------------------------------------------------------------------
// Channel store
// ---------------------------------------------------------------------------

type channelKey struct {
	deviceID string
	index    uint8
}

type memoryChannelStore struct {
	mu   sync.RWMutex
	data map[channelKey]model.Channel
}

func (s *memoryChannelStore) Get(_ context.Context, deviceID string, index uint8) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.data[channelKey{deviceID, index}]
	if !ok {
		return nil, fmt.Errorf("%w: channel %d", ErrNotFound, index)
	}
	return &ch, nil
}

func (s *memoryChannelStore) List(_ context.Context, deviceID string) ([]model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Channel
	for k, ch := range s.data {
		if k.deviceID == deviceID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *memoryChannelStore) Upsert(_ context.Context, ch *model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[channelKey{ch.DeviceID, ch.Index}] = *ch
	return nil
}

func (s *memoryChannelStore) Delete(_ context.Context, deviceID string, index uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := channelKey{deviceID, index}
	if _, ok := s.data[k]; !ok {
		return fmt.Errorf("%w: channel %d", ErrNotFound, index)
	}
	delete(s.data, k)
	return nil
}

// ---------------------------------------------------------------------------
// Message store
// ---------------------------------------------------------------------------

type memoryMessageStore struct {
	mu   sync.RWMutex
	data map[string]model.Message
}

func (s *memoryMessageStore) Get(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %q", ErrNotFound, id)
	}
	return &m, nil
}

func (s *memoryMessageStore) Insert(_ context.Context, m *model.Message) error {
	if m.ID == "" {
		return fmt.Errorf("%w: message id required", ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[m.ID]; exists {
		return fmt.Errorf("%w: message %q exists", ErrConflict, m.ID)
	}
	s.data[m.ID] = *m
	return nil
}

func (s *memoryMessageStore) Update(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[m.ID]; !ok {
		return fmt.Errorf("%w: message %q", ErrNotFound, m.ID)
	}
	s.data[m.ID] = *m
	return nil
}

func (s *memoryMessageStore) FindByAck(_ context.Context, deviceID string, ackCode uint32) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.data {
		if m.DeviceID == deviceID && m.AckCode == ackCode && m.Direction == model.Outgoing {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("%w: ack %d", ErrNotFound, ackCode)
}

func (s *memoryMessageStore) HasDedupKey(_ context.Context, sessionID, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.data {
		if m.SessionID == sessionID && m.DedupKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryMessageStore) List(_ context.Context, q MessageQuery) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	for _, m := range s.data {
		if MatchMessage(q, m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// MatchMessage reports whether m satisfies q.
func MatchMessage(q MessageQuery, m model.Message) bool {
	if q.DeviceID != "" && m.DeviceID != q.DeviceID {
		return false
	}
	if q.Kind != "" && m.Kind != q.Kind {
		return false
	}
	if q.ContactID != "" && m.ContactID != q.ContactID {
		return false
	}
	if q.SessionID != "" && m.SessionID != q.SessionID {
		return false
	}
	if q.ChannelIndex != nil && (m.ChannelIndex == nil || *m.ChannelIndex != *q.ChannelIndex) {
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Session store
// ---------------------------------------------------------------------------

type memorySessionStore struct {
	mu   sync.RWMutex
	data map[string]model.RemoteNodeSession
}

func (s *memorySessionStore) Get(_ context.Context, id string) (*model.RemoteNodeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, id)
	}
	return &sess, nil
}

func (s *memorySessionStore) GetByKey(_ context.Context, deviceID string, key model.PublicKey) (*model.RemoteNodeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.data {
		if sess.DeviceID == deviceID && sess.PublicKey == key {
			return &sess, nil
		}
	}
	return nil, fmt.Errorf("%w: session %s", ErrNotFound, key)
}

func (s *memorySessionStore) FindByPrefix(_ context.Context, deviceID string, prefix model.Prefix) (*model.RemoteNodeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.data {
		if sess.DeviceID == deviceID && sess.Prefix == prefix {
			return &sess, nil
		}
	}
	return nil, fmt.Errorf("%w: session prefix %s", ErrNotFound, prefix)
}

func (s *memorySessionStore) List(_ context.Context, deviceID string) ([]model.RemoteNodeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RemoteNodeSession
	for _, sess := range s.data {
		if deviceID == "" || sess.DeviceID == deviceID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memorySessionStore) Upsert(_ context.Context, sess *model.RemoteNodeSession) error {
	if sess.ID == "" {
		return fmt.Errorf("%w: session id required", ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.data {
		if id != sess.ID && cur.DeviceID == sess.DeviceID && cur.PublicKey == sess.PublicKey {
			return fmt.Errorf("%w: session for %s exists as %s", ErrConflict, sess.PublicKey, id)
		}
	}
	s.data[sess.ID] = *sess
	return nil
}

func (s *memorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return fmt.Errorf("%w: session %q", ErrNotFound, id)
	}
	delete(s.data, id)
	return nil
}

func (s *memorySessionStore) mutate(id string, fn func(*model.RemoteNodeSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[id]
	if !ok {
		return fmt.Errorf("%w: session %q", ErrNotFound, id)
	}
	fn(&sess)
	s.data[id] = sess
	return nil
}

func (s *memorySessionStore) IncrementUnread(_ context.Context, id string) error {
	return s.mutate(id, func(sess *model.RemoteNodeSession) { sess.UnreadCount++ })
}

func (s *memorySessionStore) ResetUnread(_ context.Context, id string) error {
	return s.mutate(id, func(sess *model.RemoteNodeSession) { sess.UnreadCount = 0 })
}

var _ Store = (*MemoryStore)(nil)
