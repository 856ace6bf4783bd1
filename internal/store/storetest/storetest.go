// Package storetest holds the behavioural contract shared by every
// store.Store adapter.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("contacts", func(t *testing.T) { testContacts(t, newStore(t)) })
	t.Run("channels", func(t *testing.T) { testChannels(t, newStore(t)) })
	t.Run("messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("devices", func(t *testing.T) { testDevices(t, newStore(t)) })
}

func key(b byte) model.PublicKey {
	var k model.PublicKey
	for i := range k {
		k[i] = b
	}
	return k
}

func testContacts(t *testing.T, s store.Store) {
	ctx := context.Background()
	cs := s.Contacts()

	alice := &model.Contact{
		ID:         model.NewID(),
		DeviceID:   "dev-1",
		PublicKey:  key(0xA1),
		Name:       "alice",
		Type:       protocol.ContactChat,
		PathLength: 2,
		Path:       []byte{1, 2},
	}
	if err := cs.Upsert(ctx, alice); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	dup := &model.Contact{ID: model.NewID(), DeviceID: "dev-1", PublicKey: key(0xA1)}
	if err := cs.Upsert(ctx, dup); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate key err=%v", err)
	}
	other := &model.Contact{ID: model.NewID(), DeviceID: "dev-2", PublicKey: key(0xA1), Name: "alice-elsewhere"}
	if err := cs.Upsert(ctx, other); err != nil {
		t.Fatalf("same key on other device: %v", err)
	}

	got, err := cs.GetByKey(ctx, "dev-1", key(0xA1))
	if err != nil || got.ID != alice.ID || got.Name != "alice" || len(got.Path) != 2 {
		t.Fatalf("get by key got=%+v err=%v", got, err)
	}
	if _, err := cs.FindByPrefix(ctx, "dev-1", []byte{0xA1, 0xA1, 0xA1, 0xA1}); err != nil {
		t.Fatalf("find by prefix: %v", err)
	}
	if _, err := cs.FindByPrefix(ctx, "dev-1", []byte{0xB0}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing prefix err=%v", err)
	}

	if err := cs.IncrementUnread(ctx, alice.ID); err != nil {
		t.Fatalf("increment: %v", err)
	}
	_ = cs.IncrementUnread(ctx, alice.ID)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := cs.UpdateLastMessage(ctx, alice.ID, at); err != nil {
		t.Fatalf("last message: %v", err)
	}
	_ = cs.UpdateLastMessage(ctx, alice.ID, at.Add(-time.Hour))
	got, _ = cs.Get(ctx, alice.ID)
	if got.UnreadCount != 2 || !got.LastMessageAt.Equal(at) {
		t.Fatalf("counters got=%+v", got)
	}
	if err := cs.ClearUnread(ctx, alice.ID); err != nil {
		t.Fatalf("clear unread: %v", err)
	}

	list, err := cs.List(ctx, "dev-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list len=%d err=%v", len(list), err)
	}
	if list[0].UnreadCount != 0 {
		t.Fatalf("unread not cleared: %d", list[0].UnreadCount)
	}

	if err := cs.Delete(ctx, alice.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cs.Get(ctx, alice.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted get err=%v", err)
	}
	if err := cs.Delete(ctx, alice.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("double delete err=%v", err)
	}
}

func testChannels(t *testing.T, s store.Store) {
	ctx := context.Background()
	chs := s.Channels()
	for _, idx := range []uint8{2, 0, 1} {
		ch := &model.Channel{ID: model.NewID(), DeviceID: "dev-1", Index: idx, Name: "ch", Enabled: true}
		ch.Secret[0] = idx
		if err := chs.Upsert(ctx, ch); err != nil {
			t.Fatalf("upsert %d: %v", idx, err)
		}
	}
	list, err := chs.List(ctx, "dev-1")
	if err != nil || len(list) != 3 {
		t.Fatalf("list len=%d err=%v", len(list), err)
	}
	for i, ch := range list {
		if int(ch.Index) != i {
			t.Fatalf("list not ordered by index: %+v", list)
		}
	}
	got, err := chs.Get(ctx, "dev-1", 2)
	if err != nil || got.Secret[0] != 2 {
		t.Fatalf("get got=%+v err=%v", got, err)
	}
	rename := *got
	rename.Name = "renamed"
	if err := chs.Upsert(ctx, &rename); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ = chs.Get(ctx, "dev-1", 2)
	if got.Name != "renamed" {
		t.Fatalf("replace name=%q", got.Name)
	}
	if err := chs.Delete(ctx, "dev-1", 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := chs.Get(ctx, "dev-1", 2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted get err=%v", err)
	}
}

func testMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	ms := s.Messages()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	idx := uint8(3)

	direct := &model.Message{
		ID: model.NewID(), DeviceID: "dev-1", Kind: model.KindDirect, Direction: model.Outgoing,
		ContactID: "c-1", Text: "hi", Timestamp: base, Status: model.StatusSent, AckCode: 0xDEADBEEF,
		CreatedAt: base,
	}
	channel := &model.Message{
		ID: model.NewID(), DeviceID: "dev-1", Kind: model.KindChannel, Direction: model.Outgoing,
		ChannelIndex: &idx, Text: "all", Timestamp: base.Add(time.Second), Status: model.StatusSent,
		CreatedAt: base,
	}
	room := &model.Message{
		ID: model.NewID(), DeviceID: "dev-1", Kind: model.KindRoom, Direction: model.Incoming,
		SessionID: "s-1", Text: "post", Timestamp: base.Add(2 * time.Second), Status: model.StatusReceived,
		DedupKey: "abc", AuthorPrefix: []byte{1, 2, 3, 4}, CreatedAt: base,
	}
	for _, m := range []*model.Message{direct, channel, room} {
		if err := ms.Insert(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := ms.Insert(ctx, direct); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate insert err=%v", err)
	}

	got, err := ms.FindByAck(ctx, "dev-1", 0xDEADBEEF)
	if err != nil || got.ID != direct.ID {
		t.Fatalf("find by ack got=%+v err=%v", got, err)
	}
	if _, err := ms.FindByAck(ctx, "dev-1", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing ack err=%v", err)
	}

	got.Status = model.StatusDelivered
	got.RoundTripMs = 420
	if err := ms.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = ms.Get(ctx, direct.ID)
	if got.Status != model.StatusDelivered || got.RoundTripMs != 420 {
		t.Fatalf("update not applied: %+v", got)
	}
	missing := &model.Message{ID: "nope"}
	if err := ms.Update(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update missing err=%v", err)
	}

	ok, err := ms.HasDedupKey(ctx, "s-1", "abc")
	if err != nil || !ok {
		t.Fatalf("dedup present ok=%v err=%v", ok, err)
	}
	ok, _ = ms.HasDedupKey(ctx, "s-2", "abc")
	if ok {
		t.Fatalf("dedup key leaked across sessions")
	}

	byChannel, _ := ms.List(ctx, store.MessageQuery{DeviceID: "dev-1", ChannelIndex: &idx})
	if len(byChannel) != 1 || byChannel[0].ID != channel.ID {
		t.Fatalf("channel list=%+v", byChannel)
	}
	all, _ := ms.List(ctx, store.MessageQuery{DeviceID: "dev-1"})
	if len(all) != 3 || all[0].ID != direct.ID || all[2].ID != room.ID {
		t.Fatalf("all list order=%+v", all)
	}
	last, _ := ms.List(ctx, store.MessageQuery{DeviceID: "dev-1", Limit: 1})
	if len(last) != 1 || last[0].ID != room.ID {
		t.Fatalf("limited list=%+v", last)
	}
	bySession, _ := ms.List(ctx, store.MessageQuery{SessionID: "s-1"})
	if len(bySession) != 1 || string(bySession[0].AuthorPrefix) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("session list=%+v", bySession)
	}
}

func testSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	ss := s.Sessions()
	k := key(0xC3)
	sess := &model.RemoteNodeSession{
		ID: model.NewID(), DeviceID: "dev-1", PublicKey: k, Prefix: k.Prefix(),
		Name: "hilltop", Role: model.RoleRepeater, Permission: model.PermissionAdmin, IsConnected: true,
	}
	if err := ss.Upsert(ctx, sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := ss.Upsert(ctx, &model.RemoteNodeSession{ID: model.NewID(), DeviceID: "dev-1", PublicKey: k}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate session err=%v", err)
	}
	got, err := ss.FindByPrefix(ctx, "dev-1", k.Prefix())
	if err != nil || got.ID != sess.ID || got.Permission != model.PermissionAdmin {
		t.Fatalf("find by prefix got=%+v err=%v", got, err)
	}
	if got, err = ss.GetByKey(ctx, "dev-1", k); err != nil || got.Name != "hilltop" {
		t.Fatalf("get by key got=%+v err=%v", got, err)
	}

	_ = ss.IncrementUnread(ctx, sess.ID)
	_ = ss.IncrementUnread(ctx, sess.ID)
	got, _ = ss.Get(ctx, sess.ID)
	if got.UnreadCount != 2 {
		t.Fatalf("unread=%d", got.UnreadCount)
	}
	if err := ss.ResetUnread(ctx, sess.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	list, _ := ss.List(ctx, "dev-1")
	if len(list) != 1 || list[0].UnreadCount != 0 {
		t.Fatalf("list=%+v", list)
	}
	if err := ss.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ss.Get(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted get err=%v", err)
	}
	if err := ss.IncrementUnread(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("increment missing err=%v", err)
	}
}

func testDevices(t *testing.T, s store.Store) {
	ctx := context.Background()
	ds := s.Devices()
	d := &model.Device{ID: "dev-1", Name: "base", MaxContacts: 100, MaxChannels: 8}
	if err := ds.Upsert(ctx, d); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	d.Name = "base-2"
	if err := ds.Upsert(ctx, d); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := ds.Get(ctx, "dev-1")
	if err != nil || got.Name != "base-2" || got.MaxChannels != 8 {
		t.Fatalf("get got=%+v err=%v", got, err)
	}
	list, _ := ds.List(ctx)
	if len(list) != 1 {
		t.Fatalf("list=%+v", list)
	}
	if _, err := ds.Get(ctx, "dev-9"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing device err=%v", err)
	}
}
