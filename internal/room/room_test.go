package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/correlator"
	"github.com/danmuck/meshlink/internal/credential"
	"github.com/danmuck/meshlink/internal/messages"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/remotenode"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/danmuck/meshlink/internal/testutil/fakeradio"
	"github.com/danmuck/meshlink/internal/testutil/testlog"
)

const dev = "dev-1"

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	msgs    *messages.Service
	radio   *fakeradio.Radio
	store   *store.MemoryStore
	session *model.RemoteNodeSession
	selfKey model.PublicKey
	roomKey model.PublicKey
}

func keyOf(fill byte) model.PublicKey {
	var k model.PublicKey
	for i := range k {
		k[i] = fill
	}
	return k
}

func newFixture(t *testing.T, perm model.Permission) *fixture {
	t.Helper()
	testlog.Start(t)
	ctx := context.Background()
	radio := fakeradio.New()
	corr := correlator.New(radio, correlator.Options{CommandTimeout: time.Second})
	if err := radio.Connect(ctx, dev); err != nil {
		t.Fatalf("connect: %v", err)
	}
	corr.Start()
	t.Cleanup(corr.Close)

	f := &fixture{radio: radio, store: store.NewMemoryStore(), selfKey: keyOf(0x5E), roomKey: keyOf(0xA7)}
	clock := func() time.Time { return now }
	if err := f.store.Devices().Upsert(ctx, &model.Device{ID: dev, PublicKey: f.selfKey}); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	contact := model.Contact{ID: model.NewID(), DeviceID: dev, PublicKey: f.roomKey, Name: "Board", Type: protocol.ContactRoom, PathLength: 1}
	if err := f.store.Contacts().Upsert(ctx, &contact); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	nodes := remotenode.New(corr, f.store, credential.NewMemoryVault(), remotenode.Options{Clock: clock})
	sess, err := nodes.CreateSession(ctx, dev, contact, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sess.Permission = perm
	sess.IsConnected = perm > model.PermissionGuest
	if err := f.store.Sessions().Upsert(ctx, sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	f.session = sess
	f.msgs = messages.New(corr, f.store, messages.Options{Clock: clock})
	f.svc = New(nodes, f.msgs, f.store, Options{Clock: clock})
	f.msgs.AddRouter(f.svc.HandleIncoming)
	return f
}

func (f *fixture) incoming(author model.PublicKey, ts uint32, text string) codec.IncomingMessage {
	return codec.IncomingMessage{
		SenderPrefix: codec.PrefixOf(f.roomKey),
		PathLen:      1,
		TextType:     protocol.TextSignedPlain,
		Timestamp:    ts,
		AuthorPrefix: append([]byte(nil), author[:protocol.AuthorPrefixSize]...),
		Text:         text,
	}
}

func TestPostMessageEchoesBeforeSend(t *testing.T) {
	f := newFixture(t, model.PermissionReadWrite)
	ctx := context.Background()

	var echoed bool
	f.radio.On(protocol.CmdSendTxtMsg, func(cmd []byte) fakeradio.Reply {
		list, _ := f.store.Messages().List(ctx, store.MessageQuery{SessionID: f.session.ID})
		echoed = len(list) == 1 && list[0].Status == model.StatusSending
		return fakeradio.Reply{Frames: [][]byte{codec.EncodeSent(codec.Sent{AckCode: 77, TimeoutMs: 4000})}}
	})
	msg, err := f.svc.PostMessage(ctx, f.session.ID, "hello board")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !echoed {
		t.Fatalf("message not stored before the wire send")
	}
	if msg.Status != model.StatusSent || msg.AckCode != 77 || msg.Kind != model.KindRoom {
		t.Fatalf("posted=%+v", msg)
	}
	out, err := codec.DecodeSendTxtMsg(f.radio.Last(protocol.CmdSendTxtMsg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TextType != protocol.TextPlain || out.Prefix != codec.PrefixOf(f.roomKey) {
		t.Fatalf("wire text=%+v", out)
	}
}

func TestPostMessageRequiresReadWrite(t *testing.T) {
	f := newFixture(t, model.PermissionReadOnly)
	if _, err := f.svc.PostMessage(context.Background(), f.session.ID, "hi"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err=%v want ErrPermissionDenied", err)
	}
	if len(f.radio.Sent()) != 0 {
		t.Fatalf("frame written without permission")
	}
	list, _ := f.store.Messages().List(context.Background(), store.MessageQuery{SessionID: f.session.ID})
	if len(list) != 0 {
		t.Fatalf("echo stored without permission")
	}
}

func TestPostMessageRejectsRepeater(t *testing.T) {
	f := newFixture(t, model.PermissionAdmin)
	ctx := context.Background()
	f.session.Role = model.RoleRepeater
	_ = f.store.Sessions().Upsert(ctx, f.session)
	if _, err := f.svc.PostMessage(ctx, f.session.ID, "hi"); !errors.Is(err, ErrNotRoom) {
		t.Fatalf("err=%v want ErrNotRoom", err)
	}
}

func TestDuplicatePostStoredOnce(t *testing.T) {
	f := newFixture(t, model.PermissionReadWrite)
	ctx := context.Background()
	in := f.incoming(keyOf(0x31), uint32(now.Add(-time.Minute).Unix()), "meeting at 5")

	if !f.svc.HandleIncoming(ctx, dev, in) {
		t.Fatalf("room post not taken")
	}
	if !f.svc.HandleIncoming(ctx, dev, in) {
		t.Fatalf("duplicate not consumed")
	}
	list, err := f.svc.Messages(ctx, f.session.ID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("stored %d posts want 1", len(list))
	}
	sess, _ := f.store.Sessions().Get(ctx, f.session.ID)
	if sess.UnreadCount != 1 {
		t.Fatalf("unread=%d want 1", sess.UnreadCount)
	}

	edited := in
	edited.Text = "meeting at 6"
	f.svc.HandleIncoming(ctx, dev, edited)
	sess, _ = f.store.Sessions().Get(ctx, f.session.ID)
	if sess.UnreadCount != 2 {
		t.Fatalf("distinct post not counted, unread=%d", sess.UnreadCount)
	}

	if err := f.svc.MarkAsRead(ctx, f.session.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	sess, _ = f.store.Sessions().Get(ctx, f.session.ID)
	if sess.UnreadCount != 0 {
		t.Fatalf("unread=%d after mark read", sess.UnreadCount)
	}
}

func TestSelfAuthoredPostNotUnread(t *testing.T) {
	f := newFixture(t, model.PermissionReadWrite)
	ctx := context.Background()
	f.svc.HandleIncoming(ctx, dev, f.incoming(f.selfKey, uint32(now.Unix()), "my own post"))
	sess, _ := f.store.Sessions().Get(ctx, f.session.ID)
	if sess.UnreadCount != 0 {
		t.Fatalf("self post counted as unread")
	}
}

func TestUnknownPrefixIgnored(t *testing.T) {
	f := newFixture(t, model.PermissionReadWrite)
	ctx := context.Background()
	in := f.incoming(keyOf(0x31), uint32(now.Unix()), "stray")
	in.SenderPrefix = codec.PrefixOf(keyOf(0x01))
	if f.svc.HandleIncoming(ctx, dev, in) {
		t.Fatalf("unknown sender taken as room post")
	}
	list, _ := f.store.Messages().List(ctx, store.MessageQuery{Kind: model.KindRoom})
	if len(list) != 0 {
		t.Fatalf("stray message stored as room post")
	}
}

func TestWaitingMessagesRouteToRoom(t *testing.T) {
	f := newFixture(t, model.PermissionReadWrite)
	ctx := context.Background()
	in := f.incoming(keyOf(0x31), uint32(now.Unix()), "queued post")
	f.radio.Once(protocol.CmdSyncNextMessage, fakeradio.Respond(codec.EncodeContactMessage(in, true)))
	f.radio.On(protocol.CmdSyncNextMessage, fakeradio.Respond([]byte{byte(protocol.RespNoMoreMessages)}))

	n, err := f.msgs.SyncWaitingMessages(ctx, dev)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	list, _ := f.svc.Messages(ctx, f.session.ID, 10)
	if len(list) != 1 || list[0].Text != "queued post" {
		t.Fatalf("room posts=%+v", list)
	}
	direct, _ := f.store.Messages().List(ctx, store.MessageQuery{Kind: model.KindDirect})
	if len(direct) != 0 {
		t.Fatalf("room post also stored as direct message")
	}
}
