package remotenode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/correlator"
	"github.com/danmuck/meshlink/internal/credential"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/protocol/session"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/danmuck/meshlink/internal/testutil/fakeradio"
	"github.com/danmuck/meshlink/internal/testutil/testlog"
)

const dev = "dev-1"

type fixture struct {
	svc   *Service
	radio *fakeradio.Radio
	store *store.MemoryStore
	vault *credential.MemoryVault
}

func fastConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Login = session.LoginTimeouts{Base: 50 * time.Millisecond, PerHop: 10 * time.Millisecond, Flood: 50 * time.Millisecond}
	cfg.KeepAliveTimeout = 50 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testlog.Start(t)
	radio := fakeradio.New()
	corr := correlator.New(radio, correlator.Options{CommandTimeout: time.Second})
	if err := radio.Connect(context.Background(), dev); err != nil {
		t.Fatalf("connect: %v", err)
	}
	corr.Start()
	t.Cleanup(corr.Close)
	f := &fixture{radio: radio, store: store.NewMemoryStore(), vault: credential.NewMemoryVault()}
	f.svc = New(corr, f.store, f.vault, Options{Config: fastConfig()})
	return f
}

func node(t *testing.T, st store.Store, fill byte, typ protocol.ContactType, pathLen int8) model.Contact {
	t.Helper()
	var key model.PublicKey
	for i := range key {
		key[i] = fill
	}
	c := model.Contact{ID: model.NewID(), DeviceID: dev, PublicKey: key, Name: "node", Type: typ, PathLength: pathLen}
	if err := st.Contacts().Upsert(context.Background(), &c); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	return c
}

// loginScript accepts the exchange and answers with res for the key named in
// the command.
func loginScript(res func(key model.PublicKey, password string) *codec.LoginResult) fakeradio.Script {
	return func(cmd []byte) fakeradio.Reply {
		key, pw, err := codec.DecodeSendLogin(cmd)
		if err != nil {
			return fakeradio.Reply{}
		}
		reply := fakeradio.Reply{Frames: [][]byte{codec.EncodeSent(codec.Sent{AckCode: 1})}}
		if r := res(model.PublicKey(key), pw); r != nil {
			r.Prefix = codec.PrefixOf(key)
			reply.Pushes = [][]byte{codec.EncodeLoginResult(*r)}
		}
		return reply
	}
}

func ptr(s string) *string { return &s }

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat := node(t, f.store, 0x11, protocol.ContactChat, 0)
	if _, err := f.svc.CreateSession(ctx, dev, chat, nil); !errors.Is(err, ErrNotRemoteNode) {
		t.Fatalf("chat contact err=%v", err)
	}
	zero := model.Contact{Type: protocol.ContactRoom}
	if _, err := f.svc.CreateSession(ctx, dev, zero, nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("zero key err=%v", err)
	}

	room := node(t, f.store, 0x22, protocol.ContactRoom, 1)
	first, err := f.svc.CreateSession(ctx, dev, room, ptr("hunter2"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Role != model.RoleRoom || first.Permission != model.PermissionGuest || first.IsConnected {
		t.Fatalf("new session=%+v", first)
	}
	second, err := f.svc.CreateSession(ctx, dev, room, nil)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate session ids %s vs %s", first.ID, second.ID)
	}
	pw, ok, _ := f.vault.RetrievePassword(ctx, room.PublicKey)
	if !ok || pw != "hunter2" {
		t.Fatalf("vault pw=%q ok=%v", pw, ok)
	}
}

func TestLoginPermissions(t *testing.T) {
	cases := []struct {
		name string
		res  codec.LoginResult
		want model.Permission
	}{
		{"admin flag", codec.LoginResult{Success: true, IsAdmin: true}, model.PermissionAdmin},
		{"no acl", codec.LoginResult{Success: true}, model.PermissionReadWrite},
		{"acl read only", codec.LoginResult{Success: true, HasACL: true, Permissions: 1}, model.PermissionReadOnly},
		{"acl admin", codec.LoginResult{Success: true, HasACL: true, Permissions: 3}, model.PermissionAdmin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			room := node(t, f.store, 0x33, protocol.ContactRoom, 2)
			sess, err := f.svc.CreateSession(ctx, dev, room, nil)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			res := tc.res
			f.radio.On(protocol.CmdSendLogin, loginScript(func(model.PublicKey, string) *codec.LoginResult { return &res }))

			got, err := f.svc.Login(ctx, sess.ID, "pw")
			if err != nil {
				t.Fatalf("login: %v", err)
			}
			if got.Permission != tc.want || !got.IsConnected {
				t.Fatalf("permission=%v connected=%v want %v", got.Permission, got.IsConnected, tc.want)
			}
			pw, ok, _ := f.vault.RetrievePassword(ctx, room.PublicKey)
			if !ok || pw != "pw" {
				t.Fatalf("supplied password not saved: %q %v", pw, ok)
			}
		})
	}
}

func TestLoginUsesStoredPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := node(t, f.store, 0x44, protocol.ContactRoom, 0)
	sess, _ := f.svc.CreateSession(ctx, dev, room, nil)

	if _, err := f.svc.Login(ctx, sess.ID, ""); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("err=%v want ErrPasswordRequired", err)
	}
	if f.radio.Count(protocol.CmdSendLogin) != 0 {
		t.Fatalf("login frame sent without password")
	}

	_ = f.vault.StorePassword(ctx, room.PublicKey, "stored")
	var seen string
	f.radio.On(protocol.CmdSendLogin, loginScript(func(_ model.PublicKey, pw string) *codec.LoginResult {
		seen = pw
		return &codec.LoginResult{Success: true}
	}))
	if _, err := f.svc.Login(ctx, sess.ID, ""); err != nil {
		t.Fatalf("login: %v", err)
	}
	if seen != "stored" {
		t.Fatalf("device saw password %q", seen)
	}
}

func TestLoginRejectedDemotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := node(t, f.store, 0x55, protocol.ContactRoom, 0)
	sess, _ := f.svc.CreateSession(ctx, dev, room, nil)
	sess.Permission = model.PermissionReadWrite
	sess.IsConnected = true
	_ = f.store.Sessions().Upsert(ctx, sess)

	f.radio.On(protocol.CmdSendLogin, loginScript(func(model.PublicKey, string) *codec.LoginResult {
		return &codec.LoginResult{Success: false}
	}))
	if _, err := f.svc.Login(ctx, sess.ID, "wrong"); !errors.Is(err, ErrLoginRejected) {
		t.Fatalf("err=%v want ErrLoginRejected", err)
	}
	got, _ := f.store.Sessions().Get(ctx, sess.ID)
	if got.Permission != model.PermissionGuest || got.IsConnected {
		t.Fatalf("not demoted: %+v", got)
	}
	if _, ok, _ := f.vault.RetrievePassword(ctx, room.PublicKey); ok {
		t.Fatalf("rejected password was saved")
	}
}

func TestLoginIgnoresOtherPrefixAndTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := node(t, f.store, 0x66, protocol.ContactRoom, 0)
	sess, _ := f.svc.CreateSession(ctx, dev, room, nil)

	var other codec.PublicKey
	for i := range other {
		other[i] = 0x99
	}
	f.radio.On(protocol.CmdSendLogin, func([]byte) fakeradio.Reply {
		return fakeradio.Reply{
			Frames: [][]byte{codec.EncodeSent(codec.Sent{AckCode: 1})},
			Pushes: [][]byte{codec.EncodeLoginResult(codec.LoginResult{Success: true, IsAdmin: true, Prefix: codec.PrefixOf(other)})},
		}
	})
	start := time.Now()
	_, err := f.svc.Login(ctx, sess.ID, "pw")
	if !errors.Is(err, ErrLoginTimeout) {
		t.Fatalf("err=%v want ErrLoginTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned after %s, before the login window", elapsed)
	}
	got, _ := f.store.Sessions().Get(ctx, sess.ID)
	if got.IsConnected {
		t.Fatalf("session connected after timeout")
	}
}

func TestLoginNotConnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := node(t, f.store, 0x67, protocol.ContactRoom, 0)
	sess, _ := f.svc.CreateSession(ctx, dev, room, ptr("pw"))
	f.radio.Drop()
	if _, err := f.svc.Login(ctx, sess.ID, ""); !errors.Is(err, correlator.ErrNotConnected) {
		t.Fatalf("err=%v", err)
	}
	if _, err := f.svc.Login(ctx, "missing", "pw"); !errors.Is(err, correlator.ErrNotConnected) {
		t.Fatalf("readiness is checked first, err=%v", err)
	}
}

func keepAliveScript(tag uint32, count byte) fakeradio.Script {
	return func(cmd []byte) fakeradio.Reply {
		return fakeradio.Reply{
			Frames: [][]byte{codec.EncodeSent(codec.Sent{AckCode: tag, TimeoutMs: 1000})},
			Pushes: [][]byte{
				codec.EncodeBinaryResponse(codec.BinaryResponse{Tag: tag + 1, Data: []byte{9}}),
				codec.EncodeBinaryResponse(codec.BinaryResponse{Tag: tag, Data: []byte{count}}),
			},
		}
	}
}

func TestSendKeepAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	flood := node(t, f.store, 0x70, protocol.ContactRepeater, protocol.PathLengthFlood)
	fs, _ := f.svc.CreateSession(ctx, dev, flood, nil)
	if _, err := f.svc.SendKeepAlive(ctx, fs.ID); !errors.Is(err, ErrFloodRouted) {
		t.Fatalf("flood err=%v", err)
	}
	if n := f.radio.Count(protocol.CmdSendBinaryReq); n != 0 {
		t.Fatalf("flood keep-alive wrote %d frames", n)
	}

	direct := node(t, f.store, 0x71, protocol.ContactRoom, 2)
	ds, _ := f.svc.CreateSession(ctx, dev, direct, nil)
	var (
		mu     sync.Mutex
		called []int
	)
	f.svc.SetUnsyncedHandler(func(s model.RemoteNodeSession, n int) {
		mu.Lock()
		called = append(called, n)
		mu.Unlock()
	})
	f.radio.On(protocol.CmdSendBinaryReq, keepAliveScript(40, 3))
	count, err := f.svc.SendKeepAlive(ctx, ds.ID)
	if err != nil {
		t.Fatalf("keep-alive: %v", err)
	}
	if count != 3 {
		t.Fatalf("count=%d want 3", count)
	}
	req, err := codec.DecodeSendBinaryReq(f.radio.Last(protocol.CmdSendBinaryReq))
	if err != nil || req.Type != protocol.BinaryReqKeepAlive || model.PublicKey(req.PublicKey) != direct.PublicKey {
		t.Fatalf("request=%+v err=%v", req, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(called) != 1 || called[0] != 3 {
		t.Fatalf("handler calls=%v", called)
	}
	got, _ := f.store.Sessions().Get(ctx, ds.ID)
	if got.LastKeepAliveAt.IsZero() {
		t.Fatalf("keep-alive time not recorded")
	}
}

func TestSendKeepAliveZeroSkipsHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	direct := node(t, f.store, 0x72, protocol.ContactRoom, 0)
	ds, _ := f.svc.CreateSession(ctx, dev, direct, nil)
	f.svc.SetUnsyncedHandler(func(model.RemoteNodeSession, int) { t.Errorf("handler called for zero count") })
	f.radio.On(protocol.CmdSendBinaryReq, func([]byte) fakeradio.Reply {
		return fakeradio.Reply{
			Frames: [][]byte{codec.EncodeSent(codec.Sent{AckCode: 5})},
			Pushes: [][]byte{codec.EncodeBinaryResponse(codec.BinaryResponse{Tag: 5})},
		}
	})
	if n, err := f.svc.SendKeepAlive(ctx, ds.ID); err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestSendKeepAliveTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	direct := node(t, f.store, 0x73, protocol.ContactRoom, 0)
	ds, _ := f.svc.CreateSession(ctx, dev, direct, nil)
	f.radio.On(protocol.CmdSendBinaryReq, fakeradio.Respond(codec.EncodeSent(codec.Sent{AckCode: 8})))
	if _, err := f.svc.SendKeepAlive(ctx, ds.ID); !errors.Is(err, ErrKeepAliveTimeout) {
		t.Fatalf("err=%v want ErrKeepAliveTimeout", err)
	}
}

func TestLogoutAndDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := node(t, f.store, 0x80, protocol.ContactRoom, 0)
	sess, _ := f.svc.CreateSession(ctx, dev, room, nil)
	sess.Permission, sess.IsConnected = model.PermissionAdmin, true
	_ = f.store.Sessions().Upsert(ctx, sess)

	f.radio.On(protocol.CmdLogout, fakeradio.Respond(codec.EncodeErr(protocol.ErrCodeNotFound)))
	if err := f.svc.Logout(ctx, sess.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if f.radio.Count(protocol.CmdLogout) != 1 {
		t.Fatalf("logout frame not sent")
	}
	got, _ := f.store.Sessions().Get(ctx, sess.ID)
	if got.IsConnected || got.Permission != model.PermissionGuest {
		t.Fatalf("logout did not demote: %+v", got)
	}

	got.Permission, got.IsConnected = model.PermissionReadWrite, true
	_ = f.store.Sessions().Upsert(ctx, got)
	sent := len(f.radio.Sent())
	if err := f.svc.Disconnect(ctx, sess.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if len(f.radio.Sent()) != sent {
		t.Fatalf("disconnect wrote to the radio")
	}
	got, _ = f.store.Sessions().Get(ctx, sess.ID)
	if got.IsConnected {
		t.Fatalf("disconnect did not demote")
	}
}

type flakyVault struct {
	credential.Vault
	failDelete bool
}

func (v *flakyVault) DeletePassword(ctx context.Context, key model.PublicKey) error {
	if v.failDelete {
		return errors.New("keychain locked")
	}
	return v.Vault.DeletePassword(ctx, key)
}

type flakyStore struct {
	store.Store
	sessions *flakySessions
}

func (s *flakyStore) Sessions() store.SessionStore { return s.sessions }

type flakySessions struct {
	store.SessionStore
	failDelete bool
}

func (s *flakySessions) Delete(ctx context.Context, id string) error {
	if s.failDelete {
		return errors.New("disk full")
	}
	return s.SessionStore.Delete(ctx, id)
}

func TestRemoveSessionAtomicity(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	radio := fakeradio.New()
	corr := correlator.New(radio, correlator.Options{})
	t.Cleanup(corr.Close)

	mem := store.NewMemoryStore()
	st := &flakyStore{Store: mem, sessions: &flakySessions{SessionStore: mem.Sessions()}}
	vault := &flakyVault{Vault: credential.NewMemoryVault()}
	svc := New(corr, st, vault, Options{})

	room := node(t, mem, 0x90, protocol.ContactRoom, 0)
	sess, err := svc.CreateSession(ctx, dev, room, ptr("secret"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	vault.failDelete = true
	if err := svc.RemoveSession(ctx, sess.ID); err == nil {
		t.Fatalf("expected credential delete failure")
	}
	if _, err := mem.Sessions().Get(ctx, sess.ID); err != nil {
		t.Fatalf("record removed after credential failure: %v", err)
	}

	vault.failDelete = false
	st.sessions.failDelete = true
	if err := svc.RemoveSession(ctx, sess.ID); err == nil {
		t.Fatalf("expected record delete failure")
	}
	pw, ok, _ := vault.RetrievePassword(ctx, room.PublicKey)
	if !ok || pw != "secret" {
		t.Fatalf("credential not restored: %q %v", pw, ok)
	}

	st.sessions.failDelete = false
	if err := svc.RemoveSession(ctx, sess.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := vault.RetrievePassword(ctx, room.PublicKey); ok {
		t.Fatalf("credential survived removal")
	}
	if _, err := svc.Session(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session err=%v", err)
	}
}

func TestDropAndRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := node(t, f.store, 0xA0, protocol.ContactRoom, 0)
	bad := node(t, f.store, 0xB0, protocol.ContactRepeater, 0)
	idle := node(t, f.store, 0xC0, protocol.ContactRoom, 0)
	gs, _ := f.svc.CreateSession(ctx, dev, good, ptr("pw"))
	bs, _ := f.svc.CreateSession(ctx, dev, bad, nil)
	is, _ := f.svc.CreateSession(ctx, dev, idle, ptr("pw"))
	for _, s := range []*model.RemoteNodeSession{gs, bs} {
		s.IsConnected, s.Permission = true, model.PermissionReadWrite
		_ = f.store.Sessions().Upsert(ctx, s)
	}

	f.svc.HandleTransportDrop(ctx, dev)
	for _, id := range []string{gs.ID, bs.ID} {
		got, _ := f.store.Sessions().Get(ctx, id)
		if got.IsConnected || got.Permission != model.PermissionGuest {
			t.Fatalf("session %s not demoted on drop", id)
		}
	}

	f.radio.On(protocol.CmdSendLogin, loginScript(func(model.PublicKey, string) *codec.LoginResult {
		return &codec.LoginResult{Success: true}
	}))
	errs := f.svc.RecoverSessions(ctx, dev)
	if len(errs) != 1 || !errors.Is(errs[bs.ID], ErrPasswordRequired) {
		t.Fatalf("recovery errors=%v", errs)
	}
	got, _ := f.store.Sessions().Get(ctx, gs.ID)
	if !got.IsConnected || got.Permission != model.PermissionReadWrite {
		t.Fatalf("good session not recovered: %+v", got)
	}
	got, _ = f.store.Sessions().Get(ctx, is.ID)
	if got.IsConnected {
		t.Fatalf("idle session was logged in")
	}
	if n := f.radio.Count(protocol.CmdSendLogin); n != 1 {
		t.Fatalf("login frames=%d want 1", n)
	}

	errs = f.svc.RecoverSessions(ctx, dev)
	if len(errs) != 1 {
		t.Fatalf("second recovery errors=%v", errs)
	}
}
