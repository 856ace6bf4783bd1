package channels

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/correlator"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/danmuck/meshlink/internal/testutil/fakeradio"
	"github.com/danmuck/meshlink/internal/testutil/testlog"
)

const dev = "dev-1"

func newService(t *testing.T) (*Service, *fakeradio.Radio, *store.MemoryStore) {
	t.Helper()
	radio := fakeradio.New()
	corr := correlator.New(radio, correlator.Options{CommandTimeout: time.Second})
	if err := radio.Connect(context.Background(), dev); err != nil {
		t.Fatalf("connect: %v", err)
	}
	corr.Start()
	t.Cleanup(corr.Close)
	st := store.NewMemoryStore()
	return New(corr, st.Channels(), nil), radio, st
}

func TestHashSecret(t *testing.T) {
	if got := HashSecret(""); got != (model.Secret{}) {
		t.Fatalf("empty passphrase got=%x", got)
	}
	sum := sha256.Sum256([]byte("TestChannel123"))
	got := HashSecret("TestChannel123")
	if !bytes.Equal(got[:], sum[:16]) {
		t.Fatalf("hash got=%x want=%x", got, sum[:16])
	}
	if HashSecret("a") == HashSecret("b") {
		t.Fatalf("distinct passphrases collided")
	}
}

// slots scripts GetChannel replies per index.
func slots(replies map[uint8][]byte) fakeradio.Script {
	return func(cmd []byte) fakeradio.Reply {
		idx, _ := codec.DecodeGetChannel(cmd)
		if r, ok := replies[idx]; ok {
			return fakeradio.Reply{Frames: [][]byte{r}}
		}
		return fakeradio.Reply{Frames: [][]byte{codec.EncodeErr(protocol.ErrCodeNotFound)}}
	}
}

func TestSyncChannelsCleansStaleSlots(t *testing.T) {
	testlog.Start(t)
	svc, radio, st := newService(t)
	ctx := context.Background()

	// Local mirror has slots 1 and 2; the device only reports slot 0 and an
	// empty-named slot 2.
	for _, idx := range []uint8{1, 2} {
		_ = st.Channels().Upsert(ctx, &model.Channel{ID: model.NewID(), DeviceID: dev, Index: idx, Name: "old"})
	}
	radio.On(protocol.CmdGetChannel, slots(map[uint8][]byte{
		0: codec.EncodeChannelInfo(codec.ChannelRecord{Index: 0, Name: "Public"}),
		2: codec.EncodeChannelInfo(codec.ChannelRecord{Index: 2}),
		5: codec.EncodeErr(protocol.ErrCodeBadState),
	}))

	res, err := svc.SyncChannels(ctx, dev)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if radio.Count(protocol.CmdGetChannel) != protocol.MaxChannelSlots {
		t.Fatalf("queried %d slots", radio.Count(protocol.CmdGetChannel))
	}
	if res.ChannelsSynced != 1 {
		t.Fatalf("synced=%d", res.ChannelsSynced)
	}
	if len(res.Cleared) != 2 || res.Cleared[0] != 1 || res.Cleared[1] != 2 {
		t.Fatalf("cleared=%v", res.Cleared)
	}
	if !errors.Is(res.Errors[5], protocol.ErrBadState) || len(res.Errors) != 1 {
		t.Fatalf("errors=%v", res.Errors)
	}
	list, _ := st.Channels().List(ctx, dev)
	if len(list) != 1 || list[0].Index != 0 || !list[0].IsPublic() || !list[0].Enabled {
		t.Fatalf("mirror=%+v", list)
	}
}

func TestSyncChannelsIsIdempotent(t *testing.T) {
	testlog.Start(t)
	svc, radio, st := newService(t)
	ctx := context.Background()
	secret := HashSecret("ops")
	radio.On(protocol.CmdGetChannel, slots(map[uint8][]byte{
		3: codec.EncodeChannelInfo(codec.ChannelRecord{Index: 3, Name: "ops", Secret: secret}),
	}))
	_, _ = svc.SyncChannels(ctx, dev)
	first, _ := st.Channels().Get(ctx, dev, 3)
	_, _ = svc.SyncChannels(ctx, dev)
	list, _ := st.Channels().List(ctx, dev)
	if len(list) != 1 || list[0].ID != first.ID || list[0].Secret != secret {
		t.Fatalf("second sync changed mirror: %+v", list)
	}
}

func TestSyncChannelsStopsWhenDisconnected(t *testing.T) {
	testlog.Start(t)
	svc, radio, _ := newService(t)
	radio.Drop()
	if _, err := svc.SyncChannels(context.Background(), dev); !errors.Is(err, correlator.ErrNotConnected) {
		t.Fatalf("err=%v", err)
	}
}

func TestSetChannelVariants(t *testing.T) {
	testlog.Start(t)
	svc, radio, st := newService(t)
	ctx := context.Background()
	radio.On(protocol.CmdSetChannel, fakeradio.Respond(codec.EncodeOk()))

	ch, err := svc.SetChannel(ctx, dev, 2, "ops", "hunter2")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	sent, _ := codec.DecodeChannelInfo(radio.Last(protocol.CmdSetChannel))
	if sent.Index != 2 || sent.Name != "ops" || sent.Secret != HashSecret("hunter2") {
		t.Fatalf("wire record=%+v", sent)
	}
	if ch.ID == "" || ch.Secret != HashSecret("hunter2") {
		t.Fatalf("returned=%+v", ch)
	}

	if _, err := svc.SetChannelWithSecret(ctx, dev, 3, "raw", []byte{1, 2, 3}); !errors.Is(err, protocol.ErrIllegalArgument) {
		t.Fatalf("short secret err=%v", err)
	}
	if radio.Count(protocol.CmdSetChannel) != 1 {
		t.Fatalf("invalid secret reached the device")
	}
	raw := bytes.Repeat([]byte{0xAB}, 16)
	if _, err := svc.SetChannelWithSecret(ctx, dev, 3, "raw", raw); err != nil {
		t.Fatalf("raw secret: %v", err)
	}

	if _, err := svc.SetChannel(ctx, dev, 8, "bad", ""); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("index 8 err=%v", err)
	}

	pub, err := svc.SetPublicChannel(ctx, dev)
	if err != nil || pub.Index != 0 || !pub.IsPublic() || pub.Name != PublicChannelName {
		t.Fatalf("public=%+v err=%v", pub, err)
	}

	if err := svc.ClearChannel(ctx, dev, 2); err != nil {
		t.Fatalf("clear: %v", err)
	}
	cleared, _ := codec.DecodeChannelInfo(radio.Last(protocol.CmdSetChannel))
	if cleared.Name != "" || cleared.Secret != ([16]byte{}) {
		t.Fatalf("clear record=%+v", cleared)
	}
	if _, err := st.Channels().Get(ctx, dev, 2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("slot 2 still mirrored: %v", err)
	}
}

func TestSetChannelDeviceErrorLeavesMirror(t *testing.T) {
	testlog.Start(t)
	svc, radio, st := newService(t)
	radio.On(protocol.CmdSetChannel, fakeradio.Respond(codec.EncodeErr(protocol.ErrCodeIllegalArgument)))
	if _, err := svc.SetChannel(context.Background(), dev, 1, "x", "y"); !errors.Is(err, protocol.ErrIllegalArgument) {
		t.Fatalf("err=%v", err)
	}
	if list, _ := st.Channels().List(context.Background(), dev); len(list) != 0 {
		t.Fatalf("mirror changed: %+v", list)
	}
}
