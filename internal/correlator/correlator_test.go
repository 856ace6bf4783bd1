package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/protocol/codec"
	"github.com/danmuck/meshlink/internal/testutil/fakeradio"
	"github.com/danmuck/meshlink/internal/testutil/testlog"
)

func newReady(t *testing.T) (*Correlator, *fakeradio.Radio) {
	t.Helper()
	radio := fakeradio.New()
	c := New(radio, Options{CommandTimeout: time.Second})
	if err := radio.Connect(context.Background(), "dev"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Start()
	t.Cleanup(c.Close)
	return c, radio
}

func TestSendRequiresReadyTransport(t *testing.T) {
	testlog.Start(t)

	radio := fakeradio.New()
	c := New(radio, Options{})
	if _, err := c.Send(context.Background(), codec.EncodeGetDeviceTime()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got=%v", err)
	}
	if len(radio.Sent()) != 0 {
		t.Fatalf("nothing should be written while disconnected")
	}
}

func TestSendMapsDeviceErrorsAndSilence(t *testing.T) {
	testlog.Start(t)
	c, radio := newReady(t)

	radio.On(protocol.CmdRemoveContact, fakeradio.Respond(codec.EncodeErr(protocol.ErrCodeNotFound)))
	_, err := c.Send(context.Background(), codec.EncodeRemoveContact(codec.PublicKey{}))
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected not found, got=%v", err)
	}

	radio.On(protocol.CmdGetDeviceTime, fakeradio.Silent())
	_, err = c.Send(context.Background(), codec.EncodeGetDeviceTime())
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse, got=%v", err)
	}

	radio.On(protocol.CmdGetDeviceTime, fakeradio.Respond(codec.EncodeCurrTime(1700000000)))
	reply, err := c.Send(context.Background(), codec.EncodeGetDeviceTime())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ts, err := codec.DecodeCurrTime(reply); err != nil || ts != 1700000000 {
		t.Fatalf("curr time got=%d err=%v", ts, err)
	}
}

func TestSendSerializesExchanges(t *testing.T) {
	testlog.Start(t)
	c, radio := newReady(t)

	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	radio.On(protocol.CmdGetDeviceTime, func([]byte) fakeradio.Reply {
		entered <- struct{}{}
		<-release
		return fakeradio.Reply{Frames: [][]byte{codec.EncodeCurrTime(1)}}
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Send(context.Background(), codec.EncodeGetDeviceTime())
			errs <- err
		}()
	}

	<-entered
	time.Sleep(50 * time.Millisecond)
	if got := radio.Count(protocol.CmdGetDeviceTime); got != 1 {
		t.Fatalf("second command written while first outstanding: count=%d", got)
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if got := radio.Count(protocol.CmdGetDeviceTime); got != 2 {
		t.Fatalf("expected 2 commands, got=%d", got)
	}
}

func TestDispatchLastRegistrationWins(t *testing.T) {
	testlog.Start(t)
	c, _ := newReady(t)

	var first, second int
	c.SetHandler(protocol.PushMsgWaiting, func([]byte) { first++ })
	c.SetHandler(protocol.PushMsgWaiting, func([]byte) { second++ })

	if !c.Dispatch(codec.EncodeMsgWaiting()) {
		t.Fatalf("expected handled")
	}
	if first != 0 || second != 1 {
		t.Fatalf("last registration should win: first=%d second=%d", first, second)
	}
	if c.Dispatch([]byte{byte(protocol.PushTraceData)}) {
		t.Fatalf("unregistered code should be unhandled")
	}
	c.SetHandler(protocol.PushMsgWaiting, nil)
	if c.Dispatch(codec.EncodeMsgWaiting()) {
		t.Fatalf("cleared handler should be unhandled")
	}
}

func TestPushesReachHandlerOnConsumer(t *testing.T) {
	testlog.Start(t)
	c, radio := newReady(t)

	got := make(chan codec.SendConfirmed, 1)
	c.SetHandler(protocol.PushSendConfirmed, func(f []byte) {
		conf, err := codec.DecodeSendConfirmed(f)
		if err == nil {
			got <- conf
		}
	})
	radio.Push(codec.EncodeSendConfirmed(codec.SendConfirmed{AckCode: 9, RoundTripMs: 120}))

	select {
	case conf := <-got:
		if conf.AckCode != 9 || conf.RoundTripMs != 120 {
			t.Fatalf("confirm got=%+v", conf)
		}
	case <-time.After(time.Second):
		t.Fatalf("push not dispatched")
	}
}

func TestHandlerMaySendWithoutDeadlock(t *testing.T) {
	testlog.Start(t)
	c, radio := newReady(t)

	radio.On(protocol.CmdSyncNextMessage, fakeradio.Respond([]byte{byte(protocol.RespNoMoreMessages)}))
	done := make(chan error, 1)
	c.SetHandler(protocol.PushMsgWaiting, func([]byte) {
		_, err := c.Send(context.Background(), codec.EncodeSyncNextMessage())
		done <- err
	})
	radio.Push(codec.EncodeMsgWaiting())

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send from handler: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler did not complete")
	}
}

func TestWaiterTakesPrecedenceOverHandler(t *testing.T) {
	testlog.Start(t)
	c, radio := newReady(t)

	handled := make(chan struct{}, 1)
	c.SetHandler(protocol.PushLoginSuccess, func([]byte) { handled <- struct{}{} })

	prefix := codec.Prefix{1, 2, 3, 4, 5, 6}
	other := codec.Prefix{9, 9, 9, 9, 9, 9}
	w := c.Expect(func(f []byte) bool {
		res, err := codec.DecodeLoginResult(f)
		return err == nil && res.Prefix == prefix
	})

	radio.Push(codec.EncodeLoginResult(codec.LoginResult{Success: true, Prefix: other}))
	radio.Push(codec.EncodeLoginResult(codec.LoginResult{Success: true, Prefix: prefix}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := w.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	res, _ := codec.DecodeLoginResult(f)
	if res.Prefix != prefix {
		t.Fatalf("waiter got wrong prefix %x", res.Prefix)
	}
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatalf("non-matching frame should reach handler")
	}
}

func TestWaiterTimeoutRemovesRegistration(t *testing.T) {
	testlog.Start(t)
	c, _ := newReady(t)

	w := c.Expect(MatchCode(byte(protocol.PushBinaryResponse)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got=%v", err)
	}
	c.wmu.Lock()
	n := len(c.waiters)
	c.wmu.Unlock()
	if n != 0 {
		t.Fatalf("waiter leaked: %d", n)
	}
}

func TestStreamFeedsFollowUpFrames(t *testing.T) {
	testlog.Start(t)
	c, radio := newReady(t)

	radio.On(protocol.CmdGetContacts, fakeradio.Respond(
		codec.EncodeContactsStart(2),
		codec.EncodeContactFrame(byte(protocol.RespContact), codec.ContactRecord{Name: "Alice"}),
		codec.EncodeContactFrame(byte(protocol.RespContact), codec.ContactRecord{Name: "Bob"}),
		codec.EncodeEndOfContacts(77),
	))

	var names []string
	var cursor uint32
	err := c.Stream(context.Background(), codec.EncodeGetContacts(nil), func(f []byte) (bool, error) {
		switch protocol.ResponseCode(f[0]) {
		case protocol.RespContact:
			rec, err := codec.DecodeContactFrame(f)
			if err != nil {
				return false, err
			}
			names = append(names, rec.Name)
		case protocol.RespEndOfContacts:
			v, err := codec.DecodeEndOfContacts(f)
			cursor = v
			return true, err
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(names) != 2 || names[0] != "Alice" || names[1] != "Bob" || cursor != 77 {
		t.Fatalf("stream got names=%v cursor=%d", names, cursor)
	}
}

func TestStreamInterruptedIsNoResponse(t *testing.T) {
	testlog.Start(t)
	c, radio := newReady(t)

	radio.On(protocol.CmdGetContacts, fakeradio.Respond(codec.EncodeContactsStart(3)))
	err := c.Stream(context.Background(), codec.EncodeGetContacts(nil), func([]byte) (bool, error) { return false, nil })
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse, got=%v", err)
	}
}

func TestQueuedSendTimeoutStartsAfterStream(t *testing.T) {
	testlog.Start(t)
	radio := fakeradio.New()
	c := New(radio, Options{CommandTimeout: 150 * time.Millisecond})
	if err := radio.Connect(context.Background(), "dev"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Start()
	t.Cleanup(c.Close)

	radio.On(protocol.CmdGetContacts, fakeradio.Respond(
		codec.EncodeContactsStart(2),
		codec.EncodeContactFrame(byte(protocol.RespContact), codec.ContactRecord{Name: "Alice"}),
		codec.EncodeContactFrame(byte(protocol.RespContact), codec.ContactRecord{Name: "Bob"}),
		codec.EncodeEndOfContacts(1),
	))
	radio.On(protocol.CmdGetDeviceTime, fakeradio.Respond(codec.EncodeCurrTime(1700000000)))

	started := make(chan struct{})
	streamErr := make(chan error, 1)
	go func() {
		first := true
		streamErr <- c.Stream(context.Background(), codec.EncodeGetContacts(nil), func(f []byte) (bool, error) {
			if first {
				first = false
				close(started)
			}
			time.Sleep(100 * time.Millisecond)
			return protocol.ResponseCode(f[0]) == protocol.RespEndOfContacts, nil
		})
	}()

	<-started
	reply, err := c.Send(context.Background(), codec.EncodeGetDeviceTime())
	if err != nil {
		t.Fatalf("queued send: %v", err)
	}
	if ts, err := codec.DecodeCurrTime(reply); err != nil || ts != 1700000000 {
		t.Fatalf("curr time got=%d err=%v", ts, err)
	}
	if err := <-streamErr; err != nil {
		t.Fatalf("stream: %v", err)
	}
	sent := radio.Sent()
	if len(sent) != 2 || protocol.CommandCode(sent[1][0]) != protocol.CmdGetDeviceTime {
		t.Fatalf("send should follow the stream, sent=%d", len(sent))
	}
}

func TestQueuedSendHonoursCallerContext(t *testing.T) {
	testlog.Start(t)
	c, radio := newReady(t)

	release := make(chan struct{})
	entered := make(chan struct{})
	radio.On(protocol.CmdGetDeviceTime, func([]byte) fakeradio.Reply {
		close(entered)
		<-release
		return fakeradio.Reply{Frames: [][]byte{codec.EncodeCurrTime(1)}}
	})
	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), codec.EncodeGetDeviceTime())
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Send(ctx, codec.EncodeRemoveContact(codec.PublicKey{})); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while queued, got=%v", err)
	}
	if radio.Count(protocol.CmdRemoveContact) != 0 {
		t.Fatalf("queued command must not be written after its caller gave up")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

func TestCloseFailsOutstandingWaiters(t *testing.T) {
	testlog.Start(t)
	radio := fakeradio.New()
	c := New(radio, Options{})
	c.Start()
	w := c.Expect(MatchCode(byte(protocol.PushLoginFail)))
	c.Close()
	if _, err := w.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got=%v", err)
	}
}
