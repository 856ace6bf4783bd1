package codec

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/testutil/testlog"
)

func testKey(seed string) PublicKey {
	return sha256.Sum256([]byte(seed))
}

func TestContactFrameRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := ContactRecord{
		PublicKey:  testKey("alice"),
		Type:       protocol.ContactRoom,
		Flags:      0x01,
		OutPathLen: 3,
		OutPath:    []byte{0xaa, 0xbb, 0xcc},
		Name:       "Alice",
		LastAdvert: 1700000000,
		LatE6:      ScaleE6(51.507351),
		LonE6:      ScaleE6(-0.127758),
		LastMod:    1700000100,
	}
	raw := EncodeContactFrame(byte(protocol.RespContact), in)
	if len(raw) != 1+ContactWireSize {
		t.Fatalf("unexpected size=%d", len(raw))
	}
	out, err := DecodeContactFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.PublicKey != in.PublicKey || out.Name != "Alice" || out.Type != protocol.ContactRoom {
		t.Fatalf("identity mismatch: got=%+v", out)
	}
	if out.OutPathLen != 3 || !bytes.Equal(out.OutPath, in.OutPath) {
		t.Fatalf("path mismatch: got=%d % x", out.OutPathLen, out.OutPath)
	}
	if out.LastMod != in.LastMod || out.LastAdvert != in.LastAdvert {
		t.Fatalf("timestamps mismatch: got=%+v", out)
	}
	if out.Latitude() < 51.5073 || out.Latitude() > 51.5074 || out.Longitude() > -0.1277 {
		t.Fatalf("location mismatch: lat=%v lon=%v", out.Latitude(), out.Longitude())
	}
}

func TestContactFloodPathDecodesEmpty(t *testing.T) {
	testlog.Start(t)

	in := ContactRecord{PublicKey: testKey("bob"), Type: protocol.ContactChat, OutPathLen: protocol.PathLengthFlood, Name: "Bob"}
	out, err := DecodeContactWire(EncodeContactWire(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.OutPathLen != -1 || len(out.OutPath) != 0 {
		t.Fatalf("flood contact path got=%d % x", out.OutPathLen, out.OutPath)
	}
}

func TestDecodeTruncatedRecordsReturnFrameError(t *testing.T) {
	testlog.Start(t)

	full := EncodeContactFrame(byte(protocol.RespContact), ContactRecord{Name: "x"})
	cases := map[string]func() error{
		"contact": func() error { _, err := DecodeContactFrame(full[:40]); return err },
		"sent":    func() error { _, err := DecodeSent([]byte{byte(protocol.RespSent), 0, 1}); return err },
		"channel": func() error { _, err := DecodeChannelInfo([]byte{byte(protocol.RespChannelInfo), 1, 'a'}); return err },
		"confirm": func() error { _, err := DecodeSendConfirmed([]byte{byte(protocol.PushSendConfirmed), 1}); return err },
		"login":   func() error { _, err := DecodeLoginResult([]byte{byte(protocol.PushLoginSuccess), 1, 2}); return err },
		"empty":   func() error { _, err := DecodeSent(nil); return err },
		"stats":   func() error { _, err := DecodeRepeaterStats(make([]byte, 10)); return err },
		"msg": func() error {
			_, err := DecodeContactMessage([]byte{byte(protocol.RespContactMsgRecvV3), 1})
			return err
		},
	}
	for name, fn := range cases {
		err := fn()
		if !errors.Is(err, protocol.ErrFrame) {
			t.Fatalf("%s: expected ErrFrame, got=%v", name, err)
		}
	}
}

func TestDecodeRejectsWrongDiscriminator(t *testing.T) {
	testlog.Start(t)

	_, err := DecodeSent(EncodeOk())
	var fe *protocol.FrameError
	if !errors.As(err, &fe) || fe.Code != byte(protocol.RespOk) {
		t.Fatalf("expected frame error for code 0, got=%v", err)
	}
}

func TestChannelRecordRoundTrip(t *testing.T) {
	testlog.Start(t)

	var secret [16]byte
	copy(secret[:], []byte("0123456789abcdef"))
	in := ChannelRecord{Index: 2, Name: "Hikers", Secret: secret}
	out, err := DecodeChannelInfo(EncodeChannelInfo(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("channel mismatch: got=%+v want=%+v", out, in)
	}
	set := EncodeSetChannel(in)
	if set[0] != byte(protocol.CmdSetChannel) || len(set) != 1+1+32+16 {
		t.Fatalf("set channel layout: % x", set)
	}
	idx, err := DecodeGetChannel(EncodeGetChannel(5))
	if err != nil || idx != 5 {
		t.Fatalf("get channel idx=%d err=%v", idx, err)
	}
}

func TestFixedStringTruncatesOnRuneBoundary(t *testing.T) {
	testlog.Start(t)

	name := "abcdefghijklmnopqrstuvwxyz0123é"
	ch := ChannelRecord{Name: name}
	out, err := DecodeChannelInfo(EncodeChannelInfo(ch))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Name) > 31 {
		t.Fatalf("name not truncated: %q", out.Name)
	}
	if out.Name != "abcdefghijklmnopqrstuvwxyz0123" {
		t.Fatalf("unexpected truncation: %q", out.Name)
	}
}

func TestSendTxtMsgLayout(t *testing.T) {
	testlog.Start(t)

	key := testKey("carol")
	raw := EncodeSendTxtMsg(OutgoingText{TextType: protocol.TextPlain, Attempt: 2, Timestamp: 0x01020304, Prefix: PrefixOf(key), Text: "Hello!"})
	want := []byte{byte(protocol.CmdSendTxtMsg), 0, 2, 0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(raw[:7], want) {
		t.Fatalf("header layout got=% x", raw[:7])
	}
	if !bytes.Equal(raw[7:13], key[:6]) || string(raw[13:]) != "Hello!" {
		t.Fatalf("body layout got=% x", raw[7:])
	}
	out, err := DecodeSendTxtMsg(raw)
	if err != nil || out.Text != "Hello!" || out.Attempt != 2 {
		t.Fatalf("decode got=%+v err=%v", out, err)
	}
}

func TestGetContactsSinceIsOptional(t *testing.T) {
	testlog.Start(t)

	if raw := EncodeGetContacts(nil); len(raw) != 1 {
		t.Fatalf("full listing should be bare command, got=% x", raw)
	}
	since := uint32(1234)
	got, err := DecodeGetContacts(EncodeGetContacts(&since))
	if err != nil || got == nil || *got != since {
		t.Fatalf("since round trip got=%v err=%v", got, err)
	}
	got, err = DecodeGetContacts(EncodeGetContacts(nil))
	if err != nil || got != nil {
		t.Fatalf("expected nil since, got=%v err=%v", got, err)
	}
}

func TestSentAndConfirmedRoundTrip(t *testing.T) {
	testlog.Start(t)

	sent, err := DecodeSent(EncodeSent(Sent{IsFlood: true, AckCode: 1001, TimeoutMs: 5000}))
	if err != nil || !sent.IsFlood || sent.AckCode != 1001 || sent.TimeoutMs != 5000 {
		t.Fatalf("sent got=%+v err=%v", sent, err)
	}
	conf, err := DecodeSendConfirmed(EncodeSendConfirmed(SendConfirmed{AckCode: 1001, RoundTripMs: 250}))
	if err != nil || conf.AckCode != 1001 || conf.RoundTripMs != 250 {
		t.Fatalf("confirmed got=%+v err=%v", conf, err)
	}
}

func TestDecodeErrCarriesDeviceCode(t *testing.T) {
	testlog.Start(t)

	de, err := DecodeErr(EncodeErr(protocol.ErrCodeBadState))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !errors.Is(de, protocol.ErrBadState) {
		t.Fatalf("expected bad state, got=%v", de)
	}
}

func TestSelfInfoRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := SelfInfo{TxPower: 20, MaxTxPower: 22, PublicKey: testKey("self"), LatE6: 1, LonE6: -2, RadioFreq: 869525, RadioBandwidth: 250000, RadioSF: 11, RadioCR: 5, Name: "base"}
	raw := EncodeSelfInfo(in)
	if len(raw) != selfInfoFixedLen+4 {
		t.Fatalf("self info size=%d", len(raw))
	}
	out, err := DecodeSelfInfo(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("self info mismatch: got=%+v want=%+v", out, in)
	}
}

func TestDeviceInfoShortAndFull(t *testing.T) {
	testlog.Start(t)

	short, err := DecodeDeviceInfo([]byte{byte(protocol.RespDeviceInfo), 2})
	if err != nil || short.FirmwareVersion != 2 || short.MaxContacts != 0 {
		t.Fatalf("short got=%+v err=%v", short, err)
	}
	full, err := DecodeDeviceInfo(EncodeDeviceInfo(DeviceInfo{FirmwareVersion: 8, MaxContacts: 350, MaxChannels: 8, FirmwareBuild: "01-Oct-2025", Model: "Heltec V3", Version: "v1.9.0"}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if full.MaxContacts != 350 || full.MaxChannels != 8 || full.Model != "Heltec V3" || full.Version != "v1.9.0" {
		t.Fatalf("full got=%+v", full)
	}
}

func TestContactMessageSignedPlainCarriesAuthor(t *testing.T) {
	testlog.Start(t)

	in := IncomingMessage{
		SNR:          6.25,
		SenderPrefix: PrefixOf(testKey("room")),
		PathLen:      2,
		TextType:     protocol.TextSignedPlain,
		Timestamp:    1700000000,
		AuthorPrefix: []byte{1, 2, 3, 4},
		Text:         "hello room",
	}
	out, err := DecodeContactMessage(EncodeContactMessage(in, true))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SNR != 6.25 || !bytes.Equal(out.AuthorPrefix, in.AuthorPrefix) || out.Text != in.Text {
		t.Fatalf("message mismatch: got=%+v", out)
	}
	v1, err := DecodeContactMessage(EncodeContactMessage(IncomingMessage{TextType: protocol.TextPlain, Text: "hi"}, false))
	if err != nil || v1.Text != "hi" || v1.AuthorPrefix != nil {
		t.Fatalf("v1 got=%+v err=%v", v1, err)
	}
}

func TestChannelMessageRoundTrip(t *testing.T) {
	testlog.Start(t)

	out, err := DecodeChannelMessage(EncodeChannelMessage(IncomingChannelMessage{Index: 3, PathLen: 1, Timestamp: 99, Text: "bcast"}, true))
	if err != nil || out.Index != 3 || out.Text != "bcast" || out.Timestamp != 99 {
		t.Fatalf("channel message got=%+v err=%v", out, err)
	}
}

func TestLoginResultVariants(t *testing.T) {
	testlog.Start(t)

	prefix := PrefixOf(testKey("rpt"))
	legacy, err := DecodeLoginResult(EncodeLoginResult(LoginResult{Success: true, IsAdmin: true, Prefix: prefix}))
	if err != nil || !legacy.Success || !legacy.IsAdmin || legacy.HasACL || legacy.Prefix != prefix {
		t.Fatalf("legacy got=%+v err=%v", legacy, err)
	}
	acl, err := DecodeLoginResult(EncodeLoginResult(LoginResult{Success: true, Prefix: prefix, HasACL: true, Tag: 7, Permissions: 2}))
	if err != nil || !acl.HasACL || acl.Permissions != 2 || acl.Tag != 7 {
		t.Fatalf("acl got=%+v err=%v", acl, err)
	}
	fail, err := DecodeLoginResult(EncodeLoginResult(LoginResult{Prefix: prefix}))
	if err != nil || fail.Success || fail.Prefix != prefix {
		t.Fatalf("fail got=%+v err=%v", fail, err)
	}
}

func TestRepeaterStatsLayout(t *testing.T) {
	testlog.Start(t)

	in := RepeaterStats{BatteryMilliVolts: 4100, NoiseFloor: -110, LastRSSI: -80, UptimeSecs: 3600, LastSNRQuarterDB: 26, FloodDups: 9}
	raw := EncodeRepeaterStats(in)
	if len(raw) != RepeaterStatsSize {
		t.Fatalf("stats size=%d", len(raw))
	}
	out, err := DecodeRepeaterStats(raw)
	if err != nil || out != in {
		t.Fatalf("stats got=%+v err=%v", out, err)
	}
	if out.LastSNR() != 6.5 {
		t.Fatalf("snr got=%v", out.LastSNR())
	}
}

func TestNeighboursPageRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := NeighboursPage{Total: 5, Neighbours: []Neighbour{
		{Prefix: []byte{1, 2, 3, 4}, SecondsAgo: 30, SNRQuarterDB: 20},
		{Prefix: []byte{5, 6, 7, 8}, SecondsAgo: 600, SNRQuarterDB: -8},
	}}
	out, err := DecodeNeighboursPage(EncodeNeighboursPage(in, 4), 4)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 5 || len(out.Neighbours) != 2 || out.Neighbours[1].SNR() != -2 {
		t.Fatalf("page got=%+v", out)
	}
	if _, err := DecodeNeighboursPage([]byte{5, 0, 3, 0, 1}, 4); !errors.Is(err, protocol.ErrFrame) {
		t.Fatalf("expected truncated page, got=%v", err)
	}
	q, err := DecodeNeighboursRequest(EncodeNeighboursRequest(NeighboursRequest{Count: 10, Offset: 20, PrefixLen: 4, Nonce: 77}))
	if err != nil || q.Count != 10 || q.Offset != 20 || q.PrefixLen != 4 || q.Nonce != 77 {
		t.Fatalf("request got=%+v err=%v", q, err)
	}
}

func TestBinaryRequestAndResponse(t *testing.T) {
	testlog.Start(t)

	req := BinaryRequest{PublicKey: testKey("r"), Type: protocol.BinaryReqKeepAlive}
	back, err := DecodeSendBinaryReq(EncodeSendBinaryReq(req))
	if err != nil || back.Type != protocol.BinaryReqKeepAlive || back.PublicKey != req.PublicKey || len(back.Data) != 0 {
		t.Fatalf("binary req got=%+v err=%v", back, err)
	}
	resp, err := DecodeBinaryResponse(EncodeBinaryResponse(BinaryResponse{Tag: 42, Data: []byte{3}}))
	if err != nil || resp.Tag != 42 || DecodeKeepAliveAck(resp.Data) != 3 {
		t.Fatalf("binary resp got=%+v err=%v", resp, err)
	}
}

func TestLoginCommandRoundTrip(t *testing.T) {
	testlog.Start(t)

	key := testKey("room")
	gotKey, pw, err := DecodeSendLogin(EncodeSendLogin(key, "secret"))
	if err != nil || gotKey != key || pw != "secret" {
		t.Fatalf("login got key=%x pw=%q err=%v", gotKey[:4], pw, err)
	}
	k, err := DecodeKeyCommand(EncodeLogout(key))
	if err != nil || k != key {
		t.Fatalf("logout key mismatch err=%v", err)
	}
}
