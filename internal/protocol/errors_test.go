package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/meshlink/internal/testutil/testlog"
)

func TestDeviceErrorMatchesSentinel(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		code byte
		want error
	}{
		{ErrCodeUnsupportedCommand, ErrUnsupportedCommand},
		{ErrCodeNotFound, ErrNotFound},
		{ErrCodeTableFull, ErrTableFull},
		{ErrCodeBadState, ErrBadState},
		{ErrCodeFileIO, ErrFileIO},
		{ErrCodeIllegalArgument, ErrIllegalArgument},
	}
	for _, tc := range cases {
		err := fmt.Errorf("wrapped: %w", &DeviceError{Code: tc.code})
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %d: expected errors.Is(%v)", tc.code, tc.want)
		}
		code, ok := DeviceCode(err)
		if !ok || code != tc.code {
			t.Fatalf("DeviceCode got=%d ok=%v", code, ok)
		}
	}
	if errors.Is(&DeviceError{Code: 99}, ErrNotFound) {
		t.Fatalf("unknown code must not match a sentinel")
	}
}

func TestErrorClassification(t *testing.T) {
	testlog.Start(t)

	badState := &DeviceError{Code: ErrCodeBadState}
	notFound := &DeviceError{Code: ErrCodeNotFound}
	full := &DeviceError{Code: ErrCodeTableFull}

	if !IsRetryable(badState) || IsRetryable(notFound) {
		t.Fatalf("retryable classification wrong")
	}
	if !IsCallerError(notFound) || IsCallerError(badState) {
		t.Fatalf("caller classification wrong")
	}
	if !IsResourceLimit(full) || IsResourceLimit(notFound) {
		t.Fatalf("resource classification wrong")
	}
}

func TestFrameErrorUnwrapsToErrFrame(t *testing.T) {
	testlog.Start(t)

	err := Truncated(byte(RespSent), 10, 3)
	if !errors.Is(err, ErrFrame) {
		t.Fatalf("expected ErrFrame, got=%v", err)
	}
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Need != 10 || fe.Have != 3 {
		t.Fatalf("unexpected frame error: %+v", fe)
	}
	if !errors.Is(Malformed(0x03, "bad"), ErrFrame) {
		t.Fatalf("malformed should unwrap to ErrFrame")
	}
}

func TestCodeStrings(t *testing.T) {
	testlog.Start(t)

	if CmdSendLogin.String() != "send_login" {
		t.Fatalf("got=%s", CmdSendLogin.String())
	}
	if PushCode(0xFE).String() != "push(0xfe)" {
		t.Fatalf("got=%s", PushCode(0xFE).String())
	}
	if !IsPush(byte(PushAdvert)) || IsPush(byte(RespOk)) {
		t.Fatalf("IsPush classification wrong")
	}
}
