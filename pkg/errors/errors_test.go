// errors_test.go — 验证 AppError / Wrap / Wrapf 的行为契约。
package errors

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// TestWrapUnwrap 验证 Wrap 保留原始错误链，errors.Is 和 errors.As 正常工作。
func TestWrapUnwrap(t *testing.T) {
	original := ErrNotFound
	wrapped := Wrap(original, "AttemptStore.Get", "attempt not found")

	// errors.Is 能通过 Wrap 找到哨兵错误
	if !errors.Is(wrapped, ErrNotFound) {
		t.Errorf("errors.Is(wrapped, ErrNotFound) = false, want true")
	}

	// errors.Is 对不相关错误返回 false
	if errors.Is(wrapped, ErrTimeout) {
		t.Errorf("errors.Is(wrapped, ErrTimeout) = true, want false")
	}

	// errors.As 能提取 AppError
	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatalf("errors.As failed to extract *AppError")
	}
	if appErr.Op != "AttemptStore.Get" {
		t.Errorf("Op = %q, want %q", appErr.Op, "AttemptStore.Get")
	}
	if appErr.Message != "attempt not found" {
		t.Errorf("Message = %q, want %q", appErr.Message, "attempt not found")
	}
}

// TestWrapErrorString 验证 Error() 输出包含 op、message 和 cause。
func TestWrapErrorString(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	wrapped := Wrap(cause, "Client.readLoop", "read failed")

	s := wrapped.Error()
	for _, want := range []string{"Client.readLoop", "read failed", "unexpected EOF"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q, missing %q", s, want)
		}
	}
}

// TestWrapfFormat 验证 Wrapf 格式化消息。
func TestWrapfFormat(t *testing.T) {
	cause := ErrMalformedEvent
	wrapped := Wrapf(cause, "DecodeEvent", "kind %s missing %s", "tool_outcome", "toolCallId")

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("errors.As failed")
	}
	if !strings.Contains(appErr.Message, "kind tool_outcome missing toolCallId") {
		t.Errorf("Message = %q, want to contain 'kind tool_outcome missing toolCallId'", appErr.Message)
	}
	if !errors.Is(wrapped, ErrMalformedEvent) {
		t.Error("errors.Is(wrapped, ErrMalformedEvent) = false, want true")
	}
}

// TestNewWithoutCause 验证 New 创建无 cause 的错误。
func TestNewWithoutCause(t *testing.T) {
	err := New("Router.Start", "channel not connected")
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatal("errors.As failed")
	}
	if appErr.Err != nil {
		t.Errorf("Err = %v, want nil", appErr.Err)
	}
	// Unwrap 返回 nil
	if errors.Unwrap(err) != nil {
		t.Errorf("Unwrap = %v, want nil", errors.Unwrap(err))
	}
}

// TestDoubleWrap 验证二次包装时 errors.Is 仍能找到最深层哨兵。
func TestDoubleWrap(t *testing.T) {
	inner := Wrap(ErrChannelClosed, "Client.call", "write failed")
	outer := Wrap(inner, "Router.Cancel", "cancel not delivered")

	if !errors.Is(outer, ErrChannelClosed) {
		t.Error("errors.Is(outer, ErrChannelClosed) = false after double wrap")
	}

	var appErr *AppError
	if !errors.As(outer, &appErr) {
		t.Fatal("errors.As failed on outer")
	}
	if appErr.Op != "Router.Cancel" {
		t.Errorf("Op = %q, want Router.Cancel", appErr.Op)
	}
}
