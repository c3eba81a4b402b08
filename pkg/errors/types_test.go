package errors

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeNotFound, "document profile not found")

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.Message != "document profile not found" {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Underlying != nil {
		t.Error("New should not set Underlying")
	}
	if err.Retryable {
		t.Error("Retryable should default to false")
	}
	if !strings.Contains(err.Op, "TestNew") {
		t.Errorf("Op = %q, want the creating function", err.Op)
	}
	if got := err.Error(); got != "[NOT_FOUND] document profile not found" {
		t.Errorf("Error() = %q", got)
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeInvalidInput, "unknown field %q", "age")
	if err.Message != `unknown field "age"` {
		t.Errorf("Message = %q", err.Message)
	}
	if !strings.Contains(err.Op, "TestNewf") {
		t.Errorf("Op = %q", err.Op)
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("database is locked")
	err := Wrap(underlying, ErrCodeStorageUnavailable, "insert entry")

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}
	if got := err.Error(); got != "[STORAGE_UNAVAILABLE] insert entry: database is locked" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should reach the underlying error")
	}
	if Wrap(nil, ErrCodeInternal, "nothing") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodePartialSync, "import failed").
		WithContext("total", 5).
		WithContext("failed", 2)

	if err.Context["failed"] != 2 {
		t.Error("Context should contain 'failed'")
	}
	if got := err.Error(); !strings.Contains(got, "{failed: 2, total: 5}") {
		t.Errorf("Error() should list context sorted, got %q", got)
	}
}

func TestLogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	err := Wrap(errors.New("503"), ErrCodeTransport, "upload").
		WithRetryable(true).
		WithContext("url", "http://sync")
	logger.Error("round failed", "err", err)

	out := buf.String()
	for _, want := range []string{"err.code=TRANSPORT", "err.msg=upload", "err.retryable=true", "err.url=http://sync", "err.cause=503"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

func TestIsCode(t *testing.T) {
	inner := New(ErrCodeNotFound, "missing")
	outer := Wrap(inner, ErrCodeTransport, "download")
	wrapped := fmt.Errorf("sync round: %w", outer)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct", inner, ErrCodeNotFound, true},
		{"other code", inner, ErrCodeTransport, false},
		{"outer through fmt", wrapped, ErrCodeTransport, true},
		{"nested", wrapped, ErrCodeNotFound, true},
		{"nil", nil, ErrCodeNotFound, false},
		{"plain", errors.New("x"), ErrCodeInternal, false},
	}
	for _, tt := range tests {
		if got := IsCode(tt.err, tt.code); got != tt.want {
			t.Errorf("%s: IsCode = %v, want %v", tt.name, got, tt.want)
		}
	}

	if GetCode(wrapped) != ErrCodeTransport {
		t.Errorf("GetCode = %v, want outermost code", GetCode(wrapped))
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(ErrCodeConfigInvalid, "x")); got != ErrCodeConfigInvalid {
		t.Errorf("GetCode = %v", got)
	}
	if GetCode(nil) != "" {
		t.Error("GetCode(nil) should be empty")
	}
	if GetCode(errors.New("plain")) != ErrCodeInternal {
		t.Error("GetCode should report INTERNAL for plain errors")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := New(ErrCodeTransport, "503").WithRetryable(true)

	if !retryable.IsRetryable() || !IsRetryable(retryable) {
		t.Error("marked error should be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", retryable)) {
		t.Error("IsRetryable should see through wrapping")
	}
	for _, err := range []error{New(ErrCodeConfigInvalid, "bad"), nil, errors.New("plain")} {
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true", err)
		}
	}
}
