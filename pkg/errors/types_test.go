package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeToolNotFound, "tool frobnicate not found")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}
	if err.Code != ErrCodeToolNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeToolNotFound)
	}
	if err.Message != "tool frobnicate not found" {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}
	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}
	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeInvalidArguments, "field %q is required", "title")
	if err.Message != `field "title" is required` {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("disk full")
	err := Wrap(underlying, ErrCodeStorageWrite, "failed to insert todo")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}
	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Error("Error string should include underlying error")
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should see through Wrap")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeToolExecution, "tool failed").
		WithContext("tool", "create_todo").
		WithContext("attempt", 1)

	if err.Context["tool"] != "create_todo" {
		t.Error("Context should contain 'tool' key")
	}

	got := err.Error()
	want := "[TOOL_EXECUTION] tool failed {attempt: 1, tool: create_todo}"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestPublic(t *testing.T) {
	err := New(ErrCodeModelAPIError, "status 502 from upstream")
	if err.Public() != "status 502 from upstream" {
		t.Errorf("Public() without user message = %q", err.Public())
	}
	err.WithUserMessage("the model endpoint is unavailable")
	if err.Public() != "the model endpoint is unavailable" {
		t.Errorf("Public() = %q", err.Public())
	}
}

func TestIsCode(t *testing.T) {
	base := New(ErrCodeInvalidSequence, "bad turn")
	wrapped := fmt.Errorf("append: %w", base)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct", base, ErrCodeInvalidSequence, true},
		{"wrapped by fmt", wrapped, ErrCodeInvalidSequence, true},
		{"other code", base, ErrCodeInternal, false},
		{"plain error", errors.New("x"), ErrCodeInternal, false},
		{"nil", nil, ErrCodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCode(tt.err, tt.code); got != tt.want {
				t.Errorf("IsCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	if GetCode(nil) != "" {
		t.Error("GetCode(nil) should be empty")
	}
	if GetCode(errors.New("plain")) != ErrCodeInternal {
		t.Error("plain errors should map to INTERNAL")
	}
	if GetCode(New(ErrCodeToolTimeout, "slow")) != ErrCodeToolTimeout {
		t.Error("GetCode should return the structured code")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
	err := New(ErrCodeModelAPIError, "503").WithRetryable(true)
	if !IsRetryable(fmt.Errorf("wrapped: %w", err)) {
		t.Error("retryable flag should survive wrapping")
	}
}
