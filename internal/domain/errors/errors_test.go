package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ErrUnauthorized", ErrUnauthorized, "unauthorized"},
		{"ErrInvalidToken", ErrInvalidToken, "invalid token"},
		{"ErrUnknownMethod", ErrUnknownMethod, "unknown method"},
		{"ErrWorkspaceNotFound", ErrWorkspaceNotFound, "workspace not found"},
		{"ErrMessageTooLarge", ErrMessageTooLarge, "message exceeds maximum size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMonitorError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *MonitorError
		want string
	}{
		{
			name: "with cause",
			err:  NewError(CodeValidation, "bad params", ErrInvalidParams),
			want: "[VALIDATION] bad params: invalid params",
		},
		{
			name: "without cause",
			err:  NewError(CodeNotFound, "workspace lookup failed", nil),
			want: "[NOT_FOUND] workspace lookup failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMonitorError_Unwrap(t *testing.T) {
	err := NewError(CodeNotFound, "lookup failed", ErrWorkspaceNotFound)

	if !errors.Is(err, ErrWorkspaceNotFound) {
		t.Error("errors.Is should find the cause")
	}
	if err.Unwrap() != ErrWorkspaceNotFound {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), ErrWorkspaceNotFound)
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewError(CodeTimeout, "deadline", nil))

	code, ok := CodeOf(wrapped)
	if !ok {
		t.Fatal("CodeOf() should find a MonitorError in the chain")
	}
	if code != CodeTimeout {
		t.Errorf("CodeOf() = %q, want %q", code, CodeTimeout)
	}

	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Error("CodeOf() should report false for plain errors")
	}
}

func TestWithContext(t *testing.T) {
	err := WithContext(NewError(CodeSession, "spawn failed", nil), "workspace_id", "ws-1")

	if err.Context["workspace_id"] != "ws-1" {
		t.Errorf("Context[workspace_id] = %v, want ws-1", err.Context["workspace_id"])
	}

	bare := &MonitorError{Code: CodeSession}
	WithContext(bare, "k", 1)
	if bare.Context["k"] != 1 {
		t.Error("WithContext should initialize a nil context map")
	}
}
