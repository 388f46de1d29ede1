// Package errors provides domain-specific errors for the codexmonitor daemon.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common domain error conditions.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUnknownMethod      = errors.New("unknown method")
	ErrInvalidParams      = errors.New("invalid params")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrMessageTooLarge    = errors.New("message exceeds maximum size")
	ErrWorkspaceNotFound  = errors.New("workspace not found")
	ErrWorkspaceExists    = errors.New("workspace already exists")
	ErrTerminalNotFound   = errors.New("terminal not found")
	ErrFlushCooldown      = errors.New("memory flush cooldown active")
	ErrAutoMemoryDisabled = errors.New("auto memory disabled")
)

// ErrorCode categorizes errors for handling and reporting.
type ErrorCode string

const (
	CodeTransport     ErrorCode = "TRANSPORT"
	CodeAuth          ErrorCode = "AUTH"
	CodeSession       ErrorCode = "SESSION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeCoordinator   ErrorCode = "COORDINATOR"
	CodeConfiguration ErrorCode = "CONFIG"
)

// MonitorError wraps errors with additional context for debugging and handling.
type MonitorError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error returns a formatted error string including the code, message, and cause if present.
func (e *MonitorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for use with errors.Is and errors.As.
func (e *MonitorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new MonitorError with the given code, message, and optional cause.
func NewError(code ErrorCode, message string, cause error) *MonitorError {
	return &MonitorError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error's context and returns the error.
func WithContext(err *MonitorError, key string, value interface{}) *MonitorError {
	if err.Context == nil {
		err.Context = make(map[string]interface{})
	}
	err.Context[key] = value
	return err
}

// CodeOf returns the code of the first MonitorError in err's chain.
// The second result is false when the chain carries no MonitorError.
func CodeOf(err error) (ErrorCode, bool) {
	var me *MonitorError
	if errors.As(err, &me) {
		return me.Code, true
	}
	return "", false
}

// Is reports whether err matches target using errors.Is semantics.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
