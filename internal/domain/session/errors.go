package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Session lifecycle errors.
var (
	// ErrSpawnFailed indicates the child process could not be started.
	ErrSpawnFailed = errors.New("failed to spawn session")

	// ErrSessionTerminated resolves every request outstanding when a
	// session dies and every write attempted afterwards.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrRequestTimeout indicates the request deadline passed. The child
	// may still be working on it; a late reply is discarded.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrUnsupported indicates an operation that does not apply to the
	// session's framing, such as raw input on a JSON session.
	ErrUnsupported = errors.New("operation not supported by session")
)

// RemoteError is an error object returned by the child for a request.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return e.Message
}
