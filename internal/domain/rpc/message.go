// Package rpc defines the newline-delimited JSON protocol spoken between
// clients and the daemon's gateway.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
)

// Request is a client call. ID is client-assigned and echoed verbatim.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// HasID reports whether the request carries an id. Requests without one
// are still answered, with a null id.
func (r *Request) HasID() bool {
	return len(r.ID) > 0 && !bytes.Equal(r.ID, []byte("null"))
}

// Response answers one Request. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// Notification is pushed to clients without an id.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// ErrorKind tells clients which failure class an error belongs to, so a
// timeout ("may still be running") can be told apart from a failure.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindAuth       ErrorKind = "auth"
	KindSession    ErrorKind = "session"
	KindTimeout    ErrorKind = "timeout"
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindInternal   ErrorKind = "internal"
)

// ErrorBody is the wire form of an error.
type ErrorBody struct {
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// NewResult builds a success response. A nil result is sent as JSON null.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{ID: normalizeID(id), Result: data}, nil
}

// NewError builds an error response.
func NewError(id json.RawMessage, kind ErrorKind, message string) *Response {
	return &Response{ID: normalizeID(id), Error: &ErrorBody{Message: message, Kind: kind}}
}

// DecodeRequest parses one line into a Request.
func DecodeRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrMalformedMessage, err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("%w: missing method", domainErrors.ErrMalformedMessage)
	}
	return &req, nil
}

// Encode marshals v as one protocol line including the trailing newline.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
