package session

import (
	"encoding/json"
	"time"
)

// EventKind classifies what a session emitted.
type EventKind string

const (
	// EventMessage is a JSON object from a JSON-framed child that was not a
	// response to a pending request.
	EventMessage EventKind = "message"

	// EventOutput is a chunk of raw output from a raw-framed child.
	EventOutput EventKind = "output"

	// EventTerminated is emitted exactly once when a session dies.
	EventTerminated EventKind = "terminated"
)

// Event is one unit of session output delivered to the event hub.
type Event struct {
	Key  Key
	Kind EventKind

	// Method is the JSON-RPC method of a message event; empty for an
	// unmatched response.
	Method string

	// Message is the complete JSON object as written by the child.
	Message json.RawMessage

	// Data holds raw output bytes for EventOutput.
	Data []byte

	// Err describes why the session terminated, if it was not a clean close.
	Err string

	At time.Time
}

// Sink receives session events. Implementations must not block.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Publish calls f(e).
func (f SinkFunc) Publish(e Event) { f(e) }
