package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
)

// ProcessSession is a supervised child process as seen by the application
// services. JSON-framed sessions support Request, Notify and Respond; raw
// sessions support WriteInput and, on a PTY, Resize. Unsupported calls
// return session.ErrUnsupported.
type ProcessSession interface {
	Key() session.Key

	// Request sends a request and waits for the matching response, the
	// timeout, ctx, or the death of the session, whichever comes first.
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)

	// Notify sends a notification; nothing is awaited.
	Notify(method string, params any) error

	// Respond answers a request the child initiated.
	Respond(id json.RawMessage, result json.RawMessage) error

	WriteInput(data []byte) error
	Resize(cols, rows uint16) error

	// Close terminates the child and resolves every pending request.
	Close(ctx context.Context) error

	// Done is closed once the session has terminated.
	Done() <-chan struct{}
}

// SessionLauncherPort spawns process sessions. Output of every launched
// session is published to the event hub.
type SessionLauncherPort interface {
	Launch(ctx context.Context, key session.Key, spec session.SpawnSpec) (ProcessSession, error)
}
