// Package testutil provides in-memory process sessions and other helpers
// for testing the daemon's services without spawning children.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
)

// Call records one request or notification sent to a FakeSession.
type Call struct {
	Method string
	Params json.RawMessage
}

// Reply records one Respond call.
type Reply struct {
	ID     json.RawMessage
	Result json.RawMessage
}

// Handler answers a request sent to a FakeSession.
type Handler func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

// FakeSession is an in-memory ports.ProcessSession. Requests are answered by
// its handler; events are published to the sink it was created with.
type FakeSession struct {
	key  session.Key
	sink session.Sink
	spec session.SpawnSpec

	mu        sync.Mutex
	handler   Handler
	requests  []Call
	notifies  []Call
	replies   []Reply
	input     []byte
	cols      uint16
	rows      uint16
	dead      bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ ports.ProcessSession = (*FakeSession)(nil)

// NewFakeSession creates a live fake. sink may be nil.
func NewFakeSession(key session.Key, spec session.SpawnSpec, sink session.Sink) *FakeSession {
	return &FakeSession{
		key:  key,
		sink: sink,
		spec: spec,
		cols: spec.Cols,
		rows: spec.Rows,
		done: make(chan struct{}),
	}
}

// SetHandler replaces the request handler.
func (f *FakeSession) SetHandler(h Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Spec returns the spawn spec the fake was launched with.
func (f *FakeSession) Spec() session.SpawnSpec { return f.spec }

func (f *FakeSession) Key() session.Key { return f.key }

func (f *FakeSession) Done() <-chan struct{} { return f.done }

// Request records the call and runs the handler. Without a handler the
// result is null.
func (f *FakeSession) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return nil, session.ErrSessionTerminated
	}
	f.requests = append(f.requests, Call{Method: method, Params: raw})
	h := f.handler
	f.mu.Unlock()

	if h == nil {
		return json.RawMessage("null"), nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return h(ctx, method, raw)
}

func (f *FakeSession) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return session.ErrSessionTerminated
	}
	f.notifies = append(f.notifies, Call{Method: method, Params: raw})
	return nil
}

func (f *FakeSession) Respond(id json.RawMessage, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return session.ErrSessionTerminated
	}
	f.replies = append(f.replies, Reply{ID: id, Result: result})
	return nil
}

func (f *FakeSession) WriteInput(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return session.ErrSessionTerminated
	}
	f.input = append(f.input, data...)
	return nil
}

func (f *FakeSession) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return session.ErrSessionTerminated
	}
	f.cols, f.rows = cols, rows
	return nil
}

// Close ends the session cleanly.
func (f *FakeSession) Close(ctx context.Context) error {
	f.terminate("")
	return nil
}

// Crash ends the session as if the child died with cause.
func (f *FakeSession) Crash(cause string) {
	f.terminate(cause)
}

func (f *FakeSession) terminate(cause string) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.dead = true
		f.mu.Unlock()
		f.publish(session.Event{Key: f.key, Kind: session.EventTerminated, Err: cause, At: time.Now()})
		close(f.done)
	})
}

// Emit publishes a JSON message from the child.
func (f *FakeSession) Emit(method string, params any) {
	msg := map[string]any{"method": method}
	if params != nil {
		msg["params"] = params
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal %s: %v", method, err))
	}
	f.publish(session.Event{Key: f.key, Kind: session.EventMessage, Method: method, Message: raw, At: time.Now()})
}

// EmitOutput publishes raw output from the child.
func (f *FakeSession) EmitOutput(data string) {
	f.publish(session.Event{Key: f.key, Kind: session.EventOutput, Data: []byte(data), At: time.Now()})
}

func (f *FakeSession) publish(e session.Event) {
	if f.sink != nil {
		f.sink.Publish(e)
	}
}

// Requests returns the requests received so far.
func (f *FakeSession) Requests() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.requests...)
}

// Methods returns the method names of the requests received so far.
func (f *FakeSession) Methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, c := range f.requests {
		out[i] = c.Method
	}
	return out
}

// Notifications returns the notifications received so far.
func (f *FakeSession) Notifications() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.notifies...)
}

// Replies returns the Respond calls received so far.
func (f *FakeSession) Replies() []Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reply(nil), f.replies...)
}

// Input returns everything written with WriteInput.
func (f *FakeSession) Input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.input)
}

// Size returns the current window size.
func (f *FakeSession) Size() (cols, rows uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols, f.rows
}

// FakeLauncher is a ports.SessionLauncherPort producing FakeSessions.
type FakeLauncher struct {
	sink session.Sink

	mu       sync.Mutex
	setup    func(*FakeSession)
	err      error
	launched []*FakeSession
}

var _ ports.SessionLauncherPort = (*FakeLauncher)(nil)

// NewFakeLauncher creates a launcher whose sessions publish to sink.
func NewFakeLauncher(sink session.Sink) *FakeLauncher {
	return &FakeLauncher{sink: sink}
}

// OnLaunch configures each new session before it is returned.
func (l *FakeLauncher) OnLaunch(setup func(*FakeSession)) {
	l.mu.Lock()
	l.setup = setup
	l.mu.Unlock()
}

// FailWith makes subsequent launches fail with err; nil restores success.
func (l *FakeLauncher) FailWith(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *FakeLauncher) Launch(ctx context.Context, key session.Key, spec session.SpawnSpec) (ports.ProcessSession, error) {
	l.mu.Lock()
	err, setup := l.err, l.setup
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrSpawnFailed, err)
	}

	s := NewFakeSession(key, spec, l.sink)
	if setup != nil {
		setup(s)
	}
	l.mu.Lock()
	l.launched = append(l.launched, s)
	l.mu.Unlock()
	return s, nil
}

// Launched returns every session launched so far.
func (l *FakeLauncher) Launched() []*FakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeSession(nil), l.launched...)
}

// Last returns the most recently launched session, or nil.
func (l *FakeLauncher) Last() *FakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.launched) == 0 {
		return nil
	}
	return l.launched[len(l.launched)-1]
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, msg)
}
