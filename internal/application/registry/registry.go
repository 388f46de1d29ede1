// Package registry owns the daemon's live process sessions, at most one
// per session key.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
)

var (
	// ErrNotFound indicates no session is registered under the key.
	ErrNotFound = errors.New("session not found")

	// ErrClosed indicates the registry has been shut down.
	ErrClosed = errors.New("session registry closed")
)

// Handle is the part of a session the registry needs to manage its
// lifetime.
type Handle interface {
	Close(ctx context.Context) error
	Done() <-chan struct{}
}

// SpawnFunc starts a new session for a key.
type SpawnFunc[S Handle] func(ctx context.Context) (S, error)

type entry[S Handle] struct {
	ready   chan struct{} // closed once session/err are set
	session S
	err     error
}

func (e *entry[S]) isReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// live reports whether a ready entry holds a running session.
func (e *entry[S]) live() bool {
	if e.err != nil {
		return false
	}
	select {
	case <-e.session.Done():
		return false
	default:
		return true
	}
}

// Registry maps session keys to sessions. Its mutex guards only map
// insertions and removals; spawning and closing happen outside it, so a
// slow spawn for one key never blocks lookups for another.
type Registry[S Handle] struct {
	logger *logging.Logger

	mu      sync.Mutex
	entries map[session.Key]*entry[S]
	closed  bool
}

// New creates an empty registry.
func New[S Handle](logger *logging.Logger) *Registry[S] {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry[S]{
		logger:  logger.With("component", "registry"),
		entries: make(map[session.Key]*entry[S]),
	}
}

// GetOrCreate returns the live session for key, spawning it if needed.
// Concurrent callers for the same key share one spawn and receive the same
// session. A failed spawn is reported to every waiting caller and then
// forgotten, so the next call retries.
func (r *Registry[S]) GetOrCreate(ctx context.Context, key session.Key, spawn SpawnFunc[S]) (S, error) {
	var zero S
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return zero, ErrClosed
		}
		e, ok := r.entries[key]
		if ok && e.isReady() && !e.live() {
			// Dead but not yet evicted by its watcher.
			delete(r.entries, key)
			ok = false
		}
		if !ok {
			e = &entry[S]{ready: make(chan struct{})}
			r.entries[key] = e
			r.mu.Unlock()
			return r.create(ctx, key, e, spawn)
		}
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		if e.err != nil {
			return zero, e.err
		}
		if e.live() {
			return e.session, nil
		}
	}
}

func (r *Registry[S]) create(ctx context.Context, key session.Key, e *entry[S], spawn SpawnFunc[S]) (S, error) {
	var zero S
	s, err := spawn(ctx)

	r.mu.Lock()
	closed := r.closed
	if err != nil || closed {
		if r.entries[key] == e {
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	if err == nil && closed {
		s.Close(context.Background())
		err = ErrClosed
	}
	if err != nil {
		e.err = err
		close(e.ready)
		return zero, err
	}

	e.session = s
	close(e.ready)
	r.logger.Debug("session registered", "session_key", key.String())
	go r.watch(key, e)
	return s, nil
}

// watch evicts the entry when its session dies, unless the key has
// already been re-registered.
func (r *Registry[S]) watch(key session.Key, e *entry[S]) {
	<-e.session.Done()
	r.mu.Lock()
	evicted := r.entries[key] == e
	if evicted {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if evicted {
		r.logger.Debug("session evicted", "session_key", key.String())
	}
}

// Get returns the live session for key without spawning.
func (r *Registry[S]) Get(key session.Key) (S, bool) {
	var zero S
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok || !e.isReady() || !e.live() {
		return zero, false
	}
	return e.session, true
}

// Remove closes the session for key and forgets it. A spawn still in
// progress is waited for and then closed.
func (r *Registry[S]) Remove(ctx context.Context, key session.Key) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.err != nil {
		return nil
	}
	return e.session.Close(ctx)
}

// Keys returns the keys of live sessions of one class.
func (r *Registry[S]) Keys(class session.Class) []session.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]session.Key, 0, len(r.entries))
	for k, e := range r.entries {
		if k.Class == class && e.isReady() && e.live() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of registered entries, including spawns in
// progress.
func (r *Registry[S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll closes every session and rejects further spawns.
func (r *Registry[S]) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[session.Key]*entry[S])
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for key, e := range entries {
		wg.Add(1)
		go func(key session.Key, e *entry[S]) {
			defer wg.Done()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return
			}
			if e.err != nil {
				return
			}
			if err := e.session.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", key, err))
				mu.Unlock()
			}
		}(key, e)
	}
	wg.Wait()
	return errors.Join(errs...)
}
