// Package events fans session events out to subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
)

// DefaultBufferSize is the per-subscriber queue length used when Subscribe
// is given a non-positive size.
const DefaultBufferSize = 256

// Filter selects the events a subscriber receives. A nil filter accepts
// everything.
type Filter func(session.Event) bool

// Hub broadcasts every published event to the subscribers registered at
// publish time. There is no replay: a subscriber only sees events
// published after Subscribe returns.
type Hub struct {
	logger *logging.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

var _ session.Sink = (*Hub)(nil)

// NewHub creates a hub with no subscribers.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		logger: logger.With("component", "event_hub"),
		subs:   make(map[uint64]*Subscription),
	}
}

// Publish delivers e to every current subscriber. It never blocks: a full
// subscriber queue loses its oldest event instead.
func (h *Hub) Publish(e session.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.offer(e)
	}
}

// Subscribe registers a new subscriber with its own bounded queue.
func (h *Hub) Subscribe(bufferSize int, filter Filter) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		hub:    h,
		id:     h.nextID,
		filter: filter,
		out:    make(chan session.Event, bufferSize),
	}
	h.subs[sub.id] = sub
	return sub
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription is one subscriber's delivery path.
type Subscription struct {
	hub    *Hub
	id     uint64
	filter Filter

	mu      sync.Mutex // serializes producers and guards closed
	out     chan session.Event
	closed  bool
	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed when the subscription is.
func (s *Subscription) C() <-chan session.Event { return s.out }

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}

func (s *Subscription) offer(e session.Event) {
	if !s.accepts(e) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.out <- e:
			return
		default:
		}
		// Full: discard the oldest queued event. Only the consumer can race
		// with us here, and it only makes more room.
		select {
		case <-s.out:
			if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
				s.hub.logger.Debug("subscriber queue full, dropping oldest", "subscriber", s.id, "dropped", n)
			}
		default:
		}
	}
}

// accepts runs the filter, treating a panic as a rejection for this
// subscriber only.
func (s *Subscription) accepts(e session.Event) (ok bool) {
	if s.filter == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			s.hub.logger.Error("subscriber filter panicked", "subscriber", s.id, "panic", r)
			ok = false
		}
	}()
	return s.filter(e)
}
