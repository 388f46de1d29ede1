// Package gateway serves the newline-delimited JSON protocol to TCP
// clients: shared-token auth, concurrent request dispatch, and fan-out of
// session events as notifications.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/jbctechsolutions/codexmonitor/internal/application/events"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/tracing"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxLineBytes          = 8 << 20
	DefaultMaxConcurrentRequests = 64
	DefaultWriteQueueSize        = 1024
	DefaultSubscriberBuffer      = 1024
)

// Options tune the gateway.
type Options struct {
	Token                 string
	MaxLineBytes          int
	MaxConcurrentRequests int
	WriteQueueSize        int
	SubscriberBuffer      int
}

func (o *Options) applyDefaults() {
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	if o.MaxConcurrentRequests <= 0 {
		o.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = DefaultWriteQueueSize
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
}

// Server accepts client connections.
type Server struct {
	opts        Options
	tokenDigest [32]byte
	services    Services
	hub         *events.Hub
	tracer      *tracing.Tracer
	logger      *logging.Logger

	mu       sync.Mutex
	conns    map[*conn]struct{}
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a server. An empty token is rejected: the gateway never runs
// unauthenticated.
func New(opts Options, services Services, hub *events.Hub, tracer *tracing.Tracer, logger *logging.Logger) (*Server, error) {
	if opts.Token == "" {
		return nil, domainErrors.NewError(domainErrors.CodeConfiguration, "gateway token is empty", domainErrors.ErrInvalidToken)
	}
	opts.applyDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	if tracer == nil {
		tracer = tracing.Nop()
	}
	return &Server{
		opts:        opts,
		tokenDigest: blake3.Sum256([]byte(opts.Token)),
		services:    services,
		hub:         hub,
		tracer:      tracer,
		logger:      logger.With("component", "gateway"),
		conns:       make(map[*conn]struct{}),
	}, nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return domainErrors.NewError(domainErrors.CodeTransport, fmt.Sprintf("failed to listen on %s", addr), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var err error
	for {
		nc, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = domainErrors.NewError(domainErrors.CodeTransport, "accept failed", aerr)
			}
			break
		}
		c := newConn(s, nc)
		if !s.track(c) {
			nc.Close()
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			c.serve(ctx)
		}()
	}

	s.closeAll()
	s.wg.Wait()
	s.logger.Info("gateway stopped")
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for c := range conns {
		c.close(errServerClosing)
	}
}

var errServerClosing = errors.New("server shutting down")
