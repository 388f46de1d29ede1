package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jbctechsolutions/codexmonitor/internal/application/events"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/rpc"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
)

// conn is one client connection. The reader runs on the serve goroutine;
// a writer goroutine owns the socket's write side; after auth a forwarder
// goroutine relays hub events; each authenticated request gets its own
// goroutine, bounded by sem.
type conn struct {
	srv    *Server
	nc     net.Conn
	id     string
	logger *logging.Logger

	authed atomic.Bool
	out    chan []byte
	drain  chan chan struct{}
	sem    chan struct{}
	wmu    sync.Mutex // held while writing to nc

	mu     sync.Mutex
	sub    *events.Subscription
	reason error

	closed    chan struct{}
	closeOnce sync.Once
	requests  sync.WaitGroup
}

func newConn(s *Server, nc net.Conn) *conn {
	id := uuid.New().String()
	return &conn{
		srv:    s,
		nc:     nc,
		id:     id,
		logger: s.logger.With("conn_id", id),
		out:    make(chan []byte, s.opts.WriteQueueSize),
		drain:  make(chan chan struct{}),
		sem:    make(chan struct{}, s.opts.MaxConcurrentRequests),
		closed: make(chan struct{}),
	}
}

func (c *conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(logging.WithConnID(parent, c.id))
	defer cancel()
	logging.LogClientConnected(ctx, c.srv.logger, c.nc.RemoteAddr().String())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	err := c.readLoop(ctx)
	if errors.Is(err, io.EOF) {
		// The peer may only have half-closed; answer what it already sent.
		c.requests.Wait()
		c.flush()
	}
	c.close(err)
	cancel()
	c.requests.Wait()
	<-writerDone

	var dropped uint64
	c.mu.Lock()
	if c.sub != nil {
		dropped = c.sub.Dropped()
	}
	reason := c.reason
	c.mu.Unlock()
	logging.LogClientDisconnected(ctx, c.srv.logger, reason, dropped)
}

// readLoop reads requests until EOF or a protocol error. An oversize or
// malformed line is answered with a transport error and ends the
// connection.
func (c *conn) readLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, min(64*1024, c.srv.opts.MaxLineBytes)), c.srv.opts.MaxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := rpc.DecodeRequest(line)
		if err != nil {
			c.reject(rpc.NewError(nil, rpc.KindTransport, err.Error()))
			return err
		}
		c.route(ctx, req)
	}

	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		err = fmt.Errorf("%w: limit is %d bytes", domainErrors.ErrMessageTooLarge, c.srv.opts.MaxLineBytes)
		c.reject(rpc.NewError(nil, rpc.KindTransport, err.Error()))
		return err
	case err == nil:
		return io.EOF
	default:
		return err
	}
}

// route answers auth and unauthenticated requests inline so their
// responses are ordered before anything sent after them. Everything else
// runs concurrently.
func (c *conn) route(ctx context.Context, req *rpc.Request) {
	if req.Method == string(rpc.MethodAuth) {
		c.send(c.authenticate(ctx, req))
		return
	}
	if !c.authed.Load() {
		c.send(rpc.NewError(req.ID, rpc.KindAuth, domainErrors.ErrUnauthorized.Error()))
		return
	}

	select {
	case c.sem <- struct{}{}:
	case <-c.closed:
		return
	}
	c.requests.Add(1)
	go func() {
		defer c.requests.Done()
		defer func() { <-c.sem }()
		c.send(c.handle(ctx, req))
	}()
}

func (c *conn) authenticate(ctx context.Context, req *rpc.Request) *rpc.Response {
	if c.authed.Load() {
		return mustResult(req.ID, okResult)
	}
	p, err := rpc.DecodeParams[rpc.AuthParams](req.Params)
	if err != nil || !c.srv.checkToken(p.Token) {
		c.logger.WarnContext(ctx, "client failed authentication", "remote", c.nc.RemoteAddr().String())
		return rpc.NewError(req.ID, rpc.KindAuth, domainErrors.ErrInvalidToken.Error())
	}

	sub := c.srv.hub.Subscribe(c.srv.opts.SubscriberBuffer, nil)
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		sub.Close()
		return rpc.NewError(req.ID, rpc.KindTransport, "connection closed")
	default:
	}
	c.sub = sub
	c.mu.Unlock()
	c.authed.Store(true)

	go c.forward(sub)
	c.logger.InfoContext(ctx, "client authenticated")
	return mustResult(req.ID, okResult)
}

func (c *conn) handle(ctx context.Context, req *rpc.Request) *rpc.Response {
	start := time.Now()
	ctx = logging.WithMethod(ctx, req.Method)
	ctx, span := c.srv.tracer.StartRequestSpan(ctx, req.Method, c.id)

	method, ok := rpc.ParseMethod(req.Method)
	var (
		result any
		err    error
	)
	if ok {
		result, err = c.srv.dispatch(ctx, method, req.Params)
	} else {
		err = fmt.Errorf("%w: %s", domainErrors.ErrUnknownMethod, req.Method)
	}

	if err != nil {
		kind, msg := errorBody(err)
		span.EndWithError(err, string(kind))
		logging.LogRequestFailed(ctx, c.logger, string(kind), err, time.Since(start))
		return rpc.NewError(req.ID, kind, msg)
	}
	resp, err := rpc.NewResult(req.ID, result)
	if err != nil {
		span.EndWithError(err, string(rpc.KindInternal))
		return rpc.NewError(req.ID, rpc.KindInternal, err.Error())
	}
	span.End()
	return resp
}

// forward relays hub events until the subscription closes.
func (c *conn) forward(sub *events.Subscription) {
	for e := range sub.C() {
		for _, n := range notificationsFor(e) {
			line, err := rpc.Encode(n)
			if err != nil {
				c.logger.Error("failed to encode notification", "method", n.Method, "error", err)
				continue
			}
			if !c.enqueue(line) {
				return
			}
		}
	}
}

func (c *conn) send(resp *rpc.Response) {
	line, err := rpc.Encode(resp)
	if err != nil {
		c.logger.Error("failed to encode response", "error", err)
		return
	}
	c.enqueue(line)
}

// sendFinal writes a last response straight to the socket, after anything
// already queued, before the connection is torn down.
func (c *conn) sendFinal(resp *rpc.Response) {
	line, err := rpc.Encode(resp)
	if err != nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(finalWriteTimeout))
	for drained := false; !drained; {
		select {
		case queued := <-c.out:
			if _, err := c.nc.Write(queued); err != nil {
				return
			}
		default:
			drained = true
		}
	}
	_, _ = c.nc.Write(line)
}

// reject answers a protocol violation and half-closes the connection.
// Unread input is discarded first so the peer sees the error instead of a
// reset.
func (c *conn) reject(resp *rpc.Response) {
	c.sendFinal(resp)
	if hc, ok := c.nc.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(finalWriteTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(c.nc, int64(c.srv.opts.MaxLineBytes)))
}

// enqueue blocks while the write queue is full. It reports false once the
// connection is closed.
func (c *conn) enqueue(line []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- line:
		return true
	case <-c.closed:
		return false
	}
}

// flush waits until everything queued so far has been written.
func (c *conn) flush() {
	ack := make(chan struct{})
	select {
	case c.drain <- ack:
	case <-c.closed:
		return
	}
	select {
	case <-ack:
	case <-c.closed:
	}
}

func (c *conn) writeLoop() {
	w := bufio.NewWriter(c.nc)
	for {
		var err error
		select {
		case <-c.closed:
			return
		case line := <-c.out:
			c.wmu.Lock()
			err = c.writeBatch(w, line)
			c.wmu.Unlock()
		case ack := <-c.drain:
			c.wmu.Lock()
			err = c.writeBatch(w, nil)
			c.wmu.Unlock()
			close(ack)
		}
		if err != nil {
			c.close(err)
			return
		}
	}
}

// writeBatch writes line plus whatever is already queued in one flush.
func (c *conn) writeBatch(w *bufio.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return err
	}
	for n := len(c.out); n > 0; n-- {
		if _, err := w.Write(<-c.out); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (c *conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		sub := c.sub
		close(c.closed)
		c.mu.Unlock()

		c.nc.Close()
		if sub != nil {
			sub.Close()
		}
	})
}

const finalWriteTimeout = time.Second

var okResult = map[string]bool{"ok": true}

func mustResult(id json.RawMessage, v any) *rpc.Response {
	resp, err := rpc.NewResult(id, v)
	if err != nil {
		return rpc.NewError(id, rpc.KindInternal, err.Error())
	}
	return resp
}
