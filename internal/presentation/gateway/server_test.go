package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbctechsolutions/codexmonitor/internal/application/agent"
	"github.com/jbctechsolutions/codexmonitor/internal/application/automemory"
	"github.com/jbctechsolutions/codexmonitor/internal/application/events"
	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	"github.com/jbctechsolutions/codexmonitor/internal/application/registry"
	"github.com/jbctechsolutions/codexmonitor/internal/application/terminal"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/settings"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/storage"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/testutil"
)

const testToken = "s3cret"

type stubWorkspaces struct {
	mu  sync.Mutex
	all map[string]*workspace.Workspace
}

func (s *stubWorkspaces) List(ctx context.Context) ([]*workspace.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workspace.Workspace, 0, len(s.all))
	for _, ws := range s.all {
		out = append(out, ws)
	}
	return out, nil
}

func (s *stubWorkspaces) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.all[id]
	if !ok {
		return nil, domainErrors.NewError(domainErrors.CodeNotFound, "workspace "+id, domainErrors.ErrWorkspaceNotFound)
	}
	return ws, nil
}

func (s *stubWorkspaces) Touch(ctx context.Context, id string) error { return nil }

func (s *stubWorkspaces) Add(ctx context.Context, opts workspace.CreateOptions) (*workspace.Workspace, error) {
	ws, err := workspace.New("ws-new", opts, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrInvalidParams, err)
	}
	s.mu.Lock()
	s.all[ws.ID] = ws
	s.mu.Unlock()
	return ws, nil
}

func (s *stubWorkspaces) Remove(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.all, id)
	s.mu.Unlock()
	return nil
}

type stubSettings struct{ s settings.AppSettings }

func (s *stubSettings) Get() settings.AppSettings { return s.s }

func (s *stubSettings) Update(ctx context.Context, patch json.RawMessage) (settings.AppSettings, error) {
	next := s.s.Clone()
	if err := json.Unmarshal(patch, &next); err != nil {
		return settings.AppSettings{}, err
	}
	s.s = next
	return next, nil
}

type stubBrowser struct{}

func (stubBrowser) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"called": method})
}

type stubFlusher struct{ err error }

func (f stubFlusher) FlushNow(ctx context.Context, ws, thread string, force bool) (*automemory.FlushResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &automemory.FlushResult{WorkspaceID: ws, ThreadID: thread, Reason: automemory.ReasonManual,
		Entries: []memory.Entry{{Kind: memory.KindDaily, Content: "x"}}}, nil
}

type harness struct {
	srv      *Server
	hub      *events.Hub
	launcher *testutil.FakeLauncher
	addr     string

	// block releases handlers waiting on it.
	block chan struct{}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	hub := events.NewHub(nil)
	t.Cleanup(hub.Close)
	reg := registry.New[ports.ProcessSession](nil)
	t.Cleanup(func() { reg.CloseAll(context.Background()) })

	h := &harness{hub: hub, block: make(chan struct{})}
	h.launcher = testutil.NewFakeLauncher(hub)
	h.launcher.OnLaunch(func(f *testutil.FakeSession) {
		f.SetHandler(func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			switch method {
			case "thread/start":
				select {
				case <-h.block:
					return json.RawMessage(`{"thread":{"id":"th-1"}}`), nil
				case <-f.Done():
					return nil, session.ErrSessionTerminated
				case <-ctx.Done():
					return nil, session.ErrRequestTimeout
				}
			case "model/list":
				return json.RawMessage(`{"data":[{"id":"gpt-5"}]}`), nil
			}
			return json.RawMessage(`{}`), nil
		})
	})

	dir := t.TempDir()
	workspaces := &stubWorkspaces{all: map[string]*workspace.Workspace{
		"ws-1": {ID: "ws-1", Name: "proj", Path: dir},
	}}
	agentSvc := agent.NewService(reg, h.launcher, workspaces, &stubSettings{}, hub,
		agent.Options{Version: "test", RequestTimeout: 5 * time.Second}, nil)
	termSvc := terminal.NewService(reg, h.launcher, workspaces, terminal.Options{Shell: "/bin/sh"}, nil)

	conn, err := storage.NewConnection(storage.MemoryPath)
	require.NoError(t, err)
	require.NoError(t, conn.Open())
	t.Cleanup(func() { conn.Close() })
	db, err := conn.DB()
	require.NoError(t, err)

	if opts.Token == "" {
		opts.Token = testToken
	}
	srv, err := New(opts, Services{
		Workspaces: workspaces,
		Agent:      agentSvc,
		Terminals:  termSvc,
		Browser:    stubBrowser{},
		Settings:   &stubSettings{s: settings.Default()},
		Memory:     storage.NewMemoryRepository(db),
		Flusher:    stubFlusher{err: domainErrors.NewError(domainErrors.CodeCoordinator, "flush rejected", domainErrors.ErrFlushCooldown)},
	}, hub, nil, nil)
	require.NoError(t, err)
	h.srv = srv

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

type message struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
		Kind    string `json:"kind"`
	} `json:"error"`
}

type client struct {
	t    *testing.T
	nc   net.Conn
	in   chan message
	next int

	mu      sync.Mutex
	pending map[string]message
	notes   []message
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })

	c := &client{t: t, nc: nc, in: make(chan message, 256), pending: map[string]message{}}
	go func() {
		defer close(c.in)
		sc := bufio.NewScanner(nc)
		sc.Buffer(nil, 1<<20)
		for sc.Scan() {
			var m message
			if json.Unmarshal(sc.Bytes(), &m) == nil {
				c.in <- m
			}
		}
	}()
	return c
}

func (c *client) send(method string, params any) string {
	c.t.Helper()
	c.next++
	id := fmt.Sprint(c.next)
	line, err := json.Marshal(map[string]any{"id": c.next, "method": method, "params": params})
	require.NoError(c.t, err)
	_, err = c.nc.Write(append(line, '\n'))
	require.NoError(c.t, err)
	return id
}

// wait returns the response with id, stashing anything else.
func (c *client) wait(id string) message {
	c.t.Helper()
	c.mu.Lock()
	if m, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.mu.Unlock()
		return m
	}
	c.mu.Unlock()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-c.in:
			require.True(c.t, ok, "connection closed while waiting for %s", id)
			if m.Method != "" && m.Result == nil && m.Error == nil {
				c.mu.Lock()
				c.notes = append(c.notes, m)
				c.mu.Unlock()
				continue
			}
			if string(m.ID) == id {
				return m
			}
			c.mu.Lock()
			c.pending[string(m.ID)] = m
			c.mu.Unlock()
		case <-timeout:
			c.t.Fatalf("no response for id %s", id)
		}
	}
}

func (c *client) call(method string, params any) message {
	c.t.Helper()
	return c.wait(c.send(method, params))
}

func (c *client) auth() {
	c.t.Helper()
	m := c.call("auth", map[string]string{"token": testToken})
	require.Nil(c.t, m.Error)
}

// notification waits for a notification with method.
func (c *client) notification(method string) message {
	c.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		for i, m := range c.notes {
			if m.Method == method {
				c.notes = append(c.notes[:i], c.notes[i+1:]...)
				c.mu.Unlock()
				return m
			}
		}
		c.mu.Unlock()
		select {
		case m, ok := <-c.in:
			require.True(c.t, ok, "connection closed while waiting for %s", method)
			c.mu.Lock()
			if m.Method != "" && m.Result == nil && m.Error == nil {
				c.notes = append(c.notes, m)
			} else {
				c.pending[string(m.ID)] = m
			}
			c.mu.Unlock()
		case <-deadline:
			c.t.Fatalf("no %s notification", method)
		}
	}
}

func (c *client) closed() bool {
	select {
	case _, ok := <-c.in:
		for ok {
			_, ok = <-c.in
		}
		return true
	case <-time.After(5 * time.Second):
		return false
	}
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Options{}, Services{}, events.NewHub(nil), nil, nil)
	require.Error(t, err)
	code, ok := domainErrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, domainErrors.CodeConfiguration, code)
}

func TestServer_RequiresAuth(t *testing.T) {
	h := newHarness(t, Options{})
	c := dial(t, h.addr)

	m := c.call("ping", nil)
	require.NotNil(t, m.Error)
	assert.Equal(t, "auth", m.Error.Kind)
	assert.Equal(t, "unauthorized", m.Error.Message)
	assert.Equal(t, "1", string(m.ID))

	m = c.call("auth", map[string]string{"token": "wrong"})
	require.NotNil(t, m.Error)
	assert.Equal(t, "auth", m.Error.Kind)
	assert.Equal(t, "invalid token", m.Error.Message)

	c.auth()
	m = c.call("ping", nil)
	require.Nil(t, m.Error)
	assert.JSONEq(t, `{"ok":true}`, string(m.Result))

	// A second auth is a no-op.
	c.auth()
	assert.Len(t, h.launcher.Launched(), 0, "unauthenticated calls must not spawn anything")
}

func TestServer_UnknownMethodAndBadParams(t *testing.T) {
	h := newHarness(t, Options{})
	c := dial(t, h.addr)
	c.auth()

	m := c.call("rm_rf", nil)
	require.NotNil(t, m.Error)
	assert.Equal(t, "validation", m.Error.Kind)
	assert.Equal(t, "unknown method: rm_rf", m.Error.Message)

	m = c.call("connect_workspace", map[string]string{})
	require.NotNil(t, m.Error)
	assert.Equal(t, "validation", m.Error.Kind)
	assert.Contains(t, m.Error.Message, "workspace_id is required")

	m = c.call("connect_workspace", map[string]string{"workspace_id": "nope"})
	require.NotNil(t, m.Error)
	assert.Equal(t, "not_found", m.Error.Kind)
}

func TestServer_MalformedLineClosesConnection(t *testing.T) {
	h := newHarness(t, Options{})
	c := dial(t, h.addr)

	_, err := c.nc.Write([]byte("{not json\n"))
	require.NoError(t, err)

	m, ok := <-c.in
	require.True(t, ok)
	require.NotNil(t, m.Error)
	assert.Equal(t, "transport", m.Error.Kind)
	assert.Equal(t, "null", string(m.ID))
	assert.True(t, c.closed())
}

func TestServer_OversizeLineClosesConnection(t *testing.T) {
	h := newHarness(t, Options{MaxLineBytes: 1024})
	c := dial(t, h.addr)
	c.auth()

	big := strings.Repeat("x", 4096)
	_, err := c.nc.Write([]byte(`{"id":9,"method":"ping","params":"` + big + "\"}\n"))
	require.NoError(t, err)

	m, ok := <-c.in
	require.True(t, ok)
	require.NotNil(t, m.Error)
	assert.Equal(t, "transport", m.Error.Kind)
	assert.Contains(t, m.Error.Message, "message exceeds maximum size")
	assert.True(t, c.closed())
}

func TestServer_WorkspaceAndAgentCalls(t *testing.T) {
	h := newHarness(t, Options{})
	c := dial(t, h.addr)
	c.auth()

	m := c.call("connect_workspace", map[string]string{"workspace_id": "ws-1"})
	require.Nil(t, m.Error)

	m = c.call("list_workspaces", nil)
	require.Nil(t, m.Error)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(m.Result, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "ws-1", list[0]["id"])
	assert.Equal(t, true, list[0]["connected"])

	m = c.call("model_list", map[string]string{"workspace_id": "ws-1"})
	require.Nil(t, m.Error)
	assert.JSONEq(t, `{"data":[{"id":"gpt-5"}]}`, string(m.Result))

	m = c.call("browser_navigate", map[string]string{"url": "https://example.com"})
	require.Nil(t, m.Error)
	assert.JSONEq(t, `{"called":"browser_navigate"}`, string(m.Result))

	m = c.call("memory_flush_now", map[string]string{"workspace_id": "ws-1", "thread_id": "th-1"})
	require.NotNil(t, m.Error)
	assert.Equal(t, "validation", m.Error.Kind)
	assert.Equal(t, "flush rejected: memory flush cooldown active", m.Error.Message)
}

func TestServer_MemoryRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	c := dial(t, h.addr)
	c.auth()

	m := c.call("memory_append", map[string]any{"kind": "curated", "content": "uses sqlite", "tags": []string{"db"}})
	require.Nil(t, m.Error)

	m = c.call("memory_search", map[string]any{"query": "sqlite"})
	require.Nil(t, m.Error)
	var res struct {
		Entries []struct {
			Content string `json:"content"`
			Kind    string `json:"kind"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(m.Result, &res))
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "uses sqlite", res.Entries[0].Content)
	assert.Equal(t, "curated", res.Entries[0].Kind)

	m = c.call("memory_append", map[string]any{"kind": "weekly", "content": "x"})
	require.NotNil(t, m.Error)
	assert.Equal(t, "validation", m.Error.Kind)
}

func TestServer_SlowRequestDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, Options{})
	c := dial(t, h.addr)
	c.auth()

	slow := c.send("start_thread", map[string]string{"workspace_id": "ws-1"})
	m := c.call("ping", nil)
	require.Nil(t, m.Error, "ping must be answered while start_thread is pending")

	close(h.block)
	m = c.wait(slow)
	require.Nil(t, m.Error)
	assert.JSONEq(t, `{"thread":{"id":"th-1"}}`, string(m.Result))
}

func TestServer_HalfCloseStillAnswered(t *testing.T) {
	h := newHarness(t, Options{})
	c := dial(t, h.addr)
	c.auth()

	models := c.send("model_list", map[string]string{"workspace_id": "ws-1"})
	ping := c.send("ping", nil)
	require.NoError(t, c.nc.(*net.TCPConn).CloseWrite())

	m := c.wait(models)
	require.Nil(t, m.Error)
	assert.JSONEq(t, `{"data":[{"id":"gpt-5"}]}`, string(m.Result))
	m = c.wait(ping)
	require.Nil(t, m.Error)
	assert.True(t, c.closed(), "server should close after answering")
}

func TestServer_CrashResolvesPendingAndRespawns(t *testing.T) {
	h := newHarness(t, Options{})
	c := dial(t, h.addr)
	c.auth()

	pending := c.send("start_thread", map[string]string{"workspace_id": "ws-1"})
	testutil.WaitFor(t, 5*time.Second, func() bool {
		f := h.launcher.Last()
		if f == nil {
			return false
		}
		for _, m := range f.Methods() {
			if m == "thread/start" {
				return true
			}
		}
		return false
	}, "thread/start never reached the agent")

	h.launcher.Last().Crash("signal: killed")

	m := c.wait(pending)
	require.NotNil(t, m.Error)
	assert.Equal(t, "session", m.Error.Kind)

	n := c.notification("session-terminated")
	assert.JSONEq(t, `{"class":"agent","id":"ws-1","workspace_id":"ws-1","error":"signal: killed"}`, string(n.Params))

	// The next request spawns a fresh app-server.
	testutil.WaitFor(t, 5*time.Second, func() bool {
		m := c.call("model_list", map[string]string{"workspace_id": "ws-1"})
		return m.Error == nil
	}, "model_list never succeeded after the crash")
	assert.Len(t, h.launcher.Launched(), 2)
}

func TestServer_TerminalRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	c := dial(t, h.addr)
	c.auth()

	m := c.call("terminal_open", map[string]any{"workspace_id": "ws-1", "terminal_id": "main", "cols": 80, "rows": 24})
	require.Nil(t, m.Error)
	assert.JSONEq(t, `{"terminal_id":"main"}`, string(m.Result))

	m = c.call("terminal_write", map[string]any{"workspace_id": "ws-1", "terminal_id": "main", "data": "ls\n"})
	require.Nil(t, m.Error)
	f := h.launcher.Last()
	assert.Equal(t, "ls\n", f.Input())

	f.EmitOutput("README.md\r\n")
	n := c.notification("terminal-output")
	assert.JSONEq(t, `{"workspace_id":"ws-1","terminal_id":"main","data":"README.md\r\n"}`, string(n.Params))

	m = c.call("terminal_resize", map[string]any{"workspace_id": "ws-1", "terminal_id": "main", "cols": 120, "rows": 40})
	require.Nil(t, m.Error)
	cols, rows := f.Size()
	assert.Equal(t, uint16(120), cols)
	assert.Equal(t, uint16(40), rows)

	m = c.call("terminal_close", map[string]any{"workspace_id": "ws-1", "terminal_id": "main"})
	require.Nil(t, m.Error)
	c.notification("terminal-exit")

	m = c.call("terminal_write", map[string]any{"workspace_id": "ws-1", "terminal_id": "main", "data": "x"})
	require.NotNil(t, m.Error)
	assert.Equal(t, "not_found", m.Error.Kind)
}

func TestServer_NotificationsOnlyAfterAuth(t *testing.T) {
	h := newHarness(t, Options{})
	anon := dial(t, h.addr)
	c := dial(t, h.addr)
	c.auth()

	testutil.WaitFor(t, 5*time.Second, func() bool { return h.hub.Len() == 1 }, "authenticated client never subscribed")
	h.hub.Publish(session.Event{Key: session.AgentKey("ws-1"), Kind: session.EventMessage, Message: json.RawMessage(`{"method":"x"}`)})
	c.notification("app-server-event")

	// The unauthenticated connection still gets only responses.
	m := anon.call("ping", nil)
	require.NotNil(t, m.Error)
	anon.mu.Lock()
	assert.Empty(t, anon.notes)
	anon.mu.Unlock()
}

func TestServer_ShutdownClosesClients(t *testing.T) {
	hub := events.NewHub(nil)
	srv, err := New(Options{Token: testToken}, Services{}, hub, nil, nil)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := dial(t, ln.Addr().String())
	c.auth()
	assert.Equal(t, 1, srv.Connections())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.True(t, c.closed())
}
