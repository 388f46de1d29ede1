package automemory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbctechsolutions/codexmonitor/internal/application/agent"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/storage"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/tokenizer"
)

const (
	testWorkspace = "ws-1"
	testThread    = "th-1"
	testWindow    = 100000 // usable 80000, threshold 76000 with testSettings
)

type fakeAgent struct {
	mu         sync.Mutex
	history    agent.History
	historyErr error
	reply      string
	turnErr    error
	prompts    []string
	ephemeral  map[string]bool
}

func (a *fakeAgent) RecentTurns(ctx context.Context, workspaceID, threadID string, maxTurns int) (agent.History, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history, a.historyErr
}

func (a *fakeAgent) RunTurn(ctx context.Context, workspaceID, prompt string, timeout time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)
	return a.reply, a.turnErr
}

func (a *fakeAgent) IsEphemeral(threadID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ephemeral[threadID]
}

func (a *fakeAgent) turns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

func (a *fakeAgent) set(reply string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reply, a.turnErr = reply, err
}

type stubSettings struct{ s memory.AutoMemorySettings }

func (s *stubSettings) AutoMemory() memory.AutoMemorySettings { return s.s }

type stubWorkspaces struct{}

func (stubWorkspaces) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	return &workspace.Workspace{ID: id, Path: "/src/" + id}, nil
}

type stubGit struct{ status string }

func (g stubGit) Status(ctx context.Context, dir string) (string, error) {
	return g.status + " in " + dir, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t        *testing.T
	c        *Coordinator
	agent    *fakeAgent
	settings *stubSettings
	store    *storage.MemoryRepository
	clock    *clock
}

const summaryJSON = `{"no_reply":false,"title":"Flag rename","tags":["cli"],"daily_markdown":"- renamed --foo","curated_markdown":"- flags use kebab-case"}`

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := storage.NewConnection(storage.MemoryPath)
	require.NoError(t, err)
	require.NoError(t, conn.Open())
	t.Cleanup(func() { conn.Close() })
	db, err := conn.DB()
	require.NoError(t, err)

	h := &harness{
		t: t,
		agent: &fakeAgent{
			history:   agent.History{Turns: []memory.Turn{{Role: "user", Text: "rename --foo"}, {Role: "assistant", Text: "done"}}},
			reply:     summaryJSON,
			ephemeral: map[string]bool{},
		},
		settings: &stubSettings{s: testSettings()},
		store:    storage.NewMemoryRepository(db),
		clock:    &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.c = New(Options{
		Agent:      h.agent,
		Settings:   h.settings,
		Workspaces: stubWorkspaces{},
		Store:      h.store,
		Estimator:  tokenizer.SimpleEstimator{},
		Now:        h.clock.Now,
	})
	return h
}

func usageEvent(workspaceID, threadID string, tokens, window int64) session.Event {
	raw, _ := json.Marshal(map[string]any{
		"method": TokenUsageMethod,
		"params": map[string]any{
			"threadId": threadID,
			"tokenUsage": map[string]any{
				"total":              map[string]any{"totalTokens": tokens},
				"modelContextWindow": window,
			},
		},
	})
	return session.Event{Key: session.AgentKey(workspaceID), Kind: session.EventMessage, Method: TokenUsageMethod, Message: raw}
}

func (h *harness) key() threadKey { return threadKey{workspaceID: testWorkspace, threadID: testThread} }

// usage feeds one token sample and, if it started a flush, waits for it to
// finish. It reports whether a flush ran.
func (h *harness) usage(tokens int64) bool {
	h.t.Helper()
	h.c.handleEvent(context.Background(), usageEvent(testWorkspace, testThread, tokens, testWindow))
	st, ok := h.c.threads[h.key()]
	if !ok || !st.inFlight {
		return false
	}
	h.complete()
	return true
}

func (h *harness) complete() {
	h.t.Helper()
	select {
	case d := <-h.c.results:
		h.c.finish(d)
	case <-time.After(2 * time.Second):
		h.t.Fatal("flush job did not report back")
	}
}

// flushNow drives a manual flush synchronously.
func (h *harness) flushNow(force bool) (*FlushResult, error) {
	h.t.Helper()
	req := flushRequest{key: h.key(), force: force, reply: make(chan flushReply, 1)}
	h.c.handleRequest(context.Background(), req)
	select {
	case r := <-req.reply:
		return r.result, r.err
	default:
	}
	h.complete()
	r := <-req.reply
	return r.result, r.err
}

func (h *harness) state() *threadState { return h.c.threads[h.key()] }

func (h *harness) entries(kind memory.Kind) []memory.Entry {
	h.t.Helper()
	got, err := h.store.Search(context.Background(), memory.SearchQuery{Kind: kind, Limit: 100})
	require.NoError(h.t, err)
	return got
}

func TestCoordinator_FlushesAtThreshold(t *testing.T) {
	h := newHarness(t)

	assert.False(t, h.usage(50000))
	assert.True(t, h.usage(77000))
	assert.Equal(t, 1, h.agent.turns())

	daily, curated := h.entries(memory.KindDaily), h.entries(memory.KindCurated)
	require.Len(t, daily, 1)
	require.Len(t, curated, 1)
	assert.Equal(t, "- renamed --foo", daily[0].Content)
	assert.Equal(t, "Flag rename", curated[0].Title)
	for _, tag := range []string{memory.TagAutoMemory, "workspace:ws-1", "thread:th-1", "curated", "cli"} {
		assert.Contains(t, curated[0].Tags, tag)
	}

	st := h.state()
	require.NotNil(t, st.LastFlushEpoch)
	assert.Equal(t, uint64(0), *st.LastFlushEpoch)
	assert.Equal(t, h.clock.Now(), st.LastFlushAt)

	prompt := h.agent.prompts[0]
	assert.Contains(t, prompt, "rename --foo")
	assert.Contains(t, prompt, "Context: 77000 of 100000 tokens")
}

func TestCoordinator_OneFlushPerEpoch(t *testing.T) {
	h := newHarness(t)
	h.settings.s.MinIntervalSeconds = 0

	require.True(t, h.usage(77000))
	assert.False(t, h.usage(79000), "same epoch must not flush twice")
	assert.False(t, h.usage(95000))

	// Compaction opens a new epoch; the next threshold crossing flushes.
	assert.False(t, h.usage(30000))
	assert.Equal(t, uint64(1), h.state().CompactionEpoch)
	assert.True(t, h.usage(78000))
	assert.Equal(t, 2, h.agent.turns())
	assert.Equal(t, uint64(1), *h.state().LastFlushEpoch)
}

func TestCoordinator_CooldownDefersNextEpoch(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.usage(77000))
	h.clock.Advance(10 * time.Second)
	assert.False(t, h.usage(20000))
	assert.False(t, h.usage(77000), "cooldown still active")

	h.clock.Advance(5 * time.Minute)
	assert.True(t, h.usage(77500))
}

func TestCoordinator_FailureDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	h.settings.s.MinIntervalSeconds = 0
	h.agent.set("", domainErrors.NewError(domainErrors.CodeTimeout, "summarizer turn did not complete", context.DeadlineExceeded))

	require.True(t, h.usage(77000))
	st := h.state()
	assert.Nil(t, st.LastFlushEpoch)
	assert.True(t, st.LastFlushAt.IsZero())
	assert.False(t, st.inFlight)
	assert.Empty(t, h.entries(""))

	h.agent.set(summaryJSON, nil)
	assert.True(t, h.usage(77100), "failed flush is retried on the next sample")
	assert.NotNil(t, h.state().LastFlushEpoch)
}

func TestCoordinator_HistoryFailureDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	h.agent.historyErr = errors.New("thread not loaded")

	require.True(t, h.usage(77000))
	assert.Nil(t, h.state().LastFlushEpoch)
	assert.Equal(t, 0, h.agent.turns())
}

func TestCoordinator_NoReplyAdvancesWithoutWrites(t *testing.T) {
	h := newHarness(t)
	h.agent.set(`{"no_reply": true}`, nil)

	require.True(t, h.usage(77000))
	assert.Empty(t, h.entries(""))
	assert.NotNil(t, h.state().LastFlushEpoch, "no_reply is a deliberate skip")
	assert.False(t, h.usage(78000))
}

func TestCoordinator_DailyOnly(t *testing.T) {
	h := newHarness(t)
	h.settings.s.WriteCurated = false

	res, err := h.flushNow(false)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, memory.KindDaily, res.Entries[0].Kind)
	assert.Contains(t, res.Entries[0].Tags, "daily")
	assert.Empty(t, h.entries(memory.KindCurated))
}

func TestCoordinator_ParseErrorFallsBackToDaily(t *testing.T) {
	h := newHarness(t)
	h.agent.set("Sorry, here are my notes: the flag was renamed.", nil)

	res, err := h.flushNow(false)
	require.NoError(t, err)
	assert.True(t, res.ParseError)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, memory.KindDaily, res.Entries[0].Kind)
	assert.Contains(t, res.Entries[0].Tags, memory.TagParseError)
	assert.Contains(t, res.Entries[0].Content, "the flag was renamed")
}

func TestCoordinator_ParseErrorKeptWithDailyDisabled(t *testing.T) {
	h := newHarness(t)
	h.settings.s.WriteDaily = false
	h.agent.set("plain text notes", nil)

	res, err := h.flushNow(false)
	require.NoError(t, err)
	assert.True(t, res.ParseError)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "plain text notes", res.Entries[0].Content)
	assert.Len(t, h.entries(memory.KindDaily), 1)
}

func TestCoordinator_SettingsApplyOnNextEvent(t *testing.T) {
	h := newHarness(t)
	h.settings.s.MinIntervalSeconds = 0

	h.settings.s.Enabled = false
	assert.False(t, h.usage(77000), "disabled")

	h.settings.s.Enabled = true
	assert.True(t, h.usage(77100), "re-enabled")

	// New epoch with a larger soft threshold: 80000-40000 = 40000.
	assert.False(t, h.usage(30000))
	h.settings.s.SoftThresholdTokens = 40000
	assert.True(t, h.usage(45000))

	// Back to the small threshold; 45000 is below 76000 again.
	assert.False(t, h.usage(10000))
	h.settings.s.SoftThresholdTokens = 4000
	assert.False(t, h.usage(45000))
	assert.Equal(t, uint64(2), h.state().CompactionEpoch)
	assert.Equal(t, 2, h.agent.turns())
}

func TestCoordinator_EmptySnapshotSkipsSummarizer(t *testing.T) {
	h := newHarness(t)
	h.agent.history = agent.History{}
	h.settings.s.IncludeGitStatus = false

	res, err := h.flushNow(false)
	require.NoError(t, err)
	assert.True(t, res.EmptySnap)
	assert.Equal(t, 0, h.agent.turns())
	assert.NotNil(t, h.state().LastFlushEpoch)
}

func TestCoordinator_GitStatusInPrompt(t *testing.T) {
	h := newHarness(t)
	h.c.opts.Git = stubGit{status: "## main\n M cli.go"}

	_, err := h.flushNow(false)
	require.NoError(t, err)
	require.Equal(t, 1, h.agent.turns())
	assert.Contains(t, h.agent.prompts[0], "## Git status")
	assert.Contains(t, h.agent.prompts[0], "M cli.go in /src/ws-1")
}

func TestCoordinator_IgnoresEphemeralThreads(t *testing.T) {
	h := newHarness(t)
	h.agent.ephemeral["eph"] = true

	h.c.handleEvent(context.Background(), usageEvent(testWorkspace, "eph", 90000, testWindow))
	assert.Empty(t, h.c.threads)
}

func TestCoordinator_FlushNowRules(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		force   bool
		wantErr error
	}{
		{
			name:    "disabled",
			setup:   func(h *harness) { h.settings.s.Enabled = false },
			wantErr: domainErrors.ErrAutoMemoryDisabled,
		},
		{
			name:  "disabled but forced",
			setup: func(h *harness) { h.settings.s.Enabled = false },
			force: true,
		},
		{
			name: "cooldown",
			setup: func(h *harness) {
				_, err := h.flushNow(false)
				require.NoError(h.t, err)
				h.clock.Advance(time.Minute)
			},
			wantErr: domainErrors.ErrFlushCooldown,
		},
		{
			name: "cooldown but forced",
			setup: func(h *harness) {
				_, err := h.flushNow(false)
				require.NoError(h.t, err)
			},
			force: true,
		},
		{
			name:    "in flight",
			setup:   func(h *harness) { h.c.state(h.key()).inFlight = true },
			force:   true,
			wantErr: ErrFlushInProgress,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			_, err := h.flushNow(tt.force)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCoordinator_FlushNowSkipsThreshold(t *testing.T) {
	h := newHarness(t)

	res, err := h.flushNow(false)
	require.NoError(t, err)
	assert.Equal(t, ReasonManual, res.Reason)
	assert.Len(t, res.Entries, 2)
	assert.Equal(t, 1, h.agent.turns())
}

func TestCoordinator_Evict(t *testing.T) {
	h := newHarness(t)
	h.usage(1000)
	h.c.handleEvent(context.Background(), usageEvent(testWorkspace, "busy", 1000, testWindow))
	h.c.threads[threadKey{testWorkspace, "busy"}].inFlight = true

	h.clock.Advance(DefaultEvictionHorizon + time.Minute)
	h.c.evict()

	_, idle := h.c.threads[h.key()]
	_, busy := h.c.threads[threadKey{testWorkspace, "busy"}]
	assert.False(t, idle, "idle thread should be evicted")
	assert.True(t, busy, "thread with a flush in flight is kept")
}

func TestCoordinator_Run(t *testing.T) {
	h := newHarness(t)
	events := make(chan session.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.c.Run(ctx, events)
		close(done)
	}()

	events <- usageEvent(testWorkspace, testThread, 1000, testWindow)
	res, err := h.c.FlushNow(ctx, testWorkspace, testThread, false)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)

	// Dedupe: the same summary again stores nothing new.
	res, err = h.c.FlushNow(ctx, testWorkspace, testThread, true)
	require.NoError(t, err)
	assert.Len(t, h.entries(""), 2)
	assert.Len(t, res.Entries, 2)

	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after events closed")
	}

	_, err = h.c.FlushNow(context.Background(), testWorkspace, testThread, true)
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestCoordinator_RunCancelsInFlightFlush(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.c.opts.Agent = &blockingAgent{fakeAgent: h.agent, release: block}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.c.Run(ctx, make(chan session.Event))
		close(done)
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.c.FlushNow(context.Background(), testWorkspace, testThread, false)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not wait out the cancelled flush")
	}
	err := <-errCh
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "canceled"), fmt.Sprint(err))
}

type blockingAgent struct {
	*fakeAgent
	release chan struct{}
}

func (a *blockingAgent) RunTurn(ctx context.Context, workspaceID, prompt string, timeout time.Duration) (string, error) {
	select {
	case <-a.release:
		return a.fakeAgent.RunTurn(ctx, workspaceID, prompt, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
