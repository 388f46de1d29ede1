package automemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jbctechsolutions/codexmonitor/internal/application/agent"
	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/tracing"
)

// Defaults for Options fields left zero.
const (
	DefaultSummarizerTimeout = 60 * time.Second
	DefaultEvictionHorizon   = 24 * time.Hour
	DefaultEvictionInterval  = 10 * time.Minute
)

// Flush reasons.
const (
	ReasonThreshold = "threshold"
	ReasonManual    = "manual"
)

var (
	// ErrFlushInProgress is returned by FlushNow while the thread is
	// already being flushed.
	ErrFlushInProgress = domainErrors.NewError(domainErrors.CodeCoordinator, "memory flush already in progress", nil)

	// ErrStopped is returned by FlushNow once the coordinator has exited.
	ErrStopped = domainErrors.NewError(domainErrors.CodeCoordinator, "auto-memory coordinator stopped", nil)
)

// Agent is what the coordinator needs from the agent service.
type Agent interface {
	RecentTurns(ctx context.Context, workspaceID, threadID string, maxTurns int) (agent.History, error)
	RunTurn(ctx context.Context, workspaceID, prompt string, timeout time.Duration) (string, error)
	IsEphemeral(threadID string) bool
}

// SettingsSource returns the current auto-memory settings.
type SettingsSource interface {
	AutoMemory() memory.AutoMemorySettings
}

// Workspaces resolves workspace ids to directories.
type Workspaces interface {
	Get(ctx context.Context, id string) (*workspace.Workspace, error)
}

// Options wire the coordinator's collaborators. Git, Estimator, Tracer and
// Logger are optional.
type Options struct {
	Agent      Agent
	Settings   SettingsSource
	Workspaces Workspaces
	Store      ports.MemoryStorePort
	Git        ports.GitStatusPort
	Estimator  ports.TokenEstimatorPort
	Tracer     *tracing.Tracer
	Logger     *logging.Logger

	SummarizerTimeout time.Duration
	EvictionHorizon   time.Duration
	EvictionInterval  time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// FlushResult describes one completed flush.
type FlushResult struct {
	WorkspaceID string         `json:"workspace_id"`
	ThreadID    string         `json:"thread_id"`
	Reason      string         `json:"reason"`
	Entries     []memory.Entry `json:"entries"`
	NoReply     bool           `json:"no_reply"`
	EmptySnap   bool           `json:"empty_snapshot"`
	ParseError  bool           `json:"parse_error"`
}

type threadKey struct {
	workspaceID string
	threadID    string
}

type threadState struct {
	FlushState
	lastTokens int64
	window     int64
	inFlight   bool
	lastSeen   time.Time
}

type flushJob struct {
	key      threadKey
	reason   string
	epoch    uint64
	tokens   int64
	window   int64
	settings memory.AutoMemorySettings
	reply    chan flushReply // nil for automatic flushes
}

type flushReply struct {
	result *FlushResult
	err    error
}

type jobDone struct {
	job      flushJob
	result   *FlushResult
	err      error
	finished time.Time
}

type flushRequest struct {
	key   threadKey
	force bool
	reply chan flushReply
}

// Coordinator owns all per-thread flush state in a single goroutine. Flush
// jobs run concurrently and report back over a channel; at most one runs
// per thread.
type Coordinator struct {
	opts   Options
	logger *logging.Logger
	tracer *tracing.Tracer
	now    func() time.Time

	threads  map[threadKey]*threadState
	results  chan jobDone
	requests chan flushRequest
	done     chan struct{}
	jobs     sync.WaitGroup
}

// New creates a coordinator. Call Run to start it.
func New(opts Options) *Coordinator {
	if opts.SummarizerTimeout <= 0 {
		opts.SummarizerTimeout = DefaultSummarizerTimeout
	}
	if opts.EvictionHorizon <= 0 {
		opts.EvictionHorizon = DefaultEvictionHorizon
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = DefaultEvictionInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		opts:     opts,
		logger:   logger.With("component", "auto_memory"),
		tracer:   tracer,
		now:      now,
		threads:  make(map[threadKey]*threadState),
		results:  make(chan jobDone),
		requests: make(chan flushRequest),
		done:     make(chan struct{}),
	}
}

// Run consumes agent events until ctx is done or events is closed, then
// cancels and waits for in-flight flushes.
func (c *Coordinator) Run(ctx context.Context, events <-chan session.Event) {
	defer close(c.done)

	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer func() {
		cancelJobs()
		c.drain()
	}()

	ticker := time.NewTicker(c.opts.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(jobCtx, e)
		case d := <-c.results:
			c.finish(d)
		case req := <-c.requests:
			c.handleRequest(jobCtx, req)
		case <-ticker.C:
			c.evict()
		}
	}
}

// drain waits for running jobs while still accepting their results.
func (c *Coordinator) drain() {
	finished := make(chan struct{})
	go func() {
		c.jobs.Wait()
		close(finished)
	}()
	for {
		select {
		case d := <-c.results:
			c.finish(d)
		case <-finished:
			return
		}
	}
}

// FlushNow runs the flush pipeline for a thread immediately, skipping the
// token threshold. The cooldown and the enabled setting are respected
// unless force is set. It blocks until the flush finishes or ctx ends; in
// the latter case the flush still completes in the background.
func (c *Coordinator) FlushNow(ctx context.Context, workspaceID, threadID string, force bool) (*FlushResult, error) {
	req := flushRequest{
		key:   threadKey{workspaceID: workspaceID, threadID: threadID},
		force: force,
		reply: make(chan flushReply, 1),
	}
	select {
	case c.requests <- req:
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) state(key threadKey) *threadState {
	st, ok := c.threads[key]
	if !ok {
		st = &threadState{}
		c.threads[key] = st
	}
	st.lastSeen = c.now()
	return st
}

func (c *Coordinator) handleEvent(ctx context.Context, e session.Event) {
	usage, ok := ParseTokenUsage(e.Message)
	if !ok || e.Key.Class != session.ClassAgent {
		return
	}
	if c.opts.Agent.IsEphemeral(usage.ThreadID) {
		return
	}

	key := threadKey{workspaceID: e.Key.WorkspaceID(), threadID: usage.ThreadID}
	st := c.state(key)
	logCtx := logging.WithThreadID(logging.WithWorkspaceID(ctx, key.workspaceID), key.threadID)

	if DetectCompaction(st.lastTokens, usage.TotalTokens) {
		st.CompactionEpoch++
		logging.LogCompactionDetected(logCtx, c.logger, st.lastTokens, usage.TotalTokens, st.CompactionEpoch)
	}
	st.lastTokens = usage.TotalTokens
	st.window = usage.ContextWindow

	settings := c.opts.Settings.AutoMemory()
	if st.inFlight || !ShouldFlush(st.FlushState, st.lastTokens, st.window, c.now(), settings) {
		return
	}
	c.start(ctx, st, flushJob{key: key, reason: ReasonThreshold, settings: settings})
}

func (c *Coordinator) handleRequest(ctx context.Context, req flushRequest) {
	settings := c.opts.Settings.AutoMemory()
	st := c.state(req.key)
	switch {
	case !settings.Enabled && !req.force:
		req.reply <- flushReply{err: domainErrors.NewError(domainErrors.CodeCoordinator,
			"auto memory is disabled; use force to flush anyway", domainErrors.ErrAutoMemoryDisabled)}
		return
	case st.inFlight:
		req.reply <- flushReply{err: ErrFlushInProgress}
		return
	case !req.force && !CooldownElapsed(st.LastFlushAt, c.now(), settings.MinInterval()):
		wait := settings.MinInterval() - c.now().Sub(st.LastFlushAt)
		req.reply <- flushReply{err: domainErrors.NewError(domainErrors.CodeCoordinator,
			fmt.Sprintf("next flush allowed in %s", wait.Round(time.Second)), domainErrors.ErrFlushCooldown)}
		return
	}
	c.start(ctx, st, flushJob{key: req.key, reason: ReasonManual, settings: settings, reply: req.reply})
}

func (c *Coordinator) start(ctx context.Context, st *threadState, job flushJob) {
	st.inFlight = true
	job.epoch = st.CompactionEpoch
	job.tokens = st.lastTokens
	job.window = st.window

	c.jobs.Add(1)
	go func() {
		defer c.jobs.Done()
		result, err := c.flush(ctx, job)
		c.results <- jobDone{job: job, result: result, err: err, finished: c.now()}
	}()
}

// finish records a job's outcome. State advances only when the flush
// succeeded or deliberately wrote nothing.
func (c *Coordinator) finish(d jobDone) {
	st, ok := c.threads[d.job.key]
	if !ok {
		st = &threadState{lastSeen: d.finished}
		c.threads[d.job.key] = st
	}
	st.inFlight = false
	if d.err == nil {
		epoch := d.job.epoch
		st.LastFlushEpoch = &epoch
		st.LastFlushAt = d.finished
	}
	if d.job.reply != nil {
		d.job.reply <- flushReply{result: d.result, err: d.err}
	}
}

func (c *Coordinator) evict() {
	cutoff := c.now().Add(-c.opts.EvictionHorizon)
	for key, st := range c.threads {
		if !st.inFlight && st.lastSeen.Before(cutoff) {
			delete(c.threads, key)
		}
	}
}

// flush runs the pipeline: snapshot, summarize, parse, persist.
func (c *Coordinator) flush(ctx context.Context, job flushJob) (result *FlushResult, err error) {
	started := c.now()
	ws, thread := job.key.workspaceID, job.key.threadID
	ctx = logging.WithThreadID(logging.WithWorkspaceID(ctx, ws), thread)
	ctx, span := c.tracer.StartFlushSpan(ctx, ws, thread, job.reason)
	logging.LogFlushStarted(ctx, c.logger, job.reason, job.tokens)

	result = &FlushResult{WorkspaceID: ws, ThreadID: thread, Reason: job.reason}
	defer func() {
		if err != nil {
			span.EndWithError(err)
			logging.LogFlushFailed(ctx, c.logger, err, c.now().Sub(started))
			return
		}
		span.SetResult(len(result.Entries), result.NoReply, result.ParseError)
		span.End()
		logging.LogFlushCompleted(ctx, c.logger, len(result.Entries), result.NoReply || result.EmptySnap, c.now().Sub(started))
	}()

	snap, err := c.snapshot(ctx, job)
	if err != nil {
		return result, err
	}
	if snap.IsEmpty() {
		result.EmptySnap = true
		return result, nil
	}
	span.SetSnapshot(len(snap.Turns), snap.EstimatedTokens)

	reply, err := c.opts.Agent.RunTurn(ctx, ws, BuildPrompt(snap), c.opts.SummarizerTimeout)
	if err != nil {
		return result, err
	}

	summary, perr := memory.ParseSummary(reply)
	if perr != nil {
		c.logger.WarnContext(ctx, "summarizer reply is not JSON, storing it raw", "error", perr)
		tracing.AddEvent(ctx, "summary.parse_fallback", attribute.Int("reply.chars", len(reply)))
		summary = memory.FallbackSummary(reply)
		result.ParseError = true
	}
	if summary.NoReply {
		result.NoReply = true
		return result, nil
	}

	for _, req := range summary.Appends(job.settings, ws, thread) {
		entry, err := c.opts.Store.Append(ctx, req)
		if err != nil {
			return result, fmt.Errorf("failed to store %s memory: %w", req.Kind, err)
		}
		result.Entries = append(result.Entries, *entry)
	}
	return result, nil
}

func (c *Coordinator) snapshot(ctx context.Context, job flushJob) (*memory.Snapshot, error) {
	ws, thread := job.key.workspaceID, job.key.threadID
	s := job.settings

	history, err := c.opts.Agent.RecentTurns(ctx, ws, thread, s.MaxTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to read thread history: %w", err)
	}

	in := memory.SnapshotInput{
		WorkspaceID:   ws,
		ThreadID:      thread,
		ContextTokens: job.tokens,
		ContextWindow: job.window,
		Turns:         history.Turns,
		ToolOutput:    history.ToolOutput,
		CapturedAt:    c.now(),
	}
	if s.IncludeGitStatus && c.opts.Git != nil {
		in.GitStatus = c.gitStatus(ctx, ws)
	}

	snap := memory.NewSnapshot(in, s)
	if c.opts.Estimator != nil && !snap.IsEmpty() {
		snap.EstimatedTokens = c.opts.Estimator.Estimate(snap.Render())
	}
	return snap, nil
}

// gitStatus is best effort: a failure leaves the section out.
func (c *Coordinator) gitStatus(ctx context.Context, workspaceID string) string {
	w, err := c.opts.Workspaces.Get(ctx, workspaceID)
	if err != nil {
		c.logger.DebugContext(ctx, "skipping git status", "error", err)
		return ""
	}
	status, err := c.opts.Git.Status(ctx, w.Path)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.DebugContext(ctx, "git status failed", "error", err)
			tracing.RecordError(ctx, err)
		}
		return ""
	}
	return status
}
