// Package agent drives each workspace's codex app-server: lazy spawn with
// the initialize handshake, typed thread and turn requests, and the
// isolated summarizer turns used by auto-memory.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jbctechsolutions/codexmonitor/internal/application/events"
	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	"github.com/jbctechsolutions/codexmonitor/internal/application/registry"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/settings"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
)

// ClientName identifies the daemon in the initialize handshake.
const ClientName = "codexmonitor"

// DefaultRequestTimeout bounds a forwarded request when Options leaves it zero.
const DefaultRequestTimeout = 5 * time.Minute

// Workspaces resolves workspace ids to directories.
type Workspaces interface {
	Get(ctx context.Context, id string) (*workspace.Workspace, error)
	Touch(ctx context.Context, id string) error
}

// SettingsSource returns the current app settings.
type SettingsSource interface {
	Get() settings.AppSettings
}

// Options tune the agent service.
type Options struct {
	Version        string
	ExtraArgs      []string // passed to every app-server before workspace args
	RequestTimeout time.Duration
	KillGrace      time.Duration
}

// Service owns the agent sessions in the shared registry.
type Service struct {
	registry   *registry.Registry[ports.ProcessSession]
	launcher   ports.SessionLauncherPort
	workspaces Workspaces
	settings   SettingsSource
	hub        *events.Hub
	opts       Options
	logger     *logging.Logger

	ephemeral sync.Map // thread id -> struct{}
}

// NewService creates an agent service.
func NewService(
	reg *registry.Registry[ports.ProcessSession],
	launcher ports.SessionLauncherPort,
	workspaces Workspaces,
	settings SettingsSource,
	hub *events.Hub,
	opts Options,
	logger *logging.Logger,
) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Service{
		registry:   reg,
		launcher:   launcher,
		workspaces: workspaces,
		settings:   settings,
		hub:        hub,
		opts:       opts,
		logger:     logger.With("component", "agent"),
	}
}

// session returns the workspace's live agent session, spawning it and
// running the handshake on first use.
func (s *Service) session(ctx context.Context, workspaceID string) (ports.ProcessSession, error) {
	key := session.AgentKey(workspaceID)
	return s.registry.GetOrCreate(ctx, key, func(ctx context.Context) (ports.ProcessSession, error) {
		ws, err := s.workspaces.Get(ctx, workspaceID)
		if err != nil {
			return nil, err
		}

		app := s.settings.Get()
		extra := make([]string, 0, len(s.opts.ExtraArgs)+len(app.CodexArgs))
		extra = append(extra, s.opts.ExtraArgs...)
		extra = append(extra, app.CodexArgs...)
		spec := session.SpawnSpec{
			Command:   ws.ResolveCodexBin(app.CodexBin),
			Args:      ws.AppServerArgs(extra),
			Dir:       ws.Path,
			Framing:   session.FramingJSONLines,
			KillGrace: s.opts.KillGrace,
		}

		sess, err := s.launcher.Launch(ctx, key, spec)
		if err != nil {
			return nil, domainErrors.WithContext(
				domainErrors.NewError(domainErrors.CodeSession, "failed to start codex app-server", err),
				"workspace_id", workspaceID)
		}
		if err := s.initialize(ctx, sess); err != nil {
			sess.Close(context.Background())
			return nil, domainErrors.WithContext(
				domainErrors.NewError(domainErrors.CodeSession, "codex app-server handshake failed", err),
				"workspace_id", workspaceID)
		}
		if err := s.workspaces.Touch(ctx, workspaceID); err != nil {
			s.logger.Warn("failed to record workspace use", "workspace_id", workspaceID, "error", err)
		}
		s.logger.InfoContext(logging.WithWorkspaceID(ctx, workspaceID), "agent session ready", "command", spec.Command)
		return sess, nil
	})
}

func (s *Service) initialize(ctx context.Context, sess ports.ProcessSession) error {
	params := map[string]any{
		"clientInfo": map[string]string{
			"name":    ClientName,
			"title":   "Codex Monitor",
			"version": s.opts.Version,
		},
	}
	if _, err := sess.Request(ctx, "initialize", params, s.opts.RequestTimeout); err != nil {
		return err
	}
	return sess.Notify("initialized", nil)
}

func (s *Service) call(ctx context.Context, workspaceID, method string, params any) (json.RawMessage, error) {
	sess, err := s.session(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return sess.Request(ctx, method, params, s.opts.RequestTimeout)
}

// Connect ensures the workspace's agent session is running.
func (s *Service) Connect(ctx context.Context, workspaceID string) error {
	_, err := s.session(ctx, workspaceID)
	return err
}

// Disconnect closes the workspace's agent session. Disconnecting a
// workspace without one is not an error.
func (s *Service) Disconnect(ctx context.Context, workspaceID string) error {
	err := s.registry.Remove(ctx, session.AgentKey(workspaceID))
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	return err
}

// Connected reports whether the workspace has a live agent session.
func (s *Service) Connected(workspaceID string) bool {
	_, ok := s.registry.Get(session.AgentKey(workspaceID))
	return ok
}

// StartThread opens a new thread rooted at the workspace directory.
func (s *Service) StartThread(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return s.call(ctx, workspaceID, "thread/start", map[string]any{"cwd": ws.Path})
}

// ResumeThread loads an existing thread, including its turns.
func (s *Service) ResumeThread(ctx context.Context, workspaceID, threadID string) (json.RawMessage, error) {
	return s.call(ctx, workspaceID, "thread/resume", map[string]any{"threadId": threadID})
}

// ListThreads pages through stored threads.
func (s *Service) ListThreads(ctx context.Context, workspaceID string, cursor *string, limit *int) (json.RawMessage, error) {
	params := map[string]any{}
	if cursor != nil {
		params["cursor"] = *cursor
	}
	if limit != nil {
		params["limit"] = *limit
	}
	return s.call(ctx, workspaceID, "thread/list", params)
}

// ArchiveThread hides a thread from listings.
func (s *Service) ArchiveThread(ctx context.Context, workspaceID, threadID string) (json.RawMessage, error) {
	return s.call(ctx, workspaceID, "thread/archive", map[string]any{"threadId": threadID})
}

// UserMessage is one user turn request.
type UserMessage struct {
	WorkspaceID string
	ThreadID    string
	Text        string
	Model       string
	Effort      string
	AccessMode  string
}

// SendUserMessage starts a turn. The access mode selects the sandbox and
// approval policies.
func (s *Service) SendUserMessage(ctx context.Context, msg UserMessage) (json.RawMessage, error) {
	ws, err := s.workspaces.Get(ctx, msg.WorkspaceID)
	if err != nil {
		return nil, err
	}
	policy, err := AccessPolicyFor(msg.AccessMode, ws.Path)
	if err != nil {
		return nil, domainErrors.NewError(domainErrors.CodeValidation, err.Error(), domainErrors.ErrInvalidParams)
	}

	params := map[string]any{
		"threadId":       msg.ThreadID,
		"input":          []map[string]string{{"type": "text", "text": msg.Text}},
		"cwd":            ws.Path,
		"approvalPolicy": policy.Approval,
		"sandboxPolicy":  policy.Sandbox,
	}
	if msg.Model != "" {
		params["model"] = msg.Model
	}
	if msg.Effort != "" {
		params["effort"] = msg.Effort
	}
	return s.call(ctx, msg.WorkspaceID, "turn/start", params)
}

// TurnInterrupt stops a running turn.
func (s *Service) TurnInterrupt(ctx context.Context, workspaceID, threadID, turnID string) (json.RawMessage, error) {
	return s.call(ctx, workspaceID, "turn/interrupt", map[string]any{"threadId": threadID, "turnId": turnID})
}

// StartReview starts a review turn. A missing target reviews uncommitted
// changes.
func (s *Service) StartReview(ctx context.Context, workspaceID, threadID string, target json.RawMessage, delivery string) (json.RawMessage, error) {
	if len(target) == 0 || string(target) == "null" {
		target = json.RawMessage(`{"type":"uncommittedChanges"}`)
	}
	params := map[string]any{"threadId": threadID, "target": target}
	if delivery != "" {
		params["delivery"] = delivery
	}
	return s.call(ctx, workspaceID, "review/start", params)
}

// ModelList lists the models the agent can use.
func (s *Service) ModelList(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	return s.call(ctx, workspaceID, "model/list", map[string]any{})
}

// AccountRateLimits reads the account's current rate limits.
func (s *Service) AccountRateLimits(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	return s.call(ctx, workspaceID, "account/rateLimits/read", nil)
}

// SkillsList lists skills available in the workspace directory.
func (s *Service) SkillsList(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return s.call(ctx, workspaceID, "skills/list", map[string]any{"cwds": []string{ws.Path}})
}

// Respond answers a request the app-server sent, such as an approval
// prompt. It never spawns: the request came from a session that must
// still be alive.
func (s *Service) Respond(ctx context.Context, workspaceID string, requestID, result json.RawMessage) error {
	sess, ok := s.registry.Get(session.AgentKey(workspaceID))
	if !ok {
		return domainErrors.NewError(domainErrors.CodeSession,
			fmt.Sprintf("workspace %s has no running agent", workspaceID), session.ErrSessionTerminated)
	}
	return sess.Respond(requestID, result)
}

// IsEphemeral reports whether threadID belongs to a summarizer turn.
func (s *Service) IsEphemeral(threadID string) bool {
	_, ok := s.ephemeral.Load(threadID)
	return ok
}
