// Package terminal manages interactive shells on pseudo-terminals, keyed by
// workspace and terminal id.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	"github.com/jbctechsolutions/codexmonitor/internal/application/registry"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
)

// FallbackShell is used when neither the config nor $SHELL names one.
const FallbackShell = "/bin/sh"

// Workspaces resolves workspace ids to directories.
type Workspaces interface {
	Get(ctx context.Context, id string) (*workspace.Workspace, error)
}

// Options tune the terminal service.
type Options struct {
	Shell     string
	KillGrace time.Duration
}

// Service opens and drives terminal sessions in the shared registry.
type Service struct {
	registry   *registry.Registry[ports.ProcessSession]
	launcher   ports.SessionLauncherPort
	workspaces Workspaces
	opts       Options
	logger     *logging.Logger
}

// NewService creates a terminal service.
func NewService(reg *registry.Registry[ports.ProcessSession], launcher ports.SessionLauncherPort, workspaces Workspaces, opts Options, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		registry:   reg,
		launcher:   launcher,
		workspaces: workspaces,
		opts:       opts,
		logger:     logger.With("component", "terminal"),
	}
}

// Shell returns the shell new terminals run.
func (s *Service) Shell() string {
	if s.opts.Shell != "" {
		return s.opts.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return FallbackShell
}

// Open starts a shell in the workspace directory and returns the terminal
// id. An empty id picks an unused generated name. Opening an id that is
// already running returns it unchanged.
func (s *Service) Open(ctx context.Context, workspaceID, terminalID string, cols, rows uint16) (string, error) {
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	if terminalID == "" {
		terminalID = session.GenerateUniqueTerminalName(func(name string) bool {
			_, ok := s.registry.Get(session.TerminalKey(workspaceID, name))
			return ok
		})
	}
	if !session.IsValidTerminalID(terminalID) {
		return "", domainErrors.NewError(domainErrors.CodeValidation,
			fmt.Sprintf("invalid terminal_id %q", terminalID), domainErrors.ErrInvalidParams)
	}

	key := session.TerminalKey(workspaceID, terminalID)
	_, err = s.registry.GetOrCreate(ctx, key, func(ctx context.Context) (ports.ProcessSession, error) {
		spec := session.SpawnSpec{
			Command:   s.Shell(),
			Args:      []string{"-l"},
			Dir:       ws.Path,
			Env:       map[string]string{"TERM": "xterm-256color"},
			Framing:   session.FramingRaw,
			PTY:       true,
			Cols:      cols,
			Rows:      rows,
			KillGrace: s.opts.KillGrace,
		}
		sess, err := s.launcher.Launch(ctx, key, spec)
		if err != nil {
			return nil, domainErrors.NewError(domainErrors.CodeSession, "failed to start terminal", err)
		}
		s.logger.InfoContext(logging.WithWorkspaceID(ctx, workspaceID), "terminal opened", "terminal_id", terminalID, "shell", spec.Command)
		return sess, nil
	})
	if err != nil {
		return "", err
	}
	return terminalID, nil
}

func (s *Service) get(workspaceID, terminalID string) (ports.ProcessSession, error) {
	sess, ok := s.registry.Get(session.TerminalKey(workspaceID, terminalID))
	if !ok {
		return nil, domainErrors.NewError(domainErrors.CodeNotFound,
			fmt.Sprintf("terminal %s in workspace %s", terminalID, workspaceID), domainErrors.ErrTerminalNotFound)
	}
	return sess, nil
}

// Write sends keystrokes to a terminal.
func (s *Service) Write(workspaceID, terminalID string, data []byte) error {
	sess, err := s.get(workspaceID, terminalID)
	if err != nil {
		return err
	}
	return sess.WriteInput(data)
}

// Resize changes a terminal's window size.
func (s *Service) Resize(workspaceID, terminalID string, cols, rows uint16) error {
	sess, err := s.get(workspaceID, terminalID)
	if err != nil {
		return err
	}
	return sess.Resize(cols, rows)
}

// Close ends a terminal's shell.
func (s *Service) Close(ctx context.Context, workspaceID, terminalID string) error {
	err := s.registry.Remove(ctx, session.TerminalKey(workspaceID, terminalID))
	if errors.Is(err, registry.ErrNotFound) {
		return domainErrors.NewError(domainErrors.CodeNotFound,
			fmt.Sprintf("terminal %s in workspace %s", terminalID, workspaceID), domainErrors.ErrTerminalNotFound)
	}
	return err
}
