// Package workspace provides workspace management functionality.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/security"
)

// Sessions is the part of the session registry the manager needs to tear
// down a workspace's children.
type Sessions interface {
	Keys(class session.Class) []session.Key
	Remove(ctx context.Context, key session.Key) error
}

// Manager manages registered workspaces.
type Manager struct {
	storage  ports.WorkspaceStoragePort
	sessions Sessions
	logger   *logging.Logger
	guard    *security.RootGuard
	now      func() time.Time
	newID    func() string
}

// NewManager creates a new workspace manager.
func NewManager(storage ports.WorkspaceStoragePort, sessions Sessions, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		storage:  storage,
		sessions: sessions,
		logger:   logger.With("component", "workspace"),
		guard:    security.NewRootGuard(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
}

// Add registers an existing directory as a workspace.
func (m *Manager) Add(ctx context.Context, opts workspace.CreateOptions) (*workspace.Workspace, error) {
	ws, err := workspace.New(m.newID(), opts, m.now())
	if err != nil {
		return nil, domainErrors.NewError(domainErrors.CodeValidation, err.Error(), domainErrors.ErrInvalidParams)
	}

	if err := m.guard.ValidateRoot(ws.Path); err != nil {
		return nil, domainErrors.NewError(domainErrors.CodeValidation, err.Error(), domainErrors.ErrInvalidParams)
	}

	info, err := os.Stat(ws.Path)
	switch {
	case err != nil:
		return nil, domainErrors.NewError(domainErrors.CodeValidation,
			fmt.Sprintf("workspace path %s is not accessible", ws.Path), err)
	case !info.IsDir():
		return nil, domainErrors.NewError(domainErrors.CodeValidation,
			fmt.Sprintf("workspace path %s is not a directory", ws.Path), domainErrors.ErrInvalidParams)
	}

	if err := m.storage.Create(ctx, ws); err != nil {
		return nil, err
	}
	m.logger.InfoContext(logging.WithWorkspaceID(ctx, ws.ID), "workspace added", "path", ws.Path, "name", ws.Name)
	return ws, nil
}

// ProtectPath refuses p and its subdirectories as workspace roots.
func (m *Manager) ProtectPath(p string) {
	m.guard.AddProtectedPath(p)
}

// Get retrieves a workspace by id.
func (m *Manager) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	return m.storage.Get(ctx, id)
}

// List returns every registered workspace.
func (m *Manager) List(ctx context.Context) ([]*workspace.Workspace, error) {
	return m.storage.List(ctx)
}

// Touch records that the workspace was just used.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.storage.Touch(ctx, id)
}

// Remove closes the workspace's agent and terminals, then forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if _, err := m.storage.Get(ctx, id); err != nil {
		return err
	}

	var errs []error
	for _, class := range []session.Class{session.ClassAgent, session.ClassTerminal} {
		for _, key := range m.sessions.Keys(class) {
			if key.WorkspaceID() != id {
				continue
			}
			if err := m.sessions.Remove(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", key, err))
			}
		}
	}
	if len(errs) > 0 {
		m.logger.Warn("some sessions did not close cleanly", "workspace_id", id, "error", errors.Join(errs...))
	}

	if err := m.storage.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.InfoContext(logging.WithWorkspaceID(ctx, id), "workspace removed")
	return nil
}
