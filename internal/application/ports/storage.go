// Package ports defines the application layer port interfaces following hexagonal architecture.
// Ports are abstractions that allow the application core to interact with external systems
// (adapters) without knowing their implementation details.
package ports

import (
	"context"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
)

// WorkspaceStoragePort persists registered workspaces.
type WorkspaceStoragePort interface {
	// Create persists a new workspace. Returns an error wrapping
	// errors.ErrWorkspaceExists if the id or path is already registered.
	Create(ctx context.Context, ws *workspace.Workspace) error

	// Get retrieves a workspace by id. Returns an error wrapping
	// errors.ErrWorkspaceNotFound if it does not exist.
	Get(ctx context.Context, id string) (*workspace.Workspace, error)

	// List returns all workspaces ordered by name.
	List(ctx context.Context) ([]*workspace.Workspace, error)

	// Touch updates the last-used timestamp.
	Touch(ctx context.Context, id string) error

	// Delete removes a workspace.
	Delete(ctx context.Context, id string) error
}

// MemoryStorePort is the append/search interface the coordinator and the
// memory RPCs write to.
type MemoryStorePort interface {
	// Append stores one entry and returns it with id, hash and timestamp set.
	// Appending content identical to an existing entry of the same kind
	// returns the existing entry.
	Append(ctx context.Context, req memory.AppendRequest) (*memory.Entry, error)

	// Search returns entries matching the query, newest first.
	Search(ctx context.Context, q memory.SearchQuery) ([]memory.Entry, error)
}
