package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Compile-time check that WorkspaceRepository implements WorkspaceStoragePort.
var _ ports.WorkspaceStoragePort = (*WorkspaceRepository)(nil)

// WorkspaceRepository implements WorkspaceStoragePort using SQLite.
type WorkspaceRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewWorkspaceRepository creates a new workspace repository.
func NewWorkspaceRepository(db *sql.DB) *WorkspaceRepository {
	return &WorkspaceRepository{db: db, now: time.Now}
}

// Create persists a new workspace.
func (r *WorkspaceRepository) Create(ctx context.Context, ws *workspace.Workspace) error {
	args, err := json.Marshal(nonNil(ws.CodexArgs))
	if err != nil {
		return fmt.Errorf("failed to encode codex args: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, path, codex_bin, codex_args, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		ws.ID,
		ws.Name,
		ws.Path,
		nullableString(ws.CodexBin),
		string(args),
		formatTime(ws.CreatedAt),
		formatTime(ws.LastUsedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return domainErrors.NewError(domainErrors.CodeValidation,
				fmt.Sprintf("workspace already registered: %s", ws.Path), domainErrors.ErrWorkspaceExists)
		}
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// Get retrieves a workspace by id.
func (r *WorkspaceRepository) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, path, codex_bin, codex_args, created_at, last_used_at
		FROM workspaces
		WHERE id = ?
	`, id)

	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainErrors.NewError(domainErrors.CodeNotFound,
			fmt.Sprintf("workspace not found: %s", id), domainErrors.ErrWorkspaceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

// List returns all workspaces ordered by name.
func (r *WorkspaceRepository) List(ctx context.Context) ([]*workspace.Workspace, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, path, codex_bin, codex_args, created_at, last_used_at
		FROM workspaces
		ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*workspace.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// Touch sets last_used_at to now.
func (r *WorkspaceRepository) Touch(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE workspaces SET last_used_at = ? WHERE id = ?", formatTime(r.now()), id)
	if err != nil {
		return fmt.Errorf("failed to touch workspace: %w", err)
	}
	return requireAffected(res, id)
}

// Delete removes a workspace.
func (r *WorkspaceRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	return requireAffected(res, id)
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domainErrors.NewError(domainErrors.CodeNotFound,
			fmt.Sprintf("workspace not found: %s", id), domainErrors.ErrWorkspaceNotFound)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*workspace.Workspace, error) {
	var (
		ws                  workspace.Workspace
		codexBin            sql.NullString
		args                string
		createdAt, lastUsed string
	)
	if err := row.Scan(&ws.ID, &ws.Name, &ws.Path, &codexBin, &args, &createdAt, &lastUsed); err != nil {
		return nil, err
	}
	ws.CodexBin = codexBin.String
	if err := json.Unmarshal([]byte(args), &ws.CodexArgs); err != nil {
		return nil, fmt.Errorf("invalid codex_args for %s: %w", ws.ID, err)
	}
	var err error
	if ws.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ws.LastUsedAt, err = parseTime(lastUsed); err != nil {
		return nil, err
	}
	return &ws, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
