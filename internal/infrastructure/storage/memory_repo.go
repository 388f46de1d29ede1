package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
)

// Compile-time check that MemoryRepository implements MemoryStorePort.
var _ ports.MemoryStorePort = (*MemoryRepository)(nil)

// MemoryRepository stores memory entries in SQLite. Entries are
// deduplicated per kind by a BLAKE3 hash of their content.
type MemoryRepository struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// NewMemoryRepository creates a new memory repository.
func NewMemoryRepository(db *sql.DB) *MemoryRepository {
	return &MemoryRepository{
		db:    db,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// ContentHash returns the hex BLAKE3 digest identifying an entry's content.
func ContentHash(kind memory.Kind, content string) string {
	h := blake3.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(h.Sum(nil))
}

// Append stores one entry. Identical content of the same kind returns the
// entry already stored.
func (r *MemoryRepository) Append(ctx context.Context, req memory.AppendRequest) (*memory.Entry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	entry := &memory.Entry{
		ID:          r.newID(),
		Kind:        req.Kind,
		Title:       strings.TrimSpace(req.Title),
		Content:     strings.TrimSpace(req.Content),
		Tags:        memory.NormalizeTags(req.Tags),
		WorkspaceID: req.WorkspaceID,
		ThreadID:    req.ThreadID,
		Hash:        ContentHash(req.Kind, req.Content),
		CreatedAt:   r.now().UTC(),
	}
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO memory_entries (id, kind, title, content, tags, workspace_id, thread_id, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, hash) DO NOTHING
	`,
		entry.ID,
		string(entry.Kind),
		entry.Title,
		entry.Content,
		string(tags),
		nullableString(entry.WorkspaceID),
		nullableString(entry.ThreadID),
		entry.Hash,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append memory entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.getByHash(ctx, entry.Kind, entry.Hash)
	}
	return entry, nil
}

func (r *MemoryRepository) getByHash(ctx context.Context, kind memory.Kind, hash string) (*memory.Entry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, kind, title, content, tags, workspace_id, thread_id, hash, created_at
		FROM memory_entries
		WHERE kind = ? AND hash = ?
	`, string(kind), hash)
	e, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing memory entry: %w", err)
	}
	return e, nil
}

// Search returns matching entries, newest first.
func (r *MemoryRepository) Search(ctx context.Context, q memory.SearchQuery) ([]memory.Entry, error) {
	q = q.Normalize()

	var (
		where []string
		args  []any
	)
	if q.Text != "" {
		pattern := "%" + escapeLike(q.Text) + "%"
		where = append(where, `(content LIKE ? ESCAPE '\' OR title LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, q.WorkspaceID)
	}
	for _, tag := range q.Tags {
		tagJSON, _ := json.Marshal(tag)
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(string(tagJSON))+"%")
	}

	query := `
		SELECT id, kind, title, content, tags, workspace_id, thread_id, hash, created_at
		FROM memory_entries`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY created_at DESC, id\n\t\tLIMIT ?"
	args = append(args, q.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search memory: %w", err)
	}
	defer rows.Close()

	var out []memory.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntry(row rowScanner) (*memory.Entry, error) {
	var (
		e                     memory.Entry
		kind, tags, createdAt string
		workspaceID, threadID sql.NullString
	)
	if err := row.Scan(&e.ID, &kind, &e.Title, &e.Content, &tags, &workspaceID, &threadID, &e.Hash, &createdAt); err != nil {
		return nil, err
	}
	e.Kind = memory.Kind(kind)
	e.WorkspaceID = workspaceID.String
	e.ThreadID = threadID.String
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("invalid tags for %s: %w", e.ID, err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = t
	return &e, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
