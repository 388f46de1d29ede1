package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := NewConnection(MemoryPath)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	if err := conn.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	db, err := conn.DB()
	if err != nil {
		t.Fatalf("DB() error = %v", err)
	}
	return db
}

func TestConnection_OpenFileAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "codexmonitor.db")

	conn, _ := NewConnection(path)
	if err := conn.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := conn.Open(); err == nil {
		t.Error("second Open() should fail while already open")
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := conn.DB(); err == nil {
		t.Error("DB() should fail after Close()")
	}

	// Reopening must not re-apply migrations.
	conn2, _ := NewConnection(path)
	if err := conn2.Open(); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer conn2.Close()

	db, _ := conn2.DB()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(migrations) {
		t.Errorf("migrations recorded = %d, want %d", n, len(migrations))
	}
	if conn2.Path() != path {
		t.Errorf("Path() = %q, want %q", conn2.Path(), path)
	}
}

func TestNewConnection_DefaultPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	conn, err := NewConnection("")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(conn.Path()) != "codexmonitor.db" {
		t.Errorf("Path() = %q", conn.Path())
	}
}

func newTestWorkspace(t *testing.T, id, path string, now time.Time) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(id, workspace.CreateOptions{Path: path, CodexArgs: []string{"--profile", "dev"}}, now)
	if err != nil {
		t.Fatalf("workspace.New() error = %v", err)
	}
	return ws
}

func TestWorkspaceRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewWorkspaceRepository(openTestDB(t))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ws := newTestWorkspace(t, "ws-1", "/tmp/project-a", now)
	if err := repo.Create(ctx, ws); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, "ws-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Path != "/tmp/project-a" || got.Name != "project-a" {
		t.Errorf("Get() = %+v", got)
	}
	if len(got.CodexArgs) != 2 || got.CodexArgs[1] != "dev" {
		t.Errorf("CodexArgs = %v", got.CodexArgs)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}

	later := now.Add(time.Hour)
	repo.now = func() time.Time { return later }
	if err := repo.Touch(ctx, "ws-1"); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	got, _ = repo.Get(ctx, "ws-1")
	if !got.LastUsedAt.Equal(later) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, later)
	}

	if err := repo.Create(ctx, newTestWorkspace(t, "ws-2", "/tmp/b", now)); err != nil {
		t.Fatal(err)
	}
	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].Name != "b" {
		t.Errorf("List() should be ordered by name, got %v", list)
	}

	if err := repo.Delete(ctx, "ws-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, "ws-1"); !errors.Is(err, domainErrors.ErrWorkspaceNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrWorkspaceNotFound", err)
	}
}

func TestWorkspaceRepository_Errors(t *testing.T) {
	ctx := context.Background()
	repo := NewWorkspaceRepository(openTestDB(t))
	now := time.Now()

	if err := repo.Create(ctx, newTestWorkspace(t, "ws-1", "/tmp/a", now)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate path", repo.Create(ctx, newTestWorkspace(t, "ws-2", "/tmp/a", now)), domainErrors.ErrWorkspaceExists},
		{"duplicate id", repo.Create(ctx, newTestWorkspace(t, "ws-1", "/tmp/other", now)), domainErrors.ErrWorkspaceExists},
		{"touch missing", repo.Touch(ctx, "nope"), domainErrors.ErrWorkspaceNotFound},
		{"delete missing", repo.Delete(ctx, "nope"), domainErrors.ErrWorkspaceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}
}

func TestMemoryRepository_AppendDedupes(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(openTestDB(t))

	req := memory.AppendRequest{
		Kind:        memory.KindDaily,
		Title:       "Session notes",
		Content:     "  decided to use sqlite  ",
		Tags:        []string{"auto_memory", "auto_memory", " daily "},
		WorkspaceID: "ws-1",
		ThreadID:    "th-1",
	}

	first, err := repo.Append(ctx, req)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.ID == "" || first.Hash == "" {
		t.Errorf("Append() should set id and hash: %+v", first)
	}
	if first.Content != "decided to use sqlite" {
		t.Errorf("Content = %q, want trimmed", first.Content)
	}
	if len(first.Tags) != 2 {
		t.Errorf("Tags = %v, want normalized", first.Tags)
	}

	again, err := repo.Append(ctx, req)
	if err != nil {
		t.Fatalf("second Append() error = %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("duplicate content should return existing entry %s, got %s", first.ID, again.ID)
	}

	// Same content under another kind is a separate entry.
	req.Kind = memory.KindCurated
	curated, err := repo.Append(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if curated.ID == first.ID {
		t.Error("curated entry should not dedupe against daily entry")
	}
}

func TestMemoryRepository_AppendValidation(t *testing.T) {
	repo := NewMemoryRepository(openTestDB(t))

	tests := []struct {
		name string
		req  memory.AppendRequest
		want error
	}{
		{"bad kind", memory.AppendRequest{Kind: "weekly", Content: "x"}, memory.ErrInvalidKind},
		{"empty content", memory.AppendRequest{Kind: memory.KindDaily, Content: "   "}, memory.ErrEmptyContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := repo.Append(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Append() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMemoryRepository_Search(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(openTestDB(t))

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	step := 0
	repo.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	seed := []memory.AppendRequest{
		{Kind: memory.KindDaily, Title: "Morning", Content: "fixed the 100% cpu loop", Tags: []string{"auto_memory"}, WorkspaceID: "ws-1"},
		{Kind: memory.KindCurated, Title: "Decision", Content: "use sqlite for storage", Tags: []string{"auto_memory", "curated"}, WorkspaceID: "ws-1"},
		{Kind: memory.KindDaily, Title: "Evening", Content: "sqlite migration shipped", Tags: []string{"manual"}, WorkspaceID: "ws-2"},
	}
	for _, req := range seed {
		if _, err := repo.Append(ctx, req); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		query  memory.SearchQuery
		titles []string
	}{
		{"all newest first", memory.SearchQuery{}, []string{"Evening", "Decision", "Morning"}},
		{"text", memory.SearchQuery{Text: "sqlite"}, []string{"Evening", "Decision"}},
		{"title match", memory.SearchQuery{Text: "morn"}, []string{"Morning"}},
		{"literal percent", memory.SearchQuery{Text: "100%"}, []string{"Morning"}},
		{"kind", memory.SearchQuery{Kind: memory.KindCurated}, []string{"Decision"}},
		{"workspace", memory.SearchQuery{WorkspaceID: "ws-1"}, []string{"Decision", "Morning"}},
		{"tag", memory.SearchQuery{Tags: []string{"auto_memory"}}, []string{"Decision", "Morning"}},
		{"two tags", memory.SearchQuery{Tags: []string{"auto_memory", "curated"}}, []string{"Decision"}},
		{"limit", memory.SearchQuery{Limit: 1}, []string{"Evening"}},
		{"no match", memory.SearchQuery{Text: "postgres"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Search(ctx, tt.query)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(got) != len(tt.titles) {
				t.Fatalf("Search() returned %d entries, want %d: %+v", len(got), len(tt.titles), got)
			}
			for i, e := range got {
				if e.Title != tt.titles[i] {
					t.Errorf("entry %d title = %q, want %q", i, e.Title, tt.titles[i])
				}
			}
		})
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash(memory.KindDaily, "hello")
	if a != ContentHash(memory.KindDaily, " hello\n") {
		t.Error("hash should ignore surrounding whitespace")
	}
	if a == ContentHash(memory.KindCurated, "hello") {
		t.Error("hash should depend on kind")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
