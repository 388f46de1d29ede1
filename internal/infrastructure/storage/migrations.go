package storage

import (
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "create_workspaces_table", createWorkspacesTable},
	{2, "create_memory_entries_table", createMemoryEntriesTable},
	{3, "create_memory_indices", createMemoryIndices},
}

// applyMigrations applies all pending migrations in version order.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("could not enable foreign keys: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("could not create migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM migrations WHERE version = ?", m.version).Scan(&count); err != nil {
			return fmt.Errorf("could not check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("could not apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("could not record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const createWorkspacesTable = `
CREATE TABLE workspaces (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	path TEXT NOT NULL UNIQUE,
	codex_bin TEXT,
	codex_args TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	last_used_at TEXT NOT NULL
);
`

const createMemoryEntriesTable = `
CREATE TABLE memory_entries (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL CHECK (kind IN ('daily', 'curated')),
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	workspace_id TEXT,
	thread_id TEXT,
	hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (kind, hash)
);
`

const createMemoryIndices = `
CREATE INDEX idx_memory_workspace ON memory_entries(workspace_id);
CREATE INDEX idx_memory_created ON memory_entries(created_at);
`
