// Package queue provides the durable, SQLite-backed task queue store:
// one strict priority queue per worker pool, plus restart-safe lineage
// counters for CI fix attempts and the project registry.
package queue

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite connection with queue-store operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// DefaultDBPath returns the store path inside a project workspace.
func DefaultDBPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".devflow", "queue.db")
}

// Open opens the store at path, creating parent directories as needed.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenMemory opens an in-memory store, for tests.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// Each connection gets its own in-memory database; keep the pool at
	// one so every query sees the same schema.
	conn.SetMaxOpenConns(1)
	return &DB{conn: conn, path: ":memory:"}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Lineages},
		{3, migrationV3Projects},
		{4, migrationV4FixCommits},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	source_item_id TEXT NOT NULL,
	pool TEXT NOT NULL,
	kind TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 5,
	status TEXT NOT NULL DEFAULT 'queued',
	payload TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	enqueued_at DATETIME NOT NULL,
	claimed_at DATETIME,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(pool, status, priority, seq);
CREATE INDEX IF NOT EXISTS idx_tasks_identity ON tasks(project_id, source_item_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

const migrationV2Lineages = `
CREATE TABLE IF NOT EXISTS lineages (
	project_id TEXT NOT NULL,
	lineage_id TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	exhausted INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (project_id, lineage_id)
);

CREATE TABLE IF NOT EXISTS fix_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	lineage_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	outcome TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fix_attempts_lineage ON fix_attempts(project_id, lineage_id);
CREATE INDEX IF NOT EXISTS idx_fix_attempts_run ON fix_attempts(run_id);
`

const migrationV3Projects = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	workspace TEXT NOT NULL,
	repo_name TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 0,
	last_ci_run_id TEXT,
	deploy_url TEXT,
	deployed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_projects_active ON projects(active);
`

const migrationV4FixCommits = `
ALTER TABLE fix_attempts ADD COLUMN commit_ref TEXT;

CREATE INDEX IF NOT EXISTS idx_tasks_project_claim ON tasks(project_id, pool, status, priority, seq);
`

// sqliteTimeLayout is fixed width so stored timestamps compare
// correctly as text. RFC3339Nano trims trailing zeros and breaks
// lexicographic ordering within a second.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
