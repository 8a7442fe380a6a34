// Package db is the controller's persistent store.
//
// It wraps a single SQLite database which only the controller process ever
// opens for writing. Agents never touch it; they go through the task API.
package db

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx so the row-level helpers
// can run inside or outside a transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store wraps the SQLite connection with orchestrator-specific operations.
type Store struct {
	conn *sql.DB
}

// Open creates or opens the database at the given path, enables WAL mode and
// foreign keys, and applies any outstanding migrations. Use ":memory:" for
// tests.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The embedded store is single-writer; a single connection serializes
	// writes without busy-retry loops.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.Migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// migrations are applied in order; the schema version (PRAGMA user_version)
// records how many have run. Each entry is applied in its own transaction.
var migrations = []string{
	// 1: initial schema
	`
CREATE TABLE job_request (
    id                     TEXT PRIMARY KEY,
    backend                TEXT NOT NULL,
    workspace              TEXT NOT NULL,
    repo_url               TEXT NOT NULL,
    branch                 TEXT NOT NULL DEFAULT '',
    commit_sha             TEXT NOT NULL DEFAULT '',
    requested_actions      TEXT NOT NULL DEFAULT '[]',
    cancelled_actions      TEXT NOT NULL DEFAULT '[]',
    database_name          TEXT NOT NULL DEFAULT '',
    force_run_dependencies BOOLEAN NOT NULL DEFAULT 0,
    codelists_ok           BOOLEAN NOT NULL DEFAULT 1,
    original               TEXT NOT NULL DEFAULT '{}',
    expanded               BOOLEAN NOT NULL DEFAULT 0,
    created_at             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE job (
    id                     TEXT PRIMARY KEY,
    job_request_id         TEXT NOT NULL REFERENCES job_request(id),
    state                  TEXT NOT NULL,
    repo_url               TEXT NOT NULL DEFAULT '',
    commit_sha             TEXT NOT NULL DEFAULT '',
    workspace              TEXT NOT NULL DEFAULT '',
    database_name          TEXT NOT NULL DEFAULT '',
    action                 TEXT NOT NULL,
    requires_outputs_from  TEXT NOT NULL DEFAULT '[]',
    wait_for_job_ids       TEXT NOT NULL DEFAULT '[]',
    run_command            TEXT NOT NULL DEFAULT '[]',
    output_spec            TEXT NOT NULL DEFAULT '{}',
    status_message         TEXT NOT NULL DEFAULT '',
    status_code            TEXT NOT NULL DEFAULT '',
    cancelled              BOOLEAN NOT NULL DEFAULT 0,
    requires_db            BOOLEAN NOT NULL DEFAULT 0,
    backend                TEXT NOT NULL DEFAULT '',
    created_at             INTEGER NOT NULL DEFAULT 0,
    updated_at             INTEGER NOT NULL DEFAULT 0,
    started_at             INTEGER NOT NULL DEFAULT 0,
    completed_at           INTEGER NOT NULL DEFAULT 0,
    status_code_updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_job__job_request_id ON job (job_request_id);

-- Once jobs reach a terminal state the scheduler never needs them again. A
-- partial index over non-terminal states keeps the hot query small no matter
-- how much history accumulates.
CREATE INDEX idx_job__state ON job (state)
    WHERE state NOT IN ('failed', 'succeeded');

CREATE TABLE tasks (
    id                 TEXT PRIMARY KEY,
    backend            TEXT NOT NULL,
    type               TEXT NOT NULL,
    definition         TEXT NOT NULL DEFAULT '{}',
    active             BOOLEAN NOT NULL DEFAULT 1,
    created_at         INTEGER NOT NULL DEFAULT 0,
    finished_at        INTEGER NOT NULL DEFAULT 0,
    agent_stage        TEXT NOT NULL DEFAULT '',
    agent_complete     BOOLEAN NOT NULL DEFAULT 0,
    agent_results      TEXT NOT NULL DEFAULT '',
    agent_timestamp_ns INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_tasks__backend_active ON tasks (backend) WHERE active = 1;

CREATE TABLE flags (
    id        TEXT NOT NULL,
    value     TEXT NOT NULL DEFAULT '',
    backend   TEXT NOT NULL,
    timestamp INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (id, backend)
);
`,
}

// Migrate applies any migrations newer than the stored schema version.
func (s *Store) Migrate() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		// PRAGMA does not accept bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}

	return nil
}

// SchemaVersion returns the number of applied migrations.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// WithTransaction runs fn inside a transaction, committing on nil and
// rolling back on error.
func (s *Store) WithTransaction(fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
