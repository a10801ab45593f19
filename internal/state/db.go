// Package state provides the SQLite audit log for cadence.
// It records routed decisions, failure records and finished task runs so
// that outcomes survive the process; the live control-plane state itself
// lives in the workflow state file, not here.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection with cadence-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultPath returns the audit database path inside a state directory.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, "audit.db")
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
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

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenAndMigrate opens the database and applies pending migrations.
func OpenAndMigrate(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
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
		{1, migrationV1Decisions},
		{2, migrationV2Failures},
		{3, migrationV3TaskRuns},
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

const migrationV1Decisions = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	role TEXT,
	confidence REAL NOT NULL,
	band TEXT NOT NULL,
	outcome TEXT NOT NULL,
	routed_at DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_decisions_band ON decisions(band);
CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome);
`

const migrationV2Failures = `
CREATE TABLE IF NOT EXISTS failures (
	id TEXT PRIMARY KEY,
	issue_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	source TEXT,
	message TEXT NOT NULL,
	strategy TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	detail TEXT,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failures_issue_type ON failures(issue_type);
CREATE INDEX IF NOT EXISTS idx_failures_outcome ON failures(outcome);
`

const migrationV3TaskRuns = `
CREATE TABLE IF NOT EXISTS task_runs (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	priority TEXT NOT NULL,
	state TEXT NOT NULL,
	error TEXT,
	submitted_at DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_task_runs_state ON task_runs(state);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullableTime formats an optional time for SQLite storage.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
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

// Purge deletes audit rows older than the specified duration from every table.
// Returns the number of rows deleted.
func (db *DB) Purge(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	var total int64
	for _, stmt := range []string{
		`DELETE FROM decisions WHERE routed_at < ?`,
		`DELETE FROM failures WHERE recorded_at < ?`,
		`DELETE FROM task_runs WHERE submitted_at < ?`,
	} {
		result, err := db.Exec(stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("purge audit rows: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("get rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}
