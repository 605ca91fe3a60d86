// Package persistence implements the durable SQLite-backed store behind
// TaskStore (C3), the MessageQueue (C4) row format, and AgentRegistry (C5)
// records. It follows the teacher's single-writer-connection discipline:
// WAL mode, a capped connection pool, and busy-retry with jitter around
// every write transaction, plus a checksum-verified schema_migrations
// ledger so an old binary refuses to run against a newer database.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the current schema generation. Bump alongside adding a
// migration step and a new checksum entry below.
const schemaVersion = 1

const schemaChecksumV1 = "scc-v1-2026-01-task-agent-message-lease"

// Store wraps the SQLite connection used by TaskStore, MessageQueue, and
// AgentRegistry.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the conventional database path under a repo root.
func DefaultDBPath(repoRoot string) string {
	return filepath.Join(repoRoot, "artifacts", "scc_state", "scc-hub.db")
}

// Open opens (creating if needed) the SQLite database at path, applies
// pragmas, and validates/creates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for callers that need a raw query
// (e.g. status/doctor diagnostics).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is reachable, used by the
// readiness endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) configurePragmas() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	return nil
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		parent_task_id TEXT,
		task_code TEXT NOT NULL,
		status TEXT NOT NULL,
		verdict TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		owner_role TEXT NOT NULL DEFAULT 'submitter',
		required_capability TEXT,
		assigned_agent TEXT,
		lease_owner TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		lease_expiry TIMESTAMP,
		request TEXT NOT NULL DEFAULT '{}',
		task_class_id TEXT,
		pins TEXT,
		allowed_tests TEXT,
		acceptance TEXT,
		stop_conditions TEXT,
		created_utc TIMESTAMP NOT NULL,
		updated_utc TIMESTAMP NOT NULL,
		run_id TEXT,
		exit_code INTEGER,
		report_path TEXT,
		evidence_dir TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, priority DESC, created_utc ASC, task_id ASC);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_lease_expiry ON tasks(status, lease_expiry);`,
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		numeric_code INTEGER NOT NULL UNIQUE,
		owner_role TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		allowed_tools TEXT NOT NULL DEFAULT '[]',
		capacity INTEGER NOT NULL DEFAULT 1,
		completion_limit_per_minute INTEGER NOT NULL DEFAULT 0,
		send_enabled INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'available',
		created_utc TIMESTAMP NOT NULL,
		updated_utc TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS agent_completions (
		agent_id TEXT NOT NULL,
		completed_utc TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_completions ON agent_completions(agent_id, completed_utc);`,
	`CREATE TABLE IF NOT EXISTS messages (
		msg_id TEXT PRIMARY KEY,
		taskcode TEXT,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		kind TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		requires_response INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		created_utc TIMESTAMP NOT NULL,
		delivery_state TEXT NOT NULL DEFAULT 'queued'
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_delivery ON messages(to_agent, delivery_state, priority DESC, created_utc ASC, msg_id ASC);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT,
		subject TEXT,
		action TEXT,
		decision TEXT,
		reason TEXT,
		policy_version TEXT,
		created_utc TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, tableStatements[0]); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var existingChecksum string
	var existingVersion int
	err := s.db.QueryRowContext(ctx,
		`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&existingVersion, &existingChecksum)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		for _, stmt := range tableStatements[1:] {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`,
			schemaVersion, schemaChecksumV1)
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema_migrations: %w", err)
	}

	if existingVersion > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", existingVersion, schemaVersion)
	}
	if existingVersion == schemaVersion && existingChecksum != schemaChecksumV1 {
		return fmt.Errorf("database schema checksum mismatch at version %d: got %q want %q",
			existingVersion, existingChecksum, schemaChecksumV1)
	}
	// Future versions would run incremental migrations here before
	// re-checking/recording the new checksum.
	for _, stmt := range tableStatements[1:] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// isSQLiteBusy reports whether err indicates SQLITE_BUSY/SQLITE_LOCKED,
// matched on error text since mattn/go-sqlite3 doesn't always surface a
// typed error through database/sql's generic interfaces.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// retryOnBusy runs f inside a best-effort retry loop with exponential
// backoff and jitter, absorbing transient SQLITE_BUSY errors from
// concurrent writers sharing the single connection.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	backoff := 50 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = f()
		if lastErr == nil || !isSQLiteBusy(lastErr) {
			return lastErr
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		wait := backoff + jitter - backoff/4
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}

func nowUTC() time.Time { return time.Now().UTC() }
