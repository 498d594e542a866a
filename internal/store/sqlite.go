// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, applies pragmas, and creates the schema on first use

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers, which keeps the single-active
	// transaction free of SQLITE_BUSY and makes :memory: behave as one database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			name                    TEXT PRIMARY KEY,
			backend_conversation_id TEXT NOT NULL,
			model                   TEXT NOT NULL,
			is_active               INTEGER NOT NULL DEFAULT 0,
			created_at              TEXT NOT NULL,
			last_active_at          TEXT NOT NULL,
			message_count           INTEGER NOT NULL DEFAULT 0,

			CHECK (is_active IN (0, 1)),
			CHECK (message_count >= 0)
		);

		-- At most one row may be active.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_single_active
			ON sessions(is_active) WHERE is_active = 1;

		CREATE TABLE IF NOT EXISTS usage_records (
			id                      TEXT PRIMARY KEY,
			session_name            TEXT NOT NULL,
			conversation_key        TEXT NOT NULL,
			backend_conversation_id TEXT NOT NULL,
			model                   TEXT NOT NULL,
			input_tokens            INTEGER NOT NULL DEFAULT 0,
			output_tokens           INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens   INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens       INTEGER NOT NULL DEFAULT 0,
			cost_usd                REAL NOT NULL DEFAULT 0,
			num_turns               INTEGER NOT NULL DEFAULT 0,
			started_at              TEXT NOT NULL,
			created_at              TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_name, started_at);
		CREATE INDEX IF NOT EXISTS idx_usage_started ON usage_records(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)
