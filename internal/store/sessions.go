// ABOUTME: SQLite implementation of SessionStore
// ABOUTME: Activation writes run in a transaction so at most one session is ever active

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sessionColumns = `name, backend_conversation_id, model, is_active, created_at, last_active_at, message_count`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// GetActiveSession returns the active session, or ErrNotFound when none is active.
func (s *SQLiteStore) GetActiveSession(ctx context.Context) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE is_active = 1`)
	sess, err := scanSession(row)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active session: %w", err)
	}
	return sess, nil
}

// GetSession returns the named session.
func (s *SQLiteStore) GetSession(ctx context.Context, name string) (*Session, error) {
	return getSession(ctx, s.db, name)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSession(ctx context.Context, q queryRower, name string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE name = ?`, name)
	sess, err := scanSession(row)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %q: %w", name, err)
	}
	return sess, nil
}

// ListSessions returns all sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY last_active_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// ReplaceActiveSession deactivates every session and upserts the given one as active.
func (s *SQLiteStore) ReplaceActiveSession(ctx context.Context, session *Session) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET is_active = 0 WHERE is_active = 1`); err != nil {
			return fmt.Errorf("deactivating sessions: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				backend_conversation_id = excluded.backend_conversation_id,
				model = excluded.model,
				is_active = 1,
				created_at = excluded.created_at,
				last_active_at = excluded.last_active_at,
				message_count = excluded.message_count
		`,
			session.Name,
			session.BackendConversationID,
			session.Model,
			formatTime(session.CreatedAt),
			formatTime(session.LastActiveAt),
			session.MessageCount,
		)
		if err != nil {
			return fmt.Errorf("upserting session: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	session.IsActive = true
	s.logger.Debug("replaced active session", "name", session.Name, "model", session.Model)
	return nil
}

// ActivateSession marks the named session active and all others inactive.
func (s *SQLiteStore) ActivateSession(ctx context.Context, name string) (*Session, error) {
	var out *Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSession(ctx, tx, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET is_active = 0 WHERE is_active = 1 AND name != ?`, name); err != nil {
			return fmt.Errorf("deactivating sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET is_active = 1 WHERE name = ?`, name); err != nil {
			return fmt.Errorf("activating session: %w", err)
		}
		sess, err := getSession(ctx, tx, name)
		if err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TouchSession increments the message count and records activity in one statement.
func (s *SQLiteStore) TouchSession(ctx context.Context, name string, at time.Time) (*Session, error) {
	var out *Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET message_count = message_count + 1, last_active_at = ?
			WHERE name = ?
		`, formatTime(at), name)
		if err != nil {
			return fmt.Errorf("touching session: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		sess, err := getSession(ctx, tx, name)
		if err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSessionBackendID records the backend conversation id reported by the backend.
func (s *SQLiteStore) UpdateSessionBackendID(ctx context.Context, name, backendID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET backend_conversation_id = ? WHERE name = ?`, backendID, name)
	if err != nil {
		return fmt.Errorf("updating backend id: %w", err)
	}
	return requireRow(res)
}

// UpdateSessionModel changes the model used for subsequent exchanges.
func (s *SQLiteStore) UpdateSessionModel(ctx context.Context, name, model string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET model = ? WHERE name = ?`, model, name)
	if err != nil {
		return fmt.Errorf("updating model: %w", err)
	}
	return requireRow(res)
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                    Session
		active                  int
		createdAt, lastActiveAt string
	)
	if err := row.Scan(
		&sess.Name,
		&sess.BackendConversationID,
		&sess.Model,
		&active,
		&createdAt,
		&lastActiveAt,
		&sess.MessageCount,
	); err != nil {
		return nil, err
	}

	sess.IsActive = active == 1

	var err error
	if sess.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if sess.LastActiveAt, err = parseTime("last_active_at", lastActiveAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Ensure SQLiteStore implements SessionStore interface.
var _ SessionStore = (*SQLiteStore)(nil)
