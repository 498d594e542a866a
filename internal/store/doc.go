// Package store provides persistent storage for coven-relay using SQLite.
//
// # Architecture
//
// Two interfaces describe what the relay persists:
//
//   - SessionStore: named sessions binding the relay to backend conversations
//   - UsageStore: per-exchange token and cost records
//
// SQLiteStore implements both in a single struct. MockStore is an in-memory
// implementation for tests.
//
// # Single Active Session
//
// At most one session row has is_active = 1. This is enforced twice: every
// write that activates a session first deactivates the others inside the same
// transaction, and a partial unique index rejects a second active row.
//
// # SQLite Configuration
//
// The store opens SQLite through modernc.org/sqlite with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The pool is limited to one connection, so ":memory:" databases behave as a
// single database across calls.
//
// # Error Handling
//
// ErrNotFound is returned when a named session does not exist or when no
// session is active. All methods accept context.Context for cancellation.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") for
// integration tests with real SQLite.
package store
