// ABOUTME: Store interfaces and data types for coven-relay persistence
// ABOUTME: Defines Session and UsageEntry plus the SessionStore and UsageStore contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session is a named, durable binding between the relay and one backend
// conversation. At most one session is active at any time.
type Session struct {
	Name                  string
	BackendConversationID string
	Model                 string
	IsActive              bool
	CreatedAt             time.Time
	LastActiveAt          time.Time
	MessageCount          int
}

// UsageEntry is one completed exchange's token and cost accounting.
type UsageEntry struct {
	ID                    string
	SessionName           string
	ConversationKey       string
	BackendConversationID string
	Model                 string
	InputTokens           int64
	OutputTokens          int64
	CacheCreationTokens   int64
	CacheReadTokens       int64
	CostUSD               float64
	NumTurns              int
	StartedAt             time.Time
	CreatedAt             time.Time
}

// UsageFilter narrows GetUsageStats. Nil fields are ignored.
type UsageFilter struct {
	SessionName *string
	Since       *time.Time
	Until       *time.Time
}

// UsageStats aggregates usage entries.
type UsageStats struct {
	TotalInput         int64
	TotalOutput        int64
	TotalCacheCreation int64
	TotalCacheRead     int64
	TotalCostUSD       float64
	ExchangeCount      int64
}

// SessionStore persists sessions. Every method that activates a session
// deactivates all others in the same transaction.
type SessionStore interface {
	GetActiveSession(ctx context.Context) (*Session, error)
	GetSession(ctx context.Context, name string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)

	// ReplaceActiveSession creates or overwrites the named session and makes it the active one.
	ReplaceActiveSession(ctx context.Context, session *Session) error
	// ActivateSession makes an existing session active without changing its other fields.
	ActivateSession(ctx context.Context, name string) (*Session, error)

	// TouchSession increments message_count and sets last_active_at, returning the updated row.
	TouchSession(ctx context.Context, name string, at time.Time) (*Session, error)
	UpdateSessionBackendID(ctx context.Context, name, backendID string) error
	UpdateSessionModel(ctx context.Context, name, model string) error
	DeleteSession(ctx context.Context, name string) error
}

// UsageStore persists usage entries.
type UsageStore interface {
	SaveUsage(ctx context.Context, entry *UsageEntry) error
	ListRecentUsage(ctx context.Context, limit int) ([]*UsageEntry, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store is everything the relay persists.
type Store interface {
	SessionStore
	UsageStore

	// Close releases any resources held by the store
	Close() error
}
