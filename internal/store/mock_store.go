// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by name
	usage    []*UsageEntry
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
	}
}

func copySession(s *Session) *Session {
	c := *s
	return &c
}

// GetActiveSession returns the active session.
func (m *MockStore) GetActiveSession(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.IsActive {
			return copySession(s), nil
		}
	}
	return nil, ErrNotFound
}

// GetSession returns the named session.
func (m *MockStore) GetSession(ctx context.Context, name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[name]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// ListSessions returns all sessions, most recently active first.
func (m *MockStore) ListSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out, nil
}

// ReplaceActiveSession upserts the session as the only active one.
func (m *MockStore) ReplaceActiveSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		s.IsActive = false
	}
	session.IsActive = true
	m.sessions[session.Name] = copySession(session)
	return nil
}

// ActivateSession marks the named session as the only active one.
func (m *MockStore) ActivateSession(ctx context.Context, name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.sessions[name]
	if !ok {
		return nil, ErrNotFound
	}
	for _, s := range m.sessions {
		s.IsActive = false
	}
	target.IsActive = true
	return copySession(target), nil
}

// TouchSession increments the message count and records activity.
func (m *MockStore) TouchSession(ctx context.Context, name string, at time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[name]
	if !ok {
		return nil, ErrNotFound
	}
	s.MessageCount++
	s.LastActiveAt = at
	return copySession(s), nil
}

// UpdateSessionBackendID records the backend conversation id.
func (m *MockStore) UpdateSessionBackendID(ctx context.Context, name, backendID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[name]
	if !ok {
		return ErrNotFound
	}
	s.BackendConversationID = backendID
	return nil
}

// UpdateSessionModel changes the session model.
func (m *MockStore) UpdateSessionModel(ctx context.Context, name, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[name]
	if !ok {
		return ErrNotFound
	}
	s.Model = model
	return nil
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[name]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, name)
	return nil
}

// SaveUsage stores a usage record.
func (m *MockStore) SaveUsage(ctx context.Context, entry *UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	e := *entry
	m.usage = append(m.usage, &e)
	return nil
}

// ListRecentUsage returns up to limit records, newest first.
func (m *MockStore) ListRecentUsage(ctx context.Context, limit int) ([]*UsageEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*UsageEntry, 0, len(m.usage))
	for i := len(m.usage) - 1; i >= 0; i-- {
		e := *m.usage[i]
		out = append(out, &e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetUsageStats aggregates stored usage records.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, e := range m.usage {
		if filter.SessionName != nil && e.SessionName != *filter.SessionName {
			continue
		}
		if filter.Since != nil && e.StartedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !e.StartedAt.Before(*filter.Until) {
			continue
		}
		stats.TotalInput += e.InputTokens
		stats.TotalOutput += e.OutputTokens
		stats.TotalCacheCreation += e.CacheCreationTokens
		stats.TotalCacheRead += e.CacheReadTokens
		stats.TotalCostUSD += e.CostUSD
		stats.ExchangeCount++
	}
	return &stats, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface.
var _ Store = (*MockStore)(nil)
