// ABOUTME: Session lifecycle registry over the session store
// ABOUTME: Creates, switches, rotates, and touches sessions; decides staleness

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
)

// Registry manages the durable set of named sessions.
// At most one session is active at any time.
type Registry struct {
	store  store.SessionStore
	logger *slog.Logger

	// Now returns the current time. Tests replace it with a fixed clock.
	Now func() time.Time
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(s store.SessionStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger.With("component", "sessions"),
		Now:    time.Now,
	}
}

// GetActive returns the active session, or store.ErrNotFound when there is none.
func (r *Registry) GetActive(ctx context.Context) (*store.Session, error) {
	return r.store.GetActiveSession(ctx)
}

// Get returns the named session.
func (r *Registry) Get(ctx context.Context, name string) (*store.Session, error) {
	return r.store.GetSession(ctx, name)
}

// List returns every session, most recently active first.
func (r *Registry) List(ctx context.Context) ([]*store.Session, error) {
	return r.store.ListSessions(ctx)
}

// Create makes name the active session with a fresh backend conversation id
// and a zero message count. An existing session with that name is replaced.
func (r *Registry) Create(ctx context.Context, name, model string) (*store.Session, error) {
	now := r.Now()
	sess := &store.Session{
		Name:                  name,
		BackendConversationID: uuid.New().String(),
		Model:                 model,
		CreatedAt:             now,
		LastActiveAt:          now,
		MessageCount:          0,
	}
	if err := r.store.ReplaceActiveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session %q: %w", name, err)
	}

	r.logger.Info("session created", "name", name, "model", model, "backend_id", sess.BackendConversationID)
	return sess, nil
}

// AutoName returns the name given to sessions created without one.
func AutoName(t time.Time) string {
	return "session-" + t.UTC().Format("20060102-150405")
}

// Rotate discards the backend context of name by recreating it.
func (r *Registry) Rotate(ctx context.Context, name, model string) (*store.Session, error) {
	sess, err := r.Create(ctx, name, model)
	if err != nil {
		return nil, err
	}
	r.logger.Info("session rotated", "name", name)
	return sess, nil
}

// Switch reactivates an existing session without resetting it.
// Returns store.ErrNotFound if the name does not exist.
func (r *Registry) Switch(ctx context.Context, name string) (*store.Session, error) {
	sess, err := r.store.ActivateSession(ctx, name)
	if err != nil {
		return nil, err
	}
	r.logger.Info("session switched", "name", name, "messages", sess.MessageCount)
	return sess, nil
}

// Touch records one exchange attempt on sess and updates it in place.
func (r *Registry) Touch(ctx context.Context, sess *store.Session) error {
	updated, err := r.store.TouchSession(ctx, sess.Name, r.Now())
	if err != nil {
		return fmt.Errorf("touching session %q: %w", sess.Name, err)
	}
	sess.MessageCount = updated.MessageCount
	sess.LastActiveAt = updated.LastActiveAt
	return nil
}

// IsStale reports whether sess has been idle for strictly longer than threshold.
// A zero or negative threshold disables staleness.
func (r *Registry) IsStale(sess *store.Session, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return r.Now().Sub(sess.LastActiveAt) > threshold
}

// UpdateBackendID stores the backend's own conversation id on sess.
func (r *Registry) UpdateBackendID(ctx context.Context, sess *store.Session, id string) error {
	if err := r.store.UpdateSessionBackendID(ctx, sess.Name, id); err != nil {
		return fmt.Errorf("updating backend id for %q: %w", sess.Name, err)
	}
	r.logger.Debug("backend id updated", "name", sess.Name, "old", sess.BackendConversationID, "new", id)
	sess.BackendConversationID = id
	return nil
}

// SetModel changes the model for the named session.
func (r *Registry) SetModel(ctx context.Context, name, model string) error {
	if err := r.store.UpdateSessionModel(ctx, name, model); err != nil {
		return fmt.Errorf("setting model for %q: %w", name, err)
	}
	return nil
}

// Delete removes the named session.
func (r *Registry) Delete(ctx context.Context, name string) error {
	return r.store.DeleteSession(ctx, name)
}
