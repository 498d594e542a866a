// ABOUTME: Tests for the session registry
// ABOUTME: Covers activation rules, rotation, touch, and the staleness boundary

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(s, nil)
	r.Now = clock.Now
	return r, clock
}

func TestCreate_DeactivatesPrevious(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Create(ctx, "A", "sonnet")
	require.NoError(t, err)
	b, err := r.Create(ctx, "B", "opus")
	require.NoError(t, err)
	assert.NotEqual(t, a.BackendConversationID, b.BackendConversationID)

	all, err := r.List(ctx)
	require.NoError(t, err)
	var active []string
	for _, s := range all {
		if s.IsActive {
			active = append(active, s.Name)
		}
	}
	assert.Equal(t, []string{"B"}, active)
}

func TestGetActive_NoneIsNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.GetActive(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRotate_ResetsCountAndID(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.Create(ctx, "main", "sonnet")
	require.NoError(t, err)
	require.NoError(t, r.Touch(ctx, sess))
	require.NoError(t, r.Touch(ctx, sess))
	assert.Equal(t, 2, sess.MessageCount)

	rotated, err := r.Rotate(ctx, "main", "sonnet")
	require.NoError(t, err)
	assert.Equal(t, 0, rotated.MessageCount)
	assert.NotEqual(t, sess.BackendConversationID, rotated.BackendConversationID)
	assert.True(t, rotated.IsActive)
}

func TestSwitch_PreservesState(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Create(ctx, "A", "sonnet")
	require.NoError(t, err)
	require.NoError(t, r.Touch(ctx, a))
	_, err = r.Create(ctx, "B", "sonnet")
	require.NoError(t, err)

	back, err := r.Switch(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, a.BackendConversationID, back.BackendConversationID)
	assert.Equal(t, 1, back.MessageCount)
	assert.True(t, back.IsActive)

	_, err = r.Switch(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTouch_UpdatesInPlace(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.Create(ctx, "main", "sonnet")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, r.Touch(ctx, sess))
	assert.Equal(t, 1, sess.MessageCount)
	assert.True(t, sess.LastActiveAt.Equal(clock.now))

	stored, err := r.Get(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.MessageCount)
}

func TestIsStale_Boundary(t *testing.T) {
	r, clock := newTestRegistry(t)
	sess := &store.Session{Name: "main", LastActiveAt: clock.now}
	threshold := 12 * time.Hour

	clock.Advance(threshold)
	assert.False(t, r.IsStale(sess, threshold), "exactly at the threshold is not stale")

	clock.Advance(time.Nanosecond)
	assert.True(t, r.IsStale(sess, threshold))

	assert.False(t, r.IsStale(sess, 0), "zero threshold disables staleness")
}

func TestUpdateBackendIDAndModel(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.Create(ctx, "main", "sonnet")
	require.NoError(t, err)

	require.NoError(t, r.UpdateBackendID(ctx, sess, "s2"))
	assert.Equal(t, "s2", sess.BackendConversationID)
	require.NoError(t, r.SetModel(ctx, "main", "haiku"))

	stored, err := r.Get(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "s2", stored.BackendConversationID)
	assert.Equal(t, "haiku", stored.Model)

	assert.ErrorIs(t, r.SetModel(ctx, "missing", "x"), store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "gone", "sonnet")
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "gone"))

	_, err = r.Get(ctx, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAutoName(t *testing.T) {
	at := time.Date(2026, 4, 2, 7, 5, 9, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "session-20260402-060509", AutoName(at))
}
