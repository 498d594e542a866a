// ABOUTME: Local usage sink that persists records in the relay's SQLite store
// ABOUTME: Backs the `usage` subcommand's reports

package usage

import (
	"context"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// StoreSink saves records to a store.UsageStore.
type StoreSink struct {
	store store.UsageStore
}

// NewStoreSink creates a sink backed by s.
func NewStoreSink(s store.UsageStore) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Report(ctx context.Context, rec Record) error {
	return s.store.SaveUsage(ctx, &store.UsageEntry{
		SessionName:           rec.SessionName,
		ConversationKey:       rec.ConversationKey,
		BackendConversationID: rec.BackendConversationID,
		Model:                 rec.Model,
		InputTokens:           rec.InputTokens,
		OutputTokens:          rec.OutputTokens,
		CacheCreationTokens:   rec.CacheCreationTokens,
		CacheReadTokens:       rec.CacheReadTokens,
		CostUSD:               rec.CostUSD,
		NumTurns:              rec.NumTurns,
		StartedAt:             rec.StartedAt,
		CreatedAt:             time.Now(),
	})
}
