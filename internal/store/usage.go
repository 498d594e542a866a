// ABOUTME: SQLite implementation for exchange usage tracking
// ABOUTME: Stores per-exchange token and cost records and aggregates them for reporting

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveUsage stores a usage record. An empty ID is filled with a new UUID.
func (s *SQLiteStore) SaveUsage(ctx context.Context, entry *UsageEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO usage_records (
			id, session_name, conversation_key, backend_conversation_id, model,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			cost_usd, num_turns, started_at, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.SessionName,
		entry.ConversationKey,
		entry.BackendConversationID,
		entry.Model,
		entry.InputTokens,
		entry.OutputTokens,
		entry.CacheCreationTokens,
		entry.CacheReadTokens,
		entry.CostUSD,
		entry.NumTurns,
		formatTime(entry.StartedAt),
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved usage",
		"id", entry.ID,
		"session", entry.SessionName,
		"input_tokens", entry.InputTokens,
		"output_tokens", entry.OutputTokens,
		"cost_usd", entry.CostUSD,
	)
	return nil
}

// ListRecentUsage returns up to limit records, newest first.
func (s *SQLiteStore) ListRecentUsage(ctx context.Context, limit int) ([]*UsageEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_name, conversation_key, backend_conversation_id, model,
		       input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		       cost_usd, num_turns, started_at, created_at
		FROM usage_records
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*UsageEntry
	for rows.Next() {
		entry, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return entries, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COUNT(*)
		FROM usage_records
		WHERE 1=1
	`
	args := []any{}

	if filter.SessionName != nil {
		query += " AND session_name = ?"
		args = append(args, *filter.SessionName)
	}
	if filter.Since != nil {
		query += " AND started_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += " AND started_at < ?"
		args = append(args, formatTime(*filter.Until))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.TotalCacheCreation,
		&stats.TotalCacheRead,
		&stats.TotalCostUSD,
		&stats.ExchangeCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	return &stats, nil
}

// scanUsage scans a single usage row into a UsageEntry.
func scanUsage(rows *sql.Rows) (*UsageEntry, error) {
	var entry UsageEntry
	var startedAt, createdAt string

	err := rows.Scan(
		&entry.ID,
		&entry.SessionName,
		&entry.ConversationKey,
		&entry.BackendConversationID,
		&entry.Model,
		&entry.InputTokens,
		&entry.OutputTokens,
		&entry.CacheCreationTokens,
		&entry.CacheReadTokens,
		&entry.CostUSD,
		&entry.NumTurns,
		&startedAt,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	if entry.StartedAt, err = parseTime("started_at", startedAt); err != nil {
		return nil, err
	}
	if entry.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}

	return &entry, nil
}

// Ensure SQLiteStore implements UsageStore interface.
var _ UsageStore = (*SQLiteStore)(nil)
