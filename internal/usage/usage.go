// ABOUTME: Per-exchange usage records and the sinks that receive them
// ABOUTME: Reporting is best-effort: failures are logged and never reach the conversation

package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

// Record is the token and cost accounting for one completed exchange.
type Record struct {
	SessionName           string    `json:"session_name"`
	ConversationKey       string    `json:"conversation_key"`
	BackendConversationID string    `json:"backend_conversation_id"`
	Model                 string    `json:"model"`
	InputTokens           int64     `json:"input_tokens"`
	OutputTokens          int64     `json:"output_tokens"`
	CacheCreationTokens   int64     `json:"cache_creation_tokens"`
	CacheReadTokens       int64     `json:"cache_read_tokens"`
	CostUSD               float64   `json:"cost_usd"`
	NumTurns              int       `json:"num_turns"`
	StartedAt             time.Time `json:"started_at"`
}

// Sink receives usage records.
type Sink interface {
	Report(ctx context.Context, rec Record) error
}

// MultiSink reports to every sink and aggregates their errors.
type MultiSink []Sink

func (m MultiSink) Report(ctx context.Context, rec Record) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Report(ctx, rec); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Emitter reports records in the background with a per-report timeout.
type Emitter struct {
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewEmitter creates an emitter. A nil sink discards records.
func NewEmitter(sink Sink, timeout time.Duration, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sink:    sink,
		timeout: timeout,
		logger:  logger.With("component", "usage"),
	}
}

// Emit reports rec without blocking the caller.
func (e *Emitter) Emit(rec Record) {
	if e == nil || e.sink == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx := context.Background()
		if e.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}

		if err := e.sink.Report(ctx, rec); err != nil {
			e.logger.Warn("usage report failed",
				"session", rec.SessionName,
				"backend_id", rec.BackendConversationID,
				"error", err,
			)
			return
		}
		e.logger.Debug("usage reported",
			"session", rec.SessionName,
			"input_tokens", rec.InputTokens,
			"output_tokens", rec.OutputTokens,
			"cost_usd", rec.CostUSD,
		)
	}()
}

// Wait blocks until in-flight reports finish or ctx is done.
func (e *Emitter) Wait(ctx context.Context) error {
	if e == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FromConfig builds the sink described by cfg. It returns nil when usage
// reporting is not configured.
func FromConfig(cfg config.UsageConfig, s store.UsageStore) Sink {
	var sinks MultiSink
	if cfg.Endpoint != "" {
		sinks = append(sinks, NewHTTPSink(cfg.Endpoint, cfg.Token, cfg.Timeout))
	}
	if cfg.StoreLocal && s != nil {
		sinks = append(sinks, NewStoreSink(s))
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}
