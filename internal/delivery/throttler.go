// ABOUTME: Paces streamed output into one message that is sent once and then edited
// ABOUTME: Finalizes a reply by editing the streamed message and sending overflow chunks

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Transport is the outbound side of a chat transport, keyed by conversation.
type Transport interface {
	// Send posts a new message and returns its id.
	Send(ctx context.Context, key string, msg Rendered) (string, error)
	// Edit replaces the body of a previously sent message.
	Edit(ctx context.Context, key, messageID string, msg Rendered) error
	// Typing turns the presence indicator on or off.
	Typing(ctx context.Context, key string, typing bool) error
}

// Throttler accumulates streamed text for one conversation and flushes it at
// most once per interval.
type Throttler struct {
	transport Transport
	renderer  Renderer
	key       string
	interval  time.Duration
	limit     int
	logger    *slog.Logger

	// Now returns the current time. Tests replace it.
	Now func() time.Time

	mu        sync.Mutex
	text      strings.Builder
	messageID string
	lastFlush time.Time
	flushed   string
}

// NewThrottler creates a throttler for key. limit is the transport's maximum
// message length in runes.
func NewThrottler(t Transport, r Renderer, key string, interval time.Duration, limit int, logger *slog.Logger) *Throttler {
	if r == nil {
		r = PlainRenderer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttler{
		transport: t,
		renderer:  r,
		key:       key,
		interval:  interval,
		limit:     limit,
		logger:    logger.With("component", "delivery", "key", key),
		Now:       time.Now,
	}
}

// Feed appends chunk and flushes when the interval has elapsed since the
// last flush. The first non-empty feed flushes immediately.
// Transport failures are logged; streaming continues.
func (t *Throttler) Feed(ctx context.Context, chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.text.WriteString(chunk)
	if strings.TrimSpace(t.text.String()) == "" {
		return
	}

	now := t.Now()
	if !t.lastFlush.IsZero() && now.Sub(t.lastFlush) <= t.interval {
		return
	}

	if err := t.flushLocked(ctx, Truncate(t.text.String(), t.limit)); err != nil {
		t.logger.Warn("streaming update failed", "error", err)
		return
	}
	t.lastFlush = now
}

// Flush pushes the accumulated text now, regardless of the interval.
func (t *Throttler) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if strings.TrimSpace(t.text.String()) == "" {
		return nil
	}
	if err := t.flushLocked(ctx, Truncate(t.text.String(), t.limit)); err != nil {
		return err
	}
	t.lastFlush = t.Now()
	return nil
}

func (t *Throttler) flushLocked(ctx context.Context, body string) error {
	if body == t.flushed && t.messageID != "" {
		return nil
	}

	rendered := t.renderer.Render(body)
	if t.messageID == "" {
		id, err := t.transport.Send(ctx, t.key, rendered)
		if err != nil {
			return fmt.Errorf("sending message: %w", err)
		}
		t.messageID = id
	} else if err := t.transport.Edit(ctx, t.key, t.messageID, rendered); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	t.flushed = body
	return nil
}

// Finish delivers the final reply. The first chunk replaces the streamed
// message if one was sent, otherwise it is sent fresh; remaining chunks are
// sent as new messages. It returns the number of chunks delivered.
func (t *Throttler) Finish(ctx context.Context, final string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	chunks := Split(final, t.limit)
	if len(chunks) == 0 {
		return 0, nil
	}

	if err := t.flushLocked(ctx, chunks[0]); err != nil {
		return 0, err
	}
	for i, chunk := range chunks[1:] {
		if _, err := t.transport.Send(ctx, t.key, t.renderer.Render(chunk)); err != nil {
			return i + 1, fmt.Errorf("sending chunk %d of %d: %w", i+2, len(chunks), err)
		}
	}

	t.text.Reset()
	t.text.WriteString(final)
	return len(chunks), nil
}

// MessageID returns the id of the streamed message, or "" if none was sent.
func (t *Throttler) MessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageID
}

// Text returns the accumulated text.
func (t *Throttler) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// Reset clears the accumulated text but keeps the streamed message, so a
// retried exchange keeps editing the same message.
func (t *Throttler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text.Reset()
	t.lastFlush = time.Time{}
}
