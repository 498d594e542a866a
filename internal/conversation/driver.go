// ABOUTME: ConversationDriver runs one processing loop per conversation key
// ABOUTME: Resolves the session, spawns the backend, streams replies, and recovers from expired sessions

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/queue"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/usage"
)

// ErrQueueFull is returned by Submit when the conversation already has the
// maximum number of pending messages. Nothing was enqueued.
var ErrQueueFull = errors.New("conversation queue is full")

// ErrShuttingDown is returned by Submit after Shutdown has started.
var ErrShuttingDown = errors.New("driver is shutting down")

// DefaultNewSessionMarker prefixes a reply produced by the automatic retry.
const DefaultNewSessionMarker = "_(new session started; the previous backend session had expired)_"

// Sessions is what the driver needs from the session registry.
type Sessions interface {
	GetActive(ctx context.Context) (*store.Session, error)
	Create(ctx context.Context, name, model string) (*store.Session, error)
	Rotate(ctx context.Context, name, model string) (*store.Session, error)
	Touch(ctx context.Context, sess *store.Session) error
	IsStale(sess *store.Session, threshold time.Duration) bool
	UpdateBackendID(ctx context.Context, sess *store.Session, id string) error
}

// Backend runs one exchange against the inference process.
type Backend interface {
	Spawn(ctx context.Context, req backend.Request, onDelta func(string)) (*backend.Reply, error)
}

// Processes is what the driver needs from the process table.
type Processes interface {
	Get(key string) (*backend.Process, bool)
	TerminateAll(grace time.Duration)
}

// Deps are the collaborators a Driver composes.
type Deps struct {
	Queue     *queue.Queue
	Sessions  Sessions
	Backend   Backend
	Processes Processes // optional
	Transport delivery.Transport
	Renderer  delivery.Renderer // optional, defaults to plain text
	Usage     *usage.Emitter    // optional
	Metrics   *metrics.Metrics  // optional
}

// Options tune driver behavior.
type Options struct {
	DefaultModel      string
	StaleAfter        time.Duration
	KeepaliveInterval time.Duration
	EditInterval      time.Duration
	MaxMessageLength  int
	KillGrace         time.Duration
	NewSessionMarker  string
}

// exchange is the in-flight work for one key.
type exchange struct {
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	session   string
}

// Driver owns the per-conversation loops.
type Driver struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	// Now returns the current time. Tests replace it.
	Now func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]*exchange
	loops    sync.WaitGroup
}

// New creates a driver. Call Shutdown to stop it.
func New(deps Deps, opts Options, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Renderer == nil {
		deps.Renderer = delivery.PlainRenderer{}
	}
	if opts.NewSessionMarker == "" {
		opts.NewSessionMarker = DefaultNewSessionMarker
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		deps:     deps,
		opts:     opts,
		logger:   logger.With("component", "driver"),
		Now:      time.Now,
		baseCtx:  ctx,
		stop:     cancel,
		inflight: make(map[string]*exchange),
	}
}

// Submit queues msg and starts a loop for its key if none is running.
func (d *Driver) Submit(msg queue.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrShuttingDown
	}

	accepted, start := d.deps.Queue.Submit(msg)
	if !accepted {
		d.deps.Metrics.MessageReceived("queue_full")
		d.logger.Warn("queue full, message rejected", "key", msg.ConversationKey, "sender", msg.SenderID)
		return ErrQueueFull
	}
	d.deps.Metrics.MessageReceived("accepted")

	if start {
		d.loops.Add(1)
		go d.loop(msg.ConversationKey)
	}
	return nil
}

// loop drains key until its queue is empty.
func (d *Driver) loop(key string) {
	defer d.loops.Done()

	released := false
	defer func() {
		if !released {
			d.deps.Queue.MarkIdle(key)
		}
	}()

	d.logger.Debug("loop started", "key", key)
	for {
		msg, ex, ok := d.next(key)
		if !ok {
			released = true
			d.logger.Debug("loop idle", "key", key)
			return
		}
		if ex.ctx.Err() != nil {
			d.release(key, ex)
			continue
		}
		d.processSafely(msg, ex)
	}
}

// next pops the next message for key and registers its exchange under the
// same lock Cancel takes, so a cancel either clears the message or cancels
// the exchange.
func (d *Driver) next(key string) (queue.Message, *exchange, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg, ok := d.deps.Queue.Next(key)
	if !ok {
		return queue.Message{}, nil, false
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	ex := &exchange{ctx: ctx, cancel: cancel, startedAt: d.Now()}
	d.inflight[key] = ex
	return msg, ex, true
}

func (d *Driver) release(key string, ex *exchange) {
	ex.cancel()
	d.mu.Lock()
	if d.inflight[key] == ex {
		delete(d.inflight, key)
	}
	d.mu.Unlock()
}

func (d *Driver) processSafely(msg queue.Message, ex *exchange) {
	defer d.release(msg.ConversationKey, ex)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("exchange panicked",
				"key", msg.ConversationKey,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	d.process(ex, msg)
}

// process handles one message from session resolution to final delivery.
func (d *Driver) process(ex *exchange, msg queue.Message) {
	key := msg.ConversationKey
	logger := d.logger.With("key", key, "sender", msg.SenderID)
	ctx := ex.ctx

	sess, err := d.resolveSession(ctx, logger)
	if err != nil {
		logger.Error("resolving session", "error", err)
		d.notify(ctx, key, "⚠️ Could not load a session: "+err.Error())
		d.deps.Metrics.ExchangeFinished("session_error", 0)
		return
	}
	d.mu.Lock()
	ex.session = sess.Name
	d.mu.Unlock()

	logger = logger.With("session", sess.Name)
	th := delivery.NewThrottler(d.deps.Transport, d.deps.Renderer, key, d.opts.EditInterval, d.opts.MaxMessageLength, logger)

	reply, err := d.attempt(ctx, msg, sess, th)

	retried := false
	if errors.Is(err, backend.ErrSessionNotFound) {
		logger.Info("backend lost the session, rotating and retrying", "backend_id", sess.BackendConversationID)
		d.deps.Metrics.SessionRotated("expired")
		d.deps.Metrics.SessionRetried()

		rotated, rerr := d.deps.Sessions.Rotate(ctx, sess.Name, d.modelFor(sess))
		if rerr != nil {
			logger.Error("rotating session", "error", rerr)
			d.notify(ctx, key, "⚠️ The backend session expired and a new one could not be created: "+rerr.Error())
			d.deps.Metrics.ExchangeFinished("session_error", 0)
			return
		}
		sess = rotated
		th.Reset()
		retried = true
		reply, err = d.attempt(ctx, msg, sess, th)
	}

	if err != nil {
		d.fail(ctx, key, err, logger)
		return
	}
	d.succeed(ctx, msg, sess, th, reply, retried, logger)
}

// resolveSession returns the active session, creating or rotating as needed.
func (d *Driver) resolveSession(ctx context.Context, logger *slog.Logger) (*store.Session, error) {
	sess, err := d.deps.Sessions.GetActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		name := session.AutoName(d.Now())
		logger.Info("no active session, creating one", "name", name)
		return d.deps.Sessions.Create(ctx, name, d.opts.DefaultModel)
	}
	if err != nil {
		return nil, fmt.Errorf("loading active session: %w", err)
	}

	if d.deps.Sessions.IsStale(sess, d.opts.StaleAfter) {
		logger.Info("session is stale, rotating", "name", sess.Name, "last_active", sess.LastActiveAt)
		d.deps.Metrics.SessionRotated("stale")
		return d.deps.Sessions.Rotate(ctx, sess.Name, d.modelFor(sess))
	}
	return sess, nil
}

func (d *Driver) modelFor(sess *store.Session) string {
	if sess.Model != "" {
		return sess.Model
	}
	return d.opts.DefaultModel
}

// attempt runs one backend spawn with the keep-alive alongside it.
func (d *Driver) attempt(ctx context.Context, msg queue.Message, sess *store.Session, th *delivery.Throttler) (*backend.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, &backend.Error{Kind: backend.KindCancelled, Detail: err.Error()}
	}

	// Resume is decided from the count before this exchange is recorded.
	snapshot := *sess
	if err := d.deps.Sessions.Touch(ctx, sess); err != nil {
		d.logger.Warn("touching session", "key", msg.ConversationKey, "session", sess.Name, "error", err)
	}

	stopped := make(chan struct{})
	var once sync.Once
	stopKeepalive := func() { once.Do(func() { close(stopped) }) }

	req := backend.Request{
		ConversationKey: msg.ConversationKey,
		Prompt:          msg.Text,
		Session:         &snapshot,
		OnResult:        stopKeepalive,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.keepAlive(gctx, msg.ConversationKey, stopped)
		return nil
	})

	var reply *backend.Reply
	var panicked any
	g.Go(func() (err error) {
		defer stopKeepalive()
		defer func() {
			if r := recover(); r != nil {
				panicked = r
				err = errSpawnPanicked
			}
		}()
		reply, err = d.deps.Backend.Spawn(gctx, req, func(text string) {
			stopKeepalive()
			th.Feed(gctx, text)
		})
		return err
	})

	err := g.Wait()
	if panicked != nil {
		// Re-raise on the loop goroutine so processSafely can recover it.
		panic(panicked)
	}
	return reply, err
}

var errSpawnPanicked = errors.New("backend spawn panicked")

// keepAlive shows the typing indicator until stop is closed or ctx ends.
func (d *Driver) keepAlive(ctx context.Context, key string, stop <-chan struct{}) {
	signal := func(on bool) {
		tctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.deps.Transport.Typing(tctx, key, on); err != nil {
			d.logger.Debug("typing indicator failed", "key", key, "error", err)
		}
	}

	signal(true)
	defer signal(false)

	var tick <-chan time.Time
	if d.opts.KeepaliveInterval > 0 {
		ticker := time.NewTicker(d.opts.KeepaliveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-tick:
			signal(true)
		}
	}
}

func (d *Driver) succeed(ctx context.Context, msg queue.Message, sess *store.Session, th *delivery.Throttler, reply *backend.Reply, retried bool, logger *slog.Logger) {
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		text = "_(the backend returned no text)_"
	}
	if retried {
		text = d.opts.NewSessionMarker + "\n\n" + text
	}

	chunks, err := th.Finish(ctx, text)
	if err != nil {
		logger.Error("delivering reply", "error", err, "chunks_sent", chunks)
	}

	if id := reply.BackendConversationID; id != "" && id != sess.BackendConversationID {
		if err := d.deps.Sessions.UpdateBackendID(ctx, sess, id); err != nil {
			logger.Error("updating backend id", "error", err)
		}
	}

	d.deps.Metrics.ExchangeFinished("success", reply.Duration)
	d.deps.Metrics.UsageObserved(
		reply.Usage.InputTokens, reply.Usage.OutputTokens,
		reply.Usage.CacheCreationTokens, reply.Usage.CacheReadTokens,
		reply.CostUSD,
	)

	model := reply.Model
	if model == "" {
		model = d.modelFor(sess)
	}
	d.deps.Usage.Emit(usage.Record{
		SessionName:           sess.Name,
		ConversationKey:       msg.ConversationKey,
		BackendConversationID: sess.BackendConversationID,
		Model:                 model,
		InputTokens:           reply.Usage.InputTokens,
		OutputTokens:          reply.Usage.OutputTokens,
		CacheCreationTokens:   reply.Usage.CacheCreationTokens,
		CacheReadTokens:       reply.Usage.CacheReadTokens,
		CostUSD:               reply.CostUSD,
		NumTurns:              reply.NumTurns,
		StartedAt:             reply.StartedAt,
	})

	logger.Info("exchange complete",
		"chunks", chunks,
		"retried", retried,
		"duration", reply.Duration,
		"backend_id", sess.BackendConversationID,
	)
}

// fail turns a backend error into exactly one user-visible notice.
func (d *Driver) fail(ctx context.Context, key string, err error, logger *slog.Logger) {
	kind := backend.KindOf(err)
	d.deps.Metrics.ExchangeFinished(kind.String(), 0)

	var detail string
	var be *backend.Error
	if errors.As(err, &be) {
		detail = be.Detail
	} else {
		detail = err.Error()
	}

	switch kind {
	case backend.KindCancelled:
		logger.Info("exchange cancelled")
	case backend.KindRateLimited:
		logger.Warn("backend rate limited", "detail", detail)
		d.notify(ctx, key, "⏳ The backend is rate limited right now. Try again shortly.")
	case backend.KindTimeout:
		logger.Warn("backend timed out", "detail", detail)
		d.notify(ctx, key, "⏱️ The backend timed out: "+detail)
	default:
		logger.Error("backend failed", "kind", kind, "detail", detail)
		d.notify(ctx, key, "⚠️ Backend error: "+detail)
	}
}

// notify sends a standalone notice. Failures are logged.
func (d *Driver) notify(ctx context.Context, key, text string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := d.deps.Transport.Send(ctx, key, d.deps.Renderer.Render(text)); err != nil {
		d.logger.Warn("sending notice failed", "key", key, "error", err)
	}
}

// Cancel drops pending messages for key and stops its in-flight exchange.
func (d *Driver) Cancel(key string) (cleared int, killed bool) {
	d.mu.Lock()
	cleared = d.deps.Queue.Clear(key)
	ex, ok := d.inflight[key]
	d.mu.Unlock()
	if ok {
		ex.cancel()
	}

	d.logger.Info("conversation cancelled", "key", key, "cleared", cleared, "killed", ok)
	return cleared, ok
}

// Status describes the processing state of one conversation.
type Status struct {
	Key          string
	Pending      int
	Busy         bool
	InFlight     bool
	Session      string
	RunningSince time.Time
	PID          int
}

// Status reports the state of key.
func (d *Driver) Status(key string) Status {
	st := Status{
		Key:     key,
		Pending: d.deps.Queue.Depth(key),
		Busy:    d.deps.Queue.IsActive(key),
	}

	d.mu.Lock()
	if ex, ok := d.inflight[key]; ok {
		st.InFlight = true
		st.Session = ex.session
		st.RunningSince = ex.startedAt
	}
	d.mu.Unlock()

	if d.deps.Processes != nil {
		if p, ok := d.deps.Processes.Get(key); ok {
			st.PID = p.PID
		}
	}
	return st
}

// Snapshot reports every conversation that is busy or has pending messages.
func (d *Driver) Snapshot() []Status {
	keys := d.deps.Queue.Keys()
	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.Status(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Shutdown rejects new messages, cancels every exchange, and waits for the
// loops and pending usage reports to finish or ctx to end.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for _, ex := range d.inflight {
		ex.cancel()
	}
	d.mu.Unlock()

	d.stop()
	for _, key := range d.deps.Queue.Keys() {
		d.deps.Queue.Clear(key)
	}
	if d.deps.Processes != nil {
		d.deps.Processes.TerminateAll(d.opts.KillGrace)
	}

	var result *multierror.Error

	done := make(chan struct{})
	go func() {
		d.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for conversation loops: %w", ctx.Err()))
	}

	if err := d.deps.Usage.Wait(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("waiting for usage reports: %w", err))
	}

	d.logger.Info("driver stopped")
	return result.ErrorOrNil()
}
