// ABOUTME: Tests for the conversation driver
// ABOUTME: Uses a scripted backend and a recording transport to exercise loops, retries, and failures

package conversation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/queue"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/usage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const room = "!room:test"

type call struct {
	Op   string // send, edit, typing
	Key  string
	ID   string
	Text string
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []call
	next  int
}

func (f *fakeTransport) Send(_ context.Context, key string, msg delivery.Rendered) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("$ev%d", f.next)
	f.calls = append(f.calls, call{Op: "send", Key: key, ID: id, Text: msg.Text})
	return id, nil
}

func (f *fakeTransport) Edit(_ context.Context, key, id string, msg delivery.Rendered) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: "edit", Key: key, ID: id, Text: msg.Text})
	return nil
}

func (f *fakeTransport) Typing(_ context.Context, key string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: "typing", Key: key, Text: fmt.Sprint(typing)})
	return nil
}

// messages returns sends and edits, skipping typing.
func (f *fakeTransport) messages() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Op != "typing" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) typing() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Op == "typing" {
			out = append(out, c.Text)
		}
	}
	return out
}

type spawnFunc func(ctx context.Context, req backend.Request, onDelta func(string)) (*backend.Reply, error)

// fakeBackend runs steps in order; the last step repeats.
type fakeBackend struct {
	mu    sync.Mutex
	reqs  []backend.Request
	steps []spawnFunc
}

func (f *fakeBackend) Spawn(ctx context.Context, req backend.Request, onDelta func(string)) (*backend.Reply, error) {
	f.mu.Lock()
	cp := req
	if req.Session != nil {
		s := *req.Session
		cp.Session = &s
	}
	f.reqs = append(f.reqs, cp)
	i := len(f.reqs) - 1
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	step := f.steps[i]
	f.mu.Unlock()

	return step(ctx, req, onDelta)
}

func (f *fakeBackend) requests() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.reqs...)
}

func replyWith(text, id string, deltas ...string) spawnFunc {
	return func(_ context.Context, _ backend.Request, onDelta func(string)) (*backend.Reply, error) {
		for _, d := range deltas {
			onDelta(d)
		}
		return &backend.Reply{
			Text:                  text,
			BackendConversationID: id,
			CostUSD:               0.02,
			Usage:                 backend.Usage{InputTokens: 10, OutputTokens: 4},
			StartedAt:             time.Now(),
			Duration:              time.Millisecond,
		}, nil
	}
}

func failWith(kind backend.Kind, detail string, deltas ...string) spawnFunc {
	return func(_ context.Context, _ backend.Request, onDelta func(string)) (*backend.Reply, error) {
		for _, d := range deltas {
			onDelta(d)
		}
		return nil, &backend.Error{Kind: kind, Detail: detail}
	}
}

// blockUntilCancelled signals started and waits for ctx.
func blockUntilCancelled(started chan<- string) spawnFunc {
	return func(ctx context.Context, req backend.Request, _ func(string)) (*backend.Reply, error) {
		started <- req.Prompt
		<-ctx.Done()
		return nil, &backend.Error{Kind: backend.KindCancelled, Detail: "cancelled"}
	}
}

type recordingSink struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (s *recordingSink) Report(_ context.Context, rec usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *recordingSink) all() []usage.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usage.Record(nil), s.recs...)
}

type harness struct {
	d       *Driver
	tr      *fakeTransport
	be      *fakeBackend
	reg     *session.Registry
	sink    *recordingSink
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, depth int, steps ...spawnFunc) *harness {
	t.Helper()
	reg := session.NewRegistry(store.NewMockStore(), nil)
	return newHarnessWith(t, reg, depth, steps...)
}

func newHarnessWith(t *testing.T, reg *session.Registry, depth int, steps ...spawnFunc) *harness {
	t.Helper()
	h := &harness{
		tr:      &fakeTransport{},
		be:      &fakeBackend{steps: steps},
		reg:     reg,
		sink:    &recordingSink{},
		metrics: metrics.New(nil, nil),
	}
	h.d = New(Deps{
		Queue:     queue.New(depth),
		Sessions:  reg,
		Backend:   h.be,
		Transport: h.tr,
		Usage:     usage.NewEmitter(h.sink, time.Second, nil),
		Metrics:   h.metrics,
	}, Options{
		DefaultModel:     "sonnet",
		EditInterval:     time.Hour,
		MaxMessageLength: 4000,
	}, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.d.Shutdown(ctx))
	})
	return h
}

func (h *harness) submit(t *testing.T, key, text string) {
	t.Helper()
	require.NoError(t, h.d.Submit(queue.Message{ConversationKey: key, SenderID: "@alice:test", Text: text, EnqueuedAt: time.Now()}))
}

func (h *harness) waitIdle(t *testing.T, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.d.Status(key).Busy
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) active(t *testing.T) *store.Session {
	t.Helper()
	sess, err := h.reg.GetActive(context.Background())
	require.NoError(t, err)
	return sess
}

func TestDriver_StreamsAndFinalizes(t *testing.T) {
	h := newHarness(t, 5, replyWith("Hi there!", "s2", "Hi", " there"))
	_, err := h.reg.Create(context.Background(), "main", "sonnet")
	require.NoError(t, err)

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	msgs := h.tr.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, call{Op: "send", Key: room, ID: "$ev1", Text: "Hi"}, msgs[0])
	assert.Equal(t, call{Op: "edit", Key: room, ID: "$ev1", Text: "Hi there!"}, msgs[1])

	sess := h.active(t)
	assert.Equal(t, "s2", sess.BackendConversationID)
	assert.Equal(t, 1, sess.MessageCount)

	typing := h.tr.typing()
	require.NotEmpty(t, typing)
	assert.Equal(t, "true", typing[0])
	assert.Equal(t, "false", typing[len(typing)-1])
}

func TestDriver_NoStreamSendsFinal(t *testing.T) {
	h := newHarness(t, 5, replyWith("just the answer", "s1"))

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	assert.Equal(t, []call{{Op: "send", Key: room, ID: "$ev1", Text: "just the answer"}}, h.tr.messages())
}

func TestDriver_CreatesSessionWhenNoneActive(t *testing.T) {
	h := newHarness(t, 5, replyWith("ok", ""))

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	sess := h.active(t)
	assert.True(t, strings.HasPrefix(sess.Name, "session-"), sess.Name)
	assert.Equal(t, "sonnet", sess.Model)
	assert.Equal(t, 1, sess.MessageCount)

	reqs := h.be.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 0, reqs[0].Session.MessageCount, "first exchange sees the pre-touch count")
}

func TestDriver_ResumeUsesCountBeforeTouch(t *testing.T) {
	h := newHarness(t, 5, replyWith("one", ""), replyWith("two", ""))

	h.submit(t, room, "first")
	h.waitIdle(t, room)
	h.submit(t, room, "second")
	h.waitIdle(t, room)

	reqs := h.be.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 0, reqs[0].Session.MessageCount)
	assert.Equal(t, 1, reqs[1].Session.MessageCount)
	assert.Equal(t, reqs[0].Session.BackendConversationID, reqs[1].Session.BackendConversationID)
}

func TestDriver_RotatesStaleSession(t *testing.T) {
	reg := session.NewRegistry(store.NewMockStore(), nil)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reg.Now = func() time.Time { return t0 }
	old, err := reg.Create(context.Background(), "main", "opus")
	require.NoError(t, err)
	require.NoError(t, reg.Touch(context.Background(), old))

	reg.Now = func() time.Time { return t0.Add(2 * time.Hour) }
	h := newHarnessWith(t, reg, 5, replyWith("fresh", ""))
	h.d.opts.StaleAfter = time.Hour

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	reqs := h.be.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "main", reqs[0].Session.Name)
	assert.Equal(t, "opus", reqs[0].Session.Model, "rotation keeps the model")
	assert.Equal(t, 0, reqs[0].Session.MessageCount)
	assert.NotEqual(t, old.BackendConversationID, reqs[0].Session.BackendConversationID)
}

func TestDriver_RetriesOnceAfterSessionNotFound(t *testing.T) {
	h := newHarness(t, 5,
		failWith(backend.KindSessionNotFound, "no conversation found", "partial"),
		replyWith("fresh answer", "s9", "fresh"),
	)
	old, err := h.reg.Create(context.Background(), "main", "sonnet")
	require.NoError(t, err)
	require.NoError(t, h.reg.Touch(context.Background(), old))
	require.NoError(t, h.reg.Touch(context.Background(), old))

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	reqs := h.be.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 2, reqs[0].Session.MessageCount)
	assert.Equal(t, old.BackendConversationID, reqs[0].Session.BackendConversationID)
	assert.Equal(t, 0, reqs[1].Session.MessageCount, "retry starts a fresh backend conversation")
	assert.NotEqual(t, old.BackendConversationID, reqs[1].Session.BackendConversationID)
	assert.Equal(t, "hello", reqs[1].Prompt)

	msgs := h.tr.messages()
	require.NotEmpty(t, msgs)
	for _, m := range msgs {
		assert.Equal(t, "$ev1", m.ID, "retry keeps editing the streamed message")
	}
	final := msgs[len(msgs)-1]
	assert.True(t, strings.HasPrefix(final.Text, DefaultNewSessionMarker), final.Text)
	assert.True(t, strings.HasSuffix(final.Text, "fresh answer"), final.Text)

	sess := h.active(t)
	assert.Equal(t, "s9", sess.BackendConversationID)
	assert.Equal(t, 1, sess.MessageCount)

	expected := `
# HELP coven_relay_session_retries_total Exchanges retried after the backend lost the session.
# TYPE coven_relay_session_retries_total counter
coven_relay_session_retries_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "coven_relay_session_retries_total"))
}

func TestDriver_SecondSessionNotFoundIsNotRetried(t *testing.T) {
	h := newHarness(t, 5, failWith(backend.KindSessionNotFound, "no conversation found"))
	sess, err := h.reg.Create(context.Background(), "main", "sonnet")
	require.NoError(t, err)
	require.NoError(t, h.reg.Touch(context.Background(), sess))

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	assert.Len(t, h.be.requests(), 2)
	msgs := h.tr.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Backend error")
}

func TestDriver_RateLimitDoesNotRotate(t *testing.T) {
	h := newHarness(t, 5, failWith(backend.KindRateLimited, "429 Too Many Requests"))
	orig, err := h.reg.Create(context.Background(), "main", "sonnet")
	require.NoError(t, err)

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	assert.Len(t, h.be.requests(), 1)
	msgs := h.tr.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "rate limited")
	assert.Equal(t, orig.BackendConversationID, h.active(t).BackendConversationID)
}

func TestDriver_TimeoutAndProcessNotices(t *testing.T) {
	h := newHarness(t, 5,
		failWith(backend.KindTimeout, "no result after 10m0s"),
		failWith(backend.KindProcess, "backend exited with code 2: boom"),
	)

	h.submit(t, room, "one")
	h.waitIdle(t, room)
	h.submit(t, room, "two")
	h.waitIdle(t, room)

	msgs := h.tr.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Text, "timed out")
	assert.Contains(t, msgs[1].Text, "boom")
}

func TestDriver_EmptyReplyGetsPlaceholder(t *testing.T) {
	h := newHarness(t, 5, replyWith("   ", ""))

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	msgs := h.tr.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "no text")
}

func TestDriver_SplitsLongReplies(t *testing.T) {
	h := newHarness(t, 5, replyWith(strings.Repeat("word ", 2000), ""))

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	msgs := h.tr.messages()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, "send", m.Op)
		assert.LessOrEqual(t, len([]rune(m.Text)), 4000)
	}
}

func TestDriver_ProcessesMessagesInOrderOneAtATime(t *testing.T) {
	var inFlight, overlap atomic.Int32
	var mu sync.Mutex
	var order []string

	step := func(_ context.Context, req backend.Request, _ func(string)) (*backend.Reply, error) {
		if inFlight.Add(1) > 1 {
			overlap.Add(1)
		}
		defer inFlight.Add(-1)
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, req.Prompt)
		mu.Unlock()
		return &backend.Reply{Text: "ok " + req.Prompt}, nil
	}
	h := newHarness(t, 10, step)

	for i := 0; i < 5; i++ {
		h.submit(t, room, fmt.Sprintf("m%d", i))
	}
	h.waitIdle(t, room)

	assert.Zero(t, overlap.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, order)
}

func TestDriver_KeysRunConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})

	step := func(ctx context.Context, req backend.Request, _ func(string)) (*backend.Reply, error) {
		arrived.Done()
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &backend.Reply{Text: "ok"}, nil
	}
	h := newHarness(t, 5, step)

	h.submit(t, "!a:test", "hello")
	h.submit(t, "!b:test", "hello")

	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	select {
	case <-both:
	case <-time.After(5 * time.Second):
		t.Fatal("second key waited for the first")
	}
	close(release)

	h.waitIdle(t, "!a:test")
	h.waitIdle(t, "!b:test")
}

func TestDriver_QueueFull(t *testing.T) {
	started := make(chan string, 1)
	h := newHarness(t, 2, blockUntilCancelled(started))

	h.submit(t, room, "running")
	assert.Equal(t, "running", <-started)

	h.submit(t, room, "p1")
	h.submit(t, room, "p2")
	err := h.d.Submit(queue.Message{ConversationKey: room, Text: "p3"})
	assert.ErrorIs(t, err, ErrQueueFull)

	st := h.d.Status(room)
	assert.Equal(t, 2, st.Pending)
	assert.True(t, st.Busy)
	assert.True(t, st.InFlight)

	cleared, killed := h.d.Cancel(room)
	assert.Equal(t, 2, cleared)
	assert.True(t, killed)
	h.waitIdle(t, room)
}

func TestDriver_CancelIsSilent(t *testing.T) {
	started := make(chan string, 1)
	h := newHarness(t, 5, blockUntilCancelled(started))

	h.submit(t, room, "long task")
	<-started
	h.submit(t, room, "queued")

	cleared, killed := h.d.Cancel(room)
	assert.Equal(t, 1, cleared)
	assert.True(t, killed)
	h.waitIdle(t, room)

	assert.Empty(t, h.tr.messages())
	assert.Len(t, h.be.requests(), 1, "cleared message never runs")
}

func TestDriver_ResultStopsTypingBeforeExit(t *testing.T) {
	var h *harness
	h = newHarness(t, 5, func(_ context.Context, req backend.Request, _ func(string)) (*backend.Reply, error) {
		if assert.NotNil(t, req.OnResult) {
			req.OnResult()
		}
		assert.Eventually(t, func() bool {
			typing := h.tr.typing()
			return len(typing) > 0 && typing[len(typing)-1] == "false"
		}, 2*time.Second, 5*time.Millisecond, "typing stops once the result is in")
		return replyWith("done", "")(context.Background(), req, nil)
	})

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	assert.Equal(t, []string{"true", "false"}, h.tr.typing())
	msgs := h.tr.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "done", msgs[0].Text)
}

func TestDriver_CancelNeverMissesPoppedMessage(t *testing.T) {
	h := newHarness(t, 5, func(ctx context.Context, _ backend.Request, _ func(string)) (*backend.Reply, error) {
		<-ctx.Done()
		return nil, &backend.Error{Kind: backend.KindCancelled, Detail: "cancelled"}
	})

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("!r%d:test", i)
		h.submit(t, key, "hello")
		cleared, killed := h.d.Cancel(key)
		require.True(t, cleared == 1 || killed, "iteration %d: cancel found neither the queued message nor its exchange", i)
		h.waitIdle(t, key)
	}
	assert.Empty(t, h.tr.messages())
}

func TestDriver_CancelIdleKey(t *testing.T) {
	h := newHarness(t, 5, replyWith("ok", ""))

	cleared, killed := h.d.Cancel(room)
	assert.Zero(t, cleared)
	assert.False(t, killed)
}

func TestDriver_PanicDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, 5,
		func(context.Context, backend.Request, func(string)) (*backend.Reply, error) {
			panic("backend exploded")
		},
		replyWith("recovered", ""),
	)

	h.submit(t, room, "one")
	h.submit(t, room, "two")
	h.waitIdle(t, room)

	msgs := h.tr.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "recovered", msgs[0].Text)
}

func TestDriver_EmitsUsage(t *testing.T) {
	h := newHarness(t, 5, replyWith("ok", "s5"))
	_, err := h.reg.Create(context.Background(), "main", "sonnet")
	require.NoError(t, err)

	h.submit(t, room, "hello")
	h.waitIdle(t, room)
	require.NoError(t, h.d.deps.Usage.Wait(context.Background()))

	recs := h.sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "main", recs[0].SessionName)
	assert.Equal(t, room, recs[0].ConversationKey)
	assert.Equal(t, "s5", recs[0].BackendConversationID)
	assert.Equal(t, "sonnet", recs[0].Model)
	assert.Equal(t, int64(10), recs[0].InputTokens)
	assert.Equal(t, int64(4), recs[0].OutputTokens)
	assert.InDelta(t, 0.02, recs[0].CostUSD, 1e-9)
}

func TestDriver_ShutdownCancelsAndRejects(t *testing.T) {
	started := make(chan string, 1)
	h := newHarness(t, 5, blockUntilCancelled(started))

	h.submit(t, room, "hello")
	<-started
	h.submit(t, room, "pending")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.Shutdown(ctx))

	err := h.d.Submit(queue.Message{ConversationKey: room, Text: "late"})
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Len(t, h.be.requests(), 1)
	assert.Empty(t, h.tr.messages())
}

func TestDriver_SnapshotListsBusyKeys(t *testing.T) {
	started := make(chan string, 2)
	h := newHarness(t, 5, blockUntilCancelled(started))

	h.submit(t, "!b:test", "x")
	h.submit(t, "!a:test", "y")
	<-started
	<-started

	snap := h.d.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "!a:test", snap[0].Key)
	assert.Equal(t, "!b:test", snap[1].Key)
	assert.True(t, snap[0].InFlight)
	assert.NotEmpty(t, snap[0].Session)
}

func TestDriver_WithSpawnedProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fixture scripts need /bin/sh")
	}
	script := `#!/bin/sh
echo '{"type":"system","subtype":"init"}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":" there"}}}'
echo '{"type":"result","result":"Hi there!","session_id":"s2","total_cost_usd":0.01,"num_turns":1}'
`
	path := filepath.Join(t.TempDir(), "backend.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))

	table := backend.NewProcessTable(nil)
	spawner := backend.NewSpawner(config.BackendConfig{
		Command:      path,
		DefaultModel: "sonnet",
		Timeout:      10 * time.Second,
		KillGrace:    time.Second,
	}, table, nil)

	reg := session.NewRegistry(store.NewMockStore(), nil)
	tr := &fakeTransport{}
	d := New(Deps{
		Queue:     queue.New(5),
		Sessions:  reg,
		Backend:   spawner,
		Processes: table,
		Transport: tr,
	}, Options{DefaultModel: "sonnet", EditInterval: time.Hour, MaxMessageLength: 4000, KillGrace: time.Second}, nil)
	defer func() {
		require.NoError(t, d.Shutdown(context.Background()))
	}()

	require.NoError(t, d.Submit(queue.Message{ConversationKey: room, Text: "hello"}))
	require.Eventually(t, func() bool { return !d.Status(room).Busy }, 10*time.Second, 10*time.Millisecond)

	msgs := tr.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "Hi", msgs[0].Text)
	assert.Equal(t, "Hi there!", msgs[len(msgs)-1].Text)

	sess, err := reg.GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s2", sess.BackendConversationID)
	assert.Zero(t, table.Len())
}

func TestDriver_ResolveErrorIsReported(t *testing.T) {
	h := newHarness(t, 5, replyWith("unused", ""))
	h.d.deps.Sessions = brokenSessions{h.reg}

	h.submit(t, room, "hello")
	h.waitIdle(t, room)

	assert.Empty(t, h.be.requests())
	msgs := h.tr.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Could not load a session")
}

type brokenSessions struct{ *session.Registry }

func (brokenSessions) GetActive(context.Context) (*store.Session, error) {
	return nil, errors.New("database is locked")
}
