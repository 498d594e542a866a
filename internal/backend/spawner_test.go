// ABOUTME: Tests for the process spawner using /bin/sh fixture scripts
// ABOUTME: Covers result and delta handling, exit classification, timeouts, and cancellation

package backend

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fixture writes an executable shell script and returns a spawner that runs it.
func fixture(t *testing.T, body string) (*Spawner, *ProcessTable) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fixture scripts need /bin/sh")
	}

	path := filepath.Join(t.TempDir(), "backend.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))

	table := NewProcessTable(nil)
	cfg := config.BackendConfig{
		Command:      path,
		DefaultModel: "sonnet",
		Timeout:      10 * time.Second,
		KillGrace:    time.Second,
	}
	return NewSpawner(cfg, table, nil), table
}

func freshSession() *store.Session {
	return &store.Session{Name: "main", BackendConversationID: "b-1", Model: "sonnet"}
}

func resumedSession() *store.Session {
	s := freshSession()
	s.MessageCount = 3
	return s
}

type deltaRecorder struct {
	mu     sync.Mutex
	chunks []string
}

func (r *deltaRecorder) add(s string) {
	r.mu.Lock()
	r.chunks = append(r.chunks, s)
	r.mu.Unlock()
}

func (r *deltaRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...)
}

func spawn(t *testing.T, s *Spawner, sess *store.Session, rec *deltaRecorder) (*Reply, error) {
	t.Helper()
	var onDelta func(string)
	if rec != nil {
		onDelta = rec.add
	}
	return s.Spawn(context.Background(), Request{ConversationKey: "!room:test", Prompt: "hi", Session: sess}, onDelta)
}

func TestSpawn_ResultOnly(t *testing.T) {
	s, table := fixture(t, `echo '{"type":"result","result":"Hello","session_id":"abc"}'`)

	reply, err := spawn(t, s, freshSession(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply.Text)
	assert.Equal(t, "abc", reply.BackendConversationID)
	assert.Equal(t, 0, table.Len())
}

func TestSpawn_DeltaFallbackWhenResultEmpty(t *testing.T) {
	s, _ := fixture(t, `
echo '{"type":"system","subtype":"init"}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"He"}}}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"llo"}}}'
echo '{"type":"result","result":"","session_id":"abc"}'`)

	rec := &deltaRecorder{}
	reply, err := spawn(t, s, freshSession(), rec)
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply.Text)
	assert.Equal(t, []string{"He", "llo"}, rec.all())
}

func TestSpawn_ResultTextPreferredOverDeltas(t *testing.T) {
	s, _ := fixture(t, `
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":" there"}}}'
echo '{"type":"assistant","message":{"model":"claude-x","content":[{"type":"text","text":"Hi there"}],"usage":{"input_tokens":10,"output_tokens":3}}}'
echo '{"type":"result","result":"Hi there!","session_id":"s2","total_cost_usd":0.01,"num_turns":1}'`)

	rec := &deltaRecorder{}
	reply, err := spawn(t, s, freshSession(), rec)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", reply.Text)
	assert.Equal(t, "s2", reply.BackendConversationID)
	assert.Equal(t, []string{"Hi", " there"}, rec.all(), "assistant text must not repeat streamed deltas")
	assert.Equal(t, int64(10), reply.Usage.InputTokens)
	assert.Equal(t, "claude-x", reply.Model)
	assert.InDelta(t, 0.01, reply.CostUSD, 1e-9)
}

func TestSpawn_AssistantTextForwardedWithoutDeltas(t *testing.T) {
	s, _ := fixture(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"first "}],"usage":{"input_tokens":5,"output_tokens":1}}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"second"}],"usage":{"input_tokens":7,"output_tokens":2}}}'
echo '{"type":"result","session_id":"x"}'`)

	rec := &deltaRecorder{}
	reply, err := spawn(t, s, freshSession(), rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"first ", "second"}, rec.all())
	assert.Equal(t, "first second", reply.Text)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 3}, reply.Usage)
}

func TestSpawn_DeltaStateResetsPerTurn(t *testing.T) {
	s, _ := fixture(t, `
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"a"}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"a"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"b"}]}}'
echo '{"type":"result","session_id":"x"}'`)

	rec := &deltaRecorder{}
	reply, err := spawn(t, s, freshSession(), rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rec.all())
	assert.Equal(t, "ab", reply.Text)
}

func TestSpawn_SkipsBadLines(t *testing.T) {
	s, _ := fixture(t, `
echo 'not json at all'
echo '{"type":"mystery"}'
echo ''
echo '{"type":"result","result":"ok","session_id":"abc"}'`)

	reply, err := spawn(t, s, freshSession(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Text)
}

func TestSpawn_IgnoresOutputAfterResult(t *testing.T) {
	s, _ := fixture(t, `
echo '{"type":"result","result":"done","session_id":"abc"}'
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"late"}}'`)

	rec := &deltaRecorder{}
	reply, err := spawn(t, s, freshSession(), rec)
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Text)
	assert.Empty(t, rec.all())
}

func TestSpawn_LongLine(t *testing.T) {
	s, _ := fixture(t, `
printf '{"type":"result","session_id":"abc","result":"'
head -c 200000 /dev/zero | tr '\0' 'a'
printf '"}\n'`)

	reply, err := spawn(t, s, freshSession(), nil)
	require.NoError(t, err)
	assert.Len(t, reply.Text, 200000)
}

func TestSpawn_NoResultEventUsesDeltas(t *testing.T) {
	s, _ := fixture(t, `echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}'`)

	reply, err := spawn(t, s, freshSession(), nil)
	require.NoError(t, err)
	assert.Equal(t, "partial", reply.Text)
	assert.Empty(t, reply.BackendConversationID)
}

func TestSpawn_ExitOneEmptyStderrOnResume(t *testing.T) {
	s, _ := fixture(t, `exit 1`)

	_, err := spawn(t, s, resumedSession(), nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSpawn_ExitOneEmptyStderrOnFreshSession(t *testing.T) {
	s, _ := fixture(t, `exit 1`)

	_, err := spawn(t, s, freshSession(), nil)
	require.ErrorIs(t, err, ErrProcess)
	assert.Contains(t, err.Error(), "backend exited with code 1")
}

func TestSpawn_RateLimited(t *testing.T) {
	s, _ := fixture(t, `echo "API Error: 429 rate limit exceeded" >&2; exit 1`)

	_, err := spawn(t, s, resumedSession(), nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSpawn_SessionNotFoundFromStderr(t *testing.T) {
	s, _ := fixture(t, `echo "Error: session b-1 not found" >&2; exit 2`)

	_, err := spawn(t, s, resumedSession(), nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSpawn_ProcessErrorCarriesStderr(t *testing.T) {
	s, _ := fixture(t, `echo "model overloaded" >&2; exit 3`)

	_, err := spawn(t, s, freshSession(), nil)
	require.ErrorIs(t, err, ErrProcess)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestSpawn_MissingBinary(t *testing.T) {
	s := NewSpawner(config.BackendConfig{Command: filepath.Join(t.TempDir(), "nope"), Timeout: time.Second}, NewProcessTable(nil), nil)

	_, err := spawn(t, s, freshSession(), nil)
	assert.ErrorIs(t, err, ErrProcess)
}

func TestSpawn_TimeoutTerminates(t *testing.T) {
	s, table := fixture(t, `sleep 30`)
	s.cfg.Timeout = 200 * time.Millisecond
	s.cfg.KillGrace = 5 * time.Second

	start := time.Now()
	_, err := spawn(t, s, freshSession(), nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second, "SIGTERM should have been enough")
	assert.Equal(t, 0, table.Len())
}

func TestSpawn_TimeoutEscalatesToKill(t *testing.T) {
	s, _ := fixture(t, `trap '' TERM
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"working"}}'
sleep 30`)
	s.cfg.Timeout = 200 * time.Millisecond
	s.cfg.KillGrace = 300 * time.Millisecond

	rec := &deltaRecorder{}
	start := time.Now()
	_, err := spawn(t, s, freshSession(), rec)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"working"}, rec.all())
}

func TestSpawn_ResultSurvivesLingeringProcess(t *testing.T) {
	s, table := fixture(t, `echo '{"type":"result","result":"done","session_id":"abc"}'
exec sleep 30`)
	s.cfg.Timeout = 300 * time.Millisecond
	s.cfg.KillGrace = time.Second

	var resultAt atomic.Int64
	start := time.Now()
	reply, err := s.Spawn(context.Background(), Request{
		ConversationKey: "k",
		Prompt:          "hi",
		Session:         freshSession(),
		OnResult:        func() { resultAt.Store(int64(time.Since(start))) },
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "done", reply.Text)
	assert.Equal(t, "abc", reply.BackendConversationID)
	assert.Less(t, time.Since(start), 5*time.Second, "lingering process is stopped after the grace period")
	assert.Positive(t, resultAt.Load(), "OnResult fires")
	assert.Less(t, time.Duration(resultAt.Load()), 900*time.Millisecond, "OnResult fires before the process exits")
	assert.Equal(t, 0, table.Len())
}

func TestSpawn_CancelledByCaller(t *testing.T) {
	s, table := fixture(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return table.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
		cancel()
	}()

	_, err := s.Spawn(ctx, Request{ConversationKey: "k", Prompt: "hi", Session: freshSession()}, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, table.Len())
}

func TestSpawn_RegistersWhileRunning(t *testing.T) {
	s, table := fixture(t, `sleep 0.5; echo '{"type":"result","result":"ok","session_id":"a"}'`)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.Spawn(context.Background(), Request{ConversationKey: "k1", Prompt: "hi", Session: freshSession()}, nil)
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		_, ok := table.Get("k1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	snap := table.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "k1", snap[0].Key)
	assert.Positive(t, snap[0].PID)

	<-done
	assert.Equal(t, 0, table.Len())
}

func TestProcessTable_TerminateByKey(t *testing.T) {
	s, table := fixture(t, `sleep 30`)

	done := make(chan error, 1)
	go func() {
		_, err := s.Spawn(context.Background(), Request{ConversationKey: "k", Prompt: "hi", Session: freshSession()}, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return table.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, table.Terminate("k", time.Second))
	assert.False(t, table.Terminate("other", time.Second))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.NotErrorIs(t, err, ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("spawn did not return after terminate")
	}
}

func TestProcess_TerminateAfterExitIsNoop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	p := newProcess("k", cmd)
	p.markExited()
	p.Terminate(time.Second, slog.Default())
	assert.False(t, p.Terminated(), "an exited process was not terminated by us")
}

func TestBuildArgs(t *testing.T) {
	cfg := config.BackendConfig{
		DefaultModel: "sonnet",
		SystemPrompt: "You are the relay.",
		MCPConfig:    "/etc/mcp.json",
		Args:         []string{"--permission-mode", "plan"},
	}

	fresh := BuildArgs(cfg, "hello", freshSession())
	joined := strings.Join(fresh, " ")
	assert.Equal(t, []string{"-p", "hello"}, fresh[:2])
	assert.Contains(t, joined, "--output-format stream-json --verbose --include-partial-messages")
	assert.Contains(t, joined, "--model sonnet")
	assert.Contains(t, fresh, "--append-system-prompt")
	assert.NotContains(t, fresh, "--resume")
	assert.Contains(t, joined, "--mcp-config /etc/mcp.json")
	assert.Equal(t, []string{"--permission-mode", "plan"}, fresh[len(fresh)-2:])

	resumed := resumedSession()
	resumed.Model = "opus"
	args := BuildArgs(cfg, "hello", resumed)
	joined = strings.Join(args, " ")
	assert.Contains(t, joined, "--resume b-1")
	assert.Contains(t, joined, "--model opus")
	assert.NotContains(t, args, "--append-system-prompt")

	bare := BuildArgs(config.BackendConfig{}, "x", nil)
	assert.NotContains(t, bare, "--model")
	assert.NotContains(t, bare, "--append-system-prompt")
}
