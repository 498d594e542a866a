// ABOUTME: Spawns the inference CLI and turns its line-delimited JSON stream into a reply
// ABOUTME: Enforces one wall-clock timeout per spawn and classifies nonzero exits into typed errors

package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

// maxStderrBytes bounds how much backend stderr is kept for error messages.
const maxStderrBytes = 64 * 1024

// Request is one prompt sent to the backend.
type Request struct {
	ConversationKey string
	Prompt          string
	Session         *store.Session

	// OnResult, when set, is called once as soon as the terminal result
	// event has been read, before the process has exited.
	OnResult func()
}

// Reply is the outcome of a successful exchange.
type Reply struct {
	Text                  string
	BackendConversationID string
	Model                 string
	CostUSD               float64
	NumTurns              int
	Usage                 Usage
	IsError               bool // the backend reported an error in its result event
	Resumed               bool
	StartedAt             time.Time
	Duration              time.Duration
}

// Spawner launches one backend process per exchange.
type Spawner struct {
	cfg    config.BackendConfig
	table  *ProcessTable
	logger *slog.Logger
}

// NewSpawner creates a spawner that registers its processes in table.
func NewSpawner(cfg config.BackendConfig, table *ProcessTable, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		cfg:    cfg,
		table:  table,
		logger: logger.With("component", "backend"),
	}
}

// Table returns the process table used by the spawner.
func (s *Spawner) Table() *ProcessTable {
	return s.table
}

// KillGrace returns the configured SIGTERM to SIGKILL delay.
func (s *Spawner) KillGrace() time.Duration {
	return s.cfg.KillGrace
}

// BuildArgs returns the command-line arguments for one exchange.
// A session that has already exchanged messages is resumed; a fresh one gets
// the identity prompt instead.
func BuildArgs(cfg config.BackendConfig, prompt string, sess *store.Session) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}

	model := cfg.DefaultModel
	if sess != nil && sess.Model != "" {
		model = sess.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if isResume(sess) {
		args = append(args, "--resume", sess.BackendConversationID)
	} else if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}

	if cfg.MCPConfig != "" {
		args = append(args, "--mcp-config", cfg.MCPConfig)
	}

	return append(args, cfg.Args...)
}

func isResume(sess *store.Session) bool {
	return sess != nil && sess.MessageCount > 0 && sess.BackendConversationID != ""
}

// Spawn runs one exchange. onDelta receives incremental text as it streams.
// Errors are always *Error.
func (s *Spawner) Spawn(ctx context.Context, req Request, onDelta func(string)) (*Reply, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}

	resume := isResume(req.Session)
	logger := s.logger.With("key", req.ConversationKey, "resume", resume)

	spawnCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.Timeout > 0 {
		spawnCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	}
	defer cancel()

	cmd := exec.Command(s.cfg.Command, BuildArgs(s.cfg, req.Prompt, req.Session)...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	setupProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Kind: KindProcess, Detail: fmt.Sprintf("creating stdout pipe: %v", err), ExitCode: -1}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &Error{Kind: KindProcess, Detail: fmt.Sprintf("creating stderr pipe: %v", err), ExitCode: -1}
	}

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &Error{Kind: KindProcess, Detail: fmt.Sprintf("starting backend: %v", err), ExitCode: -1}
	}

	proc := newProcess(req.ConversationKey, cmd)
	s.table.Register(proc)
	defer s.table.Unregister(req.ConversationKey, proc)

	logger.Debug("backend started", "pid", proc.PID)

	// Timeout and cancellation both route through Terminate. Once the result
	// is in, the timeout no longer applies; a process that lingers past
	// KillGrace is stopped anyway.
	resultSeen := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-spawnCtx.Done():
			logger.Info("terminating backend", "pid", proc.PID, "reason", context.Cause(spawnCtx))
		case <-resultSeen:
			linger := time.NewTimer(s.cfg.KillGrace)
			defer linger.Stop()
			select {
			case <-proc.Done():
				return
			case <-ctx.Done():
				logger.Info("terminating backend", "pid", proc.PID, "reason", context.Cause(ctx))
			case <-linger.C:
				logger.Info("backend still running after its result, terminating", "pid", proc.PID)
			}
		case <-proc.Done():
			return
		}
		proc.Terminate(s.cfg.KillGrace, logger)
	}()

	errTail := &tailBuffer{max: maxStderrBytes}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(errTail, stderr)
	}()

	st := readStream(stdout, onDelta, func() {
		close(resultSeen)
		if req.OnResult != nil {
			req.OnResult()
		}
	}, logger)

	<-stderrDone
	waitErr := cmd.Wait()
	proc.markExited()
	<-watchDone

	elapsed := time.Since(startedAt)

	code := exitCode(waitErr)

	switch {
	case ctx.Err() != nil && proc.Terminated():
		return nil, &Error{Kind: KindCancelled, Detail: ctx.Err().Error(), ExitCode: code}
	case st.result != nil && proc.Terminated():
		// Stopped for lingering after a complete answer.
		logger.Debug("backend terminated after its result", "exit_code", code)
	case proc.Terminated() && errors.Is(spawnCtx.Err(), context.DeadlineExceeded):
		return nil, &Error{
			Kind:     KindTimeout,
			Detail:   fmt.Sprintf("no result after %s", s.cfg.Timeout),
			ExitCode: code,
		}
	case proc.Terminated():
		return nil, &Error{Kind: KindCancelled, Detail: "backend process terminated", ExitCode: code}
	case code != 0:
		e := classifyExit(code, errTail.String(), resume)
		logger.Warn("backend failed", "exit_code", code, "kind", e.Kind, "elapsed", elapsed)
		return nil, e
	}

	reply := &Reply{
		Text:      st.deltas.String(),
		Model:     st.model,
		Usage:     st.usage,
		Resumed:   resume,
		StartedAt: startedAt,
		Duration:  elapsed,
	}
	if r := st.result; r != nil {
		if r.Text != "" {
			reply.Text = r.Text
		}
		reply.BackendConversationID = r.BackendConversationID
		reply.CostUSD = r.CostUSD
		reply.NumTurns = r.NumTurns
		reply.IsError = r.IsError
	} else {
		logger.Warn("backend exited without a result event")
	}

	logger.Info("backend finished",
		"elapsed", elapsed,
		"chars", len(reply.Text),
		"backend_id", reply.BackendConversationID,
		"cost_usd", reply.CostUSD,
	)
	return reply, nil
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// streamState is what readStream learned from stdout.
type streamState struct {
	deltas    strings.Builder
	sawDeltas bool
	usage     Usage
	model     string
	result    *Result
}

// readStream consumes stdout until EOF or a Result event, then calls onResult
// and drains the rest.
func readStream(r io.Reader, onDelta func(string), onResult func(), logger *slog.Logger) *streamState {
	st := &streamState{}
	br := bufio.NewReader(r)

	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if st.handle(trimmed, onDelta, logger) {
				onResult()
				_, _ = io.Copy(io.Discard, br)
				return st
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("reading backend output", "error", err)
			}
			return st
		}
	}
}

// handle applies one line and reports whether it was terminal.
func (st *streamState) handle(line []byte, onDelta func(string), logger *slog.Logger) bool {
	ev, err := DecodeEvent(line)
	if err != nil {
		logger.Debug("skipping undecodable line", "error", err, "line", truncate(string(line), 200))
		return false
	}

	switch e := ev.(type) {
	case System:
	case TextDelta:
		if e.Text == "" {
			return false
		}
		st.deltas.WriteString(e.Text)
		st.sawDeltas = true
		onDelta(e.Text)
	case AssistantMessage:
		st.usage.Add(e.Usage)
		if e.Model != "" {
			st.model = e.Model
		}
		if !st.sawDeltas {
			if text := e.Text(); text != "" {
				st.deltas.WriteString(text)
				onDelta(text)
			}
		}
		st.sawDeltas = false
	case Result:
		st.result = &e
		return true
	case Unknown:
		logger.Debug("ignoring event", "type", e.Type)
	}
	return false
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
