// ABOUTME: Running backend processes and the table that tracks them by conversation key
// ABOUTME: Termination escalates from SIGTERM to SIGKILL after a grace period

package backend

import (
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Process is a running backend subprocess.
type Process struct {
	Key       string
	PID       int
	StartedAt time.Time

	cmd        *exec.Cmd
	done       chan struct{} // closed once Wait has returned
	exitOnce   sync.Once
	termOnce   sync.Once
	terminated atomic.Bool
}

func newProcess(key string, cmd *exec.Cmd) *Process {
	return &Process{
		Key:       key,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
}

// Done is closed after the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Terminated reports whether Terminate signalled this process before it exited.
func (p *Process) Terminated() bool {
	return p.terminated.Load()
}

func (p *Process) markExited() {
	p.exitOnce.Do(func() { close(p.done) })
}

// Terminate sends SIGTERM to the process group, waits up to grace for it to
// exit, then sends SIGKILL. Concurrent calls share one escalation.
func (p *Process) Terminate(grace time.Duration, logger *slog.Logger) {
	p.termOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.terminated.Store(true)

		if err := terminateGroup(p.cmd); err != nil {
			logger.Warn("SIGTERM failed", "key", p.Key, "pid", p.PID, "error", err)
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-p.done:
			return
		case <-timer.C:
		}

		logger.Warn("backend ignored SIGTERM, killing", "key", p.Key, "pid", p.PID, "grace", grace)
		if err := killGroup(p.cmd); err != nil {
			logger.Warn("SIGKILL failed", "key", p.Key, "pid", p.PID, "error", err)
		}
	})
}

// ProcessInfo describes a running process for status output.
type ProcessInfo struct {
	Key       string
	PID       int
	StartedAt time.Time
}

// ProcessTable tracks the running process for each conversation key.
type ProcessTable struct {
	mu     sync.RWMutex
	procs  map[string]*Process
	logger *slog.Logger
}

// NewProcessTable creates an empty table.
func NewProcessTable(logger *slog.Logger) *ProcessTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessTable{
		procs:  make(map[string]*Process),
		logger: logger.With("component", "processes"),
	}
}

// Register records p as the running process for its key.
func (t *ProcessTable) Register(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.procs[p.Key]; ok && prev != p {
		t.logger.Warn("replacing registered process", "key", p.Key, "old_pid", prev.PID, "new_pid", p.PID)
	}
	t.procs[p.Key] = p
	t.logger.Debug("process registered", "key", p.Key, "pid", p.PID, "total", len(t.procs))
}

// Unregister removes p from the table. A different process registered under
// the same key is left alone.
func (t *ProcessTable) Unregister(key string, p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.procs[key]; ok && cur == p {
		delete(t.procs, key)
		t.logger.Debug("process unregistered", "key", key, "pid", p.PID, "total", len(t.procs))
	}
}

// Get returns the process running for key.
func (t *ProcessTable) Get(key string) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[key]
	return p, ok
}

// Len returns the number of running processes.
func (t *ProcessTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// Terminate stops the process running for key. It returns false if none was
// running. The interrupted Spawn reports KindCancelled.
func (t *ProcessTable) Terminate(key string, grace time.Duration) bool {
	p, ok := t.Get(key)
	if !ok {
		return false
	}
	p.Terminate(grace, t.logger)
	return true
}

// TerminateAll stops every running process in parallel and returns when all
// escalations have finished.
func (t *ProcessTable) TerminateAll(grace time.Duration) {
	t.mu.RLock()
	procs := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}
	t.mu.RUnlock()

	var g errgroup.Group
	for _, p := range procs {
		g.Go(func() error {
			p.Terminate(grace, t.logger)
			return nil
		})
	}
	_ = g.Wait()
}

// Snapshot lists the running processes ordered by key.
func (t *ProcessTable) Snapshot() []ProcessInfo {
	t.mu.RLock()
	out := make([]ProcessInfo, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, ProcessInfo{Key: p.Key, PID: p.PID, StartedAt: p.StartedAt})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
