// ABOUTME: Bot commands typed into the chat, such as /new, /status and /cancel
// ABOUTME: Commands act on sessions and the driver directly and never reach the backend

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

// Sessions is what commands need from the session registry.
type Sessions interface {
	GetActive(ctx context.Context) (*store.Session, error)
	List(ctx context.Context) ([]*store.Session, error)
	Create(ctx context.Context, name, model string) (*store.Session, error)
	Switch(ctx context.Context, name string) (*store.Session, error)
	SetModel(ctx context.Context, name, model string) error
}

// Driver is what commands need from the conversation driver.
type Driver interface {
	Cancel(key string) (cleared int, killed bool)
	Status(key string) conversation.Status
}

// Forwarder hands /task, /log and /note entries to an external store.
type Forwarder interface {
	Forward(ctx context.Context, kind, key, sender, text string) error
}

// Request is one command invocation.
type Request struct {
	Key    string
	Sender string
	Args   []string
	Raw    string // text after the command word
}

// Command is a single bot command.
type Command struct {
	Name        string
	Usage       string
	Description string
	Handler     func(ctx context.Context, req Request) (string, error)
}

// Handler parses and runs commands.
type Handler struct {
	prefix       string
	defaultModel string
	sessions     Sessions
	driver       Driver
	forwarder    Forwarder
	logger       *slog.Logger
	commands     map[string]*Command

	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

// NewHandler creates a handler. forwarder may be nil.
func NewHandler(prefix, defaultModel string, sessions Sessions, driver Driver, forwarder Forwarder, logger *slog.Logger) *Handler {
	if prefix == "" {
		prefix = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		prefix:       prefix,
		defaultModel: defaultModel,
		sessions:     sessions,
		driver:       driver,
		forwarder:    forwarder,
		logger:       logger.With("component", "commands"),
		Now:          time.Now,
	}

	h.commands = make(map[string]*Command)
	for _, c := range []*Command{
		{Name: "new", Usage: "new [model]", Description: "Start a fresh session", Handler: h.newSession},
		{Name: "status", Usage: "status", Description: "Show the active session and what is running", Handler: h.status},
		{Name: "cancel", Usage: "cancel", Description: "Stop the running reply and drop queued messages", Handler: h.cancel},
		{Name: "session", Usage: "session <name> [model]", Description: "Switch to a session, creating it if needed", Handler: h.switchSession},
		{Name: "sessions", Usage: "sessions", Description: "List sessions", Handler: h.listSessions},
		{Name: "model", Usage: "model [model]", Description: "Show or change the active session's model", Handler: h.model},
		{Name: "help", Usage: "help", Description: "Show this help", Handler: h.help},
		{Name: "task", Usage: "task <text>", Description: "Record a task", Handler: h.forward("task")},
		{Name: "log", Usage: "log <text>", Description: "Record a log entry", Handler: h.forward("log")},
		{Name: "note", Usage: "note <text>", Description: "Record a note", Handler: h.forward("note")},
	} {
		h.commands[c.Name] = c
	}
	return h
}

// Parse splits text into a command name and request. ok is false when text
// is not a known command; unknown commands go to the backend unchanged.
func (h *Handler) Parse(key, sender, text string) (cmd *Command, req Request, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, h.prefix) {
		return nil, Request{}, false
	}

	body := strings.TrimPrefix(text, h.prefix)
	name, rest, _ := strings.Cut(body, " ")
	cmd, ok = h.commands[strings.ToLower(name)]
	if !ok {
		return nil, Request{}, false
	}

	rest = strings.TrimSpace(rest)
	return cmd, Request{Key: key, Sender: sender, Args: strings.Fields(rest), Raw: rest}, true
}

// Handle runs text if it is a command and returns the reply.
// handled is false when text should be sent to the backend instead.
func (h *Handler) Handle(ctx context.Context, key, sender, text string) (reply string, handled bool) {
	cmd, req, ok := h.Parse(key, sender, text)
	if !ok {
		return "", false
	}

	h.logger.Info("running command", "command", cmd.Name, "key", key, "sender", sender)
	reply, err := cmd.Handler(ctx, req)
	if err != nil {
		h.logger.Error("command failed", "command", cmd.Name, "key", key, "error", err)
		return fmt.Sprintf("⚠️ %s%s failed: %v", h.prefix, cmd.Name, err), true
	}
	return reply, true
}

func (h *Handler) newSession(ctx context.Context, req Request) (string, error) {
	model := h.defaultModel
	if len(req.Args) > 0 {
		model = req.Args[0]
	}
	sess, err := h.sessions.Create(ctx, session.AutoName(h.Now()), model)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("🆕 Started session **%s** (%s).", sess.Name, sess.Model), nil
}

func (h *Handler) status(ctx context.Context, req Request) (string, error) {
	var b strings.Builder

	sess, err := h.sessions.GetActive(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		b.WriteString("No active session. The next message starts one.\n")
	case err != nil:
		return "", err
	default:
		fmt.Fprintf(&b, "**Session:** %s\n", sess.Name)
		fmt.Fprintf(&b, "**Model:** %s\n", sess.Model)
		fmt.Fprintf(&b, "**Messages:** %d\n", sess.MessageCount)
		fmt.Fprintf(&b, "**Last active:** %s\n", sess.LastActiveAt.Format(time.RFC3339))
		fmt.Fprintf(&b, "**Backend id:** `%s`\n", sess.BackendConversationID)
	}

	st := h.driver.Status(req.Key)
	if st.InFlight {
		fmt.Fprintf(&b, "**Running:** for %s", h.Now().Sub(st.RunningSince).Round(time.Second))
		if st.PID > 0 {
			fmt.Fprintf(&b, " (pid %d)", st.PID)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("**Running:** nothing\n")
	}
	fmt.Fprintf(&b, "**Queued:** %d", st.Pending)
	return b.String(), nil
}

func (h *Handler) cancel(_ context.Context, req Request) (string, error) {
	cleared, killed := h.driver.Cancel(req.Key)
	switch {
	case killed && cleared > 0:
		return fmt.Sprintf("🛑 Stopped the running reply and dropped %d queued %s.", cleared, plural(cleared, "message")), nil
	case killed:
		return "🛑 Stopped the running reply.", nil
	case cleared > 0:
		return fmt.Sprintf("🛑 Dropped %d queued %s.", cleared, plural(cleared, "message")), nil
	default:
		return "Nothing to cancel.", nil
	}
}

func (h *Handler) switchSession(ctx context.Context, req Request) (string, error) {
	if len(req.Args) == 0 {
		return "Usage: " + h.prefix + "session <name> [model]", nil
	}
	name := req.Args[0]
	model := ""
	if len(req.Args) > 1 {
		model = req.Args[1]
	}

	sess, err := h.sessions.Switch(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		if model == "" {
			model = h.defaultModel
		}
		sess, err = h.sessions.Create(ctx, name, model)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("🆕 Created and switched to session **%s** (%s).", sess.Name, sess.Model), nil
	}
	if err != nil {
		return "", err
	}

	if model != "" && model != sess.Model {
		if err := h.sessions.SetModel(ctx, name, model); err != nil {
			return "", err
		}
		sess.Model = model
	}
	return fmt.Sprintf("↪️ Switched to session **%s** (%s, %d %s).",
		sess.Name, sess.Model, sess.MessageCount, plural(sess.MessageCount, "message")), nil
}

func (h *Handler) listSessions(ctx context.Context, _ Request) (string, error) {
	sessions, err := h.sessions.List(ctx)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "No sessions yet.", nil
	}

	var b strings.Builder
	b.WriteString("**Sessions**\n")
	for _, s := range sessions {
		marker := "  "
		if s.IsActive {
			marker = "▶ "
		}
		fmt.Fprintf(&b, "%s%s (%s, %d %s, last active %s)\n",
			marker, s.Name, s.Model, s.MessageCount, plural(s.MessageCount, "message"),
			s.LastActiveAt.Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *Handler) model(ctx context.Context, req Request) (string, error) {
	sess, err := h.sessions.GetActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return "No active session. Use " + h.prefix + "new [model] to start one.", nil
	}
	if err != nil {
		return "", err
	}

	if len(req.Args) == 0 {
		return fmt.Sprintf("Session **%s** uses **%s**.", sess.Name, sess.Model), nil
	}
	if err := h.sessions.SetModel(ctx, sess.Name, req.Args[0]); err != nil {
		return "", err
	}
	return fmt.Sprintf("Session **%s** now uses **%s**.", sess.Name, req.Args[0]), nil
}

func (h *Handler) help(context.Context, Request) (string, error) {
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		if h.forwarder == nil && isForwarded(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("**Commands**\n")
	for _, name := range names {
		c := h.commands[name]
		fmt.Fprintf(&b, "`%s%s`: %s\n", h.prefix, c.Usage, c.Description)
	}
	b.WriteString("\nAnything else is sent to the assistant.")
	return b.String(), nil
}

func (h *Handler) forward(kind string) func(context.Context, Request) (string, error) {
	return func(ctx context.Context, req Request) (string, error) {
		if h.forwarder == nil {
			return fmt.Sprintf("%s%s is not configured on this relay.", h.prefix, kind), nil
		}
		if req.Raw == "" {
			return fmt.Sprintf("Usage: %s%s <text>", h.prefix, kind), nil
		}
		if err := h.forwarder.Forward(ctx, kind, req.Key, req.Sender, req.Raw); err != nil {
			return "", fmt.Errorf("forwarding %s: %w", kind, err)
		}
		return fmt.Sprintf("✅ %s recorded.", strings.ToUpper(kind[:1])+kind[1:]), nil
	}
}

func isForwarded(name string) bool {
	return name == "task" || name == "log" || name == "note"
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
