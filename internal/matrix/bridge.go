// ABOUTME: Matrix transport: login, sync, inbound filtering and outbound send/edit/typing
// ABOUTME: Room IDs are the conversation keys handed to the driver

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/queue"
)

const (
	// typingTimeout is how long one typing notification lasts on the server.
	typingTimeout = 30 * time.Second

	// networkTimeout bounds Matrix API calls made outside a caller's context.
	networkTimeout = 10 * time.Second

	// sendTimeout bounds message sends, which can be large.
	sendTimeout = 30 * time.Second

	seenTTL      = time.Hour
	seenCapacity = 10000
)

// Submitter accepts messages for processing.
type Submitter interface {
	Submit(msg queue.Message) error
}

// Commands handles bot commands. handled is false for ordinary text.
type Commands interface {
	Handle(ctx context.Context, key, sender, text string) (reply string, handled bool)
}

// Transcriber turns a voice message into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Bridge connects Matrix rooms to the conversation driver.
type Bridge struct {
	cfg      config.MatrixConfig
	client   *mautrix.Client
	renderer delivery.Renderer
	logger   *slog.Logger

	seen         *dedupe.Window
	startedAt    time.Time
	allowedRooms map[string]bool
	allowedUsers map[string]bool

	submitter   Submitter
	commands    Commands
	transcriber Transcriber
	crypto      *encryption

	// ctx is the parent for background handlers; set by Run.
	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// NewBridge creates a Matrix client for cfg. Call Login before Run.
func NewBridge(cfg config.MatrixConfig, renderer delivery.Renderer, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if renderer == nil {
		renderer = delivery.PlainRenderer{}
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:          cfg,
		client:       client,
		renderer:     renderer,
		logger:       logger.With("component", "matrix"),
		seen:         dedupe.NewWindow(seenTTL, seenCapacity),
		startedAt:    time.Now(),
		allowedRooms: toSet(cfg.AllowedRooms),
		allowedUsers: toSet(cfg.AllowedUsers),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Attach wires the inbound side. transcriber may be nil.
func (b *Bridge) Attach(submitter Submitter, commands Commands, transcriber Transcriber) {
	b.submitter = submitter
	b.commands = commands
	b.transcriber = transcriber
}

// UserID returns the bot's Matrix user id.
func (b *Bridge) UserID() string {
	return b.client.UserID.String()
}

// Login authenticates with the homeserver. An access token is verified with
// whoami; otherwise username and password are used.
func (b *Bridge) Login(ctx context.Context) error {
	if b.cfg.AccessToken != "" {
		resp, err := b.client.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("verifying access token: %w", err)
		}
		b.client.UserID = resp.UserID
		b.client.DeviceID = resp.DeviceID
		b.logger.Info("using access token", "user_id", resp.UserID, "device_id", resp.DeviceID)
		return nil
	}

	resp, err := b.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.cfg.Username,
		},
		Password:                 b.cfg.Password,
		InitialDeviceDisplayName: "coven-relay",
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("password login: %w", err)
	}
	b.logger.Info("logged in", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

// EnableEncryption sets up end-to-end encryption with the crypto store in
// dataDir. Call after Login.
func (b *Bridge) EnableEncryption(ctx context.Context, dataDir string) error {
	enc, err := setupEncryption(ctx, b.client, b.cfg.RecoveryKey, dataDir, b.logger)
	if err != nil {
		return err
	}
	b.crypto = enc
	return nil
}

// Run syncs until ctx is cancelled or the sync fails.
func (b *Bridge) Run(ctx context.Context) error {
	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessage)
	syncer.OnEventType(event.StateMember, b.handleMembership)

	b.logger.Info("syncing", "homeserver", b.cfg.Homeserver, "user_id", b.UserID())

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.client.StopSync()
		<-syncErr
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// Close stops background handlers and releases the crypto store.
func (b *Bridge) Close() error {
	b.cancel()
	b.pending.Wait()
	if b.crypto != nil {
		return b.crypto.Close()
	}
	return nil
}

// Send posts a new message and returns its event id.
func (b *Bridge) Send(ctx context.Context, key string, msg delivery.Rendered) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	resp, err := b.client.SendMessageEvent(ctx, id.RoomID(key), event.EventMessage, messageContent(msg))
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", key, err)
	}
	return resp.EventID.String(), nil
}

// Edit replaces the body of a message previously sent with Send.
func (b *Bridge) Edit(ctx context.Context, key, messageID string, msg delivery.Rendered) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if _, err := b.client.SendMessageEvent(ctx, id.RoomID(key), event.EventMessage, editContent(messageID, msg)); err != nil {
		return fmt.Errorf("editing %s in %s: %w", messageID, key, err)
	}
	return nil
}

// Typing turns the typing notification on or off.
func (b *Bridge) Typing(ctx context.Context, key string, typing bool) error {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	if _, err := b.client.UserTyping(ctx, id.RoomID(key), typing, timeout); err != nil {
		return fmt.Errorf("setting typing in %s: %w", key, err)
	}
	return nil
}

func messageContent(msg delivery.Rendered) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Text,
	}
	if msg.HTML != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = msg.HTML
	}
	return content
}

func editContent(messageID string, msg delivery.Rendered) *event.MessageEventContent {
	content := messageContent(msg)
	content.SetEdit(id.EventID(messageID))
	return content
}

// reply sends a standalone notice from a background handler.
func (b *Bridge) reply(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	defer cancel()
	if _, err := b.Send(ctx, roomID.String(), b.renderer.Render(text)); err != nil {
		b.logger.Error("failed to send reply", "room", roomID.String(), "error", err)
	}
}

// accept reports whether evt should be handled, and why not.
func (b *Bridge) accept(evt *event.Event) (string, bool) {
	switch {
	case evt.Sender == b.client.UserID:
		return "own message", false
	case evt.Timestamp < b.startedAt.UnixMilli():
		return "sent before startup", false
	case len(b.allowedRooms) > 0 && !b.allowedRooms[evt.RoomID.String()]:
		return "room not allowed", false
	case len(b.allowedUsers) > 0 && !b.allowedUsers[evt.Sender.String()]:
		return "user not allowed", false
	case b.seen.Seen(evt.ID.String()):
		return "duplicate", false
	}
	return "", true
}

func (b *Bridge) handleMessage(ctx context.Context, evt *event.Event) {
	if reason, ok := b.accept(evt); !ok {
		b.logger.Debug("ignoring event", "event_id", evt.ID.String(), "room", evt.RoomID.String(), "reason", reason)
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	switch content.MsgType {
	case event.MsgText:
		b.dispatch(evt.RoomID, evt.Sender, content.Body)
	case event.MsgAudio:
		b.pending.Add(1)
		go func() {
			defer b.pending.Done()
			b.handleAudio(evt.RoomID, evt.Sender, content)
		}()
	default:
		b.logger.Debug("ignoring message type", "type", content.MsgType, "room", evt.RoomID.String())
	}
}

// dispatch routes text to a command or the driver. Submission happens inline
// so arrival order is preserved.
func (b *Bridge) dispatch(roomID id.RoomID, sender id.UserID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	key := roomID.String()

	b.logger.Info("received message",
		"room", key,
		"sender", sender.String(),
		"content", delivery.Truncate(text, 50),
	)

	if b.commands != nil {
		if reply, handled := b.commands.Handle(b.ctx, key, sender.String(), text); handled {
			b.pending.Add(1)
			go func() {
				defer b.pending.Done()
				b.reply(roomID, reply)
			}()
			return
		}
	}

	b.submit(roomID, sender, text)
}

func (b *Bridge) submit(roomID id.RoomID, sender id.UserID, text string) {
	if b.submitter == nil {
		b.logger.Warn("no submitter attached, dropping message", "room", roomID.String())
		return
	}

	err := b.submitter.Submit(queue.Message{
		ConversationKey: roomID.String(),
		SenderID:        sender.String(),
		Text:            text,
		EnqueuedAt:      time.Now(),
	})
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrQueueFull):
		b.pending.Add(1)
		go func() {
			defer b.pending.Done()
			b.reply(roomID, "⏳ I'm still working through earlier messages, so I dropped that one. Send it again in a moment.")
		}()
	default:
		b.logger.Warn("message not submitted", "room", roomID.String(), "error", err)
	}
}

func (b *Bridge) handleAudio(roomID id.RoomID, sender id.UserID, content *event.MessageEventContent) {
	if b.transcriber == nil {
		b.reply(roomID, "🎙️ Voice messages aren't supported here. Please type your message.")
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 2*time.Minute)
	defer cancel()

	audio, err := b.downloadMedia(ctx, content)
	if err != nil {
		b.logger.Error("downloading voice message", "room", roomID.String(), "error", err)
		b.reply(roomID, "⚠️ Could not download that voice message.")
		return
	}

	mimeType := "audio/ogg"
	if content.Info != nil && content.Info.MimeType != "" {
		mimeType = content.Info.MimeType
	}

	text, err := b.transcriber.Transcribe(ctx, audio, mimeType)
	if err != nil {
		b.logger.Error("transcribing voice message", "room", roomID.String(), "error", err)
		b.reply(roomID, "⚠️ Could not transcribe that voice message.")
		return
	}
	b.logger.Info("voice message transcribed", "room", roomID.String(), "chars", len(text))
	b.dispatch(roomID, sender, text)
}

func (b *Bridge) downloadMedia(ctx context.Context, content *event.MessageEventContent) ([]byte, error) {
	raw := content.URL
	if content.File != nil {
		raw = content.File.URL
	}
	uri, err := raw.Parse()
	if err != nil {
		return nil, fmt.Errorf("parsing media url: %w", err)
	}

	data, err := b.client.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", uri, err)
	}
	if content.File != nil {
		if err := content.File.DecryptInPlace(data); err != nil {
			return nil, fmt.Errorf("decrypting media: %w", err)
		}
	}
	return data, nil
}

// handleMembership joins rooms the bot is invited to by an allowed user.
func (b *Bridge) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != b.client.UserID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}
	if len(b.allowedUsers) > 0 && !b.allowedUsers[evt.Sender.String()] {
		b.logger.Info("ignoring invite", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
		return
	}
	if len(b.allowedRooms) > 0 && !b.allowedRooms[evt.RoomID.String()] {
		b.logger.Info("ignoring invite to non-allowed room", "room", evt.RoomID.String())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		b.logger.Error("joining room", "room", evt.RoomID.String(), "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
