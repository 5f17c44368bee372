// Package telegram connects the coach to Telegram: Bot API calls,
// webhook update handling, commands and the invite-only access gate.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/agent"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/dispatch"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/events"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/tools"
)

// Reply texts.
const (
	LockedMessage = "👋 <b>Hello!</b> I am ActiveBuddy — your Personal AI Sports Coach.\n\n" +
		"I am currently operating in <b>private mode</b> (invite only). 🔒\n\n" +
		"💻 <b>Source Code:</b> <a href='https://github.com/oleksandr-g-rock/ai-runner-coach'>GitHub Repository</a>\n\n" +
		"🔑 <b>Have an access code?</b> Just send it here as a message."
	AccessGrantedMessage = "🥊 <b>Access Granted!</b> Welcome to the club.\n\n" +
		"I am your personal coach now. Start with /connect_strava or just tell me about your goals."
	StartMessage       = "👋 Hi! I'm ActiveBuddy.\nPress /connect_strava to link your activities (Run, Ride, Swim, etc.)."
	VoiceLockedMessage = "🔒 Please enter the text password first."
	VoiceMessage       = "🎙 I can only read text for now. Please type your message."
	ProfileEmpty       = "🤷‍♂️ Profile is empty."
	ConfigErrorMessage = "❌ Configuration Error."
	ConnectMessage     = "Please authorize Strava access (read-only)."
	ConnectButton      = "🔗 Login with Strava"
	CheckingStrava     = "🔄 Checking Strava..."
)

// handleTimeout bounds how long a single inbound message may be
// processed (agent cycle + reply).
const handleTimeout = 5 * time.Minute

// cleanupInterval controls how often idle rate limiters are evicted.
const cleanupInterval = 10 * time.Minute

// Sender sends messages to chats.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string, opts SendOptions) error
	SendChatAction(ctx context.Context, chatID, action string) error
}

// AgentRunner abstracts the agent loop for testability. The real
// implementation is *agent.Loop.
type AgentRunner interface {
	Run(ctx context.Context, chatID, text string) (*agent.Response, error)
}

// ProfileStore reads and merges profile facts.
type ProfileStore interface {
	Profile(ctx context.Context, chatID string) (map[string]any, error)
	SaveProfile(ctx context.Context, chatID string, partial map[string]any) error
}

// ToolRunner executes a tool outside an agent cycle.
type ToolRunner interface {
	Execute(ctx context.Context, inv tools.Invocation) tools.Result
}

// Authorizer builds the Strava consent URL.
type Authorizer interface {
	Configured() bool
	AuthorizeURL(chatID string) string
}

// Submitter queues work off the webhook goroutine.
type Submitter interface {
	Submit(job dispatch.Job) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Sender     Sender
	Runner     AgentRunner
	Profiles   ProfileStore
	Tools      ToolRunner
	Authorizer Authorizer
	// Dispatcher runs message handling. Nil runs it inline.
	Dispatcher Submitter
	Bus        *events.Bus
	Logger     *slog.Logger

	// InviteCode unlocks a chat. Empty disables the gate.
	InviteCode string
	RateLimit  int // messages per chat per minute; 0 = unlimited
}

// Bridge turns Telegram updates into agent cycles and command replies.
type Bridge struct {
	cfg    BridgeConfig
	logger *slog.Logger

	mu          sync.Mutex
	limiters    map[string]*chatLimiter
	lastCleanup time.Time
}

type chatLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewBridge creates a Telegram bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		limiters: make(map[string]*chatLimiter),
	}
}

// HandleUpdate accepts one webhook update. It filters and rate-limits
// on the caller's goroutine and hands the message to the dispatcher.
func (b *Bridge) HandleUpdate(upd *Update) error {
	msg := upd.Message
	if msg == nil || (msg.Text == "" && msg.Voice == nil) {
		b.logger.Debug("telegram ignoring non-message update", "update_id", upd.UpdateID)
		return nil
	}
	chatID := msg.ChatID()

	if !b.allow(chatID) {
		b.logger.Warn("telegram message rate-limited", "chat_id", chatID)
		b.cfg.Bus.Emit(events.SourceTelegram, events.KindRateLimited, map[string]any{"chat_id": chatID})
		return nil
	}

	kind := "text"
	if msg.Voice != nil {
		kind = "voice"
	} else if cmd := msg.Command(); cmd != "" {
		kind = "command"
	}
	b.cfg.Bus.Emit(events.SourceTelegram, events.KindMessageReceived, map[string]any{
		"chat_id":     chatID,
		"kind":        kind,
		"message_len": len(msg.Text),
	})

	job := dispatch.Job{
		Name:   kind,
		ChatID: chatID,
		Run:    func(ctx context.Context) { b.handleMessage(ctx, msg) },
	}
	if b.cfg.Dispatcher == nil {
		job.Run(context.Background())
		return nil
	}
	return b.cfg.Dispatcher.Submit(job)
}

func (b *Bridge) handleMessage(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	chatID := msg.ChatID()
	b.logger.Info("telegram message received",
		"chat_id", chatID,
		"message_len", len(msg.Text),
		"voice", msg.Voice != nil,
	)

	profile, err := b.cfg.Profiles.Profile(ctx, chatID)
	if err != nil {
		b.logger.Warn("profile read failed", "chat_id", chatID, "error", err)
		profile = map[string]any{}
	}
	allowed := b.allowed(profile)

	if msg.Voice != nil {
		if !allowed {
			b.reply(ctx, chatID, VoiceLockedMessage, SendOptions{})
			return
		}
		b.reply(ctx, chatID, VoiceMessage, SendOptions{})
		return
	}

	if cmd := msg.Command(); cmd != "" {
		if !allowed {
			b.reply(ctx, chatID, LockedMessage, SendOptions{ParseMode: ParseModeHTML})
			return
		}
		b.handleCommand(ctx, chatID, cmd, profile)
		return
	}

	if !allowed {
		b.unlock(ctx, chatID, msg.Text)
		return
	}

	if err := b.cfg.Sender.SendChatAction(ctx, chatID, ActionTyping); err != nil {
		b.logger.Debug("telegram typing action failed", "chat_id", chatID, "error", err)
	}
	resp, err := b.cfg.Runner.Run(ctx, chatID, msg.Text)
	if err != nil {
		b.logger.Error("agent run failed", "chat_id", chatID, "error", err)
		return
	}
	b.logger.Info("agent run completed",
		"chat_id", chatID,
		"request_id", resp.RequestID,
		"response_len", len(resp.Content),
		"fallback", resp.Fallback,
	)
	b.sendFormatted(ctx, chatID, resp.Content)
}

func (b *Bridge) handleCommand(ctx context.Context, chatID, cmd string, profile map[string]any) {
	switch cmd {
	case "start":
		b.reply(ctx, chatID, StartMessage, SendOptions{})
	case "profile":
		b.reply(ctx, chatID, FormatProfile(profile), SendOptions{ParseMode: ParseModeHTML})
	case "connect_strava":
		if b.cfg.Authorizer == nil || !b.cfg.Authorizer.Configured() {
			b.reply(ctx, chatID, ConfigErrorMessage, SendOptions{})
			return
		}
		b.reply(ctx, chatID, ConnectMessage, SendOptions{
			ReplyMarkup: URLButton(ConnectButton, b.cfg.Authorizer.AuthorizeURL(chatID)),
		})
	case "strava":
		b.reply(ctx, chatID, CheckingStrava, SendOptions{})
		res := b.cfg.Tools.Execute(tools.WithChatID(ctx, chatID), tools.Invocation{
			ID:   "cmd-strava",
			Name: string(tools.CheckStrava),
		})
		b.reply(ctx, chatID, res.Content, SendOptions{})
	default:
		b.logger.Debug("telegram ignoring unknown command", "chat_id", chatID, "command", cmd)
	}
}

// unlock grants access when text is the invite code and otherwise
// answers with the locked-mode message.
func (b *Bridge) unlock(ctx context.Context, chatID, text string) {
	if strings.TrimSpace(text) != b.cfg.InviteCode {
		b.reply(ctx, chatID, LockedMessage, SendOptions{ParseMode: ParseModeHTML})
		return
	}
	if err := b.cfg.Profiles.SaveProfile(ctx, chatID, map[string]any{"is_allowed": true}); err != nil {
		b.logger.Error("access grant not saved", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, agent.FallbackText, SendOptions{})
		return
	}
	b.logger.Info("access granted", "chat_id", chatID)
	b.cfg.Bus.Emit(events.SourceTelegram, events.KindAccessGranted, map[string]any{"chat_id": chatID})
	b.reply(ctx, chatID, AccessGrantedMessage, SendOptions{ParseMode: ParseModeHTML})
}

func (b *Bridge) allowed(profile map[string]any) bool {
	if b.cfg.InviteCode == "" {
		return true
	}
	ok, _ := profile["is_allowed"].(bool)
	return ok
}

// sendFormatted sends model output as HTML, falling back to plain text
// when Telegram rejects the markup.
func (b *Bridge) sendFormatted(ctx context.Context, chatID, text string) {
	err := b.cfg.Sender.SendMessage(ctx, chatID, FormatHTML(text), SendOptions{ParseMode: ParseModeHTML})
	if err == nil {
		return
	}
	if !IsParseError(err) {
		b.logger.Error("telegram reply send failed", "chat_id", chatID, "error", err)
		return
	}
	b.logger.Warn("telegram rejected reply markup, sending plain text", "chat_id", chatID, "error", err)
	b.reply(ctx, chatID, text, SendOptions{})
}

func (b *Bridge) reply(ctx context.Context, chatID, text string, opts SendOptions) {
	if err := b.cfg.Sender.SendMessage(ctx, chatID, text, opts); err != nil {
		b.logger.Error("telegram reply send failed", "chat_id", chatID, "error", err)
	}
}

// FormatProfile renders a profile for the /profile command.
func FormatProfile(profile map[string]any) string {
	if len(profile) == 0 {
		return ProfileEmpty
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(profile); err != nil {
		return ProfileEmpty
	}
	return "📂 <b>PROFILE:</b>\n<pre>" + escapeText(strings.TrimSpace(buf.String())) + "</pre>"
}

// allow reports whether chatID is within its per-minute budget.
func (b *Bridge) allow(chatID string) bool {
	if b.cfg.RateLimit <= 0 {
		return true
	}
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeCleanupLocked(now)

	cl, ok := b.limiters[chatID]
	if !ok {
		cl = &chatLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.cfg.RateLimit)), b.cfg.RateLimit),
		}
		b.limiters[chatID] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// maybeCleanupLocked evicts limiters idle long enough to have refilled.
// Must be called with b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now
	for id, cl := range b.limiters {
		if now.Sub(cl.lastSeen) > 2*time.Minute {
			delete(b.limiters, id)
		}
	}
}
