package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/llm"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/store"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/strava"
)

// SystemPrompt holds the coach's static behavioral rules.
const SystemPrompt = "You are ActiveBuddy, a personal AI sports coach. You help with ALL sports and physical activities supported by Strava." +
	"You have access to the user's profile and data." +
	"\n\nYOUR INSTRUCTIONS:" +
	"\n1. **Strava:** If you see 'STRAVA: NOT CONNECTED' and the user asks for analysis, tell them to use /connect_strava." +
	"\n2. **Memory (CRITICAL):** Whenever the user mentions ANY new fact about themselves (age, discomfort, weight, preferences, city, new PRs, equipment changes, injuries, goals, **PRs**) — " +
	"YOU MUST IMMEDIATELY call the `save_profile_info` tool BEFORE replying with text. Do not just say you saved it — actually use the tool." +
	"\n3. **Confirmation:** After calling `save_profile_info`, explicitly confirm exactly what was saved in your text response." +
	"\n3. **Weather:** To check weather, use the city stored in the profile. If no city is saved, ask the user." +
	"\n4. **Analysis:** If the user asks for advice or a plan, use `check_weather` and `check_strava` tools. Analyze ANY activity type present in the history (Run, Ride, Swim, Ski, Hike, Weight Training, etc.)." +
	"\n5. **Context:** Always consider profile data when giving advice (e.g., don't suggest a heavy leg workout if the user just did a hard hike or long ride)." +
	"\n6. **Language & Tone:** Your default language is **English**. However, **if the user speaks Ukrainian (or another language), reply in the user's language**. Be friendly, energetic, and concise." +
	"\n7. **Persona:** You are a supportive partner. End with a short motivational quote (Rocky Balboa style)." +
	"\n\nRESTRICTIONS:" +
	"\n- Do not output technical tags (like <tool_code>)." +
	"\n- Do not halluncinate data." +
	"\n- Stop immediately after giving advice."

// DefaultHistoryLimit is the number of prior turns sent to the model.
// It is also the ceiling: a cycle never carries more prior turns.
const DefaultHistoryLimit = 10

// HistoryStore is the part of the store the context builder reads.
type HistoryStore interface {
	History(ctx context.Context, chatID string) ([]store.Turn, error)
	Profile(ctx context.Context, chatID string) (map[string]any, error)
}

// StatusSource reports the Strava connection state of a chat.
type StatusSource interface {
	Status(ctx context.Context, chatID string) strava.ConnectionStatus
}

// Context is the assembled model input for one cycle.
type Context struct {
	History  []store.Turn // trimmed prior turns, oldest first
	Profile  map[string]any
	Status   strava.ConnectionStatus
	Messages []llm.Message // system, history, then the new user turn
}

// ContextBuilder assembles the LLM input from stored state. Store read
// failures degrade to empty history or profile.
type ContextBuilder struct {
	store  HistoryStore
	status StatusSource
	limit  int
	logger *slog.Logger
}

// NewContextBuilder creates a builder. A nil status source reports
// every chat as not connected. A limit outside 1..[DefaultHistoryLimit]
// means [DefaultHistoryLimit].
func NewContextBuilder(st HistoryStore, status StatusSource, limit int, logger *slog.Logger) *ContextBuilder {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{store: st, status: status, limit: limit, logger: logger}
}

// Build loads history, profile and connection status for chatID and
// returns the message list ending with userText.
func (b *ContextBuilder) Build(ctx context.Context, chatID, userText string) *Context {
	history, err := b.store.History(ctx, chatID)
	if err != nil {
		b.logger.Warn("history read failed", "chat_id", chatID, "error", err)
		history = nil
	}
	profile, err := b.store.Profile(ctx, chatID)
	if err != nil {
		b.logger.Warn("profile read failed", "chat_id", chatID, "error", err)
		profile = map[string]any{}
	}
	status := strava.StatusNotConnected
	if b.status != nil {
		status = b.status.Status(ctx, chatID)
	}

	c := &Context{
		History: CleanHistory(history, b.limit),
		Profile: profile,
		Status:  status,
	}
	c.Messages = make([]llm.Message, 0, len(c.History)+2)
	c.Messages = append(c.Messages, llm.Message{Role: llm.RoleSystem, Content: SystemMessage(status, profile)})
	for _, t := range c.History {
		c.Messages = append(c.Messages, llm.Message{Role: t.Role, Content: t.Content})
	}
	c.Messages = append(c.Messages, llm.Message{Role: llm.RoleUser, Content: userText})
	return c
}

// SystemMessage renders the system block: static rules, the live
// Strava status and, when non-empty, the profile as JSON.
func SystemMessage(status strava.ConnectionStatus, profile map[string]any) string {
	var sb strings.Builder
	sb.WriteString(SystemPrompt)
	sb.WriteString("\n\nSTATUS STRAVA: ")
	if status == strava.StatusConnected {
		sb.WriteString("CONNECTED ✅")
	} else {
		sb.WriteString("NOT CONNECTED ❌")
	}
	if len(profile) > 0 {
		sb.WriteString("\nCURRENT USER PROFILE:\n")
		sb.WriteString(profileJSON(profile))
	}
	return sb.String()
}

// profileJSON encodes the profile without escaping non-ASCII or HTML
// characters so the model sees the user's own words.
func profileJSON(profile map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(profile); err != nil {
		return "{}"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// CleanHistory keeps user and assistant turns with content and returns
// at most the last limit of them.
func CleanHistory(turns []store.Turn, limit int) []store.Turn {
	out := make([]store.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		if t.Role != store.RoleUser && t.Role != store.RoleAssistant {
			continue
		}
		out = append(out, t)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
