// Package agent runs the coach's two-round tool-calling cycle: build
// context, ask the model, execute requested tools, ask again, persist.
package agent

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/events"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/llm"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/store"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/tools"
)

// FallbackText replaces the answer when the model cannot be reached or
// returns nothing.
const FallbackText = "Sorry, technical glitch."

// persistTimeout bounds the history write, which runs even after the
// cycle context has expired.
const persistTimeout = 10 * time.Second

// State is a step of the orchestration cycle.
type State string

const (
	StateBuildContext     State = "BUILD_CONTEXT"
	StateFirstCompletion  State = "FIRST_COMPLETION"
	StateExecuteTools     State = "EXECUTE_TOOLS"
	StateSecondCompletion State = "SECOND_COMPLETION"
	StateRespond          State = "RESPOND"
	StatePersist          State = "PERSIST"
)

// Store is the persistence the loop needs.
type Store interface {
	HistoryStore
	UpdateHistory(ctx context.Context, chatID string, turns []store.Turn) error
}

// ToolExecutor offers tool definitions to the model and runs calls.
type ToolExecutor interface {
	Definitions() []map[string]any
	Execute(ctx context.Context, inv tools.Invocation) tools.Result
}

// Config wires a Loop's collaborators.
type Config struct {
	LLM    llm.Client
	Model  string
	Store  Store
	Tools  ToolExecutor
	Status StatusSource
	Bus    *events.Bus
	Logger *slog.Logger

	HistoryLimit int
	// Serialize runs at most one cycle per chat at a time. When false,
	// concurrent cycles for one chat race and the last history write wins.
	Serialize bool
	// CycleTimeout bounds both completions and tool execution. Zero
	// means no bound beyond the caller's context.
	CycleTimeout time.Duration
}

// Response is the outcome of one cycle.
type Response struct {
	RequestID string
	Content   string
	// Fallback is set when Content is [FallbackText] because a model
	// call failed or returned no text.
	Fallback  bool
	ToolCalls []tools.Result
	States    []State
	Elapsed   time.Duration
}

// Loop is the coach agent.
type Loop struct {
	cfg     Config
	builder *ContextBuilder
	locks   *chatLocks
	logger  *slog.Logger
}

// NewLoop creates a Loop from cfg.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")
	return &Loop{
		cfg:     cfg,
		builder: NewContextBuilder(cfg.Store, cfg.Status, cfg.HistoryLimit, logger),
		locks:   newChatLocks(),
		logger:  logger,
	}
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Run handles one user message for chatID. The returned error is
// non-nil only when ctx is done before the cycle starts (including
// while waiting for another cycle of the same chat); every other
// failure degrades to [FallbackText] and the turn is still persisted.
func (l *Loop) Run(ctx context.Context, chatID, text string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.cfg.Serialize {
		unlock, err := l.locks.lock(ctx, chatID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	start := time.Now()
	resp := &Response{RequestID: newRequestID()}
	log := l.logger.With("request_id", resp.RequestID, "chat_id", chatID)
	enter := func(s State) {
		resp.States = append(resp.States, s)
		log.Log(ctx, llm.LevelTrace, "agent state", "state", s)
	}

	l.cfg.Bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id":  resp.RequestID,
		"chat_id":     chatID,
		"message_len": len(text),
	})
	log.Info("agent cycle started", "message_len", len(text))

	cycleCtx := ctx
	if l.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, l.cfg.CycleTimeout)
		defer cancel()
	}
	cycleCtx = tools.WithChatID(cycleCtx, chatID)

	enter(StateBuildContext)
	built := l.builder.Build(cycleCtx, chatID, text)

	content, ok := l.complete(cycleCtx, log, resp, built.Messages, enter)
	if !ok || content == "" {
		if ok {
			log.Warn("model returned empty content")
		}
		content = FallbackText
		resp.Fallback = true
	}
	resp.Content = content

	enter(StatePersist)
	l.persist(ctx, log, chatID, built.History, text, content)

	resp.Elapsed = time.Since(start)
	l.cfg.Bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id": resp.RequestID,
		"chat_id":    chatID,
		"tool_calls": len(resp.ToolCalls),
		"fallback":   resp.Fallback,
		"elapsed_ms": resp.Elapsed.Milliseconds(),
	})
	log.Info("agent cycle completed",
		"tool_calls", len(resp.ToolCalls),
		"fallback", resp.Fallback,
		"elapsed", resp.Elapsed.Round(time.Millisecond),
	)
	return resp, nil
}

// complete runs the first completion and, when tools were requested,
// executes them and runs the second. ok is false when a model call
// failed.
func (l *Loop) complete(ctx context.Context, log *slog.Logger, resp *Response, messages []llm.Message, enter func(State)) (string, bool) {
	enter(StateFirstCompletion)
	first, err := l.chat(ctx, log, resp.RequestID, 1, messages, l.definitions())
	if err != nil {
		return "", false
	}
	if !first.HasToolCalls() {
		enter(StateRespond)
		return first.Message.Content, true
	}

	enter(StateExecuteTools)
	calls := first.Message.ToolCalls
	log.Info("model requested tools", "count", len(calls))

	messages = append(slices.Clip(messages), llm.Message{
		Role:      llm.RoleAssistant,
		Content:   first.Message.Content,
		ToolCalls: calls,
	})
	for _, tc := range calls {
		res := l.execute(ctx, resp.RequestID, tc)
		resp.ToolCalls = append(resp.ToolCalls, res)
		messages = append(messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    res.Content,
			ToolCallID: tc.ID,
		})
	}

	enter(StateSecondCompletion)
	second, err := l.chat(ctx, log, resp.RequestID, 2, messages, nil)
	if err != nil {
		return "", false
	}
	enter(StateRespond)
	return second.Message.Content, true
}

func (l *Loop) definitions() []map[string]any {
	if l.cfg.Tools == nil {
		return nil
	}
	return l.cfg.Tools.Definitions()
}

func (l *Loop) chat(ctx context.Context, log *slog.Logger, requestID string, round int, messages []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
	l.cfg.Bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"request_id": requestID,
		"round":      round,
		"model":      l.cfg.Model,
		"tools":      len(defs),
	})

	out, err := l.cfg.LLM.Chat(ctx, l.cfg.Model, messages, defs)
	if err != nil {
		log.Error("llm call failed", "round", round, "error", err)
		return nil, err
	}

	l.cfg.Bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"request_id": requestID,
		"round":      round,
		"model":      out.Model,
		"tokens_in":  out.InputTokens,
		"tokens_out": out.OutputTokens,
		"tool_calls": len(out.Message.ToolCalls),
	})
	log.Debug("llm call completed",
		"round", round,
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	return out, nil
}

func (l *Loop) execute(ctx context.Context, requestID string, tc llm.ToolCall) tools.Result {
	l.cfg.Bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"request_id":   requestID,
		"tool":         tc.Function.Name,
		"tool_call_id": tc.ID,
	})

	inv := tools.Invocation{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
	var res tools.Result
	if l.cfg.Tools == nil {
		res = tools.Result{
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			Err:        &tools.ErrToolUnavailable{ToolName: tc.Function.Name},
		}
		res.Content = "Error: " + res.Err.Error()
	} else {
		res = l.cfg.Tools.Execute(ctx, inv)
	}

	l.cfg.Bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id":   requestID,
		"tool":         tc.Function.Name,
		"tool_call_id": tc.ID,
		"ok":           res.Err == nil,
		"duration_ms":  res.Duration.Milliseconds(),
	})
	return res
}

// persist appends the new exchange to the trimmed history and replaces
// the stored history. It runs on a context detached from the cycle
// deadline so a timed-out cycle still records the user's message.
func (l *Loop) persist(ctx context.Context, log *slog.Logger, chatID string, history []store.Turn, userText, answer string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	turns := slices.Clone(history)
	turns = append(turns,
		store.Turn{Role: store.RoleUser, Content: userText},
		store.Turn{Role: store.RoleAssistant, Content: answer},
	)
	if err := l.cfg.Store.UpdateHistory(ctx, chatID, turns); err != nil {
		log.Error("history write failed", "error", err)
	}
}
