package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/events"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/llm"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/store"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/strava"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/tools"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/weather"
)

// mockLLM returns canned responses in order and records every call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := len(m.calls)
	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: slices.Clone(msgs), Tools: td})
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", i)
	}
	return m.responses[i], nil
}

func text(s string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, Content: s},
	}
}

func toolCalls(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
	}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

type fakeWeather struct{}

func (fakeWeather) Lookup(_ context.Context, city string) (*weather.Report, error) {
	return &weather.Report{
		Location: weather.Location{Name: city},
		Current:  weather.Current{Temperature: 4, ApparentTemperature: 1, WeatherCode: 61},
	}, nil
}

func buildTestLoop(mock llm.Client, st *store.MemoryStore, mutate ...func(*Config)) *Loop {
	cfg := Config{
		LLM:       mock,
		Model:     "test-model",
		Store:     st,
		Tools:     tools.NewRegistry(tools.Deps{Weather: fakeWeather{}, Profiles: st, DefaultCity: "Kyiv"}),
		Status:    staticStatus(strava.StatusNotConnected),
		Serialize: true,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewLoop(cfg)
}

func storedHistory(t *testing.T, st *store.MemoryStore, chatID string) []store.Turn {
	t.Helper()
	h, err := st.History(context.Background(), chatID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return h
}

func TestRun_NoTools(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("Go run 5k easy.")}}
	st := store.NewMemory()

	resp, err := buildTestLoop(mock, st).Run(context.Background(), "c1", "what today?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "Go run 5k easy." || resp.Fallback {
		t.Errorf("resp = %+v", resp)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("LLM calls = %d, want 1", len(mock.calls))
	}
	if len(mock.calls[0].Tools) != 3 {
		t.Errorf("first round offered %d tools, want 3", len(mock.calls[0].Tools))
	}

	wantStates := []State{StateBuildContext, StateFirstCompletion, StateRespond, StatePersist}
	if !slices.Equal(resp.States, wantStates) {
		t.Errorf("States = %v, want %v", resp.States, wantStates)
	}
	if resp.RequestID == "" {
		t.Error("RequestID is empty")
	}

	want := []store.Turn{
		{Role: store.RoleUser, Content: "what today?"},
		{Role: store.RoleAssistant, Content: "Go run 5k easy."},
	}
	if got := storedHistory(t, st, "c1"); !slices.Equal(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}
}

func TestRun_ToolRoundTrip(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("a", "check_weather", `{"city_english":"Kyiv"}`)),
		text("Rainy, take a jacket."),
	}}
	st := store.NewMemory()

	resp, err := buildTestLoop(mock, st).Run(context.Background(), "c1", "weather?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "Rainy, take a jacket." {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(mock.calls) != 2 {
		t.Fatalf("LLM calls = %d, want 2", len(mock.calls))
	}

	second := mock.calls[1]
	if second.Tools != nil {
		t.Errorf("second round offered tools: %v", second.Tools)
	}
	var toolMsgs []llm.Message
	for _, m := range second.Messages {
		if m.Role == llm.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 1 || toolMsgs[0].ToolCallID != "a" {
		t.Fatalf("tool results = %+v, want one for call a", toolMsgs)
	}
	if toolMsgs[0].Content != "Weather in Kyiv: Rain, Temp: 4C, Feels: 1C" {
		t.Errorf("tool content = %q", toolMsgs[0].Content)
	}

	n := len(second.Messages)
	if asst := second.Messages[n-2]; asst.Role != llm.RoleAssistant || len(asst.ToolCalls) != 1 {
		t.Errorf("message before tool result = %+v, want assistant tool-call message", asst)
	}

	wantStates := []State{
		StateBuildContext, StateFirstCompletion, StateExecuteTools,
		StateSecondCompletion, StateRespond, StatePersist,
	}
	if !slices.Equal(resp.States, wantStates) {
		t.Errorf("States = %v", resp.States)
	}

	// Tool turns are never persisted.
	for _, turn := range storedHistory(t, st, "c1") {
		if turn.Role != store.RoleUser && turn.Role != store.RoleAssistant {
			t.Errorf("persisted %q turn", turn.Role)
		}
	}
}

func TestRun_ToolsRunInOrderAndFailuresAreResults(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			call("1", "book_flight", `{}`),
			call("2", "save_profile_info", `{"info_json":`),
			call("3", "save_profile_info", `{"info_json":"{\"city\":\"Kyiv\"}"}`),
		),
		text("Saved your city."),
	}}
	st := store.NewMemory()

	resp, err := buildTestLoop(mock, st).Run(context.Background(), "c1", "I live in Kyiv")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var ids []string
	for _, m := range mock.calls[1].Messages {
		if m.Role == llm.RoleTool {
			ids = append(ids, m.ToolCallID)
		}
	}
	if !slices.Equal(ids, []string{"1", "2", "3"}) {
		t.Errorf("tool result order = %v", ids)
	}

	if len(resp.ToolCalls) != 3 {
		t.Fatalf("ToolCalls = %d, want 3", len(resp.ToolCalls))
	}
	var unavailable *tools.ErrToolUnavailable
	if !errors.As(resp.ToolCalls[0].Err, &unavailable) {
		t.Errorf("call 1 err = %v", resp.ToolCalls[0].Err)
	}
	var invalid *tools.ErrInvalidArguments
	if !errors.As(resp.ToolCalls[1].Err, &invalid) {
		t.Errorf("call 2 err = %v", resp.ToolCalls[1].Err)
	}
	if resp.ToolCalls[2].Content != tools.ProfileSaved {
		t.Errorf("call 3 content = %q", resp.ToolCalls[2].Content)
	}

	p, _ := st.Profile(context.Background(), "c1")
	if p["city"] != "Kyiv" {
		t.Errorf("profile = %v", p)
	}
}

func TestRun_LLMFailureFallsBackAndPersists(t *testing.T) {
	tests := []struct {
		name      string
		mock      *mockLLM
		wantCalls int
	}{
		{
			name:      "first round error",
			mock:      &mockLLM{errs: []error{errors.New("429 too many requests")}},
			wantCalls: 1,
		},
		{
			name: "second round error",
			mock: &mockLLM{
				responses: []*llm.ChatResponse{toolCalls(call("a", "check_weather", `{"city_english":"Kyiv"}`))},
				errs:      []error{nil, errors.New("connection reset")},
			},
			wantCalls: 2,
		},
		{
			name:      "empty final content",
			mock:      &mockLLM{responses: []*llm.ChatResponse{text("")}},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			resp, err := buildTestLoop(tt.mock, st).Run(context.Background(), "c1", "hello")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if resp.Content != FallbackText || !resp.Fallback {
				t.Errorf("resp = %+v, want fallback", resp)
			}
			if len(tt.mock.calls) != tt.wantCalls {
				t.Errorf("LLM calls = %d, want %d", len(tt.mock.calls), tt.wantCalls)
			}
			if resp.States[len(resp.States)-1] != StatePersist {
				t.Errorf("last state = %s", resp.States[len(resp.States)-1])
			}

			want := []store.Turn{
				{Role: store.RoleUser, Content: "hello"},
				{Role: store.RoleAssistant, Content: FallbackText},
			}
			if got := storedHistory(t, st, "c1"); !slices.Equal(got, want) {
				t.Errorf("history = %v", got)
			}
		})
	}
}

func TestRun_HistoryBound(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	var mock mockLLM
	l := buildTestLoop(&mock, st)
	for i := range 8 {
		mock.responses = append(mock.responses, text(fmt.Sprintf("answer %d", i)))
		if _, err := l.Run(ctx, "c1", fmt.Sprintf("question %d", i)); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}

		h := storedHistory(t, st, "c1")
		if len(h) > 12 {
			t.Fatalf("cycle %d persisted %d turns, want <= 12", i, len(h))
		}
		n := len(h)
		if h[n-2] != (store.Turn{Role: store.RoleUser, Content: fmt.Sprintf("question %d", i)}) ||
			h[n-1] != (store.Turn{Role: store.RoleAssistant, Content: fmt.Sprintf("answer %d", i)}) {
			t.Fatalf("cycle %d newest turns = %v", i, h[n-2:])
		}
	}

	// system + 10 prior turns + new user turn
	last := mock.calls[len(mock.calls)-1]
	if len(last.Messages) != 12 {
		t.Errorf("last call sent %d messages, want 12", len(last.Messages))
	}
}

func TestRun_ProfileAndStatusInContext(t *testing.T) {
	st := store.NewMemory()
	st.SaveProfile(context.Background(), "c1", map[string]any{"city": "Lviv"})
	mock := &mockLLM{responses: []*llm.ChatResponse{text("ok")}}

	l := buildTestLoop(mock, st, func(c *Config) { c.Status = staticStatus(strava.StatusConnected) })
	if _, err := l.Run(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sys := mock.calls[0].Messages[0].Content
	if !strings.Contains(sys, "STATUS STRAVA: CONNECTED ✅") || !strings.Contains(sys, `"city":"Lviv"`) {
		t.Errorf("system message tail = %q", sys[len(SystemPrompt):])
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	mock := &mockLLM{}
	st := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := buildTestLoop(mock, st).Run(ctx, "c1", "hi")
	if !errors.Is(err, context.Canceled) || resp != nil {
		t.Fatalf("Run() = %v, %v; want context.Canceled", resp, err)
	}
	if len(mock.calls) != 0 {
		t.Error("LLM called for a cancelled request")
	}
	if h := storedHistory(t, st, "c1"); len(h) != 0 {
		t.Errorf("history = %v, want empty", h)
	}
}

// slowLLM blocks until its context is done.
type slowLLM struct{}

func (slowLLM) Chat(ctx context.Context, _ string, _ []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_CycleTimeoutStillPersists(t *testing.T) {
	st := store.NewMemory()
	l := buildTestLoop(slowLLM{}, st, func(c *Config) { c.CycleTimeout = 20 * time.Millisecond })

	resp, err := l.Run(context.Background(), "c1", "hello?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !resp.Fallback {
		t.Errorf("resp = %+v, want fallback", resp)
	}
	if h := storedHistory(t, st, "c1"); len(h) != 2 {
		t.Errorf("history = %v, want user and fallback turns", h)
	}
}

// gateLLM holds every call until release is closed.
type gateLLM struct {
	entered chan struct{}
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (g *gateLLM) Chat(context.Context, string, []llm.Message, []map[string]any) (*llm.ChatResponse, error) {
	n := g.active.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.entered <- struct{}{}
	<-g.release
	g.active.Add(-1)
	return text("done"), nil
}

func TestRun_SerializesPerChat(t *testing.T) {
	gate := &gateLLM{entered: make(chan struct{}, 4), release: make(chan struct{})}
	l := buildTestLoop(gate, store.NewMemory())

	var wg sync.WaitGroup
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Run(context.Background(), "c1", fmt.Sprintf("msg %d", i))
		}()
	}

	<-gate.entered
	select {
	case <-gate.entered:
		t.Fatal("second cycle for the same chat started while the first was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	wg.Wait()
	if p := gate.peak.Load(); p != 1 {
		t.Errorf("peak concurrent cycles = %d, want 1", p)
	}
}

func TestRun_DifferentChatsRunConcurrently(t *testing.T) {
	gate := &gateLLM{entered: make(chan struct{}, 4), release: make(chan struct{})}
	l := buildTestLoop(gate, store.NewMemory())

	var wg sync.WaitGroup
	for _, id := range []string{"c1", "c2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Run(context.Background(), id, "hi")
		}()
	}

	for range 2 {
		select {
		case <-gate.entered:
		case <-time.After(time.Second):
			t.Fatal("cycles for different chats did not overlap")
		}
	}
	close(gate.release)
	wg.Wait()
}

func TestRun_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("a", "check_weather", `{}`)),
		text("Dress warm."),
	}}
	l := buildTestLoop(mock, store.NewMemory(), func(c *Config) { c.Bus = bus })

	resp, err := l.Run(context.Background(), "c1", "outside?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		events.KindRequestStart,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindToolCall, events.KindToolDone,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindRequestComplete,
	}
	var got []string
	for range want {
		select {
		case e := <-ch:
			got = append(got, e.Kind)
			if e.Data["request_id"] != resp.RequestID {
				t.Errorf("%s request_id = %v, want %s", e.Kind, e.Data["request_id"], resp.RequestID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out after events %v", got)
		}
	}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}
