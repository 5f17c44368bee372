package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/connwatch"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/dispatch"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/events"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/store"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/strava"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/telegram"
)

type fakeUpdates struct {
	mu  sync.Mutex
	got []*telegram.Update
	err error
}

func (f *fakeUpdates) HandleUpdate(upd *telegram.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, upd)
	return f.err
}

type fakeExchange struct {
	calls []string
	err   error
}

func (f *fakeExchange) ExchangeCode(_ context.Context, chatID, code string) (*store.OAuthToken, error) {
	f.calls = append(f.calls, chatID+":"+code)
	if f.err != nil {
		return nil, f.err
	}
	return &store.OAuthToken{AccessToken: "a", RefreshToken: "r", ExpiresAt: 1_900_000_000}, nil
}

type sentMessage struct {
	chatID, text, parseMode string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeNotifier) SendMessage(_ context.Context, chatID, text string, opts telegram.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID, text, opts.ParseMode})
	return f.err
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndRoot(t *testing.T) {
	h := NewServer(Config{}).Handler()

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("/health = %d %q", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/", "", nil)
	var root map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &root); err != nil {
		t.Fatalf("root body: %v", err)
	}
	if root["name"] != "ActiveBuddy" || root["status"] != "ok" {
		t.Errorf("root = %v", root)
	}
	if _, ok := root["build"].(map[string]any); !ok {
		t.Errorf("root has no build info: %v", root)
	}

	if rec := do(t, h, http.MethodGet, "/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("/nope = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/telegram", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /telegram = %d, want 405", rec.Code)
	}
}

type fakeHealth struct {
	status map[string]connwatch.ServiceStatus
}

func (f fakeHealth) Status() map[string]connwatch.ServiceStatus { return f.status }

func (f fakeHealth) Healthy() bool {
	for _, s := range f.status {
		if !s.Ready {
			return false
		}
	}
	return true
}

func TestHealth_ReportsServices(t *testing.T) {
	health := fakeHealth{status: map[string]connwatch.ServiceStatus{
		"telegram": {Name: "telegram", Ready: true},
		"store":    {Name: "store", Ready: false, LastError: "database is locked", Failures: 3},
	}}
	h := NewServer(Config{Health: health}).Handler()

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status   string                             `json:"status"`
		Services map[string]connwatch.ServiceStatus `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Services["store"].LastError != "database is locked" || !body.Services["telegram"].Ready {
		t.Errorf("services = %+v", body.Services)
	}
}

func TestHealth_ReportsDroppedEvents(t *testing.T) {
	bus := events.New()
	stalled := bus.Subscribe(0)
	defer bus.Unsubscribe(stalled)
	bus.Emit(events.SourceAgent, events.KindRequestStart, nil)

	rec := do(t, NewServer(Config{Bus: bus}).Handler(), http.MethodGet, "/health", "", nil)
	var body struct {
		Status        string `json:"status"`
		EventsDropped uint64 `json:"events_dropped"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Status != "healthy" || body.EventsDropped != 1 {
		t.Errorf("health = %+v, want healthy with 1 dropped event", body)
	}
}

func TestTelegramWebhook(t *testing.T) {
	const update = `{"update_id":7,"message":{"message_id":1,"chat":{"id":42},"text":"hi"}}`

	tests := []struct {
		name       string
		secret     string
		header     string
		body       string
		handlerErr error
		wantCode   int
		wantCalls  int
	}{
		{name: "accepted", body: update, wantCode: 200, wantCalls: 1},
		{name: "secret matches", secret: "s3", header: "s3", body: update, wantCode: 200, wantCalls: 1},
		{name: "secret mismatch", secret: "s3", header: "nope", body: update, wantCode: 401},
		{name: "secret missing", secret: "s3", body: update, wantCode: 401},
		{name: "bad json", body: `{"update_id":`, wantCode: 400},
		{name: "queue full asks for redelivery", body: update, handlerErr: dispatch.ErrQueueFull, wantCode: 503, wantCalls: 1},
		{name: "stopped asks for redelivery", body: update, handlerErr: dispatch.ErrStopped, wantCode: 503, wantCalls: 1},
		{name: "other errors still acknowledged", body: update, handlerErr: errors.New("boom"), wantCode: 200, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updates := &fakeUpdates{err: tt.handlerErr}
			h := NewServer(Config{Updates: updates, WebhookSecret: tt.secret}).Handler()

			var header map[string]string
			if tt.header != "" {
				header = map[string]string{SecretHeader: tt.header}
			}
			rec := do(t, h, http.MethodPost, "/telegram", tt.body, header)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if len(updates.got) != tt.wantCalls {
				t.Fatalf("HandleUpdate calls = %d, want %d", len(updates.got), tt.wantCalls)
			}
			if tt.wantCalls > 0 {
				got := updates.got[0]
				if got.UpdateID != 7 || got.Message == nil || got.Message.ChatID() != "42" {
					t.Errorf("update = %+v", got)
				}
			}
		})
	}
}

func TestStravaCallback(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		exchangeErr error
		wantCode    int
		wantBody    string
		wantNotify  []sentMessage
		wantCalls   []string
		wantEvent   string
	}{
		{
			name:       "user denied with state",
			query:      "?error=access_denied&state=42",
			wantCode:   200,
			wantBody:   CallbackDenied,
			wantNotify: []sentMessage{{"42", NotifyCanceled, ""}},
		},
		{
			name:     "user denied without state",
			query:    "?error=access_denied",
			wantCode: 200,
			wantBody: CallbackDenied,
		},
		{
			name:     "missing code",
			query:    "?state=42",
			wantCode: 400,
			wantBody: CallbackMissing,
		},
		{
			name:     "missing state",
			query:    "?code=abc",
			wantCode: 400,
			wantBody: CallbackMissing,
		},
		{
			name:       "success",
			query:      "?code=abc&state=42&scope=read,activity:read_all",
			wantCode:   200,
			wantBody:   CallbackSuccess,
			wantNotify: []sentMessage{{"42", NotifyConnected, telegram.ParseModeHTML}},
			wantCalls:  []string{"42:abc"},
			wantEvent:  events.KindConnected,
		},
		{
			name:        "exchange rejected",
			query:       "?code=bad&state=42",
			exchangeErr: fmt.Errorf("%w: 400 Bad Request", strava.ErrExchangeFailed),
			wantCode:    502,
			wantBody:    CallbackAuthFail,
			wantNotify:  []sentMessage{{"42", NotifyAuthFailure, ""}},
			wantCalls:   []string{"42:bad"},
			wantEvent:   events.KindConnectFailed,
		},
		{
			name:        "exchange persist failure",
			query:       "?code=abc&state=42",
			exchangeErr: errors.New("database is locked"),
			wantCode:    500,
			wantBody:    CallbackInternal,
			wantNotify:  []sentMessage{{"42", NotifyAuthFailure, ""}},
			wantCalls:   []string{"42:abc"},
			wantEvent:   events.KindConnectFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExchange{err: tt.exchangeErr}
			notifier := &fakeNotifier{}
			bus := events.New()
			ch := bus.Subscribe(8)
			defer bus.Unsubscribe(ch)

			h := NewServer(Config{Exchange: ex, Notifier: notifier, Bus: bus}).Handler()
			rec := do(t, h, http.MethodGet, "/strava_callback"+tt.query, "", nil)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if fmt.Sprint(notifier.sent) != fmt.Sprint(tt.wantNotify) {
				t.Errorf("notifications = %v, want %v", notifier.sent, tt.wantNotify)
			}
			if fmt.Sprint(ex.calls) != fmt.Sprint(tt.wantCalls) {
				t.Errorf("exchange calls = %v, want %v", ex.calls, tt.wantCalls)
			}

			select {
			case e := <-ch:
				if tt.wantEvent == "" {
					t.Errorf("unexpected event %+v", e)
				} else if e.Source != events.SourceStrava || e.Kind != tt.wantEvent || e.Data["chat_id"] != "42" {
					t.Errorf("event = %+v, want strava/%s", e, tt.wantEvent)
				}
			default:
				if tt.wantEvent != "" {
					t.Errorf("no %s event published", tt.wantEvent)
				}
			}
		})
	}
}

func TestStravaCallback_NotifyFailureStillSucceeds(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("telegram down")}
	h := NewServer(Config{Exchange: &fakeExchange{}, Notifier: notifier}).Handler()

	rec := do(t, h, http.MethodGet, "/strava_callback?code=abc&state=42", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != CallbackSuccess {
		t.Errorf("response = %d %q", rec.Code, rec.Body.String())
	}
}

func TestEventStream(t *testing.T) {
	bus := events.New()
	srv := httptest.NewServer(NewServer(Config{Bus: bus}).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{"chat_id": "42"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Source != events.SourceAgent || got.Kind != events.KindRequestStart || got.Data["chat_id"] != "42" {
		t.Errorf("event = %+v", got)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventStream_NoBus(t *testing.T) {
	rec := do(t, NewServer(Config{}).Handler(), http.MethodGet, "/api/events", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	if err := NewServer(Config{}).Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}
