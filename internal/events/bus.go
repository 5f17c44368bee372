// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the agent loop, the Telegram bridge,
// the Strava callback and the connection watcher to subscribers such as
// the WebSocket stream and the MQTT forwarder. A nil *Bus is valid
// and discards everything, so components built without a bus need no
// guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the coach agent loop.
	SourceAgent = "agent"
	// SourceTelegram identifies events from the Telegram bridge.
	SourceTelegram = "telegram"
	// SourceStrava identifies events from the Strava OAuth flow.
	SourceStrava = "strava"
	// SourceSystem identifies process-level events such as
	// dependency health changes.
	SourceSystem = "system"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of an agent cycle.
	// Data: request_id, chat_id, message_len.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of an LLM API call.
	// Data: request_id, round, model, tools.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of an LLM API call.
	// Data: request_id, round, model, tokens_in, tokens_out,
	// tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, tool, tool_call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, tool, tool_call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of an agent cycle.
	// Data: request_id, chat_id, state, fallback, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindMessageReceived signals an incoming Telegram update.
	// Data: chat_id, kind, message_len.
	KindMessageReceived = "message_received"
	// KindAccessGranted signals a chat unlocked with the invite code.
	// Data: chat_id.
	KindAccessGranted = "access_granted"
	// KindRateLimited signals a message dropped by the per-chat limiter.
	// Data: chat_id.
	KindRateLimited = "rate_limited"

	// KindConnected signals a completed Strava authorization.
	// Data: chat_id.
	KindConnected = "connected"
	// KindConnectFailed signals a failed code exchange.
	// Data: chat_id, error.
	KindConnectFailed = "connect_failed"

	// KindServiceUp signals a watched dependency became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched dependency stopped responding.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the event and the
// loss is counted in [Bus.Dropped]. Every method is safe on a nil *Bus.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive side handed to callers so
	// Unsubscribe can find the send side it must close.
	subs    map[<-chan Event]chan Event
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel with room for bufSize pending events.
// The websocket stream and the MQTT forwarder each hold one for their
// lifetime and release it with [Bus.Unsubscribe]. On a nil bus the
// returned channel is already closed.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	if b == nil {
		close(ch)
		return ch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
