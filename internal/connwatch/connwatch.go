// Package connwatch tracks the reachability of the services ActiveBuddy
// depends on and runs callbacks when one comes up or goes down.
//
// A Watcher probes one service. While the service is down it retries
// with exponential backoff; once up it re-probes on a fixed interval.
// The serve command uses a ready transition on the Telegram watcher to
// (re)register the webhook, and the HTTP /health endpoint reports every
// watcher's [ServiceStatus].
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/events"
)

// Probe checks whether a service is reachable. Nil means healthy.
type Probe func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	Initial      time.Duration // first retry delay while down
	Max          time.Duration // retry delay ceiling
	Poll         time.Duration // re-probe interval while up
	ProbeTimeout time.Duration
}

// DefaultBackoff retries after 2s, 4s, 8s ... capped at 60s, and polls
// a healthy service every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          60 * time.Second,
		Poll:         60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config configures one watcher.
type Config struct {
	Name    string
	Probe   Probe
	Backoff Backoff

	// OnReady runs on every down→up transition, including the first
	// successful probe. It runs on the watcher goroutine, so the next
	// probe waits for it.
	OnReady func(ctx context.Context)
	// OnDown runs on every up→down transition.
	OnDown func(ctx context.Context, err error)
}

// ServiceStatus is the JSON shape reported by health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Done is closed when the watcher goroutine exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	delay := b.Initial
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		wasReady, failures := w.record(err)

		var wait time.Duration
		switch {
		case err == nil:
			if !wasReady {
				w.logger.Info("service ready", "service", w.cfg.Name)
				w.bus.Emit(events.SourceSystem, events.KindServiceUp, map[string]any{"service": w.cfg.Name})
				if w.cfg.OnReady != nil {
					w.cfg.OnReady(ctx)
				}
			}
			delay = b.Initial
			wait = b.Poll
		case wasReady:
			w.logger.Warn("service unreachable", "service", w.cfg.Name, "error", err)
			w.bus.Emit(events.SourceSystem, events.KindServiceDown, map[string]any{
				"service": w.cfg.Name,
				"error":   err.Error(),
			})
			if w.cfg.OnDown != nil {
				w.cfg.OnDown(ctx, err)
			}
			wait = delay
		default:
			w.logger.Debug("service still unreachable",
				"service", w.cfg.Name,
				"failures", failures,
				"next_delay", delay,
				"error", err,
			)
			wait = delay
			delay = min(delay*2, b.Max)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

// record stores a probe result and returns the previous readiness and
// the updated failure count.
func (w *Watcher) record(err error) (wasReady bool, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wasReady = w.status.Ready
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	return wasReady, w.status.Failures
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "connwatch"),
		bus:      bus,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher that runs until ctx is cancelled. It panics
// on an empty name or nil probe.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: Config needs a Name and a Probe")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	w := &Watcher{
		cfg:    cfg,
		logger: m.logger,
		bus:    m.bus,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns every watcher's status keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	status := m.Status()
	for s := range maps.Values(status) {
		if !s.Ready {
			return false
		}
	}
	return true
}
