// Package web serves the HTTP surface of ActiveBuddy: the Telegram
// webhook, the Strava OAuth callback, health and build info, and a
// websocket stream of agent events.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/buildinfo"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/connwatch"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/events"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/store"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/telegram"
)

// maxUpdateBytes bounds a webhook body.
const maxUpdateBytes = 1 << 20

// UpdateHandler accepts parsed Telegram updates.
type UpdateHandler interface {
	HandleUpdate(upd *telegram.Update) error
}

// CodeExchanger completes the Strava authorization-code grant.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, chatID, code string) (*store.OAuthToken, error)
}

// Notifier sends a message to a chat.
type Notifier interface {
	SendMessage(ctx context.Context, chatID, text string, opts telegram.SendOptions) error
}

// HealthReporter summarizes dependency reachability.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// Config holds the dependencies for a Server.
type Config struct {
	Address string
	Port    int

	Updates  UpdateHandler
	Exchange CodeExchanger
	Notifier Notifier
	Health   HealthReporter // optional
	Bus      *events.Bus
	Logger   *slog.Logger

	// WebhookSecret, when set, must match the
	// X-Telegram-Bot-Api-Secret-Token header of every update.
	WebhookSecret string
}

// Server is the HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "web"),
	}
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /telegram", s.handleTelegram)
	mux.HandleFunc("GET /strava_callback", s.handleStravaCallback)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting HTTP server", "address", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w. Encoding errors are logged since
// headers may already be sent.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode JSON response", "error", err)
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, text)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"name":    "ActiveBuddy",
		"version": buildinfo.Version,
		"status":  "ok",
		"build":   buildinfo.RuntimeInfo(),
	}, s.logger)
}

// handleHealth always answers 200 while the process serves HTTP; a
// failing dependency only changes the reported status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "healthy"}
	if s.cfg.Health != nil {
		if !s.cfg.Health.Healthy() {
			body["status"] = "degraded"
		}
		body["services"] = s.cfg.Health.Status()
	}
	if s.cfg.Bus != nil {
		body["events_dropped"] = s.cfg.Bus.Dropped()
	}
	writeJSON(w, body, s.logger)
}
