package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/dispatch"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/events"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/strava"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/telegram"
)

// SecretHeader carries the webhook secret registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// OAuth callback texts, shown in the browser and sent to the chat.
const (
	CallbackDenied    = "Authorization Denied."
	CallbackMissing   = "Error: Missing code or state."
	CallbackSuccess   = "Success! You can close this window."
	CallbackAuthFail  = "Auth Failed."
	CallbackInternal  = "Internal Server Error."
	NotifyCanceled    = "❌ Authorization canceled."
	NotifyConnected   = "✅ <b>Success!</b> Strava connected!"
	NotifyAuthFailure = "❌ Authorization error."
)

const notifyTimeout = 10 * time.Second

func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
			s.logger.Warn("webhook secret mismatch", "remote", r.RemoteAddr)
			writeText(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
	}

	var upd telegram.Update
	body := io.LimitReader(r.Body, maxUpdateBytes)
	if err := json.NewDecoder(body).Decode(&upd); err != nil {
		s.logger.Warn("bad webhook payload", "error", err)
		writeText(w, http.StatusBadRequest, "Error")
		return
	}

	if s.cfg.Updates == nil {
		writeText(w, http.StatusOK, "OK")
		return
	}
	if err := s.cfg.Updates.HandleUpdate(&upd); err != nil {
		s.logger.Error("update not accepted", "update_id", upd.UpdateID, "error", err)
		// A non-2xx makes Telegram redeliver the update later.
		if errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrStopped) {
			writeText(w, http.StatusServiceUnavailable, "Busy")
			return
		}
	}
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) handleStravaCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, chatID := q.Get("code"), q.Get("state")

	if reason := q.Get("error"); reason != "" {
		s.logger.Info("strava authorization denied", "chat_id", chatID, "reason", reason)
		if chatID != "" {
			s.notify(r.Context(), chatID, NotifyCanceled, "")
		}
		writeText(w, http.StatusOK, CallbackDenied)
		return
	}
	if code == "" || chatID == "" {
		writeText(w, http.StatusBadRequest, CallbackMissing)
		return
	}
	if s.cfg.Exchange == nil {
		writeText(w, http.StatusServiceUnavailable, CallbackInternal)
		return
	}

	tok, err := s.cfg.Exchange.ExchangeCode(r.Context(), chatID, code)
	if err != nil {
		s.logger.Error("strava code exchange failed", "chat_id", chatID, "error", err)
		s.cfg.Bus.Emit(events.SourceStrava, events.KindConnectFailed, map[string]any{
			"chat_id": chatID,
			"error":   err.Error(),
		})
		s.notify(r.Context(), chatID, NotifyAuthFailure, "")
		if errors.Is(err, strava.ErrExchangeFailed) {
			writeText(w, http.StatusBadGateway, CallbackAuthFail)
		} else {
			writeText(w, http.StatusInternalServerError, CallbackInternal)
		}
		return
	}

	s.logger.Info("strava connected", "chat_id", chatID, "expires_at", tok.ExpiresAt)
	s.cfg.Bus.Emit(events.SourceStrava, events.KindConnected, map[string]any{"chat_id": chatID})
	s.notify(r.Context(), chatID, NotifyConnected, telegram.ParseModeHTML)
	writeText(w, http.StatusOK, CallbackSuccess)
}

// notify is best effort; the browser response does not depend on it.
func (s *Server) notify(ctx context.Context, chatID, text, parseMode string) {
	if s.cfg.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.cfg.Notifier.SendMessage(ctx, chatID, text, telegram.SendOptions{ParseMode: parseMode}); err != nil {
		s.logger.Warn("chat notification failed", "chat_id", chatID, "error", err)
	}
}
