// Package strava owns the Strava OAuth token lifecycle (authorization
// code exchange, expiry detection, refresh, persistence) and reads the
// athlete's recent activities.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/httpkit"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/store"
)

// ExpiryMargin is subtracted from expires_at when deciding whether a
// token must be refreshed before use.
const ExpiryMargin = 60 * time.Second

// Scope requested during authorization.
const Scope = "activity:read_all"

var (
	// ErrNotConnected means no token record exists for the chat.
	ErrNotConnected = errors.New("strava: not connected")

	// ErrRefreshFailed means the stored token had expired and the
	// refresh exchange did not produce a new one.
	ErrRefreshFailed = errors.New("strava: token refresh failed")

	// ErrExchangeFailed means an authorization code could not be
	// exchanged for a token.
	ErrExchangeFailed = errors.New("strava: code exchange failed")

	// ErrUnauthorized is returned when the API rejects the access token.
	ErrUnauthorized = errors.New("strava: unauthorized")
)

// TokenStore is the slice of [store.Store] the token manager needs.
type TokenStore interface {
	Token(ctx context.Context, chatID string) (*store.OAuthToken, error)
	SaveToken(ctx context.Context, chatID string, tok *store.OAuthToken) error
}

// Config configures a [TokenManager].
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string // https://www.strava.com/oauth/authorize
	TokenURL     string // https://www.strava.com/oauth/token
	Timeout      time.Duration
	Logger       *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ConnectionStatus is the coarse integration state shown to the model.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusNotConnected ConnectionStatus = "NOT CONNECTED"
)

// TokenManager keeps a usable access token available for each chat.
type TokenManager struct {
	cfg        Config
	store      TokenStore
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	refreshing singleflight.Group
}

// NewTokenManager creates a TokenManager that persists through st.
func NewTokenManager(cfg Config, st TokenStore) *TokenManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		cfg:        cfg,
		store:      st,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
		logger:     logger.With("component", "strava_oauth"),
		now:        now,
	}
}

// Configured reports whether OAuth client credentials are present.
func (m *TokenManager) Configured() bool {
	return m.cfg.ClientID != "" && m.cfg.ClientSecret != "" && m.cfg.RedirectURI != ""
}

// Expired reports whether tok must be refreshed at now.
func Expired(tok *store.OAuthToken, now time.Time) bool {
	return now.After(time.Unix(tok.ExpiresAt, 0).Add(-ExpiryMargin))
}

// AccessToken returns a usable access token for chatID, refreshing it
// first when it is within [ExpiryMargin] of expiry. It returns
// [ErrNotConnected] when nothing is stored and an error wrapping
// [ErrRefreshFailed] when a needed refresh fails.
func (m *TokenManager) AccessToken(ctx context.Context, chatID string) (string, error) {
	tok, err := m.store.Token(ctx, chatID)
	if err != nil {
		// An unreadable record is treated like a missing one.
		m.logger.Warn("token read failed", "chat_id", chatID, "error", err)
		return "", ErrNotConnected
	}
	if !tok.Valid() {
		return "", ErrNotConnected
	}

	if !Expired(tok, m.now()) {
		return tok.AccessToken, nil
	}

	m.logger.Info("token expired, refreshing", "chat_id", chatID, "expires_at", tok.ExpiresAt)
	return m.Refresh(ctx, chatID, tok.RefreshToken)
}

// Refresh exchanges refreshToken for a new token record, persists it,
// and returns the new access token. On failure the stored record is
// left untouched. Concurrent refreshes for the same chat share one
// exchange, which is detached from any single caller's cancellation;
// each caller still stops waiting when its own ctx ends.
func (m *TokenManager) Refresh(ctx context.Context, chatID, refreshToken string) (string, error) {
	ch := m.refreshing.DoChan(chatID, func() (any, error) {
		shared := context.WithoutCancel(ctx)
		if m.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			shared, cancel = context.WithTimeout(shared, m.cfg.Timeout)
			defer cancel()
		}
		return m.refresh(shared, chatID, refreshToken)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, ctx.Err())
	case res := <-ch:
		if res.Shared {
			m.logger.Debug("joined in-flight refresh", "chat_id", chatID)
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *TokenManager) refresh(ctx context.Context, chatID, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token stored", ErrRefreshFailed)
	}

	tok, err := m.exchange(ctx, url.Values{
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	})
	if err != nil {
		m.logger.Error("refresh failed", "chat_id", chatID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	if err := m.store.SaveToken(ctx, chatID, tok); err != nil {
		// The new token is still good for this call; the next call
		// refreshes again from the old record.
		m.logger.Error("persisting refreshed token failed", "chat_id", chatID, "error", err)
	}
	return tok.AccessToken, nil
}

// ExchangeCode trades an authorization code for a token record and
// persists it. A response without an access token is a failure.
func (m *TokenManager) ExchangeCode(ctx context.Context, chatID, code string) (*store.OAuthToken, error) {
	tok, err := m.exchange(ctx, url.Values{
		"code":       {code},
		"grant_type": {"authorization_code"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	if err := m.store.SaveToken(ctx, chatID, tok); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}
	m.logger.Info("strava connected", "chat_id", chatID)
	return tok, nil
}

// exchange posts a grant to the token endpoint.
func (m *TokenManager) exchange(ctx context.Context, form url.Values) (*store.OAuthToken, error) {
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	var raw json.RawMessage
	if err := httpkit.DecodeJSON(resp, &raw); err != nil {
		return nil, err
	}
	var tok store.OAuthToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if !tok.Valid() {
		return nil, fmt.Errorf("response has no access_token")
	}
	return &tok, nil
}

// AuthorizeURL returns the Strava consent URL. The chat id travels in
// state so the callback knows whom to notify.
func (m *TokenManager) AuthorizeURL(chatID string) string {
	q := url.Values{
		"client_id":       {m.cfg.ClientID},
		"response_type":   {"code"},
		"redirect_uri":    {m.cfg.RedirectURI},
		"approval_prompt": {"force"},
		"scope":           {Scope},
		"state":           {chatID},
	}
	return m.cfg.AuthURL + "?" + q.Encode()
}

// Status reports whether a token record exists for chatID. It does not
// check expiry; an expired but refreshable token counts as connected.
func (m *TokenManager) Status(ctx context.Context, chatID string) ConnectionStatus {
	tok, err := m.store.Token(ctx, chatID)
	if err != nil {
		m.logger.Warn("token read failed", "chat_id", chatID, "error", err)
		return StatusNotConnected
	}
	if !tok.Valid() {
		return StatusNotConnected
	}
	return StatusConnected
}
