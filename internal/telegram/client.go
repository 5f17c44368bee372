package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/config"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/httpkit"
)

// Parse modes for SendMessage.
const (
	ParseModeHTML = "HTML"
)

// ActionTyping is the chat action shown while the agent works.
const ActionTyping = "typing"

// defaultTimeout bounds a single Bot API call.
const defaultTimeout = 30 * time.Second

// APIError is a Bot API error response.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// IsParseError reports whether err is a Bot API rejection of message
// markup.
func IsParseError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		apiErr.Code == http.StatusBadRequest &&
		strings.Contains(apiErr.Description, "can't parse entities")
}

// ClientConfig configures a Bot API client.
type ClientConfig struct {
	Token   string
	APIURL  string // default https://api.telegram.org
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client calls the Telegram Bot API.
type Client struct {
	base       string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Bot API client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:       apiURL + "/bot" + cfg.Token,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
		logger:     logger.With("component", "telegram"),
	}
}

// SendOptions are optional sendMessage fields.
type SendOptions struct {
	ParseMode   string
	ReplyMarkup *InlineKeyboardMarkup
}

type sendMessageRequest struct {
	ChatID      string                `json:"chat_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendMessage sends text to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID, text string, opts SendOptions) error {
	return c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:      chatID,
		Text:        text,
		ParseMode:   opts.ParseMode,
		ReplyMarkup: opts.ReplyMarkup,
	}, nil)
}

// SendChatAction shows a transient status such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID, action string) error {
	return c.call(ctx, "sendChatAction", map[string]string{
		"chat_id": chatID,
		"action":  action,
	}, nil)
}

// SetWebhook registers hookURL for update delivery. A non-empty secret is
// echoed by Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, hookURL, secret string) error {
	req := map[string]any{
		"url":             hookURL,
		"allowed_updates": []string{"message"},
	}
	if secret != "" {
		req["secret_token"] = secret
	}
	return c.call(ctx, "setWebhook", req, nil)
}

// DeleteWebhook removes the webhook registration.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{}, nil)
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", map[string]any{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	c.logger.Log(ctx, config.LevelTrace, "telegram request", "method", method, "body", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The request URL carries the bot token; keep it out of errors.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return &httpkit.StatusError{StatusCode: resp.StatusCode, Body: string(raw[:min(len(raw), 512)])}
	}
	if !env.OK {
		return &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}
