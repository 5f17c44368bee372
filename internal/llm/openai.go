package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/httpkit"
)

// OpenAIConfig configures an [OpenAIClient].
type OpenAIConfig struct {
	BaseURL string // e.g. https://openrouter.ai/api/v1
	APIKey  string
	Referer string // HTTP-Referer attribution header, optional
	Title   string // X-Title attribution header, optional
	Timeout time.Duration
	Logger  *slog.Logger
}

// OpenAIClient is a client for OpenAI-compatible chat completions APIs.
// It makes exactly one attempt per call.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []httpkit.ClientOption{httpkit.WithTimeout(cfg.Timeout)}
	if cfg.Referer != "" {
		opts = append(opts, httpkit.WithHeader("HTTP-Referer", cfg.Referer))
	}
	if cfg.Title != "" {
		opts = append(opts, httpkit.WithHeader("X-Title", cfg.Title))
	}

	return &OpenAIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpkit.NewClient(opts...),
		logger:     logger.With("provider", "openai"),
	}
}

type chatRequest struct {
	Model      string           `json:"model"`
	Messages   []Message        `json:"messages"`
	Tools      []map[string]any `json:"tools,omitempty"`
	ToolChoice string           `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

// wireMessage tolerates a null content, which providers send alongside
// tool calls.
type wireMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

type apiError struct {
	Message string `json:"message"`
	Code    any    `json:"code"`
}

// ErrNoChoices is returned when a 2xx response carries no choices.
var ErrNoChoices = errors.New("llm: response has no choices")

// Chat sends a non-streaming chat completion request. tool_choice is
// "auto" whenever tools are offered and omitted otherwise.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := chatRequest{
		Model:    model,
		Messages: messages,
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	var out chatResponse
	if err := httpkit.DecodeJSON(resp, &out); err != nil {
		c.logger.Error("API error", "error", err)
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("chat completion: provider error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := out.Choices[0]
	msg := Message{
		Role:      choice.Message.Role,
		ToolCalls: choice.Message.ToolCalls,
	}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	if choice.Message.Content != nil {
		msg.Content = *choice.Message.Content
	}
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].Type == "" {
			msg.ToolCalls[i].Type = "function"
		}
	}

	c.logger.Log(ctx, LevelTrace, "response message",
		"content", msg.Content,
		"tool_calls", len(msg.ToolCalls),
	)
	c.logger.Debug("completion received",
		"model", out.Model,
		"finish_reason", choice.FinishReason,
		"input_tokens", out.Usage.PromptTokens,
		"output_tokens", out.Usage.CompletionTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return &ChatResponse{
		Model:        out.Model,
		Message:      msg,
		FinishReason: choice.FinishReason,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}
