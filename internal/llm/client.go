package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// When tools is non-empty the model may answer with tool calls;
	// when it is empty no tool schema is sent.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)
}
