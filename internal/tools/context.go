package tools

import "context"

type contextKey string

const chatIDKey contextKey = "chat_id"

// WithChatID adds the chat id to the context. Tool handlers read it to
// scope storage and token lookups to the conversation.
func WithChatID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, chatIDKey, id)
}

// ChatIDFromContext extracts the chat id from the context. Returns ""
// if not set.
func ChatIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(chatIDKey).(string); ok {
		return id
	}
	return ""
}
