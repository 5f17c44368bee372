package telegram

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Update is an incoming Bot API update. Only message updates are
// handled; other kinds decode with a nil Message.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is a chat message.
type Message struct {
	MessageID int64           `json:"message_id"`
	From      *User           `json:"from,omitempty"`
	Chat      Chat            `json:"chat"`
	Date      int64           `json:"date"`
	Text      string          `json:"text,omitempty"`
	Entities  []MessageEntity `json:"entities,omitempty"`
	Voice     *Voice          `json:"voice,omitempty"`
}

// ChatID returns the chat identifier in the string form used as the
// store key and OAuth state.
func (m *Message) ChatID() string {
	return strconv.FormatInt(m.Chat.ID, 10)
}

// Command returns the bot command that starts the message, without the
// leading slash or a trailing @botname, or "" when there is none.
func (m *Message) Command() string {
	if !strings.HasPrefix(m.Text, "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(strings.Fields(m.Text)[0][1:], "@")
	return cmd
}

// User is a Telegram user.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// MessageEntity marks a span of message text. Offset and Length are in
// UTF-16 code units.
type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// Voice is a voice note attachment.
type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
}

// InlineKeyboardMarkup is a keyboard attached to a message.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton is one keyboard button. Only URL buttons are
// used.
type InlineKeyboardButton struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// URLButton returns a single-button keyboard opening url.
func URLButton(text, url string) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{
		InlineKeyboard: [][]InlineKeyboardButton{{{Text: text, URL: url}}},
	}
}

// apiResponse is the Bot API response envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}
