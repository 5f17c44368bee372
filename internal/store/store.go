// Package store persists per-chat conversation state: profile facts,
// trimmed conversation history, and the Strava OAuth token.
//
// Every chat has one record, created on first write and never deleted.
// Profile, history and token are upserted independently; there is no
// cross-field transaction, so a failed history write never rolls back
// a profile write and vice versa. Callers decide how to degrade on
// error (see agent.Loop).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Turn roles that are persisted to history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one persisted message in a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store is the durable key-value document store keyed by chat id.
type Store interface {
	// History returns the stored turns in insertion order, or an empty
	// slice if the chat has none.
	History(ctx context.Context, chatID string) ([]Turn, error)

	// UpdateHistory replaces the stored history wholesale.
	UpdateHistory(ctx context.Context, chatID string, turns []Turn) error

	// Profile returns the stored profile, or an empty map.
	Profile(ctx context.Context, chatID string) (map[string]any, error)

	// SaveProfile merges partial into the stored profile with
	// [MergeProfile] and persists the result.
	SaveProfile(ctx context.Context, chatID string, partial map[string]any) error

	// Token returns the stored OAuth token, or nil if none is stored.
	Token(ctx context.Context, chatID string) (*OAuthToken, error)

	// SaveToken replaces the stored token.
	SaveToken(ctx context.Context, chatID string, tok *OAuthToken) error
}

// ErrEmptyChatID is returned for operations without a chat id.
var ErrEmptyChatID = errors.New("store: empty chat id")

// OAuthToken is a Strava token record. Fields other than the three
// lifecycle fields (athlete, token_type, expires_in, ...) are kept in
// Extra and written back unchanged.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // unix seconds
	Extra        map[string]json.RawMessage
}

// Valid reports whether the record holds a usable access token. An
// empty {} record, the column default, is not valid.
func (t *OAuthToken) Valid() bool {
	return t != nil && t.AccessToken != ""
}

var tokenKeys = []string{"access_token", "refresh_token", "expires_at"}

// MarshalJSON flattens Extra alongside the lifecycle fields.
func (t OAuthToken) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Extra)+len(tokenKeys))
	for k, v := range t.Extra {
		out[k] = v
	}
	out["access_token"] = t.AccessToken
	out["refresh_token"] = t.RefreshToken
	out["expires_at"] = t.ExpiresAt
	return json.Marshal(out)
}

// UnmarshalJSON reads the lifecycle fields and keeps everything else
// in Extra.
func (t *OAuthToken) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = OAuthToken{}
	if v, ok := raw["access_token"]; ok {
		if err := json.Unmarshal(v, &t.AccessToken); err != nil {
			return fmt.Errorf("access_token: %w", err)
		}
	}
	if v, ok := raw["refresh_token"]; ok {
		if err := json.Unmarshal(v, &t.RefreshToken); err != nil {
			return fmt.Errorf("refresh_token: %w", err)
		}
	}
	if v, ok := raw["expires_at"]; ok {
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("expires_at: %w", err)
		}
		f, err := n.Float64()
		if err != nil {
			return fmt.Errorf("expires_at: %w", err)
		}
		t.ExpiresAt = int64(f)
	}

	for _, k := range tokenKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		t.Extra = raw
	}
	return nil
}

// MergeProfile applies incoming to current: every key of incoming is
// set or overwritten, every other key of current is kept. The merge is
// shallow (nested objects are replaced, not merged) and never deletes.
// Neither argument is modified; the result is a new map.
func MergeProfile(current, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}
