package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-process [Store] for tests and the one-shot CLI.
// Values are stored as encoded JSON so callers never share maps with
// the store, matching the SQL backends.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*memoryRow
}

type memoryRow struct {
	profile []byte
	history []byte
	token   []byte
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*memoryRow)}
}

func (m *MemoryStore) row(chatID string) *memoryRow {
	r, ok := m.rows[chatID]
	if !ok {
		r = &memoryRow{}
		m.rows[chatID] = r
	}
	return r
}

// History implements [Store].
func (m *MemoryStore) History(_ context.Context, chatID string) ([]Turn, error) {
	if chatID == "" {
		return []Turn{}, ErrEmptyChatID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	turns := []Turn{}
	if r, ok := m.rows[chatID]; ok && r.history != nil {
		if err := json.Unmarshal(r.history, &turns); err != nil {
			return []Turn{}, err
		}
	}
	return turns, nil
}

// UpdateHistory implements [Store].
func (m *MemoryStore) UpdateHistory(_ context.Context, chatID string, turns []Turn) error {
	if chatID == "" {
		return ErrEmptyChatID
	}
	if turns == nil {
		turns = []Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.row(chatID).history = data
	return nil
}

// Profile implements [Store].
func (m *MemoryStore) Profile(_ context.Context, chatID string) (map[string]any, error) {
	if chatID == "" {
		return map[string]any{}, ErrEmptyChatID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileLocked(chatID)
}

func (m *MemoryStore) profileLocked(chatID string) (map[string]any, error) {
	profile := map[string]any{}
	if r, ok := m.rows[chatID]; ok && r.profile != nil {
		if err := json.Unmarshal(r.profile, &profile); err != nil {
			return map[string]any{}, err
		}
	}
	return profile, nil
}

// SaveProfile implements [Store].
func (m *MemoryStore) SaveProfile(_ context.Context, chatID string, partial map[string]any) error {
	if chatID == "" {
		return ErrEmptyChatID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.profileLocked(chatID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(MergeProfile(current, partial))
	if err != nil {
		return err
	}
	m.row(chatID).profile = data
	return nil
}

// Token implements [Store].
func (m *MemoryStore) Token(_ context.Context, chatID string) (*OAuthToken, error) {
	if chatID == "" {
		return nil, ErrEmptyChatID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[chatID]
	if !ok || r.token == nil {
		return nil, nil
	}
	var tok OAuthToken
	if err := json.Unmarshal(r.token, &tok); err != nil {
		return nil, err
	}
	if !tok.Valid() {
		return nil, nil
	}
	return &tok, nil
}

// SaveToken implements [Store].
func (m *MemoryStore) SaveToken(_ context.Context, chatID string, tok *OAuthToken) error {
	if chatID == "" {
		return ErrEmptyChatID
	}
	var v any = map[string]any{}
	if tok != nil {
		v = tok
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.row(chatID).token = data
	return nil
}
