package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// TokenStore persists per-calendar sync tokens across sweeps so incremental
// listing survives a restart. A nil store is valid and remembers nothing.
type TokenStore struct {
	path string

	mu     sync.Mutex
	tokens map[string]string
}

// NewTokenStore loads the token map from path, starting empty when the file
// does not exist yet.
func NewTokenStore(path string) (*TokenStore, error) {
	s := &TokenStore{path: path, tokens: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read sync token file: %w", err)
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		return nil, fmt.Errorf("failed to parse sync token file: %w", err)
	}
	return s, nil
}

// Get returns the stored sync token for a calendar, or "".
func (s *TokenStore) Get(calendarID string) string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[calendarID]
}

// Set stores a fresh token and persists the map with 0600 perms.
func (s *TokenStore) Set(calendarID, token string) error {
	if s == nil || token == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[calendarID] = token
	data, err := json.Marshal(s.tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal sync tokens: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write sync token file: %w", err)
	}
	return nil
}
