package sync

import "testing"

func TestTokenStore_RoundTrip(t *testing.T) {
	path := t.TempDir() + "/tokens.json"

	store, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("NewTokenStore() returned an error: %v", err)
	}
	if got := store.Get("personal"); got != "" {
		t.Errorf("Expected no token in a fresh store, got %q", got)
	}

	if err := store.Set("personal", "sync-token-1"); err != nil {
		t.Fatalf("Set() returned an error: %v", err)
	}

	// A new store over the same file sees the persisted token.
	reloaded, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("NewTokenStore() on existing file returned an error: %v", err)
	}
	if got := reloaded.Get("personal"); got != "sync-token-1" {
		t.Errorf("Expected the persisted token, got %q", got)
	}
}

func TestTokenStore_NilIsValid(t *testing.T) {
	var store *TokenStore
	if got := store.Get("personal"); got != "" {
		t.Errorf("Expected empty token from nil store, got %q", got)
	}
	if err := store.Set("personal", "x"); err != nil {
		t.Errorf("Expected nil store Set to be a no-op, got %v", err)
	}
}

func TestTokenStore_EmptyTokenNotPersisted(t *testing.T) {
	path := t.TempDir() + "/tokens.json"
	store, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("NewTokenStore() returned an error: %v", err)
	}
	if err := store.Set("personal", ""); err != nil {
		t.Fatalf("Set() returned an error: %v", err)
	}
	if got := store.Get("personal"); got != "" {
		t.Errorf("Expected empty token to be ignored, got %q", got)
	}
}
