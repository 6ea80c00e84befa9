package authfetch

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// TokenPair holds the credentials the client owns for a single server
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsExpired returns true if the access token has expired at now.
// A zero ExpiresAt means the expiry is unknown and the token is treated as live.
func (p *TokenPair) IsExpired(now time.Time) bool {
	if p.ExpiresAt.IsZero() {
		return false
	}
	return now.After(p.ExpiresAt)
}

// IsExpiringSoon returns true if the token expires within the given duration
func (p *TokenPair) IsExpiringSoon(now time.Time, within time.Duration) bool {
	if p.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(within).After(p.ExpiresAt)
}

// HasRefreshToken returns true if a refresh token is available
func (p *TokenPair) HasRefreshToken() bool {
	return p != nil && p.RefreshToken != ""
}

// OAuth2Token converts the pair to an oauth2.Token
func (p *TokenPair) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		Expiry:       p.ExpiresAt,
	}
}

// TokenPairFromOAuth2 builds a TokenPair from an oauth2.Token.
func TokenPairFromOAuth2(t *oauth2.Token, now time.Time) *TokenPair {
	pair := &TokenPair{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.Expiry,
		CreatedAt:    now,
	}
	if scope, ok := t.Extra("scope").(string); ok {
		pair.Scope = scope
	}
	return pair
}

// CredentialStore defines the interface for storing and retrieving token pairs.
// Implementations must be safe for concurrent use.
type CredentialStore interface {
	// GetCredential retrieves the token pair for a key.
	// Returns nil, nil if no credential exists for the key.
	GetCredential(ctx context.Context, key string) (*TokenPair, error)

	// SetCredential stores the token pair for a key, replacing any previous one
	SetCredential(ctx context.Context, key string, cred *TokenPair) error

	// RemoveCredential removes the token pair for a key. Removing a missing key is not an error.
	RemoveCredential(ctx context.Context, key string) error

	// ListKeys returns all keys with stored credentials
	ListKeys(ctx context.Context) ([]string, error)
}

// NormalizeServerURL reduces a server URL to scheme://host so that every
// client talking to the same server shares one credential.
func NormalizeServerURL(serverURL string) (string, error) {
	raw := strings.TrimSpace(serverURL)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", serverURL)
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(u.Scheme), strings.ToLower(u.Host)), nil
}

// MemoryStore is an in-process CredentialStore
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*TokenPair
}

// NewMemoryStore creates an empty in-memory credential store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*TokenPair)}
}

func (s *MemoryStore) GetCredential(_ context.Context, key string) (*TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[key]
	if !ok {
		return nil, nil
	}
	out := *cred
	return &out, nil
}

func (s *MemoryStore) SetCredential(_ context.Context, key string, cred *TokenPair) error {
	if cred == nil {
		return fmt.Errorf("nil credential for %s", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cred
	s.creds[key] = &c
	return nil
}

func (s *MemoryStore) RemoveCredential(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, key)
	return nil
}

func (s *MemoryStore) ListKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.creds))
	for k := range s.creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
