package devauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Default token expiry durations
const (
	TokenExpiryAccessToken  = 15 * time.Minute
	TokenExpiryRefreshToken = 7 * 24 * time.Hour
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenReused   = errors.New("token reuse detected")
)

// RefreshToken is a long-lived token exchanged for access tokens.
// Rotation issues a new token in the same Family with the next Generation.
type RefreshToken struct {
	Token      string     `json:"token,omitempty"`
	TokenHash  string     `json:"token_hash"`
	UserID     string     `json:"user_id"`
	ClientID   string     `json:"client_id,omitempty"`
	Family     string     `json:"family"`
	Generation int        `json:"generation"`
	Scopes     []string   `json:"scopes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// IsExpired checks if the token has expired
func (t *RefreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsValid checks if the token is neither revoked nor expired
func (t *RefreshToken) IsValid() bool {
	return !t.Revoked && !t.IsExpired()
}

// RefreshTokenStore persists refresh tokens. Only hashes need to be stored;
// returned tokens carry the plaintext value only when it was just minted.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, userID, clientID string, scopes []string, ttl time.Duration) (*RefreshToken, error)
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RotateRefreshToken revokes oldToken and mints its successor.
	// Returns ErrTokenReused if oldToken was already revoked.
	RotateRefreshToken(ctx context.Context, oldToken string, ttl time.Duration) (*RefreshToken, error)

	RevokeRefreshToken(ctx context.Context, token string) error
	RevokeTokenFamily(ctx context.Context, family string) error
	RevokeUserTokens(ctx context.Context, userID string) error
}

// GenerateSecureToken generates a cryptographically secure random token
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the SHA256 hex digest under which a token is stored
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// NewRefreshToken mints the first token of a new family
func NewRefreshToken(userID, clientID string, scopes []string, ttl time.Duration) (*RefreshToken, error) {
	token, err := GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	family, err := GenerateSecureToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &RefreshToken{
		Token:      token,
		TokenHash:  HashToken(token),
		UserID:     userID,
		ClientID:   clientID,
		Family:     family[:16],
		Generation: 1,
		Scopes:     scopes,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastUsedAt: now,
	}, nil
}

// Successor mints the next token in t's family
func (t *RefreshToken) Successor(ttl time.Duration) (*RefreshToken, error) {
	token, err := GenerateSecureToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &RefreshToken{
		Token:      token,
		TokenHash:  HashToken(token),
		UserID:     t.UserID,
		ClientID:   t.ClientID,
		Family:     t.Family,
		Generation: t.Generation + 1,
		Scopes:     t.Scopes,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastUsedAt: now,
	}, nil
}

// MemoryRefreshTokenStore keeps refresh tokens in process memory
type MemoryRefreshTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*RefreshToken // by hash
}

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{tokens: make(map[string]*RefreshToken)}
}

func (s *MemoryRefreshTokenStore) CreateRefreshToken(_ context.Context, userID, clientID string, scopes []string, ttl time.Duration) (*RefreshToken, error) {
	rt, err := NewRefreshToken(userID, clientID, scopes, ttl)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(rt)
	return rt, nil
}

func (s *MemoryRefreshTokenStore) GetRefreshToken(_ context.Context, token string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.tokens[HashToken(token)]
	if !ok {
		return nil, ErrTokenNotFound
	}
	out := *rt
	out.Token = token
	return &out, nil
}

func (s *MemoryRefreshTokenStore) RotateRefreshToken(_ context.Context, oldToken string, ttl time.Duration) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[HashToken(oldToken)]
	if !ok {
		return nil, ErrTokenNotFound
	}
	// Check if already revoked (token reuse attack detection)
	if old.Revoked {
		return nil, ErrTokenReused
	}
	if old.IsExpired() {
		return nil, ErrTokenExpired
	}

	next, err := old.Successor(ttl)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	old.Revoked = true
	old.RevokedAt = &now
	old.LastUsedAt = now
	s.put(next)
	return next, nil
}

func (s *MemoryRefreshTokenStore) RevokeRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tokens[HashToken(token)]
	if !ok || rt.Revoked {
		return nil
	}
	now := time.Now()
	rt.Revoked = true
	rt.RevokedAt = &now
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeTokenFamily(_ context.Context, family string) error {
	s.revokeWhere(func(rt *RefreshToken) bool { return rt.Family == family })
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeUserTokens(_ context.Context, userID string) error {
	s.revokeWhere(func(rt *RefreshToken) bool { return rt.UserID == userID })
	return nil
}

func (s *MemoryRefreshTokenStore) revokeWhere(match func(*RefreshToken) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, rt := range s.tokens {
		if match(rt) && !rt.Revoked {
			rt.Revoked = true
			rt.RevokedAt = &now
		}
	}
}

// put stores rt without its plaintext value. Caller must hold the lock.
func (s *MemoryRefreshTokenStore) put(rt *RefreshToken) {
	stored := *rt
	stored.Token = ""
	s.tokens[rt.TokenHash] = &stored
}

var _ RefreshTokenStore = (*MemoryRefreshTokenStore)(nil)
