package fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/panyam/authfetch/devauth"
)

// RefreshTokenStore keeps devauth refresh tokens as one JSON file per token
// hash under StoragePath/refresh_tokens. Plaintext tokens are never written.
type RefreshTokenStore struct {
	StoragePath string
	mu          sync.RWMutex
}

func NewRefreshTokenStore(storagePath string) *RefreshTokenStore {
	return &RefreshTokenStore{StoragePath: storagePath}
}

func (s *RefreshTokenStore) tokenDir() string {
	return filepath.Join(s.StoragePath, "refresh_tokens")
}

func (s *RefreshTokenStore) tokenPath(hash string) string {
	return filepath.Join(s.tokenDir(), hash+".json")
}

func (s *RefreshTokenStore) save(rt *devauth.RefreshToken) error {
	if err := os.MkdirAll(s.tokenDir(), 0700); err != nil {
		return err
	}
	stored := *rt
	stored.Token = ""
	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomicFile(s.tokenPath(rt.TokenHash), data, 0600)
}

// load reads a token by hash; caller must hold the lock
func (s *RefreshTokenStore) load(hash string) (*devauth.RefreshToken, error) {
	data, err := os.ReadFile(s.tokenPath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, devauth.ErrTokenNotFound
		}
		return nil, err
	}
	var rt devauth.RefreshToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *RefreshTokenStore) CreateRefreshToken(_ context.Context, userID, clientID string, scopes []string, ttl time.Duration) (*devauth.RefreshToken, error) {
	rt, err := devauth.NewRefreshToken(userID, clientID, scopes, ttl)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(rt); err != nil {
		return nil, err
	}
	return rt, nil
}

func (s *RefreshTokenStore) GetRefreshToken(_ context.Context, token string) (*devauth.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, err := s.load(devauth.HashToken(token))
	if err != nil {
		return nil, err
	}
	rt.Token = token
	return rt, nil
}

func (s *RefreshTokenStore) RotateRefreshToken(_ context.Context, oldToken string, ttl time.Duration) (*devauth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.load(devauth.HashToken(oldToken))
	if err != nil {
		return nil, err
	}
	if old.Revoked {
		return nil, devauth.ErrTokenReused
	}
	if old.IsExpired() {
		return nil, devauth.ErrTokenExpired
	}

	next, err := old.Successor(ttl)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	old.Revoked = true
	old.RevokedAt = &now
	old.LastUsedAt = now
	if err := s.save(old); err != nil {
		return nil, err
	}
	if err := s.save(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *RefreshTokenStore) RevokeRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, err := s.load(devauth.HashToken(token))
	if errors.Is(err, devauth.ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.revoke(rt, time.Now())
}

func (s *RefreshTokenStore) RevokeTokenFamily(_ context.Context, family string) error {
	return s.revokeMatching(func(rt *devauth.RefreshToken) bool { return rt.Family == family })
}

func (s *RefreshTokenStore) RevokeUserTokens(_ context.Context, userID string) error {
	return s.revokeMatching(func(rt *devauth.RefreshToken) bool { return rt.UserID == userID })
}

func (s *RefreshTokenStore) revoke(rt *devauth.RefreshToken, now time.Time) error {
	if rt.Revoked {
		return nil
	}
	rt.Revoked = true
	rt.RevokedAt = &now
	return s.save(rt)
}

func (s *RefreshTokenStore) revokeMatching(match func(*devauth.RefreshToken) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.tokenDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now()
	for _, entry := range entries {
		hash, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}
		rt, err := s.load(hash)
		if err != nil {
			continue // Skip unreadable entries
		}
		if match(rt) {
			if err := s.revoke(rt, now); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ devauth.RefreshTokenStore = (*RefreshTokenStore)(nil)
