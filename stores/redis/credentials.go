// Package redis provides a Redis-backed credential store so that several
// processes (e.g. BFF replicas) share one set of tokens per key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/panyam/authfetch"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces credential keys
const DefaultPrefix = "authfetch:credential:"

// CredentialStore is a Redis implementation of authfetch.CredentialStore
type CredentialStore struct {
	client redis.UniversalClient
	prefix string

	// TTLSlack is added to a pair's expiry when it carries no refresh token.
	// Pairs with a refresh token are kept until removed.
	TTLSlack time.Duration
}

// NewCredentialStore creates a new Redis credential store
func NewCredentialStore(client redis.UniversalClient) *CredentialStore {
	return &CredentialStore{
		client:   client,
		prefix:   DefaultPrefix,
		TTLSlack: time.Minute,
	}
}

// WithPrefix returns a copy of the store using a different key prefix
func (s *CredentialStore) WithPrefix(prefix string) *CredentialStore {
	out := *s
	out.prefix = prefix
	return &out
}

func (s *CredentialStore) GetCredential(ctx context.Context, key string) (*authfetch.TokenPair, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	var pair authfetch.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &pair, nil
}

func (s *CredentialStore) SetCredential(ctx context.Context, key string, cred *authfetch.TokenPair) error {
	if cred == nil {
		return fmt.Errorf("nil credential for %s", key)
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl(cred)).Err(); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) RemoveCredential(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return keys, nil
}

// ttl is zero (no expiry) unless the pair cannot outlive its access token
func (s *CredentialStore) ttl(cred *authfetch.TokenPair) time.Duration {
	if cred.HasRefreshToken() || cred.ExpiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(cred.ExpiresAt) + s.TTLSlack
	if ttl <= 0 {
		return time.Second
	}
	return ttl
}

var _ authfetch.CredentialStore = (*CredentialStore)(nil)
