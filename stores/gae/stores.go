//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	"github.com/panyam/authfetch"
	"github.com/panyam/authfetch/devauth"
)

type store struct {
	client    *datastore.Client
	namespace string
}

func (s *store) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *store) query(kind string) *datastore.Query {
	q := datastore.NewQuery(kind)
	if s.namespace != "" {
		q = q.Namespace(s.namespace)
	}
	return q
}

// =============================================================================
// CredentialStore
// =============================================================================

// CredentialStore implements authfetch.CredentialStore using Datastore
type CredentialStore struct {
	store
}

func NewCredentialStore(client *datastore.Client, namespace string) *CredentialStore {
	return &CredentialStore{store{client: client, namespace: namespace}}
}

func (s *CredentialStore) GetCredential(ctx context.Context, key string) (*authfetch.TokenPair, error) {
	var entity CredentialEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindCredential, key), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, nil
		}
		return nil, err
	}
	return entity.ToTokenPair(), nil
}

func (s *CredentialStore) SetCredential(ctx context.Context, key string, cred *authfetch.TokenPair) error {
	if cred == nil {
		return fmt.Errorf("nil credential for %s", key)
	}
	dsKey := s.namespacedKey(KindCredential, key)
	_, err := s.client.Put(ctx, dsKey, TokenPairToEntity(cred, dsKey))
	return err
}

func (s *CredentialStore) RemoveCredential(ctx context.Context, key string) error {
	err := s.client.Delete(ctx, s.namespacedKey(KindCredential, key))
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil
	}
	return err
}

func (s *CredentialStore) ListKeys(ctx context.Context) ([]string, error) {
	it := s.client.Run(ctx, s.query(KindCredential).KeysOnly())
	var keys []string
	for {
		key, err := it.Next(nil)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, key.Name)
	}
	return keys, nil
}

// =============================================================================
// RefreshTokenStore
// =============================================================================

// RefreshTokenStore implements devauth.RefreshTokenStore using Datastore
type RefreshTokenStore struct {
	store
}

func NewRefreshTokenStore(client *datastore.Client, namespace string) *RefreshTokenStore {
	return &RefreshTokenStore{store{client: client, namespace: namespace}}
}

func (s *RefreshTokenStore) CreateRefreshToken(ctx context.Context, userID, clientID string, scopes []string, ttl time.Duration) (*devauth.RefreshToken, error) {
	rt, err := devauth.NewRefreshToken(userID, clientID, scopes, ttl)
	if err != nil {
		return nil, err
	}
	key := s.namespacedKey(KindRefreshToken, rt.TokenHash)
	if _, err := s.client.Put(ctx, key, RefreshTokenToEntity(rt, key)); err != nil {
		return nil, err
	}
	return rt, nil
}

func (s *RefreshTokenStore) GetRefreshToken(ctx context.Context, token string) (*devauth.RefreshToken, error) {
	var entity RefreshTokenEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindRefreshToken, devauth.HashToken(token)), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, devauth.ErrTokenNotFound
		}
		return nil, err
	}
	rt := entity.ToRefreshToken()
	rt.Token = token
	return rt, nil
}

func (s *RefreshTokenStore) RotateRefreshToken(ctx context.Context, oldToken string, ttl time.Duration) (*devauth.RefreshToken, error) {
	key := s.namespacedKey(KindRefreshToken, devauth.HashToken(oldToken))

	var next *devauth.RefreshToken
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity RefreshTokenEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return devauth.ErrTokenNotFound
			}
			return err
		}
		entity.Key = key

		if entity.Revoked {
			return devauth.ErrTokenReused
		}
		if time.Now().After(entity.ExpiresAt) {
			return devauth.ErrTokenExpired
		}

		now := time.Now()
		entity.Revoked = true
		entity.RevokedAt = now
		entity.LastUsedAt = now
		if _, err := tx.Put(key, &entity); err != nil {
			return err
		}

		successor, err := entity.ToRefreshToken().Successor(ttl)
		if err != nil {
			return err
		}
		newKey := s.namespacedKey(KindRefreshToken, successor.TokenHash)
		if _, err := tx.Put(newKey, RefreshTokenToEntity(successor, newKey)); err != nil {
			return err
		}
		next = successor
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *RefreshTokenStore) RevokeRefreshToken(ctx context.Context, token string) error {
	key := s.namespacedKey(KindRefreshToken, devauth.HashToken(token))
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity RefreshTokenEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return nil // Already gone
			}
			return err
		}
		if entity.Revoked {
			return nil
		}
		entity.Key = key
		entity.Revoked = true
		entity.RevokedAt = time.Now()
		_, err := tx.Put(key, &entity)
		return err
	})
	return err
}

func (s *RefreshTokenStore) RevokeUserTokens(ctx context.Context, userID string) error {
	return s.revokeWhere(ctx, "user_id", userID)
}

func (s *RefreshTokenStore) RevokeTokenFamily(ctx context.Context, family string) error {
	return s.revokeWhere(ctx, "family", family)
}

func (s *RefreshTokenStore) revokeWhere(ctx context.Context, field, value string) error {
	query := s.query(KindRefreshToken).
		FilterField(field, "=", value).
		FilterField("revoked", "=", false)

	now := time.Now()
	it := s.client.Run(ctx, query)
	for {
		var entity RefreshTokenEntity
		key, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}

		entity.Key = key
		entity.Revoked = true
		entity.RevokedAt = now
		if _, err := s.client.Put(ctx, key, &entity); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ authfetch.CredentialStore  = (*CredentialStore)(nil)
	_ devauth.RefreshTokenStore = (*RefreshTokenStore)(nil)
)
