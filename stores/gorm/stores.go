//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/panyam/authfetch"
	"github.com/panyam/authfetch/devauth"
)

// AutoMigrate runs database migrations for all authfetch tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CredentialModel{},
		&RefreshTokenModel{},
	)
}

// =============================================================================
// CredentialStore
// =============================================================================

// CredentialStore implements authfetch.CredentialStore using GORM
type CredentialStore struct {
	db *gorm.DB
}

func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) GetCredential(ctx context.Context, key string) (*authfetch.TokenPair, error) {
	var model CredentialModel
	if err := s.db.WithContext(ctx).First(&model, "server_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToTokenPair(), nil
}

func (s *CredentialStore) SetCredential(ctx context.Context, key string, cred *authfetch.TokenPair) error {
	if cred == nil {
		return fmt.Errorf("nil credential for %s", key)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "server_key"}},
			UpdateAll: true,
		}).
		Create(TokenPairToModel(key, cred)).Error
}

func (s *CredentialStore) RemoveCredential(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&CredentialModel{}, "server_key = ?", key).Error
}

func (s *CredentialStore) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&CredentialModel{}).Order("server_key").Pluck("server_key", &keys).Error
	return keys, err
}

// =============================================================================
// RefreshTokenStore
// =============================================================================

// RefreshTokenStore implements devauth.RefreshTokenStore using GORM
type RefreshTokenStore struct {
	db *gorm.DB
}

func NewRefreshTokenStore(db *gorm.DB) *RefreshTokenStore {
	return &RefreshTokenStore{db: db}
}

func (s *RefreshTokenStore) CreateRefreshToken(ctx context.Context, userID, clientID string, scopes []string, ttl time.Duration) (*devauth.RefreshToken, error) {
	rt, err := devauth.NewRefreshToken(userID, clientID, scopes, ttl)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(RefreshTokenToModel(rt)).Error; err != nil {
		return nil, err
	}
	return rt, nil
}

func (s *RefreshTokenStore) GetRefreshToken(ctx context.Context, token string) (*devauth.RefreshToken, error) {
	var model RefreshTokenModel
	if err := s.db.WithContext(ctx).First(&model, "token_hash = ?", devauth.HashToken(token)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, devauth.ErrTokenNotFound
		}
		return nil, err
	}

	rt := model.ToRefreshToken()
	rt.Token = token // Restore the actual token value
	return rt, nil
}

func (s *RefreshTokenStore) RotateRefreshToken(ctx context.Context, oldToken string, ttl time.Duration) (*devauth.RefreshToken, error) {
	var next *devauth.RefreshToken

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var oldModel RefreshTokenModel
		if err := tx.First(&oldModel, "token_hash = ?", devauth.HashToken(oldToken)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return devauth.ErrTokenNotFound
			}
			return err
		}

		if oldModel.Revoked {
			return devauth.ErrTokenReused
		}
		if time.Now().After(oldModel.ExpiresAt) {
			return devauth.ErrTokenExpired
		}

		// Revoke old token; the revoked=false guard loses to a concurrent rotation
		now := time.Now()
		res := tx.Model(&RefreshTokenModel{}).
			Where("token_hash = ? AND revoked = ?", oldModel.TokenHash, false).
			Updates(map[string]any{"revoked": true, "revoked_at": now, "last_used_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return devauth.ErrTokenReused
		}

		successor, err := oldModel.ToRefreshToken().Successor(ttl)
		if err != nil {
			return err
		}
		if err := tx.Create(RefreshTokenToModel(successor)).Error; err != nil {
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
	now := time.Now()
	return s.db.WithContext(ctx).Model(&RefreshTokenModel{}).
		Where("token_hash = ? AND revoked = ?", devauth.HashToken(token), false).
		Updates(map[string]any{"revoked": true, "revoked_at": now}).Error
}

func (s *RefreshTokenStore) RevokeUserTokens(ctx context.Context, userID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&RefreshTokenModel{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now}).Error
}

func (s *RefreshTokenStore) RevokeTokenFamily(ctx context.Context, family string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&RefreshTokenModel{}).
		Where("family = ? AND revoked = ?", family, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now}).Error
}

var (
	_ authfetch.CredentialStore  = (*CredentialStore)(nil)
	_ devauth.RefreshTokenStore = (*RefreshTokenStore)(nil)
)
