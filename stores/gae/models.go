//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"

	"github.com/panyam/authfetch"
	"github.com/panyam/authfetch/devauth"
)

// Datastore kinds
const (
	KindCredential   = "Credential"
	KindRefreshToken = "RefreshToken"
)

// CredentialEntity is the Datastore entity for a client credential.
// The key name is the credential key (normalized server URL).
type CredentialEntity struct {
	Key          *datastore.Key `datastore:"__key__"`
	AccessToken  string         `datastore:"access_token,noindex"`
	RefreshToken string         `datastore:"refresh_token,noindex"`
	TokenType    string         `datastore:"token_type,noindex"`
	Scope        string         `datastore:"scope,noindex"`
	UserID       string         `datastore:"user_id"`
	ExpiresAt    time.Time      `datastore:"expires_at"`
	CreatedAt    time.Time      `datastore:"created_at"`
	UpdatedAt    time.Time      `datastore:"updated_at"`
}

func (e *CredentialEntity) ToTokenPair() *authfetch.TokenPair {
	return &authfetch.TokenPair{
		AccessToken:  e.AccessToken,
		RefreshToken: e.RefreshToken,
		TokenType:    e.TokenType,
		Scope:        e.Scope,
		UserID:       e.UserID,
		ExpiresAt:    e.ExpiresAt,
		CreatedAt:    e.CreatedAt,
	}
}

func TokenPairToEntity(p *authfetch.TokenPair, key *datastore.Key) *CredentialEntity {
	e := &CredentialEntity{
		Key:          key,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		Scope:        p.Scope,
		UserID:       p.UserID,
		ExpiresAt:    p.ExpiresAt,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    time.Now(),
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.UpdatedAt
	}
	return e
}

// RefreshTokenEntity is the Datastore entity for refresh tokens.
// The key name is the token hash.
type RefreshTokenEntity struct {
	Key        *datastore.Key `datastore:"__key__"`
	UserID     string         `datastore:"user_id"`
	ClientID   string         `datastore:"client_id"`
	Family     string         `datastore:"family"`
	Generation int            `datastore:"generation"`
	Scopes     []string       `datastore:"scopes,noindex"`
	CreatedAt  time.Time      `datastore:"created_at"`
	ExpiresAt  time.Time      `datastore:"expires_at"`
	LastUsedAt time.Time      `datastore:"last_used_at"`
	RevokedAt  time.Time      `datastore:"revoked_at"`
	Revoked    bool           `datastore:"revoked"`
}

func (e *RefreshTokenEntity) ToRefreshToken() *devauth.RefreshToken {
	rt := &devauth.RefreshToken{
		UserID:     e.UserID,
		ClientID:   e.ClientID,
		Family:     e.Family,
		Generation: e.Generation,
		Scopes:     e.Scopes,
		CreatedAt:  e.CreatedAt,
		ExpiresAt:  e.ExpiresAt,
		LastUsedAt: e.LastUsedAt,
		Revoked:    e.Revoked,
	}
	if e.Key != nil {
		rt.TokenHash = e.Key.Name
	}
	if !e.RevokedAt.IsZero() {
		revokedAt := e.RevokedAt
		rt.RevokedAt = &revokedAt
	}
	return rt
}

func RefreshTokenToEntity(t *devauth.RefreshToken, key *datastore.Key) *RefreshTokenEntity {
	e := &RefreshTokenEntity{
		Key:        key,
		UserID:     t.UserID,
		ClientID:   t.ClientID,
		Family:     t.Family,
		Generation: t.Generation,
		Scopes:     t.Scopes,
		CreatedAt:  t.CreatedAt,
		ExpiresAt:  t.ExpiresAt,
		LastUsedAt: t.LastUsedAt,
		Revoked:    t.Revoked,
	}
	if t.RevokedAt != nil {
		e.RevokedAt = *t.RevokedAt
	}
	return e
}
