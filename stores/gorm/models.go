//go:build !wasm
// +build !wasm

package gorm

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/panyam/authfetch"
	"github.com/panyam/authfetch/devauth"
)

// StringSlice is a helper type for storing string slices in GORM
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *StringSlice) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}
	return json.Unmarshal(data, s)
}

// CredentialModel is the GORM model for client credentials
type CredentialModel struct {
	Key          string `gorm:"column:server_key;primaryKey;size:255"`
	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	TokenType    string `gorm:"size:32"`
	Scope        string `gorm:"size:255"`
	UserID       string `gorm:"size:255;index"`
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (CredentialModel) TableName() string {
	return "credentials"
}

func (m *CredentialModel) ToTokenPair() *authfetch.TokenPair {
	pair := &authfetch.TokenPair{
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
		TokenType:    m.TokenType,
		Scope:        m.Scope,
		UserID:       m.UserID,
		CreatedAt:    m.CreatedAt,
	}
	if m.ExpiresAt != nil {
		pair.ExpiresAt = *m.ExpiresAt
	}
	return pair
}

func TokenPairToModel(key string, p *authfetch.TokenPair) *CredentialModel {
	m := &CredentialModel{
		Key:          key,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		Scope:        p.Scope,
		UserID:       p.UserID,
		CreatedAt:    p.CreatedAt,
	}
	if !p.ExpiresAt.IsZero() {
		expiresAt := p.ExpiresAt
		m.ExpiresAt = &expiresAt
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return m
}

// RefreshTokenModel is the GORM model for refresh tokens
type RefreshTokenModel struct {
	TokenHash  string      `gorm:"primaryKey;size:64"`
	UserID     string      `gorm:"size:64;index"`
	ClientID   string      `gorm:"size:64"`
	Family     string      `gorm:"size:32;index"`
	Generation int         `gorm:"default:1"`
	Scopes     StringSlice `gorm:"type:text"`
	CreatedAt  time.Time
	ExpiresAt  time.Time `gorm:"index"`
	LastUsedAt time.Time
	RevokedAt  *time.Time
	Revoked    bool `gorm:"default:false;index"`
}

func (RefreshTokenModel) TableName() string {
	return "refresh_tokens"
}

func (m *RefreshTokenModel) ToRefreshToken() *devauth.RefreshToken {
	return &devauth.RefreshToken{
		TokenHash:  m.TokenHash,
		UserID:     m.UserID,
		ClientID:   m.ClientID,
		Family:     m.Family,
		Generation: m.Generation,
		Scopes:     m.Scopes,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
		LastUsedAt: m.LastUsedAt,
		RevokedAt:  m.RevokedAt,
		Revoked:    m.Revoked,
	}
}

func RefreshTokenToModel(t *devauth.RefreshToken) *RefreshTokenModel {
	return &RefreshTokenModel{
		TokenHash:  t.TokenHash,
		UserID:     t.UserID,
		ClientID:   t.ClientID,
		Family:     t.Family,
		Generation: t.Generation,
		Scopes:     StringSlice(t.Scopes),
		CreatedAt:  t.CreatedAt,
		ExpiresAt:  t.ExpiresAt,
		LastUsedAt: t.LastUsedAt,
		RevokedAt:  t.RevokedAt,
		Revoked:    t.Revoked,
	}
}
