//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/panyam/authfetch"
	"github.com/panyam/authfetch/devauth"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "authfetch.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}
	return db
}

func TestCredentialStore(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore(openTestDB(t))

	got, err := store.GetCredential(ctx, "https://api.example.com")
	if err != nil || got != nil {
		t.Fatalf("GetCredential() on empty table = %+v, %v", got, err)
	}

	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	pair := &authfetch.TokenPair{
		AccessToken:  "a1",
		RefreshToken: "r1",
		TokenType:    "Bearer",
		UserID:       "alice",
		ExpiresAt:    expiresAt,
	}
	if err := store.SetCredential(ctx, "https://api.example.com", pair); err != nil {
		t.Fatalf("SetCredential() error = %v", err)
	}

	// Upsert replaces the row
	pair.AccessToken = "a2"
	if err := store.SetCredential(ctx, "https://api.example.com", pair); err != nil {
		t.Fatalf("SetCredential() upsert error = %v", err)
	}

	got, err = store.GetCredential(ctx, "https://api.example.com")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if got.AccessToken != "a2" || got.RefreshToken != "r1" || got.UserID != "alice" {
		t.Errorf("credential = %+v", got)
	}
	if !got.ExpiresAt.Equal(expiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expiresAt)
	}

	store.SetCredential(ctx, "https://other.example.com", &authfetch.TokenPair{AccessToken: "x"})
	keys, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "https://api.example.com" {
		t.Errorf("ListKeys() = %v", keys)
	}

	if err := store.RemoveCredential(ctx, "https://api.example.com"); err != nil {
		t.Fatalf("RemoveCredential() error = %v", err)
	}
	if got, _ := store.GetCredential(ctx, "https://api.example.com"); got != nil {
		t.Errorf("credential still present: %+v", got)
	}
}

func TestCredentialStore_UnknownExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore(openTestDB(t))

	store.SetCredential(ctx, "k", &authfetch.TokenPair{AccessToken: "opaque"})
	got, _ := store.GetCredential(ctx, "k")
	if got == nil || !got.ExpiresAt.IsZero() {
		t.Errorf("credential = %+v, want zero expiry", got)
	}
}

func TestRefreshTokenStore_Rotation(t *testing.T) {
	ctx := context.Background()
	store := NewRefreshTokenStore(openTestDB(t))

	rt, err := store.CreateRefreshToken(ctx, "u1", "cli", []string{"read", "offline"}, time.Hour)
	if err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}

	got, err := store.GetRefreshToken(ctx, rt.Token)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if got.UserID != "u1" || len(got.Scopes) != 2 || got.Family != rt.Family {
		t.Errorf("token = %+v", got)
	}

	next, err := store.RotateRefreshToken(ctx, rt.Token, time.Hour)
	if err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}
	if next.Generation != 2 || next.Family != rt.Family || next.Token == rt.Token {
		t.Errorf("successor = %+v", next)
	}

	if _, err := store.RotateRefreshToken(ctx, rt.Token, time.Hour); !errors.Is(err, devauth.ErrTokenReused) {
		t.Errorf("reuse error = %v, want ErrTokenReused", err)
	}

	if err := store.RevokeTokenFamily(ctx, rt.Family); err != nil {
		t.Fatalf("RevokeTokenFamily() error = %v", err)
	}
	got, _ = store.GetRefreshToken(ctx, next.Token)
	if got.IsValid() {
		t.Error("successor still valid after family revocation")
	}

	if _, err := store.GetRefreshToken(ctx, "missing"); !errors.Is(err, devauth.ErrTokenNotFound) {
		t.Errorf("missing token error = %v", err)
	}
}

func TestRefreshTokenStore_RevokeAndExpire(t *testing.T) {
	ctx := context.Background()
	store := NewRefreshTokenStore(openTestDB(t))

	a, _ := store.CreateRefreshToken(ctx, "u1", "", nil, time.Hour)
	b, _ := store.CreateRefreshToken(ctx, "u1", "", nil, time.Hour)
	if err := store.RevokeRefreshToken(ctx, a.Token); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}
	if got, _ := store.GetRefreshToken(ctx, a.Token); !got.Revoked {
		t.Error("token not revoked")
	}

	store.RevokeUserTokens(ctx, "u1")
	if got, _ := store.GetRefreshToken(ctx, b.Token); !got.Revoked {
		t.Error("user tokens not revoked")
	}

	expired, _ := store.CreateRefreshToken(ctx, "u2", "", nil, -time.Minute)
	if _, err := store.RotateRefreshToken(ctx, expired.Token, time.Hour); !errors.Is(err, devauth.ErrTokenExpired) {
		t.Errorf("expired rotation error = %v, want ErrTokenExpired", err)
	}
}
