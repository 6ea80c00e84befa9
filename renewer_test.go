package authfetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJSONRenewer_Renew(t *testing.T) {
	var got TokenRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "A2",
			RefreshToken: "R2",
			TokenType:    "Bearer",
			ExpiresIn:    600,
		})
	}))
	defer server.Close()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewJSONRenewer(server.URL, "cli")
	r.Now = func() time.Time { return now }

	pair, err := r.Renew(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if got.GrantType != "refresh_token" || got.RefreshToken != "R1" || got.ClientID != "cli" {
		t.Errorf("request = %+v", got)
	}
	if pair.AccessToken != "A2" || pair.RefreshToken != "R2" {
		t.Errorf("pair = %+v", pair)
	}
	if want := now.Add(10 * time.Minute); !pair.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", pair.ExpiresAt, want)
	}
}

func TestJSONRenewer_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{name: "invalid grant", status: http.StatusBadRequest, body: `{"error":"invalid_grant","error_description":"token revoked"}`, wantCode: "invalid_grant"},
		{name: "html error page", status: http.StatusBadGateway, body: `<html>bad gateway</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewJSONRenewer(server.URL, "").Renew(context.Background(), "R1")
			var endpointErr *TokenEndpointError
			if !errors.As(err, &endpointErr) {
				t.Fatalf("error = %v, want *TokenEndpointError", err)
			}
			if endpointErr.StatusCode != tt.status || endpointErr.Code != tt.wantCode {
				t.Errorf("error = %+v", endpointErr)
			}
		})
	}
}

func TestJSONRenewer_ExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("unrelated-key"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: access, TokenType: "Bearer"})
	}))
	defer server.Close()

	pair, err := NewJSONRenewer(server.URL, "").Renew(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if !pair.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", pair.ExpiresAt, exp)
	}
	if pair.UserID != "user-42" {
		t.Errorf("UserID = %q, want user-42", pair.UserID)
	}
}

func TestJSONRenewer_OpaqueTokenHasUnknownExpiry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "opaque"})
	}))
	defer server.Close()

	pair, err := NewJSONRenewer(server.URL, "").Renew(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if !pair.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero", pair.ExpiresAt)
	}
}

func TestJSONRenewer_RevokeWithoutLogoutURL(t *testing.T) {
	if err := NewJSONRenewer("http://unused", "").Revoke(context.Background(), "R1"); err != nil {
		t.Errorf("Revoke() error = %v", err)
	}
}

func TestOAuth2Renewer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "refresh_token":
			if r.PostForm.Get("refresh_token") != "R1" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			w.Write([]byte(`{"access_token":"A2","token_type":"Bearer","refresh_token":"R2","expires_in":3600,"scope":"read"}`))
		case "password":
			if r.PostForm.Get("username") != "alice" || r.PostForm.Get("password") != "secret" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			w.Write([]byte(`{"access_token":"A1","token_type":"Bearer","refresh_token":"R1","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"unsupported_grant_type"}`))
		}
	}))
	defer server.Close()

	r := NewOAuth2Renewer(server.URL, "client", "secret", "read")
	r.HTTPClient = server.Client()
	ctx := context.Background()

	pair, err := r.Renew(ctx, "R1")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if pair.AccessToken != "A2" || pair.RefreshToken != "R2" || pair.Scope != "read" {
		t.Errorf("pair = %+v", pair)
	}
	if pair.ExpiresAt.Before(time.Now().Add(50 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want about an hour out", pair.ExpiresAt)
	}

	if _, err := r.Renew(ctx, "revoked"); err == nil {
		t.Error("expected error for a rejected refresh token")
	}

	pair, err = r.PasswordLogin(ctx, "alice", "secret", "")
	if err != nil {
		t.Fatalf("PasswordLogin() error = %v", err)
	}
	if pair.AccessToken != "A1" {
		t.Errorf("AccessToken = %q, want A1", pair.AccessToken)
	}
}

func TestJSONRenewer_SubjectWithExpiresIn(t *testing.T) {
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("unrelated-key"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: access, TokenType: "Bearer", ExpiresIn: 600})
	}))
	defer server.Close()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewJSONRenewer(server.URL, "")
	r.Now = func() time.Time { return now }

	pair, err := r.PasswordLogin(context.Background(), "alice@example.com", "secret", "")
	if err != nil {
		t.Fatalf("PasswordLogin() error = %v", err)
	}
	if pair.UserID != "user-42" {
		t.Errorf("UserID = %q, want user-42", pair.UserID)
	}
	if want := now.Add(10 * time.Minute); !pair.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v (expires_in wins)", pair.ExpiresAt, want)
	}
}
