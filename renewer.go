package authfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Renewer exchanges a refresh token for a new TokenPair
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// RenewerFunc adapts a function to the Renewer interface
type RenewerFunc func(ctx context.Context, refreshToken string) (*TokenPair, error)

func (f RenewerFunc) Renew(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return f(ctx, refreshToken)
}

// PasswordAuthenticator is implemented by renewers that also support the password grant
type PasswordAuthenticator interface {
	PasswordLogin(ctx context.Context, username, password, scope string) (*TokenPair, error)
}

// Revoker is implemented by renewers that can revoke a refresh token on logout
type Revoker interface {
	Revoke(ctx context.Context, refreshToken string) error
}

// TokenRequest is the request body for the JSON token endpoint
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
}

// TokenResponse is the response from the JSON token endpoint
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

// TokenEndpointError is returned when the token endpoint rejects a grant
type TokenEndpointError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *TokenEndpointError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token endpoint: %s", e.Description)
	}
	if e.Code != "" {
		return fmt.Sprintf("token endpoint: %s", e.Code)
	}
	return fmt.Sprintf("token endpoint: HTTP %d", e.StatusCode)
}

// JSONRenewer talks to a token endpoint that accepts and returns JSON bodies
type JSONRenewer struct {
	TokenURL  string
	LogoutURL string // optional; enables Revoke
	ClientID  string

	// HTTPClient must not be the refreshing client, or renewal would loop.
	// Defaults to a plain client with a 30s timeout.
	HTTPClient *http.Client

	Now func() time.Time
}

// NewJSONRenewer creates a renewer for the given token endpoint
func NewJSONRenewer(tokenURL, clientID string) *JSONRenewer {
	return &JSONRenewer{
		TokenURL:   tokenURL,
		ClientID:   clientID,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *JSONRenewer) Renew(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return r.requestToken(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     r.ClientID,
	})
}

func (r *JSONRenewer) PasswordLogin(ctx context.Context, username, password, scope string) (*TokenPair, error) {
	return r.requestToken(ctx, TokenRequest{
		GrantType: "password",
		Username:  username,
		Password:  password,
		Scope:     scope,
		ClientID:  r.ClientID,
	})
}

func (r *JSONRenewer) Revoke(ctx context.Context, refreshToken string) error {
	if r.LogoutURL == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.LogoutURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &TokenEndpointError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (r *JSONRenewer) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *JSONRenewer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// requestToken makes a token request to the server
func (r *JSONRenewer) requestToken(ctx context.Context, tr TokenRequest) (*TokenPair, error) {
	jsonBody, err := json.Marshal(tr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: r.TokenURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &TokenEndpointError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("invalid response from server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TokenEndpointError{
			StatusCode:  resp.StatusCode,
			Code:        tokenResp.Error,
			Description: tokenResp.ErrorDesc,
		}
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access token")
	}

	now := r.now()
	pair := &TokenPair{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		Scope:        tokenResp.Scope,
		CreatedAt:    now,
	}
	// The subject comes from the token whenever it is a JWT; expires_in wins over exp
	expiresAt, subject := jwtClaims(tokenResp.AccessToken)
	pair.UserID = subject
	if tokenResp.ExpiresIn > 0 {
		pair.ExpiresAt = now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	} else {
		pair.ExpiresAt = expiresAt
	}
	return pair, nil
}

// jwtClaims reads exp and sub from an access token without verifying it.
// Opaque tokens yield zero values.
func jwtClaims(accessToken string) (time.Time, string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, ""
	}
	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	sub, _ := claims.GetSubject()
	return expiresAt, sub
}

// OAuth2Renewer renews tokens against a standard OAuth2 token endpoint
type OAuth2Renewer struct {
	Config *oauth2.Config

	// HTTPClient is handed to the oauth2 package through the context
	HTTPClient *http.Client

	Now func() time.Time
}

// NewOAuth2Renewer creates a renewer from client credentials and a token URL
func NewOAuth2Renewer(tokenURL, clientID, clientSecret string, scopes ...string) *OAuth2Renewer {
	return &OAuth2Renewer{
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       scopes,
		},
	}
}

func (r *OAuth2Renewer) context(ctx context.Context) context.Context {
	if r.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	return ctx
}

func (r *OAuth2Renewer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *OAuth2Renewer) Renew(ctx context.Context, refreshToken string) (*TokenPair, error) {
	// An expired token with only a refresh token forces the source to refresh
	src := r.Config.TokenSource(r.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth2: refresh failed: %w", err)
	}
	return r.pair(tok), nil
}

func (r *OAuth2Renewer) PasswordLogin(ctx context.Context, username, password, scope string) (*TokenPair, error) {
	cfg := *r.Config
	if scope != "" {
		cfg.Scopes = strings.Fields(scope)
	}
	tok, err := cfg.PasswordCredentialsToken(r.context(ctx), username, password)
	if err != nil {
		return nil, fmt.Errorf("oauth2: password grant failed: %w", err)
	}
	return r.pair(tok), nil
}

// pair converts tok, taking the subject and a missing expiry from the token when it is a JWT
func (r *OAuth2Renewer) pair(tok *oauth2.Token) *TokenPair {
	pair := TokenPairFromOAuth2(tok, r.now())
	expiresAt, subject := jwtClaims(tok.AccessToken)
	pair.UserID = subject
	if pair.ExpiresAt.IsZero() {
		pair.ExpiresAt = expiresAt
	}
	return pair
}
