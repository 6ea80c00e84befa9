package devauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/panyam/authfetch"
)

// Server is a token endpoint issuing HS256 JWT access tokens and rotating
// refresh tokens, plus a bearer-protected /api/me resource.
type Server struct {
	Users         *Users
	RefreshTokens RefreshTokenStore

	// JWT configuration
	JWTSecretKey string
	JWTIssuer    string

	// Token configuration
	AccessTokenExpiry  time.Duration // Defaults to 15 minutes
	RefreshTokenExpiry time.Duration // Defaults to 7 days

	Logger *slog.Logger

	// generation is embedded in access tokens; bumping it invalidates all of them
	generation atomic.Int64
}

type userIDKey struct{}

// UserIDFromContext returns the user authenticated by RequireAccessToken
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey{}).(string)
	return v
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// EnsureReasonableDefaults fills in unset configuration
func (s *Server) EnsureReasonableDefaults() {
	if s.AccessTokenExpiry == 0 {
		s.AccessTokenExpiry = TokenExpiryAccessToken
	}
	if s.RefreshTokenExpiry == 0 {
		s.RefreshTokenExpiry = TokenExpiryRefreshToken
	}
	if s.Users == nil {
		s.Users = NewUsers()
	}
	if s.RefreshTokens == nil {
		s.RefreshTokens = NewMemoryRefreshTokenStore()
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	s.EnsureReasonableDefaults()

	r := mux.NewRouter()
	r.HandleFunc("/auth/token", s.HandleToken).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.HandleLogout).Methods(http.MethodPost)
	r.Handle("/api/me", s.RequireAccessToken(http.HandlerFunc(s.HandleMe))).Methods(http.MethodGet)
	return r
}

// ExpireAccessTokens invalidates every access token issued so far.
// Refresh tokens stay valid, so clients recover through renewal.
func (s *Server) ExpireAccessTokens() {
	s.generation.Add(1)
}

// HandleToken serves POST /auth/token for the password and refresh_token grants.
// Both JSON and form-encoded bodies are accepted.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	req, err := parseTokenRequest(r)
	if err != nil {
		s.errorResponse(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return
	}

	switch req.GrantType {
	case "password":
		s.handlePasswordGrant(w, r, req)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r, req)
	default:
		s.errorResponse(w, "unsupported_grant_type", "Grant type not supported", http.StatusBadRequest)
	}
}

func parseTokenRequest(r *http.Request) (*authfetch.TokenRequest, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		req := &authfetch.TokenRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			Username:     r.PostForm.Get("username"),
			Password:     r.PostForm.Get("password"),
			RefreshToken: r.PostForm.Get("refresh_token"),
			Scope:        r.PostForm.Get("scope"),
			ClientID:     r.PostForm.Get("client_id"),
		}
		if id, _, ok := r.BasicAuth(); ok && req.ClientID == "" {
			req.ClientID = id
		}
		return req, nil
	}

	var req authfetch.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// handlePasswordGrant handles the password grant type (username/password login)
func (s *Server) handlePasswordGrant(w http.ResponseWriter, r *http.Request, req *authfetch.TokenRequest) {
	ctx := r.Context()
	userID, allowedScopes, err := s.Users.Authenticate(req.Username, req.Password)
	if err != nil {
		s.Logger.InfoContext(ctx, "login failed", "username", req.Username)
		s.errorResponse(w, "invalid_grant", "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if len(allowedScopes) == 0 {
		allowedScopes = DefaultScopes()
	}

	// If no scopes requested, grant all allowed scopes
	requestedScopes := ParseScopes(req.Scope)
	if len(requestedScopes) == 0 {
		requestedScopes = allowedScopes
	}
	grantedScopes := IntersectScopes(requestedScopes, allowedScopes)

	// Refresh tokens are only issued for offline access
	refreshToken := ""
	if ContainsScope(grantedScopes, ScopeOffline) {
		rt, err := s.RefreshTokens.CreateRefreshToken(ctx, userID, req.ClientID, grantedScopes, s.RefreshTokenExpiry)
		if err != nil {
			s.Logger.ErrorContext(ctx, "failed to create refresh token", "error", err)
			s.errorResponse(w, "server_error", "Failed to create session", http.StatusInternalServerError)
			return
		}
		refreshToken = rt.Token
	}

	accessToken, expiresIn, err := s.createAccessToken(userID, grantedScopes)
	if err != nil {
		s.Logger.ErrorContext(ctx, "failed to create access token", "error", err)
		s.errorResponse(w, "server_error", "Failed to create token", http.StatusInternalServerError)
		return
	}

	s.Logger.InfoContext(ctx, "login succeeded", "user_id", userID, "scopes", grantedScopes)
	s.tokenResponse(w, accessToken, expiresIn, refreshToken, grantedScopes)
}

// handleRefreshTokenGrant rotates the presented refresh token. Presenting a
// token that was already rotated revokes its whole family.
func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, req *authfetch.TokenRequest) {
	ctx := r.Context()
	if req.RefreshToken == "" {
		s.errorResponse(w, "invalid_request", "Refresh token required", http.StatusBadRequest)
		return
	}

	current, err := s.RefreshTokens.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			s.errorResponse(w, "invalid_grant", "Invalid refresh token", http.StatusUnauthorized)
		} else {
			s.errorResponse(w, "server_error", "Failed to validate token", http.StatusInternalServerError)
		}
		return
	}

	next, err := s.RefreshTokens.RotateRefreshToken(ctx, req.RefreshToken, s.RefreshTokenExpiry)
	switch {
	case errors.Is(err, ErrTokenReused):
		if revokeErr := s.RefreshTokens.RevokeTokenFamily(ctx, current.Family); revokeErr != nil {
			s.Logger.ErrorContext(ctx, "failed to revoke token family", "family", current.Family, "error", revokeErr)
		}
		s.Logger.WarnContext(ctx, "refresh token reuse detected", "user_id", current.UserID, "family", current.Family)
		s.errorResponse(w, "invalid_grant", "Token reuse detected, all sessions revoked", http.StatusUnauthorized)
		return
	case errors.Is(err, ErrTokenExpired):
		s.errorResponse(w, "invalid_grant", "Token has expired", http.StatusUnauthorized)
		return
	case err != nil:
		s.Logger.ErrorContext(ctx, "failed to rotate refresh token", "error", err)
		s.errorResponse(w, "server_error", "Failed to refresh session", http.StatusInternalServerError)
		return
	}

	accessToken, expiresIn, err := s.createAccessToken(next.UserID, next.Scopes)
	if err != nil {
		s.Logger.ErrorContext(ctx, "failed to create access token", "error", err)
		s.errorResponse(w, "server_error", "Failed to create token", http.StatusInternalServerError)
		return
	}

	s.tokenResponse(w, accessToken, expiresIn, next.Token, next.Scopes)
}

// HandleLogout handles POST /auth/logout - revokes a refresh token
func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		s.errorResponse(w, "invalid_request", "Refresh token required", http.StatusBadRequest)
		return
	}

	// Don't reveal whether the token existed
	if err := s.RefreshTokens.RevokeRefreshToken(r.Context(), req.RefreshToken); err != nil {
		s.Logger.ErrorContext(r.Context(), "failed to revoke token", "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleMe returns the authenticated user
func (s *Server) HandleMe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user_id": UserIDFromContext(r.Context()),
	})
}

// RequireAccessToken rejects requests without a valid bearer access token
func (s *Server) RequireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer`)
			s.errorResponse(w, "unauthorized", "Authentication required", http.StatusUnauthorized)
			return
		}

		userID, _, err := s.ValidateAccessToken(token)
		if err != nil {
			s.Logger.DebugContext(r.Context(), "rejected access token", "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			s.errorResponse(w, "invalid_token", "Access token is invalid or expired", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// createAccessToken creates a signed JWT access token
func (s *Server) createAccessToken(userID string, scopes []string) (string, int64, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    userID,
		"type":   "access",
		"scopes": scopes,
		"gen":    s.generation.Load(),
		"iat":    now.Unix(),
		"exp":    now.Add(s.AccessTokenExpiry).Unix(),
	}
	if s.JWTIssuer != "" {
		claims["iss"] = s.JWTIssuer
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.JWTSecretKey))
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, int64(s.AccessTokenExpiry.Seconds()), nil
}

// ValidateAccessToken validates a JWT access token and returns its subject and scopes
func (s *Server) ValidateAccessToken(tokenString string) (userID string, scopes []string, err error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.JWTIssuer))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(s.JWTSecretKey), nil
	}, opts...); err != nil {
		return "", nil, err
	}

	if tokenType, ok := claims["type"].(string); !ok || tokenType != "access" {
		return "", nil, fmt.Errorf("invalid token type")
	}
	if gen, ok := claims["gen"].(float64); !ok || int64(gen) != s.generation.Load() {
		return "", nil, fmt.Errorf("token has been invalidated")
	}

	userID, err = claims.GetSubject()
	if err != nil || userID == "" {
		return "", nil, fmt.Errorf("missing subject")
	}

	if scopesRaw, ok := claims["scopes"].([]any); ok {
		scopes = make([]string, 0, len(scopesRaw))
		for _, sc := range scopesRaw {
			if str, ok := sc.(string); ok {
				scopes = append(scopes, str)
			}
		}
	}
	return userID, scopes, nil
}

// tokenResponse sends a successful token response
func (s *Server) tokenResponse(w http.ResponseWriter, accessToken string, expiresIn int64, refreshToken string, scopes []string) {
	resp := authfetch.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: refreshToken,
		Scope:        JoinScopes(scopes),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	json.NewEncoder(w).Encode(resp)
}

// errorResponse sends an OAuth 2.0 compliant error response
func (s *Server) errorResponse(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(tokenError{Error: errorCode, ErrorDescription: description})
}
