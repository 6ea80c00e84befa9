// Package bff is a backend-for-frontend gateway. Browsers authenticate with a
// session cookie; the gateway keeps their tokens server side and proxies API
// calls through one AuthClient per session, so renewal is single-flight per
// user and tokens never reach the browser.
package bff

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/panyam/authfetch"
)

// sessionCredentialKey is the session variable holding the credential ID
const sessionCredentialKey = "authfetch.credential_id"

// Headers copied from the browser request to the backend
var forwardedRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"If-Match",
	"If-None-Match",
	"X-Request-Id",
}

// Hop-by-hop headers never copied back to the browser
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Www-Authenticate":    true,
}

type sessionClient struct {
	client   *authfetch.AuthClient
	lastUsed time.Time
}

// Gateway serves the login, logout and session endpoints and proxies /api
type Gateway struct {
	Session *scs.SessionManager

	// Credentials holds token pairs keyed by a per-session credential ID
	Credentials authfetch.CredentialStore
	Renewer     authfetch.Renewer

	// APIURL is the backend base URL; APIPrefix is stripped before forwarding
	APIURL    string
	APIPrefix string

	// LoginURL is returned to the browser when the session has ended
	LoginURL string

	// ClientOptions are applied to every per-session AuthClient
	ClientOptions []authfetch.ClientOption

	// IdleTimeout evicts per-session clients not used for this long.
	// Defaults to the session lifetime.
	IdleTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*sessionClient
	lastSweep time.Time
}

// EnsureReasonableDefaults fills in unset configuration
func (g *Gateway) EnsureReasonableDefaults() {
	if g.Session == nil {
		g.Session = scs.New()
	}
	if g.Credentials == nil {
		g.Credentials = authfetch.NewMemoryStore()
	}
	if g.APIPrefix == "" {
		g.APIPrefix = "/api"
	}
	if g.LoginURL == "" {
		g.LoginURL = "/login"
	}
	if g.IdleTimeout == 0 {
		g.IdleTimeout = g.Session.Lifetime
	}
	if g.Logger == nil {
		g.Logger = slog.Default()
	}
	if g.Now == nil {
		g.Now = time.Now
	}
	g.APIURL = strings.TrimSuffix(g.APIURL, "/")
}

// Handler returns the gateway routes wrapped in session loading
func (g *Gateway) Handler() http.Handler {
	g.EnsureReasonableDefaults()

	r := mux.NewRouter()
	r.HandleFunc("/auth/login", g.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", g.HandleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/session", g.HandleSession).Methods(http.MethodGet)
	r.PathPrefix(g.APIPrefix + "/").HandlerFunc(g.HandleProxy)
	return g.Session.LoadAndSave(r)
}

// clientFor returns the AuthClient bound to credential ID id
func (g *Gateway) clientFor(id string) *authfetch.AuthClient {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.Now()
	if g.clients == nil {
		g.clients = make(map[string]*sessionClient)
	}
	g.sweepLocked(now)

	sc, ok := g.clients[id]
	if !ok {
		opts := append([]authfetch.ClientOption{
			authfetch.WithCredentialKey(id),
			authfetch.WithLogger(g.Logger),
		}, g.ClientOptions...)
		sc = &sessionClient{client: authfetch.New(g.APIURL, g.Credentials, g.Renewer, opts...)}
		g.clients[id] = sc
	}
	sc.lastUsed = now
	return sc.client
}

func (g *Gateway) sweepLocked(now time.Time) {
	if g.IdleTimeout <= 0 || now.Sub(g.lastSweep) < g.IdleTimeout/4 {
		return
	}
	g.lastSweep = now
	for id, sc := range g.clients {
		if now.Sub(sc.lastUsed) > g.IdleTimeout {
			delete(g.clients, id)
		}
	}
}

func (g *Gateway) forget(id string) {
	g.mu.Lock()
	delete(g.clients, id)
	g.mu.Unlock()
}

// ActiveClients returns the number of per-session clients currently held
func (g *Gateway) ActiveClients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Scope    string `json:"scope,omitempty"`
}

type sessionResponse struct {
	LoggedIn  bool       `json:"logged_in"`
	UserID    string     `json:"user_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HandleLogin logs the session in with username and password
func (g *Gateway) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	// A fresh session token and credential ID on every login prevents fixation
	if err := g.Session.RenewToken(ctx); err != nil {
		g.Logger.ErrorContext(ctx, "failed to renew session token", "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal", "failed to start session")
		return
	}
	if old := g.Session.GetString(ctx, sessionCredentialKey); old != "" {
		g.forget(old)
		if err := g.Credentials.RemoveCredential(ctx, old); err != nil {
			g.Logger.WarnContext(ctx, "failed to discard previous credential", "error", err)
		}
	}

	id := uuid.NewString()
	pair, err := g.clientFor(id).Login(ctx, req.Username, req.Password, req.Scope)
	if err != nil {
		g.forget(id)
		g.Logger.InfoContext(ctx, "login failed", "username", req.Username, "error", err)
		g.writeClientError(w, err)
		return
	}
	g.Session.Put(ctx, sessionCredentialKey, id)

	g.writeJSON(w, http.StatusOK, sessionResponse{LoggedIn: true, UserID: pair.UserID, ExpiresAt: expiresAt(pair)})
}

// HandleLogout discards the session's tokens and destroys the session
func (g *Gateway) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if id := g.Session.GetString(ctx, sessionCredentialKey); id != "" {
		if err := g.clientFor(id).Logout(ctx); err != nil {
			g.Logger.WarnContext(ctx, "logout failed", "error", err)
		}
		g.forget(id)
	}
	if err := g.Session.Destroy(ctx); err != nil {
		g.Logger.ErrorContext(ctx, "failed to destroy session", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSession reports whether the session holds a usable credential
func (g *Gateway) HandleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	out := sessionResponse{}
	if id := g.Session.GetString(ctx, sessionCredentialKey); id != "" {
		c := g.clientFor(id)
		if cred, err := c.Credential(ctx); err == nil && cred != nil && c.IsLoggedIn(ctx) {
			out = sessionResponse{LoggedIn: true, UserID: cred.UserID, ExpiresAt: expiresAt(cred)}
		}
	}
	g.writeJSON(w, http.StatusOK, out)
}

// HandleProxy forwards the request to the backend with the session's token
func (g *Gateway) HandleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := g.Session.GetString(ctx, sessionCredentialKey)
	if id == "" {
		g.writeClientError(w, &authfetch.AuthenticationError{Reason: authfetch.ReasonNoRefreshToken})
		return
	}
	c := g.clientFor(id)

	target := g.APIURL + strings.TrimPrefix(r.URL.Path, g.APIPrefix)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	out.ContentLength = r.ContentLength
	for _, h := range forwardedRequestHeaders {
		if v := r.Header.Values(h); len(v) > 0 {
			out.Header[h] = v
		}
	}

	resp, err := c.Do(out)
	if err != nil {
		if authfetch.IsAuthentication(err) {
			g.forget(id)
			g.Session.Remove(ctx, sessionCredentialKey)
		}
		g.Logger.WarnContext(ctx, "proxy request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		g.writeClientError(w, err)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.Logger.DebugContext(ctx, "proxy response copy interrupted", "error", err)
	}
}

func expiresAt(p *authfetch.TokenPair) *time.Time {
	if p.ExpiresAt.IsZero() {
		return nil
	}
	t := p.ExpiresAt
	return &t
}
