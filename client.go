package authfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RefreshThreshold is how long before expiry to proactively renew
const RefreshThreshold = 5 * time.Minute

// DefaultRenewTimeout bounds a single call to the Renewer
const DefaultRenewTimeout = 30 * time.Second

// AuthClient is an HTTP client with bearer token attachment and single-flight
// token renewal. One renewal at most is in flight per client; requests that
// fail authentication meanwhile wait for its outcome and replay once.
type AuthClient struct {
	serverURL string
	key       string
	store     CredentialStore
	renewer   Renewer

	httpClient      *http.Client
	baseTransport   http.RoundTripper
	retryPolicy     *RetryPolicy
	logger          *slog.Logger
	listener        SessionListener
	now             func() time.Time
	threshold       time.Duration
	renewTimeout    time.Duration
	requestIDHeader string

	mu         sync.Mutex
	refreshing bool
	pending    []*waiter
	seq        uint64

	// onSettle is called for each waiter as it is resolved; tests only
	onSettle func(w *waiter)
}

type renewResult struct {
	token string
	err   error
}

// waiter is a caller parked on an in-flight renewal
type waiter struct {
	seq uint64
	ch  chan renewResult
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

// WithHTTPClient sets a custom base HTTP client (for timeouts, redirects, cookie jars).
// The transport from this client will be wrapped with auth handling.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
		c.httpClient.Jar = client.Jar
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		c.baseTransport = transport
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *AuthClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRefreshThreshold sets how early before expiry a token is renewed pre-emptively.
// Zero disables pre-emptive renewal.
func WithRefreshThreshold(d time.Duration) ClientOption {
	return func(c *AuthClient) {
		c.threshold = d
	}
}

// WithRenewTimeout bounds each renewal call
func WithRenewTimeout(d time.Duration) ClientOption {
	return func(c *AuthClient) {
		if d > 0 {
			c.renewTimeout = d
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) ClientOption {
	return func(c *AuthClient) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSessionListener registers a listener for renewal and expiry events
func WithSessionListener(l SessionListener) ClientOption {
	return func(c *AuthClient) {
		c.listener = l
	}
}

// WithRetryPolicy retries idempotent requests on transport failures
func WithRetryPolicy(p *RetryPolicy) ClientOption {
	return func(c *AuthClient) {
		c.retryPolicy = p
	}
}

// WithRequestIDHeader sets the header used to tag outbound requests with an ID.
// An empty name disables tagging.
func WithRequestIDHeader(name string) ClientOption {
	return func(c *AuthClient) {
		c.requestIDHeader = name
	}
}

// WithCredentialKey stores the credential under key instead of the
// normalized server URL, so several identities can share one store and server.
func WithCredentialKey(key string) ClientOption {
	return func(c *AuthClient) {
		if key != "" {
			c.key = key
		}
	}
}

// New creates a client for serverURL. Credentials are read from and written to
// store under the normalized server URL; renewer is called to renew them.
func New(serverURL string, store CredentialStore, renewer Renewer, opts ...ClientOption) *AuthClient {
	key, err := NormalizeServerURL(serverURL)
	if err != nil {
		key = serverURL
	}

	c := &AuthClient{
		serverURL:       strings.TrimSuffix(serverURL, "/"),
		key:             key,
		store:           store,
		renewer:         renewer,
		httpClient:      &http.Client{},
		baseTransport:   http.DefaultTransport,
		logger:          slog.Default(),
		listener:        nopListener{},
		now:             time.Now,
		threshold:       RefreshThreshold,
		renewTimeout:    DefaultRenewTimeout,
		requestIDHeader: "X-Request-Id",
	}

	for _, opt := range opts {
		opt(c)
	}

	base := c.baseTransport
	if c.retryPolicy != nil {
		base = &retryTransport{base: base, policy: c.retryPolicy, logger: c.logger}
	}
	c.httpClient.Transport = &refreshTransport{client: c, base: base}

	return c
}

// HTTPClient returns the underlying HTTP client with auth handling
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

// Transport returns the auth-aware round tripper
func (c *AuthClient) Transport() http.RoundTripper {
	return c.httpClient.Transport
}

// ServerURL returns the server URL this client is configured for
func (c *AuthClient) ServerURL() string {
	return c.serverURL
}

// Key returns the credential store key of this client
func (c *AuthClient) Key() string {
	return c.key
}

// Credential returns the stored token pair, or nil when logged out
func (c *AuthClient) Credential(ctx context.Context) (*TokenPair, error) {
	return c.store.GetCredential(ctx, c.key)
}

// IsLoggedIn returns true if there is a non-expired credential
func (c *AuthClient) IsLoggedIn(ctx context.Context) bool {
	cred, err := c.store.GetCredential(ctx, c.key)
	if err != nil || cred == nil || cred.AccessToken == "" {
		return false
	}
	return !cred.IsExpired(c.now()) || cred.HasRefreshToken()
}

// SetTokens stores a token pair obtained elsewhere (e.g. an external login flow)
func (c *AuthClient) SetTokens(ctx context.Context, pair *TokenPair) error {
	if pair == nil || pair.AccessToken == "" {
		return errors.New("token pair has no access token")
	}
	if pair.CreatedAt.IsZero() {
		pair.CreatedAt = c.now()
	}
	if err := c.store.SetCredential(ctx, c.key, pair); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Login authenticates with username/password and stores the resulting credential
func (c *AuthClient) Login(ctx context.Context, username, password, scope string) (*TokenPair, error) {
	pa, ok := c.renewer.(PasswordAuthenticator)
	if !ok {
		return nil, errors.New("renewer does not support password login")
	}

	pair, err := pa.PasswordLogin(ctx, username, password, scope)
	if err != nil {
		if KindOf(err) == KindNetwork {
			return nil, err
		}
		return nil, &AuthenticationError{Reason: ReasonRenewalFailed, Err: err}
	}
	if pair.UserID == "" {
		pair.UserID = username
	}
	if err := c.SetTokens(ctx, pair); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "logged in", "server", c.key, "expires_at", pair.ExpiresAt)
	return pair, nil
}

// Logout removes the stored credential and revokes the refresh token when the renewer supports it
func (c *AuthClient) Logout(ctx context.Context) error {
	cred, err := c.store.GetCredential(ctx, c.key)
	if err != nil {
		return err
	}
	if err := c.store.RemoveCredential(ctx, c.key); err != nil {
		return err
	}

	if rv, ok := c.renewer.(Revoker); ok && cred.HasRefreshToken() {
		if err := rv.Revoke(ctx, cred.RefreshToken); err != nil {
			c.logger.WarnContext(ctx, "refresh token revocation failed", "server", c.key, "error", err)
		}
	}
	return nil
}

// Token returns the current access token, renewing first when it is about to expire.
// Returns "" with no error when no credential is stored.
func (c *AuthClient) Token(ctx context.Context) (string, error) {
	cred, err := c.store.GetCredential(ctx, c.key)
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return "", nil
	}

	now := c.now()
	if c.threshold > 0 && cred.HasRefreshToken() && cred.IsExpiringSoon(now, c.threshold) {
		token, err := c.renew(ctx, cred.AccessToken, true)
		if err == nil {
			return token, nil
		}
		// The server has the final word while the old token is still live
		if !cred.IsExpired(now) {
			c.logger.DebugContext(ctx, "pre-emptive renewal failed, using current token", "server", c.key, "error", err)
			return cred.AccessToken, nil
		}
		return "", err
	}

	return cred.AccessToken, nil
}

// Renew obtains a fresh access token after failedToken was rejected.
//
// If a renewal is already running the caller waits for its outcome. If the
// stored token already differs from failedToken, another caller renewed it in
// the meantime and the stored token is returned without a new renewal.
func (c *AuthClient) Renew(ctx context.Context, failedToken string) (string, error) {
	return c.renew(ctx, failedToken, false)
}

// renew is Renew with a pre-emptive mode: a failed pre-emptive renewal keeps a
// still-live credential and does not end the session.
func (c *AuthClient) renew(ctx context.Context, failedToken string, preemptive bool) (string, error) {
	c.mu.Lock()
	if c.refreshing {
		c.seq++
		w := &waiter{seq: c.seq, ch: make(chan renewResult, 1)}
		c.pending = append(c.pending, w)
		c.mu.Unlock()

		c.logger.DebugContext(ctx, "waiting for in-flight renewal", "server", c.key, "position", w.seq)
		select {
		case res := <-w.ch:
			return res.token, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	cred, err := c.store.GetCredential(ctx, c.key)
	if err != nil {
		c.mu.Unlock()
		return "", &AuthenticationError{Reason: ReasonCredentialUnavailable, Err: err}
	}
	if cred != nil && cred.AccessToken != "" && cred.AccessToken != failedToken {
		c.mu.Unlock()
		return cred.AccessToken, nil
	}
	if !cred.HasRefreshToken() {
		c.mu.Unlock()
		authErr := &AuthenticationError{Reason: ReasonNoRefreshToken}
		if !preemptive {
			c.expire(ctx, failedToken, authErr)
		}
		return "", authErr
	}

	c.refreshing = true
	c.seq = 0
	c.mu.Unlock()

	return c.runRenewal(ctx, cred, preemptive)
}

// runRenewal performs the renewal this caller won. It always clears the
// refreshing flag and settles every waiter, even if the renewer panics.
func (c *AuthClient) runRenewal(ctx context.Context, cred *TokenPair, preemptive bool) (token string, err error) {
	settled := false
	defer func() {
		if !settled {
			c.settle("", &AuthenticationError{Reason: ReasonRenewalAborted})
		}
	}()

	// Waiters depend on this call, so one caller's cancellation must not abort it
	detached := context.WithoutCancel(ctx)
	rctx, cancel := context.WithTimeout(detached, c.renewTimeout)
	defer cancel()

	started := c.now()
	pair, err := c.renewer.Renew(rctx, cred.RefreshToken)
	if err == nil && (pair == nil || pair.AccessToken == "") {
		err = errors.New("renewal returned no access token")
	}
	if err == nil {
		if pair.RefreshToken == "" {
			pair.RefreshToken = cred.RefreshToken
		}
		if pair.UserID == "" {
			pair.UserID = cred.UserID
		}
		if pair.CreatedAt.IsZero() {
			pair.CreatedAt = c.now()
		}
		if serr := c.store.SetCredential(detached, c.key, pair); serr != nil {
			err = fmt.Errorf("failed to store renewed credential: %w", serr)
		}
	}

	if err != nil {
		authErr := &AuthenticationError{Reason: ReasonRenewalFailed, Err: err}
		if preemptive && !cred.IsExpired(c.now()) {
			settled = true
			c.settle("", authErr)
			c.logger.WarnContext(ctx, "pre-emptive token renewal failed, keeping current token", "server", c.key, "error", err)
			return "", authErr
		}
		if rerr := c.store.RemoveCredential(detached, c.key); rerr != nil {
			c.logger.ErrorContext(ctx, "failed to discard credential", "server", c.key, "error", rerr)
		}
		settled = true
		c.settle("", authErr)

		c.logger.WarnContext(ctx, "token renewal failed", "server", c.key, "error", err)
		c.listener.SessionExpired(detached, c.key, authErr)
		return "", authErr
	}

	settled = true
	c.settle(pair.AccessToken, nil)

	c.logger.InfoContext(ctx, "renewed access token",
		"server", c.key,
		"token", redactToken(pair.AccessToken),
		"expires_at", pair.ExpiresAt,
		"took", c.now().Sub(started))
	c.listener.TokensRenewed(detached, c.key, pair.ExpiresAt)
	return pair.AccessToken, nil
}

// settle drains the queue in arrival order and reopens the client for new renewals
func (c *AuthClient) settle(token string, err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.refreshing = false
	hook := c.onSettle
	c.mu.Unlock()

	for _, w := range pending {
		w.ch <- renewResult{token: token, err: err}
		if hook != nil {
			hook(w)
		}
	}
}

// Reject reports that a freshly renewed token was refused as well. The stored
// credential is discarded if it still holds token and the terminal error is
// returned. Transports other than HTTP call this after their single replay.
func (c *AuthClient) Reject(ctx context.Context, token string) error {
	authErr := &AuthenticationError{Reason: ReasonRejectedAfterRenewal}
	c.expire(ctx, token, authErr)
	return authErr
}

// expire discards the stored credential if it still holds usedToken and
// reports the session as over.
func (c *AuthClient) expire(ctx context.Context, usedToken string, authErr *AuthenticationError) {
	detached := context.WithoutCancel(ctx)

	c.mu.Lock()
	cred, err := c.store.GetCredential(detached, c.key)
	if err == nil && cred != nil && (usedToken == "" || cred.AccessToken == usedToken) {
		err = c.store.RemoveCredential(detached, c.key)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.ErrorContext(ctx, "failed to discard credential", "server", c.key, "error", err)
	}
	c.listener.SessionExpired(detached, c.key, authErr)
}

// Do sends req with bearer auth and the refresh protocol applied
func (c *AuthClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unwrapURLError(err)
	}
	return resp, nil
}

// RequestConfig describes a request issued through Request
type RequestConfig struct {
	Method string
	// URL is either absolute or a path relative to the server URL
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Request issues the described request. Statuses >= 400 are returned as
// ValidationError or ServerError together with the response.
func (c *AuthClient) Request(ctx context.Context, cfg RequestConfig) (*Response, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	target, err := c.resolve(cfg.URL, cfg.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if cfg.Body != nil {
		body = bytes.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	return out, statusError(resp.StatusCode, data)
}

// GetJSON issues a GET and decodes the JSON response into out
func (c *AuthClient) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON encodes in as JSON, POSTs it and decodes the response into out (if non-nil)
func (c *AuthClient) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, in, out)
}

// PutJSON is PostJSON with PUT
func (c *AuthClient) PutJSON(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, in, out)
}

// DeleteJSON issues a DELETE and decodes the response into out (if non-nil)
func (c *AuthClient) DeleteJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, out)
}

func (c *AuthClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	cfg := RequestConfig{Method: method, URL: path, Header: http.Header{}}
	cfg.Header.Set("Accept", "application/json")
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		cfg.Body = data
		cfg.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Request(ctx, cfg)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("invalid response from server: %w", err)
	}
	return nil
}

func (c *AuthClient) resolve(target string, query url.Values) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid request URL: %w", err)
	}
	if !u.IsAbs() {
		base, err := url.Parse(c.serverURL + "/")
		if err != nil {
			return "", fmt.Errorf("invalid server URL: %w", err)
		}
		u = base.ResolveReference(&url.URL{Path: strings.TrimPrefix(u.Path, "/"), RawQuery: u.RawQuery})
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// unwrapURLError strips the *url.Error added by http.Client around our own
// variants. Failures raised by http.Client itself (client timeout, redirect
// policy) are reported as network errors.
func unwrapURLError(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	if KindOf(ue.Err) != KindUnknown {
		return ue.Err
	}
	return &NetworkError{Method: strings.ToUpper(ue.Op), URL: ue.URL, Err: ue.Err}
}
