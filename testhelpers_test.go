package authfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// roundTripFunc adapts a function to http.RoundTripper
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// countingRenewer hands out token pairs and records how often it was called
type countingRenewer struct {
	calls  atomic.Int32
	mu     sync.Mutex
	seen   []string
	renew  func(ctx context.Context, refreshToken string) (*TokenPair, error)
	before func()
}

func (r *countingRenewer) Renew(ctx context.Context, refreshToken string) (*TokenPair, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.seen = append(r.seen, refreshToken)
	r.mu.Unlock()
	if r.before != nil {
		r.before()
	}
	return r.renew(ctx, refreshToken)
}

func renewTo(access, refresh string) func(context.Context, string) (*TokenPair, error) {
	return func(context.Context, string) (*TokenPair, error) {
		return &TokenPair{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}
}

// tokenServer accepts only requests bearing the token currently marked valid
type tokenServer struct {
	*httptest.Server
	mu     sync.Mutex
	valid  string
	hits   atomic.Int32
	tokens []string
	bodies []string
	hook   func(token string)
}

func newTokenServer(t *testing.T, valid string) *tokenServer {
	t.Helper()
	ts := &tokenServer{valid: valid}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		buf := new(strings.Builder)
		if r.Body != nil {
			_, _ = bufCopy(buf, r)
		}

		ts.mu.Lock()
		ts.tokens = append(ts.tokens, token)
		ts.bodies = append(ts.bodies, buf.String())
		valid := ts.valid
		hook := ts.hook
		ts.mu.Unlock()

		if hook != nil {
			hook(token)
		}
		if token != valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) seenTokens() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.tokens...)
}

func bufCopy(dst *strings.Builder, r *http.Request) (int64, error) {
	b := make([]byte, 512)
	var n int64
	for {
		m, err := r.Body.Read(b)
		dst.Write(b[:m])
		n += int64(m)
		if err != nil {
			return n, nil
		}
	}
}

// seedStore returns a store holding access/refresh for serverURL
func seedStore(t *testing.T, serverURL, access, refresh string, expiresAt time.Time) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	key, err := NormalizeServerURL(serverURL)
	if err != nil {
		t.Fatalf("NormalizeServerURL() error = %v", err)
	}
	if err := store.SetCredential(context.Background(), key, &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}); err != nil {
		t.Fatalf("SetCredential() error = %v", err)
	}
	return store
}

func (c *AuthClient) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *AuthClient) isRefreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

// waitFor polls cond until it holds or the test times out
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// recordingListener collects session events
type recordingListener struct {
	mu      sync.Mutex
	renewed []string
	expired []error
}

func (l *recordingListener) TokensRenewed(_ context.Context, key string, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renewed = append(l.renewed, key)
}

func (l *recordingListener) SessionExpired(_ context.Context, _ string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expired = append(l.expired, err)
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.renewed), len(l.expired)
}
