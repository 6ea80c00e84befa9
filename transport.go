package authfetch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// refreshTransport is an http.RoundTripper that adds auth and handles renewal.
// The replay after a renewal is sent inline and never re-enters RoundTrip, so a
// request is replayed at most once.
type refreshTransport struct {
	client *AuthClient
	base   http.RoundTripper
}

func (t *refreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c := t.client
	ctx := req.Context()

	req, err := replayable(req)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	if c.requestIDHeader != "" && req.Header.Get(c.requestIDHeader) == "" {
		req.Header.Set(c.requestIDHeader, uuid.NewString())
	}

	// Get current token (may trigger a pre-emptive renewal)
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.send(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	newToken, err := c.Renew(ctx, token)
	if err != nil {
		return nil, err
	}

	retry, err := rewind(req)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}

	c.logger.DebugContext(ctx, "replaying request with renewed token",
		"method", req.Method, "url", req.URL.Redacted(), "request_id", req.Header.Get(c.requestIDHeader))

	resp, err = t.send(retry, newToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, c.Reject(ctx, newToken)
	}
	return resp, nil
}

// send dispatches a copy of req carrying token
func (t *refreshTransport) send(req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
		}
		out.Body = body
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.Redacted(), Err: err}
	}
	return resp, nil
}

// replayable returns a clone of req whose body can be produced more than once.
// The original body is consumed and closed as RoundTrip requires.
func replayable(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	if req.GetBody != nil {
		// send always draws a fresh body from GetBody
		req.Body.Close()
		return out, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return out, err
	}
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return out, nil
}

// rewind returns a clone of req with a fresh body
func rewind(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}

// discard drains and closes a response body so the connection can be reused
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// redactToken returns a short fingerprint safe to log
func redactToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:4])
}
