package authfetch

import (
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/jitter"
	"github.com/Rican7/retry/strategy"
)

// RetryPolicy retries idempotent requests whose transport failed.
// It sits below the renewal protocol and never sees authentication failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// BaseDelay is the first backoff delay; later delays double
	BaseDelay time.Duration
	// Methods overrides the set of methods considered idempotent
	Methods []string
}

// DefaultRetryPolicy retries up to 3 attempts starting at 100ms
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
}

func (p *RetryPolicy) idempotent(method string) bool {
	if len(p.Methods) > 0 {
		for _, m := range p.Methods {
			if m == method {
				return true
			}
		}
		return false
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

type retryTransport struct {
	base   http.RoundTripper
	policy *RetryPolicy
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	canRewind := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	if t.policy.MaxAttempts <= 1 || !canRewind || !t.policy.idempotent(req.Method) {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	attempts := 0
	limit := func(uint) bool {
		attempts++
		return attempts <= t.policy.MaxAttempts && ctx.Err() == nil
	}
	generator := rand.New(rand.NewSource(time.Now().UnixNano()))

	var resp *http.Response
	err := retry.Retry(func(uint) error {
		out := req
		if attempts > 1 {
			out = req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return err
				}
				out.Body = body
			}
		}

		r, err := t.base.RoundTrip(out)
		if err != nil {
			t.logger.DebugContext(ctx, "transport failure, retrying",
				"method", req.Method, "url", req.URL.Redacted(), "attempt", attempts, "error", err)
			return err
		}
		resp = r
		return nil
	},
		limit,
		strategy.BackoffWithJitter(
			backoff.BinaryExponential(t.policy.BaseDelay),
			jitter.Deviation(generator, 0.5),
		),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
