package authfetch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestListeners_FanOut(t *testing.T) {
	srv := newTokenServer(t, "T2")
	store := seedStore(t, srv.URL, "T1", "R1", time.Now().Add(time.Hour))
	first, second := &recordingListener{}, &recordingListener{}
	c := New(srv.URL, store, &countingRenewer{renew: renewTo("T2", "R2")},
		WithSessionListener(Listeners{first, second}))

	if err := c.GetJSON(context.Background(), "/plans", nil); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	for i, l := range []*recordingListener{first, second} {
		if renewed, expired := l.counts(); renewed != 1 || expired != 0 {
			t.Errorf("listener %d: renewed=%d expired=%d, want 1/0", i, renewed, expired)
		}
	}

	c.Reject(context.Background(), "T2")
	for i, l := range []*recordingListener{first, second} {
		if _, expired := l.counts(); expired != 1 {
			t.Errorf("listener %d: expired=%d, want 1", i, expired)
		}
	}
}

func TestLogListener(t *testing.T) {
	var buf bytes.Buffer
	l := LogListener{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	ctx := context.Background()

	l.TokensRenewed(ctx, "https://api.example.com", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	l.SessionExpired(ctx, "https://api.example.com", &AuthenticationError{Reason: ReasonRenewalFailed, Err: errors.New("invalid_grant")})

	out := buf.String()
	for _, want := range []string{"msg=session_renewed", "level=WARN msg=session_expired", "key=https://api.example.com", "invalid_grant"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
