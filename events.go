package authfetch

import (
	"context"
	"log/slog"
	"time"
)

// SessionListener observes the lifecycle of a client's credential.
// Calls are made synchronously from the goroutine that settled the renewal,
// so implementations should return quickly.
type SessionListener interface {
	// TokensRenewed is called after a renewed token pair was stored
	TokensRenewed(ctx context.Context, key string, expiresAt time.Time)

	// SessionExpired is called after a terminal authentication failure discarded the credential
	SessionExpired(ctx context.Context, key string, err error)
}

type nopListener struct{}

func (nopListener) TokensRenewed(context.Context, string, time.Time) {}
func (nopListener) SessionExpired(context.Context, string, error)    {}

// Listeners fans events out to several listeners in order
type Listeners []SessionListener

func (ls Listeners) TokensRenewed(ctx context.Context, key string, expiresAt time.Time) {
	for _, l := range ls {
		l.TokensRenewed(ctx, key, expiresAt)
	}
}

func (ls Listeners) SessionExpired(ctx context.Context, key string, err error) {
	for _, l := range ls {
		l.SessionExpired(ctx, key, err)
	}
}

// LogListener records session events on a structured logger
type LogListener struct {
	Logger *slog.Logger
}

func (l LogListener) TokensRenewed(ctx context.Context, key string, expiresAt time.Time) {
	l.Logger.InfoContext(ctx, "session_renewed", "key", key, "expires_at", expiresAt)
}

func (l LogListener) SessionExpired(ctx context.Context, key string, err error) {
	l.Logger.WarnContext(ctx, "session_expired", "key", key, "error", err)
}
