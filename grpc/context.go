// Package grpc carries authfetch tokens over gRPC.
//
// Client side, UnaryClientInterceptor attaches the AuthClient's bearer token
// to outgoing metadata and renews it through the same single-flight queue the
// HTTP transport uses. Server side, UnaryAuthInterceptor validates the token
// and exposes the caller's user ID through UserIDFromContext.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Default metadata keys
const (
	// MetadataKeyAuthorization carries "Bearer <token>"
	MetadataKeyAuthorization = "authorization"

	// DefaultMetadataKeyUserID is set by gateways that authenticate upstream
	DefaultMetadataKeyUserID = "x-user-id"
)

type authInfoKey struct{}

// AuthInfo describes the caller of an authenticated RPC
type AuthInfo struct {
	UserID string
	Scopes []string
}

// TokenToOutgoingContext sets the bearer token on outgoing metadata, replacing
// any authorization value already present.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if token == "" {
		delete(md, MetadataKeyAuthorization)
	} else {
		md.Set(MetadataKeyAuthorization, "Bearer "+token)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// TokenFromIncomingContext returns the bearer token of an incoming call, or ""
func TokenFromIncomingContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(MetadataKeyAuthorization) {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok && token != "" {
			return token
		}
	}
	return ""
}

func withAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// AuthInfoFromContext returns the caller validated by the server interceptor
func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info, ok
}

// UserIDFromContext returns the authenticated user ID of an incoming call.
// A validated token takes precedence over the x-user-id metadata a trusted
// gateway may forward. Returns "" if neither is present.
func UserIDFromContext(ctx context.Context) string {
	if info, ok := AuthInfoFromContext(ctx); ok && info.UserID != "" {
		return info.UserID
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(DefaultMetadataKeyUserID); len(values) > 0 {
		return values[0]
	}
	return ""
}

// UserIDToOutgoingContext forwards a user ID to a downstream service
func UserIDToOutgoingContext(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyUserID, userID)
}

// IsAuthenticated returns true if there is an authenticated user in the context
func IsAuthenticated(ctx context.Context) bool {
	return UserIDFromContext(ctx) != ""
}
