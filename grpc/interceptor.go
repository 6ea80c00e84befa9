package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/panyam/authfetch"
)

// UnaryClientInterceptor attaches c's access token to every unary call. A call
// failing with codes.Unauthenticated renews the token through c.Renew, so
// concurrent failures share one renewal with HTTP requests made through c, and
// is replayed once. A second Unauthenticated ends the session with an
// *authfetch.AuthenticationError.
func UnaryClientInterceptor(c *authfetch.AuthClient) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}

		err = invoker(TokenToOutgoingContext(ctx, token), method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		newToken, err := c.Renew(ctx, token)
		if err != nil {
			return err
		}

		err = invoker(TokenToOutgoingContext(ctx, newToken), method, req, reply, cc, opts...)
		if status.Code(err) == codes.Unauthenticated {
			return c.Reject(ctx, newToken)
		}
		return err
	}
}

// StreamClientInterceptor attaches c's access token when a stream is opened.
// Streams are not replayed.
func StreamClientInterceptor(c *authfetch.AuthClient) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, err
		}
		return streamer(TokenToOutgoingContext(ctx, token), desc, cc, method, opts...)
	}
}

// TokenValidator checks an access token and returns its subject and scopes.
// *devauth.Server implements it.
type TokenValidator interface {
	ValidateAccessToken(token string) (userID string, scopes []string, err error)
}

// ValidatorFunc adapts a function to TokenValidator
type ValidatorFunc func(token string) (string, []string, error)

func (f ValidatorFunc) ValidateAccessToken(token string) (string, []string, error) {
	return f(token)
}

// InterceptorConfig configures the server interceptors
type InterceptorConfig struct {
	Validator TokenValidator

	// RequireAuth when true rejects calls without a valid token.
	// When false, calls proceed and UserIDFromContext returns "".
	RequireAuth bool

	// PublicMethods are full method names ("/package.Service/Method") that
	// skip the RequireAuth check.
	PublicMethods map[string]bool

	Logger *slog.Logger
}

// NewInterceptorConfig requires a valid token on every method except publicMethods
func NewInterceptorConfig(v TokenValidator, publicMethods ...string) *InterceptorConfig {
	config := &InterceptorConfig{
		Validator:     v,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

func (config *InterceptorConfig) ensureDefaults() {
	if config.PublicMethods == nil {
		config.PublicMethods = make(map[string]bool)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
}

// authenticate validates the incoming token. An invalid token is always
// Unauthenticated so clients know to renew; a missing one only when required.
func (config *InterceptorConfig) authenticate(ctx context.Context, method string) (context.Context, error) {
	required := config.RequireAuth && !config.PublicMethods[method]

	token := TokenFromIncomingContext(ctx)
	if token == "" {
		if required {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}

	userID, scopes, err := config.Validator.ValidateAccessToken(token)
	if err != nil {
		config.Logger.DebugContext(ctx, "rejected access token", "method", method, "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return withAuthInfo(ctx, &AuthInfo{UserID: userID, Scopes: scopes}), nil
}

// UnaryAuthInterceptor returns a server interceptor validating bearer tokens
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config.ensureDefaults()

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := config.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context {
	return s.ctx
}

// StreamAuthInterceptor is UnaryAuthInterceptor for streams
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config.ensureDefaults()

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := config.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}
