// Package authfetch provides an HTTP client that attaches bearer tokens to
// outgoing requests and renews them transparently when the server rejects them.
//
// # Architecture
//
// AuthClient: wraps an http.RoundTripper. Each request carries the stored
// access token. A 401 response starts the renewal protocol; the request is
// replayed once with the renewed token.
//
// CredentialStore: where the TokenPair lives. MemoryStore is built in; the
// stores/ subpackages provide file, Redis, SQL (gorm), Datastore and HTTP
// session backed stores.
//
// Renewer: exchanges a refresh token for a new TokenPair. JSONRenewer talks to
// a JSON token endpoint, OAuth2Renewer to a standard OAuth2 endpoint.
//
// # Renewal
//
// At most one renewal runs per AuthClient. Requests that fail authentication
// while it runs are queued and receive its outcome in arrival order; each then
// replays independently. A request rejected again after the renewal fails with
// an AuthenticationError and is never retried twice. When no refresh token is
// stored, or the renewal fails, the stored credential is discarded and every
// affected caller receives an AuthenticationError.
//
// Tokens that are about to expire (RefreshThreshold) are renewed before the
// request is sent. This is an optimization only; the 401 path does not depend
// on local clock accuracy.
//
// # Basic Usage
//
//	store := authfetch.NewMemoryStore()
//	renewer := authfetch.NewJSONRenewer("https://api.example.com/auth/token", "web")
//	client := authfetch.New("https://api.example.com", store, renewer,
//	    authfetch.WithRetryPolicy(authfetch.DefaultRetryPolicy()))
//
//	if _, err := client.Login(ctx, "user@example.com", "secret", ""); err != nil {
//	    log.Fatal(err)
//	}
//
//	var plans []Plan
//	err := client.GetJSON(ctx, "/plans", &plans)
//	switch authfetch.KindOf(err) {
//	case authfetch.KindAuthentication:
//	    // send the user back to the login page
//	}
//
// # Errors
//
// Every error is one of NetworkError, AuthenticationError, ValidationError or
// ServerError, each reporting its Kind. Statuses other than 401 are never
// handled by the renewal protocol.
package authfetch
