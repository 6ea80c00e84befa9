// Package devauth is a small development token server: password and
// refresh_token grants, rotating refresh tokens with reuse detection, and HS256
// JWT access tokens. It backs the integration tests and cmd/devauth.
//
//	srv := &devauth.Server{JWTSecretKey: "dev-secret"}
//	srv.EnsureReasonableDefaults()
//	srv.Users.Add("alice@example.com", "password")
//	http.ListenAndServe(":8081", srv.Handler())
package devauth
