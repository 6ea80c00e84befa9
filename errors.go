package authfetch

import (
	"errors"
	"fmt"
)

// Kind tags the closed set of errors an AuthClient surfaces
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuthentication
	KindValidation
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	case KindUnknown:
		return "unknown"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is implemented by every error variant the client returns
type Error interface {
	error
	Kind() Kind
}

// AuthReason says why an authentication failure is terminal
type AuthReason string

const (
	ReasonNoRefreshToken        AuthReason = "no_refresh_token"
	ReasonRenewalFailed         AuthReason = "renewal_failed"
	ReasonRejectedAfterRenewal  AuthReason = "rejected_after_renewal"
	ReasonRenewalAborted        AuthReason = "renewal_aborted"
	ReasonCredentialUnavailable AuthReason = "credential_unavailable"
)

// NetworkError means the transport could not complete the exchange
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
func (e *NetworkError) Kind() Kind    { return KindNetwork }

// AuthenticationError is terminal: the caller must log in again
type AuthenticationError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }
func (e *AuthenticationError) Kind() Kind    { return KindAuthentication }

// ValidationError wraps a 4xx response other than 401
type ValidationError struct {
	StatusCode int
	Body       []byte
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request rejected: HTTP %d%s", e.StatusCode, bodySnippet(e.Body))
}

func (e *ValidationError) Kind() Kind { return KindValidation }

// ServerError wraps a 5xx response
type ServerError struct {
	StatusCode int
	Body       []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: HTTP %d%s", e.StatusCode, bodySnippet(e.Body))
}

func (e *ServerError) Kind() Kind { return KindServer }

// KindOf returns the Kind of the first Error in err's chain
func KindOf(err error) Kind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindUnknown
}

// IsAuthentication reports whether err is a terminal authentication failure
func IsAuthentication(err error) bool { return KindOf(err) == KindAuthentication }

// IsNetwork reports whether err is a transport failure
func IsNetwork(err error) bool { return KindOf(err) == KindNetwork }

// statusError maps a non-success status to its error variant.
// 401 is handled by the refresh protocol and never reaches here.
func statusError(status int, body []byte) error {
	switch {
	case status >= 500:
		return &ServerError{StatusCode: status, Body: body}
	case status >= 400:
		return &ValidationError{StatusCode: status, Body: body}
	}
	return nil
}

func bodySnippet(body []byte) string {
	const max = 200
	if len(body) == 0 {
		return ""
	}
	if len(body) > max {
		return ": " + string(body[:max]) + "..."
	}
	return ": " + string(body)
}
