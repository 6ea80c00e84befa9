package authfetch

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindUnknown},
		{name: "plain", err: errors.New("boom"), want: KindUnknown},
		{name: "network", err: &NetworkError{Method: "GET", URL: "http://x", Err: errors.New("refused")}, want: KindNetwork},
		{name: "authentication", err: &AuthenticationError{Reason: ReasonNoRefreshToken}, want: KindAuthentication},
		{name: "validation", err: &ValidationError{StatusCode: 422}, want: KindValidation},
		{name: "server", err: &ServerError{StatusCode: 503}, want: KindServer},
		{name: "wrapped", err: fmt.Errorf("loading plans: %w", &ServerError{StatusCode: 500}), want: KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	if err := statusError(200, nil); err != nil {
		t.Errorf("statusError(200) = %v", err)
	}
	if err := statusError(302, nil); err != nil {
		t.Errorf("statusError(302) = %v", err)
	}
	if KindOf(statusError(404, nil)) != KindValidation {
		t.Error("404 should be a validation error")
	}
	if KindOf(statusError(500, nil)) != KindServer {
		t.Error("500 should be a server error")
	}
}

func TestErrorMessages(t *testing.T) {
	long := strings.Repeat("x", 500)
	msg := (&ServerError{StatusCode: 500, Body: []byte(long)}).Error()
	if !strings.HasSuffix(msg, "...") || len(msg) > 260 {
		t.Errorf("long body not truncated: %d chars", len(msg))
	}

	authErr := &AuthenticationError{Reason: ReasonRenewalFailed, Err: errors.New("invalid_grant")}
	if !strings.Contains(authErr.Error(), "renewal_failed") || !strings.Contains(authErr.Error(), "invalid_grant") {
		t.Errorf("Error() = %q", authErr.Error())
	}
	if KindAuthentication.String() != "authentication" || Kind(42).String() != "kind(42)" {
		t.Error("unexpected Kind strings")
	}
}
