package devauth

import (
	"strings"
)

// Scopes understood by the bundled dev token server
const (
	ScopeRead    = "read"
	ScopeWrite   = "write"
	ScopeProfile = "profile"
	ScopeOffline = "offline" // grants a refresh token
)

// DefaultScopes are granted when a login requests none
func DefaultScopes() []string {
	return []string{ScopeRead, ScopeWrite, ScopeProfile, ScopeOffline}
}

// ParseScopes parses a space-separated scope string into a slice without duplicates
func ParseScopes(scopeString string) []string {
	if scopeString == "" {
		return nil
	}
	scopes := strings.Fields(scopeString)
	seen := make(map[string]bool)
	result := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

// JoinScopes joins a slice of scopes into a space-separated string
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IntersectScopes returns the requested scopes that are also allowed, in request order
func IntersectScopes(requested, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}

	result := make([]string, 0, len(requested))
	seen := make(map[string]bool)
	for _, s := range requested {
		if allowedSet[s] && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

// ContainsScope checks if a scope is present in the list
func ContainsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ContainsAllScopes checks if all required scopes are present in the granted scopes
func ContainsAllScopes(granted, required []string) bool {
	grantedSet := make(map[string]bool, len(granted))
	for _, s := range granted {
		grantedSet[s] = true
	}
	for _, s := range required {
		if !grantedSet[s] {
			return false
		}
	}
	return true
}
