package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoScopes is returned when a scope request names no scopes.
	ErrNoScopes = errors.New("no scopes requested")
	// ErrScopeNotAllowed is returned, wrapped with the scope, when a requested
	// scope is not in the client's allowed set.
	ErrScopeNotAllowed = errors.New("scope not allowed")
)

// ValidateScopes checks a comma separated scope request against the scopes a
// client may use. Tokens are trimmed and empty ones dropped. Every remaining
// scope must be allowed, there are no partial grants. The distinct scopes are
// returned in request order.
func ValidateScopes(requested string, allowed []string) ([]string, error) {
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[strings.TrimSpace(a)] = true
	}

	var (
		scopes []string
		seen   = map[string]bool{}
	)
	for _, s := range strings.Split(requested, ",") {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		if !allowedSet[s] {
			return nil, fmt.Errorf("%w: %q", ErrScopeNotAllowed, s)
		}
		seen[s] = true
		scopes = append(scopes, s)
	}

	if len(scopes) == 0 {
		return nil, ErrNoScopes
	}
	return scopes, nil
}
