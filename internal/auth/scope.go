package auth

import (
	"fmt"
	"strings"
)

// ParseScope splits a "resource:action" scope.
func ParseScope(scope string) (resource, action string, err error) {
	resource, action, ok := strings.Cut(scope, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") ||
		strings.ContainsAny(scope, " \t\n") {
		return "", "", fmt.Errorf("%w: scope %q must have the form resource:action", ErrInvalidArgument, scope)
	}
	return resource, action, nil
}

// NormalizeScopes validates scopes and removes duplicates, keeping first
// occurrence order. An empty result is an error.
func NormalizeScopes(scopes []string) ([]string, error) {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, raw := range scopes {
		sc := strings.TrimSpace(raw)
		if _, _, err := ParseScope(sc); err != nil {
			return nil, err
		}
		if _, dup := seen[sc]; dup {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidArgument)
	}
	return out, nil
}
