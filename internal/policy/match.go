package policy

import (
	"path"
	"strings"
)

// matchPath matches reqPath against a route pattern.
// Supported globs:
//   - "/api/v1/companies/*"  matches exactly one additional segment
//   - "/api/v1/upstream/**"  matches the prefix and any number of segments
//     below it, including zero
//
// Everything else follows path.Match syntax.
func matchPath(pattern, reqPath string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		n := strings.Count(prefix, "/")
		parts := strings.Split(reqPath, "/")
		if len(parts) < n+1 {
			return false
		}
		pattern = prefix
		reqPath = strings.Join(parts[:n+1], "/")
	}

	matched, err := path.Match(pattern, reqPath)
	if err != nil {
		return false
	}
	return matched
}

// isCleanPath reports whether p is already in canonical form. Requests
// whose path is not canonical never match a rule.
func isCleanPath(p string) bool {
	return strings.HasPrefix(p, "/") && path.Clean(p) == p
}

// shadows reports whether every path matched by later is also matched by
// earlier, which would make later unreachable under first-match-wins.
func shadows(earlier, later string) bool {
	if prefix, ok := strings.CutSuffix(later, "/**"); ok {
		if !strings.HasSuffix(earlier, "/**") {
			return false
		}
		return matchPath(earlier, prefix)
	}
	return matchPath(earlier, later)
}
