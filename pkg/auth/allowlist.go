package auth

import (
	"path"
	"strings"
)

// DefaultPublicRoutes are reachable without a credential and skip the gate
// entirely.
var DefaultPublicRoutes = []string{
	"/api/auth/**",
	"/oauth2/**",
	"/login/oauth2/**",
	"/ws/**",
	"/swagger-ui/**",
	"/v3/api-docs/**",
	"/media/**",
	"/healthz",
	"/metrics",
}

// Allowlist matches request paths against route patterns. A pattern ending
// in "/**" matches the prefix itself and everything below it; other
// patterns use path.Match syntax.
type Allowlist struct {
	patterns []string
}

// NewAllowlist compiles patterns. Nil patterns mean DefaultPublicRoutes.
func NewAllowlist(patterns []string) *Allowlist {
	if patterns == nil {
		patterns = DefaultPublicRoutes
	}
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &Allowlist{patterns: cleaned}
}

// Match reports whether urlPath is public.
func (a *Allowlist) Match(urlPath string) bool {
	clean := path.Clean("/" + urlPath)
	for _, p := range a.patterns {
		if MatchRoute(p, clean) {
			return true
		}
	}
	return false
}

// MatchRoute reports whether urlPath matches pattern.
func MatchRoute(pattern, urlPath string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
	}
	ok, err := path.Match(pattern, urlPath)
	return err == nil && ok
}
