package pipeline

import (
	"crypto/subtle"
	"regexp"
	"strings"
	"sync"
)

// AccessGuard enforces the origin allow-list and the shared bearer secret.
type AccessGuard struct {
	mu                 sync.RWMutex
	origins            map[string]bool
	allowMissingOrigin bool
	secret             []byte
}

// NewAccessGuard creates a guard. An empty secret rejects every caller.
func NewAccessGuard(origins []string, allowMissingOrigin bool, secret string) *AccessGuard {
	g := &AccessGuard{
		allowMissingOrigin: allowMissingOrigin,
		secret:             []byte(secret),
	}
	g.SetOrigins(origins)
	return g
}

// SetOrigins replaces the allow-list.
func (g *AccessGuard) SetOrigins(origins []string) {
	set := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o = normalizeOrigin(o); o != "" {
			set[o] = true
		}
	}

	g.mu.Lock()
	g.origins = set
	g.mu.Unlock()
}

// OriginAllowed reports whether origin may call the relay. The empty origin
// covers same-origin and non-browser callers.
func (g *AccessGuard) OriginAllowed(origin string) bool {
	if origin == "" {
		return g.allowMissingOrigin
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.origins[normalizeOrigin(origin)]
}

// TokenValid compares the Authorization header against the secret in
// constant time.
func (g *AccessGuard) TokenValid(authorization string) bool {
	if len(g.secret) == 0 {
		return false
	}
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), g.secret) == 1
}

// Authorize runs the origin check, then the token check.
func (g *AccessGuard) Authorize(origin, authorization string) error {
	if !g.OriginAllowed(origin) {
		return newError(KindOrigin, ErrOriginNotAllowed)
	}
	if !g.TokenValid(authorization) {
		return newError(KindAuth, ErrUnauthorized)
	}
	return nil
}

// SecretConfigured reports whether a shared secret is set.
func (g *AccessGuard) SecretConfigured() bool {
	return len(g.secret) > 0
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

// OutputGuard masks credential-looking text before a reply leaves the relay.
type OutputGuard struct {
	outputFilters []*regexp.Regexp
}

// NewOutputGuard creates a guard with the default filters.
func NewOutputGuard() *OutputGuard {
	return &OutputGuard{
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret\s*[:=]\s*\S+`),
			regexp.MustCompile(`\bsk-(?:or-v1-)?[A-Za-z0-9_-]{16,}`),
		},
	}
}

// Sanitize replaces every filter match with [REDACTED].
func (g *OutputGuard) Sanitize(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}
