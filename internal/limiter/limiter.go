// Package limiter defines interfaces and implementations for sliding-window
// rate limiting across the verification, per-link, and global scopes.
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"time"
)

// Scope selects an independent counter family with its own window and ceiling.
type Scope string

const (
	// ScopeVerify counts one-time-code attempts per client network identity.
	// Generous window, moderate ceiling: defends against distributed brute force.
	ScopeVerify Scope = "otp"
	// ScopeLink counts accesses per link token prefix. Short window, higher
	// ceiling: defends against scraping a single link.
	ScopeLink Scope = "link"
	// ScopeGlobal counts all requests per client network identity. Short
	// window, high ceiling: defends against generic flooding.
	ScopeGlobal Scope = "global"
)

// Result reports the outcome of a limit check.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
}

// Limiter controls request budgets per scope and identity.
type Limiter interface {
	// Allow increments the counter for {scope}:{identity} and reports whether
	// the request fits the window budget.
	Allow(ctx context.Context, scope Scope, identity string) (Result, error)
}

// HashIP returns a stable hash for a client address to avoid storing raw
// addresses. A host:port address is reduced to the host first: the ephemeral
// port changes per connection and must not split one client across buckets.
func HashIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	h := sha256.Sum256([]byte(addr))
	return string(h[:16])
}

// TokenPrefix truncates an access token to the prefix used as a limiter
// identity, so counters never hold full capability tokens.
func TokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
