// Package ratelimit throttles callers with a sliding window kept in the
// coordination store, and guards third-party API budgets with a rolling
// quota. Both fail open when the store is unreachable.
package ratelimit

import "time"

// Identity is the key a caller is counted under.
type Identity string

// UserIdentity identifies an authenticated caller.
func UserIdentity(id string) Identity {
	return Identity("user:" + id)
}

// IPIdentity identifies an anonymous caller by address.
func IPIdentity(ip string) Identity {
	return Identity("ip:" + ip)
}

// Class selects the ceiling a request is held to.
type Class string

const (
	ClassPublic        Class = "public"
	ClassAuthenticated Class = "authenticated"
	ClassThirdParty    Class = "third_party"
)

// Limits maps classes to requests allowed per period.
type Limits map[Class]int

// DefaultLimits returns the per-minute ceilings.
func DefaultLimits() Limits {
	return Limits{
		ClassPublic:        60,
		ClassAuthenticated: 300,
		ClassThirdParty:    100,
	}
}

// For returns the ceiling of class, falling back to public for unknown
// classes.
func (l Limits) For(class Class) int {
	if n, ok := l[class]; ok && n > 0 {
		return n
	}
	if n, ok := l[ClassPublic]; ok && n > 0 {
		return n
	}
	return DefaultLimits()[ClassPublic]
}

// Retryable is implemented by errors that carry a retry hint.
type Retryable interface {
	error
	RetryAfter() time.Duration
}
