// Package account defines the in-memory account record and the ordered
// set that the pool rotates over.
package account

import (
	"fmt"
	"regexp"
	"time"
)

// State is a lifecycle state of an account, as described by the pool's
// state machine.
type State string

const (
	StateAvailable   State = "available"
	StateRateLimited State = "rate_limited"
	StateAuthError   State = "auth_error"
	StateDisabled    State = "disabled"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// ValidName reports whether name is a legal account name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Account is a named bundle of OAuth2 credentials plus the runtime state
// the pool and scheduler maintain for it.
type Account struct {
	Name string

	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // milliseconds since epoch

	State             State
	RateLimitedUntil  time.Time
	LastUsed          time.Time
	LastError         string
	InFlightRefresh   bool
	LastRefreshAttempt time.Time

	// ConsecutiveErrors is an observability counter, never consulted by
	// selection or state-machine logic.
	ConsecutiveErrors int
	CreatedAt         time.Time
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// pool mutex.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// ExpiresIn returns the duration until expiry relative to now. Negative
// if already expired.
func (a *Account) ExpiresIn(now time.Time) time.Duration {
	return time.UnixMilli(a.ExpiresAt).Sub(now)
}

// maskToken returns a diagnostics-safe rendering of a token: first and
// last four characters, with the middle redacted. Tokens must never
// appear verbatim in logs or error messages.
func maskToken(tok string) string {
	if tok == "" {
		return ""
	}
	if len(tok) <= 8 {
		return "****"
	}
	return fmt.Sprintf("%s...%s", tok[:4], tok[len(tok)-4:])
}

// MaskedAccessToken is the diagnostics-safe access token rendering.
func (a *Account) MaskedAccessToken() string { return maskToken(a.AccessToken) }

// MaskedRefreshToken is the diagnostics-safe refresh token rendering.
func (a *Account) MaskedRefreshToken() string { return maskToken(a.RefreshToken) }

// Masked is the combined diagnostic view of an account used by logging
// and status surfaces that want a quick "which account, which state"
// rendering without constructing a full AccountRecord.
type Masked struct {
	Name               string
	State              State
	MaskedAccessToken  string
	MaskedRefreshToken string
}

// Masked returns a's diagnostic view; it never includes a raw token.
func (a *Account) Masked() Masked {
	return Masked{
		Name:               a.Name,
		State:              a.State,
		MaskedAccessToken:  a.MaskedAccessToken(),
		MaskedRefreshToken: a.MaskedRefreshToken(),
	}
}
