package pool

import "fmt"

// ErrNoAccountAvailable is returned by Acquire when no account in the
// pool is currently selectable.
type ErrNoAccountAvailable struct {
	// RetryAfterSeconds is the time in seconds (rounded up) until the
	// soonest cooldown expiry among rate-limited accounts, zero if the
	// pool holds no rate-limited accounts at all
	// (e.g. it is empty, or every account is disabled/auth_error).
	RetryAfterSeconds int
}

func (e *ErrNoAccountAvailable) Error() string {
	return fmt.Sprintf("no account available (retry after %ds)", e.RetryAfterSeconds)
}

// ErrNoSuchAccount is returned by AcquireNamed when name is unknown, or
// by Enable/Disable/RequestForceRefresh for an unknown account.
type ErrNoSuchAccount struct {
	Name string
}

func (e *ErrNoSuchAccount) Error() string {
	return fmt.Sprintf("no such account: %s", e.Name)
}

// ErrAccountDisabled is returned by AcquireNamed when the named account
// is disabled.
type ErrAccountDisabled struct {
	Name string
}

func (e *ErrAccountDisabled) Error() string {
	return fmt.Sprintf("account disabled: %s", e.Name)
}
