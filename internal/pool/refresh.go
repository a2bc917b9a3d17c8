package pool

import "github.com/relaymux/acctproxy/internal/account"

// TryBeginRefresh attempts to claim the named account's refresh slot.
// It returns true if the claim succeeded (the caller must call EndRefresh
// when done); false if a refresh is already in flight for this account,
// which the caller must treat as "someone else is handling it" rather
// than as an error. This enforces the per-account single-flight
// guarantee: global concurrent refreshes are fine, but never two for
// the same account.
func (p *Pool) TryBeginRefresh(name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.set.Get(name)
	if a == nil {
		return false, &ErrNoSuchAccount{Name: name}
	}
	if a.InFlightRefresh {
		return false, nil
	}
	a.InFlightRefresh = true
	return true, nil
}

// EndRefresh releases a refresh slot claimed by TryBeginRefresh. It is
// safe to call even if the account was removed by a concurrent reload.
func (p *Pool) EndRefresh(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a := p.set.Get(name); a != nil {
		a.InFlightRefresh = false
	}
}

// CompleteRefresh records a successful token refresh: the new access and
// refresh tokens and expiry replace the account's current ones, its
// consecutive-error counter resets, and any auth_error state clears back
// to available (a stale credential that started working again). It does
// NOT release the refresh slot; callers call EndRefresh themselves so
// that the slot stays held for the duration of any follow-up persistence
// write.
func (p *Pool) CompleteRefresh(name, accessToken, refreshToken string, expiresAt int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.set.Get(name)
	if a == nil {
		return nil
	}
	a.AccessToken = accessToken
	a.RefreshToken = refreshToken
	a.ExpiresAt = expiresAt
	a.ConsecutiveErrors = 0
	a.LastError = ""
	if a.State == account.StateAuthError {
		a.State = account.StateAvailable
	}
	return nil
}

// FailRefresh records a failed token refresh. A terminal failure (the
// upstream rejected the refresh token itself with invalid_grant) moves
// the account to auth_error, matching the
// state machine's "refresh attempt fails with a terminal error"
// transition. A non-terminal failure (network error, 5xx from
// the token endpoint) leaves the account's state untouched so the
// scheduler's backoff-and-retry can proceed without forcing the account
// out of rotation.
func (p *Pool) FailRefresh(name string, terminal bool, detail string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.set.Get(name)
	if a == nil {
		return nil
	}
	a.LastError = detail
	a.ConsecutiveErrors++
	if terminal {
		a.State = account.StateAuthError
		p.wake()
	}
	return nil
}
