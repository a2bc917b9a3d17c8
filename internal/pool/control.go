package pool

import (
	"time"

	"github.com/relaymux/acctproxy/internal/account"
)

// Enable transitions an account to available: disabled, rate_limited,
// and auth_error all clear to available and lose their cooldown/error
// detail. Already-available accounts are left untouched (idempotent).
func (p *Pool) Enable(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.set.Get(name)
	if a == nil {
		return &ErrNoSuchAccount{Name: name}
	}
	if a.State == account.StateAvailable {
		return nil
	}
	a.State = account.StateAvailable
	a.RateLimitedUntil = time.Time{}
	a.LastError = ""
	return nil
}

// Disable transitions an account to disabled from any state.
func (p *Pool) Disable(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.set.Get(name)
	if a == nil {
		return &ErrNoSuchAccount{Name: name}
	}
	a.State = account.StateDisabled
	return nil
}

// RequestForceRefresh marks name for immediate refresh, bypassing the
// scheduler's refresh_buffer lead time on its next sweep (still subject
// to single-flight). It also wakes the scheduler so it doesn't have to
// wait for the next periodic tick.
func (p *Pool) RequestForceRefresh(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.set.Get(name) == nil {
		return &ErrNoSuchAccount{Name: name}
	}
	p.forceRefresh[name] = true
	p.wake()
	return nil
}

// PopForceRefreshes drains and returns the set of account names queued
// via RequestForceRefresh since the last call.
func (p *Pool) PopForceRefreshes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.forceRefresh) == 0 {
		return nil
	}
	out := make([]string, 0, len(p.forceRefresh))
	for name := range p.forceRefresh {
		out = append(out, name)
	}
	p.forceRefresh = make(map[string]bool)
	return out
}
