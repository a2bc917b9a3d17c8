// Package pool implements the account-rotation core: an in-memory
// registry of accounts plus their runtime state, request-scoped
// selection with failover, and the reload/control surface that the rest
// of the system drives it through. The Pool's mutex guards only
// read-modify-write of in-memory state; it is never held across network
// or disk I/O.
package pool

import (
	"sync"
	"time"

	"github.com/relaymux/acctproxy/internal/account"
)

const defaultMinimumCooldown = 60 * time.Second

// Pool is the authoritative in-memory registry of accounts.
type Pool struct {
	mu  sync.Mutex
	set *account.Set

	cursor     int
	generation int

	clock           Clock
	minimumCooldown time.Duration

	forceRefresh map[string]bool
	wakeCh       chan struct{}
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithClock overrides the pool's clock source, for tests.
func WithClock(c Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithMinimumCooldown overrides the floor applied to a rate-limit
// retry-after hint (default 60s).
func WithMinimumCooldown(d time.Duration) Option {
	return func(p *Pool) { p.minimumCooldown = d }
}

// New constructs a Pool from an initial account list, in document order.
func New(accounts []*account.Account, opts ...Option) *Pool {
	p := &Pool{
		set:             account.NewSet(accounts),
		clock:           SystemClock{},
		minimumCooldown: defaultMinimumCooldown,
		forceRefresh:    make(map[string]bool),
		wakeCh:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generation returns the current reload generation counter.
func (p *Pool) Generation() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Wake returns a channel that receives a best-effort notification
// whenever an account transitions to auth_error or a force-refresh is
// requested. The refresh scheduler selects on it to re-evaluate its
// work list without waiting for the next periodic sweep.
func (p *Pool) Wake() <-chan struct{} { return p.wakeCh }

func (p *Pool) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Acquire scans for a selectable account starting at the rotation
// cursor, advancing and wrapping as needed. A rate-limited account whose
// cooldown has elapsed is lazily promoted to available before being
// considered. It never blocks: it returns the first selectable account,
// or ErrNoAccountAvailable immediately.
func (p *Pool) Acquire() (*account.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.set.Len()
	if n == 0 {
		return nil, &ErrNoAccountAvailable{}
	}

	now := p.clock.Now()
	start := ((p.cursor % n) + n) % n
	var earliestCooldown time.Time

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		a := p.set.At(idx)
		promoteIfCooldownElapsed(a, now)

		if a.State == account.StateAvailable {
			p.cursor = (idx + 1) % n
			return a.Clone(), nil
		}
		if a.State == account.StateRateLimited {
			if earliestCooldown.IsZero() || a.RateLimitedUntil.Before(earliestCooldown) {
				earliestCooldown = a.RateLimitedUntil
			}
		}
	}

	return nil, &ErrNoAccountAvailable{RetryAfterSeconds: secondsUntil(now, earliestCooldown)}
}

// AcquireNamed returns the named account regardless of state except
// disabled. No rotation occurs and the cursor is untouched.
func (p *Pool) AcquireNamed(name string) (*account.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.set.Get(name)
	if a == nil {
		return nil, &ErrNoSuchAccount{Name: name}
	}
	if a.State == account.StateDisabled {
		return nil, &ErrAccountDisabled{Name: name}
	}

	promoteIfCooldownElapsed(a, p.clock.Now())
	return a.Clone(), nil
}

func promoteIfCooldownElapsed(a *account.Account, now time.Time) {
	if a.State == account.StateRateLimited && !a.RateLimitedUntil.After(now) {
		a.State = account.StateAvailable
		a.RateLimitedUntil = time.Time{}
	}
}

func secondsUntil(now, t time.Time) int {
	if t.IsZero() {
		return 0
	}
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	// Round up so the client never polls back before the cooldown has
	// actually elapsed.
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
