package pool

import (
	"time"

	"github.com/relaymux/acctproxy/internal/account"
)

// Outcome is the result an account's upstream attempt produced, as
// reported by the dispatcher.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeAuthError
	OutcomeTransientNetworkError
)

// ReportOptions carries the outcome-specific detail.
type ReportOptions struct {
	// RetryAfter is the upstream's hinted cooldown for OutcomeRateLimited.
	// Zero means the upstream gave no hint; the pool's minimum cooldown
	// applies either way.
	RetryAfter time.Duration
	// Detail is a free-form (token-free) description for OutcomeAuthError.
	Detail string
}

const maxCooldown = 24 * time.Hour

// Report applies the outcome of one upstream attempt to the named
// account. If the account was removed by a concurrent reload, the
// report is silently discarded, matching the lifecycle rule that an
// in-flight operation's result does not re-insert a removed account.
func (p *Pool) Report(name string, outcome Outcome, opts ReportOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.set.Get(name)
	if a == nil {
		return nil
	}

	now := p.clock.Now()

	switch outcome {
	case OutcomeOK:
		a.LastUsed = now
		a.ConsecutiveErrors = 0

	case OutcomeRateLimited:
		cooldown := opts.RetryAfter
		if cooldown < p.minimumCooldown {
			cooldown = p.minimumCooldown
		}
		if cooldown > maxCooldown {
			cooldown = maxCooldown
		}
		a.State = account.StateRateLimited
		a.RateLimitedUntil = now.Add(cooldown)
		a.ConsecutiveErrors++

	case OutcomeAuthError:
		a.State = account.StateAuthError
		a.LastError = opts.Detail
		a.ConsecutiveErrors++
		p.wake()

	case OutcomeTransientNetworkError:
		a.ConsecutiveErrors++
	}

	return nil
}
