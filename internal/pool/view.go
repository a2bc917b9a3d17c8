package pool

import (
	"time"

	"github.com/relaymux/acctproxy/internal/account"
)

// Counts is the per-state tally in a View.
type Counts struct {
	Total       int
	Available   int
	RateLimited int
	AuthError   int
	Disabled    int
}

// AccountRecord is the read-only per-account projection in a View.
type AccountRecord struct {
	Name                string
	State               account.State
	ExpiresAt           int64
	SecondsUntilExpiry  int64
	CooldownUntil       time.Time
	LastUsed            time.Time
	LastError           string
	InFlightRefresh     bool
	ConsecutiveErrors   int
}

// View is a point-in-time, read-only snapshot of the pool for the
// status surface.
type View struct {
	Counts   Counts
	NextName string
	Accounts []AccountRecord
}

// View returns a snapshot of pool state. It does not advance the
// rotation cursor; "NextName" mirrors what Acquire would currently
// return without mutating anything other than lazily promoting expired
// rate-limit cooldowns (a pure observation, since the account really is
// available again).
func (p *Pool) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	n := p.set.Len()

	var v View
	v.Accounts = make([]AccountRecord, 0, n)

	for i := 0; i < n; i++ {
		a := p.set.At(i)
		promoteIfCooldownElapsed(a, now)

		switch a.State {
		case account.StateAvailable:
			v.Counts.Available++
		case account.StateRateLimited:
			v.Counts.RateLimited++
		case account.StateAuthError:
			v.Counts.AuthError++
		case account.StateDisabled:
			v.Counts.Disabled++
		}

		v.Accounts = append(v.Accounts, AccountRecord{
			Name:               a.Name,
			State:              a.State,
			ExpiresAt:          a.ExpiresAt,
			SecondsUntilExpiry: int64(a.ExpiresIn(now) / time.Second),
			CooldownUntil:      a.RateLimitedUntil,
			LastUsed:           a.LastUsed,
			LastError:          a.LastError,
			InFlightRefresh:    a.InFlightRefresh,
			ConsecutiveErrors:  a.ConsecutiveErrors,
		})
	}
	v.Counts.Total = n

	if n > 0 {
		start := ((p.cursor % n) + n) % n
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			if p.set.At(idx).State == account.StateAvailable {
				v.NextName = p.set.At(idx).Name
				break
			}
		}
	}

	return v
}

// Snapshot returns a defensive copy of every account, for callers (the
// refresh scheduler) that need to scan eligibility without holding the
// pool mutex across their own work.
func (p *Pool) Snapshot() []*account.Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := p.set.All()
	out := make([]*account.Account, len(all))
	for i, a := range all {
		out[i] = a.Clone()
	}
	return out
}
