package pool

import "github.com/relaymux/acctproxy/internal/account"

// ReloadResult summarizes the effect of an ApplyReload call.
type ReloadResult struct {
	Added      []string
	Removed    []string
	Generation int
}

// ApplyReload diffs the current account set against incoming by name.
// New names are inserted as available, appended in the order they
// appear in the incoming set. Removed names are dropped; any in-flight
// refresh or request for them is allowed to complete but its outcome is
// discarded (enforced by Report/CompleteRefresh/FailRefresh no-op'ing on
// an unknown name). Names present in both sets keep their runtime state
// (current state, cooldown, last error, in-flight flag) but have their
// tokens and expiry overwritten when the incoming document differs —
// this is what lets the refresh scheduler's own writes round-trip
// through the watcher without resetting an account's cooldown.
//
// The rotation cursor is preserved by name: it continues to point at
// whatever account it pointed to before the reload, wherever that
// account now sits in the new order. If that account was removed, the
// cursor resets to zero.
func (p *Pool) ApplyReload(incoming *account.Set) ReloadResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var cursorName string
	if n := p.set.Len(); n > 0 {
		cursorName = p.set.NameAt(((p.cursor % n) + n) % n)
	}

	oldNames := p.set.Names()
	consumed := make(map[string]bool, len(oldNames))

	var result ReloadResult
	merged := make([]*account.Account, 0, incoming.Len())

	for _, name := range oldNames {
		inc := incoming.Get(name)
		if inc == nil {
			result.Removed = append(result.Removed, name)
			continue
		}
		consumed[name] = true

		existing := p.set.Get(name)
		if existing.AccessToken != inc.AccessToken ||
			existing.RefreshToken != inc.RefreshToken ||
			existing.ExpiresAt != inc.ExpiresAt {
			existing.AccessToken = inc.AccessToken
			existing.RefreshToken = inc.RefreshToken
			existing.ExpiresAt = inc.ExpiresAt
		}
		merged = append(merged, existing)
	}

	for _, name := range incoming.Names() {
		if consumed[name] {
			continue
		}
		result.Added = append(result.Added, name)
		merged = append(merged, incoming.Get(name))
	}

	p.set = account.NewSet(merged)

	n := p.set.Len()
	switch {
	case n == 0:
		p.cursor = 0
	case cursorName != "":
		if idx := p.set.IndexOf(cursorName); idx >= 0 {
			p.cursor = idx
		} else {
			p.cursor = 0
		}
	default:
		p.cursor = 0
	}

	p.generation++
	result.Generation = p.generation
	return result
}
