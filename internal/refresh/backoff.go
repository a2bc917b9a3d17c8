package refresh

import (
	"math/rand"
	"time"
)

// Exponential backoff with jitter for refresh retries: initial 1s,
// doubling, capped at 5 minutes. A single reusable doubling schedule
// rather than fixed per-status pauses, since a refresh failure carries
// no upstream status code to key the pause length on (only "refresh
// failed, non-terminally, try again").
const (
	initialBackoff = time.Second
	maxBackoff     = 5 * time.Minute
)

func nextBackoff(current time.Duration) time.Duration {
	d := current * 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// jitter returns d plus up to 20% random jitter, so that many accounts
// backing off after a simultaneous upstream outage don't all retry in
// the same instant.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := d / 5
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(spread)))
}
