// Package refresh implements the proactive token-refresh scheduler
// a periodic sweep that keeps every non-disabled account's access
// token ahead of its expiry, serialized per account and backed off on
// failure.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/relaymux/acctproxy/internal/account"
	"github.com/relaymux/acctproxy/internal/credentials"
	"github.com/relaymux/acctproxy/internal/pool"
)

const (
	defaultSweepInterval = 60 * time.Second
	defaultRefreshBuffer = 600 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// TokenRefresher performs the OAuth2 refresh-token grant against the
// upstream token endpoint. It is the narrow external dependency the
// scheduler needs and nothing more.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (Result, error)
}

// Result is a successful refresh grant response.
type Result struct {
	AccessToken  string
	RefreshToken string // empty if the upstream did not rotate it
	ExpiresIn    time.Duration
}

// TerminalError wraps a refresh failure the scheduler must not retry
// automatically (an expired/revoked refresh token - upstream's
// invalid_grant).
type TerminalError struct {
	Detail string
}

func (e *TerminalError) Error() string { return e.Detail }

// Scheduler runs the periodic sweep plus the pool's wake signal.
type Scheduler struct {
	pool          *pool.Pool
	refresher     TokenRefresher
	credsPath     string
	watcherMarker func(hash string) // set by watcher.ExpectWrite, nil if hot reload is disabled

	sweepInterval  time.Duration
	refreshBuffer  time.Duration
	requestTimeout time.Duration

	group singleflight.Group

	backoffMu sync.Mutex
	backoff   map[string]*accountBackoff
}

type accountBackoff struct {
	nextAttempt time.Time
	delay       time.Duration
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

func WithRefreshBuffer(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.refreshBuffer = d
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithSelfWriteMarker wires the watcher's self-write suppression hook:
// whenever the scheduler persists a refreshed document, it calls this
// with the new content hash so the watcher knows to suppress the event
// its own write triggers.
func WithSelfWriteMarker(f func(hash string)) Option {
	return func(s *Scheduler) { s.watcherMarker = f }
}

// New constructs a Scheduler over p, persisting refreshed documents to
// credsPath.
func New(p *pool.Pool, refresher TokenRefresher, credsPath string, opts ...Option) *Scheduler {
	s := &Scheduler{
		pool:           p,
		refresher:      refresher,
		credsPath:      credsPath,
		sweepInterval:  defaultSweepInterval,
		refreshBuffer:  defaultRefreshBuffer,
		requestTimeout: defaultRequestTimeout,
		backoff:        make(map[string]*accountBackoff),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, performing sweeps every sweepInterval and whenever the
// pool wakes the scheduler, until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.pool.Wake():
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()
	for _, name := range s.pool.PopForceRefreshes() {
		s.refreshOne(ctx, name)
	}

	for _, a := range s.pool.Snapshot() {
		if !s.eligible(a, now) {
			continue
		}
		s.refreshOne(ctx, a.Name)
	}
}

func (s *Scheduler) eligible(a *account.Account, now time.Time) bool {
	if a.State == account.StateDisabled {
		return false
	}
	if a.InFlightRefresh {
		return false
	}
	if !s.backoffElapsed(a.Name, now) {
		return false
	}
	if a.State == account.StateAuthError {
		return true
	}
	return a.ExpiresIn(now) <= s.refreshBuffer
}

func (s *Scheduler) backoffElapsed(name string, now time.Time) bool {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	b, ok := s.backoff[name]
	if !ok {
		return true
	}
	return !now.Before(b.nextAttempt)
}

// refreshOne performs (or joins) a single-flight refresh for name. The
// singleflight group is an additional, call-layer enforcement of the
// pool's in_flight_refresh invariant: it prevents two goroutines inside
// this process from ever making two concurrent HTTP round trips for the
// same account, even if they both observed in_flight_refresh==false in
// the same tick.
func (s *Scheduler) refreshOne(ctx context.Context, name string) {
	_, _, _ = s.group.Do(name, func() (interface{}, error) {
		s.doRefresh(ctx, name)
		return nil, nil
	})
}

func (s *Scheduler) doRefresh(ctx context.Context, name string) {
	claimed, err := s.pool.TryBeginRefresh(name)
	if err != nil || !claimed {
		return
	}
	defer s.pool.EndRefresh(name)

	// attemptID correlates this attempt's log lines without ever
	// touching the token values themselves.
	attemptID := uuid.NewString()

	acct, err := s.pool.AcquireNamed(name)
	if err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	slog.Debug("refresh attempt starting", "account", name, "attempt_id", attemptID)
	result, err := s.refresher.Refresh(reqCtx, acct.RefreshToken)
	if err != nil {
		s.recordFailure(name, attemptID, err)
		return
	}

	s.clearBackoff(name)

	refreshToken := result.RefreshToken
	if refreshToken == "" {
		refreshToken = acct.RefreshToken
	}
	expiresAt := time.Now().Add(result.ExpiresIn).UnixMilli()

	if err := s.pool.CompleteRefresh(name, result.AccessToken, refreshToken, expiresAt); err != nil {
		slog.Error("refresh completed but pool update failed", "account", name, "error", err)
		return
	}

	s.persist()
}

func (s *Scheduler) recordFailure(name, attemptID string, err error) {
	detail := err.Error()
	_, terminal := err.(*TerminalError)

	if err := s.pool.FailRefresh(name, terminal, detail); err != nil {
		slog.Error("recording refresh failure", "account", name, "attempt_id", attemptID, "error", err)
	}

	if terminal {
		slog.Error("refresh token rejected, account moved to auth_error", "account", name, "attempt_id", attemptID)
		s.clearBackoff(name)
		return
	}

	slog.Warn("refresh attempt failed, backing off", "account", name, "attempt_id", attemptID, "error", detail)
	s.bumpBackoff(name)
}

func (s *Scheduler) clearBackoff(name string) {
	s.backoffMu.Lock()
	delete(s.backoff, name)
	s.backoffMu.Unlock()
}

func (s *Scheduler) bumpBackoff(name string) {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()

	b, ok := s.backoff[name]
	if !ok {
		b = &accountBackoff{delay: initialBackoff}
	} else {
		b.delay = nextBackoff(b.delay)
	}
	b.nextAttempt = time.Now().Add(jitter(b.delay))
	s.backoff[name] = b
}

// persist rewrites the credentials document from the pool's current
// account set and, if hot reload is enabled, arms the watcher's
// self-write suppression marker so this write doesn't trigger a
// spurious reload.
func (s *Scheduler) persist() {
	accounts := s.pool.Snapshot()
	raw, err := credentials.Save(s.credsPath, accounts)
	if err != nil {
		slog.Error("persisting refreshed credentials", "error", err)
		return
	}
	if s.watcherMarker != nil {
		s.watcherMarker(credentials.Hash(raw))
	}
}
