package refresh

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaymux/acctproxy/internal/account"
	"github.com/relaymux/acctproxy/internal/pool"
)

type fakeRefresher struct {
	mu       sync.Mutex
	calls    int32
	result   Result
	err      error
	released chan struct{} // closed once the in-flight call may return, for concurrency tests
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.released != nil {
		<-f.released
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

func newTestAccount(name string, expiresIn time.Duration) *account.Account {
	return &account.Account{
		Name:         name,
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(expiresIn).UnixMilli(),
		State:        account.StateAvailable,
	}
}

func TestSweepRefreshesAccountNearingExpiry(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a", 30*time.Second)})
	refresher := &fakeRefresher{result: Result{AccessToken: "new-access", ExpiresIn: time.Hour}}
	credsPath := filepath.Join(t.TempDir(), "accounts.json")

	s := New(p, refresher, credsPath, WithRefreshBuffer(10*time.Minute))
	s.sweep(context.Background())

	v := p.View()
	if v.Accounts[0].SecondsUntilExpiry < 3500 {
		t.Fatalf("account was not refreshed: seconds until expiry = %d", v.Accounts[0].SecondsUntilExpiry)
	}
	if refresher.calls != 1 {
		t.Fatalf("calls = %d, want 1", refresher.calls)
	}
}

func TestSweepSkipsAccountNotNearExpiry(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a", time.Hour)})
	refresher := &fakeRefresher{result: Result{AccessToken: "new-access", ExpiresIn: time.Hour}}
	credsPath := filepath.Join(t.TempDir(), "accounts.json")

	s := New(p, refresher, credsPath, WithRefreshBuffer(10*time.Minute))
	s.sweep(context.Background())

	if refresher.calls != 0 {
		t.Fatalf("calls = %d, want 0 (account not within refresh buffer)", refresher.calls)
	}
}

func TestSweepSkipsDisabledAccount(t *testing.T) {
	a := newTestAccount("a", 10*time.Second)
	a.State = account.StateDisabled
	p := pool.New([]*account.Account{a})
	refresher := &fakeRefresher{result: Result{AccessToken: "new-access", ExpiresIn: time.Hour}}
	credsPath := filepath.Join(t.TempDir(), "accounts.json")

	s := New(p, refresher, credsPath)
	s.sweep(context.Background())

	if refresher.calls != 0 {
		t.Fatalf("calls = %d, want 0 (disabled accounts are never refreshed)", refresher.calls)
	}
}

func TestRefreshOneDedupsConcurrentCallsForSameAccount(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a", 10*time.Second)})
	refresher := &fakeRefresher{
		result:   Result{AccessToken: "new-access", ExpiresIn: time.Hour},
		released: make(chan struct{}),
	}
	credsPath := filepath.Join(t.TempDir(), "accounts.json")
	s := New(p, refresher, credsPath)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.refreshOne(context.Background(), "a")
		}()
	}

	// Give every goroutine a chance to reach the singleflight group
	// before releasing the shared fake call.
	time.Sleep(20 * time.Millisecond)
	close(refresher.released)
	wg.Wait()

	if refresher.calls != 1 {
		t.Fatalf("calls = %d, want 1 (singleflight must dedup concurrent refreshes)", refresher.calls)
	}
}

func TestTerminalFailureMovesAccountToAuthError(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a", 10*time.Second)})
	refresher := &fakeRefresher{err: &TerminalError{Detail: "invalid_grant"}}
	credsPath := filepath.Join(t.TempDir(), "accounts.json")

	s := New(p, refresher, credsPath)
	s.doRefresh(context.Background(), "a")

	v := p.View()
	if v.Accounts[0].State != account.StateAuthError {
		t.Fatalf("state = %v, want auth_error", v.Accounts[0].State)
	}
}

func TestNonTerminalFailureLeavesStateAndBacksOff(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a", 10*time.Second)})
	refresher := &fakeRefresher{err: errTransient{}}
	credsPath := filepath.Join(t.TempDir(), "accounts.json")

	s := New(p, refresher, credsPath)
	s.doRefresh(context.Background(), "a")

	v := p.View()
	if v.Accounts[0].State != account.StateAvailable {
		t.Fatalf("state = %v, want available (non-terminal failures don't force a transition)", v.Accounts[0].State)
	}

	if s.eligible(mustFind(p, "a"), time.Now()) {
		t.Error("account should not be eligible again immediately after a non-terminal failure")
	}
}

func TestInFlightRefreshIsNotEligibleForAnotherSweep(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a", 10*time.Second)})
	if _, err := p.TryBeginRefresh("a"); err != nil {
		t.Fatalf("TryBeginRefresh() error = %v", err)
	}

	s := New(p, &fakeRefresher{}, filepath.Join(t.TempDir(), "accounts.json"))
	if s.eligible(mustFind(p, "a"), time.Now()) {
		t.Error("an account already claimed for refresh must not be eligible again")
	}
}

func mustFind(p *pool.Pool, name string) *account.Account {
	for _, a := range p.Snapshot() {
		if a.Name == name {
			return a
		}
	}
	return nil
}

type errTransient struct{}

func (errTransient) Error() string { return "connection reset" }
