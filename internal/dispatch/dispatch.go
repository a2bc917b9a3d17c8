// Package dispatch implements the per-request account acquisition,
// upstream call, response classification, and failover loop.
package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relaymux/acctproxy/internal/account"
	"github.com/relaymux/acctproxy/internal/pool"
)

const (
	defaultMaxAttempts  = 3
	defaultTotalTimeout = 120 * time.Second
	defaultIdleTimeout  = 30 * time.Second
)

// UpstreamRequest is the outbound call the dispatcher hands to an
// UpstreamCaller, already stripped of hop-by-hop and authentication
// headers. The caller stamps the account's bearer token itself.
type UpstreamRequest struct {
	Method    string
	URL       string
	Header    http.Header
	Body      io.Reader
	Streaming bool
}

// UpstreamResponse is what an UpstreamCaller returns. Body is always
// non-nil. The dispatcher closes it for failed attempts and streamed
// responses; a response Dispatch returns unstreamed is closed by
// Dispatch's caller.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// cancelReadCloser defers a per-attempt context's cancellation until the
// wrapped body is closed, so callCtx stays alive for exactly as long as
// whoever holds the response needs to read its body -- not just until the
// function that created callCtx returns.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func cancelOnClose(rc io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}
}

// UpstreamCaller is the narrow interface the dispatcher depends on to
// actually reach the upstream API. It is the "opaque to the core"
// dependency: everything about dialect translation lives on the other
// side of this interface.
type UpstreamCaller interface {
	Call(ctx context.Context, acct *account.Account, req *UpstreamRequest) (*UpstreamResponse, error)
}

// Dispatcher runs the acquisition/classification/failover loop against
// a pool.Pool.
type Dispatcher struct {
	pool        *pool.Pool
	caller      UpstreamCaller
	maxAttempts int
	totalTimeout time.Duration
	idleTimeout  time.Duration
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithTotalTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.totalTimeout = t
		}
	}
}

func WithIdleTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.idleTimeout = t
		}
	}
}

// New constructs a Dispatcher over p, calling out through caller.
func New(p *pool.Pool, caller UpstreamCaller, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:         p,
		caller:       caller,
		maxAttempts:  defaultMaxAttempts,
		totalTimeout: defaultTotalTimeout,
		idleTimeout:  defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one client request through acquisition, the upstream
// call, and (in automatic mode) classification-driven failover. When
// preferredName is non-empty the request uses manual selection: no
// rotation, no automatic retry.
func (d *Dispatcher) Dispatch(ctx context.Context, w io.Writer, writeHeader func(status int, header http.Header), flush func(), req *UpstreamRequest, preferredName string) (*UpstreamResponse, error) {
	if preferredName != "" {
		return d.dispatchManual(ctx, w, writeHeader, flush, req, preferredName)
	}
	return d.dispatchAutomatic(ctx, w, writeHeader, flush, req)
}

func (d *Dispatcher) dispatchManual(ctx context.Context, w io.Writer, writeHeader func(int, http.Header), flush func(), req *UpstreamRequest, name string) (*UpstreamResponse, error) {
	acct, err := d.pool.AcquireNamed(name)
	if err != nil {
		return nil, translateAcquireErr(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.totalTimeout)

	resp, err := d.caller.Call(callCtx, acct, req)
	if err != nil {
		cancel()
		d.pool.Report(acct.Name, pool.OutcomeTransientNetworkError, pool.ReportOptions{})
		return nil, &Error{Kind: KindUpstreamTransient, Message: "upstream call failed"}
	}

	// Manual selection never retries or excludes. The outcome is still
	// reported exactly as in automatic mode (a 429 or 401/403 moves the
	// account to rate_limited or auth_error), so the status surface and
	// the refresh scheduler's wake signal stay accurate.
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.pool.Report(acct.Name, pool.OutcomeOK, pool.ReportOptions{})
	case resp.StatusCode == http.StatusTooManyRequests:
		d.pool.Report(acct.Name, pool.OutcomeRateLimited, pool.ReportOptions{RetryAfter: parseRetryAfter(resp.Header)})
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		d.pool.Report(acct.Name, pool.OutcomeAuthError, pool.ReportOptions{Detail: fmt.Sprintf("upstream %d", resp.StatusCode)})
	case resp.StatusCode >= 500:
		d.pool.Report(acct.Name, pool.OutcomeTransientNetworkError, pool.ReportOptions{})
	}

	if req.Streaming && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		writeHeader(resp.StatusCode, resp.Header)
		d.relayStream(callCtx, w, flush, resp)
		cancel()
		return resp, nil
	}
	resp.Body = cancelOnClose(resp.Body, cancel)
	return resp, nil
}

func (d *Dispatcher) dispatchAutomatic(ctx context.Context, w io.Writer, writeHeader func(int, http.Header), flush func(), req *UpstreamRequest) (*UpstreamResponse, error) {
	var (
		excluded        []string
		lastStatus      int
		lastRetryAfter  int
		attemptedAny    bool
	)

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindUpstreamTransient, Message: "client disconnected"}
		}

		acct, err := d.pool.Acquire()
		if err != nil {
			if !attemptedAny {
				return nil, translateAcquireErr(err)
			}
			break
		}
		if contains(excluded, acct.Name) {
			// The pool returned an account we've already tried this
			// dispatch (no untried account is selectable any more);
			// treat as exhausted rather than loop forever.
			break
		}
		attemptedAny = true

		callCtx, cancel := context.WithTimeout(ctx, d.totalTimeout)
		resp, err := d.caller.Call(callCtx, acct, req)
		if err != nil {
			cancel()
			d.pool.Report(acct.Name, pool.OutcomeTransientNetworkError, pool.ReportOptions{})
			excluded = append(excluded, acct.Name)
			lastStatus = http.StatusBadGateway
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			d.pool.Report(acct.Name, pool.OutcomeOK, pool.ReportOptions{})
			if req.Streaming {
				writeHeader(resp.StatusCode, resp.Header)
				d.relayStream(callCtx, w, flush, resp)
				cancel()
				return resp, nil
			}
			resp.Body = cancelOnClose(resp.Body, cancel)
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header)
			d.pool.Report(acct.Name, pool.OutcomeRateLimited, pool.ReportOptions{RetryAfter: retryAfter})
			resp.Body.Close()
			cancel()
			excluded = append(excluded, acct.Name)
			lastStatus = resp.StatusCode
			lastRetryAfter = int(retryAfter / time.Second)
			continue

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			d.pool.Report(acct.Name, pool.OutcomeAuthError, pool.ReportOptions{Detail: fmt.Sprintf("upstream %d", resp.StatusCode)})
			resp.Body.Close()
			cancel()
			excluded = append(excluded, acct.Name)
			lastStatus = resp.StatusCode
			continue

		case resp.StatusCode >= 500:
			d.pool.Report(acct.Name, pool.OutcomeTransientNetworkError, pool.ReportOptions{})
			resp.Body.Close()
			cancel()
			excluded = append(excluded, acct.Name)
			lastStatus = resp.StatusCode
			continue

		default:
			// Other 4xx: not an account failure, pass through unchanged.
			resp.Body = cancelOnClose(resp.Body, cancel)
			return resp, nil
		}
	}

	if !attemptedAny {
		return nil, &Error{Kind: KindNoAccountAvailable, Message: "no account available"}
	}

	switch {
	case lastStatus == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindUpstreamRateLimited, Message: "all accounts rate limited", RetryAfter: lastRetryAfter}
	case lastStatus == http.StatusUnauthorized || lastStatus == http.StatusForbidden:
		return nil, &Error{Kind: KindUpstreamAuthError, Message: "all accounts failed authentication"}
	default:
		return nil, &Error{Kind: KindUpstreamTransient, Message: "upstream unavailable"}
	}
}

// relayStream copies the upstream response body to w unmodified,
// flushing after each chunk so Server-Sent Events reach the client
// promptly. A mid-stream error is surfaced by simply stopping: per
// only the initial status participates in failover.
func (d *Dispatcher) relayStream(ctx context.Context, w io.Writer, flush func(), resp *UpstreamResponse) {
	defer resp.Body.Close()

	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	type readResult struct {
		chunk []byte
		err   error
	}
	resultCh := make(chan readResult, 1)

	for {
		go func() {
			buf := make([]byte, 32*1024)
			n, err := reader.Read(buf)
			resultCh <- readResult{chunk: buf[:n], err: err}
		}()

		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			slog.Warn("stream idle timeout", "timeout", d.idleTimeout)
			return
		case res := <-resultCh:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idleTimeout)

			if len(res.chunk) > 0 {
				if _, werr := w.Write(res.chunk); werr != nil {
					return
				}
				if flush != nil {
					flush()
				}
			}
			if res.err != nil {
				return
			}
		}
	}
}

func translateAcquireErr(err error) error {
	switch e := err.(type) {
	case *pool.ErrNoAccountAvailable:
		return &Error{Kind: KindNoAccountAvailable, Message: "no account available", RetryAfter: e.RetryAfterSeconds}
	case *pool.ErrNoSuchAccount:
		return &Error{Kind: KindNoSuchAccount, Message: fmt.Sprintf("no such account %q", e.Name)}
	case *pool.ErrAccountDisabled:
		return &Error{Kind: KindNoSuchAccount, Message: fmt.Sprintf("account %q is disabled", e.Name)}
	default:
		return &Error{Kind: KindUpstreamTransient, Message: err.Error()}
	}
}

// parseRetryAfter reads the Retry-After header as either an integer
// seconds count or an HTTP-date, returning 0 (let the pool apply its
// minimum cooldown) if absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		v = h.Get("retry-after")
	}
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
