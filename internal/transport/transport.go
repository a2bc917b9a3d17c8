// Package transport manages pooled HTTP transports to the upstream API,
// with an idle-entry reaper so long-lived processes don't accumulate
// stale connections across many accounts.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

const (
	defaultIdleTimeout     = 5 * time.Minute
	defaultCleanupInterval = 1 * time.Minute
	defaultMaxIdlePerHost  = 8
)

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

// Manager hands out a shared, HTTP/2-capable client for upstream calls.
// Every account shares the same target host in this design (unlike the
// per-proxy transport keying this is adapted from), so the pool keys
// are fixed rather than per-account; it is kept as a pool (rather than
// a single package-level client) to preserve the idle-reaping
// lifecycle. One request timeout applies to every target's client.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration
	idleTimeout    time.Duration
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.requestTimeout = d
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// NewManager constructs a transport Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries:        make(map[string]*poolEntry),
		requestTimeout: 120 * time.Second,
		idleTimeout:    defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Client returns an http.Client for the given target host, creating and
// pooling its transport on first use.
func (m *Manager) Client(target string) *http.Client {
	return &http.Client{
		Transport: m.getRoundTripper(target),
		Timeout:   m.requestTimeout,
	}
}

func (m *Manager) getRoundTripper(target string) http.RoundTripper {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[target]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := buildRoundTripper()
	m.entries[target] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

// RunCleanup periodically closes idle transports. Blocks until ctx is
// canceled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

// Close closes all pooled transports.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

func buildRoundTripper() http.RoundTripper {
	t := &http.Transport{
		MaxIdleConnsPerHost: defaultMaxIdlePerHost,
		IdleConnTimeout:     defaultIdleTimeout,
	}
	// Explicit HTTP/2 configuration rather than relying on the default
	// client's opportunistic upgrade, so streaming reads get h2's
	// multiplexing instead of a dedicated TCP connection per stream.
	if err := http2.ConfigureTransport(t); err != nil {
		return t
	}
	return t
}
