package dispatch

import "net/http"

// Kind classifies why a dispatch failed, independent of how that
// failure is rendered to an HTTP client.
type Kind int

const (
	KindNoAccountAvailable Kind = iota
	KindNoSuchAccount
	KindUpstreamRateLimited
	KindUpstreamAuthError
	KindUpstreamTransient
	KindUpstreamClient
)

// Error is the redacted, client-facing failure of a Dispatch call. It
// never carries a raw token, only account names (user-chosen
// identifiers, not secrets).
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; zero if not applicable
}

func (e *Error) Error() string { return e.Message }

// StatusFor maps a Kind to the HTTP status returned to the client. Kept
// as a pure function, independent of the dispatch loop, so the mapping
// itself is testable in isolation.
func StatusFor(k Kind) int {
	switch k {
	case KindNoAccountAvailable:
		return http.StatusServiceUnavailable
	case KindNoSuchAccount:
		return http.StatusBadRequest
	case KindUpstreamRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamAuthError:
		return http.StatusBadGateway
	case KindUpstreamTransient:
		return http.StatusBadGateway
	case KindUpstreamClient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
