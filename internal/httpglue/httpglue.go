// Package httpglue exposes the dispatcher and the pool's status/control
// surface over HTTP. It translates wire requests into dispatch calls and
// dispatch errors back into JSON, but holds no rotation or refresh logic
// of its own.
package httpglue

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/relaymux/acctproxy/internal/dispatch"
	"github.com/relaymux/acctproxy/internal/pool"
)

// hopByHopHeaders are stripped from both directions, matching the
// standard reverse-proxy header hygiene list.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding",
	"Upgrade", "Te", "Trailer", "Proxy-Authenticate", "Proxy-Authorization",
}

// Handler wires the HTTP surface to a Dispatcher and a Pool.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	pool       *pool.Pool
	upstream   func(*http.Request) string
	mux        *http.ServeMux
}

// New builds the HTTP surface. upstreamURL resolves the outbound target
// URL for a given inbound request (path plus query preserved).
func New(d *dispatch.Dispatcher, p *pool.Pool, upstreamURL func(*http.Request) string) *Handler {
	h := &Handler{dispatcher: d, pool: p, upstream: upstreamURL}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", h.handleDispatch)
	mux.HandleFunc("/control/status", h.handleStatus)
	mux.HandleFunc("/control/enable", h.handleEnable)
	mux.HandleFunc("/control/disable", h.handleDisable)
	mux.HandleFunc("/control/force-refresh", h.handleForceRefresh)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return
	}

	isStream := looksLikeStreamRequest(body)
	preferred := r.Header.Get("X-Account-Name")

	req := &dispatch.UpstreamRequest{
		Method:    http.MethodPost,
		URL:       h.upstream(r),
		Header:    stripHopByHop(r.Header.Clone()),
		Body:      strings.NewReader(string(body)),
		Streaming: isStream,
	}

	var flusher http.Flusher
	if f, ok := w.(http.Flusher); ok {
		flusher = f
	}

	headerWritten := false
	writeHeader := func(status int, header http.Header) {
		copyHeaders(w.Header(), header)
		w.WriteHeader(status)
		headerWritten = true
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), w, writeHeader, func() {
		if flusher != nil {
			flusher.Flush()
		}
	}, req, preferred)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	defer resp.Body.Close()

	// Streaming success already had its header written by writeHeader and
	// its body relayed directly to w by the dispatcher; only a
	// non-streaming response still needs both done here.
	if !headerWritten {
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.pool.View())
}

func (h *Handler) handleEnable(w http.ResponseWriter, r *http.Request) {
	h.controlAction(w, r, h.pool.Enable)
}

func (h *Handler) handleDisable(w http.ResponseWriter, r *http.Request) {
	h.controlAction(w, r, h.pool.Disable)
}

func (h *Handler) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	h.controlAction(w, r, h.pool.RequestForceRefresh)
}

func (h *Handler) controlAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("account")
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing account query parameter")
		return
	}
	if err := action(name); err != nil {
		if _, ok := err.(*pool.ErrNoSuchAccount); ok {
			writeError(w, http.StatusNotFound, "not_found_error", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": name, "status": "ok"})
}

func writeDispatchError(w http.ResponseWriter, err error) {
	de, ok := err.(*dispatch.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	status := dispatch.StatusFor(de.Kind)
	if de.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(de.RetryAfter))
	}
	writeError(w, status, errorType(de.Kind), de.Message)
}

func errorType(k dispatch.Kind) string {
	switch k {
	case dispatch.KindNoAccountAvailable:
		return "overloaded_error"
	case dispatch.KindNoSuchAccount:
		return "invalid_request_error"
	case dispatch.KindUpstreamRateLimited:
		return "rate_limit_error"
	case dispatch.KindUpstreamAuthError:
		return "authentication_error"
	case dispatch.KindUpstreamClient:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": errType, "message": msg},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func stripHopByHop(h http.Header) http.Header {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
	h.Del("Authorization")
	h.Del("X-Account-Name")
	return h
}

func copyHeaders(dst, src http.Header) {
	hop := make(map[string]bool, len(hopByHopHeaders))
	for _, k := range hopByHopHeaders {
		hop[k] = true
	}
	for k, vals := range src {
		if hop[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// looksLikeStreamRequest sniffs the client's JSON body for "stream":
// true by decoding only that one field; the body itself is forwarded
// untouched, since the dispatcher treats it as an opaque byte stream.
func looksLikeStreamRequest(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}
