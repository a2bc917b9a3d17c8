package httpglue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaymux/acctproxy/internal/account"
	"github.com/relaymux/acctproxy/internal/dispatch"
	"github.com/relaymux/acctproxy/internal/pool"
)

type fixedCaller struct {
	status int
	body   string
}

func (c *fixedCaller) Call(ctx context.Context, acct *account.Account, req *dispatch.UpstreamRequest) (*dispatch.UpstreamResponse, error) {
	return &dispatch.UpstreamResponse{
		StatusCode: c.status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       &ctxBody{ctx: ctx, reader: strings.NewReader(c.body)},
	}, nil
}

// ctxBody is a response body double that actually observes cancellation
// of the context it was handed: unlike io.NopCloser over a plain
// strings.Reader, it errors out on Read once ctx is done, catching a
// dispatcher that cancels its per-attempt context before the handler
// finishes copying the body to the client.
type ctxBody struct {
	ctx    context.Context
	reader io.Reader
}

func (b *ctxBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	return b.reader.Read(p)
}

func (b *ctxBody) Close() error { return nil }

func newTestAccount(name string) *account.Account {
	return &account.Account{
		Name:      name,
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		State:     account.StateAvailable,
	}
}

func TestHandleDispatchReturnsUpstreamBodyAndStatus(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a")})
	caller := &fixedCaller{status: http.StatusOK, body: `{"ok":true}`}
	d := dispatch.New(p, caller)
	h := New(d, p, func(*http.Request) string { return "http://upstream.example/v1/messages" })

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"x"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("body = %q, want to contain upstream response", rec.Body.String())
	}
}

func TestHandleDispatchNoAccountAvailableReturnsOverloadedError(t *testing.T) {
	p := pool.New(nil)
	d := dispatch.New(p, &fixedCaller{})
	h := New(d, p, func(*http.Request) string { return "http://upstream.example" })

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["type"] != "overloaded_error" {
		t.Errorf("error.type = %v, want overloaded_error", errObj["type"])
	}
}

func TestHandleStatusReturnsPoolView(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a"), newTestAccount("b")})
	d := dispatch.New(p, &fixedCaller{})
	h := New(d, p, func(*http.Request) string { return "" })

	req := httptest.NewRequest(http.MethodGet, "/control/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view pool.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding status body: %v", err)
	}
	if view.Counts.Total != 2 {
		t.Errorf("Counts.Total = %d, want 2", view.Counts.Total)
	}
}

func TestHandleDisableThenStatusReflectsDisabledAccount(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a")})
	d := dispatch.New(p, &fixedCaller{})
	h := New(d, p, func(*http.Request) string { return "" })

	req := httptest.NewRequest(http.MethodPost, "/control/disable?account=a", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d, want 200", rec.Code)
	}

	v := p.View()
	if v.Accounts[0].State != account.StateDisabled {
		t.Fatalf("state = %v, want disabled", v.Accounts[0].State)
	}
}

func TestHandleEnableUnknownAccountReturnsNotFound(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a")})
	d := dispatch.New(p, &fixedCaller{})
	h := New(d, p, func(*http.Request) string { return "" })

	req := httptest.NewRequest(http.MethodPost, "/control/enable?account=ghost", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleControlActionRejectsWrongMethod(t *testing.T) {
	p := pool.New([]*account.Account{newTestAccount("a")})
	d := dispatch.New(p, &fixedCaller{})
	h := New(d, p, func(*http.Request) string { return "" })

	req := httptest.NewRequest(http.MethodGet, "/control/disable?account=a", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
