// Package upstream implements dispatch.UpstreamCaller against the real
// upstream API, stamping each account's bearer token and routing the
// call through the shared transport pool.
package upstream

import (
	"context"
	"net/http"

	"github.com/relaymux/acctproxy/internal/account"
	"github.com/relaymux/acctproxy/internal/dispatch"
	"github.com/relaymux/acctproxy/internal/transport"
)

// poolKey is the transport pool key for all upstream calls: every
// account talks to the same upstream host, so there is only one pooled
// transport to share across them.
const poolKey = "upstream"

// Caller is the dispatch.UpstreamCaller backing production traffic.
type Caller struct {
	transport *transport.Manager
}

// New constructs a Caller that sends requests over tm's pooled
// transports to whatever URL dispatch.UpstreamRequest carries.
func New(tm *transport.Manager) *Caller {
	return &Caller{transport: tm}
}

// Call issues req against the upstream API, authenticated as acct.
func (c *Caller) Call(ctx context.Context, acct *account.Account, req *dispatch.UpstreamRequest) (*dispatch.UpstreamResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Header.Clone()
	httpReq.Header.Set("Authorization", "Bearer "+acct.AccessToken)
	if req.Streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	client := c.transport.Client(poolKey)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	return &dispatch.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
