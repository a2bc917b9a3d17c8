// Package oauth implements the OAuth2 refresh-token grant against the
// upstream token endpoint.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaymux/acctproxy/internal/refresh"
)

// Refresher performs the standard refresh_token grant: POST
// form-encoded to the token endpoint, JSON response.
type Refresher struct {
	client   *http.Client
	endpoint string
	clientID string
}

// NewRefresher builds a Refresher posting to endpoint as clientID, using
// client for the HTTP round trip.
func NewRefresher(client *http.Client, endpoint, clientID string) *Refresher {
	return &Refresher{client: client, endpoint: endpoint, clientID: clientID}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Refresh exchanges refreshToken for a new access token.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (refresh.Result, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.clientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return refresh.Result{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return refresh.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return refresh.Result{}, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return refresh.Result{}, fmt.Errorf("decoding token response: %w", err)
	}

	if tr.Error == "invalid_grant" {
		return refresh.Result{}, &refresh.TerminalError{Detail: "refresh token rejected (invalid_grant)"}
	}
	if tr.Error != "" {
		return refresh.Result{}, fmt.Errorf("token endpoint error: %s (%s)", tr.Error, tr.ErrorDesc)
	}
	if resp.StatusCode != http.StatusOK {
		return refresh.Result{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}
	if tr.AccessToken == "" {
		return refresh.Result{}, fmt.Errorf("token endpoint response missing access_token")
	}

	return refresh.Result{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    time.Duration(tr.ExpiresIn) * time.Second,
	}, nil
}
