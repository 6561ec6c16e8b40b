package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// graphScope requests the application permissions granted to the client.
const graphScope = "https://graph.microsoft.com/.default"

// maxExpiryMargin is how long before expiry a token stops being handed out.
// Tokens that live less than twice this margin give up half their lifetime.
const maxExpiryMargin = 5 * time.Minute

// maxTokenBody caps the token endpoint response read.
const maxTokenBody = 1 << 20

type token struct {
	value  string
	expiry time.Time
}

func (t token) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.expiry)
}

// expiry returns when a token issued at now for expiresIn seconds should
// be considered stale.
func expiry(now time.Time, expiresIn int64) time.Time {
	lifetime := time.Duration(expiresIn) * time.Second
	return now.Add(lifetime - min(maxExpiryMargin, lifetime/2))
}

// tokenSource fetches and caches client-credentials tokens for one
// application in one tenant. It is shared by every session of that relay.
type tokenSource struct {
	endpoint string
	form     url.Values
	client   *http.Client
	now      func() time.Time

	mu  sync.Mutex
	cur token
}

func newTokenSource(endpoint, clientID, clientSecret string, client *http.Client) *tokenSource {
	return &tokenSource{
		endpoint: endpoint,
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"scope":         {graphScope},
		},
		client: client,
		now:    time.Now,
	}
}

// Token returns the cached token, fetching a new one when it is missing or
// stale. Concurrent callers wait for a single fetch.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur.valid(s.now()) {
		return s.cur.value, nil
	}
	t, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.cur = t
	return t.value, nil
}

// Invalidate drops the cached token if it is still stale. A token fetched
// by someone else in the meantime is kept.
func (s *tokenSource) Invalidate(stale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.value == stale {
		s.cur = token{}
	}
}

// fetch runs the client-credentials grant. The caller must hold s.mu.
func (s *tokenSource) fetch(ctx context.Context) (token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(s.form.Encode()))
	if err != nil {
		return token{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	issued := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		return token{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return token{}, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr tokenErrorResponse
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			return token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, oauthErr.Error)
		}
		return token{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return token{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return token{}, fmt.Errorf("token response missing access_token")
	}
	return token{value: tr.AccessToken, expiry: expiry(issued, tr.ExpiresIn)}, nil
}
