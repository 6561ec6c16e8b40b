// Package graph implements a relay transport that sends emails via the
// Microsoft Graph API using OAuth2 client credentials.
//
// A relay of kind "graph" maps its fields as follows: Host is the Azure AD
// tenant id, User and Password are the application's client id and secret.
// Messages are sent as the mailbox named by the message's From address.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/relay"
)

const (
	defaultLoginURL = "https://login.microsoftonline.com"
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
)

// requestTimeout caps a single token or sendMail HTTP request.
const requestTimeout = 30 * time.Second

// Transport opens Graph API sessions. Tokens are cached per tenant and
// client, so later runs against the same relay reuse them.
type Transport struct {
	loginURL   string
	graphURL   string
	httpClient *http.Client

	mu      sync.Mutex
	sources map[credentials]*tokenSource
}

type credentials struct {
	tenant, clientID, clientSecret string
}

// New creates a Transport talking to the public Microsoft endpoints.
func New() *Transport {
	return &Transport{
		loginURL:   defaultLoginURL,
		graphURL:   defaultGraphURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		sources:    make(map[credentials]*tokenSource),
	}
}

// newWithOverrides creates a Transport with custom base URLs and HTTP client,
// used for testing.
func newWithOverrides(loginURL, graphURL string, client *http.Client) *Transport {
	return &Transport{
		loginURL:   loginURL,
		graphURL:   graphURL,
		httpClient: client,
		sources:    make(map[credentials]*tokenSource),
	}
}

// Name returns the relay kind.
func (t *Transport) Name() string {
	return relay.KindGraph
}

// Connect acquires an access token for the tenant, which checks the client
// credentials.
func (t *Transport) Connect(ctx context.Context, cfg relay.Config) (relay.Session, error) {
	if cfg.Host == "" {
		return nil, errors.New("graph relay requires a tenant id in host")
	}

	tokens := t.tokensFor(cfg)
	if _, err := tokens.Token(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire Graph token: %w", err)
	}

	return &session{t: t, tokens: tokens}, nil
}

func (t *Transport) tokensFor(cfg relay.Config) *tokenSource {
	key := credentials{tenant: cfg.Host, clientID: cfg.User, clientSecret: cfg.Password}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sources[key]; ok {
		return s
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", t.loginURL, url.PathEscape(cfg.Host))
	s := newTokenSource(endpoint, cfg.User, cfg.Password, t.httpClient)
	t.sources[key] = s
	return s
}

type session struct {
	t      *Transport
	tokens *tokenSource
}

// Send posts one sendMail request. A 401 refreshes the token once and
// retries; every other failure is returned to the caller.
func (s *session) Send(ctx context.Context, msg *message.Message, to string) error {
	sender, err := msg.Envelope()
	if err != nil {
		return err
	}
	bodyJSON, err := json.Marshal(buildSendMailRequest(msg, to))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	endpoint := fmt.Sprintf("%s/users/%s/sendMail", s.t.graphURL, url.PathEscape(sender))

	err = s.post(ctx, endpoint, bodyJSON)

	var sendErr *sendError
	if errors.As(err, &sendErr) && sendErr.statusCode == http.StatusUnauthorized {
		slog.Info("refreshing Graph API token after 401", "sender", sender)
		s.tokens.Invalidate(sendErr.token)
		err = s.post(ctx, endpoint, bodyJSON)
	}
	return err
}

func (s *session) Close() error {
	return nil
}

// post sends one sendMail request with the current token.
func (s *session) post(ctx context.Context, endpoint string, bodyJSON []byte) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	e := &sendError{statusCode: resp.StatusCode, message: string(body), token: token}

	var graphErrResp graphErrorResponse
	if json.Unmarshal(body, &graphErrResp) == nil && graphErrResp.Error.Message != "" {
		e.message = graphErrResp.Error.Message
	}
	return e
}

// sendError is a non-success response from the sendMail endpoint.
type sendError struct {
	statusCode int
	message    string

	// token is the access token the request carried.
	token string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// Temporary reports whether a later attempt may succeed.
func (e *sendError) Temporary() bool {
	return e.statusCode == http.StatusTooManyRequests || e.statusCode >= 500
}
