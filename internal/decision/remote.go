package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const tokenRefreshMargin = 60 * time.Second

type RemoteConfig struct {
	URL string
	// APIKey is sent as the bearer token unless TokenURL is set, in which
	// case it is exchanged there for a short-lived access token.
	APIKey   string
	TokenURL string
	AgentID  string
}

// RemoteProvider delegates decisions to an external agent service over HTTP.
type RemoteProvider struct {
	cfg    RemoteConfig
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewRemoteProvider(cfg RemoteConfig, client *http.Client) *RemoteProvider {
	if client == nil {
		client = &http.Client{}
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &RemoteProvider{cfg: cfg, client: client, now: time.Now}
}

func (p *RemoteProvider) Name() string { return "remote" }

type remoteRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Request
}

func (p *RemoteProvider) Decide(ctx context.Context, req Request) (Decision, error) {
	token, err := p.bearer(ctx)
	if err != nil {
		return Decision{}, err
	}

	body, err := json.Marshal(remoteRequest{AgentID: p.cfg.AgentID, Request: req})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal decision request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL+"/v1/decide", bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Decision{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		p.invalidateToken()
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, classifyTransportError(ctx, err)
	}

	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(d.Actions) == 0 {
		return Decision{}, fmt.Errorf("%w: no actions", ErrMalformedResponse)
	}
	for _, a := range d.Actions {
		if strings.TrimSpace(a) == "" {
			return Decision{}, fmt.Errorf("%w: empty action", ErrMalformedResponse)
		}
	}
	return d, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// bearer returns a cached access token, refreshing it shortly before expiry.
func (p *RemoteProvider) bearer(ctx context.Context) (string, error) {
	if p.cfg.TokenURL == "" {
		return p.cfg.APIKey, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ibm:params:oauth:grant-type:apikey")
	form.Set("apikey", p.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token exchange status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: token exchange returned no access_token", ErrProviderUnavailable)
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 3600
	}

	p.token = tok.AccessToken
	p.tokenExpiry = p.now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenRefreshMargin)
	return p.token, nil
}

func (p *RemoteProvider) invalidateToken() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}
