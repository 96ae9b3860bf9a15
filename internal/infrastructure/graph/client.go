// Package graph is the upstream Microsoft Graph HTTP client: client-credentials
// token cache, paged GETs, and transport/status retries.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/runtimelog"
)

// DefaultBaseURL is the Graph endpoint used when GRAPH_BASE is not set.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const (
	// tokenEarlyExpiry forces a refresh once less than this much lifetime remains.
	tokenEarlyExpiry = 60 * time.Second

	retry401Delay      = 500 * time.Millisecond
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 60 * time.Second
	backoffJitterMax   = 250 * time.Millisecond

	maxErrorMessageLen = 400
)

// Config holds the client settings.
type Config struct {
	BaseURL      string
	TenantID     string
	ClientID     string
	ClientSecret string

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Client talks to the Graph API. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int

	backoffBase time.Duration
	backoffMax  time.Duration

	logger *slog.Logger

	tokenMu        sync.Mutex
	tokens         oauth2.TokenSource
	newTokenSource func() oauth2.TokenSource
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTokenSource replaces the client-credentials token source.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
		c.newTokenSource = func() oauth2.TokenSource { return ts }
	}
}

// WithBackoff overrides the transport/status backoff ladder bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffMax = max
	}
}

// New creates a Client from cfg. The token source performs client-credentials
// grants against the tenant's token endpoint and caches tokens until less
// than tokenEarlyExpiry of lifetime remains.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("ENTRA_TENANT_ID/ENTRA_CLIENT_ID/ENTRA_CLIENT_SECRET must be set")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
		maxRetries:  cfg.MaxRetries,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		logger:      logger.With(runtimelog.AttrActor, runtimelog.ActorGraph),
	}

	scope := scopeForBase(baseURL)
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{scope},
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	c.newTokenSource = func() oauth2.TokenSource {
		return oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(tokenCtx), tokenEarlyExpiry)
	}
	c.tokens = c.newTokenSource()

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// BaseURL returns the configured Graph base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// scopeForBase derives the .default scope from the Graph origin.
func scopeForBase(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "https://graph.microsoft.com/.default"
	}
	return u.Scheme + "://" + u.Host + "/.default"
}

func (c *Client) token() (string, error) {
	c.tokenMu.Lock()
	ts := c.tokens
	c.tokenMu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("failed to acquire graph token: %w", err)
	}
	return tok.AccessToken, nil
}

// clearToken swaps in a fresh token source so the next attempt performs a
// full grant. Used after a 401.
func (c *Client) clearToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.tokens = c.newTokenSource()
}

func (c *Client) buildURL(pathOrURL string) string {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return pathOrURL
	}
	if !strings.HasPrefix(pathOrURL, "/") {
		pathOrURL = "/" + pathOrURL
	}
	return c.baseURL + pathOrURL
}

// GetJSON performs a GET and returns the raw response document. A 204
// returns an empty object.
func (c *Client) GetJSON(ctx context.Context, pathOrURL string) (json.RawMessage, error) {
	return c.requestJSON(ctx, http.MethodGet, pathOrURL)
}

func (c *Client) requestJSON(ctx context.Context, method, pathOrURL string) (json.RawMessage, error) {
	reqURL := c.buildURL(pathOrURL)
	backoff := c.backoffBase

	totalAttempts := c.maxRetries + 1
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		token, err := c.token()
		if err != nil {
			c.logger.ErrorContext(ctx, "graph token acquisition failed", "error", err)
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, &TransportError{URL: reqURL, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= c.maxRetries {
				c.logger.ErrorContext(ctx, "graph request failed",
					"method", method, "url", reqURL, "error", err)
				return nil, &TransportError{URL: reqURL, Err: err}
			}
			c.logger.WarnContext(ctx, "graph request retrying after transport error",
				"method", method, "url", reqURL,
				"attempt", fmt.Sprintf("%d/%d", attempt+1, totalAttempts), "error", err)
			if err := c.sleepBackoff(ctx, &backoff); err != nil {
				return nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			if attempt >= c.maxRetries {
				return nil, &TransportError{URL: reqURL, Err: readErr}
			}
			c.logger.WarnContext(ctx, "graph request retrying after read error",
				"method", method, "url", reqURL,
				"attempt", fmt.Sprintf("%d/%d", attempt+1, totalAttempts), "error", readErr)
			if err := c.sleepBackoff(ctx, &backoff); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt < c.maxRetries {
			c.clearToken()
			c.logger.WarnContext(ctx, "graph request retrying after 401",
				"method", method, "url", reqURL,
				"attempt", fmt.Sprintf("%d/%d", attempt+1, totalAttempts))
			if err := sleepCtx(ctx, retry401Delay); err != nil {
				return nil, err
			}
			continue
		}

		if isRetryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			c.logger.WarnContext(ctx, "graph request retrying",
				"status", resp.StatusCode, "method", method, "url", reqURL,
				"attempt", fmt.Sprintf("%d/%d", attempt+1, totalAttempts))
			if ra, ok := retryAfterSeconds(resp.Header); ok {
				if err := sleepCtx(ctx, ra); err != nil {
					return nil, err
				}
			} else if err := c.sleepBackoff(ctx, &backoff); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			text := string(body)
			message := "request_failed"
			if text != "" {
				message = truncate(text, maxErrorMessageLen)
			}
			c.logger.ErrorContext(ctx, "graph request failed",
				"status", resp.StatusCode, "method", method, "url", reqURL, "error", message)
			return nil, &GraphError{
				StatusCode: resp.StatusCode,
				Message:    message,
				URL:        reqURL,
				Body:       text,
			}
		}

		if resp.StatusCode == http.StatusNoContent {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(body) {
			c.logger.ErrorContext(ctx, "graph response invalid JSON", "method", method, "url", reqURL)
			return nil, &TransportError{URL: reqURL, Err: errors.New("response was not valid JSON")}
		}
		return json.RawMessage(body), nil
	}

	return nil, &TransportError{URL: reqURL, Err: errors.New("retries exhausted")}
}

// Page is one page of a Graph collection response.
type Page struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// GetPage fetches and decodes a single collection page.
func (c *Client) GetPage(ctx context.Context, pathOrURL string) (*Page, error) {
	raw, err := c.GetJSON(ctx, pathOrURL)
	if err != nil {
		return nil, err
	}
	var page Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, &TransportError{URL: c.buildURL(pathOrURL), Err: fmt.Errorf("decode page: %w", err)}
	}
	return &page, nil
}

// Pages walks a collection, following @odata.nextLink until exhaustion, and
// invokes fn once per element.
func (c *Client) Pages(ctx context.Context, pathOrURL string, fn func(json.RawMessage) error) error {
	next := pathOrURL
	for next != "" {
		page, err := c.GetPage(ctx, next)
		if err != nil {
			return err
		}
		for _, item := range page.Value {
			if err := fn(item); err != nil {
				return err
			}
		}
		next = page.NextLink
	}
	return nil
}

func (c *Client) sleepBackoff(ctx context.Context, backoff *time.Duration) error {
	if err := sleepCtx(ctx, *backoff+rand.N(backoffJitterMax)); err != nil {
		return err
	}
	*backoff = min(*backoff*2, c.backoffMax)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfterSeconds parses a numeric Retry-After header.
func retryAfterSeconds(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
