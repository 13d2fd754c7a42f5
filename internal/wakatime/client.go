// Package wakatime is a small client for the WakaTime v1 API.
package wakatime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/metrics"
	"strava-wakatime-backend/internal/upstream"
)

const (
	DefaultBaseURL = "https://wakatime.com/api/v1"
	AuthURL        = "https://wakatime.com/oauth/authorize"
	TokenURL       = "https://wakatime.com/oauth/token"

	// Scope requested during authorization.
	Scope = "email,read_logged_time,read_stats"
)

// Client calls the WakaTime API with a caller-supplied access token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
	breaker    *upstream.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a WakaTime client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    DefaultBaseURL,
		logger:     logging.WithComponent("wakatime"),
		breaker:    upstream.NewBreaker(metrics.ProviderWakaTime, 2*time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// User is the subset of /users/current the service uses.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// CurrentUser returns the user owning accessToken.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	var resp struct {
		Data User `json:"data"`
	}
	if err := c.getJSON(ctx, metrics.OpCurrentUser, "/users/current", accessToken, &resp); err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return &resp.Data, nil
}

// Stats returns the raw stats object for a range such as "last_7_days" or "all_time".
func (c *Client) Stats(ctx context.Context, accessToken, statsRange string) (json.RawMessage, error) {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	path := "/users/current/stats/" + url.PathEscape(statsRange)
	if err := c.getJSON(ctx, metrics.OpStats, path, accessToken, &resp); err != nil {
		return nil, fmt.Errorf("failed to get %s stats: %w", statsRange, err)
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return json.RawMessage(`{}`), nil
	}
	return resp.Data, nil
}

// Summaries returns the daily summaries between start and end, inclusive.
func (c *Client) Summaries(ctx context.Context, accessToken string, start, end time.Time) (*SummariesResponse, error) {
	params := url.Values{
		"start": {start.Format(time.DateOnly)},
		"end":   {end.Format(time.DateOnly)},
	}
	var resp SummariesResponse
	if err := c.getJSON(ctx, metrics.OpSummaries, "/users/current/summaries?"+params.Encode(), accessToken, &resp); err != nil {
		return nil, fmt.Errorf("failed to get summaries: %w", err)
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, op, path, accessToken string, out any) error {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.doRequest(ctx, op, path, accessToken)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, op, path, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.UpstreamRequestDuration.WithLabelValues(metrics.ProviderWakaTime, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(metrics.ProviderWakaTime, op, "error").Inc()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.UpstreamRequestsTotal.WithLabelValues(metrics.ProviderWakaTime, op, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug().Str("path", path).Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("wakatime_api_request")

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, &upstream.APIError{Provider: metrics.ProviderWakaTime, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
