package strava

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/metrics"
	"strava-wakatime-backend/internal/upstream"
)

const (
	DefaultBaseURL = "https://www.strava.com/api/v3"
	AuthURL        = "https://www.strava.com/oauth/authorize"
	TokenURL       = "https://www.strava.com/oauth/token"

	// Scope requested during authorization.
	Scope = "read,activity:read_all"

	maxRetries   = 3
	initialDelay = 1 * time.Second
	maxDelay     = 30 * time.Second
)

// Client is a Strava API client. Every call takes the access token to use;
// token lifecycle lives in the tokens package.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
	quota      *Quota
	breaker    *upstream.Breaker
	pacer      *rate.Limiter
	retryDelay time.Duration
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

// WithPageRate sets the pause between activity pages.
func WithPageRate(every time.Duration) Option {
	return func(c *Client) { c.pacer = rate.NewLimiter(rate.Every(every), 1) }
}

// WithRetryDelay sets the first backoff delay for 429 and 5xx responses.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// NewClient creates a new Strava API client
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		logger:     logging.WithComponent("strava"),
		quota:      NewQuota(),
		breaker:    upstream.NewBreaker(metrics.ProviderStrava, 2*time.Minute),
		pacer:      rate.NewLimiter(rate.Every(time.Second), 1),
		retryDelay: initialDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get performs a GET with retries for 429 and 5xx, guarded by the circuit breaker.
func (c *Client) get(ctx context.Context, op, path, accessToken string) ([]byte, error) {
	if resume := c.quota.ResumeAt(); !resume.IsZero() {
		return nil, fmt.Errorf("%w until %s", ErrQuotaExhausted, resume.UTC().Format(time.RFC3339))
	}
	return c.breaker.Execute(func() ([]byte, error) {
		return c.doRequest(ctx, op, path, accessToken)
	})
}

func (c *Client) doRequest(ctx context.Context, op, path, accessToken string) ([]byte, error) {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info().Str("path", path).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)
		metrics.UpstreamRequestDuration.WithLabelValues(metrics.ProviderStrava, op).Observe(duration.Seconds())

		if err != nil {
			metrics.UpstreamRequestsTotal.WithLabelValues(metrics.ProviderStrava, op, "error").Inc()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("Request failed")
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		c.observeQuota(resp.Header)
		metrics.UpstreamRequestsTotal.WithLabelValues(metrics.ProviderStrava, op, strconv.Itoa(resp.StatusCode)).Inc()

		c.logger.Debug().
			Str("path", path).
			Int("status", resp.StatusCode).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("strava_api_request")

		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response: %w", readErr)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		apiErr := &upstream.APIError{Provider: metrics.ProviderStrava, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
		if !apiErr.Retryable() {
			return nil, apiErr
		}
		if retryAfter := parseRetryAfter(resp.Header); retryAfter > 0 {
			delay = min(retryAfter, maxDelay)
		}
		lastErr = apiErr
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// getJSON performs get and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, op, path, accessToken string, out any) error {
	body, err := c.get(ctx, op, path, accessToken)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// observeQuota records rate-limit headers and warns when a window runs hot.
func (c *Client) observeQuota(headers http.Header) {
	if !c.quota.Observe(headers) || !c.quota.Near(80) {
		return
	}
	s := c.quota.Snapshot()
	c.logger.Warn().
		Float64("usage_15min_pct", s.ShortTerm.Percent()).
		Float64("usage_daily_pct", s.Daily.Percent()).
		Msg("Approaching Strava rate limit")
}

// parseRetryAfter extracts retry delay from Retry-After header
func parseRetryAfter(headers http.Header) time.Duration {
	seconds, err := strconv.Atoi(headers.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Quota returns the last seen rate limit usage.
func (c *Client) Quota() QuotaSnapshot {
	return c.quota.Snapshot()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
