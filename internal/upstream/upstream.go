// Package upstream holds what the Strava and WakaTime clients share: the
// error type for non-2xx responses and the circuit breaker around each provider.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/metrics"
)

// APIError is returned for a provider response outside the 2xx range.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsUnauthorized checks if the error is a 401
func IsUnauthorized(err error) bool {
	return statusIs(err, http.StatusUnauthorized)
}

// IsTooManyRequests checks if the error is a 429
func IsTooManyRequests(err error) bool {
	return statusIs(err, http.StatusTooManyRequests)
}

func statusIs(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// IsBreakerOpen reports whether err came from a breaker refusing the call.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Breaker wraps calls to one provider. It trips on server-side failures
// only; a 4xx answer means the provider is up, and a caller giving up says
// nothing about the provider at all.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[[]byte]
}

// NewBreaker creates a breaker that opens after 5 consecutive failures, or
// a 60% failure rate over at least 10 requests, and probes again after timeout.
func NewBreaker(provider string, timeout time.Duration) *Breaker {
	logger := logging.WithComponent("breaker").With().Str("provider", provider).Logger()
	metrics.CircuitBreakerState.WithLabelValues(provider).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        provider,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				return true
			case errors.As(err, &apiErr):
				return !apiErr.Retryable()
			default:
				return false
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &Breaker{cb: cb}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() ([]byte, error)) ([]byte, error) {
	return b.cb.Execute(fn)
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
