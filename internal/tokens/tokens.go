// Package tokens decides when a stored OAuth access token must be refreshed
// and performs the refresh exchange.
package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/metrics"
)

// DefaultBuffer is how long before expiry a token is proactively refreshed.
const DefaultBuffer = time.Hour

// DefaultLifetime is assumed for tokens whose response carries no expiry. It
// matches Strava's six hour tokens and must stay well above DefaultBuffer.
const DefaultLifetime = 6 * time.Hour

var (
	// ErrNotAuthenticated means no credential is stored and the OAuth flow
	// has to be completed first.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRefreshRejected means the provider refused the stored refresh token.
	ErrRefreshRejected = errors.New("refresh token rejected by provider")
)

// IsExpired reports whether a token expiring at expiresAt (Unix seconds) is
// unusable at now.
func IsExpired(expiresAt int64, now time.Time) bool {
	return now.Unix() >= expiresAt
}

// NeedsRefresh reports whether now falls inside the buffer window before expiresAt.
func NeedsRefresh(expiresAt int64, buffer time.Duration, now time.Time) bool {
	return now.Unix() >= expiresAt-int64(buffer/time.Second)
}

// Manager hands out valid access tokens for one integration.
type Manager struct {
	integration string
	store       *database.CredentialStore
	oauth       *oauth2.Config
	httpClient  *http.Client
	buffer      time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBuffer overrides DefaultBuffer.
func WithBuffer(d time.Duration) Option {
	return func(m *Manager) { m.buffer = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHTTPClient sets the client used for the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// NewManager creates a Manager for integration using oauthCfg's token endpoint.
func NewManager(integration string, store *database.CredentialStore, oauthCfg *oauth2.Config, opts ...Option) *Manager {
	m := &Manager{
		integration: integration,
		store:       store,
		oauth:       oauthCfg,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		buffer:      DefaultBuffer,
		now:         time.Now,
		logger:      logging.WithComponent("tokens").With().Str("integration", integration).Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Integration returns the integration name this manager serves.
func (m *Manager) Integration() string {
	return m.integration
}

// ValidAccessToken returns an access token that is good for at least the
// buffer window, refreshing it first when needed.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	cred, err := m.store.Get(ctx, nil, m.integration)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", ErrNotAuthenticated
	}

	if !NeedsRefresh(cred.ExpiresAt, m.buffer, m.now()) {
		return cred.AccessToken, nil
	}

	return m.refresh(ctx, cred)
}

// Credential returns the stored credential without refreshing, or nil.
func (m *Manager) Credential(ctx context.Context) (*database.Credential, error) {
	return m.store.Get(ctx, nil, m.integration)
}

func (m *Manager) refresh(ctx context.Context, cred *database.Credential) (string, error) {
	m.logger.Info().
		Time("expires_at", time.Unix(cred.ExpiresAt, 0)).
		Msg("Refreshing access token")

	start := time.Now()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	metrics.UpstreamRequestDuration.WithLabelValues(m.integration, metrics.OpRefreshToken).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(m.integration, metrics.ResultFailure).Inc()
		metrics.UpstreamRequestsTotal.WithLabelValues(m.integration, metrics.OpRefreshToken, statusOf(err)).Inc()
		if isPermanent(err) {
			m.logger.Error().Err(err).Msg("Provider rejected refresh token, re-authorization required")
			return "", fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(m.integration, metrics.OpRefreshToken, "200").Inc()

	expiresAt := ExpiresAt(tok, m.now())
	err = m.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		return m.store.UpdateTokens(ctx, tx, m.integration, tok.AccessToken, tok.RefreshToken, expiresAt)
	})
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(m.integration, metrics.ResultFailure).Inc()
		m.logger.Error().Err(err).Msg("Failed to persist refreshed tokens")
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	metrics.TokenRefreshesTotal.WithLabelValues(m.integration, metrics.ResultSuccess).Inc()
	m.logger.Info().Time("expires_at", time.Unix(expiresAt, 0)).Msg("Access token refreshed")
	return tok.AccessToken, nil
}

// ExpiresAt returns the absolute expiry of tok in Unix seconds. Providers that
// send an absolute expires_at (Strava) win over the relative expires_in that
// oauth2 converts into tok.Expiry. Tokens with neither expire after DefaultLifetime.
func ExpiresAt(tok *oauth2.Token, now time.Time) int64 {
	switch v := tok.Extra("expires_at").(type) {
	case float64:
		if v > 0 {
			return int64(v)
		}
	case int64:
		if v > 0 {
			return v
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
		// WakaTime sends an ISO 8601 timestamp.
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.Unix()
		}
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Unix()
	}
	return now.Add(DefaultLifetime).Unix()
}

func isPermanent(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	return re.Response != nil && (re.Response.StatusCode == http.StatusUnauthorized || re.Response.StatusCode == http.StatusBadRequest)
}

func statusOf(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return strconv.Itoa(re.Response.StatusCode)
	}
	return "error"
}
