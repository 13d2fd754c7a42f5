// Package oauth drives the authorization-code flow for each integration:
// building the authorize redirect with a signed state and handling the
// callback that stores the issued credential.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"strava-wakatime-backend/internal/config"
	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/metrics"
	"strava-wakatime-backend/internal/oauthstate"
	"strava-wakatime-backend/internal/tokens"
)

var (
	// ErrUnknownIntegration means no provider is registered under that name.
	ErrUnknownIntegration = errors.New("integration not configured")
	// ErrInvalidState wraps every state verification failure.
	ErrInvalidState = errors.New("invalid or expired state")
	// ErrMissingCode means the callback carried no authorization code.
	ErrMissingCode = errors.New("missing authorization code")
	// ErrAccessDenied means the user declined on the provider's consent page.
	ErrAccessDenied = errors.New("authorization denied")
)

// Manager handles the OAuth 2.0 flow for every registered provider.
type Manager struct {
	signer     *oauthstate.Signer
	store      *database.CredentialStore
	providers  map[string]Provider
	httpClient *http.Client
	now        func() time.Time
	logger     zerolog.Logger
}

// NewManager creates a manager that signs states with signer and stores
// credentials in store.
func NewManager(signer *oauthstate.Signer, store *database.CredentialStore, providers ...Provider) *Manager {
	m := &Manager{
		signer:     signer,
		store:      store,
		providers:  make(map[string]Provider, len(providers)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		logger:     logging.WithComponent("oauth"),
	}
	for _, p := range providers {
		m.providers[p.Integration] = p
	}
	return m
}

// Enabled reports whether integration has a registered provider.
func (m *Manager) Enabled(integration string) bool {
	_, ok := m.providers[integration]
	return ok
}

// AuthURL returns the provider authorization URL with a fresh signed state.
func (m *Manager) AuthURL(integration string) (string, error) {
	p, ok := m.providers[integration]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownIntegration, integration)
	}

	state, err := m.signer.Generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	opts := []oauth2.AuthCodeOption{}
	if integration == config.IntegrationStrava {
		opts = append(opts, oauth2.SetAuthURLParam("approval_prompt", "auto"))
	}
	return p.Config.AuthCodeURL(state, opts...), nil
}

// CallbackParams are the query parameters a provider redirects back with.
type CallbackParams struct {
	Code  string
	State string
	Error string
	// Scope is the granted scope when the provider reports it on the
	// redirect (Strava) rather than in the token response.
	Scope string
}

// HandleCallback verifies the state, exchanges the code and upserts the
// credential. The state is checked before anything else is looked at.
func (m *Manager) HandleCallback(ctx context.Context, integration string, params CallbackParams) (*database.Credential, error) {
	p, ok := m.providers[integration]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, integration)
	}

	if err := m.signer.Verify(params.State); err != nil {
		m.logger.Warn().Err(err).Str("integration", integration).Msg("Rejected OAuth callback state")
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if params.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, params.Error)
	}
	if params.Code == "" {
		return nil, ErrMissingCode
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	start := time.Now()
	tok, err := p.Config.Exchange(ctx, params.Code)
	metrics.UpstreamRequestDuration.WithLabelValues(integration, metrics.OpExchangeCode).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(integration, metrics.OpExchangeCode, exchangeStatus(err)).Inc()
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(integration, metrics.OpExchangeCode, "200").Inc()

	subject, err := p.Subject(ctx, tok)
	if err != nil {
		return nil, err
	}

	scope := params.Scope
	if scope == "" {
		scope, _ = tok.Extra("scope").(string)
	}
	cred := &database.Credential{
		Integration:  integration,
		SubjectID:    subject,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt(tok, m.now()),
		Scope:        strings.TrimSpace(scope),
	}
	if err := m.store.Upsert(ctx, nil, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	m.logger.Info().
		Str("integration", integration).
		Str("subject_id", subject).
		Time("expires_at", time.Unix(cred.ExpiresAt, 0)).
		Msg("Stored OAuth credential")

	return cred, nil
}

func exchangeStatus(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return strconv.Itoa(re.Response.StatusCode)
	}
	return "error"
}
