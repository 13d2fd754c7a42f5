// Package app wires configuration into the running components shared by the
// server and the operator CLI.
package app

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"strava-wakatime-backend/internal/config"
	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/handlers"
	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/metrics"
	"strava-wakatime-backend/internal/oauth"
	"strava-wakatime-backend/internal/oauthstate"
	"strava-wakatime-backend/internal/refresh"
	"strava-wakatime-backend/internal/server"
	"strava-wakatime-backend/internal/strava"
	"strava-wakatime-backend/internal/supervisor"
	"strava-wakatime-backend/internal/tokencrypt"
	"strava-wakatime-backend/internal/tokens"
	"strava-wakatime-backend/internal/wakatime"
	"strava-wakatime-backend/internal/worker"
)

// Option adjusts how the upstream clients are built.
type Option func(*options)

type options struct {
	stravaOpts   []strava.Option
	wakatimeOpts []wakatime.Option
	tokenOpts    []tokens.Option
}

// WithStravaOptions passes options through to the Strava client.
func WithStravaOptions(opts ...strava.Option) Option {
	return func(o *options) { o.stravaOpts = append(o.stravaOpts, opts...) }
}

// WithWakaTimeOptions passes options through to the WakaTime client.
func WithWakaTimeOptions(opts ...wakatime.Option) Option {
	return func(o *options) { o.wakatimeOpts = append(o.wakatimeOpts, opts...) }
}

// WithTokenOptions passes options through to every token manager.
func WithTokenOptions(opts ...tokens.Option) Option {
	return func(o *options) { o.tokenOpts = append(o.tokenOpts, opts...) }
}

// App holds the components built from one Config.
type App struct {
	Config      *config.Config
	DB          *database.DB
	Credentials *database.CredentialStore
	OAuth       *oauth.Manager

	// Orchestrators and Tokens are keyed by integration and only hold
	// integrations with client credentials.
	Orchestrators map[string]*refresh.Orchestrator
	Tokens        map[string]*tokens.Manager

	logger zerolog.Logger
}

// New opens the database and builds every enabled integration.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cipher, err := tokencrypt.New(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cipher: %w", err)
	}
	signer, err := oauthstate.NewSigner(cfg.Security.StateSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create state signer: %w", err)
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	store := database.NewCredentialStore(db, cipher)

	a := &App{
		Config:        cfg,
		DB:            db,
		Credentials:   store,
		Orchestrators: make(map[string]*refresh.Orchestrator),
		Tokens:        make(map[string]*tokens.Manager),
		logger:        logging.WithComponent("app"),
	}

	var providers []oauth.Provider
	if cfg.Strava.Enabled() {
		oc := oauth.StravaConfig(cfg.Strava)
		client := strava.NewClient(o.stravaOpts...)
		tm := tokens.NewManager(config.IntegrationStrava, store, oc, o.tokenOpts...)

		providers = append(providers, oauth.StravaProvider(oc, client))
		a.Tokens[config.IntegrationStrava] = tm
		a.Orchestrators[config.IntegrationStrava] = refresh.New(config.IntegrationStrava, db, tm,
			refresh.StravaSteps(db, client, time.Now))
	}
	if cfg.WakaTime.Enabled() {
		oc := oauth.WakaTimeConfig(cfg.WakaTime)
		client := wakatime.NewClient(o.wakatimeOpts...)
		tm := tokens.NewManager(config.IntegrationWakaTime, store, oc, o.tokenOpts...)

		providers = append(providers, oauth.WakaTimeProvider(oc, client))
		a.Tokens[config.IntegrationWakaTime] = tm
		a.Orchestrators[config.IntegrationWakaTime] = refresh.New(config.IntegrationWakaTime, db, tm,
			refresh.WakaTimeSteps(db, client, time.Now))
	}
	a.OAuth = oauth.NewManager(signer, store, providers...)

	if len(providers) == 0 {
		a.logger.Warn().Msg("No integration has client credentials; only /health will be served")
	}
	return a, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}

// Orchestrator returns the refresh orchestrator for integration.
func (a *App) Orchestrator(integration string) (*refresh.Orchestrator, error) {
	o, ok := a.Orchestrators[integration]
	if !ok {
		return nil, fmt.Errorf("%w: %s", oauth.ErrUnknownIntegration, integration)
	}
	return o, nil
}

// Deps returns the collaborators the public router needs.
func (a *App) Deps() server.Deps {
	runners := make(map[string]handlers.Runner, len(a.Orchestrators))
	for name, o := range a.Orchestrators {
		runners[name] = o
	}
	return server.Deps{
		Config:  a.Config,
		DB:      a.DB,
		OAuth:   a.OAuth,
		Runners: runners,
	}
}

// Supervise adds the HTTP servers, the refresh scheduler and the cache-age
// collector to tree.
func (a *App) Supervise(tree *supervisor.Tree) {
	cfg := a.Config

	api := server.NewHTTPServer(cfg.Server.Addr, server.NewRouter(a.Deps()))
	tree.AddAPI(supervisor.NewHTTPServerService("api-server", api, cfg.Server.ShutdownTimeout))

	if cfg.Server.MetricsAddr != "" {
		ms := server.NewHTTPServer(cfg.Server.MetricsAddr, server.NewMetricsRouter())
		tree.AddAPI(supervisor.NewHTTPServerService("metrics-server", ms, cfg.Server.ShutdownTimeout))
	}

	if cfg.Scheduler.Enabled {
		runners := make([]worker.Runner, 0, len(a.Orchestrators))
		for _, name := range cfg.EnabledIntegrations() {
			runners = append(runners, a.Orchestrators[name])
		}
		tree.AddBackground(worker.NewScheduler(runners, cfg.Scheduler.Interval, cfg.Scheduler.InitialDelay))
	} else {
		a.logger.Info().Msg("Scheduler disabled; refreshes run only on demand")
	}

	tree.AddBackground(metrics.NewCacheAgeCollector(a.DB, 0, logging.WithComponent("metrics")))
}
