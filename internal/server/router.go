// Package server assembles the chi router and the HTTP listeners.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"strava-wakatime-backend/internal/config"
	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/handlers"
	"strava-wakatime-backend/internal/metrics"
	"strava-wakatime-backend/internal/middleware"
	"strava-wakatime-backend/internal/oauth"
	"strava-wakatime-backend/internal/refresh"
)

// Deps are the collaborators the routes need.
type Deps struct {
	Config *config.Config
	DB     *database.DB
	OAuth  *oauth.Manager
	// Runners holds one refresh orchestrator per enabled integration.
	Runners map[string]handlers.Runner
}

// NewRouter builds the public API router.
func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.APIKeyHeader, middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.SecurityHeaders(cfg.IsProduction()))

	// Refresh and callback runs may page through many activities, so only
	// the read routes are bounded by the request timeout.
	readTimeout := func(next http.Handler) http.Handler { return next }
	if cfg.Server.RequestTimeout > 0 {
		readTimeout = chimw.Timeout(cfg.Server.RequestTimeout)
	}

	health := handlers.NewHealthHandler(d.DB, cfg.EnabledIntegrations())
	r.With(middleware.Metrics(metrics.EndpointHealth)).Get("/health", health.HandleHealth)

	r.Group(func(r chi.Router) {
		if cfg.Server.RateLimitPerMin > 0 {
			r.Use(httprate.LimitByIP(cfg.Server.RateLimitPerMin, time.Minute))
		}

		oauthHandler := handlers.NewOAuthHandler(d.OAuth, d.Runners, cfg.Server.FrontendURL)
		apiKey := middleware.APIKey(cfg.Security.APIKey)

		if runner, ok := d.Runners[config.IntegrationStrava]; ok {
			r.Route("/strava", func(r chi.Router) {
				mountOAuth(r, oauthHandler, config.IntegrationStrava, apiKey)

				stats := handlers.NewStatsHandler(d.DB, config.IntegrationStrava)
				acts := handlers.NewActivitiesHandler(d.DB)

				r.Route("/stats", func(r chi.Router) {
					r.Use(readTimeout)

					cached := middleware.Metrics(metrics.EndpointStats)
					r.With(cached).Get("/ytd", stats.Cached(refresh.KindYTD, "YTD stats"))
					r.With(cached).Get("/activities", stats.Cached(refresh.KindRecentActivities, "Activities"))
					r.With(cached).Get("/monthly", stats.Cached(refresh.KindMonthly, "Monthly stats"))

					aggregate := middleware.Metrics(metrics.EndpointActivityAggregate)
					r.With(aggregate).Get("/longest-run", acts.Longest("Run", "runs"))
					r.With(aggregate).Get("/longest-ride", acts.Longest("Ride", "rides"))
					r.With(aggregate).Get("/totals", acts.HandleTotals)
					r.With(aggregate).Get("/yearly", acts.HandleYearly)
				})
				r.With(readTimeout, middleware.Metrics(metrics.EndpointActivities)).Get("/activities", acts.HandleList)

				r.With(apiKey, middleware.Metrics(metrics.EndpointRefresh)).
					Post("/refresh-data", handlers.Refresh(runner, config.IntegrationStrava))
			})
		}

		if runner, ok := d.Runners[config.IntegrationWakaTime]; ok {
			r.Route("/wakatime", func(r chi.Router) {
				mountOAuth(r, oauthHandler, config.IntegrationWakaTime, apiKey)

				stats := handlers.NewStatsHandler(d.DB, config.IntegrationWakaTime)
				r.Route("/stats", func(r chi.Router) {
					r.Use(readTimeout, middleware.Metrics(metrics.EndpointStats))
					r.Get("/today", stats.Cached(refresh.KindToday, "Today's stats"))
					r.Get("/last-7-days", stats.Cached(refresh.KindLast7Days, "Last 7 days stats"))
					r.Get("/all-time", stats.Cached(refresh.KindAllTime, "All-time stats"))
				})

				r.With(apiKey, middleware.Metrics(metrics.EndpointRefresh)).
					Post("/refresh-data", handlers.Refresh(runner, config.IntegrationWakaTime))
			})
		}
	})

	return r
}

func mountOAuth(r chi.Router, h *handlers.OAuthHandler, integration string, apiKey func(http.Handler) http.Handler) {
	r.With(apiKey, middleware.Metrics(metrics.EndpointAuthorize)).Get("/authorize", h.Authorize(integration))
	r.With(middleware.Metrics(metrics.EndpointCallback)).Get("/callback", h.Callback(integration))
}

// NewMetricsRouter serves Prometheus metrics on the internal listener.
func NewMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// NewHTTPServer returns an http.Server with conservative timeouts.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
}
