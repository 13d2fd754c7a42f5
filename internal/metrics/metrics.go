package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Results
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"

	// Providers
	ProviderStrava   = "strava"
	ProviderWakaTime = "wakatime"

	// HTTP endpoints
	EndpointHealth            = "health"
	EndpointAuthorize         = "authorize"
	EndpointCallback          = "callback"
	EndpointStats             = "stats"
	EndpointActivities        = "activities"
	EndpointActivityAggregate = "activity_aggregate"
	EndpointRefresh           = "refresh"

	// Upstream API operations
	OpExchangeCode   = "exchange_code"
	OpRefreshToken   = "refresh_token"
	OpGetAthlete     = "get_athlete"
	OpAthleteStats   = "athlete_stats"
	OpListActivities = "list_activities"
	OpSummaries      = "summaries"
	OpStats          = "stats"
	OpCurrentUser    = "current_user"

	// Rate limit windows
	RateLimitOverall15Min = "overall_15min"
	RateLimitOverallDaily = "overall_daily"

	// Rate limit buckets
	BucketLimit = "limit"
	BucketUsage = "usage"

	// Database operations
	DBOpGetCredential     = "get_credential"
	DBOpUpsertCredential  = "upsert_credential"
	DBOpUpdateTokens      = "update_tokens"
	DBOpGetCachedStat     = "get_cached_stat"
	DBOpUpsertCachedStat  = "upsert_cached_stat"
	DBOpListCachedStats   = "list_cached_stats"
	DBOpUpsertActivities  = "upsert_activities"
	DBOpQueryActivities   = "query_activities"
	DBOpInsertRefreshRun  = "insert_refresh_run"
	DBOpLatestRefreshRuns = "latest_refresh_runs"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Upstream API Metrics
var (
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_api_requests_total",
			Help: "Total number of requests to Strava and WakaTime",
		},
		[]string{"provider", "operation", "status_code"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_api_request_duration_seconds",
			Help:    "Upstream API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	StravaRateLimitUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strava_rate_limit_usage",
			Help: "Strava API rate limit usage",
		},
		[]string{"limit_type", "bucket"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)
)

// Token Metrics
var (
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "Total number of OAuth token refresh attempts",
		},
		[]string{"integration", "result"},
	)

	LegacyTokenReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legacy_token_reads_total",
			Help: "Token fields read back without decryption",
		},
		[]string{"integration", "reason"},
	)
)

// Refresh Metrics
var (
	RefreshRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_runs_total",
			Help: "Total number of refresh runs by terminal state",
		},
		[]string{"integration", "trigger", "state"},
	)

	RefreshRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refresh_run_duration_seconds",
			Help:    "Duration of refresh runs",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"integration"},
	)

	ActivitiesSyncedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strava_activities_synced_total",
			Help: "Total number of Strava activities upserted",
		},
	)

	CacheAgeSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_age_seconds",
			Help: "Seconds since each cached stat was last refreshed",
		},
		[]string{"integration", "stat_kind"},
	)

	SchedulerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_active",
			Help: "Whether the refresh scheduler is running (1) or not (0)",
		},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)
