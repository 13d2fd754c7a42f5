// Package refresh runs all-or-nothing refreshes of an integration's cached
// statistics.
//
// A run fetches every step's data first and keeps it in memory. Only when
// all steps have succeeded does it open one transaction and apply the staged
// writes. A failure anywhere discards everything staged in that run.
package refresh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/metrics"
	"strava-wakatime-backend/internal/strava"
	"strava-wakatime-backend/internal/tokens"
	"strava-wakatime-backend/internal/upstream"
)

// State is a point in a run's lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateStaged     State = "staged"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// Triggers recorded with each run.
const (
	TriggerManual    = "manual"
	TriggerScheduler = "scheduler"
	TriggerCallback  = "callback"
	TriggerCLI       = "cli"
)

// ErrRunInProgress is returned when a run for the same integration is
// already underway.
var ErrRunInProgress = errors.New("refresh already in progress")

var errStorage = errors.New("storage failure")

// FailureReason maps a run error to a short category. It is what the run
// history stores and /health shows, so provider bodies and SQL detail stay
// in the logs.
func FailureReason(err error) string {
	var apiErr *upstream.APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRunInProgress):
		return "in_progress"
	case errors.Is(err, tokens.ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, tokens.ErrRefreshRejected), upstream.IsUnauthorized(err):
		return "credential_rejected"
	case errors.Is(err, strava.ErrQuotaExhausted), upstream.IsTooManyRequests(err):
		return "rate_limited"
	case upstream.IsBreakerOpen(err):
		return "upstream_unavailable"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("upstream_status_%d", apiErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, errStorage):
		return "storage"
	default:
		return "internal"
	}
}

// TokenSource hands out a usable access token.
type TokenSource interface {
	ValidAccessToken(ctx context.Context) (string, error)
}

// Apply writes one staged result inside the run transaction.
type Apply func(ctx context.Context, tx *sql.Tx) error

// Step fetches the data for one kind and returns the write that stores it.
// Fetch must not touch the database.
type Step struct {
	Kind  string
	Fetch func(ctx context.Context, accessToken string) (Apply, error)
}

// Transition is emitted to observers on every state change.
type Transition struct {
	Integration   string
	Trigger       string
	CorrelationID string
	State         State
	Kind          string
	Err           error
	At            time.Time
}

// Observer receives transitions synchronously, in order.
type Observer func(Transition)

// RunResult describes a finished run.
type RunResult struct {
	Integration   string
	Trigger       string
	CorrelationID string
	State         State
	Kinds         []string
	Err           error
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Orchestrator refreshes one integration.
type Orchestrator struct {
	integration string
	db          *database.DB
	tokens      TokenSource
	steps       []Step
	observers   []Observer
	running     atomic.Bool
	now         func() time.Time
	logger      zerolog.Logger
}

// New creates an orchestrator that runs steps in order.
func New(integration string, db *database.DB, tokens TokenSource, steps []Step) *Orchestrator {
	o := &Orchestrator{
		integration: integration,
		db:          db,
		tokens:      tokens,
		steps:       steps,
		now:         time.Now,
		logger:      logging.WithComponent("refresh").With().Str("integration", integration).Logger(),
	}
	o.observers = []Observer{o.logTransition}
	return o
}

// Observe registers an observer for state transitions.
func (o *Orchestrator) Observe(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Integration returns the integration this orchestrator refreshes.
func (o *Orchestrator) Integration() string {
	return o.integration
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Run performs one refresh. The returned error equals result.Err.
func (o *Orchestrator) Run(ctx context.Context, trigger string) (RunResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		metrics.RefreshRunsTotal.WithLabelValues(o.integration, trigger, metrics.ResultSkipped).Inc()
		return RunResult{Integration: o.integration, Trigger: trigger, State: StateIdle, Err: ErrRunInProgress}, ErrRunInProgress
	}
	defer o.running.Store(false)

	res := RunResult{
		Integration:   o.integration,
		Trigger:       trigger,
		CorrelationID: logging.CorrelationIDFromContext(ctx),
		StartedAt:     o.now(),
	}
	o.emit(res, StateIdle, "", nil)

	err := o.run(ctx, &res)

	res.FinishedAt = o.now()
	res.Err = err
	if err != nil {
		res.State = StateRolledBack
	} else {
		res.State = StateCommitted
	}
	o.emit(res, res.State, "", err)

	metrics.RefreshRunsTotal.WithLabelValues(o.integration, trigger, string(res.State)).Inc()
	metrics.RefreshRunDuration.WithLabelValues(o.integration).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	o.record(res)

	return res, err
}

func (o *Orchestrator) run(ctx context.Context, res *RunResult) error {
	token, err := o.tokens.ValidAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	staged := make([]Apply, 0, len(o.steps))
	for _, step := range o.steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		o.emit(*res, StateFetching, step.Kind, nil)
		apply, err := step.Fetch(ctx, token)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", step.Kind, err)
		}
		staged = append(staged, apply)
		res.Kinds = append(res.Kinds, step.Kind)
		o.emit(*res, StateStaged, step.Kind, nil)
	}

	err = o.db.WithTx(ctx, func(tx *sql.Tx) error {
		for i, apply := range staged {
			if err := apply(ctx, tx); err != nil {
				return fmt.Errorf("failed to store %s: %w", o.steps[i].Kind, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errStorage, err)
	}
	return nil
}

func (o *Orchestrator) emit(res RunResult, state State, kind string, err error) {
	t := Transition{
		Integration:   o.integration,
		Trigger:       res.Trigger,
		CorrelationID: res.CorrelationID,
		State:         state,
		Kind:          kind,
		Err:           err,
		At:            o.now(),
	}
	for _, obs := range o.observers {
		obs(t)
	}
}

func (o *Orchestrator) logTransition(t Transition) {
	switch t.State {
	case StateCommitted:
		o.logger.Info().Str("trigger", t.Trigger).Msg("Refresh committed")
	case StateRolledBack:
		o.logger.Error().
			Err(t.Err).
			Str("trigger", t.Trigger).
			Str("reason", FailureReason(t.Err)).
			Str("correlation_id", t.CorrelationID).
			Msg("Refresh rolled back")
	default:
		o.logger.Debug().Str("state", string(t.State)).Str("kind", t.Kind).Msg("Refresh transition")
	}
}

func (o *Orchestrator) record(res RunResult) {
	run := &database.RefreshRun{
		Integration: res.Integration,
		Trigger:     res.Trigger,
		State:       string(res.State),
		Kinds:       res.Kinds,
		Error:       FailureReason(res.Err),
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
	}

	// The run context may already be cancelled; the log entry should still land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.db.InsertRefreshRun(ctx, run); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to record refresh run")
	}
}

// CachedStep builds a step whose fetched value is stored as the JSON payload
// of (integration, kind) in the stats cache.
func CachedStep(db *database.DB, integration, kind string, fetch func(ctx context.Context, accessToken string) (any, error)) Step {
	return Step{
		Kind: kind,
		Fetch: func(ctx context.Context, accessToken string) (Apply, error) {
			v, err := fetch(ctx, accessToken)
			if err != nil {
				return nil, err
			}
			payload, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
			}
			return func(ctx context.Context, tx *sql.Tx) error {
				return db.UpsertCachedStat(ctx, tx, integration, kind, payload)
			}, nil
		},
	}
}
