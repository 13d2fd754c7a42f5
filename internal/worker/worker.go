// Package worker runs the periodic refresh of every enabled integration.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/metrics"
	"strava-wakatime-backend/internal/refresh"
	"strava-wakatime-backend/internal/tokens"
)

// Runner is one integration's refresh orchestrator.
type Runner interface {
	Integration() string
	Run(ctx context.Context, trigger string) (refresh.RunResult, error)
}

// Scheduler triggers a refresh run for each runner on a fixed interval.
type Scheduler struct {
	runners      []Runner
	interval     time.Duration
	initialDelay time.Duration
	logger       zerolog.Logger
}

// NewScheduler creates a scheduler. The first pass starts after
// initialDelay, then every interval.
func NewScheduler(runners []Runner, interval, initialDelay time.Duration) *Scheduler {
	return &Scheduler{
		runners:      runners,
		interval:     interval,
		initialDelay: initialDelay,
		logger:       logging.WithComponent("scheduler"),
	}
}

// Serve runs until ctx is cancelled. It implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	if s.interval <= 0 || len(s.runners) == 0 {
		s.logger.Info().Msg("Scheduler has nothing to do")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("initial_delay", s.initialDelay).
		Int("integrations", len(s.runners)).
		Msg("Starting refresh scheduler")
	metrics.SchedulerActive.Set(1)
	defer metrics.SchedulerActive.Set(0)

	timer := time.NewTimer(s.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Stopping refresh scheduler")
			return ctx.Err()
		case <-timer.C:
			s.RunOnce(ctx)
			timer.Reset(s.interval)
		}
	}
}

// RunOnce refreshes every integration in turn. Failures are logged; one
// integration failing does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, r := range s.runners {
		if ctx.Err() != nil {
			return
		}

		logger := s.logger.With().Str("integration", r.Integration()).Logger()
		res, err := r.Run(ctx, refresh.TriggerScheduler)
		switch {
		case err == nil:
			logger.Info().
				Strs("kinds", res.Kinds).
				Dur("duration", res.FinishedAt.Sub(res.StartedAt)).
				Msg("Scheduled refresh committed")
		case errors.Is(err, refresh.ErrRunInProgress):
			logger.Debug().Msg("Refresh already running, skipping tick")
		case errors.Is(err, tokens.ErrNotAuthenticated):
			logger.Info().Msg("Integration not authorized yet, skipping")
		default:
			logger.Error().Err(err).Msg("Scheduled refresh failed")
		}
	}
}

func (s *Scheduler) String() string {
	return "refresh-scheduler"
}
