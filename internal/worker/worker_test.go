package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"strava-wakatime-backend/internal/refresh"
	"strava-wakatime-backend/internal/tokens"
)

type countingRunner struct {
	name  string
	err   error
	calls atomic.Int32
	last  atomic.Value
}

func (c *countingRunner) Integration() string { return c.name }

func (c *countingRunner) Run(ctx context.Context, trigger string) (refresh.RunResult, error) {
	c.calls.Add(1)
	c.last.Store(trigger)
	return refresh.RunResult{Integration: c.name, Trigger: trigger}, c.err
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	failing := &countingRunner{name: "strava", err: errors.New("upstream down")}
	unauth := &countingRunner{name: "wakatime", err: tokens.ErrNotAuthenticated}
	healthy := &countingRunner{name: "other"}

	s := NewScheduler([]Runner{failing, unauth, healthy}, time.Hour, 0)
	s.RunOnce(context.Background())

	for _, r := range []*countingRunner{failing, unauth, healthy} {
		if r.calls.Load() != 1 {
			t.Errorf("Expected %s to run once, got %d", r.name, r.calls.Load())
		}
	}
	if got := healthy.last.Load(); got != refresh.TriggerScheduler {
		t.Errorf("Expected trigger %q, got %v", refresh.TriggerScheduler, got)
	}
}

func TestRunOnceStopsWhenCancelled(t *testing.T) {
	r := &countingRunner{name: "strava"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewScheduler([]Runner{r}, time.Hour, 0).RunOnce(ctx)
	if r.calls.Load() != 0 {
		t.Errorf("Expected no runs after cancel, got %d", r.calls.Load())
	}
}

func TestServeTicks(t *testing.T) {
	r := &countingRunner{name: "strava"}
	s := NewScheduler([]Runner{r}, 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for r.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if r.calls.Load() < 3 {
		t.Errorf("Expected at least 3 scheduled runs, got %d", r.calls.Load())
	}
}

func TestServeIdleWithoutRunners(t *testing.T) {
	s := NewScheduler(nil, time.Minute, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
