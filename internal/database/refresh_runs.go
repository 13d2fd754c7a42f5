package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"strava-wakatime-backend/internal/metrics"
)

// RefreshRun is one recorded pass of the refresh orchestrator.
type RefreshRun struct {
	ID          int64
	Integration string
	Trigger     string
	State       string
	Kinds       []string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration returns how long the run took.
func (r RefreshRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// InsertRefreshRun records a finished run and returns its id.
func (db *DB) InsertRefreshRun(ctx context.Context, run *RefreshRun) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpInsertRefreshRun))
	defer timer.ObserveDuration()

	var errText sql.NullString
	if run.Error != "" {
		errText = sql.NullString{String: run.Error, Valid: true}
	}

	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO refresh_runs (integration, trigger, state, kinds, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.Integration, run.Trigger, run.State, strings.Join(run.Kinds, ","), errText,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpInsertRefreshRun).Inc()
		return 0, fmt.Errorf("failed to insert refresh run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get refresh run id: %w", err)
	}
	run.ID = id
	return id, nil
}

// LatestRefreshRuns returns the most recent run for each integration,
// ordered by integration name.
func (db *DB) LatestRefreshRuns(ctx context.Context) ([]RefreshRun, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpLatestRefreshRuns))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.id, r.integration, r.trigger, r.state, r.kinds, r.error, r.started_at, r.finished_at
		FROM refresh_runs r
		WHERE r.id = (
			SELECT id FROM refresh_runs
			WHERE integration = r.integration
			ORDER BY finished_at DESC, id DESC
			LIMIT 1
		)
		ORDER BY r.integration
	`)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpLatestRefreshRuns).Inc()
		return nil, fmt.Errorf("failed to query refresh runs: %w", err)
	}
	defer rows.Close()

	var runs []RefreshRun
	for rows.Next() {
		var (
			r                 RefreshRun
			kinds             string
			errText           sql.NullString
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Integration, &r.Trigger, &r.State, &kinds, &errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan refresh run: %w", err)
		}
		if kinds != "" {
			r.Kinds = strings.Split(kinds, ",")
		}
		r.Error = errText.String
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating refresh runs: %w", err)
	}
	return runs, nil
}
