package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"strava-wakatime-backend/internal/metrics"
)

// ActivityCutoff is the earliest start date that is synced or queryable.
var ActivityCutoff = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Activity represents a synced Strava activity
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	Distance           float64   `json:"distance"`
	MovingTime         int64     `json:"moving_time"`
	ElapsedTime        int64     `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageSpeed       float64   `json:"average_speed"`
	MaxSpeed           float64   `json:"max_speed"`
	StartDate          time.Time `json:"start_date"`
	StartDateLocal     time.Time `json:"start_date_local"`
}

// ActivityFilter narrows ListActivities. Zero values mean no filter.
type ActivityFilter struct {
	Year   int
	Type   string
	Limit  int
	Offset int
}

// Totals aggregates distance and time for one activity type.
type Totals struct {
	Count         int64   `json:"count"`
	Distance      float64 `json:"distance"`
	MovingTime    int64   `json:"moving_time"`
	ElevationGain float64 `json:"elevation_gain"`
}

const activityColumns = `
	id, name, activity_type, distance, moving_time, elapsed_time,
	total_elevation_gain, average_speed, max_speed,
	start_date, start_date_local`

// UpsertActivities writes a batch with one prepared statement. Rows that
// already exist have every non-key column replaced by the incoming values.
func (db *DB) UpsertActivities(ctx context.Context, q Querier, activities []Activity) error {
	if len(activities) == 0 {
		return nil
	}

	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertActivities))
	defer timer.ObserveDuration()

	stmt, err := db.querier(q).PrepareContext(ctx, `
		INSERT INTO strava_activities (
			id, name, activity_type, distance, moving_time, elapsed_time,
			total_elevation_gain, average_speed, max_speed,
			start_date, start_date_local, year, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			activity_type = excluded.activity_type,
			distance = excluded.distance,
			moving_time = excluded.moving_time,
			elapsed_time = excluded.elapsed_time,
			total_elevation_gain = excluded.total_elevation_gain,
			average_speed = excluded.average_speed,
			max_speed = excluded.max_speed,
			start_date = excluded.start_date,
			start_date_local = excluded.start_date_local,
			year = excluded.year,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertActivities).Inc()
		return fmt.Errorf("failed to prepare activity upsert: %w", err)
	}
	defer stmt.Close()

	now := db.now().Unix()
	for _, a := range activities {
		local := a.StartDateLocal
		if local.IsZero() {
			local = a.StartDate
		}
		_, err := stmt.ExecContext(ctx,
			a.ID, a.Name, a.Type, a.Distance, a.MovingTime, a.ElapsedTime,
			a.TotalElevationGain, a.AverageSpeed, a.MaxSpeed,
			formatTime(a.StartDate), formatTime(local), local.Year(), now,
		)
		if err != nil {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertActivities).Inc()
			return fmt.Errorf("failed to upsert activity %d: %w", a.ID, err)
		}
	}

	return nil
}

// ListActivities returns matching activities, newest first, and the total
// number of matches ignoring limit and offset.
func (db *DB) ListActivities(ctx context.Context, f ActivityFilter) ([]Activity, int, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpQueryActivities))
	defer timer.ObserveDuration()

	where, args := f.where()

	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM strava_activities`+where, args...).Scan(&total); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpQueryActivities).Inc()
		return nil, 0, fmt.Errorf("failed to count activities: %w", err)
	}

	query := `SELECT ` + activityColumns + ` FROM strava_activities` + where + ` ORDER BY start_date DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpQueryActivities).Inc()
		return nil, 0, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	activities := []Activity{}
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating activities: %w", err)
	}

	return activities, total, nil
}

// LongestActivity returns the longest activity of activityType in year, or nil.
func (db *DB) LongestActivity(ctx context.Context, activityType string, year int) (*Activity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpQueryActivities))
	defer timer.ObserveDuration()

	row := db.conn.QueryRowContext(ctx, `
		SELECT `+activityColumns+`
		FROM strava_activities
		WHERE activity_type = ? AND year = ?
		ORDER BY distance DESC
		LIMIT 1
	`, activityType, year)

	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpQueryActivities).Inc()
		return nil, fmt.Errorf("failed to get longest activity: %w", err)
	}
	return a, nil
}

// TotalsByType aggregates all synced activities per activity type.
func (db *DB) TotalsByType(ctx context.Context) (map[string]Totals, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT activity_type, COUNT(id), COALESCE(SUM(distance), 0),
		       COALESCE(SUM(moving_time), 0), COALESCE(SUM(total_elevation_gain), 0)
		FROM strava_activities
		GROUP BY activity_type
	`)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpQueryActivities).Inc()
		return nil, fmt.Errorf("failed to aggregate totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var (
			typ string
			t   Totals
		)
		if err := rows.Scan(&typ, &t.Count, &t.Distance, &t.MovingTime, &t.ElevationGain); err != nil {
			return nil, fmt.Errorf("failed to scan totals: %w", err)
		}
		out[typ] = t
	}
	return out, rows.Err()
}

// TotalsByYear aggregates activities per year and type, keyed by "YYYY".
func (db *DB) TotalsByYear(ctx context.Context) (map[string]map[string]Totals, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT year, activity_type, COUNT(id), COALESCE(SUM(distance), 0),
		       COALESCE(SUM(moving_time), 0), COALESCE(SUM(total_elevation_gain), 0)
		FROM strava_activities
		GROUP BY year, activity_type
		ORDER BY year DESC, activity_type
	`)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpQueryActivities).Inc()
		return nil, fmt.Errorf("failed to aggregate yearly totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]Totals)
	for rows.Next() {
		var (
			year int
			typ  string
			t    Totals
		)
		if err := rows.Scan(&year, &typ, &t.Count, &t.Distance, &t.MovingTime, &t.ElevationGain); err != nil {
			return nil, fmt.Errorf("failed to scan yearly totals: %w", err)
		}
		key := fmt.Sprintf("%d", year)
		if out[key] == nil {
			out[key] = make(map[string]Totals)
		}
		out[key][typ] = t
	}
	return out, rows.Err()
}

func (f ActivityFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Year != 0 {
		clauses = append(clauses, "year = ?")
		args = append(args, f.Year)
	}
	if f.Type != "" {
		clauses = append(clauses, "activity_type = ?")
		args = append(args, f.Type)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(r rowScanner) (*Activity, error) {
	var (
		a               Activity
		start, startLoc string
	)
	err := r.Scan(
		&a.ID, &a.Name, &a.Type, &a.Distance, &a.MovingTime, &a.ElapsedTime,
		&a.TotalElevationGain, &a.AverageSpeed, &a.MaxSpeed,
		&start, &startLoc,
	)
	if err != nil {
		return nil, err
	}
	a.StartDate = parseTime(start)
	a.StartDateLocal = parseTime(startLoc)
	return &a, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
