package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"strava-wakatime-backend/internal/metrics"
)

// CachedStat is the latest payload fetched for one statistic kind.
type CachedStat struct {
	Integration string
	Kind        string
	Payload     []byte // JSON
	FetchedAt   time.Time
}

// UpsertCachedStat inserts or replaces the payload for (integration, kind)
// and bumps fetched_at in the same statement. Concurrent callers for the same
// kind converge on a single row. q may be nil or an open transaction.
func (db *DB) UpsertCachedStat(ctx context.Context, q Querier, integration, kind string, payload []byte) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertCachedStat))
	defer timer.ObserveDuration()

	_, err := db.querier(q).ExecContext(ctx, `
		INSERT INTO cached_stats (integration, stat_kind, payload, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(integration, stat_kind) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at
	`, integration, kind, string(payload), db.now().UnixMilli())

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertCachedStat).Inc()
		return fmt.Errorf("failed to upsert cached stat %s/%s: %w", integration, kind, err)
	}
	return nil
}

// GetCachedStat returns the cached payload or nil if the kind was never refreshed.
func (db *DB) GetCachedStat(ctx context.Context, integration, kind string) (*CachedStat, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetCachedStat))
	defer timer.ObserveDuration()

	var (
		s         CachedStat
		payload   string
		fetchedAt int64
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT integration, stat_kind, payload, fetched_at
		FROM cached_stats
		WHERE integration = ? AND stat_kind = ?
	`, integration, kind).Scan(&s.Integration, &s.Kind, &payload, &fetchedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetCachedStat).Inc()
		return nil, fmt.Errorf("failed to get cached stat: %w", err)
	}

	s.Payload = []byte(payload)
	s.FetchedAt = time.UnixMilli(fetchedAt).UTC()
	return &s, nil
}

// ListCachedStats returns every cached row without payloads, ordered by integration and kind.
func (db *DB) ListCachedStats(ctx context.Context) ([]CachedStat, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListCachedStats))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT integration, stat_kind, fetched_at
		FROM cached_stats
		ORDER BY integration, stat_kind
	`)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListCachedStats).Inc()
		return nil, fmt.Errorf("failed to list cached stats: %w", err)
	}
	defer rows.Close()

	var stats []CachedStat
	for rows.Next() {
		var (
			s         CachedStat
			fetchedAt int64
		)
		if err := rows.Scan(&s.Integration, &s.Kind, &fetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cached stat: %w", err)
		}
		s.FetchedAt = time.UnixMilli(fetchedAt).UTC()
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cached stats: %w", err)
	}
	return stats, nil
}

// CacheAges adapts ListCachedStats to the metrics collector.
func (db *DB) CacheAges(ctx context.Context) ([]metrics.CacheEntry, error) {
	stats, err := db.ListCachedStats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]metrics.CacheEntry, 0, len(stats))
	for _, s := range stats {
		out = append(out, metrics.CacheEntry{Integration: s.Integration, Kind: s.Kind, FetchedAt: s.FetchedAt})
	}
	return out, nil
}
