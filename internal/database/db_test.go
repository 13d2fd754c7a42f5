package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"credentials", "cached_stats", "strava_activities", "refresh_runs"} {
		var name string
		err := db.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s to exist: %v", table, err)
		}
	}

	// Init is idempotent
	if err := db.Init(); err != nil {
		t.Fatalf("Second Init failed: %v", err)
	}

	if err := db.Health(context.Background()); err != nil {
		t.Errorf("Health check failed: %v", err)
	}
}

func TestUpsertCachedStatKeepsSingleRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return base }

	if err := db.UpsertCachedStat(ctx, nil, "strava", "ytd", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}
	first, err := db.GetCachedStat(ctx, "strava", "ytd")
	if err != nil || first == nil {
		t.Fatalf("Failed to read first stat: %v", err)
	}

	db.now = func() time.Time { return base.Add(5 * time.Minute) }
	if err := db.UpsertCachedStat(ctx, nil, "strava", "ytd", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	second, err := db.GetCachedStat(ctx, "strava", "ytd")
	if err != nil || second == nil {
		t.Fatalf("Failed to read second stat: %v", err)
	}

	if string(second.Payload) != `{"v":2}` {
		t.Errorf("Expected latest payload, got %s", second.Payload)
	}
	if !second.FetchedAt.After(first.FetchedAt) {
		t.Errorf("Expected fetched_at to advance, got %v then %v", first.FetchedAt, second.FetchedAt)
	}

	if n := countCachedStats(t, db, "strava", "ytd"); n != 1 {
		t.Errorf("Expected 1 row, got %d", n)
	}
}

func countCachedStats(t *testing.T, db *DB, integration, kind string) int {
	t.Helper()
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM cached_stats WHERE integration = ? AND stat_kind = ?`, integration, kind).Scan(&n)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return n
}

// Each writer gets its own *DB, and with it its own SQLite connection, so
// the upserts race at the database rather than queueing on one pool.
func TestConcurrentUpsertCachedStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	const writers = 12
	handles := make([]*DB, writers)
	for i := range handles {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Failed to open handle %d: %v", i, err)
		}
		t.Cleanup(func() { db.Close() })
		handles[i] = db
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, writers)

	for i, db := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			payload := fmt.Appendf(nil, `{"writer":%d}`, i)
			if err := db.UpsertCachedStat(ctx, nil, "wakatime", "today", payload); err != nil {
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent upsert failed: %v", err)
	}

	if n := countCachedStats(t, handles[0], "wakatime", "today"); n != 1 {
		t.Errorf("Expected exactly 1 row after concurrent upserts, got %d", n)
	}
	stat, err := handles[0].GetCachedStat(ctx, "wakatime", "today")
	if err != nil || stat == nil {
		t.Fatalf("Failed to read stat: %v", err)
	}
	if !strings.HasPrefix(string(stat.Payload), `{"writer":`) {
		t.Errorf("Expected a payload from one of the writers, got %s", stat.Payload)
	}
}

func TestGetCachedStatMissing(t *testing.T) {
	db := openTestDB(t)

	stat, err := db.GetCachedStat(context.Background(), "strava", "monthly")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stat != nil {
		t.Errorf("Expected nil for missing stat, got %+v", stat)
	}
}

func TestListCachedStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, kind := range []string{"ytd", "monthly"} {
		if err := db.UpsertCachedStat(ctx, nil, "strava", kind, []byte(`{}`)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	if err := db.UpsertCachedStat(ctx, nil, "wakatime", "all_time", []byte(`{}`)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	stats, err := db.ListCachedStats(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("Expected 3 stats, got %d", len(stats))
	}
	if stats[0].Kind != "monthly" || stats[1].Kind != "ytd" || stats[2].Integration != "wakatime" {
		t.Errorf("Unexpected ordering: %+v", stats)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := db.UpsertCachedStat(ctx, tx, "strava", "ytd", []byte(`{}`)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	stat, err := db.GetCachedStat(ctx, "strava", "ytd")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stat != nil {
		t.Error("Expected rolled back write to be absent")
	}

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		return db.UpsertCachedStat(ctx, tx, "strava", "ytd", []byte(`{}`))
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	stat, _ = db.GetCachedStat(ctx, "strava", "ytd")
	if stat == nil {
		t.Error("Expected committed write to be visible")
	}
}

func TestRefreshRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	runs := []RefreshRun{
		{Integration: "strava", Trigger: "scheduler", State: "rolled_back", Error: "upstream", StartedAt: start, FinishedAt: start.Add(time.Second)},
		{Integration: "strava", Trigger: "manual", State: "committed", Kinds: []string{"ytd", "monthly"}, StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour + 2*time.Second)},
		{Integration: "wakatime", Trigger: "callback", State: "committed", Kinds: []string{"today"}, StartedAt: start, FinishedAt: start.Add(time.Second)},
	}
	for i := range runs {
		id, err := db.InsertRefreshRun(ctx, &runs[i])
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if id == 0 || runs[i].ID != id {
			t.Errorf("Expected id to be set, got %d", id)
		}
	}

	latest, err := db.LatestRefreshRuns(ctx)
	if err != nil {
		t.Fatalf("LatestRefreshRuns failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(latest))
	}

	strava := latest[0]
	if strava.Integration != "strava" || strava.State != "committed" || strava.Trigger != "manual" {
		t.Errorf("Unexpected latest strava run: %+v", strava)
	}
	if len(strava.Kinds) != 2 || strava.Kinds[1] != "monthly" {
		t.Errorf("Expected kinds to round trip, got %v", strava.Kinds)
	}
	if strava.Duration() != 2*time.Second {
		t.Errorf("Expected 2s duration, got %v", strava.Duration())
	}
	if latest[1].Integration != "wakatime" || latest[1].Error != "" {
		t.Errorf("Unexpected latest wakatime run: %+v", latest[1])
	}
}
