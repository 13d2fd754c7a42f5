package refresh

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"strava-wakatime-backend/internal/config"
	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/metrics"
	"strava-wakatime-backend/internal/strava"
	"strava-wakatime-backend/internal/wakatime"
)

// Cached stat kinds.
const (
	KindActivitySync     = "activity_sync"
	KindYTD              = "ytd"
	KindRecentActivities = "recent_activities"
	KindMonthly          = "monthly"

	KindToday     = "today"
	KindLast7Days = "last_7_days"
	KindAllTime   = "all_time"
)

const (
	recentActivityLimit = 30
	monthlyWindow       = 12 * 30 * 24 * time.Hour
)

// StravaSteps syncs activities since database.ActivityCutoff, then caches
// the ytd, recent_activities and monthly kinds. The monthly step reuses the
// activities synced earlier in the same run when they cover its window, and
// releases them once it has.
func StravaSteps(db *database.DB, client *strava.Client, now func() time.Time) []Step {
	var synced []strava.Activity
	var syncedFrom time.Time

	activitySync := Step{
		Kind: KindActivitySync,
		Fetch: func(ctx context.Context, token string) (Apply, error) {
			synced, syncedFrom = nil, time.Time{}
			var all []strava.Activity
			for a, err := range client.Activities(ctx, token, database.ActivityCutoff, strava.MaxPerPage) {
				if err != nil {
					return nil, err
				}
				all = append(all, a)
			}
			synced, syncedFrom = all, database.ActivityCutoff

			rows := toRows(all)
			return func(ctx context.Context, tx *sql.Tx) error {
				if err := db.UpsertActivities(ctx, tx, rows); err != nil {
					return err
				}
				metrics.ActivitiesSyncedTotal.Add(float64(len(rows)))
				return nil
			}, nil
		},
	}

	ytd := CachedStep(db, config.IntegrationStrava, KindYTD, func(ctx context.Context, token string) (any, error) {
		athlete, err := client.Athlete(ctx, token)
		if err != nil {
			return nil, err
		}
		stats, err := client.AthleteStats(ctx, token, athlete.ID)
		if err != nil {
			return nil, err
		}
		return strava.NewYTD(stats), nil
	})

	recent := CachedStep(db, config.IntegrationStrava, KindRecentActivities, func(ctx context.Context, token string) (any, error) {
		activities, err := client.ListActivities(ctx, token, strava.ListParams{Page: 1, PerPage: recentActivityLimit})
		if err != nil {
			return nil, err
		}
		return strava.NewRecentActivities(activities), nil
	})

	monthly := CachedStep(db, config.IntegrationStrava, KindMonthly, func(ctx context.Context, token string) (any, error) {
		end := now().UTC()
		start := end.Add(-monthlyWindow)

		reuse, from := synced, syncedFrom
		synced, syncedFrom = nil, time.Time{}

		if !from.IsZero() && !start.Before(from) {
			var window []strava.Activity
			for _, a := range reuse {
				if !a.StartDate.Before(start) && !a.StartDate.After(end) {
					window = append(window, a)
				}
			}
			return strava.NewMonthly(window), nil
		}

		var window []strava.Activity
		for a, err := range client.Activities(ctx, token, start, strava.MaxPerPage) {
			if err != nil {
				return nil, err
			}
			window = append(window, a)
		}
		return strava.NewMonthly(window), nil
	})

	return []Step{activitySync, ytd, recent, monthly}
}

func toRows(activities []strava.Activity) []database.Activity {
	rows := make([]database.Activity, 0, len(activities))
	for _, a := range activities {
		if a.StartDate.Before(database.ActivityCutoff) {
			continue
		}
		rows = append(rows, database.Activity{
			ID:                 a.ID,
			Name:               a.Name,
			Type:               a.Type,
			Distance:           a.Distance,
			MovingTime:         a.MovingTime,
			ElapsedTime:        a.ElapsedTime,
			TotalElevationGain: a.TotalElevationGain,
			AverageSpeed:       a.AverageSpeed,
			MaxSpeed:           a.MaxSpeed,
			StartDate:          a.StartDate,
			StartDateLocal:     a.StartDateLocal,
		})
	}
	return rows
}

// WakaTimeSteps caches the today, last_7_days and all_time kinds.
func WakaTimeSteps(db *database.DB, client *wakatime.Client, now func() time.Time) []Step {
	today := CachedStep(db, config.IntegrationWakaTime, KindToday, func(ctx context.Context, token string) (any, error) {
		day := now()
		resp, err := client.Summaries(ctx, token, day, day)
		if err != nil {
			return nil, err
		}
		return resp.Today(), nil
	})

	week := CachedStep(db, config.IntegrationWakaTime, KindLast7Days, func(ctx context.Context, token string) (any, error) {
		end := now()
		resp, err := client.Summaries(ctx, token, end.AddDate(0, 0, -6), end)
		if err != nil {
			return nil, err
		}
		weekly, err := resp.Weekly()
		if err != nil {
			return nil, fmt.Errorf("failed to summarise week: %w", err)
		}
		return weekly, nil
	})

	allTime := CachedStep(db, config.IntegrationWakaTime, KindAllTime, func(ctx context.Context, token string) (any, error) {
		return client.Stats(ctx, token, "all_time")
	})

	return []Step{today, week, allTime}
}
