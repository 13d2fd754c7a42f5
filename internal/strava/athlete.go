package strava

import (
	"context"
	"fmt"
	"time"

	"strava-wakatime-backend/internal/metrics"
)

// Athlete is the authenticated athlete profile.
type Athlete struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// Totals is one block of the athlete stats response.
type Totals struct {
	Count         int64   `json:"count"`
	Distance      float64 `json:"distance"`
	MovingTime    int64   `json:"moving_time"`
	ElapsedTime   int64   `json:"elapsed_time"`
	ElevationGain float64 `json:"elevation_gain"`
}

// AthleteStats mirrors GET /athletes/{id}/stats.
type AthleteStats struct {
	RecentRunTotals  Totals `json:"recent_run_totals"`
	RecentRideTotals Totals `json:"recent_ride_totals"`
	YTDRunTotals     Totals `json:"ytd_run_totals"`
	YTDRideTotals    Totals `json:"ytd_ride_totals"`
	AllRunTotals     Totals `json:"all_run_totals"`
	AllRideTotals    Totals `json:"all_ride_totals"`
}

// Athlete returns the athlete owning accessToken.
func (c *Client) Athlete(ctx context.Context, accessToken string) (*Athlete, error) {
	var a Athlete
	if err := c.getJSON(ctx, metrics.OpGetAthlete, "/athlete", accessToken, &a); err != nil {
		return nil, fmt.Errorf("failed to get athlete: %w", err)
	}
	return &a, nil
}

// AthleteStats returns the activity totals for athleteID.
func (c *Client) AthleteStats(ctx context.Context, accessToken string, athleteID int64) (*AthleteStats, error) {
	var s AthleteStats
	path := fmt.Sprintf("/athletes/%d/stats", athleteID)
	if err := c.getJSON(ctx, metrics.OpAthleteStats, path, accessToken, &s); err != nil {
		return nil, fmt.Errorf("failed to get athlete stats: %w", err)
	}
	return &s, nil
}

// Summary is the per-sport shape stored in cached stats.
type Summary struct {
	Count         int64   `json:"count"`
	Distance      float64 `json:"distance"`
	MovingTime    int64   `json:"moving_time"`
	ElevationGain float64 `json:"elevation_gain"`
}

func (s *Summary) add(a Activity) {
	s.Count++
	s.Distance += a.Distance
	s.MovingTime += a.MovingTime
	s.ElevationGain += a.TotalElevationGain
}

// YTD is the payload cached under the "ytd" kind.
type YTD struct {
	Run  Summary `json:"run"`
	Ride Summary `json:"ride"`
}

// NewYTD extracts the year-to-date run and ride totals.
func NewYTD(s *AthleteStats) YTD {
	conv := func(t Totals) Summary {
		return Summary{Count: t.Count, Distance: t.Distance, MovingTime: t.MovingTime, ElevationGain: t.ElevationGain}
	}
	return YTD{Run: conv(s.YTDRunTotals), Ride: conv(s.YTDRideTotals)}
}

// RecentActivity is one entry of the "recent_activities" payload.
type RecentActivity struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	Distance      float64    `json:"distance"`
	MovingTime    int64      `json:"moving_time"`
	ElevationGain float64    `json:"elevation_gain"`
	StartDate     *time.Time `json:"start_date"`
}

// NewRecentActivities converts a page of activities to the cached shape.
func NewRecentActivities(activities []Activity) []RecentActivity {
	out := make([]RecentActivity, 0, len(activities))
	for _, a := range activities {
		r := RecentActivity{
			ID:            a.ID,
			Name:          a.Name,
			Type:          a.Type,
			Distance:      a.Distance,
			MovingTime:    a.MovingTime,
			ElevationGain: a.TotalElevationGain,
		}
		if !a.StartDate.IsZero() {
			start := a.StartDate
			r.StartDate = &start
		}
		out = append(out, r)
	}
	return out
}

// NewMonthly groups activities by UTC start month, keyed "2006-01".
func NewMonthly(activities []Activity) map[string]Summary {
	out := make(map[string]Summary)
	for _, a := range activities {
		if a.StartDate.IsZero() {
			continue
		}
		key := a.StartDate.UTC().Format("2006-01")
		s := out[key]
		s.add(a)
		out[key] = s
	}
	return out
}
