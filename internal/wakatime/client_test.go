package wakatime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strava-wakatime-backend/internal/upstream"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL))
}

const summariesBody = `{
	"data": [
		{"grand_total": {"total_seconds": 3600, "text": "1 hr"}, "range": {"date": "2025-06-01"},
		 "languages": [{"name": "Go", "total_seconds": 3000}, {"name": "YAML", "total_seconds": 600}],
		 "projects": [{"name": "backend", "total_seconds": 3600}]},
		{"grand_total": {"total_seconds": 1800, "text": "30 mins"}, "range": {"date": "2025-06-02"},
		 "languages": [{"name": "Go", "total_seconds": 1800}]}
	],
	"cumulative_total": {"seconds": 5400, "text": "1 hr 30 mins"},
	"daily_average": {"seconds": 2700, "text": "45 mins"},
	"start": "2025-06-01T00:00:00Z",
	"end": "2025-06-02T23:59:59Z"
}`

func TestSummaries(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/current/summaries", r.URL.Path)
		assert.Equal(t, "2025-06-01", r.URL.Query().Get("start"))
		assert.Equal(t, "2025-06-02", r.URL.Query().Get("end"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(summariesBody))
	})

	resp, err := client.Summaries(context.Background(), "tok",
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var today map[string]any
	require.NoError(t, json.Unmarshal(resp.Today(), &today))
	assert.Contains(t, today, "grand_total")

	weekly, err := resp.Weekly()
	require.NoError(t, err)
	assert.Equal(t, 5400.0, weekly.TotalSeconds)
	assert.Equal(t, 2700.0, weekly.DailyAverageSeconds)
	require.Len(t, weekly.Days, 2)
	assert.Equal(t, "2025-06-02", weekly.Days[1].Date)

	require.Len(t, weekly.Languages, 2)
	assert.Equal(t, "Go", weekly.Languages[0].Name)
	assert.Equal(t, 4800.0, weekly.Languages[0].TotalSeconds)
	assert.InDelta(t, 88.89, weekly.Languages[0].Percent, 0.01)
	assert.Empty(t, weekly.Editors)
}

func TestTodayEmpty(t *testing.T) {
	resp := &SummariesResponse{}
	assert.JSONEq(t, `{}`, string(resp.Today()))
}

func TestStatsAndCurrentUser(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/current":
			w.Write([]byte(`{"data": {"id": "user-uuid", "username": "dev"}}`))
		case "/users/current/stats/all_time":
			w.Write([]byte(`{"data": {"total_seconds": 123456, "human_readable_total": "34 hrs"}}`))
		case "/users/current/stats/last_7_days":
			w.Write([]byte(`{"data": null}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	user, err := client.CurrentUser(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "user-uuid", user.ID)

	stats, err := client.Stats(ctx, "tok", "all_time")
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_seconds": 123456, "human_readable_total": "34 hrs"}`, string(stats))

	empty, err := client.Stats(ctx, "tok", "last_7_days")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(empty))
}

func TestAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "Unauthorized"}`))
	})

	_, err := client.CurrentUser(context.Background(), "expired")
	require.Error(t, err)
	assert.True(t, upstream.IsUnauthorized(err))
}
