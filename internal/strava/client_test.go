package strava

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"strava-wakatime-backend/internal/upstream"
)

func setupTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(
		WithBaseURL(server.URL),
		WithRetryDelay(time.Millisecond),
		WithPageRate(time.Millisecond),
	)
	return client, server
}

func TestAthleteAndStats(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("Expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/athlete":
			w.Write([]byte(`{"id": 12345, "username": "runner"}`))
		case "/athletes/12345/stats":
			w.Write([]byte(`{
				"ytd_run_totals": {"count": 10, "distance": 52000.5, "moving_time": 18000, "elevation_gain": 400},
				"ytd_ride_totals": {"count": 2, "distance": 80000}
			}`))
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()
	athlete, err := client.Athlete(ctx, "token")
	if err != nil {
		t.Fatalf("Athlete failed: %v", err)
	}
	if athlete.ID != 12345 {
		t.Errorf("Expected athlete 12345, got %d", athlete.ID)
	}

	stats, err := client.AthleteStats(ctx, "token", athlete.ID)
	if err != nil {
		t.Fatalf("AthleteStats failed: %v", err)
	}

	ytd := NewYTD(stats)
	if ytd.Run.Count != 10 || ytd.Run.Distance != 52000.5 || ytd.Run.ElevationGain != 400 {
		t.Errorf("Unexpected run totals: %+v", ytd.Run)
	}
	if ytd.Ride.Count != 2 || ytd.Ride.MovingTime != 0 {
		t.Errorf("Expected absent fields to default to zero, got %+v", ytd.Ride)
	}
}

func TestClientErrors(t *testing.T) {
	t.Run("client error is not retried", func(t *testing.T) {
		var calls atomic.Int32
		client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Authorization Error"}`))
		})

		_, err := client.Athlete(context.Background(), "bad")
		if !upstream.IsUnauthorized(err) {
			t.Fatalf("Expected 401 APIError, got %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("Expected 1 call, got %d", calls.Load())
		}
	})

	t.Run("server error is retried", func(t *testing.T) {
		var calls atomic.Int32
		client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"id": 1}`))
		})

		athlete, err := client.Athlete(context.Background(), "token")
		if err != nil {
			t.Fatalf("Expected retry to succeed, got %v", err)
		}
		if athlete.ID != 1 || calls.Load() != 3 {
			t.Errorf("Expected success on third call, got id=%d calls=%d", athlete.ID, calls.Load())
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var calls atomic.Int32
		client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		})

		_, err := client.Athlete(context.Background(), "token")
		var apiErr *upstream.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("Expected 429 APIError, got %v", err)
		}
		if calls.Load() != maxRetries+1 {
			t.Errorf("Expected %d calls, got %d", maxRetries+1, calls.Load())
		}
	})
}

func TestRateLimitTracking(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "200,2000")
		w.Header().Set("X-RateLimit-Usage", "150, 1500")
		w.Write([]byte(`{"id": 1}`))
	})

	if _, err := client.Athlete(context.Background(), "token"); err != nil {
		t.Fatalf("Athlete failed: %v", err)
	}

	q := client.Quota()
	if q.ShortTerm.Usage != 150 || q.ShortTerm.Limit != 200 {
		t.Errorf("Expected 150/200 15min usage, got %d/%d", q.ShortTerm.Usage, q.ShortTerm.Limit)
	}
	if q.Daily.Usage != 1500 || q.Daily.Limit != 2000 {
		t.Errorf("Expected 1500/2000 daily usage, got %d/%d", q.Daily.Usage, q.Daily.Limit)
	}
}

func TestExhaustedQuotaSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("X-RateLimit-Limit", "200,2000")
		w.Header().Set("X-RateLimit-Usage", "200,1500")
		w.Write([]byte(`{"id": 1}`))
	})

	if _, err := client.Athlete(context.Background(), "token"); err != nil {
		t.Fatalf("First call failed: %v", err)
	}
	_, err := client.Athlete(context.Background(), "token")
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("Expected ErrQuotaExhausted, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 upstream call, got %d", calls.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"15", 15 * time.Second},
		{"soon", 0},
		{"-3", 0},
	}
	for _, tt := range tests {
		h := http.Header{}
		h.Set("Retry-After", tt.header)
		if got := parseRetryAfter(h); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
