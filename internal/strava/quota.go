package strava

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"strava-wakatime-backend/internal/metrics"
)

// ErrQuotaExhausted is returned without calling Strava while the last seen
// usage has reached a window's limit.
var ErrQuotaExhausted = errors.New("strava rate limit exhausted")

// Window is one Strava rate-limit window.
type Window struct {
	Limit int `json:"limit"`
	Usage int `json:"usage"`
}

// Percent returns usage as a percentage of the limit.
func (w Window) Percent() float64 {
	if w.Limit <= 0 {
		return 0
	}
	return float64(w.Usage) / float64(w.Limit) * 100
}

// Exhausted reports whether no requests are left in the window.
func (w Window) Exhausted() bool {
	return w.Limit > 0 && w.Usage >= w.Limit
}

// QuotaSnapshot is a point-in-time copy of Quota.
type QuotaSnapshot struct {
	ShortTerm  Window    `json:"short_term"`
	Daily      Window    `json:"daily"`
	ObservedAt time.Time `json:"observed_at"`
}

// Quota tracks the usage Strava reports in X-RateLimit-Limit and
// X-RateLimit-Usage. The short-term window resets on every quarter hour and
// the daily window at midnight UTC.
type Quota struct {
	mu         sync.RWMutex
	shortTerm  Window
	daily      Window
	observedAt time.Time
	now        func() time.Time
}

// NewQuota starts from Strava's default application limits.
func NewQuota() *Quota {
	return &Quota{
		shortTerm: Window{Limit: 200},
		daily:     Window{Limit: 2000},
		now:       time.Now,
	}
}

// Observe records the limits carried by a response. It returns false when the
// headers are missing or malformed.
func (q *Quota) Observe(h http.Header) bool {
	limit15, limitDay, ok := parsePair(h.Get("X-RateLimit-Limit"))
	if !ok {
		return false
	}
	usage15, usageDay, ok := parsePair(h.Get("X-RateLimit-Usage"))
	if !ok {
		return false
	}

	q.mu.Lock()
	q.shortTerm = Window{Limit: limit15, Usage: usage15}
	q.daily = Window{Limit: limitDay, Usage: usageDay}
	q.observedAt = q.now()
	q.mu.Unlock()

	g := metrics.StravaRateLimitUsage
	g.WithLabelValues(metrics.RateLimitOverall15Min, metrics.BucketLimit).Set(float64(limit15))
	g.WithLabelValues(metrics.RateLimitOverall15Min, metrics.BucketUsage).Set(float64(usage15))
	g.WithLabelValues(metrics.RateLimitOverallDaily, metrics.BucketLimit).Set(float64(limitDay))
	g.WithLabelValues(metrics.RateLimitOverallDaily, metrics.BucketUsage).Set(float64(usageDay))
	return true
}

// Snapshot returns the last observed usage.
func (q *Quota) Snapshot() QuotaSnapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return QuotaSnapshot{ShortTerm: q.shortTerm, Daily: q.daily, ObservedAt: q.observedAt}
}

// Near reports whether either window is at or above pct percent used.
func (q *Quota) Near(pct float64) bool {
	s := q.Snapshot()
	return s.ShortTerm.Percent() >= pct || s.Daily.Percent() >= pct
}

// ResumeAt returns when the exhausted window resets, or the zero time when
// requests may be sent now. Usage observed in an earlier window no longer
// counts.
func (q *Quota) ResumeAt() time.Time {
	s := q.Snapshot()
	if s.ObservedAt.IsZero() {
		return time.Time{}
	}
	now := q.now()

	if s.Daily.Exhausted() {
		if reset := nextMidnightUTC(s.ObservedAt); now.Before(reset) {
			return reset
		}
	}
	if s.ShortTerm.Exhausted() {
		if reset := s.ObservedAt.Truncate(15 * time.Minute).Add(15 * time.Minute); now.Before(reset) {
			return reset
		}
	}
	return time.Time{}
}

func nextMidnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func parsePair(h string) (int, int, bool) {
	parts := strings.Split(h, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
	b, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err := errors.Join(errA, errB); err != nil {
		return 0, 0, false
	}
	return a, b, true
}
