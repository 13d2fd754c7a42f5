package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CacheEntry is the freshness of one cached stat kind.
type CacheEntry struct {
	Integration string
	Kind        string
	FetchedAt   time.Time
}

// CacheLister lists cached stat freshness without payloads.
type CacheLister interface {
	CacheAges(ctx context.Context) ([]CacheEntry, error)
}

// CacheAgeCollector periodically publishes cache_age_seconds per kind.
type CacheAgeCollector struct {
	source   CacheLister
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewCacheAgeCollector creates a collector polling source every interval.
func NewCacheAgeCollector(source CacheLister, interval time.Duration, logger zerolog.Logger) *CacheAgeCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CacheAgeCollector{
		source:   source,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Serve runs until ctx is cancelled. It implements suture.Service.
func (c *CacheAgeCollector) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect once immediately
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("Cache age collector stopping")
			return ctx.Err()
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect publishes one sample per cached kind.
func (c *CacheAgeCollector) Collect(ctx context.Context) {
	entries, err := c.source.CacheAges(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list cached stats")
		return
	}

	now := c.now()
	for _, e := range entries {
		age := now.Sub(e.FetchedAt).Seconds()
		if age < 0 {
			age = 0
		}
		CacheAgeSeconds.WithLabelValues(e.Integration, e.Kind).Set(age)
	}
}

func (c *CacheAgeCollector) String() string {
	return "cache-age-collector"
}
