package cache

import (
	"log/slog"
	"time"

	"shardcast/internal/metrics"
)

const (
	defaultSegments      = 64
	defaultSweepInterval = 30 * time.Second
	defaultTombstoneTTL  = 10 * time.Minute
)

type config struct {
	segments      int
	sweepInterval time.Duration
	tombstoneTTL  time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// Option mutates cache construction configuration.
type Option func(*config)

func defaultConfig() config {
	return config{
		segments:      defaultSegments,
		sweepInterval: defaultSweepInterval,
		tombstoneTTL:  defaultTombstoneTTL,
		now:           time.Now,
		logger:        slog.Default(),
	}
}

// WithSegments configures the number of independent segments, rounded up to a power of two.
func WithSegments(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.segments = n
		}
	}
}

// WithSweepInterval configures the periodic TTL sweep interval.
func WithSweepInterval(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.sweepInterval = interval
		}
	}
}

// WithTombstoneTTL configures how long deletions block stale replays.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(cfg *config) {
		if ttl > 0 {
			cfg.tombstoneTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithLogger configures the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics configures Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

func nextPowerOfTwo(n int) int {
	size := 1
	for size < n {
		size <<= 1
	}

	return size
}
