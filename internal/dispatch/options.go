package dispatch

import (
	"log/slog"
	"time"

	"shardcast/internal/metrics"
	"shardcast/pkg/shardcast"
)

const (
	defaultLanes             = 8
	defaultLaneBuffer        = 256
	defaultSendTimeout       = 10 * time.Second
	defaultMaxRetries        = 4
	defaultRetryInitial      = 500 * time.Millisecond
	defaultRetryMax          = 30 * time.Second
	defaultSweepInterval     = time.Minute
	defaultMaxPerDestination = 50
)

// Backpressure controls what Notify does when a delivery lane is full.
type Backpressure string

const (
	// BackpressureBlock waits for lane capacity or caller cancellation.
	BackpressureBlock Backpressure = "block"
	// BackpressureDropNewest rejects the incoming delivery with ErrDeliveryDropped.
	BackpressureDropNewest Backpressure = "drop_newest"
)

// config stores resolved dispatcher settings.
type config struct {
	lanes             int
	laneBuffer        int
	backpressure      Backpressure
	sendTimeout       time.Duration
	maxRetries        int
	retryInitial      time.Duration
	retryMax          time.Duration
	sweepInterval     time.Duration
	maxPerDestination int
	store             shardcast.Store
	renderer          Renderer
	now               func() time.Time
	logger            *slog.Logger
	metrics           *metrics.Metrics
}

// Option mutates dispatcher construction configuration.
type Option func(*config)

func defaultConfig() config {
	return config{
		lanes:             defaultLanes,
		laneBuffer:        defaultLaneBuffer,
		backpressure:      BackpressureBlock,
		sendTimeout:       defaultSendTimeout,
		maxRetries:        defaultMaxRetries,
		retryInitial:      defaultRetryInitial,
		retryMax:          defaultRetryMax,
		sweepInterval:     defaultSweepInterval,
		maxPerDestination: defaultMaxPerDestination,
		renderer:          RenderText,
		now:               time.Now,
		logger:            slog.Default(),
	}
}

// WithLanes configures the number of delivery lanes and their queue size.
//
// Deliveries to one destination always share a lane, so they are sent in notify order.
func WithLanes(lanes int, buffer int) Option {
	return func(cfg *config) {
		if lanes > 0 {
			cfg.lanes = lanes
		}
		if buffer > 0 {
			cfg.laneBuffer = buffer
		}
	}
}

// WithBackpressure configures the full-lane policy.
func WithBackpressure(policy Backpressure) Option {
	return func(cfg *config) {
		if policy == BackpressureBlock || policy == BackpressureDropNewest {
			cfg.backpressure = policy
		}
	}
}

// WithSendTimeout bounds one outbound send attempt.
func WithSendTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.sendTimeout = timeout
		}
	}
}

// WithRetry configures bounded delivery retry.
func WithRetry(maxRetries int, initial time.Duration, maxInterval time.Duration) Option {
	return func(cfg *config) {
		if maxRetries >= 0 {
			cfg.maxRetries = maxRetries
		}
		if initial > 0 {
			cfg.retryInitial = initial
		}
		if maxInterval > 0 {
			cfg.retryMax = maxInterval
		}
	}
}

// WithSweepInterval configures how often expired subscriptions are removed.
func WithSweepInterval(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.sweepInterval = interval
		}
	}
}

// WithMaxPerDestination caps subscriptions per destination; zero disables the cap.
func WithMaxPerDestination(n int) Option {
	return func(cfg *config) {
		if n >= 0 {
			cfg.maxPerDestination = n
		}
	}
}

// WithStore enables subscription persistence.
func WithStore(store shardcast.Store) Option {
	return func(cfg *config) {
		cfg.store = store
	}
}

// WithRenderer configures how notifications become message content.
func WithRenderer(renderer Renderer) Option {
	return func(cfg *config) {
		if renderer != nil {
			cfg.renderer = renderer
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

// WithLogger configures the dispatcher logger.
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
