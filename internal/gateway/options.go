package gateway

import (
	"context"
	"log/slog"
	"time"

	"shardcast/internal/metrics"
)

const (
	defaultURL               = "wss://gateway.discord.gg/?v=10&encoding=json"
	defaultMaxResumeAttempts = 3
	defaultReconnectInitial  = time.Second
	defaultReconnectMax      = 2 * time.Minute
	defaultHelloTimeout      = 20 * time.Second
	defaultProtocolTolerance = 3
)

// IdentifyGate blocks until the shard may send Identify.
type IdentifyGate func(ctx context.Context, shardID int) error

// ResyncHook runs before a shard re-identifies after holding a session.
type ResyncHook func(ctx context.Context, shardID int)

// config stores resolved shard settings.
type config struct {
	url               string
	token             string
	intents           int
	identifyGate      IdentifyGate
	onResync          ResyncHook
	maxResumeAttempts int
	reconnectInitial  time.Duration
	reconnectMax      time.Duration
	helloTimeout      time.Duration
	protocolTolerance int
	epoch             uint64
	logger            *slog.Logger
	metrics           *metrics.Metrics
}

// Option mutates shard construction configuration.
type Option func(*config)

func defaultConfig() config {
	return config{
		url:               defaultURL,
		identifyGate:      func(context.Context, int) error { return nil },
		onResync:          func(context.Context, int) {},
		maxResumeAttempts: defaultMaxResumeAttempts,
		reconnectInitial:  defaultReconnectInitial,
		reconnectMax:      defaultReconnectMax,
		helloTimeout:      defaultHelloTimeout,
		protocolTolerance: defaultProtocolTolerance,
		logger:            slog.Default(),
	}
}

// WithURL overrides the gateway url used for Identify.
func WithURL(url string) Option {
	return func(cfg *config) {
		if url != "" {
			cfg.url = url
		}
	}
}

// WithToken configures the bot token sent with Identify and Resume.
func WithToken(token string) Option {
	return func(cfg *config) {
		cfg.token = token
	}
}

// WithIntents configures the gateway intents bitset.
func WithIntents(intents int) Option {
	return func(cfg *config) {
		if intents >= 0 {
			cfg.intents = intents
		}
	}
}

// WithIdentifyGate configures the wait performed before every Identify.
func WithIdentifyGate(gate IdentifyGate) Option {
	return func(cfg *config) {
		if gate != nil {
			cfg.identifyGate = gate
		}
	}
}

// WithResyncHook configures the callback run when a previously identified shard
// starts a fresh session.
func WithResyncHook(hook ResyncHook) Option {
	return func(cfg *config) {
		if hook != nil {
			cfg.onResync = hook
		}
	}
}

// WithMaxResumeAttempts bounds consecutive failed resumes before a fresh Identify.
func WithMaxResumeAttempts(attempts int) Option {
	return func(cfg *config) {
		if attempts > 0 {
			cfg.maxResumeAttempts = attempts
		}
	}
}

// WithReconnectBackoff configures the exponential reconnect delay.
func WithReconnectBackoff(initial time.Duration, maxInterval time.Duration) Option {
	return func(cfg *config) {
		if initial > 0 {
			cfg.reconnectInitial = initial
		}
		if maxInterval > 0 {
			cfg.reconnectMax = maxInterval
		}
	}
}

// WithHelloTimeout bounds the wait for the first frame of a connection.
func WithHelloTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.helloTimeout = timeout
		}
	}
}

// WithEpoch continues epoch numbering from a previous process.
//
// The first connection still identifies; its session runs under epoch+1.
func WithEpoch(epoch uint64) Option {
	return func(cfg *config) {
		cfg.epoch = epoch
	}
}

// WithLogger configures the shard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics configures shard instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}
