package kernel

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultHookTimeout     = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultIngestTimeout   = 3 * time.Second
)

// config stores resolved kernel runtime settings after option application.
type config struct {
	hookTimeout     time.Duration
	shutdownTimeout time.Duration
	ingestTimeout   time.Duration
	logger          *slog.Logger
	onAsyncError    func(context.Context, string, error)
}

// Option mutates kernel construction configuration.
type Option func(*config)

// defaultConfig returns production-safe defaults for kernel runtime controls.
func defaultConfig() config {
	logger := slog.Default()

	return config{
		hookTimeout:     defaultHookTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		ingestTimeout:   defaultIngestTimeout,
		logger:          logger,
		onAsyncError:    logAsyncError(logger),
	}
}

func logAsyncError(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		logger.ErrorContext(ctx, "shardcast async error", "scope", scope, "error", err)
	}
}

// WithHookTimeout configures the OnStart/OnShutdown timeout of each component.
func WithHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.hookTimeout = timeout
		}
	}
}

// WithShutdownTimeout configures overall kernel shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithIngestTimeout bounds how long one driver event may spend in the sink.
func WithIngestTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.ingestTimeout = timeout
		}
	}
}

// WithLogger configures logger used by kernel and default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = logAsyncError(logger)
	}
}

// WithAsyncErrorHandler configures reporting of per-event sink failures that drivers survive.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}
