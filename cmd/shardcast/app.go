package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"shardcast/internal/cache"
	"shardcast/internal/dispatch"
	"shardcast/internal/feed"
	"shardcast/internal/gateway"
	"shardcast/internal/kernel"
	"shardcast/internal/metrics"
	"shardcast/internal/normalize"
	"shardcast/internal/outbound"
	"shardcast/internal/ratelimit"
	"shardcast/internal/store"
	"shardcast/internal/supervisor"
	"shardcast/internal/transport"
	"shardcast/pkg/shardcast"
)

const (
	userAgent                = "shardcast/1.0"
	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
)

// application is the fully wired process: kernel, sink, and optional metrics listener.
type application struct {
	logger      *slog.Logger
	kernel      *kernel.Kernel
	normalizer  *normalize.Normalizer
	gatherer    prometheus.Gatherer
	metricsAddr string
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))

	app, err := buildApplication(logger, cfg, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run shardcast: %w", err)
	}

	return nil
}

// buildApplication wires every component against cfg. Collectors register on registry.
func buildApplication(logger *slog.Logger, cfg appConfig, registry *prometheus.Registry) (*application, error) {
	instruments := metrics.New(registry)
	if err := instruments.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.storePath), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	sqliteStore, err := store.OpenSQLite(cfg.storePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	app, err := wireApplication(logger, cfg, instruments, sqliteStore)
	if err != nil {
		return nil, errors.Join(err, sqliteStore.Close())
	}
	app.gatherer = registry

	return app, nil
}

func wireApplication(
	logger *slog.Logger,
	cfg appConfig,
	instruments *metrics.Metrics,
	sqliteStore *store.SQLiteStore,
) (*application, error) {
	kernelRuntime := kernel.New(
		kernel.WithLogger(logger),
		kernel.WithHookTimeout(cfg.hookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithIngestTimeout(cfg.ingestTimeout),
	)

	entityCache := cache.New(
		cache.WithSegments(cfg.cache.segments),
		cache.WithTombstoneTTL(cfg.cache.tombstoneTTL),
		cache.WithSweepInterval(cfg.cache.sweepInterval),
		cache.WithLogger(logger.With("component", "cache")),
		cache.WithMetrics(instruments),
	)

	limiterOptions := []ratelimit.Option{
		ratelimit.WithDefaultLimit(cfg.outbound.routeLimit),
		ratelimit.WithMaxWaiters(cfg.outbound.maxWaiters),
		ratelimit.WithMaxWait(cfg.outbound.maxWait),
		ratelimit.WithLogger(logger.With("component", "ratelimit")),
		ratelimit.WithMetrics(instruments),
	}
	if cfg.outbound.globalLimit != nil {
		limiterOptions = append(limiterOptions, ratelimit.WithGlobalLimit(*cfg.outbound.globalLimit))
	}
	limiter, err := ratelimit.New(limiterOptions...)
	if err != nil {
		return nil, fmt.Errorf("build rate limiter: %w", err)
	}

	senderOptions := []outbound.Option{outbound.WithLogger(logger.With("component", "outbound"))}
	if cfg.outbound.userAgent != "" {
		senderOptions = append(senderOptions, outbound.WithUserAgent(cfg.outbound.userAgent))
	}
	sender, err := outbound.NewHTTPSender(cfg.outbound.baseURL, cfg.outbound.token, senderOptions...)
	if err != nil {
		return nil, fmt.Errorf("build sender: %w", err)
	}

	dispatcher, err := dispatch.New(sender, limiter,
		dispatch.WithLanes(cfg.dispatch.lanes, cfg.dispatch.laneBuffer),
		dispatch.WithBackpressure(cfg.dispatch.backpressure),
		dispatch.WithSendTimeout(cfg.dispatch.sendTimeout),
		dispatch.WithMaxPerDestination(cfg.dispatch.maxPerDestination),
		dispatch.WithStore(sqliteStore),
		dispatch.WithLogger(logger.With("component", "dispatch")),
		dispatch.WithMetrics(instruments),
	)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	normalizer := normalize.New(entityCache,
		normalize.WithDispatcher(dispatcher),
		normalize.WithLogger(logger.With("component", "normalizer")),
		normalize.WithMetrics(instruments),
	)

	components := []shardcast.Component{&storeComponent{store: sqliteStore}, entityCache, dispatcher}
	for _, component := range components {
		if err := kernelRuntime.RegisterComponent(component); err != nil {
			return nil, err
		}
	}

	dialer := &transport.WebsocketDialer{Header: http.Header{"User-Agent": []string{userAgent}}}
	var directory shardcast.ShardDirectory
	if cfg.gateway.enabled {
		shardSupervisor, err := buildSupervisor(logger, cfg.gateway, dialer, sqliteStore, normalizer, instruments)
		if err != nil {
			return nil, err
		}
		if err := kernelRuntime.RegisterDriver(shardSupervisor); err != nil {
			return nil, err
		}
		directory = shardSupervisor
	}
	if cfg.feed.enabled {
		feedClient, err := feed.New(cfg.feed.url, dialer,
			feed.WithIdleTimeout(cfg.feed.idleTimeout),
			feed.WithLogger(logger.With("component", "feed")),
			feed.WithMetrics(instruments),
		)
		if err != nil {
			return nil, fmt.Errorf("build feed client: %w", err)
		}
		if err := kernelRuntime.RegisterDriver(feedClient); err != nil {
			return nil, err
		}
	}

	services := map[string]any{
		shardcast.ServiceEntityCache:    entityCache,
		shardcast.ServiceEntityResolver: normalize.NewResolver(entityCache),
		shardcast.ServiceDispatcher:     dispatcher,
		shardcast.ServiceStore:          sqliteStore,
	}
	if directory != nil {
		services[shardcast.ServiceShardDirectory] = directory
	}
	for name, service := range services {
		if err := kernelRuntime.RegisterService(name, service); err != nil {
			return nil, err
		}
	}

	return &application{
		logger:      logger,
		kernel:      kernelRuntime,
		normalizer:  normalizer,
		metricsAddr: cfg.metricsAddr,
	}, nil
}

func buildSupervisor(
	logger *slog.Logger,
	cfg gatewayConfig,
	dialer transport.Dialer,
	epochs shardcast.Store,
	normalizer *normalize.Normalizer,
	instruments *metrics.Metrics,
) (*supervisor.Supervisor, error) {
	shardOptions := []gateway.Option{
		gateway.WithToken(cfg.token),
		gateway.WithIntents(cfg.intents),
		gateway.WithMaxResumeAttempts(cfg.maxResumeAttempts),
	}
	if cfg.url != "" {
		shardOptions = append(shardOptions, gateway.WithURL(cfg.url))
	}

	shardSupervisor, err := supervisor.New(
		supervisor.Config{
			TotalShards:    cfg.totalShards,
			ShardIDs:       cfg.shardIDs,
			MaxConcurrency: cfg.maxConcurrency,
		},
		dialer,
		supervisor.WithShardOptions(shardOptions...),
		supervisor.WithResyncHook(func(ctx context.Context, shardID int) {
			normalizer.MarkShardResyncing(ctx, shardID)
		}),
		supervisor.WithStore(epochs),
		supervisor.WithLogger(logger.With("component", "supervisor")),
		supervisor.WithMetrics(instruments),
	)
	if err != nil {
		return nil, fmt.Errorf("build shard supervisor: %w", err)
	}

	return shardSupervisor, nil
}

// run blocks until ctx is cancelled or the kernel stops, serving metrics alongside.
func (a *application) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		a.logger.InfoContext(groupCtx, "shardcast starting")
		if err := a.kernel.Run(groupCtx, a.normalizer); err != nil {
			return fmt.Errorf("run kernel: %w", err)
		}
		return nil
	})

	if a.metricsAddr != "" {
		server := &http.Server{
			Addr:              a.metricsAddr,
			Handler:           a.metricsHandler(),
			ReadHeaderTimeout: metricsReadHeaderTimeout,
		}
		group.Go(func() error {
			a.logger.InfoContext(groupCtx, "metrics listener starting", "addr", a.metricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(groupCtx), metricsShutdownTimeout)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown metrics: %w", err)
			}
			return nil
		})
	}

	return group.Wait()
}

func (a *application) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// storeComponent closes the epoch and subscription store after every other component.
type storeComponent struct {
	store *store.SQLiteStore
}

func (c *storeComponent) Name() string {
	return "store"
}

func (c *storeComponent) OnStart(context.Context) error {
	return nil
}

func (c *storeComponent) OnShutdown(context.Context) error {
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	return nil
}
