package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"shardcast/internal/dispatch"
	"shardcast/internal/ratelimit"
)

const (
	envConfigFile           = "SHARDCAST_CONFIG_FILE"
	defaultConfigFilePath   = "config/shardcast.json"
	alternateConfigFilePath = "bin/config/shardcast.json"
	defaultHookTimeout      = 5 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultIngestTimeout    = 3 * time.Second
	defaultStorePath        = "state/shardcast.db"
)

type appConfig struct {
	logLevel slog.Level

	hookTimeout     time.Duration
	shutdownTimeout time.Duration
	ingestTimeout   time.Duration

	gateway  gatewayConfig
	feed     feedConfig
	outbound outboundConfig
	dispatch dispatchConfig
	cache    cacheConfig

	storePath   string
	metricsAddr string
}

type gatewayConfig struct {
	enabled           bool
	url               string
	token             string
	intents           int
	totalShards       int
	shardIDs          []int
	maxConcurrency    int
	maxResumeAttempts int
}

type feedConfig struct {
	enabled     bool
	url         string
	idleTimeout time.Duration
}

type outboundConfig struct {
	baseURL     string
	token       string
	userAgent   string
	routeLimit  ratelimit.Limit
	globalLimit *ratelimit.Limit
	maxWaiters  int
	maxWait     time.Duration
}

type dispatchConfig struct {
	lanes             int
	laneBuffer        int
	backpressure      dispatch.Backpressure
	maxPerDestination int
	sendTimeout       time.Duration
}

type cacheConfig struct {
	segments      int
	tombstoneTTL  time.Duration
	sweepInterval time.Duration
}

type fileConfig struct {
	LogLevel string             `json:"log_level"`
	Kernel   fileKernelConfig   `json:"kernel"`
	Gateway  fileGatewayConfig  `json:"gateway"`
	Feed     fileFeedConfig     `json:"feed"`
	Outbound fileOutboundConfig `json:"outbound"`
	Dispatch fileDispatchConfig `json:"dispatch"`
	Cache    fileCacheConfig    `json:"cache"`
	Store    fileStoreConfig    `json:"store"`
	Metrics  fileMetricsConfig  `json:"metrics"`
}

type fileKernelConfig struct {
	HookTimeout     string `json:"hook_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout"`
	IngestTimeout   string `json:"ingest_timeout"`
}

type fileGatewayConfig struct {
	Enabled           *bool  `json:"enabled"`
	URL               string `json:"url"`
	Token             string `json:"token"`
	Intents           int    `json:"intents"`
	TotalShards       int    `json:"total_shards"`
	ShardIDs          []int  `json:"shard_ids"`
	MaxConcurrency    int    `json:"max_concurrency"`
	MaxResumeAttempts *int   `json:"max_resume_attempts"`
}

type fileFeedConfig struct {
	Enabled     *bool  `json:"enabled"`
	URL         string `json:"url"`
	IdleTimeout string `json:"idle_timeout"`
}

type fileOutboundConfig struct {
	BaseURL     string         `json:"base_url"`
	Token       string         `json:"token"`
	UserAgent   string         `json:"user_agent"`
	RouteLimit  *fileRateLimit `json:"route_limit"`
	GlobalLimit *fileRateLimit `json:"global_limit"`
	MaxWaiters  *int           `json:"max_waiters"`
	MaxWait     string         `json:"max_wait"`
}

type fileRateLimit struct {
	Capacity float64 `json:"capacity"`
	Rate     float64 `json:"rate"`
}

type fileDispatchConfig struct {
	Lanes             *int   `json:"lanes"`
	LaneBuffer        *int   `json:"lane_buffer"`
	Backpressure      string `json:"backpressure"`
	MaxPerDestination *int   `json:"max_per_destination"`
	SendTimeout       string `json:"send_timeout"`
}

type fileCacheConfig struct {
	Segments      *int   `json:"segments"`
	TombstoneTTL  string `json:"tombstone_ttl"`
	SweepInterval string `json:"sweep_interval"`
}

type fileStoreConfig struct {
	Path string `json:"path"`
}

type fileMetricsConfig struct {
	Addr string `json:"addr"`
}

// envOverrides carries deployment secrets and knobs that win over the config file.
type envOverrides struct {
	LogLevel      string `env:"SHARDCAST_LOG_LEVEL"`
	GatewayToken  string `env:"SHARDCAST_GATEWAY_TOKEN"`
	GatewayURL    string `env:"SHARDCAST_GATEWAY_URL"`
	ShardIDs      []int  `env:"SHARDCAST_SHARD_IDS"      envSeparator:","`
	TotalShards   int    `env:"SHARDCAST_TOTAL_SHARDS"`
	FeedURL       string `env:"SHARDCAST_FEED_URL"`
	OutboundURL   string `env:"SHARDCAST_OUTBOUND_URL"`
	OutboundToken string `env:"SHARDCAST_OUTBOUND_TOKEN"`
	StorePath     string `env:"SHARDCAST_STORE_PATH"`
	MetricsAddr   string `env:"SHARDCAST_METRICS_ADDR"`
}

func loadConfig() (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		hookTimeout:     defaultHookTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		ingestTimeout:   defaultIngestTimeout,

		gateway: gatewayConfig{
			enabled:           true,
			totalShards:       1,
			maxConcurrency:    1,
			maxResumeAttempts: 3,
		},
		outbound: outboundConfig{
			routeLimit: ratelimit.Limit{Capacity: 5, Rate: 1},
		},
		storePath: defaultStorePath,
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	durations := []struct {
		field  string
		raw    string
		target *time.Duration
	}{
		{field: "kernel.hook_timeout", raw: parsed.Kernel.HookTimeout, target: &cfg.hookTimeout},
		{field: "kernel.shutdown_timeout", raw: parsed.Kernel.ShutdownTimeout, target: &cfg.shutdownTimeout},
		{field: "kernel.ingest_timeout", raw: parsed.Kernel.IngestTimeout, target: &cfg.ingestTimeout},
		{field: "feed.idle_timeout", raw: parsed.Feed.IdleTimeout, target: &cfg.feed.idleTimeout},
		{field: "outbound.max_wait", raw: parsed.Outbound.MaxWait, target: &cfg.outbound.maxWait},
		{field: "dispatch.send_timeout", raw: parsed.Dispatch.SendTimeout, target: &cfg.dispatch.sendTimeout},
		{field: "cache.tombstone_ttl", raw: parsed.Cache.TombstoneTTL, target: &cfg.cache.tombstoneTTL},
		{field: "cache.sweep_interval", raw: parsed.Cache.SweepInterval, target: &cfg.cache.sweepInterval},
	}
	for _, duration := range durations {
		if err := parsePositiveDuration(duration.field, duration.raw, duration.target); err != nil {
			return err
		}
	}

	counts := []struct {
		field  string
		raw    *int
		target *int
	}{
		{field: "gateway.max_resume_attempts", raw: parsed.Gateway.MaxResumeAttempts, target: &cfg.gateway.maxResumeAttempts},
		{field: "outbound.max_waiters", raw: parsed.Outbound.MaxWaiters, target: &cfg.outbound.maxWaiters},
		{field: "dispatch.lanes", raw: parsed.Dispatch.Lanes, target: &cfg.dispatch.lanes},
		{field: "dispatch.lane_buffer", raw: parsed.Dispatch.LaneBuffer, target: &cfg.dispatch.laneBuffer},
		{field: "dispatch.max_per_destination", raw: parsed.Dispatch.MaxPerDestination, target: &cfg.dispatch.maxPerDestination},
		{field: "cache.segments", raw: parsed.Cache.Segments, target: &cfg.cache.segments},
	}
	for _, count := range counts {
		if count.raw == nil {
			continue
		}
		if *count.raw <= 0 {
			return fmt.Errorf("parse %s: must be > 0", count.field)
		}
		*count.target = *count.raw
	}

	if parsed.Gateway.Enabled != nil {
		cfg.gateway.enabled = *parsed.Gateway.Enabled
	}
	cfg.gateway.url = strings.TrimSpace(parsed.Gateway.URL)
	cfg.gateway.token = strings.TrimSpace(parsed.Gateway.Token)
	cfg.gateway.intents = parsed.Gateway.Intents
	if parsed.Gateway.TotalShards != 0 {
		cfg.gateway.totalShards = parsed.Gateway.TotalShards
	}
	cfg.gateway.shardIDs = append([]int(nil), parsed.Gateway.ShardIDs...)
	if parsed.Gateway.MaxConcurrency != 0 {
		cfg.gateway.maxConcurrency = parsed.Gateway.MaxConcurrency
	}

	cfg.feed.enabled = strings.TrimSpace(parsed.Feed.URL) != ""
	if parsed.Feed.Enabled != nil {
		cfg.feed.enabled = *parsed.Feed.Enabled
	}
	cfg.feed.url = strings.TrimSpace(parsed.Feed.URL)

	cfg.outbound.baseURL = strings.TrimSpace(parsed.Outbound.BaseURL)
	cfg.outbound.token = strings.TrimSpace(parsed.Outbound.Token)
	cfg.outbound.userAgent = strings.TrimSpace(parsed.Outbound.UserAgent)
	if parsed.Outbound.RouteLimit != nil {
		limit, err := parseRateLimit("outbound.route_limit", *parsed.Outbound.RouteLimit)
		if err != nil {
			return err
		}
		cfg.outbound.routeLimit = limit
	}
	if parsed.Outbound.GlobalLimit != nil {
		limit, err := parseRateLimit("outbound.global_limit", *parsed.Outbound.GlobalLimit)
		if err != nil {
			return err
		}
		cfg.outbound.globalLimit = &limit
	}

	if rawPolicy := strings.TrimSpace(parsed.Dispatch.Backpressure); rawPolicy != "" {
		policy := dispatch.Backpressure(strings.ToLower(rawPolicy))
		switch policy {
		case dispatch.BackpressureBlock, dispatch.BackpressureDropNewest:
			cfg.dispatch.backpressure = policy
		default:
			return fmt.Errorf("parse dispatch.backpressure: unsupported policy %q", rawPolicy)
		}
	}

	if path := strings.TrimSpace(parsed.Store.Path); path != "" {
		cfg.storePath = path
	}
	cfg.metricsAddr = strings.TrimSpace(parsed.Metrics.Addr)

	return nil
}

// applyEnvOverrides replaces file values with non-empty SHARDCAST_* environment values.
func applyEnvOverrides(cfg *appConfig) error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if overrides.LogLevel != "" {
		level, err := parseLogLevel(overrides.LogLevel)
		if err != nil {
			return fmt.Errorf("parse SHARDCAST_LOG_LEVEL: %w", err)
		}
		cfg.logLevel = level
	}
	if overrides.GatewayToken != "" {
		cfg.gateway.token = overrides.GatewayToken
	}
	if overrides.GatewayURL != "" {
		cfg.gateway.url = overrides.GatewayURL
	}
	if len(overrides.ShardIDs) > 0 {
		cfg.gateway.shardIDs = overrides.ShardIDs
	}
	if overrides.TotalShards != 0 {
		cfg.gateway.totalShards = overrides.TotalShards
	}
	if overrides.FeedURL != "" {
		cfg.feed.url = overrides.FeedURL
		cfg.feed.enabled = true
	}
	if overrides.OutboundURL != "" {
		cfg.outbound.baseURL = overrides.OutboundURL
	}
	if overrides.OutboundToken != "" {
		cfg.outbound.token = overrides.OutboundToken
	}
	if overrides.StorePath != "" {
		cfg.storePath = overrides.StorePath
	}
	if overrides.MetricsAddr != "" {
		cfg.metricsAddr = overrides.MetricsAddr
	}

	return nil
}

func validateAppConfig(cfg *appConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if !cfg.gateway.enabled && !cfg.feed.enabled {
		return fmt.Errorf("at least one of gateway or feed must be enabled")
	}
	if cfg.gateway.enabled {
		if cfg.gateway.token == "" {
			return fmt.Errorf("gateway.token is required")
		}
		if cfg.gateway.totalShards <= 0 {
			return fmt.Errorf("gateway.total_shards must be > 0")
		}
		if cfg.gateway.maxConcurrency <= 0 {
			return fmt.Errorf("gateway.max_concurrency must be > 0")
		}
		if len(cfg.gateway.shardIDs) == 0 {
			cfg.gateway.shardIDs = make([]int, cfg.gateway.totalShards)
			for id := range cfg.gateway.shardIDs {
				cfg.gateway.shardIDs[id] = id
			}
		}
	}
	if cfg.feed.enabled && cfg.feed.url == "" {
		return fmt.Errorf("feed.url is required when the feed is enabled")
	}
	if cfg.outbound.baseURL == "" {
		return fmt.Errorf("outbound.base_url is required")
	}
	if cfg.outbound.token == "" {
		cfg.outbound.token = cfg.gateway.token
	}
	if cfg.outbound.token == "" {
		return fmt.Errorf("outbound.token is required when the gateway token is not set")
	}
	if cfg.storePath == "" {
		return fmt.Errorf("store.path is required")
	}

	return nil
}

func parsePositiveDuration(field string, raw string, target *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	duration, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	if duration <= 0 {
		return fmt.Errorf("parse %s: must be > 0", field)
	}
	*target = duration

	return nil
}

func parseRateLimit(field string, raw fileRateLimit) (ratelimit.Limit, error) {
	limit := ratelimit.Limit{Capacity: raw.Capacity, Rate: raw.Rate}
	if !limit.Valid() {
		return ratelimit.Limit{}, fmt.Errorf("parse %s: capacity and rate must be > 0", field)
	}

	return limit, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
