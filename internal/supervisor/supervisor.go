// Package supervisor runs and restarts the gateway shards assigned to this process.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shardcast/internal/gateway"
	"shardcast/internal/metrics"
	"shardcast/internal/ratelimit"
	"shardcast/internal/transport"
	"shardcast/pkg/shardcast"
)

// DriverName is the registry name of the gateway driver.
const DriverName = "gateway"

const (
	epochKeyPrefix        = "epochs/"
	identifyWindow        = 5 * time.Second
	defaultRestartInitial = time.Second
	defaultRestartMax     = time.Minute
)

// IdentifyLimiter paces Identify sends per concurrency bucket.
type IdentifyLimiter interface {
	Acquire(ctx context.Context, route shardcast.RouteKey, cost float64) error
}

// Config names the shards this process runs.
//
// TotalShards and ShardIDs are assigned externally; the supervisor never computes them.
type Config struct {
	TotalShards int
	ShardIDs    []int
	// MaxConcurrency is the number of identify buckets; shard i waits on bucket
	// i % MaxConcurrency. Zero means one bucket.
	MaxConcurrency int
}

// Supervisor owns one gateway shard per configured id.
type Supervisor struct {
	cfg     Config
	dialer  transport.Dialer
	options options

	mu     sync.Mutex
	shards []*gateway.Shard
}

var (
	_ shardcast.Driver         = (*Supervisor)(nil)
	_ shardcast.ShardDirectory = (*Supervisor)(nil)
)

// New validates cfg and creates a supervisor.
func New(cfg Config, dialer transport.Dialer, opts ...Option) (*Supervisor, error) {
	if cfg.TotalShards <= 0 {
		return nil, fmt.Errorf("new supervisor: total shards must be > 0")
	}
	if len(cfg.ShardIDs) == 0 {
		return nil, fmt.Errorf("new supervisor: no shard ids")
	}
	if dialer == nil {
		return nil, fmt.Errorf("new supervisor: nil dialer")
	}
	seen := make(map[int]struct{}, len(cfg.ShardIDs))
	for _, id := range cfg.ShardIDs {
		if id < 0 || id >= cfg.TotalShards {
			return nil, fmt.Errorf("new supervisor: shard id %d outside shard count %d", id, cfg.TotalShards)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("new supervisor: duplicate shard id %d", id)
		}
		seen[id] = struct{}{}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	cfg.ShardIDs = slices.Clone(cfg.ShardIDs)
	slices.Sort(cfg.ShardIDs)

	resolved := defaultOptions()
	for _, opt := range opts {
		opt(&resolved)
	}
	if resolved.identifyLimiter == nil {
		limiter, err := ratelimit.New(
			ratelimit.WithDefaultLimit(ratelimit.Limit{Capacity: 1, Rate: 1 / identifyWindow.Seconds()}),
			ratelimit.WithLogger(resolved.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("new supervisor: identify limiter: %w", err)
		}
		resolved.identifyLimiter = limiter
	}

	return &Supervisor{cfg: cfg, dialer: dialer, options: resolved}, nil
}

// Name returns the driver name.
func (s *Supervisor) Name() string {
	return DriverName
}

// ShardForGuild returns the shard that receives guild's events.
func (s *Supervisor) ShardForGuild(guild shardcast.EntityID) int {
	return ShardForGuild(guild, s.cfg.TotalShards)
}

// ShardForGuild applies the platform's assignment formula (guild_id >> 22) % total.
func ShardForGuild(guild shardcast.EntityID, total int) int {
	if total <= 0 {
		return 0
	}

	return int((uint64(guild) >> 22) % uint64(total))
}

// Sessions returns one snapshot per supervised shard, ordered by shard id.
func (s *Supervisor) Sessions() []shardcast.ShardSession {
	s.mu.Lock()
	shards := slices.Clone(s.shards)
	s.mu.Unlock()

	if len(shards) == 0 {
		sessions := make([]shardcast.ShardSession, 0, len(s.cfg.ShardIDs))
		for _, id := range s.cfg.ShardIDs {
			sessions = append(sessions, shardcast.ShardSession{ShardID: id, Status: shardcast.ShardStatusDisconnected})
		}
		return sessions
	}

	sessions := make([]shardcast.ShardSession, 0, len(shards))
	for _, shard := range shards {
		sessions = append(sessions, shard.Session())
	}

	return sessions
}

// Start runs every shard until ctx is cancelled.
//
// A shard closed with a *gateway.FatalError stays down while the others keep running;
// Start returns the joined fatal errors only once every shard has stopped.
func (s *Supervisor) Start(ctx context.Context, sink shardcast.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start supervisor: nil sink")
	}

	shards, err := s.buildShards(ctx)
	if err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	s.mu.Lock()
	s.shards = shards
	s.mu.Unlock()

	s.options.logger.InfoContext(ctx, "starting gateway shards",
		"total_shards", s.cfg.TotalShards,
		"shard_ids", s.cfg.ShardIDs,
		"max_concurrency", s.cfg.MaxConcurrency,
	)

	var (
		wg       sync.WaitGroup
		failMu   sync.Mutex
		failures []error
	)
	for _, shard := range shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.supervise(ctx, shard, sink); err != nil {
				failMu.Lock()
				failures = append(failures, err)
				failMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil || len(failures) == 0 {
		return nil
	}

	return fmt.Errorf("all shards stopped: %w", errors.Join(failures...))
}

// supervise restarts shard until ctx ends or the shard fails fatally.
func (s *Supervisor) supervise(ctx context.Context, shard *gateway.Shard, sink shardcast.EventSink) error {
	restart := backoff.NewExponentialBackOff()
	restart.InitialInterval = s.options.restartInitial
	restart.MaxInterval = s.options.restartMax
	restart.MaxElapsedTime = 0
	restart.Reset()

	scope := fmt.Sprintf("shard %d", shard.ID())
	for {
		err := runSafely(scope, func() error {
			return shard.Run(ctx, sink)
		})
		if ctx.Err() != nil {
			return nil
		}
		if fatalErr, ok := gateway.AsFatalError(err); ok {
			s.options.logger.ErrorContext(ctx, "shard stopped permanently",
				"shard_id", shard.ID(),
				"code", fatalErr.Code,
				"error", err,
			)
			return err
		}

		delay := restart.NextBackOff()
		s.options.logger.ErrorContext(ctx, "shard loop failed, restarting",
			"shard_id", shard.ID(),
			"error", err,
			"retry_in", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) buildShards(ctx context.Context) ([]*gateway.Shard, error) {
	shards := make([]*gateway.Shard, 0, len(s.cfg.ShardIDs))
	for _, id := range s.cfg.ShardIDs {
		shardOptions := slices.Clone(s.options.shardOptions)
		shardOptions = append(shardOptions,
			gateway.WithIdentifyGate(s.identifyGate),
			gateway.WithResyncHook(s.options.onResync),
			gateway.WithLogger(s.options.logger),
			gateway.WithMetrics(s.options.metrics),
		)

		epoch, err := s.loadEpoch(ctx, id)
		if err != nil {
			s.options.logger.WarnContext(ctx, "ignoring persisted shard epoch", "shard_id", id, "error", err)
		} else if epoch > 0 {
			shardOptions = append(shardOptions, gateway.WithEpoch(epoch))
		}

		shard, err := gateway.NewShard(id, s.cfg.TotalShards, s.dialer, shardOptions...)
		if err != nil {
			return nil, err
		}
		shards = append(shards, shard)
	}

	return shards, nil
}

// identifyGate waits for the identify bucket of shardID.
func (s *Supervisor) identifyGate(ctx context.Context, shardID int) error {
	route := shardcast.RouteKey(fmt.Sprintf("gateway/identify/%d", shardID%s.cfg.MaxConcurrency))
	if err := s.options.identifyLimiter.Acquire(ctx, route, 1); err != nil {
		return fmt.Errorf("acquire %s: %w", route, err)
	}

	return nil
}

// Shutdown persists the epoch of every shard.
//
// Sessions themselves are never carried across processes: the entity cache starts empty,
// so every shard of a new process identifies fresh to receive full guild snapshots. Only
// epoch numbering continues so source versions keep increasing.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.options.store == nil {
		return nil
	}

	var persistErrs []error
	for _, session := range s.Sessions() {
		if err := s.saveEpoch(ctx, session); err != nil {
			persistErrs = append(persistErrs, err)
		}
	}
	if len(persistErrs) > 0 {
		return fmt.Errorf("shutdown supervisor: %w", errors.Join(persistErrs...))
	}

	return nil
}

// epochRecord is the persisted form of one shard's epoch.
type epochRecord struct {
	ShardID int    `json:"shard_id"`
	Epoch   uint64 `json:"epoch"`
}

func epochKey(shardID int) string {
	return fmt.Sprintf("%s%d", epochKeyPrefix, shardID)
}

func (s *Supervisor) loadEpoch(ctx context.Context, shardID int) (uint64, error) {
	if s.options.store == nil {
		return 0, nil
	}

	raw, found, err := s.options.store.Get(ctx, epochKey(shardID))
	if err != nil || !found {
		return 0, err
	}

	var record epochRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return 0, fmt.Errorf("decode epoch: %w", err)
	}
	if record.ShardID != shardID {
		return 0, fmt.Errorf("epoch belongs to shard %d", record.ShardID)
	}

	return record.Epoch, nil
}

func (s *Supervisor) saveEpoch(ctx context.Context, session shardcast.ShardSession) error {
	if session.Epoch == 0 {
		return nil
	}

	key := epochKey(session.ShardID)
	raw, err := json.Marshal(epochRecord{ShardID: session.ShardID, Epoch: session.Epoch})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.options.store.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	return nil
}

// runSafely executes fn and converts panics into returned errors tagged with scope.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}

// options stores resolved supervisor settings.
type options struct {
	shardOptions    []gateway.Option
	identifyLimiter IdentifyLimiter
	onResync        gateway.ResyncHook
	store           shardcast.Store
	restartInitial  time.Duration
	restartMax      time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

// Option mutates supervisor construction configuration.
type Option func(*options)

func defaultOptions() options {
	return options{
		onResync:       func(context.Context, int) {},
		restartInitial: defaultRestartInitial,
		restartMax:     defaultRestartMax,
		logger:         slog.Default(),
	}
}

// WithShardOptions appends options applied to every shard.
func WithShardOptions(shardOptions ...gateway.Option) Option {
	return func(o *options) {
		o.shardOptions = append(o.shardOptions, shardOptions...)
	}
}

// WithIdentifyLimiter replaces the built-in one-identify-per-five-seconds limiter.
func WithIdentifyLimiter(limiter IdentifyLimiter) Option {
	return func(o *options) {
		if limiter != nil {
			o.identifyLimiter = limiter
		}
	}
}

// WithResyncHook configures the callback run when a shard starts a fresh session.
func WithResyncHook(hook gateway.ResyncHook) Option {
	return func(o *options) {
		if hook != nil {
			o.onResync = hook
		}
	}
}

// WithStore enables epoch persistence across restarts.
func WithStore(store shardcast.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithRestartBackoff configures the delay between restarts of a failed shard loop.
func WithRestartBackoff(initial time.Duration, maxInterval time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.restartInitial = initial
		}
		if maxInterval > 0 {
			o.restartMax = maxInterval
		}
	}
}

// WithLogger configures the supervisor and shard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics configures supervisor and shard instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
