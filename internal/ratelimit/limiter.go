// Package ratelimit implements FIFO-fair token buckets for outbound budgets.
//
// A Limiter holds one bucket per route, created lazily, plus an optional global bucket
// capping aggregate throughput. Acquisitions take the route bucket first and the global
// bucket second; a route grant is refunded when the global stage fails.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"shardcast/internal/metrics"
	"shardcast/pkg/shardcast"
)

// ErrCostExceedsCapacity indicates a request that no bucket refill could ever satisfy.
var ErrCostExceedsCapacity = errors.New("ratelimit: cost exceeds bucket capacity")

const globalRoute shardcast.RouteKey = "global"

// Limiter grants rate budgets per route and globally.
type Limiter struct {
	cfg config

	buckets sync.Map // shardcast.RouteKey -> *bucket
	global  *bucket
}

type routeOverride struct {
	prefix string
	limit  Limit
}

// New creates a limiter.
func New(options ...Option) (*Limiter, error) {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}
	if !cfg.defaultLimit.Valid() {
		return nil, fmt.Errorf("new limiter: default limit must have capacity and rate > 0")
	}
	for _, override := range cfg.overrides {
		if !override.limit.Valid() {
			return nil, fmt.Errorf("new limiter: route limit %q must have capacity and rate > 0", override.prefix)
		}
	}
	sort.SliceStable(cfg.overrides, func(i, j int) bool {
		return len(cfg.overrides[i].prefix) > len(cfg.overrides[j].prefix)
	})

	limiter := &Limiter{cfg: cfg}
	if cfg.globalLimit != nil {
		if !cfg.globalLimit.Valid() {
			return nil, fmt.Errorf("new limiter: global limit must have capacity and rate > 0")
		}
		limiter.global = newBucket(*cfg.globalLimit, cfg.now())
	}

	return limiter, nil
}

// Acquire blocks until cost tokens are granted on route and the global bucket.
//
// Waiters on one bucket are served strictly in arrival order. A request that would exceed
// the configured waiter cap or maximum wait fails immediately with a
// *shardcast.RateExceededError; ctx cancellation removes the waiter and returns ctx.Err().
func (l *Limiter) Acquire(ctx context.Context, route shardcast.RouteKey, cost float64) error {
	routeBucket := l.bucketFor(route)
	if err := l.checkCost(route, routeBucket, cost); err != nil {
		return err
	}
	if err := l.acquire(ctx, route, routeBucket, cost); err != nil {
		return err
	}
	if l.global == nil {
		return nil
	}
	if err := l.acquire(ctx, globalRoute, l.global, cost); err != nil {
		routeBucket.refund(cost)
		return err
	}

	return nil
}

// TryAcquire grants cost immediately or fails with a *shardcast.RateExceededError.
func (l *Limiter) TryAcquire(route shardcast.RouteKey, cost float64) error {
	routeBucket := l.bucketFor(route)
	if err := l.checkCost(route, routeBucket, cost); err != nil {
		return err
	}
	if err := l.tryAcquire(route, routeBucket, cost); err != nil {
		return err
	}
	if l.global == nil {
		return nil
	}
	if err := l.tryAcquire(globalRoute, l.global, cost); err != nil {
		routeBucket.refund(cost)
		return err
	}

	return nil
}

// Penalize drains route and blocks it for retryAfter, typically after a server-side 429.
//
// When global is true the global bucket is blocked as well.
func (l *Limiter) Penalize(route shardcast.RouteKey, retryAfter time.Duration, global bool) {
	if retryAfter <= 0 {
		return
	}

	now := l.cfg.now()
	deadline := now.Add(retryAfter)
	l.bucketFor(route).block(now, deadline)
	if global && l.global != nil {
		l.global.block(now, deadline)
	}
	l.cfg.logger.Warn("rate limit penalty applied",
		"route", route,
		"retry_after", retryAfter,
		"global", global,
	)
}

// Waiting returns the number of callers queued on route.
func (l *Limiter) Waiting(route shardcast.RouteKey) int {
	value, ok := l.buckets.Load(route)
	if !ok {
		return 0
	}

	return value.(*bucket).waiting()
}

func (l *Limiter) acquire(ctx context.Context, route shardcast.RouteKey, b *bucket, cost float64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("acquire %s: %w", route, err)
	}

	scope := scopeOf(route)
	start := l.cfg.now()

	b.mu.Lock()
	b.refillLocked(start)
	if b.tryTakeLocked(start, cost) {
		b.mu.Unlock()
		return nil
	}
	if maxWaiters := l.cfg.maxWaiters; maxWaiters > 0 && b.waiters.Len() >= maxWaiters {
		retryAfter := b.predictedWaitLocked(start, cost)
		b.mu.Unlock()
		l.cfg.metrics.IncRateRejected(scope, "max_waiters")
		return &shardcast.RateExceededError{Route: route, RetryAfter: retryAfter, Reason: "waiter limit reached"}
	}
	if maxWait := l.cfg.maxWait; maxWait > 0 {
		if predicted := b.predictedWaitLocked(start, cost); predicted > maxWait {
			b.mu.Unlock()
			l.cfg.metrics.IncRateRejected(scope, "max_wait")
			return &shardcast.RateExceededError{Route: route, RetryAfter: predicted, Reason: "wait exceeds limit"}
		}
	}
	elem, w := b.enqueueLocked(cost)
	b.mu.Unlock()

	if err := b.wait(ctx, elem, w, cost, l.cfg.now); err != nil {
		return fmt.Errorf("acquire %s: %w", route, err)
	}
	l.cfg.metrics.ObserveRateWait(scope, l.cfg.now().Sub(start))

	return nil
}

func (l *Limiter) tryAcquire(route shardcast.RouteKey, b *bucket, cost float64) error {
	now := l.cfg.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	if b.tryTakeLocked(now, cost) {
		return nil
	}
	l.cfg.metrics.IncRateRejected(scopeOf(route), "try")

	return &shardcast.RateExceededError{
		Route:      route,
		RetryAfter: b.predictedWaitLocked(now, cost),
		Reason:     "budget exhausted",
	}
}

func (l *Limiter) checkCost(route shardcast.RouteKey, b *bucket, cost float64) error {
	if cost <= 0 {
		return fmt.Errorf("acquire %s: cost must be > 0", route)
	}
	if cost > b.limit.Capacity {
		return fmt.Errorf("acquire %s: %w (cost %.2f, capacity %.2f)", route, ErrCostExceedsCapacity, cost, b.limit.Capacity)
	}
	if l.global != nil && cost > l.global.limit.Capacity {
		return fmt.Errorf("acquire %s: %w (cost %.2f, global capacity %.2f)", route, ErrCostExceedsCapacity, cost, l.global.limit.Capacity)
	}

	return nil
}

// bucketFor returns the bucket of route, creating it with the matching limit on first use.
func (l *Limiter) bucketFor(route shardcast.RouteKey) *bucket {
	if value, ok := l.buckets.Load(route); ok {
		return value.(*bucket)
	}

	created := newBucket(l.limitFor(route), l.cfg.now())
	value, _ := l.buckets.LoadOrStore(route, created)

	return value.(*bucket)
}

// limitFor returns the longest-prefix override for route or the default limit.
func (l *Limiter) limitFor(route shardcast.RouteKey) Limit {
	for _, override := range l.cfg.overrides {
		if strings.HasPrefix(string(route), override.prefix) {
			return override.limit
		}
	}

	return l.cfg.defaultLimit
}

func scopeOf(route shardcast.RouteKey) string {
	if route == globalRoute {
		return "global"
	}

	return "route"
}

// config stores resolved limiter settings.
type config struct {
	defaultLimit Limit
	globalLimit  *Limit
	overrides    []routeOverride
	maxWaiters   int
	maxWait      time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Option mutates limiter construction configuration.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultLimit: Limit{Capacity: 5, Rate: 1},
		now:          time.Now,
		logger:       slog.Default(),
	}
}

// WithDefaultLimit configures the limit of routes without an override.
func WithDefaultLimit(limit Limit) Option {
	return func(cfg *config) {
		cfg.defaultLimit = limit
	}
}

// WithRouteLimit configures the limit of every route starting with prefix.
//
// The longest matching prefix wins.
func WithRouteLimit(prefix string, limit Limit) Option {
	return func(cfg *config) {
		cfg.overrides = append(cfg.overrides, routeOverride{prefix: prefix, limit: limit})
	}
}

// WithGlobalLimit enables the aggregate bucket shared by every route.
func WithGlobalLimit(limit Limit) Option {
	return func(cfg *config) {
		cfg.globalLimit = &limit
	}
}

// WithMaxWaiters caps queued callers per bucket; zero disables the cap.
func WithMaxWaiters(n int) Option {
	return func(cfg *config) {
		if n >= 0 {
			cfg.maxWaiters = n
		}
	}
}

// WithMaxWait rejects acquisitions whose predicted wait exceeds d; zero disables the cap.
func WithMaxWait(d time.Duration) Option {
	return func(cfg *config) {
		if d >= 0 {
			cfg.maxWait = d
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

// WithLogger configures the limiter logger.
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
