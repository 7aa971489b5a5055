// Package dispatch fans normalized live-activity candidates out to subscribed destinations.
//
// Subscriptions are indexed by source. The notify path is lock-free: each source publishes
// its subscription list copy-on-write and advances a dedup watermark by compare-and-swap.
// Deliveries run on destination-partitioned lanes, each acquiring the outbound route budget
// before sending.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"shardcast/pkg/shardcast"
)

const tracerName = "shardcast/dispatch"

// Limiter is the rate budget consumed before each outbound send.
type Limiter interface {
	Acquire(ctx context.Context, route shardcast.RouteKey, cost float64) error
	TryAcquire(route shardcast.RouteKey, cost float64) error
	Penalize(route shardcast.RouteKey, retryAfter time.Duration, global bool)
}

// Dispatcher owns subscriptions and dedup watermarks.
type Dispatcher struct {
	cfg     config
	sender  shardcast.Sender
	limiter Limiter
	tracer  trace.Tracer

	sources sync.Map // shardcast.SourceKey -> *sourceState
	lanes   []*lane
	closed  atomic.Bool

	// mu serializes subscription writers and their persistence; readers never take it.
	mu            sync.Mutex
	byDestination map[shardcast.DestinationID]map[shardcast.SourceKey]struct{}
	count         int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// sourceState is the per-source notify state.
type sourceState struct {
	subscriptions atomic.Pointer[[]shardcast.Subscription]
	watermark     atomic.Uint64
}

var (
	_ shardcast.SubscriptionManager = (*Dispatcher)(nil)
	_ shardcast.Component           = (*Dispatcher)(nil)
)

// New creates a dispatcher and starts its delivery lanes.
func New(sender shardcast.Sender, limiter Limiter, options ...Option) (*Dispatcher, error) {
	if sender == nil {
		return nil, fmt.Errorf("new dispatcher: nil sender")
	}
	if limiter == nil {
		return nil, fmt.Errorf("new dispatcher: nil limiter")
	}

	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	d := &Dispatcher{
		cfg:           cfg,
		sender:        sender,
		limiter:       limiter,
		tracer:        otel.Tracer(tracerName),
		byDestination: make(map[shardcast.DestinationID]map[shardcast.SourceKey]struct{}),
	}
	d.lanes = make([]*lane, cfg.lanes)
	for idx := range d.lanes {
		d.lanes[idx] = newLane(idx, cfg.laneBuffer, cfg.backpressure, d.handle)
	}

	return d, nil
}

// Subscribe adds or replaces the (source, destination) relation.
func (d *Dispatcher) Subscribe(ctx context.Context, subscription shardcast.Subscription) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if d.closed.Load() {
		return fmt.Errorf("subscribe: %w", shardcast.ErrDispatcherClosed)
	}
	if err := subscription.Validate(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	subscription.Filter = subscription.Filter.Clone()
	if subscription.CreatedAt.IsZero() {
		subscription.CreatedAt = d.cfg.now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.stateFor(subscription.Source)
	previous := state.list()
	replaced := false
	next := make([]shardcast.Subscription, 0, len(previous)+1)
	for _, existing := range previous {
		if existing.Destination == subscription.Destination {
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		limit := d.cfg.maxPerDestination
		if limit > 0 && len(d.byDestination[subscription.Destination]) >= limit {
			return fmt.Errorf("subscribe %d to %s: %w (%d)",
				subscription.Destination, subscription.Source, shardcast.ErrSubscriptionLimit, limit)
		}
	}
	next = append(next, subscription)
	state.subscriptions.Store(&next)
	d.indexLocked(subscription.Source, subscription.Destination)

	if err := d.persistLocked(ctx, subscription.Source); err != nil {
		state.subscriptions.Store(&previous)
		if !replaced {
			d.unindexLocked(subscription.Source, subscription.Destination)
		}
		return fmt.Errorf("subscribe %d to %s: %w", subscription.Destination, subscription.Source, err)
	}

	d.cfg.logger.InfoContext(ctx, "subscription added",
		"source", subscription.Source.String(),
		"destination", subscription.Destination,
		"replaced", replaced,
	)

	return nil
}

// Unsubscribe removes one relation.
//
// An unknown relation returns an error wrapping shardcast.ErrSubscriptionNotFound which
// callers may treat as a no-op. A delivery already queued may still be sent once.
func (d *Dispatcher) Unsubscribe(
	ctx context.Context,
	source shardcast.SourceKey,
	destination shardcast.DestinationID,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.removeLocked(source, func(s shardcast.Subscription) bool { return s.Destination == destination }) {
		return fmt.Errorf("unsubscribe %d from %s: %w", destination, source, shardcast.ErrSubscriptionNotFound)
	}
	if err := d.persistLocked(ctx, source); err != nil {
		return fmt.Errorf("unsubscribe %d from %s: %w", destination, source, err)
	}

	return nil
}

// UnsubscribeDestination removes every relation of destination and returns the count.
func (d *Dispatcher) UnsubscribeDestination(ctx context.Context, destination shardcast.DestinationID) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sources := make([]shardcast.SourceKey, 0, len(d.byDestination[destination]))
	for source := range d.byDestination[destination] {
		sources = append(sources, source)
	}
	slices.SortFunc(sources, shardcast.CompareSourceKeys)

	removed := 0
	var persistErrs []error
	for _, source := range sources {
		if !d.removeLocked(source, func(s shardcast.Subscription) bool { return s.Destination == destination }) {
			continue
		}
		removed++
		if err := d.persistLocked(ctx, source); err != nil {
			persistErrs = append(persistErrs, err)
		}
	}
	if len(persistErrs) > 0 {
		return removed, fmt.Errorf("unsubscribe destination %d: %w", destination, errors.Join(persistErrs...))
	}

	return removed, nil
}

// ExpireSource removes every subscription of source, for example when a tracked lobby closes.
func (d *Dispatcher) ExpireSource(ctx context.Context, source shardcast.SourceKey) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := len(d.subscriptionsOf(source))
	if removed == 0 {
		return 0, nil
	}
	d.removeLocked(source, func(shardcast.Subscription) bool { return true })
	if err := d.persistLocked(ctx, source); err != nil {
		return removed, fmt.Errorf("expire source %s: %w", source, err)
	}
	d.cfg.logger.InfoContext(ctx, "source subscriptions expired", "source", source.String(), "removed", removed)

	return removed, nil
}

// Sweep removes subscriptions whose TTL elapsed at now. Removal is idempotent.
func (d *Dispatcher) Sweep(ctx context.Context, now time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	var persistErrs []error
	d.sources.Range(func(key, _ any) bool {
		source := key.(shardcast.SourceKey)
		before := len(d.subscriptionsOf(source))
		if !d.removeLocked(source, func(s shardcast.Subscription) bool { return s.Expired(now) }) {
			return true
		}
		removed += before - len(d.subscriptionsOf(source))
		if err := d.persistLocked(ctx, source); err != nil {
			persistErrs = append(persistErrs, err)
		}
		return true
	})
	if len(persistErrs) > 0 {
		return removed, fmt.Errorf("sweep subscriptions: %w", errors.Join(persistErrs...))
	}

	return removed, nil
}

// Subscriptions returns the relations of source.
func (d *Dispatcher) Subscriptions(source shardcast.SourceKey) []shardcast.Subscription {
	return cloneSubscriptions(d.subscriptionsOf(source))
}

// ForDestination returns every relation of destination ordered by source.
func (d *Dispatcher) ForDestination(destination shardcast.DestinationID) []shardcast.Subscription {
	d.mu.Lock()
	sources := make([]shardcast.SourceKey, 0, len(d.byDestination[destination]))
	for source := range d.byDestination[destination] {
		sources = append(sources, source)
	}
	d.mu.Unlock()
	slices.SortFunc(sources, shardcast.CompareSourceKeys)

	out := make([]shardcast.Subscription, 0, len(sources))
	for _, source := range sources {
		for _, subscription := range d.subscriptionsOf(source) {
			if subscription.Destination == destination {
				out = append(out, subscription)
			}
		}
	}

	return cloneSubscriptions(out)
}

// Watermark returns the highest sequence dispatched for source.
func (d *Dispatcher) Watermark(source shardcast.SourceKey) uint64 {
	value, ok := d.sources.Load(source)
	if !ok {
		return 0
	}

	return value.(*sourceState).watermark.Load()
}

// Count returns the number of active relations.
func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.count
}

// Notify fans candidate out to every accepting subscription of its source.
//
// A candidate whose sequence does not exceed the source watermark is a duplicate and
// produces no delivery; otherwise the watermark advances and one delivery is queued per
// accepting, unexpired subscription. It returns the number of queued deliveries.
func (d *Dispatcher) Notify(ctx context.Context, candidate shardcast.DispatchCandidate) (int, error) {
	if d.closed.Load() {
		return 0, fmt.Errorf("notify %s: %w", candidate.Source, shardcast.ErrDispatcherClosed)
	}

	value, ok := d.sources.Load(candidate.Source)
	if !ok {
		return 0, nil
	}
	state := value.(*sourceState)
	subscriptions := state.list()
	if len(subscriptions) == 0 {
		return 0, nil
	}

	for {
		watermark := state.watermark.Load()
		if candidate.Sequence <= watermark {
			d.cfg.metrics.IncDeduplicated()
			d.cfg.logger.DebugContext(ctx, "duplicate candidate dropped",
				"source", candidate.Source.String(),
				"sequence", candidate.Sequence,
				"watermark", watermark,
			)
			return 0, nil
		}
		if state.watermark.CompareAndSwap(watermark, candidate.Sequence) {
			break
		}
	}

	now := d.cfg.now()
	queued := 0
	var enqueueErrs []error
	for _, subscription := range subscriptions {
		if subscription.Expired(now) || !subscription.Filter.Accepts(candidate.Notification) {
			continue
		}
		job := delivery{subscription: subscription, candidate: candidate}
		if err := d.laneFor(subscription.Destination).enqueue(ctx, job); err != nil {
			d.cfg.metrics.IncDelivery("dropped")
			enqueueErrs = append(enqueueErrs, err)
			continue
		}
		queued++
	}
	if len(enqueueErrs) > 0 {
		return queued, fmt.Errorf("notify %s seq %d: %w", candidate.Source, candidate.Sequence, errors.Join(enqueueErrs...))
	}

	return queued, nil
}

// Name returns the component name.
func (d *Dispatcher) Name() string {
	return "live-dispatcher"
}

// OnStart restores persisted subscriptions and starts the TTL sweeper.
func (d *Dispatcher) OnStart(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		return fmt.Errorf("start dispatcher: already running")
	}
	if _, err := d.Load(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.runSweeper(sweepCtx, d.done)

	return nil
}

// OnShutdown stops the sweeper, drains delivery lanes, and flushes watermarks.
func (d *Dispatcher) OnShutdown(ctx context.Context) error {
	d.runMu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	return d.Close(ctx)
}

// Close rejects further notifications, drains lanes, and flushes persisted state.
func (d *Dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	var closeErrs []error
	for _, l := range d.lanes {
		l.signalClose()
	}
	for _, l := range d.lanes {
		if err := l.shutdown(ctx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	if err := d.flush(context.WithoutCancel(ctx)); err != nil {
		closeErrs = append(closeErrs, err)
	}

	if len(closeErrs) > 0 {
		return fmt.Errorf("close dispatcher: %w", errors.Join(closeErrs...))
	}

	return nil
}

func (d *Dispatcher) runSweeper(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := d.Sweep(ctx, d.cfg.now())
			if err != nil {
				d.cfg.logger.ErrorContext(ctx, "subscription sweep failed", "error", err)
			}
			if removed > 0 {
				d.cfg.logger.InfoContext(ctx, "expired subscriptions removed", "removed", removed)
			}
		}
	}
}

func (d *Dispatcher) laneFor(destination shardcast.DestinationID) *lane {
	return d.lanes[laneFor(destination, len(d.lanes))]
}

// isSubscribed reports whether the relation still exists.
func (d *Dispatcher) isSubscribed(source shardcast.SourceKey, destination shardcast.DestinationID) bool {
	for _, subscription := range d.subscriptionsOf(source) {
		if subscription.Destination == destination {
			return true
		}
	}

	return false
}

// stateFor returns the state of source, creating it when absent. Callers hold mu.
func (d *Dispatcher) stateFor(source shardcast.SourceKey) *sourceState {
	if value, ok := d.sources.Load(source); ok {
		return value.(*sourceState)
	}

	state := &sourceState{}
	empty := []shardcast.Subscription{}
	state.subscriptions.Store(&empty)
	d.sources.Store(source, state)

	return state
}

// subscriptionsOf returns the published subscription slice of source; it must not be mutated.
func (d *Dispatcher) subscriptionsOf(source shardcast.SourceKey) []shardcast.Subscription {
	value, ok := d.sources.Load(source)
	if !ok {
		return nil
	}

	return value.(*sourceState).list()
}

// removeLocked drops every subscription of source matching match. Callers hold mu.
func (d *Dispatcher) removeLocked(source shardcast.SourceKey, match func(shardcast.Subscription) bool) bool {
	value, ok := d.sources.Load(source)
	if !ok {
		return false
	}
	state := value.(*sourceState)

	previous := state.list()
	next := make([]shardcast.Subscription, 0, len(previous))
	for _, subscription := range previous {
		if match(subscription) {
			d.unindexLocked(source, subscription.Destination)
			continue
		}
		next = append(next, subscription)
	}
	if len(next) == len(previous) {
		return false
	}
	state.subscriptions.Store(&next)

	return true
}

func (d *Dispatcher) indexLocked(source shardcast.SourceKey, destination shardcast.DestinationID) {
	sources, ok := d.byDestination[destination]
	if !ok {
		sources = make(map[shardcast.SourceKey]struct{})
		d.byDestination[destination] = sources
	}
	if _, exists := sources[source]; !exists {
		sources[source] = struct{}{}
		d.count++
		d.cfg.metrics.SetSubscriptions(d.count)
	}
}

func (d *Dispatcher) unindexLocked(source shardcast.SourceKey, destination shardcast.DestinationID) {
	sources, ok := d.byDestination[destination]
	if !ok {
		return
	}
	if _, exists := sources[source]; !exists {
		return
	}
	delete(sources, source)
	if len(sources) == 0 {
		delete(d.byDestination, destination)
	}
	d.count--
	d.cfg.metrics.SetSubscriptions(d.count)
}

func (s *sourceState) list() []shardcast.Subscription {
	return *s.subscriptions.Load()
}

func cloneSubscriptions(subscriptions []shardcast.Subscription) []shardcast.Subscription {
	out := make([]shardcast.Subscription, len(subscriptions))
	for idx, subscription := range subscriptions {
		subscription.Filter = subscription.Filter.Clone()
		out[idx] = subscription
	}

	return out
}
