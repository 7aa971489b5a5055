// Package cache implements the concurrent entity cache.
//
// Entries live in independent segments keyed by (kind, scope, id). Each stored value is an
// immutable *shardcast.Snapshot; writers publish a fully built replacement with a
// compare-and-swap, so readers never lock and never observe a partially applied update.
package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"shardcast/internal/metrics"
	"shardcast/pkg/shardcast"
)

// Cache is a segmented, lock-free-read entity store.
type Cache struct {
	segments []segment
	mask     uint64
	entries  atomic.Int64

	sweepInterval time.Duration
	tombstoneTTL  time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type segment struct {
	entries sync.Map
}

var (
	_ shardcast.EntityReader = (*Cache)(nil)
	_ shardcast.Component    = (*Cache)(nil)
)

// New creates an empty cache.
func New(options ...Option) *Cache {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	size := nextPowerOfTwo(cfg.segments)

	return &Cache{
		segments:      make([]segment, size),
		mask:          uint64(size - 1),
		sweepInterval: cfg.sweepInterval,
		tombstoneTTL:  cfg.tombstoneTTL,
		now:           cfg.now,
		logger:        cfg.logger,
		metrics:       cfg.metrics,
	}
}

// Get returns the current snapshot for key.
//
// Tombstones and expired entries read as absent; an expired entry found here is removed.
func (c *Cache) Get(key shardcast.EntityKey) (shardcast.Snapshot, bool) {
	seg := c.segmentFor(key)
	current, ok := seg.load(key)
	if !ok {
		return shardcast.Snapshot{}, false
	}
	if current.Expired(c.now()) {
		c.evict(seg, key, current)
		return shardcast.Snapshot{}, false
	}
	if current.Deleted {
		return shardcast.Snapshot{}, false
	}

	return published(current), true
}

// Upsert stores payload under key and returns the new version.
//
// When expected is non-nil the write only succeeds if the current version equals *expected
// (zero for an absent entity); otherwise a *shardcast.VersionConflictError is returned.
// A nil expected retries internally until the write wins.
func (c *Cache) Upsert(
	key shardcast.EntityKey,
	payload shardcast.Payload,
	expected *uint64,
	ttl time.Duration,
) (uint64, error) {
	if err := checkPayload(key, payload); err != nil {
		return 0, fmt.Errorf("upsert %s: %w", key, err)
	}

	seg := c.segmentFor(key)
	for {
		now := c.now()
		current, exists := seg.load(key)
		live := exists && !current.Deleted && !current.Expired(now)

		var liveVersion uint64
		if live {
			liveVersion = current.Version
		}
		if expected != nil && *expected != liveVersion {
			c.metrics.IncVersionConflict()
			return 0, fmt.Errorf("upsert %s: %w", key, &shardcast.VersionConflictError{
				Key:      key,
				Expected: *expected,
				Actual:   liveVersion,
			})
		}

		next := &shardcast.Snapshot{
			Key:       key,
			Version:   1,
			Payload:   payload.Clone(),
			UpdatedAt: now,
			ExpiresAt: expiry(now, ttl),
		}
		if exists {
			next.Version = current.Version + 1
			next.SourceVersion = current.SourceVersion
		}

		if c.publish(seg, key, current, exists, next) {
			return next.Version, nil
		}
	}
}

// ApplyIfNewer stores payload only when sourceVersion exceeds the cached source version.
//
// It reports whether the write was applied; a stale or replayed write leaves the cache
// untouched and returns the current snapshot. Tombstones participate in the comparison so
// a replayed create cannot resurrect a deleted entity.
func (c *Cache) ApplyIfNewer(
	key shardcast.EntityKey,
	sourceVersion uint64,
	payload shardcast.Payload,
	ttl time.Duration,
) (shardcast.Snapshot, bool, error) {
	if err := checkPayload(key, payload); err != nil {
		return shardcast.Snapshot{}, false, fmt.Errorf("apply %s: %w", key, err)
	}

	snapshot, applied := c.applyIfNewer(key, sourceVersion, payload, ttl)
	return snapshot, applied, nil
}

// RemoveIfNewer replaces key with a tombstone when sourceVersion exceeds the cached one.
//
// The tombstone expires after the configured tombstone TTL.
func (c *Cache) RemoveIfNewer(key shardcast.EntityKey, sourceVersion uint64) bool {
	_, applied := c.applyIfNewer(key, sourceVersion, nil, c.tombstoneTTL)
	return applied
}

// Remove unconditionally deletes key and reports whether a live entity was removed.
func (c *Cache) Remove(key shardcast.EntityKey) bool {
	seg := c.segmentFor(key)
	for {
		current, exists := seg.load(key)
		if !exists {
			return false
		}
		if c.evict(seg, key, current) {
			return !current.Deleted && !current.Expired(c.now())
		}
	}
}

// Scan yields a weakly consistent view of every live snapshot matching predicate.
//
// Each yielded snapshot is a complete published version; concurrent writers may or may
// not be reflected. A nil predicate matches everything.
func (c *Cache) Scan(predicate func(shardcast.Snapshot) bool) iter.Seq[shardcast.Snapshot] {
	return func(yield func(shardcast.Snapshot) bool) {
		now := c.now()
		for idx := range c.segments {
			stop := false
			c.segments[idx].entries.Range(func(_, value any) bool {
				current := value.(*shardcast.Snapshot)
				if current.Deleted || current.Expired(now) {
					return true
				}
				snapshot := published(current)
				if predicate != nil && !predicate(snapshot) {
					return true
				}
				if !yield(snapshot) {
					stop = true
					return false
				}
				return true
			})
			if stop {
				return
			}
		}
	}
}

// Len returns the number of stored entries including unexpired tombstones.
func (c *Cache) Len() int {
	return int(c.entries.Load())
}

// Sweep removes every entry whose TTL elapsed at now and returns the count.
//
// Segments are swept one at a time; no global pause is taken.
func (c *Cache) Sweep(now time.Time) int {
	removed := 0
	for idx := range c.segments {
		seg := &c.segments[idx]
		seg.entries.Range(func(key, value any) bool {
			current := value.(*shardcast.Snapshot)
			if current.Expired(now) && c.evict(seg, key.(shardcast.EntityKey), current) {
				removed++
			}
			return true
		})
	}

	c.metrics.AddCacheExpired(removed)
	c.metrics.SetCacheEntries(c.Len())

	return removed
}

// Name returns the component name.
func (c *Cache) Name() string {
	return "entity-cache"
}

// OnStart launches the periodic sweeper.
func (c *Cache) OnStart(context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("start entity cache: already running")
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.runSweeper(sweepCtx, c.done)

	return nil
}

// OnShutdown stops the periodic sweeper.
func (c *Cache) OnShutdown(ctx context.Context) error {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown entity cache: %w", ctx.Err())
	}
}

func (c *Cache) runSweeper(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(c.now()); removed > 0 {
				c.logger.DebugContext(ctx, "entity cache swept", "removed", removed, "entries", c.Len())
			}
		}
	}
}

func (c *Cache) applyIfNewer(
	key shardcast.EntityKey,
	sourceVersion uint64,
	payload shardcast.Payload,
	ttl time.Duration,
) (shardcast.Snapshot, bool) {
	seg := c.segmentFor(key)
	for {
		now := c.now()
		current, exists := seg.load(key)
		if exists && !current.Expired(now) && current.SourceVersion >= sourceVersion {
			return published(current), false
		}

		next := &shardcast.Snapshot{
			Key:           key,
			Version:       1,
			SourceVersion: sourceVersion,
			UpdatedAt:     now,
			ExpiresAt:     expiry(now, ttl),
			Deleted:       payload == nil,
		}
		if payload != nil {
			next.Payload = payload.Clone()
		}
		if exists {
			next.Version = current.Version + 1
		}

		if c.publish(seg, key, current, exists, next) {
			return published(next), true
		}
	}
}

// publish installs next in place of current, or as a new entry when none existed.
func (c *Cache) publish(
	seg *segment,
	key shardcast.EntityKey,
	current *shardcast.Snapshot,
	exists bool,
	next *shardcast.Snapshot,
) bool {
	if !exists {
		if _, loaded := seg.entries.LoadOrStore(key, next); loaded {
			return false
		}
		c.entries.Add(1)
		return true
	}

	return seg.entries.CompareAndSwap(key, current, next)
}

func (c *Cache) evict(seg *segment, key shardcast.EntityKey, current *shardcast.Snapshot) bool {
	if !seg.entries.CompareAndDelete(key, current) {
		return false
	}
	c.entries.Add(-1)

	return true
}

func (c *Cache) segmentFor(key shardcast.EntityKey) *segment {
	return &c.segments[hashKey(key)&c.mask]
}

func (s *segment) load(key shardcast.EntityKey) (*shardcast.Snapshot, bool) {
	value, ok := s.entries.Load(key)
	if !ok {
		return nil, false
	}

	return value.(*shardcast.Snapshot), true
}

func hashKey(key shardcast.EntityKey) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(key.Scope))
	binary.LittleEndian.PutUint64(buf[8:], uint64(key.ID))

	return xxhash.Sum64(buf[:]) ^ xxhash.Sum64String(string(key.Kind))
}

// published returns a caller-owned copy of a stored snapshot.
func published(stored *shardcast.Snapshot) shardcast.Snapshot {
	snapshot := *stored
	if snapshot.Payload != nil {
		snapshot.Payload = snapshot.Payload.Clone()
	}

	return snapshot
}

func checkPayload(key shardcast.EntityKey, payload shardcast.Payload) error {
	if payload == nil {
		return fmt.Errorf("nil payload")
	}
	if payload.Kind() != key.Kind {
		return fmt.Errorf("payload kind %s does not match key kind %s", payload.Kind(), key.Kind)
	}

	return nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}

	return now.Add(ttl)
}
