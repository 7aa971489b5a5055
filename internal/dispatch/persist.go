package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"shardcast/pkg/shardcast"
)

const (
	subscriptionKeyPrefix = "subscriptions/"
	subscriptionIndexKey  = "subscriptions/index"
)

// sourceRecord is the persisted form of one source.
type sourceRecord struct {
	Source        shardcast.SourceKey      `json:"source"`
	Watermark     uint64                   `json:"watermark"`
	Subscriptions []shardcast.Subscription `json:"subscriptions"`
}

func sourceKey(source shardcast.SourceKey) string {
	return fmt.Sprintf("%s%s/%d", subscriptionKeyPrefix, source.Kind, source.ID)
}

// Load restores persisted subscriptions and watermarks; expired relations are skipped.
//
// It returns the number of restored relations.
func (d *Dispatcher) Load(ctx context.Context) (int, error) {
	if d.cfg.store == nil {
		return 0, nil
	}

	sources, err := d.loadIndex(ctx)
	if err != nil {
		return 0, fmt.Errorf("load subscriptions: %w", err)
	}

	now := d.cfg.now()
	restored := 0

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, source := range sources {
		raw, found, err := d.cfg.store.Get(ctx, sourceKey(source))
		if err != nil {
			return restored, fmt.Errorf("load subscriptions of %s: %w", source, err)
		}
		if !found {
			continue
		}

		var record sourceRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			d.cfg.logger.WarnContext(ctx, "skipping corrupt subscription record", "source", source.String(), "error", err)
			continue
		}

		state := d.stateFor(source)
		if record.Watermark > state.watermark.Load() {
			state.watermark.Store(record.Watermark)
		}
		next := slices.Clone(state.list())
		for _, subscription := range record.Subscriptions {
			if subscription.Expired(now) || subscription.Validate() != nil {
				continue
			}
			if d.isSubscribed(source, subscription.Destination) {
				continue
			}
			next = append(next, subscription)
			d.indexLocked(source, subscription.Destination)
			restored++
		}
		state.subscriptions.Store(&next)
	}

	d.cfg.logger.InfoContext(ctx, "subscriptions restored", "sources", len(sources), "subscriptions", restored)

	return restored, nil
}

func (d *Dispatcher) loadIndex(ctx context.Context) ([]shardcast.SourceKey, error) {
	raw, found, err := d.cfg.store.Get(ctx, subscriptionIndexKey)
	if err != nil {
		return nil, fmt.Errorf("get index: %w", err)
	}
	if !found {
		return nil, nil
	}

	var sources []shardcast.SourceKey
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}

	return sources, nil
}

// persistLocked writes the record of source and the source index. Callers hold mu.
func (d *Dispatcher) persistLocked(ctx context.Context, source shardcast.SourceKey) error {
	if d.cfg.store == nil {
		return nil
	}

	subscriptions := d.subscriptionsOf(source)
	if len(subscriptions) == 0 {
		if err := d.cfg.store.Delete(ctx, sourceKey(source)); err != nil {
			return fmt.Errorf("delete subscription record %s: %w", source, err)
		}
	} else {
		record := sourceRecord{
			Source:        source,
			Watermark:     d.Watermark(source),
			Subscriptions: subscriptions,
		}
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode subscription record %s: %w", source, err)
		}
		if err := d.cfg.store.Put(ctx, sourceKey(source), raw); err != nil {
			return fmt.Errorf("put subscription record %s: %w", source, err)
		}
	}

	return d.persistIndexLocked(ctx)
}

func (d *Dispatcher) persistIndexLocked(ctx context.Context) error {
	sources := make([]shardcast.SourceKey, 0)
	d.sources.Range(func(key, value any) bool {
		if len(value.(*sourceState).list()) > 0 {
			sources = append(sources, key.(shardcast.SourceKey))
		}
		return true
	})
	slices.SortFunc(sources, shardcast.CompareSourceKeys)

	raw, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("encode subscription index: %w", err)
	}
	if err := d.cfg.store.Put(ctx, subscriptionIndexKey, raw); err != nil {
		return fmt.Errorf("put subscription index: %w", err)
	}

	return nil
}

// flush rewrites every source record so watermarks survive a restart.
func (d *Dispatcher) flush(ctx context.Context) error {
	if d.cfg.store == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var flushErrs []error
	d.sources.Range(func(key, value any) bool {
		if len(value.(*sourceState).list()) == 0 {
			return true
		}
		if err := d.persistLocked(ctx, key.(shardcast.SourceKey)); err != nil {
			flushErrs = append(flushErrs, err)
		}
		return true
	})
	if len(flushErrs) > 0 {
		return fmt.Errorf("flush subscriptions: %w", errors.Join(flushErrs...))
	}

	return nil
}
