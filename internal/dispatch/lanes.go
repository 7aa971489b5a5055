package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"shardcast/pkg/shardcast"
)

// delivery is one queued notification for one subscription.
type delivery struct {
	subscription shardcast.Subscription
	candidate    shardcast.DispatchCandidate
}

// lane owns one bounded delivery queue and its single worker.
//
// Shutdown first lets the worker drain what is queued; if the shutdown context expires the
// lane context is cancelled, aborting in-flight sends.
type lane struct {
	id     int
	policy Backpressure
	queue  chan delivery
	handle func(context.Context, delivery)
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func newLane(id int, buffer int, policy Backpressure, handle func(context.Context, delivery)) *lane {
	laneCtx, cancel := context.WithCancel(context.Background())
	l := &lane{
		id:     id,
		policy: policy,
		queue:  make(chan delivery, buffer),
		handle: handle,
		ctx:    laneCtx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.run()

	return l
}

// laneFor partitions destinations across lanes.
func laneFor(destination shardcast.DestinationID, lanes int) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(destination))

	return int(xxhash.Sum64(buf[:]) % uint64(lanes))
}

// enqueue applies the configured backpressure policy.
func (l *lane) enqueue(ctx context.Context, job delivery) error {
	if l.closed.Load() {
		return fmt.Errorf("enqueue lane %d: %w", l.id, shardcast.ErrDispatcherClosed)
	}

	switch l.policy {
	case BackpressureDropNewest:
		select {
		case l.queue <- job:
			return nil
		default:
			return fmt.Errorf("enqueue lane %d: %w", l.id, shardcast.ErrDeliveryDropped)
		}
	default:
		select {
		case l.queue <- job:
			return nil
		case <-l.done:
			return fmt.Errorf("enqueue lane %d: %w", l.id, shardcast.ErrDispatcherClosed)
		case <-ctx.Done():
			return fmt.Errorf("enqueue lane %d: %w", l.id, ctx.Err())
		}
	}
}

func (l *lane) run() {
	defer close(l.done)

	for {
		select {
		case job := <-l.queue:
			l.handle(l.ctx, job)
		case <-l.stop:
			l.drain()
			return
		}
	}
}

// drain handles queued deliveries until the queue is empty or the lane is cancelled.
func (l *lane) drain() {
	for {
		if l.ctx.Err() != nil {
			return
		}
		select {
		case job := <-l.queue:
			l.handle(l.ctx, job)
		default:
			return
		}
	}
}

// pending returns the number of queued deliveries.
func (l *lane) pending() int {
	return len(l.queue)
}

// signalClose rejects further deliveries exactly once and asks the worker to drain.
func (l *lane) signalClose() {
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.stop)
	})
}

// shutdown waits for the drain, cancelling in-flight work when ctx expires first.
func (l *lane) shutdown(ctx context.Context) error {
	l.signalClose()
	defer l.cancel()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		l.cancel()
		<-l.done
		return fmt.Errorf("shutdown lane %d: %w (%d deliveries dropped)", l.id, ctx.Err(), l.pending())
	}
}
