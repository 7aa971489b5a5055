package ratelimit

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"
)

// Limit describes one token bucket.
type Limit struct {
	// Capacity is the maximum number of tokens held.
	Capacity float64
	// Rate is the number of tokens refilled per second.
	Rate float64
}

// Valid reports whether the limit can ever grant a token.
func (l Limit) Valid() bool {
	return l.Capacity > 0 && l.Rate > 0
}

// bucket is one continuously refilled token bucket with a FIFO waiter queue.
//
// Only the head waiter consumes tokens; later waiters park on their turn channel until
// every waiter ahead of them has been granted or has left.
type bucket struct {
	mu           sync.Mutex
	limit        Limit
	tokens       float64
	last         time.Time
	blockedUntil time.Time
	waiters      *list.List
}

type waiter struct {
	cost float64
	turn chan struct{}
	head bool
}

func newBucket(limit Limit, now time.Time) *bucket {
	return &bucket{
		limit:   limit,
		tokens:  limit.Capacity,
		last:    now,
		waiters: list.New(),
	}
}

// refillLocked adds tokens accrued since the last refill.
func (b *bucket) refillLocked(now time.Time) {
	if now.After(b.last) {
		elapsed := now.Sub(b.last).Seconds()
		b.tokens = math.Min(b.limit.Capacity, b.tokens+elapsed*b.limit.Rate)
		b.last = now
	}
}

// tryTakeLocked consumes cost when no one is queued and the bucket is not penalized.
func (b *bucket) tryTakeLocked(now time.Time, cost float64) bool {
	if b.waiters.Len() > 0 || now.Before(b.blockedUntil) || b.tokens < cost {
		return false
	}
	b.tokens -= cost

	return true
}

// delayLocked returns how long the head must sleep before cost is available.
func (b *bucket) delayLocked(now time.Time, cost float64) time.Duration {
	var delay time.Duration
	if now.Before(b.blockedUntil) {
		delay = b.blockedUntil.Sub(now)
	}
	if deficit := cost - b.tokens; deficit > 0 {
		refill := time.Duration(deficit / b.limit.Rate * float64(time.Second))
		if refill > delay {
			delay = refill
		}
	}

	return delay
}

// predictedWaitLocked estimates the wait for cost queued behind every current waiter.
func (b *bucket) predictedWaitLocked(now time.Time, cost float64) time.Duration {
	ahead := cost
	for elem := b.waiters.Front(); elem != nil; elem = elem.Next() {
		ahead += elem.Value.(*waiter).cost
	}

	return b.delayLocked(now, ahead)
}

// enqueueLocked appends a waiter and promotes it immediately when the queue was empty.
func (b *bucket) enqueueLocked(cost float64) (*list.Element, *waiter) {
	w := &waiter{cost: cost, turn: make(chan struct{})}
	elem := b.waiters.PushBack(w)
	if b.waiters.Len() == 1 {
		w.head = true
		close(w.turn)
	}

	return elem, w
}

// removeLocked drops a waiter and hands the turn to the next one if it was the head.
func (b *bucket) removeLocked(elem *list.Element) {
	w := elem.Value.(*waiter)
	b.waiters.Remove(elem)
	if !w.head {
		return
	}
	if front := b.waiters.Front(); front != nil {
		next := front.Value.(*waiter)
		if !next.head {
			next.head = true
			close(next.turn)
		}
	}
}

// wait blocks the caller in FIFO order until cost is granted or ctx ends.
func (b *bucket) wait(ctx context.Context, elem *list.Element, w *waiter, cost float64, now func() time.Time) error {
	select {
	case <-w.turn:
	case <-ctx.Done():
		b.mu.Lock()
		b.removeLocked(elem)
		b.mu.Unlock()
		return ctx.Err()
	}

	for {
		b.mu.Lock()
		current := now()
		b.refillLocked(current)
		delay := b.delayLocked(current, cost)
		if delay <= 0 {
			b.tokens -= cost
			b.removeLocked(elem)
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			b.mu.Lock()
			b.removeLocked(elem)
			b.mu.Unlock()
			return ctx.Err()
		}
	}
}

// refund returns cost tokens after a later stage of a combined acquisition failed.
func (b *bucket) refund(cost float64) {
	b.mu.Lock()
	b.tokens = math.Min(b.limit.Capacity, b.tokens+cost)
	b.mu.Unlock()
}

// block drains the bucket and rejects grants until deadline.
func (b *bucket) block(now time.Time, deadline time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	b.tokens = 0
	if deadline.After(b.blockedUntil) {
		b.blockedUntil = deadline
	}
	// Restart refill at the deadline so the bucket does not accrue tokens while blocked.
	if deadline.After(b.last) {
		b.last = deadline
	}
}

func (b *bucket) waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.waiters.Len()
}
