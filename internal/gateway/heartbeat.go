package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"shardcast/internal/transport"
	"shardcast/pkg/shardcast"
)

const maxMissedAcks = 2

// heartbeater keeps one connection alive and detects zombie connections.
type heartbeater struct {
	shard    *Shard
	conn     transport.Conn
	interval time.Duration

	awaiting atomic.Bool
	missed   atomic.Int32
	sentAt   atomic.Int64
}

func newHeartbeater(shard *Shard, conn transport.Conn, interval time.Duration) *heartbeater {
	return &heartbeater{shard: shard, conn: conn, interval: interval}
}

// run beats every interval, the first beat after a random fraction of it.
//
// It calls fail once and returns when two acknowledgements in a row are missing
// or a beat cannot be written.
func (h *heartbeater) run(ctx context.Context, fail func(error)) {
	timer := time.NewTimer(rand.N(h.interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if h.awaiting.Load() && h.missed.Add(1) >= maxMissedAcks {
			fail(errZombie)
			return
		}
		if err := h.beat(); err != nil {
			fail(&shardcast.TransportError{Op: "heartbeat", Cause: err})
			return
		}
		timer.Reset(h.interval)
	}
}

// beat writes one heartbeat carrying the last applied sequence.
func (h *heartbeater) beat() error {
	var sequence *uint64
	if last := h.shard.Session().Sequence; last > 0 {
		sequence = &last
	}
	frame, err := outbound(OpHeartbeat, sequence)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}

	h.sentAt.Store(time.Now().UnixNano())
	h.awaiting.Store(true)

	return h.conn.WriteJSON(frame)
}

// ack records a heartbeat acknowledgement.
func (h *heartbeater) ack() {
	h.missed.Store(0)
	if !h.awaiting.Swap(false) {
		return
	}
	latency := time.Since(time.Unix(0, h.sentAt.Load()))
	h.shard.cfg.metrics.ObserveHeartbeat(h.shard.id, latency)
}
