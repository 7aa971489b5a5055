package kernel

import (
	"context"
	"errors"
	"fmt"

	"shardcast/pkg/shardcast"
)

// driverSink guards the downstream sink against panics and slow ingestion.
//
// Per-event failures are reported to the async error handler and swallowed so one bad
// event never tears down a driver connection. Only context cancellation propagates.
type driverSink struct {
	next shardcast.EventSink
	cfg  config
}

func newDriverSink(next shardcast.EventSink, cfg config) *driverSink {
	return &driverSink{next: next, cfg: cfg}
}

// Ingest forwards raw to the wrapped sink within the configured ingest timeout.
func (s *driverSink) Ingest(ctx context.Context, raw shardcast.RawEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ingestCtx, cancel := context.WithTimeout(ctx, s.cfg.ingestTimeout)
	defer cancel()

	scope := fmt.Sprintf("ingest %s:%s", raw.Origin, raw.Name)
	err := runSafely(scope, func() error {
		return s.next.Ingest(ingestCtx, raw)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s: ingest timeout after %s: %w", scope, s.cfg.ingestTimeout, err)
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		s.cfg.logger.ErrorContext(ctx, "sink panic", "scope", scope, "panic", panicErr.Value, "stack", string(panicErr.Stack))
	}
	s.cfg.onAsyncError(ctx, scope, err)

	return nil
}
