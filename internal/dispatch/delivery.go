package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shardcast/internal/ratelimit"
	"shardcast/pkg/shardcast"
)

// Renderer turns a notification into message content.
type Renderer func(shardcast.Notification) string

// RenderText renders the title and body as plain lines.
func RenderText(notification shardcast.Notification) string {
	if notification.Body == "" {
		return notification.Title
	}

	return notification.Title + "\n" + notification.Body
}

// handle runs one delivery on a lane worker.
func (d *Dispatcher) handle(ctx context.Context, job delivery) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.cfg.metrics.IncDelivery("panic")
			d.cfg.logger.ErrorContext(ctx, "delivery panicked",
				"destination", job.subscription.Destination,
				"source", job.candidate.Source.String(),
				"panic", fmt.Sprint(recovered),
			)
		}
	}()

	subscription := job.subscription
	if !d.isSubscribed(subscription.Source, subscription.Destination) {
		d.cfg.metrics.IncDelivery("unsubscribed")
		return
	}

	err := d.deliver(ctx, job)
	if err == nil {
		d.cfg.metrics.IncDelivery("sent")
		return
	}
	if ctx.Err() != nil {
		d.cfg.metrics.IncDelivery("cancelled")
		d.cfg.logger.WarnContext(context.WithoutCancel(ctx), "delivery cancelled",
			"destination", subscription.Destination,
			"source", job.candidate.Source.String(),
			"sequence", job.candidate.Sequence,
			"error", err,
		)
		return
	}

	d.cfg.metrics.IncDelivery("failed")
	d.cfg.logger.ErrorContext(ctx, "delivery dropped after retries",
		"destination", subscription.Destination,
		"source", job.candidate.Source.String(),
		"sequence", job.candidate.Sequence,
		"error", err,
	)
	d.sendFailureNotice(ctx, job, err)
}

// deliver sends one notification with bounded retry.
//
// Rate-limited responses penalize the route and delay the next attempt by the advertised
// retry-after; permanent responses stop retrying.
func (d *Dispatcher) deliver(ctx context.Context, job delivery) error {
	destination := job.subscription.Destination
	route := shardcast.MessageRoute(destination)

	ctx, span := d.tracer.Start(ctx, "dispatch.deliver", trace.WithAttributes(
		attribute.String("shardcast.route", string(route)),
		attribute.String("shardcast.source", job.candidate.Source.String()),
		attribute.Int64("shardcast.sequence", int64(job.candidate.Sequence)),
		attribute.String("shardcast.activity", string(job.candidate.Notification.Kind)),
	))
	defer span.End()

	notification := job.candidate.Notification
	request := shardcast.OutboundRequest{
		IdempotencyKey: uuid.NewString(),
		Destination:    destination,
		Content:        d.cfg.renderer(notification),
		Notification:   &notification,
	}

	policy := &hintedBackOff{BackOff: backoff.WithMaxRetries(d.newBackOff(), uint64(d.cfg.maxRetries))}
	attempts := 0
	operation := func() error {
		attempts++
		if err := d.limiter.Acquire(ctx, route, 1); err != nil {
			if exceeded, ok := shardcast.AsRateExceeded(err); ok {
				policy.hint = exceeded.RetryAfter
				return err
			}
			return backoff.Permanent(err)
		}

		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.sendTimeout)
		defer cancel()

		response, err := d.sender.Send(sendCtx, route, request)
		if err == nil {
			span.SetAttributes(attribute.String("shardcast.message_id", response.MessageID))
			return nil
		}
		if outboundErr, ok := shardcast.AsOutboundError(err); ok && outboundErr.Kind == shardcast.OutboundErrorKindRateLimited {
			d.limiter.Penalize(route, outboundErr.RetryAfter, outboundErr.Global)
			policy.hint = outboundErr.RetryAfter
			return err
		}
		if shardcast.IsPermanentOutbound(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.cfg.metrics.IncDeliveryRetry()
		d.cfg.logger.DebugContext(ctx, "delivery retry scheduled",
			"destination", destination,
			"attempt", attempts,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	span.SetAttributes(attribute.Int("shardcast.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return fmt.Errorf("deliver to %d after %d attempts: %w", destination, attempts, err)
	}

	return nil
}

// sendFailureNotice tells the destination a notification was lost, without retry.
func (d *Dispatcher) sendFailureNotice(ctx context.Context, job delivery, cause error) {
	if shardcast.IsPermanentOutbound(cause) || errors.Is(cause, ratelimit.ErrCostExceedsCapacity) {
		return
	}

	destination := job.subscription.Destination
	route := shardcast.MessageRoute(destination)
	if err := d.limiter.TryAcquire(route, 1); err != nil {
		d.cfg.logger.WarnContext(ctx, "delivery failure notice skipped",
			"destination", destination,
			"error", err,
		)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.sendTimeout)
	defer cancel()

	notice := shardcast.OutboundRequest{
		IdempotencyKey: uuid.NewString(),
		Destination:    destination,
		Content:        failureNotice(job.candidate.Notification, cause),
	}
	if _, err := d.sender.Send(sendCtx, route, notice); err != nil {
		d.cfg.logger.WarnContext(ctx, "delivery failure notice failed",
			"destination", destination,
			"error", err,
		)
	}
}

func failureNotice(notification shardcast.Notification, cause error) string {
	reason := "temporary failure"
	if _, ok := shardcast.AsOutboundRateLimit(cause); ok || errors.Is(cause, shardcast.ErrRateExceeded) {
		reason = "rate limited"
	}

	var b strings.Builder
	b.WriteString("A live notification could not be delivered (")
	b.WriteString(reason)
	b.WriteString(")")
	if notification.Title != "" {
		b.WriteString(": ")
		b.WriteString(notification.Title)
	}

	return b.String()
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = d.cfg.retryInitial
	exponential.MaxInterval = d.cfg.retryMax
	exponential.MaxElapsedTime = 0
	exponential.Reset()

	return exponential
}

// hintedBackOff waits at least the last server-advertised delay before the next attempt.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0

	return next
}
