package shardcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RouteKey identifies one rate-limited outbound resource.
type RouteKey string

// MessageRoute returns the outbound route for posting into a destination channel.
func MessageRoute(destination DestinationID) RouteKey {
	return RouteKey(fmt.Sprintf("channels/%d/messages", destination))
}

// OutboundRequest is one message to deliver to a destination.
type OutboundRequest struct {
	// IdempotencyKey is stable across retries of the same delivery.
	IdempotencyKey string `json:"nonce"`
	Destination    DestinationID `json:"channel_id,string"`
	Content        string        `json:"content"`
	Notification   *Notification `json:"notification,omitempty"`
}

// OutboundResponse is the sender acknowledgement.
type OutboundResponse struct {
	MessageID string
}

// Sender performs outbound requests against the chat platform.
type Sender interface {
	Send(ctx context.Context, route RouteKey, request OutboundRequest) (OutboundResponse, error)
}

// OutboundErrorKind describes coarse-grained outbound failure classification.
type OutboundErrorKind string

const (
	// OutboundErrorKindRateLimited indicates platform-side rate limiting.
	OutboundErrorKindRateLimited OutboundErrorKind = "rate_limited"
	// OutboundErrorKindTemporary indicates retryable transient failure.
	OutboundErrorKindTemporary OutboundErrorKind = "temporary"
	// OutboundErrorKindPermanent indicates non-retryable permanent failure.
	OutboundErrorKindPermanent OutboundErrorKind = "permanent"
	// OutboundErrorKindUnknown indicates unclassified failure.
	OutboundErrorKindUnknown OutboundErrorKind = "unknown"
)

// OutboundError carries structured metadata for one outbound request failure.
type OutboundError struct {
	// Route identifies the resource the request targeted.
	Route RouteKey
	// Kind classifies whether and how callers should retry.
	Kind OutboundErrorKind
	// RetryAfter carries the platform's suggested delay for rate-limited failures when known.
	RetryAfter time.Duration
	// Global reports whether a rate limit applies to all routes.
	Global bool
	// Code carries the platform status code when known.
	Code int
	// Cause is the wrapped platform or transport error.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *OutboundError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 5)
	if route := strings.TrimSpace(string(e.Route)); route != "" {
		fields = append(fields, "route="+route)
	}
	if kind := strings.TrimSpace(string(e.Kind)); kind != "" {
		fields = append(fields, "kind="+kind)
	}
	if e.RetryAfter > 0 {
		fields = append(fields, "retry_after="+e.RetryAfter.String())
	}
	if e.Global {
		fields = append(fields, "global=true")
	}
	if e.Code != 0 {
		fields = append(fields, fmt.Sprintf("code=%d", e.Code))
	}

	msg := "outbound error"
	if len(fields) > 0 {
		msg += ": " + strings.Join(fields, " ")
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap returns the wrapped root cause.
func (e *OutboundError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// AsOutboundError extracts one OutboundError from wrapped error chains.
func AsOutboundError(err error) (*OutboundError, bool) {
	if err == nil {
		return nil, false
	}

	var outboundErr *OutboundError
	if errors.As(err, &outboundErr) {
		return outboundErr, true
	}

	return nil, false
}

// AsOutboundRateLimit extracts retry delay metadata from outbound rate-limit errors.
//
// It returns `(0, false)` if err is not classified as rate-limited.
// It returns `(0, true)` when rate-limited but no retry-after hint is known.
func AsOutboundRateLimit(err error) (time.Duration, bool) {
	outboundErr, ok := AsOutboundError(err)
	if !ok || outboundErr.Kind != OutboundErrorKindRateLimited {
		return 0, false
	}

	return outboundErr.RetryAfter, true
}

// IsPermanentOutbound reports whether retrying err cannot succeed.
func IsPermanentOutbound(err error) bool {
	outboundErr, ok := AsOutboundError(err)
	return ok && outboundErr.Kind == OutboundErrorKindPermanent
}
