package shardcast

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrVersionConflict indicates an optimistic cache write lost against a concurrent writer.
	ErrVersionConflict = errors.New("shardcast: version conflict")
	// ErrRateExceeded indicates a rate budget cannot be granted within configured limits.
	ErrRateExceeded = errors.New("shardcast: rate exceeded")
	// ErrSubscriptionNotFound indicates an unsubscribe for a relation that does not exist.
	ErrSubscriptionNotFound = errors.New("shardcast: subscription not found")
	// ErrInvalidSubscription indicates a subscription that violates relation invariants.
	ErrInvalidSubscription = errors.New("shardcast: invalid subscription")
	// ErrSubscriptionLimit indicates a destination already holds its maximum subscriptions.
	ErrSubscriptionLimit = errors.New("shardcast: subscription limit reached")
	// ErrUnknownEvent indicates a dispatch whose kind is outside the supported event set.
	ErrUnknownEvent = errors.New("shardcast: unknown event kind")
	// ErrEntityUnknown indicates an entity that is absent or belongs to an incompletely cached guild.
	ErrEntityUnknown = errors.New("shardcast: entity unknown")
	// ErrDeliveryDropped indicates a non-blocking delivery queue rejected a send.
	ErrDeliveryDropped = errors.New("shardcast: delivery dropped due to backpressure")
	// ErrDispatcherClosed indicates a notify or subscribe after dispatcher shutdown.
	ErrDispatcherClosed = errors.New("shardcast: dispatcher closed")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("shardcast: service already registered")
	// ErrServicesSealed indicates a service registration after the kernel started running.
	ErrServicesSealed = errors.New("shardcast: service registry sealed")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("shardcast: service not found")
	// ErrComponentAlreadyRegistered indicates duplicate component or driver registration.
	ErrComponentAlreadyRegistered = errors.New("shardcast: component already registered")
)

// TransportError reports a connection-level failure (disconnect, timeout, unreachable peer).
//
// Transport errors are recoverable: shard connections resume, deliveries retry.
type TransportError struct {
	// Op names the operation that failed, such as "dial" or "read frame".
	Op string
	// Cause is the wrapped network error.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return "transport error: " + e.Op
	}

	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Cause)
}

// Unwrap returns the wrapped root cause.
func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// ProtocolError reports a malformed or unexpected upstream frame.
//
// Frames producing protocol errors are dropped and logged; the stream continues.
type ProtocolError struct {
	// Frame identifies the frame or dispatch name being decoded.
	Frame string
	// Cause carries decoder detail.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *ProtocolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return "protocol error: " + e.Frame
	}

	return fmt.Sprintf("protocol error: %s: %v", e.Frame, e.Cause)
}

// Unwrap returns the wrapped root cause.
func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// VersionConflictError carries the versions observed by a failed optimistic write.
type VersionConflictError struct {
	Key      EntityKey
	Expected uint64
	Actual   uint64
}

// Error returns one operator-readable failure summary.
func (e *VersionConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}

	return fmt.Sprintf("version conflict on %s: expected %d, actual %d", e.Key, e.Expected, e.Actual)
}

// Unwrap allows errors.Is(err, ErrVersionConflict).
func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// RateExceededError reports a rejected rate budget acquisition.
type RateExceededError struct {
	// Route identifies the budget that rejected the request.
	Route RouteKey
	// RetryAfter is the predicted wait until the cost becomes available.
	RetryAfter time.Duration
	// Reason describes which cap rejected the request.
	Reason string
}

// Error returns one operator-readable failure summary.
func (e *RateExceededError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := "rate exceeded on " + string(e.Route)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.RetryAfter > 0 {
		msg += " (retry after " + e.RetryAfter.String() + ")"
	}

	return msg
}

// Unwrap allows errors.Is(err, ErrRateExceeded).
func (e *RateExceededError) Unwrap() error {
	return ErrRateExceeded
}

// AsTransportError extracts one TransportError from wrapped error chains.
func AsTransportError(err error) (*TransportError, bool) {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr, true
	}

	return nil, false
}

// AsRateExceeded extracts one RateExceededError from wrapped error chains.
func AsRateExceeded(err error) (*RateExceededError, bool) {
	var rateErr *RateExceededError
	if errors.As(err, &rateErr) {
		return rateErr, true
	}

	return nil, false
}
