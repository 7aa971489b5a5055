// Package feed consumes the live-activity websocket feed.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shardcast/internal/metrics"
	"shardcast/internal/transport"
	"shardcast/pkg/shardcast"
)

// DriverName is the registry name of the feed driver.
const DriverName = "live-feed"

const (
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = time.Minute
	defaultIdleTimeout      = 2 * time.Minute
)

var errIdle = errors.New("feed idle")

// Frame is one live-activity feed message.
type Frame struct {
	Source json.RawMessage     `json:"source"`
	Seq    uint64              `json:"seq"`
	Kind   shardcast.EventName `json:"kind"`
	Data   json.RawMessage     `json:"data"`
}

// Client keeps one feed connection open and forwards frames to a sink in receive order.
type Client struct {
	url    string
	dialer transport.Dialer
	cfg    config

	connected atomic.Bool
	received  atomic.Uint64
	dropped   atomic.Uint64
}

var _ shardcast.Driver = (*Client)(nil)

// New creates a feed client for url.
func New(url string, dialer transport.Dialer, options ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("new feed client: empty url")
	}
	if dialer == nil {
		return nil, fmt.Errorf("new feed client: nil dialer")
	}

	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Client{url: url, dialer: dialer, cfg: cfg}, nil
}

// Name returns the driver name.
func (c *Client) Name() string {
	return DriverName
}

// Connected reports whether a feed connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Stats returns the number of forwarded and dropped frames.
func (c *Client) Stats() (received uint64, dropped uint64) {
	return c.received.Load(), c.dropped.Load()
}

// Start reads the feed until ctx is cancelled, reconnecting with exponential backoff.
//
// It returns a non-nil error only when the sink fails.
func (c *Client) Start(ctx context.Context, sink shardcast.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start feed client: nil sink")
	}

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = c.cfg.reconnectInitial
	reconnect.MaxInterval = c.cfg.reconnectMax
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	for {
		err := c.consume(ctx, sink, reconnect)
		if ctx.Err() != nil {
			return nil
		}
		var ingestErr *sinkError
		if errors.As(err, &ingestErr) {
			return fmt.Errorf("start feed client: %w", ingestErr.err)
		}

		delay := reconnect.NextBackOff()
		c.cfg.logger.WarnContext(ctx, "feed connection lost", "error", err, "retry_in", delay)
		c.cfg.metrics.IncFeedReconnect()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Shutdown has nothing to release; connections close with the Start context.
func (c *Client) Shutdown(context.Context) error {
	return nil
}

type sinkError struct {
	err error
}

func (e *sinkError) Error() string {
	return "ingest: " + e.err.Error()
}

func (e *sinkError) Unwrap() error {
	return e.err
}

// consume runs one connection.
func (c *Client) consume(ctx context.Context, sink shardcast.EventSink, reconnect backoff.BackOff) error {
	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		return &shardcast.TransportError{Op: "dial feed", Cause: err}
	}

	connCtx, cancel := context.WithCancelCause(ctx)
	var (
		watchdog  sync.WaitGroup
		lastFrame atomic.Int64
	)
	lastFrame.Store(time.Now().UnixNano())
	c.connected.Store(true)
	c.cfg.logger.InfoContext(ctx, "feed connected", "url", c.url)

	defer func() {
		c.connected.Store(false)
		cancel(nil)
		if err := conn.Close(transport.CloseNormal, "closing"); err != nil {
			c.cfg.logger.DebugContext(ctx, "close feed connection", "error", err)
		}
		watchdog.Wait()
	}()

	watchdog.Add(1)
	go func() {
		defer watchdog.Done()
		c.watchIdle(connCtx, conn, &lastFrame, cancel)
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if cause := context.Cause(connCtx); cause != nil {
				return cause
			}
			if isDecodeError(err) {
				c.drop(ctx, "malformed", &shardcast.ProtocolError{Frame: "feed frame", Cause: err})
				continue
			}
			return &shardcast.TransportError{Op: "read feed frame", Cause: err}
		}
		lastFrame.Store(time.Now().UnixNano())
		reconnect.Reset()

		raw, err := toRawEvent(frame, time.Now())
		if err != nil {
			c.drop(ctx, "malformed", err)
			continue
		}
		if err := sink.Ingest(ctx, raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &sinkError{err: err}
		}
		c.received.Add(1)
	}
}

// watchIdle closes conn when no frame arrives within the idle timeout.
func (c *Client) watchIdle(ctx context.Context, conn transport.Conn, lastFrame *atomic.Int64, fail context.CancelCauseFunc) {
	ticker := time.NewTicker(c.cfg.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, lastFrame.Load())) < c.cfg.idleTimeout {
				continue
			}
			fail(errIdle)
			_ = conn.Close(transport.CloseReconnect, "idle")
			return
		}
	}
}

func (c *Client) drop(ctx context.Context, reason string, err error) {
	c.dropped.Add(1)
	c.cfg.metrics.IncEventDropped(string(shardcast.OriginFeed), reason)
	c.cfg.logger.WarnContext(ctx, "dropping feed frame", "reason", reason, "error", err)
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// toRawEvent validates frame and annotates it with its feed position.
func toRawEvent(frame Frame, receivedAt time.Time) (shardcast.RawEvent, error) {
	if frame.Kind == "" {
		return shardcast.RawEvent{}, &shardcast.ProtocolError{Frame: "feed frame", Cause: errors.New("missing kind")}
	}
	source, err := parseSource(frame.Source)
	if err != nil {
		return shardcast.RawEvent{}, &shardcast.ProtocolError{Frame: string(frame.Kind), Cause: err}
	}
	if frame.Seq == 0 {
		return shardcast.RawEvent{}, &shardcast.ProtocolError{Frame: string(frame.Kind), Cause: errors.New("missing seq")}
	}

	return shardcast.RawEvent{
		Origin:     shardcast.OriginFeed,
		Sequence:   frame.Seq,
		Name:       frame.Kind,
		Data:       frame.Data,
		SourceID:   source,
		ReceivedAt: receivedAt,
	}, nil
}

// parseSource accepts a source id encoded as a JSON number or a decimal string.
func parseSource(raw json.RawMessage) (shardcast.EntityID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing source")
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("decode source: %w", err)
		}
	}
	id, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse source %q: %w", text, err)
	}
	if id == 0 {
		return 0, errors.New("zero source")
	}

	return shardcast.EntityID(id), nil
}

// config stores resolved feed client settings.
type config struct {
	reconnectInitial time.Duration
	reconnectMax     time.Duration
	idleTimeout      time.Duration
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// Option mutates feed client construction configuration.
type Option func(*config)

func defaultConfig() config {
	return config{
		reconnectInitial: defaultReconnectInitial,
		reconnectMax:     defaultReconnectMax,
		idleTimeout:      defaultIdleTimeout,
		logger:           slog.Default(),
	}
}

// WithReconnectBackoff configures the exponential reconnect delay.
func WithReconnectBackoff(initial time.Duration, maxInterval time.Duration) Option {
	return func(cfg *config) {
		if initial > 0 {
			cfg.reconnectInitial = initial
		}
		if maxInterval > 0 {
			cfg.reconnectMax = maxInterval
		}
	}
}

// WithIdleTimeout configures how long a silent connection is kept before reconnecting.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.idleTimeout = timeout
		}
	}
}

// WithLogger configures the feed client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics configures feed instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}
