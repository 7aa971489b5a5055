// Package transport provides the JSON-over-websocket connections used by upstream feeds.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultHandshake = 15 * time.Second
	defaultReadLimit = 16 << 20
)

const (
	// CloseNormal is sent on a clean shutdown; the server invalidates the session.
	CloseNormal = websocket.CloseNormalClosure
	// CloseReconnect is sent before a resumable reconnect; the server keeps the session.
	CloseReconnect = 4000
)

// Conn is one full-duplex JSON message connection.
//
// ReadJSON is called by one goroutine; WriteJSON and Close are safe for concurrent use.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports a close frame received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

// Error returns the close code and reason.
func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", e.Code)
	}

	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// AsCloseError extracts a *CloseError from an error chain.
func AsCloseError(err error) (*CloseError, bool) {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return nil, false
	}

	return closeErr, true
}

// WebsocketDialer dials gorilla websocket connections.
type WebsocketDialer struct {
	// Dialer overrides the underlying dialer; nil uses a proxy-aware default.
	Dialer *websocket.Dialer
	// Header is sent with the handshake.
	Header http.Header
	// WriteWait bounds each write; zero uses ten seconds.
	WriteWait time.Duration
	// ReadLimit caps one inbound message; zero uses 16 MiB.
	ReadLimit int64
}

var _ Dialer = (*WebsocketDialer)(nil)

// Dial opens a websocket connection to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshake,
		}
	}

	conn, response, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dial %s: handshake status %d: %w", url, response.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	writeWait := d.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}

	return &websocketConn{conn: conn, writeWait: writeWait}, nil
}

// websocketConn serializes writers over one gorilla connection.
type websocketConn struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *websocketConn) ReadJSON(v any) error {
	if err := c.conn.ReadJSON(v); err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return err
	}

	return nil
}

func (c *websocketConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return net.ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	return c.conn.WriteJSON(v)
}

func (c *websocketConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	message := websocket.FormatCloseMessage(code, reason)
	controlErr := c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(c.writeWait))
	closeErr := c.conn.Close()
	if controlErr != nil && !errors.Is(controlErr, websocket.ErrCloseSent) {
		return errors.Join(fmt.Errorf("write close frame: %w", controlErr), closeErr)
	}

	return closeErr
}
