// Package outbound implements the chat-platform REST sender used by the dispatcher.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shardcast/pkg/shardcast"
)

const (
	defaultTimeout  = 15 * time.Second
	maxErrorPayload = 4 << 10
)

// HTTPSender posts outbound requests as JSON to <base>/<route>.
type HTTPSender struct {
	baseURL   string
	token     string
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

var _ shardcast.Sender = (*HTTPSender)(nil)

// Option mutates sender construction configuration.
type Option func(*HTTPSender)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPSender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(s *HTTPSender) {
		if userAgent != "" {
			s.userAgent = userAgent
		}
	}
}

// WithLogger configures the sender logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *HTTPSender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewHTTPSender creates a sender authenticated with a bot token.
func NewHTTPSender(baseURL string, token string, options ...Option) (*HTTPSender, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("new http sender: empty base url")
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("new http sender: empty token")
	}

	sender := &HTTPSender{
		baseURL:   baseURL,
		token:     token,
		client:    &http.Client{Timeout: defaultTimeout},
		userAgent: "shardcast/1.0",
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(sender)
	}

	return sender, nil
}

// rateLimitBody is the platform's 429 payload.
type rateLimitBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

type messageBody struct {
	ID string `json:"id"`
}

// Send posts request to route.
//
// Responses map to *shardcast.OutboundError: 429 is rate limited with the advertised
// retry-after, 5xx is temporary, other 4xx are permanent. Network failures return a
// *shardcast.TransportError.
func (s *HTTPSender) Send(
	ctx context.Context,
	route shardcast.RouteKey,
	request shardcast.OutboundRequest,
) (shardcast.OutboundResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return shardcast.OutboundResponse{}, fmt.Errorf("send %s: encode request: %w", route, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+string(route), bytes.NewReader(payload))
	if err != nil {
		return shardcast.OutboundResponse{}, fmt.Errorf("send %s: build request: %w", route, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bot "+s.token)
	httpRequest.Header.Set("User-Agent", s.userAgent)
	if request.IdempotencyKey != "" {
		httpRequest.Header.Set("Idempotency-Key", request.IdempotencyKey)
	}

	response, err := s.client.Do(httpRequest)
	if err != nil {
		return shardcast.OutboundResponse{}, &shardcast.TransportError{Op: "send " + string(route), Cause: err}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxErrorPayload*16))
	if err != nil {
		return shardcast.OutboundResponse{}, &shardcast.TransportError{Op: "read " + string(route), Cause: err}
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		var message messageBody
		if len(body) > 0 {
			if err := json.Unmarshal(body, &message); err != nil {
				s.logger.WarnContext(ctx, "unparseable send response", "route", route, "error", err)
			}
		}
		return shardcast.OutboundResponse{MessageID: message.ID}, nil
	}

	return shardcast.OutboundResponse{}, mapResponseError(route, response, body)
}

func mapResponseError(route shardcast.RouteKey, response *http.Response, body []byte) error {
	outboundErr := &shardcast.OutboundError{
		Route: route,
		Kind:  classifyStatus(response.StatusCode),
		Code:  response.StatusCode,
		Cause: fmt.Errorf("http %d: %s", response.StatusCode, truncate(body, maxErrorPayload)),
	}
	if outboundErr.Kind != shardcast.OutboundErrorKindRateLimited {
		return outboundErr
	}

	outboundErr.RetryAfter = parseRetryAfter(response.Header.Get("Retry-After"))
	outboundErr.Global = strings.EqualFold(response.Header.Get("X-RateLimit-Global"), "true")

	var limited rateLimitBody
	if err := json.Unmarshal(body, &limited); err == nil {
		if limited.RetryAfter > 0 {
			outboundErr.RetryAfter = time.Duration(limited.RetryAfter * float64(time.Second))
		}
		outboundErr.Global = outboundErr.Global || limited.Global
	}

	return outboundErr
}

func classifyStatus(code int) shardcast.OutboundErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return shardcast.OutboundErrorKindRateLimited
	case code >= 500:
		return shardcast.OutboundErrorKindTemporary
	case code == http.StatusRequestTimeout:
		return shardcast.OutboundErrorKindTemporary
	case code >= 400:
		return shardcast.OutboundErrorKindPermanent
	default:
		return shardcast.OutboundErrorKindUnknown
	}
}

// parseRetryAfter accepts delay seconds, fractional or whole.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 {
		return 0
	}

	return time.Duration(seconds * float64(time.Second))
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}

	return string(body[:limit]) + "..."
}
