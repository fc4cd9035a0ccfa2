// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultEndpoint is the default chat endpoint path.
	DefaultEndpoint = "/api/chat"

	// DefaultTimeout is the upper bound on total stream duration. The
	// backend must not stream indefinitely without emitting done or error.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the bounded retry count for network-level
	// reset errors.
	DefaultMaxRetries = 3

	// MaxFrameSize is the maximum allowed size of a single frame (64KB).
	MaxFrameSize = 64 * 1024

	// MaxErrorBodySize limits how much of an error response body is read.
	MaxErrorBodySize = 1 * 1024 * 1024

	// framePrefix is the sentinel marking a data frame. Lines without it
	// are keep-alive or formatting noise and are ignored.
	framePrefix = "data: "

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 5 * time.Second
)

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
// Shared streaming client with no global timeout; stream duration is
// bounded per call through the request context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// Message is one role+content pair of the submitted history. IDs and
// timestamps never cross the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the request body carrying the full message history.
type chatRequest struct {
	Messages []Message `json:"messages"`
}

// event is one decoded stream event: an incremental token, a graceful
// completion marker, or a mid-stream failure.
type event struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Error   string `json:"error"`
}

// Handlers carries the caller-supplied lifecycle callbacks for one stream.
// Any of the fields may be nil.
type Handlers struct {
	// OnStart is invoked synchronously before the request is issued.
	OnStart func()

	// OnToken is invoked for each incremental token, in strict arrival
	// order, possibly many times before completion.
	OnToken func(token string)

	// OnError is invoked exactly once on any failure; the same error is
	// then returned to the caller.
	OnError func(err error)

	// OnFinish is invoked exactly once when the stream ends gracefully,
	// whether by a done event or by body exhaustion.
	OnFinish func()
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the streaming protocol client. It is stateless beyond its
// configuration, so a single instance may be shared freely.
type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
}

// NewClient creates a streaming client for the given endpoint URL.
// If endpoint is empty, DefaultEndpoint is used.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: sharedStreamingClient,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

// WithTimeout sets the upper bound on total stream duration.
// A zero or negative value disables the bound.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// WithMaxRetries sets the maximum number of retry attempts for
// network-level reset errors.
func (c *Client) WithMaxRetries(maxRetries int) *Client {
	c.maxRetries = maxRetries
	return c
}

// Endpoint returns the configured endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// =============================================================================
// STREAMING
// =============================================================================

// StreamChat submits the message history to the backend and consumes the
// streamed response, invoking the handlers as events arrive.
//
// OnStart fires synchronously before the request is issued. Tokens are
// delivered through OnToken in arrival order. On any failure OnError is
// invoked once and the error is also returned, so awaiting callers observe
// it too. On graceful completion OnFinish is invoked exactly once and nil
// is returned.
//
// The request is bound to ctx, capped at the configured timeout, so
// cancellation tears down the underlying network read rather than merely
// abandoning it. Network-level reset errors are retried with backoff up to
// the configured count, but only while no token has been delivered yet: a
// retry after partial delivery would replay content.
func (c *Client) StreamChat(ctx context.Context, messages []Message, h Handlers) error {
	if h.OnStart != nil {
		h.OnStart()
	}

	body, err := json.Marshal(chatRequest{Messages: messages})
	if err != nil {
		return fail(h, &ProtocolError{Reason: "encode request", Err: err})
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var lastErr error
	delivered := false

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fail(h, contextError(ctx))
			case <-time.After(backoffDelay(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fail(h, &TransportError{Err: err})
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fail(h, contextError(ctx))
			}
			if attempt < c.maxRetries && isConnectionReset(err) {
				lastErr = err
				continue
			}
			return fail(h, &TransportError{Err: err})
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fail(h, parseErrorResponse(resp))
		}

		if resp.Body == nil || resp.Body == http.NoBody {
			return fail(h, &ProtocolError{Reason: ErrNoResponseBody.Error()})
		}

		err = c.readFrames(ctx, resp.Body, h, &delivered)
		resp.Body.Close()
		if err == nil {
			if h.OnFinish != nil {
				h.OnFinish()
			}
			return nil
		}
		if ctx.Err() != nil {
			return fail(h, contextError(ctx))
		}
		if !delivered && attempt < c.maxRetries && isConnectionReset(err) {
			lastErr = err
			continue
		}
		return fail(h, err)
	}

	return fail(h, &TransportError{Err: fmt.Errorf("max retries exceeded: %w", lastErr)})
}

// readFrames consumes the response body frame by frame. It returns nil on
// graceful completion (done event or body exhaustion) and an error from
// the taxonomy otherwise. A malformed frame is fatal to the whole stream:
// it indicates protocol desynchronization, so skipping it would silently
// corrupt the transcript.
func (c *Client) readFrames(ctx context.Context, body io.Reader, h Handlers, delivered *bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), MaxFrameSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, framePrefix) {
			continue
		}

		var ev event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, framePrefix)), &ev); err != nil {
			return &ProtocolError{Reason: "malformed frame", Err: err}
		}

		if ev.Error != "" {
			return &UpstreamError{Message: ev.Error}
		}
		if ev.Done {
			// Graceful end of stream; remaining frames are not read.
			return nil
		}
		if ev.Content != "" {
			*delivered = true
			if h.OnToken != nil {
				h.OnToken(ev.Content)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return &ProtocolError{Reason: "frame too large", Err: err}
		}
		return fmt.Errorf("read stream: %w", err)
	}

	// Reader signalled end without an explicit done event: treated the
	// same as graceful completion.
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// fail invokes OnError with the failure and re-raises it to the caller.
func fail(h Handlers, err error) error {
	if h.OnError != nil {
		h.OnError(err)
	}
	return err
}

// parseErrorResponse builds a TransportError from a non-2xx response,
// preferring the payload's details field for user-facing text, falling
// back to its error field, falling back to a generic message.
func parseErrorResponse(resp *http.Response) *TransportError {
	defer resp.Body.Close()

	detail := "failed to send message"
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
	if err == nil {
		var payload struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if json.Unmarshal(body, &payload) == nil {
			if payload.Details != "" {
				detail = payload.Details
			} else if payload.Error != "" {
				detail = payload.Error
			}
		}
	}

	return &TransportError{Status: resp.StatusCode, Detail: detail}
}

// contextError maps a done context to the transport error surfaced to the
// caller: the configured timeout or an explicit cancellation.
func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TransportError{Err: ErrTimeout}
	}
	return &TransportError{Err: ctx.Err()}
}

// isConnectionReset reports whether err is a network-level reset that is
// worth retrying. Protocol and upstream failures are never retried.
func isConnectionReset(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProtocolError
	var ue *UpstreamError
	if errors.As(err, &pe) || errors.As(err, &ue) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection refused")
}

// backoffDelay computes the exponential backoff delay for an attempt.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
