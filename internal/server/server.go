// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8080

	// DefaultStreamCap bounds the duration of one streamed response. The
	// client gives up at the same horizon, so streaming past it only
	// wastes upstream tokens.
	DefaultStreamCap = 30 * time.Second

	// MaxRequestBodySize is the maximum size for a request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 100

	// MaxContentLength is the maximum length of one message's content.
	MaxContentLength = 100000

	// upstreamRetries is the bounded retry count for upstream failures
	// before any frame has been written to the client.
	upstreamRetries = 2

	// Version is the server version.
	Version = "1.0.0"
)

// validRoles is the whitelist of acceptable message roles.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// ============================================================================
// WIRE TYPES
// ============================================================================

// ChatMessage is one role+content pair of the submitted history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for POST /api/chat.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// streamEvent is one frame of the streamed response.
type streamEvent struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

// errorResponse is the body of a non-2xx response. Clients surface the
// details field to the user.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats tracks server usage statistics.
type ServerStats struct {
	mu             sync.Mutex
	totalRequests  int64
	streamedTokens int64
	failures       int64
	startTime      time.Time
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{startTime: time.Now()}
}

// RecordRequest records a completed request.
func (s *ServerStats) RecordRequest(tokens int64, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.streamedTokens += tokens
	if failed {
		s.failures++
	}
}

// Snapshot returns the current counters.
func (s *ServerStats) Snapshot() (requests, tokens, failures int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalRequests, s.streamedTokens, s.failures
}

// Uptime returns the server uptime duration.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the reference chat backend. It validates incoming histories,
// proxies them to an upstream model provider, and re-emits the response
// as the newline-delimited "data: " frames the client consumes.
type Server struct {
	addr      string
	router    *http.ServeMux
	server    *http.Server
	upstream  Upstream
	stats     *ServerStats
	streamCap time.Duration
	limiter   *RateLimiter
	logger    *log.Logger
}

// NewServer creates a server bound to addr. If addr is empty, the
// default localhost port is used.
func NewServer(addr string, upstream Upstream) *Server {
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", DefaultPort)
	}

	s := &Server{
		addr:      addr,
		router:    http.NewServeMux(),
		upstream:  upstream,
		stats:     NewServerStats(),
		streamCap: DefaultStreamCap,
		logger:    log.Default(),
	}
	s.setupRoutes()
	return s
}

// WithStreamCap sets the maximum duration of one streamed response.
func (s *Server) WithStreamCap(cap time.Duration) *Server {
	if cap > 0 {
		s.streamCap = cap
	}
	return s
}

// WithRateLimiter sets the per-client rate limiter. Nil disables limiting.
func (s *Server) WithRateLimiter(limiter *RateLimiter) *Server {
	s.limiter = limiter
	return s
}

// WithLogger sets the request logger.
func (s *Server) WithLogger(logger *log.Logger) *Server {
	s.logger = logger
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the fully assembled handler, middleware included.
// Exposed for tests that drive the server through httptest.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
	}
	if s.limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter))
	}
	return Chain(middlewares...)(s.router)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/chat", s.handleChat)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// handleChat handles POST /api/chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	// Bound the body before decoding to keep oversized payloads cheap.
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Printf("BAD_REQUEST | id=%s error=%v", RequestID(r.Context()), err)
		s.writeError(w, http.StatusBadRequest, "invalid request", "Request body must be valid JSON")
		return
	}

	if details, ok := validateRequest(req); !ok {
		s.logger.Printf("VALIDATION_FAILED | id=%s details=%s", RequestID(r.Context()), details)
		s.writeError(w, http.StatusBadRequest, "invalid request", details)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported", "Server cannot stream responses")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithTimeout(r.Context(), s.streamCap)
	defer cancel()

	requestID := RequestID(r.Context())
	start := time.Now()
	var tokens int64
	headerSent := false

	sendEvent := func(ev streamEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		headerSent = true
	}

	// Upstream failures before the first frame are retried with a short
	// pause; after a frame has been written the protocol has no way to
	// rewind, so the failure is surfaced as an error frame instead.
	var streamErr error
	for attempt := 0; attempt <= upstreamRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}

		streamErr = s.upstream.Stream(ctx, req.Messages, func(delta string) {
			tokens++
			sendEvent(streamEvent{Content: delta})
		})
		if streamErr == nil || headerSent || ctx.Err() != nil {
			break
		}
		s.logger.Printf("UPSTREAM_RETRY | id=%s attempt=%d error=%v", requestID, attempt+1, streamErr)
	}

	if streamErr != nil {
		s.logger.Printf("STREAM_ERROR | id=%s error=%v", requestID, streamErr)
		// Generic text to the client; detail stays in the server log.
		sendEvent(streamEvent{Error: "upstream request failed"})
		s.stats.RecordRequest(tokens, true)
		return
	}

	sendEvent(streamEvent{Done: true})
	s.stats.RecordRequest(tokens, false)
	s.logger.Printf("STREAM_COMPLETE | id=%s tokens=%d latency=%dms",
		requestID, tokens, time.Since(start).Milliseconds())
}

// validateRequest checks a chat request, returning a user-facing detail
// string when it is rejected.
func validateRequest(req ChatRequest) (string, bool) {
	if len(req.Messages) == 0 {
		return "Request must contain at least one message", false
	}
	if len(req.Messages) > MaxMessageCount {
		return fmt.Sprintf("Too many messages: maximum is %d", MaxMessageCount), false
	}
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return fmt.Sprintf("Invalid role '%s' at message %d: must be one of user, assistant, system", msg.Role, i), false
		}
		if len(msg.Content) > MaxContentLength {
			return fmt.Sprintf("Message %d exceeds maximum length of %d", i, MaxContentLength), false
		}
	}
	return "", true
}

// ============================================================================
// HEALTH AND STATS HANDLERS
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UpstreamStatus string `json:"upstream_status"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:  "ok",
		Version: Version,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.upstream.Check(ctx); err == nil {
		health.UpstreamStatus = "ok"
	} else {
		health.UpstreamStatus = "unavailable"
		health.Status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, health)
}

// StatsResponse represents the usage statistics response.
type StatsResponse struct {
	TotalRequests  int64 `json:"total_requests"`
	StreamedTokens int64 `json:"streamed_tokens"`
	Failures       int64 `json:"failures"`
	UptimeSeconds  int64 `json:"uptime_seconds"`
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	requests, tokens, failures := s.stats.Snapshot()
	s.writeJSON(w, http.StatusOK, StatsResponse{
		TotalRequests:  requests,
		StreamedTokens: tokens,
		Failures:       failures,
		UptimeSeconds:  int64(s.stats.Uptime().Seconds()),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		// WriteTimeout must outlast the stream cap or responses get cut
		// off mid-stream.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.streamCap + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Printf("SERVER_START | addr=%s version=%s upstream=%s", s.addr, Version, s.upstream.Name())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the error body clients parse: a short machine-ish
// error plus a user-facing details string.
func (s *Server) writeError(w http.ResponseWriter, status int, errMsg, details string) {
	s.writeJSON(w, status, errorResponse{Error: errMsg, Details: details})
}

// generateRequestID creates a unique per-request identifier.
func generateRequestID() string {
	return uuid.NewString()
}
