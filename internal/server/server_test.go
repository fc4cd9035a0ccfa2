// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morganforge/streamchat/internal/stream"
)

// fakeUpstream scripts the upstream with a function.
type fakeUpstream struct {
	script   func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error
	checkErr error
	calls    atomic.Int32
}

func (f *fakeUpstream) Stream(ctx context.Context, messages []ChatMessage, onDelta func(string)) error {
	f.calls.Add(1)
	return f.script(ctx, messages, onDelta)
}

func (f *fakeUpstream) Check(ctx context.Context) error { return f.checkErr }
func (f *fakeUpstream) Name() string                    { return "fake" }

func newTestServer(t *testing.T, upstream Upstream) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer("", upstream).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func history() []stream.Message {
	return []stream.Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "Hello"},
	}
}

// ============================================================================
// END-TO-END STREAMING
// ============================================================================

func TestChatStreamsUpstreamDeltas(t *testing.T) {
	upstream := &fakeUpstream{
		script: func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error {
			if len(messages) != 2 {
				t.Errorf("upstream received %d messages, want 2", len(messages))
			}
			onDelta("Hello")
			onDelta(" world")
			return nil
		},
	}
	srv := newTestServer(t, upstream)

	var tokens []string
	finishes := 0
	client := stream.NewClient(srv.URL + "/api/chat")
	err := client.StreamChat(context.Background(), history(), stream.Handlers{
		OnToken:  func(token string) { tokens = append(tokens, token) },
		OnFinish: func() { finishes++ },
	})
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Hello world" {
		t.Errorf("assembled text = %q, want %q", got, "Hello world")
	}
	if finishes != 1 {
		t.Errorf("OnFinish fired %d times, want 1", finishes)
	}
}

func TestChatValidationErrors(t *testing.T) {
	upstream := &fakeUpstream{
		script: func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error {
			t.Error("upstream must not be called for invalid requests")
			return nil
		},
	}
	srv := newTestServer(t, upstream)
	client := stream.NewClient(srv.URL + "/api/chat")

	tests := []struct {
		name     string
		messages []stream.Message
		want     string
	}{
		{"empty history", nil, "at least one message"},
		{"bad role", []stream.Message{{Role: "wizard", Content: "x"}}, "Invalid role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.StreamChat(context.Background(), tt.messages, stream.Handlers{})
			var te *stream.TransportError
			if !errors.As(err, &te) {
				t.Fatalf("StreamChat() error = %v, want *stream.TransportError", err)
			}
			if te.Status != http.StatusBadRequest {
				t.Errorf("Status = %d, want 400", te.Status)
			}
			// The details field is what the user sees.
			if !strings.Contains(te.Error(), tt.want) {
				t.Errorf("Error() = %q, want it to contain %q", te.Error(), tt.want)
			}
		})
	}
	if got := upstream.calls.Load(); got != 0 {
		t.Errorf("upstream called %d times, want 0", got)
	}
}

func TestChatUpstreamFailureBeforeFramesRetries(t *testing.T) {
	upstream := &fakeUpstream{
		script: func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error {
			return fmt.Errorf("connection refused")
		},
	}
	srv := newTestServer(t, upstream)

	err := stream.NewClient(srv.URL+"/api/chat").StreamChat(context.Background(), history(), stream.Handlers{})
	var ue *stream.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("StreamChat() error = %v, want *stream.UpstreamError", err)
	}
	// Generic text only: upstream detail stays server-side.
	if ue.Message != "upstream request failed" {
		t.Errorf("Message = %q, want generic upstream failure text", ue.Message)
	}
	if got := upstream.calls.Load(); got != 3 {
		t.Errorf("upstream attempts = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestChatUpstreamFailureMidStream(t *testing.T) {
	upstream := &fakeUpstream{
		script: func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error {
			onDelta("partial")
			return fmt.Errorf("upstream died")
		},
	}
	srv := newTestServer(t, upstream)

	var tokens []string
	err := stream.NewClient(srv.URL+"/api/chat").StreamChat(context.Background(), history(), stream.Handlers{
		OnToken: func(token string) { tokens = append(tokens, token) },
	})
	var ue *stream.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("StreamChat() error = %v, want *stream.UpstreamError", err)
	}
	if strings.Join(tokens, "") != "partial" {
		t.Errorf("tokens before failure = %q, want %q", strings.Join(tokens, ""), "partial")
	}
	// No rewind after frames are out: exactly one attempt.
	if got := upstream.calls.Load(); got != 1 {
		t.Errorf("upstream attempts = %d, want 1", got)
	}
}

func TestChatStreamCap(t *testing.T) {
	upstream := &fakeUpstream{
		script: func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error {
			onDelta("slow")
			<-ctx.Done()
			return ctx.Err()
		},
	}
	srv := httptest.NewServer(NewServer("", upstream).WithStreamCap(100 * time.Millisecond).Handler())
	defer srv.Close()

	start := time.Now()
	err := stream.NewClient(srv.URL+"/api/chat").StreamChat(context.Background(), history(), stream.Handlers{})
	if err == nil {
		t.Fatal("StreamChat() error = nil, want capped stream to fail")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("capped stream took %v, want prompt teardown", elapsed)
	}
}

// ============================================================================
// HEALTH, STATS, MIDDLEWARE
// ============================================================================

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeUpstream{
		script: func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error { return nil },
	})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.UpstreamStatus != "ok" {
		t.Errorf("health = %+v, want ok/ok", health)
	}
}

func TestHealthDegradedWhenUpstreamDown(t *testing.T) {
	srv := newTestServer(t, &fakeUpstream{
		script:   func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error { return nil },
		checkErr: fmt.Errorf("unreachable"),
	})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" || health.UpstreamStatus != "unavailable" {
		t.Errorf("health = %+v, want degraded/unavailable", health)
	}
}

func TestStatsCountsRequests(t *testing.T) {
	upstream := &fakeUpstream{
		script: func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error {
			onDelta("a")
			onDelta("b")
			return nil
		},
	}
	srv := newTestServer(t, upstream)

	if err := stream.NewClient(srv.URL+"/api/chat").StreamChat(context.Background(), history(), stream.Handlers{}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var stats StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 1 || stats.StreamedTokens != 2 || stats.Failures != 0 {
		t.Errorf("stats = %+v, want 1 request, 2 tokens, 0 failures", stats)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t, &fakeUpstream{
		script: func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error { return nil },
	})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header missing")
	}
}

func TestRateLimitRejectsFlood(t *testing.T) {
	upstream := &fakeUpstream{
		script: func(ctx context.Context, messages []ChatMessage, onDelta func(string)) error { return nil },
	}
	handler := NewServer("", upstream).WithRateLimiter(NewRateLimiter(6)).Handler()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	limited := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Details == "" {
				t.Error("429 body missing details field")
			}
			limited = true
			resp.Body.Close()
			break
		}
		resp.Body.Close()
	}
	if !limited {
		t.Error("no request was rate limited across 30 rapid calls")
	}
}

// ============================================================================
// HELPERS
// ============================================================================

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct", "203.0.113.7:1234", "", "203.0.113.7"},
		{"spoofed xff from untrusted source", "203.0.113.7:1234", "10.0.0.9", "203.0.113.7"},
		{"xff from loopback proxy", "127.0.0.1:1234", "198.51.100.4", "198.51.100.4"},
		{"invalid xff falls back", "127.0.0.1:1234", "not-an-ip", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(r); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateRequest(t *testing.T) {
	long := strings.Repeat("a", MaxContentLength+1)
	tests := []struct {
		name string
		req  ChatRequest
		ok   bool
	}{
		{"valid", ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}}, true},
		{"empty", ChatRequest{}, false},
		{"bad role", ChatRequest{Messages: []ChatMessage{{Role: "tool", Content: "x"}}}, false},
		{"oversized content", ChatRequest{Messages: []ChatMessage{{Role: "user", Content: long}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := validateRequest(tt.req); ok != tt.ok {
				t.Errorf("validateRequest() ok = %v, want %v", ok, tt.ok)
			}
		})
	}
}
