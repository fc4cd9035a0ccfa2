// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// UPSTREAM INTERFACE
// ============================================================================

// Upstream is a model provider the server proxies chat requests to.
type Upstream interface {
	// Stream submits the history and invokes onDelta for each content
	// delta as it arrives. It returns when the upstream finishes or fails.
	Stream(ctx context.Context, messages []ChatMessage, onDelta func(delta string)) error

	// Check reports whether the upstream is reachable.
	Check(ctx context.Context) error

	// Name identifies the upstream in logs.
	Name() string
}

// ============================================================================
// OPENAI-COMPATIBLE UPSTREAM
// ============================================================================

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
var upstreamHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// OpenAIUpstream speaks the OpenAI-compatible streaming chat completions
// protocol, which local runtimes like Ollama and llama.cpp expose too.
type OpenAIUpstream struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAIUpstream creates an upstream for the given chat completions
// endpoint and model.
func NewOpenAIUpstream(endpoint, model, apiKey string) *OpenAIUpstream {
	return &OpenAIUpstream{
		endpoint:   endpoint,
		model:      model,
		apiKey:     apiKey,
		httpClient: upstreamHTTPClient,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (u *OpenAIUpstream) WithHTTPClient(client *http.Client) *OpenAIUpstream {
	u.httpClient = client
	return u
}

// Name identifies the upstream in logs.
func (u *OpenAIUpstream) Name() string {
	return "openai-compatible (" + u.model + ")"
}

// upstreamRequest is the OpenAI-compatible streaming request body.
type upstreamRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// upstreamChunk is one decoded chunk of the upstream's SSE stream.
type upstreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream implements Upstream.
func (u *OpenAIUpstream) Stream(ctx context.Context, messages []ChatMessage, onDelta func(string)) error {
	body, err := json.Marshal(upstreamRequest{
		Model:    u.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("encode upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return nil
		}

		var chunk upstreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Providers occasionally interleave comments or partial
			// frames; skip what does not parse.
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				onDelta(choice.Delta.Content)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read upstream stream: %w", err)
	}
	return nil
}

// Check reports whether the upstream host is reachable.
func (u *OpenAIUpstream) Check(ctx context.Context) error {
	parsed, err := url.Parse(u.endpoint)
	if err != nil {
		return fmt.Errorf("invalid upstream endpoint: %w", err)
	}

	base := parsed.Scheme + "://" + parsed.Host + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return err
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
