// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the reference chat backend.
//
// The server validates incoming message histories, proxies them to an
// OpenAI-compatible upstream, and re-emits the response as the
// newline-delimited "data: " frames the streaming client consumes:
// content frames while tokens arrive, then a done frame, or an error
// frame if the upstream fails mid-stream. Pre-stream failures are plain
// JSON error responses with an "error" and a user-facing "details" field.
//
// Endpoints:
//   - POST /api/chat - stream a chat completion as "data: " frames
//   - GET  /health   - health check
//   - GET  /stats    - usage statistics
//
// # Key Types
//
//   - Server: route setup, validation, streaming, lifecycle
//   - Upstream: the model provider interface; OpenAIUpstream implements it
//   - RateLimiter: per-client token bucket middleware
//
// # Usage
//
//	upstream := server.NewOpenAIUpstream(cfg.UpstreamURL, cfg.UpstreamModel, cfg.UpstreamKey)
//	srv := server.NewServer(cfg.ListenAddr(), upstream).
//		WithStreamCap(30 * time.Second).
//		WithRateLimiter(server.NewRateLimiter(60))
//	log.Fatal(srv.Start())
package server
