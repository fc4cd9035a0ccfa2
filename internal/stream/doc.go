// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream implements the client side of the chat streaming
// protocol: newline-delimited "data: " frames carrying JSON events over
// a chunked HTTP response.
//
// # Key Types
//
//   - Client: the streaming protocol client, configured with With* methods
//   - Handlers: per-stream lifecycle callbacks (start, token, error, finish)
//   - Message: one role+content pair of the submitted history
//   - TransportError, ProtocolError, UpstreamError: the failure taxonomy
//
// # Usage
//
// Stream a chat completion:
//
//	client := stream.NewClient("http://localhost:8080/api/chat").
//		WithTimeout(30 * time.Second)
//
//	err := client.StreamChat(ctx, history, stream.Handlers{
//		OnToken: func(token string) { fmt.Print(token) },
//		OnError: func(err error) { log.Printf("stream failed: %v", err) },
//	})
//
// Failures surface twice on purpose: once through OnError for observers
// wired to the UI, and once through the returned error for the awaiting
// caller. Connection resets are retried with backoff while no token has
// been delivered; protocol violations and upstream error frames never are.
package stream
