// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure conditions.
var (
	// ErrNoResponseBody indicates the backend replied without a streamable body.
	ErrNoResponseBody = errors.New("no response body")

	// ErrTimeout indicates the total-stream timeout elapsed before the
	// backend finished streaming.
	ErrTimeout = errors.New("stream timed out")
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// TransportError represents a network or HTTP failure before or during the
// request: connection errors, non-2xx responses, timeouts.
//
// For non-2xx responses, Detail carries the provider's user-facing text
// (the "details" field of the error payload, falling back to "error",
// falling back to a generic message) and Error returns it verbatim.
type TransportError struct {
	Status int    // HTTP status, 0 if the request never completed
	Detail string // user-facing detail text
	Err    error  // underlying error, if any
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return fmt.Sprintf("request failed: %v", e.Err)
	}
	return fmt.Sprintf("request failed (HTTP %d)", e.Status)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError represents a violation of the streaming wire format:
// a missing body, a malformed frame, or an unexpected JSON shape.
// A malformed frame indicates protocol desynchronization and is fatal to
// the whole stream.
type ProtocolError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is allows matching the missing-body case against ErrNoResponseBody.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrNoResponseBody && e.Reason == ErrNoResponseBody.Error()
}

// UpstreamError represents an explicit error frame emitted mid-stream by
// the backend, usually wrapping the model provider's failure.
type UpstreamError struct {
	Message string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return e.Message
}
