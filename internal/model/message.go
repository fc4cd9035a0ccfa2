// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// Valid returns true if the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a session's log.
//
// Once appended to a session, a message is immutable history except for the
// streaming placeholder: an assistant message created empty and filled in
// token by token while a response streams. AppendToken refuses to write to
// a message that has been finalized, so late tokens from an abandoned
// stream are discarded rather than reapplied.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Content
	Content string `json:"content"`

	// Streaming state (not persisted). True only for a placeholder
	// assistant message that is still the target of an active stream.
	Streaming bool `json:"-"`
}

// NewMessage creates a new message with a generated ID.
// The created-at timestamp defaults to the current time.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        GenerateMessageID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewMessageAt creates a new message with an explicit creation time.
// Intended for tests and for reconstructing logs.
func NewMessageAt(role Role, content string, createdAt time.Time) *Message {
	msg := NewMessage(role, content)
	msg.CreatedAt = createdAt
	return msg
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new empty assistant message in streaming
// state. This is the placeholder that tokens are folded into.
func NewAssistantMessage() *Message {
	msg := NewMessage(RoleAssistant, "")
	msg.Streaming = true
	return msg
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendToken appends a token to a streaming placeholder message.
// Returns false if the message has been finalized; the token is discarded.
func (m *Message) AppendToken(token string) bool {
	if !m.Streaming {
		return false
	}
	m.Content += token
	return true
}

// Finalize marks the message as no longer streaming. Content written so
// far stays; further AppendToken calls are refused.
func (m *Message) Finalize() {
	m.Streaming = false
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clone returns a copy of the message.
func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}

// =============================================================================
// ID GENERATION
// =============================================================================

// GenerateMessageID creates a process-unique message ID from the current
// millisecond timestamp and a random suffix. Collisions are negligible for
// a single process.
func GenerateMessageID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + randomSuffix(5)
}

// GenerateSessionID creates a short unique session ID.
func GenerateSessionID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	if len(ts) > 4 {
		ts = ts[len(ts)-4:]
	}
	return ts + randomSuffix(4)
}

// randomSuffix returns n random bytes hex-encoded (2n characters).
func randomSuffix(n int) string {
	bytes := make([]byte, n)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
