// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/morganforge/streamchat/internal/stream"
)

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session holds one independent conversation with its own message log.
//
// A session always contains at least one message after creation: the
// system message seeded from the session's system prompt. The log is
// append-only history except for the current streaming placeholder.
type Session struct {
	// Identity
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	AssistantName string    `json:"assistant_name"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Messages in append order.
	Messages []*Message `json:"messages"`
}

// NewSession creates a new session seeded with a system message so the
// log is never empty.
func NewSession(name, assistantName, systemPrompt string) *Session {
	now := time.Now()
	return &Session{
		ID:            GenerateSessionID(),
		Name:          name,
		AssistantName: assistantName,
		CreatedAt:     now,
		UpdatedAt:     now,
		Messages:      []*Message{NewSystemMessage(systemPrompt)},
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends a message to the session's log.
func (s *Session) AddMessage(msg *Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// LastMessage returns the most recent message, or nil if the log is empty.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// MessageByID returns a message by its ID, or nil if not found.
// The streaming placeholder is always resolved this way, never by index:
// the log can gain messages while a stream is in flight.
func (s *Session) MessageByID(id string) *Message {
	for _, msg := range s.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// ReplaceMessage swaps the message with the given ID for a replacement,
// keeping its position in the log. Returns false if no message matched.
func (s *Session) ReplaceMessage(id string, replacement *Message) bool {
	for i, msg := range s.Messages {
		if msg.ID == id {
			s.Messages[i] = replacement
			s.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// Reset replaces the session's log with a single system message.
func (s *Session) Reset(systemPrompt string) {
	s.Messages = []*Message{NewSystemMessage(systemPrompt)}
	s.UpdatedAt = time.Now()
}

// MessageCount returns the number of messages in the log.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// =============================================================================
// WIRE CONVERSION
// =============================================================================

// ToWireMessages converts the session's log to the role+content pairs the
// streaming protocol carries. IDs and timestamps are stripped, and the
// in-flight streaming placeholder is excluded: it is the target of the
// response, not part of the prompt.
func (s *Session) ToWireMessages() []stream.Message {
	messages := make([]stream.Message, 0, len(s.Messages))
	for _, msg := range s.Messages {
		if msg.Streaming {
			continue
		}
		messages = append(messages, stream.Message{
			Role:    msg.Role.String(),
			Content: msg.Content,
		})
	}
	return messages
}

// =============================================================================
// HELPERS
// =============================================================================

// Preview returns a short preview of the most recent user message, or the
// first message if no user message exists.
func (s *Session) Preview() string {
	if len(s.Messages) == 0 {
		return "Empty session"
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Preview(80)
		}
	}
	return s.Messages[0].Preview(80)
}

// Clone creates a deep copy of the session.
func (s *Session) Clone() *Session {
	clone := &Session{
		ID:            s.ID,
		Name:          s.Name,
		AssistantName: s.AssistantName,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		Messages:      make([]*Message, len(s.Messages)),
	}
	for i, msg := range s.Messages {
		clone.Messages[i] = msg.Clone()
	}
	return clone
}
