// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"sync"

	"github.com/morganforge/streamchat/internal/model"
	"github.com/morganforge/streamchat/internal/stream"
)

// ErrSessionNotFound indicates the referenced session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Defaults describes the session synthesized when the store would
// otherwise be empty.
type Defaults struct {
	Name          string
	AssistantName string
	SystemPrompt  string
}

// DefaultDefaults returns the stock defaults for new stores.
func DefaultDefaults() Defaults {
	return Defaults{
		Name:          "New chat",
		AssistantName: "Assistant",
		SystemPrompt:  "You are a helpful assistant.",
	}
}

// =============================================================================
// STORE
// =============================================================================

// Store is the ordered, concurrency-safe collection of chat sessions.
//
// Invariants held at all times: at least one session exists, exactly one
// session is current, and the current ID always references an existing
// session. Readers receive deep clones so callers can never observe a
// session mid-mutation.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*model.Session
	order     []string
	currentID string
	defaults  Defaults
}

// NewStore creates a store seeded with one default session, which becomes
// current.
func NewStore(defaults Defaults) *Store {
	if defaults == (Defaults{}) {
		defaults = DefaultDefaults()
	}
	s := &Store{
		sessions: make(map[string]*model.Session),
		defaults: defaults,
	}
	sess := model.NewSession(defaults.Name, defaults.AssistantName, defaults.SystemPrompt)
	s.sessions[sess.ID] = sess
	s.order = []string{sess.ID}
	s.currentID = sess.ID
	return s
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// AddSession creates a new session with a fresh ID and appends it to the
// collection. The current session is left unchanged; switching is a
// separate, explicit operation. Returns a clone of the new session.
func (s *Store) AddSession(name string) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		name = s.defaults.Name
	}
	sess := model.NewSession(name, s.defaults.AssistantName, s.defaults.SystemPrompt)
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	return sess.Clone()
}

// RemoveSession deletes the session with the given ID.
//
// When the current session is removed, currency fails over to the next
// session in order, then the previous one, then the first. Removing the
// last session synthesizes a fresh default session and makes it current,
// so the store is never empty.
func (s *Store) RemoveSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, sid := range s.order {
		if sid == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrSessionNotFound
	}

	// Failover target is chosen against the pre-removal order.
	var next string
	if id == s.currentID {
		switch {
		case idx+1 < len(s.order):
			next = s.order[idx+1]
		case idx-1 >= 0:
			next = s.order[idx-1]
		default:
			next = ""
		}
	} else {
		next = s.currentID
	}

	delete(s.sessions, id)
	s.order = append(s.order[:idx], s.order[idx+1:]...)

	if len(s.order) == 0 {
		sess := model.NewSession(s.defaults.Name, s.defaults.AssistantName, s.defaults.SystemPrompt)
		s.sessions[sess.ID] = sess
		s.order = []string{sess.ID}
		next = sess.ID
	}
	s.currentID = next
	return nil
}

// SetCurrentSession switches the current session. Unknown IDs are
// rejected rather than stored, so the current ID can never dangle.
func (s *Store) SetCurrentSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	s.currentID = id
	return nil
}

// RenameSession changes a session's display name. Returns false if the
// session does not exist.
func (s *Store) RenameSession(id, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.Name = name
	return true
}

// ClearSession resets a session's log to a single system message carrying
// the default system prompt. Returns false if the session does not exist.
func (s *Store) ClearSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.Reset(s.defaults.SystemPrompt)
	return true
}

// =============================================================================
// READERS
// =============================================================================

// CurrentSessionID returns the ID of the current session.
func (s *Store) CurrentSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// CurrentSession returns a clone of the current session.
func (s *Store) CurrentSession() *model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[s.currentID].Clone()
}

// Session returns a clone of the session with the given ID.
func (s *Store) Session(id string) (*model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Sessions returns clones of all sessions in insertion order.
func (s *Store) Sessions() []*model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id].Clone())
	}
	return out
}

// SessionIDs returns the session IDs in insertion order.
func (s *Store) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Count returns the number of sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// WireHistory returns the current log of the given session as the
// role+content pairs the streaming protocol carries. The in-flight
// placeholder, if any, is excluded.
func (s *Store) WireHistory(id string) ([]stream.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.ToWireMessages(), true
}

// =============================================================================
// MESSAGE MUTATION
// =============================================================================

// SetSessionMessages replaces a session's log wholesale. If the session
// does not exist the call is a silent no-op: the caller is typically a
// stream completing against a session the user deleted mid-flight, and
// there is nothing useful to do with the orphaned log.
func (s *Store) SetSessionMessages(id string, messages []*model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.Messages = messages
}

// AppendMessage appends a message to a session's log. The store takes
// ownership of the message. Returns false if the session does not exist.
func (s *Store) AppendMessage(id string, msg *model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.AddMessage(msg)
	return true
}

// AppendToMessage appends a token to a streaming placeholder, resolved by
// message ID rather than position. Returns false if the session or
// message is gone, or the message has been finalized; the token is
// discarded in every false case.
func (s *Store) AppendToMessage(sessionID, messageID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	msg := sess.MessageByID(messageID)
	if msg == nil {
		return false
	}
	return msg.AppendToken(token)
}

// ReplaceMessage swaps a message for a replacement, keeping its position.
// Returns false if the session or message is gone.
func (s *Store) ReplaceMessage(sessionID, messageID string, replacement *model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	return sess.ReplaceMessage(messageID, replacement)
}

// FinalizeMessage marks a streaming placeholder as complete. Returns
// false if the session or message is gone.
func (s *Store) FinalizeMessage(sessionID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	msg := sess.MessageByID(messageID)
	if msg == nil {
		return false
	}
	msg.Finalize()
	return true
}
