// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui holds transient interface state shared between input
// handling and rendering.
package ui

import "sync"

// State is the mutable interface state: the draft input and which
// overlays are open. It carries no chat data; sessions and messages live
// in the session store.
//
// State is safe for concurrent use. Rendering may read it from a
// different goroutine than the one applying keystrokes.
type State struct {
	mu sync.RWMutex

	inputText        string
	sessionListOpen  bool
	clearConfirmOpen bool
}

// NewState creates an empty interface state.
func NewState() *State {
	return &State{}
}

// InputText returns the current draft input.
func (s *State) InputText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputText
}

// SetInputText replaces the draft input.
func (s *State) SetInputText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputText = text
}

// ClearInput empties the draft input and returns what it held.
func (s *State) ClearInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.inputText
	s.inputText = ""
	return text
}

// SessionListOpen reports whether the session list overlay is open.
func (s *State) SessionListOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionListOpen
}

// SetSessionListOpen opens or closes the session list overlay.
func (s *State) SetSessionListOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionListOpen = open
}

// ClearConfirmOpen reports whether the clear-chat confirmation is open.
func (s *State) ClearConfirmOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clearConfirmOpen
}

// SetClearConfirmOpen opens or closes the clear-chat confirmation.
func (s *State) SetClearConfirmOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearConfirmOpen = open
}

// CloseOverlays closes every overlay in one step.
func (s *State) CloseOverlays() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionListOpen = false
	s.clearConfirmOpen = false
}
