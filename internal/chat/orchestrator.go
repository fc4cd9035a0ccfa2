// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/morganforge/streamchat/internal/model"
	"github.com/morganforge/streamchat/internal/session"
	"github.com/morganforge/streamchat/internal/stream"
)

// Sentinel errors returned by SendMessage before any network activity.
var (
	// ErrEmptyMessage indicates the input was empty or whitespace-only.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrBusy indicates a response is already streaming for the session.
	ErrBusy = errors.New("a response is already streaming for this session")
)

// State tracks where a session's send lifecycle currently is.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Streamer is the streaming protocol dependency of the orchestrator.
// *stream.Client satisfies it.
type Streamer interface {
	StreamChat(ctx context.Context, messages []stream.Message, h stream.Handlers) error
}

// Observer receives notifications as a send progresses, so a front-end
// can render incrementally. All callbacks are optional and are invoked
// synchronously from the sending goroutine.
type Observer struct {
	OnToken    func(sessionID, messageID, token string)
	OnComplete func(sessionID, messageID string)
	OnFailure  func(sessionID, messageID string, err error)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator drives the send-message flow: append the user's message,
// create the assistant placeholder, stream the response into it, and
// convert failures into visible transcript entries.
//
// Each session allows one in-flight send at a time; sends against
// different sessions may run concurrently.
type Orchestrator struct {
	store    *session.Store
	streamer Streamer
	observer Observer

	mu       sync.Mutex
	loading  bool
	inflight map[string]bool
	states   map[string]State
}

// NewOrchestrator creates an orchestrator over the given store and
// streaming client.
func NewOrchestrator(store *session.Store, streamer Streamer) *Orchestrator {
	return &Orchestrator{
		store:    store,
		streamer: streamer,
		inflight: make(map[string]bool),
		states:   make(map[string]State),
	}
}

// WithObserver sets the progress observer.
func (o *Orchestrator) WithObserver(obs Observer) *Orchestrator {
	o.observer = obs
	return o
}

// Loading reports whether any send is in flight.
func (o *Orchestrator) Loading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loading
}

// Busy reports whether a send is in flight for the given session.
func (o *Orchestrator) Busy(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[sessionID]
}

// SessionState returns the send-lifecycle state of the given session.
func (o *Orchestrator) SessionState(sessionID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[sessionID]
}

// =============================================================================
// SEND FLOW
// =============================================================================

// SendMessage sends the user's input on the current session and streams
// the assistant's response into the transcript. It blocks until the
// stream completes or fails; front-ends that need concurrency run it on
// their own goroutine.
//
// Empty or whitespace-only input returns ErrEmptyMessage with no side
// effects. A second send against a session that is already streaming
// returns ErrBusy. On failure the assistant placeholder is replaced in
// place by a system message carrying the error text, and the error is
// also returned. The loading flag is cleared on every path.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyMessage
	}

	sessionID := o.store.CurrentSessionID()

	o.mu.Lock()
	if o.inflight[sessionID] {
		o.mu.Unlock()
		return ErrBusy
	}
	o.inflight[sessionID] = true
	o.loading = true
	o.states[sessionID] = StateSending
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inflight, sessionID)
		o.loading = o.anyInflightLocked()
		o.mu.Unlock()
	}()

	// The user's message becomes part of the transcript, and of the
	// submitted history, before the placeholder exists.
	o.store.AppendMessage(sessionID, model.NewUserMessage(trimmed))

	history, ok := o.store.WireHistory(sessionID)
	if !ok {
		// Session deleted between current-ID read and now.
		o.setState(sessionID, StateFailed)
		return session.ErrSessionNotFound
	}

	placeholder := model.NewAssistantMessage()
	o.store.AppendMessage(sessionID, placeholder)
	placeholderID := placeholder.ID

	err := o.streamer.StreamChat(ctx, history, stream.Handlers{
		OnToken: func(token string) {
			o.setState(sessionID, StateStreaming)
			// Resolved by ID, not position: the log may have gained
			// messages since the placeholder was appended. A false
			// return means the placeholder is gone or finalized and
			// the token is dropped.
			if o.store.AppendToMessage(sessionID, placeholderID, token) {
				if o.observer.OnToken != nil {
					o.observer.OnToken(sessionID, placeholderID, token)
				}
			}
		},
		OnError: func(streamErr error) {
			// The failure becomes a visible transcript entry where the
			// response would have been.
			failure := model.NewSystemMessage(streamErr.Error())
			o.store.ReplaceMessage(sessionID, placeholderID, failure)
			if o.observer.OnFailure != nil {
				o.observer.OnFailure(sessionID, failure.ID, streamErr)
			}
		},
		OnFinish: func() {
			o.store.FinalizeMessage(sessionID, placeholderID)
			if o.observer.OnComplete != nil {
				o.observer.OnComplete(sessionID, placeholderID)
			}
		},
	})

	if err != nil {
		o.setState(sessionID, StateFailed)
		return err
	}
	o.setState(sessionID, StateCompleted)
	return nil
}

// ClearSession resets the given session to its system prompt. A stream
// still in flight for the session keeps running; its tokens are discarded
// because the placeholder no longer exists.
func (o *Orchestrator) ClearSession(sessionID string) bool {
	return o.store.ClearSession(sessionID)
}

func (o *Orchestrator) setState(sessionID string, s State) {
	o.mu.Lock()
	o.states[sessionID] = s
	o.mu.Unlock()
}

func (o *Orchestrator) anyInflightLocked() bool {
	return len(o.inflight) > 0
}
