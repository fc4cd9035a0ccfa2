// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morganforge/streamchat/internal/model"
	"github.com/morganforge/streamchat/internal/session"
	"github.com/morganforge/streamchat/internal/stream"
)

// fakeStreamer scripts the streaming client with a function and records
// the submitted histories.
type fakeStreamer struct {
	script    func(ctx context.Context, messages []stream.Message, h stream.Handlers) error
	histories [][]stream.Message
}

func (f *fakeStreamer) StreamChat(ctx context.Context, messages []stream.Message, h stream.Handlers) error {
	f.histories = append(f.histories, messages)
	return f.script(ctx, messages, h)
}

func newTestOrchestrator(t *testing.T, script func(ctx context.Context, messages []stream.Message, h stream.Handlers) error) (*Orchestrator, *session.Store, *fakeStreamer) {
	t.Helper()
	store := session.NewStore(session.DefaultDefaults())
	streamer := &fakeStreamer{script: script}
	return NewOrchestrator(store, streamer), store, streamer
}

func succeedWith(tokens ...string) func(ctx context.Context, messages []stream.Message, h stream.Handlers) error {
	return func(ctx context.Context, messages []stream.Message, h stream.Handlers) error {
		if h.OnStart != nil {
			h.OnStart()
		}
		for _, token := range tokens {
			h.OnToken(token)
		}
		h.OnFinish()
		return nil
	}
}

func failWith(err error) func(ctx context.Context, messages []stream.Message, h stream.Handlers) error {
	return func(ctx context.Context, messages []stream.Message, h stream.Handlers) error {
		h.OnError(err)
		return err
	}
}

func TestSendMessageRejectsEmptyInput(t *testing.T) {
	orch, store, streamer := newTestOrchestrator(t, succeedWith("never"))

	for _, input := range []string{"", "   ", "\n\t "} {
		err := orch.SendMessage(context.Background(), input)
		assert.ErrorIs(t, err, ErrEmptyMessage, "input %q", input)
	}

	// No side effects: no messages appended, no request made.
	assert.Equal(t, 1, store.CurrentSession().MessageCount())
	assert.Empty(t, streamer.histories)
	assert.False(t, orch.Loading())
}

func TestSendMessageHappyPath(t *testing.T) {
	orch, store, streamer := newTestOrchestrator(t, succeedWith("Hi", " there"))

	var tokens []string
	orch.WithObserver(Observer{
		OnToken: func(sessionID, messageID, token string) { tokens = append(tokens, token) },
	})

	err := orch.SendMessage(context.Background(), "  Hello  ")
	require.NoError(t, err)

	sess := store.CurrentSession()
	require.Equal(t, 3, sess.MessageCount())
	assert.Equal(t, model.RoleSystem, sess.Messages[0].Role)
	assert.Equal(t, model.RoleUser, sess.Messages[1].Role)
	assert.Equal(t, "Hello", sess.Messages[1].Content, "input is trimmed before appending")
	assert.Equal(t, model.RoleAssistant, sess.Messages[2].Role)
	assert.Equal(t, "Hi there", sess.Messages[2].Content)
	assert.False(t, sess.Messages[2].Streaming, "placeholder finalized on finish")

	assert.Equal(t, []string{"Hi", " there"}, tokens)
	assert.False(t, orch.Loading())
	assert.Equal(t, StateCompleted, orch.SessionState(sess.ID))

	// The submitted history carries system+user but not the placeholder.
	require.Len(t, streamer.histories, 1)
	require.Len(t, streamer.histories[0], 2)
	assert.Equal(t, "user", streamer.histories[0][1].Role)
	assert.Equal(t, "Hello", streamer.histories[0][1].Content)
}

func TestSendMessageFailureReplacesPlaceholder(t *testing.T) {
	streamErr := &stream.TransportError{Status: 500, Detail: "y"}
	orch, store, _ := newTestOrchestrator(t, failWith(streamErr))

	var failed error
	orch.WithObserver(Observer{
		OnFailure: func(sessionID, messageID string, err error) { failed = err },
	})

	err := orch.SendMessage(context.Background(), "Hello")
	require.ErrorIs(t, err, streamErr)

	sess := store.CurrentSession()
	require.Equal(t, 3, sess.MessageCount())
	// The placeholder's slot now holds a system message carrying the
	// provider's detail text verbatim.
	assert.Equal(t, model.RoleSystem, sess.Messages[2].Role)
	assert.Equal(t, "y", sess.Messages[2].Content)

	assert.ErrorIs(t, failed, streamErr)
	assert.False(t, orch.Loading(), "loading cleared on failure")
	assert.Equal(t, StateFailed, orch.SessionState(sess.ID))
}

func TestSendMessageBusyGuard(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	orch, store, _ := newTestOrchestrator(t, func(ctx context.Context, messages []stream.Message, h stream.Handlers) error {
		close(started)
		<-release
		h.OnFinish()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- orch.SendMessage(context.Background(), "first") }()
	<-started

	// Second send on the same session is refused while the first streams.
	err := orch.SendMessage(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, orch.Busy(store.CurrentSessionID()))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, orch.Busy(store.CurrentSessionID()))
	assert.False(t, orch.Loading())
}

func TestSendMessageOtherSessionNotBlocked(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	orch, store, _ := newTestOrchestrator(t, func(ctx context.Context, messages []stream.Message, h stream.Handlers) error {
		started <- struct{}{}
		<-release
		h.OnFinish()
		return nil
	})

	first := store.CurrentSessionID()
	done := make(chan error, 2)
	go func() { done <- orch.SendMessage(context.Background(), "first") }()
	<-started

	// Switching sessions mid-stream: the new session takes its own send.
	second := store.AddSession("other")
	require.NoError(t, store.SetCurrentSession(second.ID))
	go func() { done <- orch.SendMessage(context.Background(), "second") }()
	<-started

	assert.True(t, orch.Busy(first))
	assert.True(t, orch.Busy(second.ID))
	assert.True(t, orch.Loading())

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.False(t, orch.Loading())
}

func TestLateTokensDiscardedAfterClear(t *testing.T) {
	var captured stream.Handlers
	proceed := make(chan struct{})
	orch, store, _ := newTestOrchestrator(t, func(ctx context.Context, messages []stream.Message, h stream.Handlers) error {
		captured = h
		h.OnToken("early")
		<-proceed
		// Tokens arriving after the transcript was cleared.
		h.OnToken("late")
		h.OnFinish()
		return nil
	})

	id := store.CurrentSessionID()
	done := make(chan error, 1)
	go func() { done <- orch.SendMessage(context.Background(), "Hello") }()

	// Wait for the early token to land, then clear the session.
	require.Eventually(t, func() bool {
		sess, _ := store.Session(id)
		last := sess.LastMessage()
		return last != nil && last.Content == "early"
	}, time.Second, 5*time.Millisecond)

	require.True(t, orch.ClearSession(id))
	close(proceed)
	require.NoError(t, <-done)
	_ = captured

	// The cleared transcript stays clean: no resurrected placeholder.
	sess, _ := store.Session(id)
	require.Equal(t, 1, sess.MessageCount())
	assert.Equal(t, model.RoleSystem, sess.Messages[0].Role)
}

func TestTokensFollowPlaceholderID(t *testing.T) {
	var orchRef *Orchestrator
	var storeRef *session.Store
	orch, store, _ := newTestOrchestrator(t, func(ctx context.Context, messages []stream.Message, h stream.Handlers) error {
		h.OnToken("first")
		// The transcript gains a message mid-stream; tokens must keep
		// landing on the placeholder, not on the newest entry.
		storeRef.AppendMessage(storeRef.CurrentSessionID(), model.NewUserMessage("interleaved"))
		h.OnToken(" second")
		h.OnFinish()
		return nil
	})
	orchRef, storeRef = orch, store

	require.NoError(t, orchRef.SendMessage(context.Background(), "Hello"))

	sess := store.CurrentSession()
	require.Equal(t, 4, sess.MessageCount())
	assert.Equal(t, model.RoleAssistant, sess.Messages[2].Role)
	assert.Equal(t, "first second", sess.Messages[2].Content)
	assert.Equal(t, "interleaved", sess.Messages[3].Content)
}
