// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat orchestrates the send-message flow between the session
// store and the streaming protocol client.
//
// A send appends the user's message, creates an empty assistant
// placeholder, and streams the response into it token by token. The
// placeholder is always resolved by message ID, never by position, so a
// transcript that changes mid-stream cannot misdirect tokens. Failures
// are converted into system messages that replace the placeholder in
// place, keeping the error visible in the transcript.
//
// # Key Types
//
//   - Orchestrator: the send-flow coordinator, one per application
//   - Streamer: the streaming dependency (satisfied by *stream.Client)
//   - Observer: optional progress callbacks for front-ends
//
// # Usage
//
//	orch := chat.NewOrchestrator(store, client).WithObserver(chat.Observer{
//		OnToken: func(sessionID, messageID, token string) { render(token) },
//	})
//	if err := orch.SendMessage(ctx, input); err != nil {
//		// already recorded in the transcript; err is for flow control
//	}
package chat
