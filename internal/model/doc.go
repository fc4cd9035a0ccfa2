// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
//
// This package defines the core domain types used throughout the
// application for representing conversations and the messages they hold.
//
// # Key Types
//
//   - Session: one independent conversation with its own message log
//   - Message: single message with id, role, content, and timestamp
//   - Role: message role enumeration (user, assistant, system)
//
// # Usage
//
// Create a session and append messages:
//
//	sess := model.NewSession("New topic", "Assistant", "You are a helpful assistant.")
//	sess.AddMessage(model.NewUserMessage("Hello!"))
//
// The streaming placeholder is an assistant message created empty and
// mutated in place while tokens arrive:
//
//	placeholder := model.NewAssistantMessage()
//	sess.AddMessage(placeholder)
//	placeholder.AppendToken("Hi")
//	placeholder.Finalize()
package model
