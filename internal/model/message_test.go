// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"testing"
)

func TestAppendTokenRespectsFinalize(t *testing.T) {
	msg := NewAssistantMessage()
	if !msg.Streaming {
		t.Fatal("placeholder should start in streaming state")
	}

	if !msg.AppendToken("hello ") || !msg.AppendToken("world") {
		t.Fatal("AppendToken refused while streaming")
	}
	msg.Finalize()

	if msg.AppendToken("!late") {
		t.Error("AppendToken accepted after Finalize")
	}
	if msg.Content != "hello world" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestNewSessionSeedsSystemMessage(t *testing.T) {
	sess := NewSession("Test", "Helper", "Be brief.")
	if sess.MessageCount() != 1 {
		t.Fatalf("message count = %d, want 1", sess.MessageCount())
	}
	if sess.Messages[0].Role != RoleSystem || sess.Messages[0].Content != "Be brief." {
		t.Errorf("seed message = %s %q", sess.Messages[0].Role, sess.Messages[0].Content)
	}
}

func TestToWireMessagesExcludesPlaceholder(t *testing.T) {
	sess := NewSession("Test", "Helper", "Be brief.")
	sess.AddMessage(NewUserMessage("hi"))
	sess.AddMessage(NewAssistantMessage())

	wire := sess.ToWireMessages()
	if len(wire) != 2 {
		t.Fatalf("wire length = %d, want 2", len(wire))
	}
	if wire[0].Role != "system" || wire[1].Role != "user" {
		t.Errorf("wire roles = %s, %s", wire[0].Role, wire[1].Role)
	}
}

func TestReplaceMessageKeepsPosition(t *testing.T) {
	sess := NewSession("Test", "Helper", "Be brief.")
	sess.AddMessage(NewUserMessage("hi"))
	placeholder := NewAssistantMessage()
	sess.AddMessage(placeholder)
	sess.AddMessage(NewUserMessage("still there?"))

	failure := NewSystemMessage("request failed")
	if !sess.ReplaceMessage(placeholder.ID, failure) {
		t.Fatal("ReplaceMessage did not find the placeholder")
	}
	if sess.Messages[2].ID != failure.ID {
		t.Error("replacement not at the placeholder's position")
	}
	if sess.ReplaceMessage("missing", failure) {
		t.Error("ReplaceMessage matched a nonexistent ID")
	}
}

func TestPreviewTruncatesRunes(t *testing.T) {
	// UNICODE: rune-based truncation must not split multi-byte characters.
	msg := NewUserMessage(strings.Repeat("héllo ", 30))
	preview := msg.Preview(20)
	if got := len([]rune(preview)); got != 20 {
		t.Errorf("preview rune length = %d, want 20", got)
	}
	if !strings.HasSuffix(preview, "...") {
		t.Errorf("preview missing ellipsis: %q", preview)
	}
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateMessageID()
		if seen[id] {
			t.Fatalf("duplicate message ID: %s", id)
		}
		seen[id] = true
	}
}
