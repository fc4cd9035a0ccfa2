// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/morganforge/streamchat/internal/chat"
	"github.com/morganforge/streamchat/internal/config"
	"github.com/morganforge/streamchat/internal/model"
	"github.com/morganforge/streamchat/internal/session"
	"github.com/morganforge/streamchat/internal/ui"
)

func init() {
	// Deterministic output for assertions regardless of test environment.
	ForceColorsEnabled(false)
}

// newTestREPL builds a REPL over a fresh store with output captured.
func newTestREPL(t *testing.T) (*REPL, *session.Store, *bytes.Buffer) {
	t.Helper()
	store := session.NewStore(session.Defaults{})
	out := &bytes.Buffer{}
	r := &REPL{
		cfg:   config.Default(),
		store: store,
		orch:  chat.NewOrchestrator(store, nil),
		state: ui.NewState(),
		out:   out,
	}
	return r, store, out
}

// =============================================================================
// COMMAND PARSING
// =============================================================================

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantOK   bool
		wantName string
		wantArgs []string
	}{
		{"/help", true, "/help", nil},
		{"/HELP", true, "/help", nil},
		{"  /switch 2  ", true, "/switch", []string{"2"}},
		{"/system You are terse.", true, "/system", []string{"You", "are", "terse."}},
		{"/", true, "/", nil},
		{"hello there", false, "", nil},
		{"", false, "", nil},
	}

	for _, tt := range tests {
		cmd, ok := parseCommand(tt.input)
		if ok != tt.wantOK {
			t.Errorf("parseCommand(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if cmd.name != tt.wantName {
			t.Errorf("parseCommand(%q) name = %q, want %q", tt.input, cmd.name, tt.wantName)
		}
		if len(cmd.args) != len(tt.wantArgs) {
			t.Errorf("parseCommand(%q) args = %v, want %v", tt.input, cmd.args, tt.wantArgs)
			continue
		}
		for i := range cmd.args {
			if cmd.args[i] != tt.wantArgs[i] {
				t.Errorf("parseCommand(%q) args = %v, want %v", tt.input, cmd.args, tt.wantArgs)
				break
			}
		}
	}
}

func TestCommandRest(t *testing.T) {
	cmd, _ := parseCommand("/rename weekend project ideas")
	if got := cmd.rest(); got != "weekend project ideas" {
		t.Errorf("rest() = %q", got)
	}
}

// =============================================================================
// SESSION COMMANDS
// =============================================================================

func TestDispatchNewSwitchesCurrent(t *testing.T) {
	r, store, _ := newTestREPL(t)
	before := store.CurrentSessionID()

	keepGoing, err := r.dispatch(command{name: "/new", args: []string{"Second"}})
	if err != nil {
		t.Fatalf("dispatch /new: %v", err)
	}
	if !keepGoing {
		t.Fatal("dispatch /new should keep going")
	}

	current := store.CurrentSession()
	if current.ID == before {
		t.Error("current session did not change after /new")
	}
	if current.Name != "Second" {
		t.Errorf("new session name = %q", current.Name)
	}
}

func TestResolveSession(t *testing.T) {
	r, store, _ := newTestREPL(t)
	second := store.AddSession("Second")

	ids := store.SessionIDs()

	// By 1-based number.
	id, err := r.resolveSession("2")
	if err != nil {
		t.Fatalf("resolve by number: %v", err)
	}
	if id != ids[1] {
		t.Errorf("resolve by number = %q, want %q", id, ids[1])
	}

	// By exact ID.
	id, err = r.resolveSession(second.ID)
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if id != second.ID {
		t.Errorf("resolve by id = %q, want %q", id, second.ID)
	}

	// Out of range.
	if _, err := r.resolveSession("9"); err == nil {
		t.Error("expected error for out-of-range number")
	}

	// Unknown ID.
	if _, err := r.resolveSession("nope"); err != session.ErrSessionNotFound {
		t.Errorf("resolve unknown = %v, want ErrSessionNotFound", err)
	}
}

func TestDispatchSwitch(t *testing.T) {
	r, store, _ := newTestREPL(t)
	second := store.AddSession("Second")

	if _, err := r.dispatch(command{name: "/switch", args: []string{second.ID}}); err != nil {
		t.Fatalf("dispatch /switch: %v", err)
	}
	if store.CurrentSessionID() != second.ID {
		t.Error("current session did not change after /switch")
	}

	if _, err := r.dispatch(command{name: "/switch"}); err == nil {
		t.Error("expected usage error for /switch without args")
	}
}

func TestDispatchRename(t *testing.T) {
	r, store, _ := newTestREPL(t)

	if _, err := r.dispatch(command{name: "/rename", args: []string{"Renamed", "chat"}}); err != nil {
		t.Fatalf("dispatch /rename: %v", err)
	}
	if got := store.CurrentSession().Name; got != "Renamed chat" {
		t.Errorf("session name = %q", got)
	}
}

func TestDispatchQuit(t *testing.T) {
	r, _, _ := newTestREPL(t)

	for _, name := range []string{"/quit", "/q", "/exit"} {
		keepGoing, err := r.dispatch(command{name: name})
		if err != nil {
			t.Fatalf("dispatch %s: %v", name, err)
		}
		if keepGoing {
			t.Errorf("dispatch %s should stop the loop", name)
		}
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	r, _, _ := newTestREPL(t)

	keepGoing, err := r.dispatch(command{name: "/bogus"})
	if err == nil {
		t.Error("expected error for unknown command")
	}
	if !keepGoing {
		t.Error("unknown command should not exit")
	}
}

// =============================================================================
// SYSTEM PROMPT
// =============================================================================

func TestDispatchSystemReplacesPrompt(t *testing.T) {
	r, store, out := newTestREPL(t)
	id := store.CurrentSessionID()
	store.AppendMessage(id, model.NewUserMessage("hi"))

	if _, err := r.dispatch(command{name: "/system", args: []string{"Be", "terse."}}); err != nil {
		t.Fatalf("dispatch /system: %v", err)
	}

	sess := store.CurrentSession()
	if sess.Messages[0].Role != model.RoleSystem || sess.Messages[0].Content != "Be terse." {
		t.Errorf("leading message = %s %q", sess.Messages[0].Role, sess.Messages[0].Content)
	}
	if sess.MessageCount() != 2 {
		t.Errorf("message count = %d, want 2 (history preserved)", sess.MessageCount())
	}

	// Showing the prompt prints the new value.
	out.Reset()
	if _, err := r.dispatch(command{name: "/system"}); err != nil {
		t.Fatalf("dispatch /system (show): %v", err)
	}
	if !strings.Contains(out.String(), "Be terse.") {
		t.Errorf("show output missing prompt: %q", out.String())
	}
}

// =============================================================================
// DISPLAY
// =============================================================================

func TestPrintSessionsMarksCurrent(t *testing.T) {
	r, store, out := newTestREPL(t)
	store.AddSession("Second")

	r.printSessions()

	text := out.String()
	if !strings.Contains(text, "New chat") || !strings.Contains(text, "Second") {
		t.Errorf("session list missing names: %q", text)
	}
	if !strings.Contains(text, "*") {
		t.Errorf("session list missing current marker: %q", text)
	}
}

func TestPrintHistoryShowsMessages(t *testing.T) {
	r, store, out := newTestREPL(t)
	id := store.CurrentSessionID()
	store.AppendMessage(id, model.NewUserMessage("what is Go?"))

	r.printHistory()

	text := out.String()
	if !strings.Contains(text, "what is Go?") {
		t.Errorf("history missing user message: %q", text)
	}
}

// =============================================================================
// TRANSCRIPT EXPORT
// =============================================================================

func TestExportTranscript(t *testing.T) {
	sess := model.NewSession("Export me", "Helper", "You are helpful.")
	sess.AddMessage(model.NewUserMessage("hello"))

	reply := model.NewAssistantMessage()
	reply.AppendToken("hi ")
	reply.AppendToken("there")
	reply.Finalize()
	sess.AddMessage(reply)

	// An in-flight placeholder must not leak into the export.
	sess.AddMessage(model.NewAssistantMessage())

	text := ExportTranscript(sess)

	for _, want := range []string{"Export me", "You:", "hello", "Helper:", "hi there"} {
		if !strings.Contains(text, want) {
			t.Errorf("export missing %q:\n%s", want, text)
		}
	}
	if strings.Count(text, "Helper:") != 1 {
		t.Errorf("streaming placeholder leaked into export:\n%s", text)
	}
}

// =============================================================================
// TEXT WRAPPING
// =============================================================================

func TestWrapText(t *testing.T) {
	text := "one two three four five six seven eight nine ten"
	wrapped := WrapText(text, 22)

	for _, line := range strings.Split(wrapped, "\n") {
		if len(line) > 20 {
			t.Errorf("line too long (%d): %q", len(line), line)
		}
	}
	if strings.Join(strings.Fields(wrapped), " ") != text {
		t.Errorf("wrapping lost words: %q", wrapped)
	}
}
