// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// repl.go - Interactive chat REPL for the streamchat CLI.
//
// USABILITY: Input history and line editing for better CLI experience
//
// Implements the "streamchat chat" command: a readline-style loop that
// sends plain input through the orchestrator and prints assistant tokens
// as they stream in.
//
// Interactive commands (during chat):
//   /help, /h           Show available commands
//   /new [name]         Create a session and switch to it
//   /sessions, /ls      List sessions
//   /switch <n|id>      Switch to a session by number or ID
//   /rename <name>      Rename the current session
//   /delete [n|id]      Delete a session (current by default)
//   /clear, /c          Reset the current session to its system prompt
//   /system [prompt]    Show or replace the system prompt
//   /history            Show the current session's transcript
//   /status, /s         Show session statistics
//   /save [path]        Export the transcript to a file
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel current generation
//   Ctrl+D              Exit chat

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/morganforge/streamchat/internal/chat"
	"github.com/morganforge/streamchat/internal/config"
	"github.com/morganforge/streamchat/internal/model"
	"github.com/morganforge/streamchat/internal/session"
	"github.com/morganforge/streamchat/internal/stream"
	"github.com/morganforge/streamchat/internal/ui"
	"github.com/morganforge/streamchat/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// LineReader provides input history and line editing for interactive chat.
// USABILITY: Supports arrow keys for history navigation and line editing.
type LineReader struct {
	line        *liner.State
	historyFile string
}

// NewLineReader creates a LineReader with input history support.
func NewLineReader() *LineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	r := &LineReader{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	r.LoadHistory()
	return r
}

// LoadHistory loads input history from file.
func (r *LineReader) LoadHistory() {
	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
// Supports history navigation with arrow keys.
func (r *LineReader) ReadInput(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists input history with secure permissions.
func (r *LineReader) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	r.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (r *LineReader) Close() {
	r.SaveHistory()
	r.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

// REPL is the interactive chat loop over a session store and orchestrator.
type REPL struct {
	cfg   *config.Config
	store *session.Store
	orch  *chat.Orchestrator
	state *ui.State
	out   io.Writer
	input *LineReader

	// Quiet suppresses the welcome banner and per-send stats.
	Quiet bool

	startTime  time.Time
	sentCount  int
	tokenCount int

	mu         sync.Mutex
	cancel     context.CancelFunc
	firstToken bool
}

// NewREPL creates the REPL, wiring the orchestrator's observer to live
// token printing.
func NewREPL(cfg *config.Config, store *session.Store, client *stream.Client) *REPL {
	r := &REPL{
		cfg:       cfg,
		store:     store,
		state:     ui.NewState(),
		out:       os.Stdout,
		startTime: time.Now(),
	}
	r.orch = chat.NewOrchestrator(store, client).WithObserver(chat.Observer{
		OnToken:    r.onToken,
		OnComplete: r.onComplete,
		OnFailure:  r.onFailure,
	})
	return r
}

// Run starts the interactive loop. It returns when the user quits or
// input reaches EOF.
func (r *REPL) Run() error {
	if err := RequiresTTY("chat"); err != nil {
		return err
	}

	ApplyTheme(r.cfg.UI.Theme)

	r.input = NewLineReader()
	defer r.input.Close()

	// First Ctrl+C during a stream cancels the generation; at the prompt
	// liner surfaces it as ErrPromptAborted instead.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			r.mu.Lock()
			cancel := r.cancel
			r.cancel = nil
			r.mu.Unlock()
			if cancel != nil {
				cancel()
				fmt.Fprintln(os.Stderr, "\n"+WarningStyle.Render("[Cancelled]"))
			}
		}
	}()

	if !r.Quiet {
		r.printWelcome()
	}

	for {
		input, err := r.input.ReadInput(PromptStyle.Render("you> "))
		if err != nil {
			// Ctrl+C (ErrPromptAborted) or Ctrl+D (EOF): exit gracefully.
			fmt.Fprintln(r.out)
			r.printExitSummary()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if cmd, ok := parseCommand(input); ok {
			keepGoing, err := r.dispatch(cmd)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				r.printExitSummary()
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			r.printExitSummary()
			return nil
		}

		r.send(input)
	}
}

// =============================================================================
// SENDING
// =============================================================================

// send runs one message through the orchestrator, printing tokens live.
func (r *REPL) send(input string) {
	sessionID := r.store.CurrentSessionID()
	if r.orch.Busy(sessionID) {
		fmt.Fprintln(os.Stderr, WarningStyle.Render("[Busy]")+" a response is already streaming for this session")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.firstToken = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	fmt.Fprintln(r.out)

	err := r.orch.SendMessage(ctx, input)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return
	case errors.Is(err, chat.ErrBusy):
		fmt.Fprintln(os.Stderr, WarningStyle.Render("[Busy]")+" a response is already streaming for this session")
		return
	}
	// Stream failures have already been surfaced by onFailure; nothing
	// more to print for them here.

	r.sentCount++
	fmt.Fprintln(r.out)

	if !r.Quiet && err == nil {
		fmt.Fprintf(os.Stderr, "%s %s\n",
			DimStyle.Render("[Stats]"),
			DimStyle.Render(time.Since(start).Round(time.Millisecond).String()))
	}
}

// onToken prints a streamed token. The assistant label is printed lazily
// on the first token so failed sends never show an empty response header.
func (r *REPL) onToken(sessionID, messageID, token string) {
	r.mu.Lock()
	first := r.firstToken
	r.firstToken = false
	r.tokenCount++
	r.mu.Unlock()

	if first {
		name := "Assistant"
		if sess, ok := r.store.Session(sessionID); ok && sess.AssistantName != "" {
			name = sess.AssistantName
		}
		fmt.Fprint(r.out, AssistantStyle.Render(name+"> "))
	}
	fmt.Fprint(r.out, token)
}

func (r *REPL) onComplete(sessionID, messageID string) {
	fmt.Fprintln(r.out)
}

// onFailure prints the failure entry that replaced the placeholder, so
// the terminal matches the transcript.
func (r *REPL) onFailure(sessionID, messageID string, err error) {
	fmt.Fprintf(r.out, "%s %s\n", SystemStyle.Render("System>"), err.Error())
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// command is a parsed slash command with its arguments.
type command struct {
	name string
	args []string
}

// parseCommand parses a slash command line. The second return value is
// false when the input is not a slash command.
func parseCommand(input string) (command, bool) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return command{}, false
	}
	parts := strings.Fields(trimmed)
	if len(parts) == 0 {
		return command{}, false
	}
	return command{
		name: strings.ToLower(parts[0]),
		args: parts[1:],
	}, true
}

// rest joins the command's arguments back into the original free text,
// for commands whose argument is a phrase rather than a token.
func (c command) rest() string {
	return strings.Join(c.args, " ")
}

// dispatch executes a slash command.
// Returns (keepGoing, error) where keepGoing=false means exit.
func (r *REPL) dispatch(cmd command) (bool, error) {
	switch cmd.name {
	case "/help", "/h", "/?", "/":
		r.printHelp()
		return true, nil

	case "/new", "/n":
		sess := r.store.AddSession(cmd.rest())
		if err := r.store.SetCurrentSession(sess.ID); err != nil {
			return true, err
		}
		fmt.Fprintf(r.out, "%s Created session %s (%s)\n",
			SuccessStyle.Render("[OK]"), sess.Name, DimStyle.Render(sess.ID))
		return true, nil

	case "/sessions", "/ls":
		r.printSessions()
		return true, nil

	case "/switch", "/sw":
		if len(cmd.args) == 0 {
			return true, errors.New("usage: /switch <number|id>")
		}
		id, err := r.resolveSession(cmd.args[0])
		if err != nil {
			return true, err
		}
		if err := r.store.SetCurrentSession(id); err != nil {
			return true, err
		}
		sess, _ := r.store.Session(id)
		fmt.Fprintf(r.out, "%s Switched to %s\n", SuccessStyle.Render("[OK]"), sess.Name)
		return true, nil

	case "/rename":
		if len(cmd.args) == 0 {
			return true, errors.New("usage: /rename <name>")
		}
		id := r.store.CurrentSessionID()
		r.store.RenameSession(id, cmd.rest())
		fmt.Fprintf(r.out, "%s Renamed session to %s\n", SuccessStyle.Render("[OK]"), cmd.rest())
		return true, nil

	case "/delete", "/del":
		return r.handleDelete(cmd.args)

	case "/clear", "/c":
		return r.handleClear()

	case "/system":
		return r.handleSystem(cmd)

	case "/history":
		r.printHistory()
		return true, nil

	case "/status", "/s":
		r.printStatus()
		return true, nil

	case "/save":
		return r.handleSave(cmd.args)

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", cmd.name)
	}
}

// resolveSession resolves a 1-based list number or a session ID to an ID.
func (r *REPL) resolveSession(arg string) (string, error) {
	ids := r.store.SessionIDs()

	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(ids) {
			return "", fmt.Errorf("no session numbered %d (have %d)", n, len(ids))
		}
		return ids[n-1], nil
	}

	for _, id := range ids {
		if id == arg {
			return id, nil
		}
	}
	return "", session.ErrSessionNotFound
}

// handleDelete deletes a session after confirmation. With no argument the
// current session is deleted; currency fails over per store rules.
func (r *REPL) handleDelete(args []string) (bool, error) {
	id := r.store.CurrentSessionID()
	if len(args) > 0 {
		resolved, err := r.resolveSession(args[0])
		if err != nil {
			return true, err
		}
		id = resolved
	}

	sess, ok := r.store.Session(id)
	if !ok {
		return true, session.ErrSessionNotFound
	}

	if !PromptYesNo(fmt.Sprintf("Delete session %q (%d messages)?", sess.Name, sess.MessageCount())) {
		fmt.Fprintln(r.out, DimStyle.Render("Cancelled."))
		return true, nil
	}

	if err := r.store.RemoveSession(id); err != nil {
		return true, err
	}
	current := r.store.CurrentSession()
	fmt.Fprintf(r.out, "%s Deleted. Current session: %s\n",
		SuccessStyle.Render("[OK]"), current.Name)
	return true, nil
}

// handleClear resets the current session to its system prompt. The
// confirmation runs behind the clear-confirm flag so a renderer observing
// the UI state sees the overlay while the prompt is pending.
func (r *REPL) handleClear() (bool, error) {
	r.state.SetClearConfirmOpen(true)
	confirmed := PromptYesNo("Clear the current conversation?")
	r.state.SetClearConfirmOpen(false)

	if !confirmed {
		fmt.Fprintln(r.out, DimStyle.Render("Cancelled."))
		return true, nil
	}
	r.orch.ClearSession(r.store.CurrentSessionID())
	fmt.Fprintln(r.out, CommandStyle.Render("[Conversation cleared]"))
	return true, nil
}

// handleSystem shows the current system prompt, or replaces it in place
// while keeping the rest of the transcript.
func (r *REPL) handleSystem(cmd command) (bool, error) {
	sess := r.store.CurrentSession()

	if len(cmd.args) == 0 {
		prompt := ""
		for _, msg := range sess.Messages {
			if msg.Role == model.RoleSystem {
				prompt = msg.Content
				break
			}
		}
		if prompt == "" {
			fmt.Fprintln(r.out, DimStyle.Render("[No system prompt set]"))
		} else {
			fmt.Fprintf(r.out, "%s %s\n", InfoStyle.Render("[System]"), prompt)
		}
		return true, nil
	}

	// Wholesale replacement of the log: swap the leading system message
	// (or prepend one) and keep everything else.
	messages := make([]*model.Message, 0, len(sess.Messages)+1)
	replaced := false
	for _, msg := range sess.Messages {
		if !replaced && msg.Role == model.RoleSystem {
			messages = append(messages, model.NewSystemMessage(cmd.rest()))
			replaced = true
			continue
		}
		messages = append(messages, msg)
	}
	if !replaced {
		messages = append([]*model.Message{model.NewSystemMessage(cmd.rest())}, messages...)
	}
	r.store.SetSessionMessages(sess.ID, messages)

	fmt.Fprintf(r.out, "%s System prompt updated\n", SuccessStyle.Render("[OK]"))
	return true, nil
}

// handleSave exports the current transcript to a file.
func (r *REPL) handleSave(args []string) (bool, error) {
	sess := r.store.CurrentSession()

	var path string
	if len(args) > 0 {
		path = args[0]
	} else {
		configDir, err := config.ConfigDir()
		if err != nil {
			return true, err
		}
		exportDir := filepath.Join(configDir, "exports")
		if err := os.MkdirAll(exportDir, 0700); err != nil {
			return true, fmt.Errorf("create export directory: %w", err)
		}
		path = filepath.Join(exportDir,
			sess.ID+"-"+util.Int64ToString(time.Now().Unix())+".txt")
	}

	data := ExportTranscript(sess)
	if err := util.AtomicWriteFile(path, []byte(data), 0600); err != nil {
		return true, fmt.Errorf("write transcript: %w", err)
	}

	fmt.Fprintf(r.out, "%s Saved transcript to %s\n", SuccessStyle.Render("[OK]"), path)
	return true, nil
}

// =============================================================================
// DISPLAY
// =============================================================================

// printWelcome prints the welcome banner.
func (r *REPL) printWelcome() {
	sess := r.store.CurrentSession()

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, TitleStyle.Render("streamchat interactive chat"))
	fmt.Fprintln(r.out, RenderSeparator(30))
	fmt.Fprintf(r.out, "%s %s\n", DimStyle.Render("Endpoint:"), r.cfg.Client.Endpoint)
	fmt.Fprintf(r.out, "%s %s\n", DimStyle.Render("Session:"), sess.Name)
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, DimStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(r.out)
}

// printHelp prints available commands.
func (r *REPL) printHelp() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, TitleStyle.Render("Available Commands"))
	fmt.Fprintln(r.out, RenderSeparator(20))
	fmt.Fprintln(r.out)

	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/new [name]", "Create a session and switch to it"},
		{"/sessions, /ls", "List sessions"},
		{"/switch <n|id>", "Switch to a session"},
		{"/rename <name>", "Rename the current session"},
		{"/delete [n|id]", "Delete a session"},
		{"/clear, /c", "Clear the current conversation"},
		{"/system [prompt]", "Show or replace the system prompt"},
		{"/history", "Show conversation history"},
		{"/status, /s", "Show session statistics"},
		{"/save [path]", "Export the transcript to a file"},
		{"/quit, /q", "Exit chat"},
	}

	for _, c := range commands {
		fmt.Fprintf(r.out, "  %s  %s\n",
			CommandStyle.Render(fmt.Sprintf("%-17s", c.cmd)),
			DimStyle.Render(c.desc))
	}

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, DimStyle.Render("Tip: Ctrl+C cancels current generation, Ctrl+D exits"))
	fmt.Fprintln(r.out)
}

// printSessions lists all sessions with the current one marked.
func (r *REPL) printSessions() {
	r.state.SetSessionListOpen(true)
	defer r.state.SetSessionListOpen(false)

	sessions := r.store.Sessions()
	currentID := r.store.CurrentSessionID()

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, TitleStyle.Render("Sessions"))
	fmt.Fprintln(r.out, RenderSeparator(20))
	fmt.Fprintln(r.out)

	for i, sess := range sessions {
		marker := " "
		// Pad before styling so ANSI codes don't skew the column width.
		name := util.PadRight(sess.Name, 20)
		if sess.ID == currentID {
			marker = "*"
			name = UserStyle.Render(name)
		}
		fmt.Fprintf(r.out, "  %s %d. %s %s %s\n",
			marker,
			i+1,
			name,
			DimStyle.Render(fmt.Sprintf("%d msgs", sess.MessageCount())),
			DimStyle.Render(util.TruncateRunes(sess.Preview(), 48)))
	}
	fmt.Fprintln(r.out)
}

// printHistory prints the current session's transcript.
func (r *REPL) printHistory() {
	sess := r.store.CurrentSession()

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, TitleStyle.Render("Conversation History"))
	fmt.Fprintln(r.out, RenderSeparator(25))
	fmt.Fprintln(r.out)

	for i, msg := range sess.Messages {
		var role string
		switch msg.Role {
		case model.RoleUser:
			role = UserStyle.Render(msg.Role.DisplayName())
		case model.RoleAssistant:
			role = AssistantStyle.Render(sess.AssistantName)
		default:
			role = SystemStyle.Render(msg.Role.DisplayName())
		}

		content := strings.ReplaceAll(msg.Content, "\n", " ")
		content = util.TruncateRunes(content, 100)
		fmt.Fprintf(r.out, "  %d. %s: %s\n", i+1, role, content)
	}
	fmt.Fprintln(r.out)
}

// printStatus prints session statistics.
func (r *REPL) printStatus() {
	sess := r.store.CurrentSession()
	elapsed := time.Since(r.startTime).Round(time.Second)

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, TitleStyle.Render("Session Status"))
	fmt.Fprintln(r.out, RenderSeparator(20))
	fmt.Fprintln(r.out)

	fmt.Fprintf(r.out, "  %s %s (%s)\n",
		DimStyle.Render("Session:"), sess.Name, DimStyle.Render(sess.ID))
	fmt.Fprintf(r.out, "  %s %d\n", DimStyle.Render("Messages:"), sess.MessageCount())
	fmt.Fprintf(r.out, "  %s %s\n",
		DimStyle.Render("State:"), r.orch.SessionState(sess.ID).String())
	fmt.Fprintf(r.out, "  %s %d\n", DimStyle.Render("Sessions:"), r.store.Count())
	fmt.Fprintf(r.out, "  %s %d sent, %d tokens streamed\n",
		DimStyle.Render("Totals:"), r.sentCount, r.tokenCount)
	fmt.Fprintf(r.out, "  %s %s\n", DimStyle.Render("Duration:"), elapsed.String())
	fmt.Fprintf(r.out, "  %s %s\n", DimStyle.Render("Endpoint:"), r.cfg.Client.Endpoint)
	fmt.Fprintln(r.out)
}

// printExitSummary prints the session summary on exit.
func (r *REPL) printExitSummary() {
	if r.sentCount == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("Goodbye!"))
		return
	}

	elapsed := time.Since(r.startTime).Round(time.Second)

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, TitleStyle.Render("Session Summary"))
	fmt.Fprintln(r.out, RenderSeparator(15))
	fmt.Fprintf(r.out, "  %s %d\n", DimStyle.Render("Messages sent:"), r.sentCount)
	fmt.Fprintf(r.out, "  %s %d\n", DimStyle.Render("Tokens streamed:"), r.tokenCount)
	fmt.Fprintf(r.out, "  %s %s\n", DimStyle.Render("Duration:"), elapsed.String())
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, DimStyle.Render("Goodbye!"))
}

// =============================================================================
// TRANSCRIPT EXPORT
// =============================================================================

// ExportTranscript renders a session's transcript as plain text, suitable
// for saving to a file. The in-flight streaming placeholder is skipped.
func ExportTranscript(sess *model.Session) string {
	var b strings.Builder

	b.WriteString(sess.Name + "\n")
	b.WriteString("Created: " + sess.CreatedAt.Format(time.RFC3339) + "\n")
	b.WriteString(strings.Repeat("=", 40) + "\n\n")

	for _, msg := range sess.Messages {
		if msg.Streaming {
			continue
		}
		name := msg.Role.DisplayName()
		if msg.Role == model.RoleAssistant && sess.AssistantName != "" {
			name = sess.AssistantName
		}
		b.WriteString("[" + msg.CreatedAt.Format("15:04:05") + "] " + name + ":\n")
		b.WriteString(msg.Content + "\n\n")
	}

	return b.String()
}

// PromptYesNo prompts the user with a yes/no question.
// Returns true for yes, false for no or when stdin is not a TTY.
func PromptYesNo(question string) bool {
	// USABILITY: TTY detection for proper terminal handling
	if !IsTTY() {
		return false
	}

	fmt.Printf("%s [y/N]: ", question)

	var input string
	if _, err := fmt.Scanln(&input); err != nil {
		return false
	}

	response := strings.ToLower(strings.TrimSpace(input))
	return response == "y" || response == "yes"
}
