// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the interactive terminal front-end for streamchat.
//
// The package implements a readline-style REPL over the session store and
// chat orchestrator: plain input is sent as a chat message with the
// assistant's tokens printed live, and slash commands manage sessions,
// the system prompt, and transcript export.
//
// # Key Types
//
//   - REPL: the interactive chat loop
//   - LineReader: liner-based input with persistent history
//
// # Usage
//
//	repl := cli.NewREPL(cfg, store, client)
//	if err := repl.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// Output styling adapts to the terminal: colors are disabled for non-TTY
// output and the NO_COLOR / FORCE_COLOR environment variables are
// respected.
package cli
