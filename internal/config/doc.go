// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// streamchat.
//
// Configuration is TOML under ~/.streamchat/config.toml with built-in
// defaults, STREAMCHAT_* environment overrides, and validation. A
// Watcher can reload the file on change so long-running processes pick
// up edits without a restart.
//
// # Key Types
//
//   - Config: the complete configuration tree
//   - Watcher: fsnotify-based reload-on-change
//   - ValidationError, ValidateErrors: structured validation failures
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	client := stream.NewClient(cfg.Client.Endpoint).
//		WithTimeout(time.Duration(cfg.Client.TimeoutSecs) * time.Second)
package config
