// streamchat - A streaming chat client and reference backend.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/morganforge/streamchat/internal/cli"
	"github.com/morganforge/streamchat/internal/config"
	"github.com/morganforge/streamchat/internal/server"
	"github.com/morganforge/streamchat/internal/session"
	"github.com/morganforge/streamchat/internal/stream"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cmd := "chat"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "chat":
		err = runChat(args)
	case "serve":
		err = runServe(args)
	case "config":
		err = runConfig(args)
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from the given path (or the default
// location), applies environment overrides, and validates the result.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// CHAT
// =============================================================================

// runChat starts the interactive chat REPL against the configured server.
func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	endpoint := fs.String("endpoint", "", "chat endpoint URL (overrides config)")
	quiet := fs.Bool("quiet", false, "suppress banner and per-message stats")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *endpoint != "" {
		cfg.Client.Endpoint = *endpoint
	}

	store := session.NewStore(session.Defaults{
		Name:          cfg.Chat.SessionName,
		AssistantName: cfg.Chat.AssistantName,
		SystemPrompt:  cfg.Chat.SystemPrompt,
	})

	client := stream.NewClient(cfg.Client.Endpoint).
		WithTimeout(time.Duration(cfg.Client.TimeoutSecs) * time.Second).
		WithMaxRetries(cfg.Client.MaxRetries)

	repl := cli.NewREPL(cfg, store, client)
	repl.Quiet = *quiet
	return repl.Run()
}

// =============================================================================
// SERVE
// =============================================================================

// runServe starts the reference backend and blocks until interrupted.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	addr := fs.String("addr", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	listenAddr := cfg.ListenAddr()
	if *addr != "" {
		listenAddr = *addr
	}

	upstream := server.NewOpenAIUpstream(
		cfg.Server.UpstreamURL,
		cfg.Server.UpstreamModel,
		cfg.Server.UpstreamKey,
	)

	srv := server.NewServer(listenAddr, upstream).
		WithStreamCap(time.Duration(cfg.Server.StreamCapSecs) * time.Second)
	if cfg.Server.RequestsPerMinute > 0 {
		srv = srv.WithRateLimiter(server.NewRateLimiter(cfg.Server.RequestsPerMinute))
	}

	// The server reads its config once at startup; the watcher only tells
	// the operator a restart is needed.
	watchPath := *configPath
	if watchPath == "" {
		if p, err := config.ConfigPath(); err == nil {
			watchPath = p
		}
	}
	if watchPath != "" {
		watcher, err := config.NewWatcher(watchPath,
			func(*config.Config) {
				fmt.Fprintln(os.Stderr, "configuration changed on disk; restart to apply")
			},
			func(err error) {
				fmt.Fprintf(os.Stderr, "config watch error: %v\n", err)
			})
		if err == nil {
			if err := watcher.Watch(); err == nil {
				defer watcher.Close()
			}
		}
	}

	fmt.Printf("streamchat server %s listening on %s (upstream: %s)\n",
		Version, listenAddr, upstream.Name())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-sigCh:
		fmt.Printf("\nreceived %s, shutting down\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

// =============================================================================
// CONFIG
// =============================================================================

// runConfig handles the config subcommands: init, show, path.
func runConfig(args []string) error {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "init":
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := config.Save(config.Default()); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", path)
		return nil

	case "show":
		cfg, err := loadConfig("")
		if err != nil {
			return err
		}
		return toml.NewEncoder(os.Stdout).Encode(cfg)

	case "path":
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil

	default:
		return fmt.Errorf("unknown config subcommand: %s (want init, show, or path)", sub)
	}
}

// =============================================================================
// HELP / VERSION
// =============================================================================

func printVersion() {
	fmt.Printf("streamchat %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
}

func printUsage() {
	fmt.Print(`streamchat - streaming chat client and reference backend

Usage:
  streamchat [chat] [flags]     Start an interactive chat session (default)
  streamchat serve [flags]      Run the reference backend
  streamchat config <cmd>       Manage configuration (init, show, path)
  streamchat version            Show version information
  streamchat help               Show this help

Chat flags:
  -config PATH     Path to config file
  -endpoint URL    Chat endpoint URL (overrides config)
  -quiet           Suppress banner and per-message stats

Serve flags:
  -config PATH     Path to config file
  -addr ADDR       Listen address (overrides config)

Environment:
  STREAMCHAT_ENDPOINT, STREAMCHAT_HOST, STREAMCHAT_PORT and friends
  override file configuration; see config.toml comments for the full list.
`)
}
