// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// streamchat.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.streamchat/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete streamchat configuration.
type Config struct {
	// General settings
	Version string `toml:"version"`

	// Server configuration (the reference backend)
	Server ServerConfig `toml:"server"`

	// Client configuration (the streaming protocol client)
	Client ClientConfig `toml:"client"`

	// Chat configuration (session defaults)
	Chat ChatConfig `toml:"chat"`

	// UI configuration
	UI UIConfig `toml:"ui"`
}

// ServerConfig contains the reference backend configuration.
type ServerConfig struct {
	// Host is the interface the server binds to
	Host string `toml:"host"`
	// Port is the port the server listens on
	Port int `toml:"port"`
	// UpstreamURL is the OpenAI-compatible completions endpoint the
	// server proxies to
	UpstreamURL string `toml:"upstream_url"`
	// UpstreamModel is the model requested from the upstream
	UpstreamModel string `toml:"upstream_model"`
	// UpstreamKey is the upstream API key, if the provider needs one
	UpstreamKey string `toml:"upstream_key"`
	// RequestsPerMinute is the per-client rate limit (0 = unlimited)
	RequestsPerMinute int `toml:"requests_per_minute"`
	// StreamCapSecs is the maximum duration of one streamed response
	StreamCapSecs int `toml:"stream_cap_secs"`
}

// ClientConfig contains the streaming client configuration.
type ClientConfig struct {
	// Endpoint is the chat endpoint URL the client posts to
	Endpoint string `toml:"endpoint"`
	// TimeoutSecs is the total-stream timeout in seconds
	TimeoutSecs int `toml:"timeout_secs"`
	// MaxRetries is the retry count for connection resets
	MaxRetries int `toml:"max_retries"`
}

// ChatConfig contains session defaults.
type ChatConfig struct {
	// SessionName is the display name given to new sessions
	SessionName string `toml:"session_name"`
	// AssistantName is the display name of the assistant
	AssistantName string `toml:"assistant_name"`
	// SystemPrompt seeds every new session's log
	SystemPrompt string `toml:"system_prompt"`
}

// UIConfig contains UI configuration.
type UIConfig struct {
	// Theme is the UI theme: "dark", "light", "auto"
	Theme string `toml:"theme"`
	// CompactMode suppresses blank lines between transcript entries
	CompactMode bool `toml:"compact_mode"`
	// Timestamps shows per-message timestamps in the transcript
	Timestamps bool `toml:"timestamps"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			UpstreamURL:       "http://127.0.0.1:11434/v1/chat/completions",
			UpstreamModel:     "qwen2.5-coder:14b",
			UpstreamKey:       "",
			RequestsPerMinute: 60,
			StreamCapSecs:     30,
		},

		Client: ClientConfig{
			Endpoint:    "http://127.0.0.1:8080/api/chat",
			TimeoutSecs: 30,
			MaxRetries:  3,
		},

		Chat: ChatConfig{
			SessionName:   "New chat",
			AssistantName: "Assistant",
			SystemPrompt:  "You are a helpful assistant.",
		},

		UI: UIConfig{
			Theme:       "dark",
			CompactMode: false,
			Timestamps:  false,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the streamchat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".streamchat"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect
// upstream API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file, falling back to defaults
// when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := loadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// fillDefaults fills in any missing values with defaults.
func (c *Config) fillDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.UpstreamURL == "" {
		c.Server.UpstreamURL = defaults.Server.UpstreamURL
	}
	if c.Server.UpstreamModel == "" {
		c.Server.UpstreamModel = defaults.Server.UpstreamModel
	}
	if c.Server.StreamCapSecs == 0 {
		c.Server.StreamCapSecs = defaults.Server.StreamCapSecs
	}

	if c.Client.Endpoint == "" {
		c.Client.Endpoint = defaults.Client.Endpoint
	}
	if c.Client.TimeoutSecs == 0 {
		c.Client.TimeoutSecs = defaults.Client.TimeoutSecs
	}

	if c.Chat.SessionName == "" {
		c.Chat.SessionName = defaults.Chat.SessionName
	}
	if c.Chat.AssistantName == "" {
		c.Chat.AssistantName = defaults.Chat.AssistantName
	}
	if c.Chat.SystemPrompt == "" {
		c.Chat.SystemPrompt = defaults.Chat.SystemPrompt
	}

	if c.UI.Theme == "" {
		c.UI.Theme = defaults.UI.Theme
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies STREAMCHAT_* environment variables on top of
// the loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STREAMCHAT_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("STREAMCHAT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("STREAMCHAT_UPSTREAM_URL"); v != "" {
		c.Server.UpstreamURL = v
	}
	if v := os.Getenv("STREAMCHAT_UPSTREAM_MODEL"); v != "" {
		c.Server.UpstreamModel = v
	}
	if v := os.Getenv("STREAMCHAT_UPSTREAM_KEY"); v != "" {
		c.Server.UpstreamKey = v
	}
	if v := os.Getenv("STREAMCHAT_ENDPOINT"); v != "" {
		c.Client.Endpoint = v
	}
	if v := os.Getenv("STREAMCHAT_TIMEOUT_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Client.TimeoutSecs = secs
		}
	}
	if v := os.Getenv("STREAMCHAT_SYSTEM_PROMPT"); v != "" {
		c.Chat.SystemPrompt = v
	}
	if v := os.Getenv("STREAMCHAT_THEME"); v != "" {
		c.UI.Theme = v
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write
// only).
func SaveToPath(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# streamchat configuration file")
	fmt.Fprintln(file, "# Generated by streamchat - edit with care")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("invalid port %d, must be 1-65535", c.Server.Port),
		})
	}
	if _, err := url.Parse(c.Server.UpstreamURL); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.upstream_url",
			Message: fmt.Sprintf("invalid URL: %v", err),
		})
	}
	if c.Server.StreamCapSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.stream_cap_secs",
			Message: "must be at least 1 second",
		})
	}
	if c.Server.RequestsPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.requests_per_minute",
			Message: "must not be negative",
		})
	}

	if _, err := url.Parse(c.Client.Endpoint); err != nil {
		errs = append(errs, ValidationError{
			Field:   "client.endpoint",
			Message: fmt.Sprintf("invalid URL: %v", err),
		})
	}
	if c.Client.TimeoutSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "client.timeout_secs",
			Message: "must be at least 1 second",
		})
	}
	if c.Client.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "client.max_retries",
			Message: "must not be negative",
		})
	}

	validThemes := map[string]bool{"dark": true, "light": true, "auto": true}
	if !validThemes[strings.ToLower(c.UI.Theme)] {
		errs = append(errs, ValidationError{
			Field:   "ui.theme",
			Message: fmt.Sprintf("invalid theme '%s', must be one of: dark, light, auto", c.UI.Theme),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}
