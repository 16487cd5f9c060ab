// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for rigchat.
//
// Configuration lives in a single TOML file with sensible defaults,
// environment variable overrides, and validation.
//
// File location: ~/.rigchat/config.toml (built-in defaults when absent).
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigchat configuration.
type Config struct {
	Version string `toml:"version"`

	// Server holds the inference and tool service endpoints.
	Server ServerConfig `toml:"server"`

	// Sampling holds model decoding parameters.
	Sampling SamplingConfig `toml:"sampling"`

	// Persona controls the assistant identity in the prompt preamble.
	Persona PersonaConfig `toml:"persona"`

	// Tools controls tool availability and limits.
	Tools ToolsConfig `toml:"tools"`

	// Display controls presentation-side filtering.
	Display DisplayConfig `toml:"display"`

	// Docs controls attached-document embedding.
	Docs DocsConfig `toml:"docs"`

	// Session controls transcript persistence.
	Session SessionConfig `toml:"session"`

	// Log controls engine logging.
	Log LogConfig `toml:"log"`
}

// ServerConfig contains the collaborator service endpoints and transport
// timeouts.
type ServerConfig struct {
	// CompletionURL is the base URL of the inference server.
	CompletionURL string `toml:"completion_url"`
	// ToolsURL is the base URL of the tool backend service.
	ToolsURL string `toml:"tools_url"`
	// ConnectTimeoutSecs bounds stream connection establishment.
	ConnectTimeoutSecs float64 `toml:"connect_timeout_secs"`
	// ReadTimeoutSecs bounds a single stream read. 0 means unbounded, which
	// is acceptable for long generations on slow hardware.
	ReadTimeoutSecs float64 `toml:"read_timeout_secs"`
}

// SamplingConfig contains model decoding parameters.
type SamplingConfig struct {
	Temperature float64 `toml:"temperature"`
	TopP        float64 `toml:"top_p"`
	TopK        int     `toml:"top_k"`
	// MaxTokens caps generation per user turn, shared across reconnects.
	MaxTokens int `toml:"max_tokens"`
	// Stop sequences passed through to the server.
	Stop []string `toml:"stop"`
	// CharsPerToken is the fixed ratio used for all token estimates.
	// An approximation, not a tokenizer.
	CharsPerToken int `toml:"chars_per_token"`
}

// PersonaConfig controls the assistant identity line.
type PersonaConfig struct {
	Name string `toml:"name"`
	Tone string `toml:"tone"`
}

// ToolsConfig controls tool availability and limits.
type ToolsConfig struct {
	// WebSearch enables the web_search tool.
	WebSearch bool `toml:"web_search"`
	// Files enables fs_list/fs_read/fs_write/fs_search.
	Files bool `toml:"files"`
	// FilesRoot is the sandbox root shown to the model. The backend enforces
	// the sandbox; this is informational for the prompt.
	FilesRoot string `toml:"files_root"`
	// FilesMaxBytes caps fs_read sizes advertised to the model.
	FilesMaxBytes int `toml:"files_max_bytes"`
	// Budget is the number of tool rounds allowed per user turn.
	Budget int `toml:"budget"`
}

// DisplayConfig controls presentation-side content filtering.
type DisplayConfig struct {
	// StripEmoji removes pictographic characters from display content.
	StripEmoji bool `toml:"strip_emoji"`
}

// DocsConfig controls attached-document embedding.
type DocsConfig struct {
	// MaxEmbedBytes is the largest document embedded verbatim into context.
	MaxEmbedBytes int `toml:"max_embed_bytes"`
	// WatchDebounceMs batches file-change events before re-reading.
	WatchDebounceMs int `toml:"watch_debounce_ms"`
}

// SessionConfig controls transcript persistence.
type SessionConfig struct {
	// Path is the SQLite database file. Empty means <config dir>/sessions.db.
	Path string `toml:"path"`
	// Autosave persists the conversation at the end of every turn.
	Autosave bool `toml:"autosave"`
	// MaxSessions caps stored sessions; oldest are pruned beyond it.
	MaxSessions int `toml:"max_sessions"`
}

// LogConfig controls engine logging.
type LogConfig struct {
	// Level is the minimum emitted level: trace, debug, info, warn, error.
	Level string `toml:"level"`
	// Pretty switches to the human console writer.
	Pretty bool `toml:"pretty"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			CompletionURL:      "http://127.0.0.1:8080",
			ToolsURL:           "http://127.0.0.1:8000",
			ConnectTimeoutSecs: 10,
			ReadTimeoutSecs:    300,
		},
		Sampling: SamplingConfig{
			Temperature: 0.7,
			TopP:        0.95,
			TopK:        40,
			MaxTokens:   1024,
			// The literal backslash form catches models that emit escaped
			// newlines before the turn marker.
			Stop:          []string{"USER:", "\\nUSER:", "<|user|>"},
			CharsPerToken: 4,
		},
		Persona: PersonaConfig{
			Name: "Assistant",
			Tone: "helpful",
		},
		Tools: ToolsConfig{
			WebSearch:     true,
			Files:         true,
			FilesRoot:     "",
			FilesMaxBytes: 200_000,
			Budget:        8,
		},
		Display: DisplayConfig{
			StripEmoji: false,
		},
		Docs: DocsConfig{
			MaxEmbedBytes:   200 * 1024,
			WatchDebounceMs: 500,
		},
		Session: SessionConfig{
			Path:        "",
			Autosave:    true,
			MaxSessions: 50,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigchat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigchat"), nil
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
	return os.MkdirAll(dir, 0700)
}

// SessionPath resolves the session database path, honoring the configured
// override.
func (c *Config) SessionPath() (string, error) {
	if c.Session.Path != "" {
		return c.Session.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// ensureSecurePermissions tightens config file permissions to 0600.
// SECURITY: the config may carry service URLs on non-loopback hosts.
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
// when absent. Environment overrides are applied after the file, validation
// last.
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

// LoadFromPath loads configuration from a specific file with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
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

// loadTOML decodes the file into cfg. Decoding into the default struct means
// absent keys keep their default values.
func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// fillDefaults restores defaults for fields a user explicitly blanked.
func (c *Config) fillDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Server.CompletionURL == "" {
		c.Server.CompletionURL = defaults.Server.CompletionURL
	}
	if c.Server.ToolsURL == "" {
		c.Server.ToolsURL = defaults.Server.ToolsURL
	}
	if c.Server.ConnectTimeoutSecs == 0 {
		c.Server.ConnectTimeoutSecs = defaults.Server.ConnectTimeoutSecs
	}
	if c.Sampling.MaxTokens == 0 {
		c.Sampling.MaxTokens = defaults.Sampling.MaxTokens
	}
	if c.Sampling.CharsPerToken <= 0 {
		c.Sampling.CharsPerToken = defaults.Sampling.CharsPerToken
	}
	if c.Persona.Name == "" {
		c.Persona.Name = defaults.Persona.Name
	}
	if c.Persona.Tone == "" {
		c.Persona.Tone = defaults.Persona.Tone
	}
	if c.Tools.FilesMaxBytes == 0 {
		c.Tools.FilesMaxBytes = defaults.Tools.FilesMaxBytes
	}
	if c.Tools.Budget == 0 {
		c.Tools.Budget = defaults.Tools.Budget
	}
	if c.Docs.MaxEmbedBytes == 0 {
		c.Docs.MaxEmbedBytes = defaults.Docs.MaxEmbedBytes
	}
	if c.Docs.WatchDebounceMs == 0 {
		c.Docs.WatchDebounceMs = defaults.Docs.WatchDebounceMs
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = defaults.Session.MaxSessions
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML saves the configuration to a TOML file.
// SECURITY: config files are created 0600 (owner read/write only) inside a
// 0700 directory; the write is atomic so a crash never leaves a torn config.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# rigchat configuration file")
	fmt.Fprintln(&buf, "# Generated by rigchat - edit with care")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
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
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns all field errors at once.
func (c *Config) Validate() error {
	var errs ValidateErrors

	for _, ep := range []struct {
		field string
		value string
	}{
		{"server.completion_url", c.Server.CompletionURL},
		{"server.tools_url", c.Server.ToolsURL},
	} {
		u, err := url.Parse(ep.value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   ep.field,
				Message: fmt.Sprintf("invalid URL %q", ep.value),
			})
		}
	}

	if c.Server.ConnectTimeoutSecs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.connect_timeout_secs",
			Message: "must be positive",
		})
	}
	if c.Server.ReadTimeoutSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout_secs",
			Message: "must be non-negative (0 = unbounded)",
		})
	}

	if c.Sampling.Temperature < 0 || c.Sampling.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "sampling.temperature",
			Message: fmt.Sprintf("must be 0.0-2.0, got %g", c.Sampling.Temperature),
		})
	}
	if c.Sampling.TopP <= 0 || c.Sampling.TopP > 1 {
		errs = append(errs, ValidationError{
			Field:   "sampling.top_p",
			Message: fmt.Sprintf("must be in (0.0, 1.0], got %g", c.Sampling.TopP),
		})
	}
	if c.Sampling.TopK < 0 {
		errs = append(errs, ValidationError{
			Field:   "sampling.top_k",
			Message: "must be non-negative",
		})
	}
	if c.Sampling.MaxTokens < 16 {
		errs = append(errs, ValidationError{
			Field:   "sampling.max_tokens",
			Message: fmt.Sprintf("must be at least 16, got %d", c.Sampling.MaxTokens),
		})
	}
	if c.Sampling.CharsPerToken < 1 {
		errs = append(errs, ValidationError{
			Field:   "sampling.chars_per_token",
			Message: "must be at least 1",
		})
	}

	if c.Tools.Budget < 1 || c.Tools.Budget > 32 {
		errs = append(errs, ValidationError{
			Field:   "tools.budget",
			Message: fmt.Sprintf("must be 1-32, got %d", c.Tools.Budget),
		})
	}
	if c.Tools.FilesMaxBytes < 10_000 || c.Tools.FilesMaxBytes > 10_000_000 {
		errs = append(errs, ValidationError{
			Field:   "tools.files_max_bytes",
			Message: fmt.Sprintf("must be 10000-10000000, got %d", c.Tools.FilesMaxBytes),
		})
	}

	if c.Docs.MaxEmbedBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "docs.max_embed_bytes",
			Message: "must be non-negative",
		})
	}

	if c.Session.MaxSessions < 1 || c.Session.MaxSessions > 1000 {
		errs = append(errs, ValidationError{
			Field:   "session.max_sessions",
			Message: fmt.Sprintf("must be 1-1000, got %d", c.Session.MaxSessions),
		})
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: trace, debug, info, warn, error", c.Log.Level),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - RIGCHAT_COMPLETION_URL: overrides server.completion_url
//   - RIGCHAT_TOOLS_URL: overrides server.tools_url
//   - RIGCHAT_FILES_ROOT: overrides tools.files_root
//   - RIGCHAT_TOOL_BUDGET: overrides tools.budget
//   - RIGCHAT_SESSION_PATH: overrides session.path
//   - RIGCHAT_STRIP_EMOJI: "1"/"true" enables display.strip_emoji
//   - RIGCHAT_LOG_LEVEL: overrides log.level
//   - RIGCHAT_LOG_PRETTY: "1"/"true" enables log.pretty
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGCHAT_COMPLETION_URL"); v != "" {
		c.Server.CompletionURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("RIGCHAT_TOOLS_URL"); v != "" {
		c.Server.ToolsURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("RIGCHAT_FILES_ROOT"); v != "" {
		c.Tools.FilesRoot = v
	}
	if v := os.Getenv("RIGCHAT_TOOL_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Tools.Budget = n
		}
	}
	if v := os.Getenv("RIGCHAT_SESSION_PATH"); v != "" {
		c.Session.Path = v
	}
	if v := os.Getenv("RIGCHAT_STRIP_EMOJI"); v != "" {
		c.Display.StripEmoji = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("RIGCHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RIGCHAT_LOG_PRETTY"); v != "" {
		c.Log.Pretty = v == "1" || strings.EqualFold(v, "true")
	}
}
