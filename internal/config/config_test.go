// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
}

func TestDefault_Values(t *testing.T) {
	cfg := Default()

	if cfg.Server.CompletionURL != "http://127.0.0.1:8080" {
		t.Errorf("completion URL = %q", cfg.Server.CompletionURL)
	}
	if cfg.Server.ToolsURL != "http://127.0.0.1:8000" {
		t.Errorf("tools URL = %q", cfg.Server.ToolsURL)
	}
	if cfg.Sampling.Temperature != 0.7 || cfg.Sampling.TopP != 0.95 || cfg.Sampling.TopK != 40 {
		t.Errorf("sampling defaults = %+v", cfg.Sampling)
	}
	if cfg.Sampling.CharsPerToken != 4 {
		t.Errorf("chars_per_token = %d, want 4", cfg.Sampling.CharsPerToken)
	}
	if cfg.Tools.Budget != 8 {
		t.Errorf("tool budget = %d, want 8", cfg.Tools.Budget)
	}
	if !cfg.Tools.WebSearch || !cfg.Tools.Files {
		t.Error("tools should be enabled by default")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.CompletionURL = "not a url"
	cfg.Sampling.Temperature = 9
	cfg.Tools.Budget = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	verrs, ok := err.(ValidateErrors)
	if !ok {
		t.Fatalf("expected ValidateErrors, got %T", err)
	}
	if len(verrs) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(verrs), verrs)
	}
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero connect timeout", func(c *Config) { c.Server.ConnectTimeoutSecs = 0 }, "server.connect_timeout_secs"},
		{"negative read timeout", func(c *Config) { c.Server.ReadTimeoutSecs = -1 }, "server.read_timeout_secs"},
		{"top_p zero", func(c *Config) { c.Sampling.TopP = 0 }, "sampling.top_p"},
		{"max_tokens too small", func(c *Config) { c.Sampling.MaxTokens = 8 }, "sampling.max_tokens"},
		{"budget too large", func(c *Config) { c.Tools.Budget = 100 }, "tools.budget"},
		{"files max too small", func(c *Config) { c.Tools.FilesMaxBytes = 100 }, "tools.files_max_bytes"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err.Error(), tt.field)
			}
		})
	}
}

func TestLoadFromPath_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := Default()
	cfg.Persona.Name = "Rig"
	cfg.Tools.Budget = 4
	cfg.Sampling.Stop = []string{"USER:", "</s>"}
	if err := SaveTOML(cfg, path); err != nil {
		t.Fatalf("SaveTOML failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Persona.Name != "Rig" {
		t.Errorf("persona name = %q, want Rig", loaded.Persona.Name)
	}
	if loaded.Tools.Budget != 4 {
		t.Errorf("budget = %d, want 4", loaded.Tools.Budget)
	}
	if len(loaded.Sampling.Stop) != 2 || loaded.Sampling.Stop[0] != "USER:" {
		t.Errorf("stop sequences = %v", loaded.Sampling.Stop)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestLoadFromPath_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	partial := "[persona]\nname = \"Custom\"\n"
	if err := os.WriteFile(path, []byte(partial), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Persona.Name != "Custom" {
		t.Errorf("persona name = %q, want Custom", loaded.Persona.Name)
	}
	// Absent sections keep defaults.
	if loaded.Tools.Budget != 8 {
		t.Errorf("budget = %d, want default 8", loaded.Tools.Budget)
	}
	if !loaded.Tools.WebSearch {
		t.Error("web search should stay enabled when section absent")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RIGCHAT_COMPLETION_URL", "http://10.0.0.5:8080/")
	t.Setenv("RIGCHAT_TOOL_BUDGET", "3")
	t.Setenv("RIGCHAT_STRIP_EMOJI", "true")
	t.Setenv("RIGCHAT_LOG_LEVEL", "debug")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Server.CompletionURL != "http://10.0.0.5:8080" {
		t.Errorf("completion URL = %q (trailing slash should be trimmed)", cfg.Server.CompletionURL)
	}
	if cfg.Tools.Budget != 3 {
		t.Errorf("budget = %d, want 3", cfg.Tools.Budget)
	}
	if !cfg.Display.StripEmoji {
		t.Error("strip_emoji override not applied")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}
