// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if cfg.Provider != "openai" {
		t.Errorf("default provider = %q", cfg.Provider)
	}
	if cfg.Executor.Concurrency != 10 {
		t.Errorf("default concurrency = %d", cfg.Executor.Concurrency)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "unknown provider",
			mutate: func(c *Config) { c.Provider = "claude" },
			field:  "provider",
		},
		{
			name: "acp without command",
			mutate: func(c *Config) {
				c.Provider = "acp"
				c.Agent.Command = ""
			},
			field: "agent.command",
		},
		{
			name:   "bad base url",
			mutate: func(c *Config) { c.OpenAI.BaseURL = "not a url" },
			field:  "openai.base_url",
		},
		{
			name:   "negative concurrency",
			mutate: func(c *Config) { c.Executor.Concurrency = -1 },
			field:  "executor.concurrency",
		},
		{
			name:   "chunk factor out of range",
			mutate: func(c *Config) { c.Reveal.ChunkFactor = 1.5 },
			field:  "reveal.chunk_factor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() accepted bad config")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name field %q", err, tt.field)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Provider = "acp"
	cfg.Agent.Command = "my-agent"
	cfg.Agent.Args = []string{"--serve"}
	cfg.OpenAI.Model = "llama3:8b"
	cfg.Reveal.MaxPerStep = 32

	if err := SaveTOML(cfg, path); err != nil {
		t.Fatalf("SaveTOML: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file permissions = %o, want 0600", perm)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if loaded.Provider != "acp" || loaded.Agent.Command != "my-agent" {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.Agent.Args) != 1 || loaded.Agent.Args[0] != "--serve" {
		t.Errorf("args = %v", loaded.Agent.Args)
	}
	if loaded.OpenAI.Model != "llama3:8b" {
		t.Errorf("model = %q", loaded.OpenAI.Model)
	}
	if loaded.Reveal.MaxPerStep != 32 {
		t.Errorf("max_per_step = %d", loaded.Reveal.MaxPerStep)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	partial := `
provider = "openai"

[openai]
base_url = "https://api.example.com/v1"
api_key = "sk-test"
`
	if err := os.WriteFile(path, []byte(partial), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.OpenAI.BaseURL != "https://api.example.com/v1" {
		t.Errorf("base url = %q", cfg.OpenAI.BaseURL)
	}
	if cfg.OpenAI.Model == "" {
		t.Error("model default not filled")
	}
	if cfg.OpenAI.ChatPath != "/chat/completions" {
		t.Errorf("chat path = %q", cfg.OpenAI.ChatPath)
	}
	if cfg.Reveal.MinDelayMs != 16 || cfg.Scroll.ThrottleMs != 200 {
		t.Error("presentation defaults not filled")
	}
	if cfg.Storage.SaveQuietMs != 200 {
		t.Errorf("save_quiet_ms = %d", cfg.Storage.SaveQuietMs)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_PROVIDER", "acp")
	t.Setenv("RELAY_API_KEY", "sk-env")
	t.Setenv("RELAY_MODEL", "mistral:7b")
	t.Setenv("RELAY_AGENT_CMD", "env-agent")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Provider != "acp" {
		t.Errorf("provider = %q", cfg.Provider)
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.OpenAI.APIKey)
	}
	if cfg.OpenAI.Model != "mistral:7b" {
		t.Errorf("model = %q", cfg.OpenAI.Model)
	}
	if cfg.Agent.Command != "env-agent" {
		t.Errorf("agent command = %q", cfg.Agent.Command)
	}
}

func TestStoragePathOverride(t *testing.T) {
	cfg := Default()
	cfg.Storage.Path = "/tmp/custom.db"
	path, err := cfg.StoragePath()
	if err != nil {
		t.Fatalf("StoragePath: %v", err)
	}
	if path != "/tmp/custom.db" {
		t.Errorf("path = %q", path)
	}

	cfg.Storage.Path = ""
	path, err = cfg.StoragePath()
	if err != nil {
		t.Fatalf("StoragePath: %v", err)
	}
	if filepath.Base(path) != "sessions.db" {
		t.Errorf("default path = %q", path)
	}
}

// TestConfig_ConcurrentAccess tests that Global() and SetGlobal() can be
// safely called concurrently without race conditions.
// Run with: go test -race -v ./internal/config/
func TestConfig_ConcurrentAccess(t *testing.T) {
	ResetGlobalForTesting()
	t.Cleanup(ResetGlobalForTesting)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetGlobal(Default())
		}()
		go func() {
			defer wg.Done()
			if Global() == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}
