// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for relay.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.relay/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/relay-tui/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relay configuration.
type Config struct {
	// Provider selects the active backend: "acp" or "openai".
	Provider string `toml:"provider" json:"provider"`

	// SystemPrompt is injected ahead of the conversation for backends that
	// accept one.
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`

	// Agent (subprocess backend) configuration
	Agent AgentConfig `toml:"agent" json:"agent"`

	// OpenAI-compatible HTTP backend configuration
	OpenAI OpenAIConfig `toml:"openai" json:"openai"`

	// Tool execution configuration
	Executor ExecutorConfig `toml:"executor" json:"executor"`

	// Text reveal pacing configuration
	Reveal RevealConfig `toml:"reveal" json:"reveal"`

	// Scroll follow behavior configuration
	Scroll ScrollConfig `toml:"scroll" json:"scroll"`

	// Persistence configuration
	Storage StorageConfig `toml:"storage" json:"storage"`
}

// AgentConfig describes how to launch the agent subprocess.
type AgentConfig struct {
	// Command is the agent binary to spawn.
	Command string `toml:"command" json:"command"`
	// Args are passed to the agent binary verbatim.
	Args []string `toml:"args" json:"args"`
	// WorkingDir is the subprocess working directory (empty = inherit).
	WorkingDir string `toml:"working_dir" json:"working_dir"`
}

// OpenAIConfig describes the OpenAI-compatible HTTP endpoint.
type OpenAIConfig struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string `toml:"base_url" json:"base_url"`
	// APIKey is sent as a bearer token.
	APIKey string `toml:"api_key" json:"api_key"`
	// Model is the model identifier sent with each request.
	Model string `toml:"model" json:"model"`
	// ChatPath overrides the completions path (default "/chat/completions").
	ChatPath string `toml:"chat_path" json:"chat_path"`
}

// ExecutorConfig bounds client-side tool execution.
type ExecutorConfig struct {
	// Concurrency is the maximum number of tool calls running at once.
	Concurrency int `toml:"concurrency" json:"concurrency"`
}

// RevealConfig tunes how streamed text is paced onto the screen.
type RevealConfig struct {
	// MinDelayMs is the minimum interval between reveal steps.
	MinDelayMs int `toml:"min_delay_ms" json:"min_delay_ms"`
	// ChunkFactor is the fraction of the backlog revealed per step.
	ChunkFactor float64 `toml:"chunk_factor" json:"chunk_factor"`
	// MaxPerStep caps the runes revealed in one step.
	MaxPerStep int `toml:"max_per_step" json:"max_per_step"`
}

// ScrollConfig tunes the follow-the-bottom scroll behavior.
type ScrollConfig struct {
	// ThrottleMs is the minimum interval between follow scrolls.
	ThrottleMs int `toml:"throttle_ms" json:"throttle_ms"`
	// SmoothDistance is the largest gap (in rows) still scrolled smoothly.
	SmoothDistance int `toml:"smooth_distance" json:"smooth_distance"`
	// BottomThreshold is how close (in rows) to the bottom counts as at it.
	BottomThreshold int `toml:"bottom_threshold" json:"bottom_threshold"`
}

// StorageConfig controls session persistence.
type StorageConfig struct {
	// Path is the snapshot database location (empty = ~/.relay/sessions.db).
	Path string `toml:"path" json:"path"`
	// SaveQuietMs is the debounce interval before a snapshot write.
	SaveQuietMs int `toml:"save_quiet_ms" json:"save_quiet_ms"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Provider: "openai",

		Agent: AgentConfig{
			Command: "",
			Args:    nil,
		},

		OpenAI: OpenAIConfig{
			BaseURL:  "http://127.0.0.1:11434/v1",
			Model:    "qwen2.5-coder:14b",
			ChatPath: "/chat/completions",
		},

		Executor: ExecutorConfig{
			Concurrency: 10,
		},

		Reveal: RevealConfig{
			MinDelayMs:  16,
			ChunkFactor: 0.25,
			MaxPerStep:  64,
		},

		Scroll: ScrollConfig{
			ThrottleMs:      200,
			SmoothDistance:  40,
			BottomThreshold: 2,
		},

		Storage: StorageConfig{
			SaveQuietMs: 200,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the relay configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".relay"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// StoragePath returns the snapshot database path, honoring the configured
// override.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// RevealMinDelay returns the reveal pacing interval as a duration.
func (c *Config) RevealMinDelay() time.Duration {
	return time.Duration(c.Reveal.MinDelayMs) * time.Millisecond
}

// ScrollThrottle returns the follow-scroll throttle as a duration.
func (c *Config) ScrollThrottle() time.Duration {
	return time.Duration(c.Scroll.ThrottleMs) * time.Millisecond
}

// SaveQuiet returns the snapshot debounce interval as a duration.
func (c *Config) SaveQuiet() time.Duration {
	return time.Duration(c.Storage.SaveQuietMs) * time.Millisecond
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions fixes permissions on config files. Config holds
// API keys, so anything other than 0600 is tightened.
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
// when it does not exist. Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := LoadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems; not fatal.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return fillDefaults(cfg)
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Provider == "" {
		cfg.Provider = defaults.Provider
	}

	if cfg.OpenAI.BaseURL == "" {
		cfg.OpenAI.BaseURL = defaults.OpenAI.BaseURL
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = defaults.OpenAI.Model
	}
	if cfg.OpenAI.ChatPath == "" {
		cfg.OpenAI.ChatPath = defaults.OpenAI.ChatPath
	}

	if cfg.Executor.Concurrency == 0 {
		cfg.Executor.Concurrency = defaults.Executor.Concurrency
	}

	if cfg.Reveal.MinDelayMs == 0 {
		cfg.Reveal.MinDelayMs = defaults.Reveal.MinDelayMs
	}
	if cfg.Reveal.ChunkFactor == 0 {
		cfg.Reveal.ChunkFactor = defaults.Reveal.ChunkFactor
	}
	if cfg.Reveal.MaxPerStep == 0 {
		cfg.Reveal.MaxPerStep = defaults.Reveal.MaxPerStep
	}

	if cfg.Scroll.ThrottleMs == 0 {
		cfg.Scroll.ThrottleMs = defaults.Scroll.ThrottleMs
	}
	if cfg.Scroll.SmoothDistance == 0 {
		cfg.Scroll.SmoothDistance = defaults.Scroll.SmoothDistance
	}
	if cfg.Scroll.BottomThreshold == 0 {
		cfg.Scroll.BottomThreshold = defaults.Scroll.BottomThreshold
	}

	if cfg.Storage.SaveQuietMs == 0 {
		cfg.Storage.SaveQuietMs = defaults.Storage.SaveQuietMs
	}

	return nil
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
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file with 0600 permissions.
// The write is atomic so a crash mid-save never leaves a truncated config.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# relay configuration file")
	fmt.Fprintln(&buf, "# Generated by relay - edit with care")
	fmt.Fprintln(&buf, "")

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// Tighten even if the file already existed with looser permissions.
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
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

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	validProviders := map[string]bool{"acp": true, "openai": true}
	if !validProviders[strings.ToLower(c.Provider)] {
		errs = append(errs, ValidationError{
			Field:   "provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: acp, openai", c.Provider),
		})
	}

	if strings.ToLower(c.Provider) == "acp" && c.Agent.Command == "" {
		errs = append(errs, ValidationError{
			Field:   "agent.command",
			Message: "agent command is required when provider is 'acp'",
		})
	}

	if c.OpenAI.BaseURL != "" {
		if u, err := url.Parse(c.OpenAI.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "openai.base_url",
				Message: fmt.Sprintf("invalid URL '%s'", c.OpenAI.BaseURL),
			})
		}
	}

	if c.Executor.Concurrency < 0 {
		errs = append(errs, ValidationError{
			Field:   "executor.concurrency",
			Message: "concurrency cannot be negative",
		})
	}

	if c.Reveal.ChunkFactor < 0 || c.Reveal.ChunkFactor > 1 {
		errs = append(errs, ValidationError{
			Field:   "reveal.chunk_factor",
			Message: fmt.Sprintf("chunk_factor must be within [0, 1], got %g", c.Reveal.ChunkFactor),
		})
	}
	if c.Reveal.MinDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "reveal.min_delay_ms",
			Message: "min_delay_ms cannot be negative",
		})
	}

	if c.Scroll.ThrottleMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "scroll.throttle_ms",
			Message: "throttle_ms cannot be negative",
		})
	}

	if c.Storage.SaveQuietMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.save_quiet_ms",
			Message: "save_quiet_ms cannot be negative",
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

// ApplyEnvOverrides applies RELAY_* environment variables on top of the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if provider := os.Getenv("RELAY_PROVIDER"); provider != "" {
		c.Provider = provider
	}
	if key := os.Getenv("RELAY_API_KEY"); key != "" {
		c.OpenAI.APIKey = key
	}
	if base := os.Getenv("RELAY_BASE_URL"); base != "" {
		c.OpenAI.BaseURL = base
	}
	if model := os.Getenv("RELAY_MODEL"); model != "" {
		c.OpenAI.Model = model
	}
	if command := os.Getenv("RELAY_AGENT_CMD"); command != "" {
		c.Agent.Command = command
	}
}

// =============================================================================
// GLOBAL CONFIG INSTANCE
// =============================================================================

var (
	globalConfig *Config
	globalMu     sync.RWMutex
)

// Global returns the global configuration instance, loading it on first use.
// Load failures fall back to defaults.
func Global() *Config {
	globalMu.RLock()
	if globalConfig != nil {
		defer globalMu.RUnlock()
		return globalConfig
	}
	globalMu.RUnlock()

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalConfig == nil {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		globalConfig = cfg
	}
	return globalConfig
}

// SetGlobal replaces the global configuration instance.
func SetGlobal(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting clears the global instance so tests start clean.
func ResetGlobalForTesting() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = nil
}
