// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for relay.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - AgentConfig: Agent subprocess backend settings
//   - OpenAIConfig: OpenAI-compatible HTTP backend settings
//   - RevealConfig, ScrollConfig: Streaming presentation tuning
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RELAY_*)
//   - ~/.relay/config.toml
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	provider := cfg.Provider
//	model := cfg.OpenAI.Model
package config
