// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides shared helpers for the relay application:
// width-aware string truncation for terminal rendering, and crash-safe
// atomic file writes used by the config layer.
package util
