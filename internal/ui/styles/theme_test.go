// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the relay TUI.
package styles

import (
	"testing"
)

func TestNewTheme(t *testing.T) {
	theme := NewTheme()
	if theme == nil {
		t.Fatal("NewTheme() returned nil")
	}

	// Verify styles are initialized by rendering a test string.
	if theme.App.Render("test") == "" {
		t.Error("NewTheme() should initialize App style")
	}
	if theme.UserLabel.Render("you") == "" {
		t.Error("NewTheme() should initialize UserLabel style")
	}
	if theme.ToolSuccess.Render("ok") == "" {
		t.Error("NewTheme() should initialize ToolSuccess style")
	}
}

func TestThemeSetSize(t *testing.T) {
	theme := NewTheme()
	theme.SetSize(120, 40)
	if theme.Width != 120 || theme.Height != 40 {
		t.Errorf("SetSize = %dx%d", theme.Width, theme.Height)
	}
}
