// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package components provides the visual UI components for the relay TUI.
package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/ui/styles"
	"github.com/jeranaias/relay-tui/internal/util"
)

// ProviderIcons maps providers to display icons for the status bar.
var ProviderIcons = map[model.Provider]string{
	model.ProviderACP:    "@",
	model.ProviderOpenAI: "*",
}

// =============================================================================
// STATUS BAR COMPONENT
// =============================================================================

// Status represents the current application status.
type Status int

const (
	StatusReady Status = iota
	StatusStreaming
	StatusRunningTools
	StatusError
)

// String returns the display string for the status.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "Ready"
	case StatusStreaming:
		return "Streaming..."
	case StatusRunningTools:
		return "Running tools..."
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// StatusBar renders the bottom status bar.
type StatusBar struct {
	theme *styles.Theme
	width int
}

// NewStatusBar creates a new status bar component.
func NewStatusBar(theme *styles.Theme) *StatusBar {
	return &StatusBar{theme: theme}
}

// SetWidth sets the render width.
func (b *StatusBar) SetWidth(width int) {
	b.width = width
}

// Render renders the status bar line.
func (b *StatusBar) Render(provider model.Provider, modelName string, connected bool, status Status, notice string) string {
	var parts []string

	icon := ProviderIcons[provider]
	if icon == "" {
		icon = "?"
	}
	parts = append(parts, fmt.Sprintf("%s %s", icon, provider))

	if modelName != "" {
		parts = append(parts, modelName)
	}

	if connected {
		parts = append(parts, b.theme.Connected.Render("connected"))
	} else {
		parts = append(parts, b.theme.Disconnected.Render("disconnected"))
	}

	parts = append(parts, status.String())

	if notice != "" {
		parts = append(parts, b.theme.RetryNotice.Render(util.TruncateRunes(notice, 64)))
	}

	line := strings.Join(parts, " | ")
	if b.width > 0 {
		return b.theme.StatusBar.Width(b.width).Render(line)
	}
	return b.theme.StatusBar.Render(line)
}

// RenderShortcuts renders a compact shortcut hint line.
func (b *StatusBar) RenderShortcuts(pairs [][2]string) string {
	var sb strings.Builder
	for i, p := range pairs {
		if i > 0 {
			sb.WriteString("  ")
		}
		sb.WriteString(b.theme.ShortcutKey.Render(p[0]))
		sb.WriteString(" ")
		sb.WriteString(b.theme.ShortcutDesc.Render(p[1]))
	}
	return lipgloss.NewStyle().Render(sb.String())
}
