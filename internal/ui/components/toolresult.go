// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package components provides the visual UI components for the relay TUI.
package components

import (
	"fmt"
	"strings"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/ui/styles"
	"github.com/jeranaias/relay-tui/internal/util"
)

// =============================================================================
// TOOL CALL VIEW
// =============================================================================

// maxResultLines bounds how much of a tool result is shown inline.
const maxResultLines = 3

// ToolCallView displays a tool call and its result inside the transcript.
type ToolCallView struct {
	theme *styles.Theme
	width int
}

// NewToolCallView creates a new tool call view.
func NewToolCallView(theme *styles.Theme) *ToolCallView {
	return &ToolCallView{theme: theme}
}

// SetWidth sets the display width.
func (v *ToolCallView) SetWidth(width int) {
	v.width = width
}

// Render renders one tool call with a status icon, name, and a bounded
// preview of its result.
func (v *ToolCallView) Render(tc *model.ToolCall) string {
	if tc == nil {
		return ""
	}

	header := fmt.Sprintf("%s %s", toolStatusIcon(tc.Status), tc.Name)

	var sb strings.Builder
	switch tc.Status {
	case model.ToolRunning:
		sb.WriteString(v.theme.ToolRunning.Render(header))
	case model.ToolFailed:
		sb.WriteString(v.theme.ToolError.Render(header))
	case model.ToolCompleted:
		sb.WriteString(v.theme.ToolSuccess.Render(header))
	default:
		sb.WriteString(v.theme.ToolPending.Render(header))
	}

	if tc.Result != "" && tc.Status.Terminal() {
		sb.WriteString("\n")
		sb.WriteString(v.theme.ToolResult.Render(previewResult(tc.Result, v.width)))
	}
	return sb.String()
}

// previewResult truncates a result to a few lines that fit the width.
func previewResult(result string, width int) string {
	if width <= 4 {
		width = 80
	}
	lines := strings.Split(strings.TrimRight(result, "\n"), "\n")
	truncated := len(lines) > maxResultLines
	if truncated {
		lines = lines[:maxResultLines]
	}
	for i, line := range lines {
		lines[i] = "    " + util.TruncateWidth(line, width-4)
	}
	out := strings.Join(lines, "\n")
	if truncated {
		out += "\n    ..."
	}
	return out
}

// toolStatusIcon returns the icon for a tool call status (ASCII-compatible).
func toolStatusIcon(status model.ToolCallStatus) string {
	switch status {
	case model.ToolPending:
		return "[ ]"
	case model.ToolRunning:
		return "[>]"
	case model.ToolCompleted:
		return "[x]"
	case model.ToolFailed:
		return "[X]"
	case model.ToolCancelled:
		return "[-]"
	default:
		return "[?]"
	}
}
