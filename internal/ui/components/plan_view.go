// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package components provides the visual UI components for the relay TUI.
package components

import (
	"fmt"
	"strings"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/ui/styles"
)

// =============================================================================
// PLAN VIEW COMPONENT
// =============================================================================

// PlanView renders the agent's current plan for display in the TUI.
type PlanView struct {
	theme *styles.Theme
	width int
}

// NewPlanView creates a new plan view component.
func NewPlanView(theme *styles.Theme) *PlanView {
	return &PlanView{theme: theme}
}

// SetWidth updates the render width of the plan view.
func (pv *PlanView) SetWidth(width int) {
	pv.width = width
}

// Render renders the plan entries.
func (pv *PlanView) Render(entries []model.PlanEntry) string {
	if len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(pv.theme.PlanTitle.Render("Plan"))
	sb.WriteString("\n")

	for i, e := range entries {
		sb.WriteString(pv.renderEntry(i+1, e))
		if i < len(entries)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// renderEntry renders a single plan entry line.
func (pv *PlanView) renderEntry(num int, e model.PlanEntry) string {
	icon := statusIcon(e.Status)
	line := fmt.Sprintf("  %s %d. %s", icon, num, e.Content)

	var style = pv.theme.PlanPending
	switch e.Status {
	case model.PlanInProgress:
		style = pv.theme.PlanActive
	case model.PlanCompleted:
		style = pv.theme.PlanDone
	}

	rendered := style.Render(line)
	if e.Priority == model.PriorityHigh {
		rendered += " " + pv.theme.PlanPriority.Render("(high)")
	}
	return rendered
}

// statusIcon returns the icon for an entry status (ASCII-compatible).
func statusIcon(status model.PlanEntryStatus) string {
	switch status {
	case model.PlanPending:
		return "[ ]"
	case model.PlanInProgress:
		return "[>]"
	case model.PlanCompleted:
		return "[x]"
	default:
		return "[?]"
	}
}

// RenderCompactProgress renders a compact one-line progress indicator.
func RenderCompactProgress(theme *styles.Theme, entries []model.PlanEntry) string {
	if len(entries) == 0 {
		return ""
	}
	done := 0
	current := ""
	for _, e := range entries {
		if e.Status == model.PlanCompleted {
			done++
		}
		if current == "" && e.Status == model.PlanInProgress {
			current = e.Content
		}
	}
	s := fmt.Sprintf("Plan: %d/%d", done, len(entries))
	if current != "" {
		s += " - " + current
	}
	return theme.PlanActive.Render(s)
}
