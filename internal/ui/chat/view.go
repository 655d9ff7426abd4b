// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view for the relay TUI.
//
// This file contains the rendering code.
package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/ui/components"
)

// Fixed chrome heights used by the resize math.
const (
	headerHeight = 2
	statusHeight = 1
	helpHeight   = 4
)

// =============================================================================
// TOP-LEVEL VIEW
// =============================================================================

// View renders the full chat screen.
func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if plan := m.planLine(); plan != "" {
		b.WriteString(plan)
		b.WriteString("\n")
	}
	b.WriteString(m.renderInput())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	if m.showHelp {
		b.WriteString("\n")
		b.WriteString(m.renderHelp())
	}
	return b.String()
}

// renderHeader shows the session title and the backend it talks to.
func (m *Model) renderHeader() string {
	sess := m.engine.ActiveSession()
	title := "relay"
	subtitle := ""
	if sess != nil {
		title = sess.Title
		subtitle = fmt.Sprintf("%s · %s", sess.Provider, m.modelName(sess.Provider))
		if n := len(m.engine.Sessions()); n > 1 {
			subtitle += fmt.Sprintf(" · %d sessions", n)
		}
	}
	line := lipgloss.JoinHorizontal(lipgloss.Left,
		m.theme.HeaderTitle.Render(title),
		"  ",
		m.theme.HeaderSubtitle.Render(subtitle),
	)
	return m.theme.Header.Width(m.width).Render(line)
}

// planLine renders the compact plan progress, or "" when the session has
// no plan.
func (m *Model) planLine() string {
	sess := m.engine.ActiveSession()
	if sess == nil || len(sess.Plan) == 0 {
		return ""
	}
	return components.RenderCompactProgress(m.theme, sess.Plan)
}

func (m *Model) renderInput() string {
	return m.theme.InputContainer.Width(m.width - 2).Render(m.input.View())
}

func (m *Model) renderStatusBar() string {
	sess := m.engine.ActiveSession()
	p := model.ProviderOpenAI
	if sess != nil {
		p = sess.Provider
	}
	notice := m.notice
	if m.errText != "" {
		notice = m.errText
	}
	return m.statusBar.Render(p, m.modelName(p), m.engine.Connected(), m.status(), notice)
}

func (m *Model) renderHelp() string {
	var pairs [][2]string
	for _, row := range m.keyMap.FullHelp() {
		for _, binding := range row {
			h := binding.Help()
			pairs = append(pairs, [2]string{h.Key, h.Desc})
		}
	}
	return m.statusBar.RenderShortcuts(pairs)
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// renderTranscript renders every message of the active session.
func (m *Model) renderTranscript() string {
	sess := m.engine.ActiveSession()
	if sess == nil || len(sess.Messages) == 0 {
		return m.theme.ThinkingText.Render("No messages yet. Type below to start.")
	}

	var sections []string
	for _, msg := range sess.Messages {
		sections = append(sections, m.renderMessage(msg))
	}
	return strings.Join(sections, "\n\n")
}

// renderMessage renders one message: role label, then the ordered
// timeline of reasoning and tool calls, then the message text.
func (m *Model) renderMessage(msg *model.ChatMessage) string {
	var b strings.Builder
	b.WriteString(m.roleLabel(msg))
	b.WriteString("\n")

	for _, block := range msg.Timeline {
		switch block.Type {
		case model.BlockReasoning:
			if block.Content != "" {
				b.WriteString(m.theme.Reasoning.Render(block.Content))
				b.WriteString("\n")
			}
		case model.BlockToolCall:
			if tc := msg.ToolCall(block.ToolCallID); tc != nil {
				b.WriteString(m.toolView.Render(tc))
				b.WriteString("\n")
			}
		}
	}

	if body := m.renderBody(msg); body != "" {
		b.WriteString(body)
	}

	switch msg.Status {
	case model.StatusError:
		b.WriteString("\n")
		b.WriteString(m.theme.ErrorText.Render("error: " + msg.ErrorMessage))
	case model.StatusCancelled:
		b.WriteString("\n")
		b.WriteString(m.theme.CancelledText.Render("(cancelled)"))
	}
	return b.String()
}

func (m *Model) roleLabel(msg *model.ChatMessage) string {
	switch msg.Role {
	case model.RoleUser:
		return m.theme.UserLabel.Render("You")
	case model.RoleAssistant:
		label := m.theme.AssistantLabel.Render("Assistant")
		if msg.Status == model.StatusStreaming || msg.Status == model.StatusPending {
			label += " " + m.spin.View()
		}
		return label
	default:
		return m.theme.SystemLabel.Render("System")
	}
}

// renderBody renders the message text. The streaming message shows only
// the paced prefix; settled messages go through the markdown renderer.
func (m *Model) renderBody(msg *model.ChatMessage) string {
	if msg.ID == m.revealMsgID && !m.reveal.Done() {
		return m.theme.MessageBody.Render(m.reveal.Displayed())
	}
	if msg.Status == model.StatusStreaming {
		return m.theme.MessageBody.Render(msg.Content)
	}
	if msg.Content == "" {
		return ""
	}
	if msg.Role == model.RoleAssistant {
		if r := m.renderer(m.width - 4); r != nil {
			if out, err := r.Render(msg.Content); err == nil {
				return strings.TrimRight(out, "\n")
			}
		}
	}
	return m.theme.MessageBody.Render(msg.Content)
}
