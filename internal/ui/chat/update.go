// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view for the relay TUI.
//
// This file contains the Bubble Tea update loop and its commands.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/relay-tui/internal/engine"
	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/reveal"
	"github.com/jeranaias/relay-tui/internal/scroll"
)

// revealFrame is how often the view advances paced text. Sixty-ish FPS;
// the scheduler's own MinDelay gates the actual reveal rate.
const revealFrame = 16 * time.Millisecond

// =============================================================================
// COMMANDS
// =============================================================================

// waitForUpdate blocks on the engine subscription and converts the next
// notification into a Bubble Tea message.
func waitForUpdate(ch <-chan engine.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return EngineClosedMsg{}
		}
		return EngineUpdateMsg{Update: u}
	}
}

// sendCmd submits a prompt off the update loop. Send can block on
// adapter startup (spawning the agent subprocess), so it must not run
// inline.
func sendCmd(eng *engine.Orchestrator, text string) tea.Cmd {
	return func() tea.Msg {
		if err := eng.Send(context.Background(), text, nil); err != nil {
			return SendErrorMsg{Err: err}
		}
		return nil
	}
}

// revealTickCmd schedules the next reveal frame.
func revealTickCmd() tea.Cmd {
	return tea.Tick(revealFrame, func(t time.Time) tea.Msg {
		return RevealTickMsg{Time: t}
	})
}

// =============================================================================
// UPDATE LOOP
// =============================================================================

// Update handles incoming messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		m.refreshTranscript(true)

	case tea.KeyMsg:
		cmd, handled := m.handleKey(msg)
		if handled {
			return m, cmd
		}
		var taCmd tea.Cmd
		m.input, taCmd = m.input.Update(msg)
		cmds = append(cmds, taCmd)

	case tea.MouseMsg:
		cmds = append(cmds, m.handleMouse(msg))

	case EngineUpdateMsg:
		cmds = append(cmds, m.handleEngineUpdate(msg.Update)...)
		cmds = append(cmds, waitForUpdate(m.updates))

	case EngineClosedMsg:
		return m, tea.Quit

	case RevealTickMsg:
		if m.reveal.Advance() {
			m.refreshTranscript(false)
		}
		if !m.reveal.Done() {
			cmds = append(cmds, revealTickCmd())
		}

	case SendErrorMsg:
		m.errText = msg.Err.Error()

	case ActionErrorMsg:
		m.errText = msg.Err.Error()

	case spinner.TickMsg:
		var spinCmd tea.Cmd
		m.spin, spinCmd = m.spin.Update(msg)
		cmds = append(cmds, spinCmd)
	}

	return m, tea.Batch(cmds...)
}

// handleKey processes a key press. It returns handled=false for keys the
// textarea should receive.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keyMap.Quit):
		return tea.Quit, true

	case key.Matches(msg, m.keyMap.Cancel):
		if m.engine.TurnInFlight() {
			m.engine.CancelTurn(context.Background())
			return nil, true
		}
		m.errText = ""
		m.notice = ""
		return nil, true

	case key.Matches(msg, m.keyMap.Submit):
		return m.submit(), true

	case key.Matches(msg, m.keyMap.Help):
		m.showHelp = !m.showHelp
		m.resize(m.width, m.height)
		m.refreshTranscript(true)
		return nil, true

	case key.Matches(msg, m.keyMap.NewSession):
		p := model.ProviderOpenAI
		if sess := m.engine.ActiveSession(); sess != nil {
			p = sess.Provider
		}
		m.engine.NewSession(p)
		m.reveal.Reset()
		m.revealMsgID = ""
		m.refreshTranscript(true)
		return nil, true

	case key.Matches(msg, m.keyMap.NextSession):
		return m.cycleSession(), true

	case key.Matches(msg, m.keyMap.DeleteSession):
		sess := m.engine.ActiveSession()
		if sess == nil {
			return nil, true
		}
		if err := m.engine.DeleteSession(context.Background(), sess.ID); err != nil {
			m.errText = err.Error()
		}
		m.reveal.Reset()
		m.revealMsgID = ""
		m.refreshTranscript(true)
		return nil, true

	case key.Matches(msg, m.keyMap.SwitchProvider):
		return m.toggleProvider(), true

	case key.Matches(msg, m.keyMap.PageUp):
		m.viewport.ViewUp()
		m.stick.UserScrolled(m.distanceFromBottom())
		return nil, true

	case key.Matches(msg, m.keyMap.PageDown):
		m.viewport.ViewDown()
		m.stick.UserScrolled(m.distanceFromBottom())
		return nil, true

	case key.Matches(msg, m.keyMap.Top):
		m.viewport.GotoTop()
		m.stick.UserScrolled(m.distanceFromBottom())
		return nil, true

	case key.Matches(msg, m.keyMap.Bottom):
		m.viewport.GotoBottom()
		m.stick.ForceBottom(0)
		return nil, true
	}
	return nil, false
}

// handleMouse routes wheel events through the stick controller so a
// scroll-up detaches the view from the bottom.
func (m *Model) handleMouse(msg tea.MouseMsg) tea.Cmd {
	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.LineUp(3)
		m.stick.WheelUp()
	case tea.MouseButtonWheelDown:
		m.viewport.LineDown(3)
		m.stick.UserScrolled(m.distanceFromBottom())
	}
	return nil
}

// submit sends the composed input as a new prompt.
func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	if m.engine.TurnInFlight() {
		m.notice = "a turn is already running (Esc to cancel)"
		return nil
	}
	m.input.Reset()
	m.errText = ""
	m.notice = ""
	return sendCmd(m.engine, text)
}

// cycleSession activates the next session in the list.
func (m *Model) cycleSession() tea.Cmd {
	sessions := m.engine.Sessions()
	if len(sessions) < 2 {
		return nil
	}
	active := m.engine.ActiveSession()
	next := sessions[0]
	for i, s := range sessions {
		if active != nil && s.ID == active.ID {
			next = sessions[(i+1)%len(sessions)]
			break
		}
	}
	if err := m.engine.SelectSession(context.Background(), next.ID); err != nil {
		m.errText = err.Error()
	}
	m.reveal.Reset()
	m.revealMsgID = ""
	m.refreshTranscript(true)
	return nil
}

// toggleProvider flips the active session between the two backends.
func (m *Model) toggleProvider() tea.Cmd {
	sess := m.engine.ActiveSession()
	if sess == nil {
		return nil
	}
	target := model.ProviderACP
	if sess.Provider == model.ProviderACP {
		target = model.ProviderOpenAI
	}
	eng := m.engine
	return func() tea.Msg {
		if err := eng.SwitchProvider(context.Background(), target); err != nil {
			return ActionErrorMsg{Err: err}
		}
		return nil
	}
}

// handleEngineUpdate applies one engine notification to the view.
func (m *Model) handleEngineUpdate(u engine.Update) []tea.Cmd {
	var cmds []tea.Cmd

	switch u.Kind {
	case engine.UpdateSessions:
		m.refreshTranscript(true)

	case engine.UpdateMessage, engine.UpdateToolCall, engine.UpdatePlan:
		if cmd := m.trackStreaming(); cmd != nil {
			cmds = append(cmds, cmd)
		}
		m.refreshTranscript(false)

	case engine.UpdateRetry:
		m.notice = u.Notice

	case engine.UpdateTurnEnded:
		m.notice = ""
		m.reveal.Finish(reveal.Progressive)
		if !m.reveal.Done() {
			cmds = append(cmds, revealTickCmd())
		}
		m.refreshTranscript(false)
	}
	return cmds
}

// trackStreaming points the reveal scheduler at the currently streaming
// message, resetting it when a new message starts.
func (m *Model) trackStreaming() tea.Cmd {
	sess := m.engine.ActiveSession()
	if sess == nil {
		return nil
	}
	streaming := sess.StreamingMessage()
	if streaming == nil {
		return nil
	}
	if streaming.ID != m.revealMsgID {
		m.reveal.Reset()
		m.revealMsgID = streaming.ID
	}
	m.reveal.SetTarget(streaming.Content)
	if !m.reveal.Done() {
		return revealTickCmd()
	}
	return nil
}

// refreshTranscript re-renders the viewport content and follows the
// bottom when the stick controller says to.
func (m *Model) refreshTranscript(force bool) {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderTranscript())
	if force {
		m.viewport.GotoBottom()
		m.stick.ForceBottom(0)
		return
	}
	switch m.stick.ContentGrew(m.distanceFromBottom()) {
	case scroll.Eased, scroll.Instant:
		m.viewport.GotoBottom()
	case scroll.None:
	}
}

func (m *Model) distanceFromBottom() int {
	return m.viewport.TotalLineCount() - (m.viewport.YOffset + m.viewport.Height)
}

// resize recomputes the widget layout for a new terminal size.
func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height
	m.theme.SetSize(width, height)
	m.statusBar.SetWidth(width)
	m.planView.SetWidth(width)
	m.toolView.SetWidth(width)

	inputHeight := m.input.Height() + 2
	chromeHeight := headerHeight + inputHeight + statusHeight
	if m.planLine() != "" {
		chromeHeight++
	}
	if m.showHelp {
		chromeHeight += helpHeight
	}
	vpHeight := height - chromeHeight
	if vpHeight < 1 {
		vpHeight = 1
	}

	if !m.ready {
		m.viewport = viewport.New(width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vpHeight
	}
	m.input.SetWidth(width - 4)

	// Wrap width changed, drop the cached markdown renderer.
	m.mdRenderer = nil
}
