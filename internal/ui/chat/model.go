// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view for the relay TUI.
package chat

import (
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/relay-tui/internal/config"
	"github.com/jeranaias/relay-tui/internal/engine"
	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/reveal"
	"github.com/jeranaias/relay-tui/internal/scroll"
	"github.com/jeranaias/relay-tui/internal/ui/components"
	"github.com/jeranaias/relay-tui/internal/ui/styles"
)

// =============================================================================
// CHAT MODEL
// =============================================================================

// Model is the Bubble Tea model for the chat view. It owns no chat state
// of its own: the engine is the source of truth, and the model re-reads
// the active session on every update notification.
type Model struct {
	// Engine wiring
	engine  *engine.Orchestrator
	subID   int
	updates <-chan engine.Update

	// Styling
	theme *styles.Theme
	cfg   *config.Config

	// Dimensions
	width  int
	height int
	ready  bool

	// Widgets
	viewport  viewport.Model
	input     textarea.Model
	spin      spinner.Model
	statusBar *components.StatusBar
	planView  *components.PlanView
	toolView  *components.ToolCallView
	keyMap    KeyMap

	// Presentation state
	reveal      *reveal.Scheduler
	stick       *scroll.Controller
	revealMsgID string
	notice      string
	errText     string
	showHelp    bool

	// Markdown renderer, cached per wrap width.
	mdRenderer *glamour.TermRenderer
	mdWidth    int
}

// New creates a chat model bound to the engine. The caller owns the
// engine's lifetime; Close the model before closing the engine.
func New(eng *engine.Orchestrator, cfg *config.Config, theme *styles.Theme) *Model {
	subID, updates := eng.Subscribe()

	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.Prompt = "> "
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Spinner{
		Frames: styles.LineSpinner.Frames,
		FPS:    styles.LineSpinner.Duration(),
	}
	sp.Style = theme.Spinner

	return &Model{
		engine:    eng,
		subID:     subID,
		updates:   updates,
		theme:     theme,
		cfg:       cfg,
		input:     ta,
		spin:      sp,
		statusBar: components.NewStatusBar(theme),
		planView:  components.NewPlanView(theme),
		toolView:  components.NewToolCallView(theme),
		keyMap:    DefaultKeyMap(),
		reveal: reveal.NewScheduler(reveal.Options{
			MinDelay:    cfg.RevealMinDelay(),
			ChunkFactor: cfg.Reveal.ChunkFactor,
			MaxPerStep:  cfg.Reveal.MaxPerStep,
		}),
		stick: scroll.NewController(scroll.Options{
			Throttle:        cfg.ScrollThrottle(),
			SmoothDistance:  cfg.Scroll.SmoothDistance,
			BottomThreshold: cfg.Scroll.BottomThreshold,
		}),
	}
}

// Init starts the spinner, the cursor blink, and the engine update pump.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, textarea.Blink, waitForUpdate(m.updates))
}

// Close releases the engine subscription.
func (m *Model) Close() {
	m.engine.Unsubscribe(m.subID)
}

// status derives the status-bar state from the engine and the active
// session.
func (m *Model) status() components.Status {
	if m.errText != "" {
		return components.StatusError
	}
	if !m.engine.TurnInFlight() {
		return components.StatusReady
	}
	sess := m.engine.ActiveSession()
	if sess != nil {
		if msg := sess.LastMessage(); msg != nil {
			for _, tc := range msg.ToolCalls {
				if tc.Status == model.ToolPending || tc.Status == model.ToolRunning {
					return components.StatusRunningTools
				}
			}
		}
	}
	return components.StatusStreaming
}

// modelName returns the display name for the active backend.
func (m *Model) modelName(p model.Provider) string {
	if p == model.ProviderACP {
		return m.cfg.Agent.Command
	}
	return m.cfg.OpenAI.Model
}

// renderer returns a markdown renderer for the given wrap width,
// rebuilding the cached one only when the width changes.
func (m *Model) renderer(width int) *glamour.TermRenderer {
	if m.mdRenderer != nil && m.mdWidth == width {
		return m.mdRenderer
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	m.mdRenderer = r
	m.mdWidth = width
	return r
}
