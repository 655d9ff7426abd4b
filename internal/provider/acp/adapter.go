// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package acp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/provider"
)

// =============================================================================
// ADAPTER CONFIG
// =============================================================================

// Config holds the agent subprocess configuration.
type Config struct {
	// Command is the agent executable.
	Command string
	// Args are extra arguments passed to the agent.
	Args []string
	// WorkingDir is the directory sessions are rooted at.
	WorkingDir string
}

// =============================================================================
// ADAPTER TYPE
// =============================================================================

// Adapter drives one agent subprocess and normalizes its session/update
// notifications into the shared event vocabulary.
type Adapter struct {
	mu sync.Mutex

	cfg    Config
	client *Client
	events chan provider.Event

	// activeSession is the remote session id events are accepted for;
	// pushes for any other session are dropped.
	activeSession string
	connected     bool
	// loadSession records whether the handshake advertised the
	// session/load capability.
	loadSession bool
}

// New creates an adapter for the given agent configuration.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		events: make(chan provider.Event, 256),
	}
}

// Events implements provider.Adapter.
func (a *Adapter) Events() <-chan provider.Event {
	return a.events
}

// Connected implements provider.Adapter.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && a.client != nil && a.client.Running()
}

// Initialize spawns the agent process, performs the handshake, and starts
// the normalization pump.
func (a *Adapter) Initialize(ctx context.Context) (*provider.InitResult, error) {
	a.mu.Lock()
	if a.client != nil {
		a.mu.Unlock()
		return nil, errors.New("adapter already initialized")
	}
	client := NewClient()
	a.client = client
	a.mu.Unlock()

	if err := client.Start(ctx, a.cfg.Command, a.cfg.Args, a.cfg.WorkingDir); err != nil {
		return nil, err
	}

	result, err := client.Initialize(ctx)
	if err != nil {
		client.Stop()
		return nil, fmt.Errorf("agent handshake failed: %w", err)
	}

	a.mu.Lock()
	a.connected = true
	a.loadSession = result.AgentCaps.LoadSession
	a.mu.Unlock()

	go a.pump(client)

	init := &provider.InitResult{
		ProtocolVersion: result.ProtocolVersion,
		LoadSession:     result.AgentCaps.LoadSession,
	}
	for _, m := range result.AuthMethods {
		init.AuthMethods = append(init.AuthMethods, provider.AuthMethod{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
		})
	}
	return init, nil
}

// Authenticate implements provider.Adapter.
func (a *Adapter) Authenticate(ctx context.Context, methodID string) error {
	client, err := a.running()
	if err != nil {
		return err
	}
	if methodID == "" {
		return nil
	}
	return client.Authenticate(ctx, methodID)
}

// EnsureSession binds the adapter to the given session, loading the remote
// session if the agent still has it and creating a fresh one otherwise.
// A session the adapter is already bound to returns immediately: re-loading
// would replay the agent's stored history through the notification channel
// into the live turn.
func (a *Adapter) EnsureSession(ctx context.Context, s *model.ChatSession) (string, error) {
	client, err := a.running()
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	bound := a.activeSession
	canLoad := a.loadSession
	a.mu.Unlock()

	if s.RemoteSessionID != "" && bound == s.RemoteSessionID {
		return s.RemoteSessionID, nil
	}

	// session/load is optional; agents that never advertised it get a
	// fresh session rather than a guaranteed-failing load call.
	if s.RemoteSessionID != "" && canLoad {
		if err := client.LoadSession(ctx, s.RemoteSessionID, a.cfg.WorkingDir); err == nil {
			a.setActiveSession(s.RemoteSessionID)
			return s.RemoteSessionID, nil
		}
		// Remote session is gone; fall through and create a new one.
	}

	remoteID, err := client.NewSession(ctx, a.cfg.WorkingDir)
	if err != nil {
		return "", fmt.Errorf("failed to create agent session: %w", err)
	}
	a.setActiveSession(remoteID)
	return remoteID, nil
}

// SendPrompt implements provider.Adapter. Context items are folded into a
// leading text block so the agent sees them ahead of the user's words.
func (a *Adapter) SendPrompt(ctx context.Context, sessionID string, blocks []provider.ContentBlock, contextItems []provider.ContextItem) error {
	client, err := a.running()
	if err != nil {
		return err
	}

	var wire []contentBlock
	for _, item := range contextItems {
		wire = append(wire, contentBlock{
			Type: "text",
			Text: fmt.Sprintf("[%s]\n%s", item.Label, item.Content),
		})
	}
	for _, b := range blocks {
		if b.Attachment != nil {
			wire = append(wire, contentBlock{
				Type:     "image",
				MimeType: b.Attachment.MimeType,
				Data:     b.Attachment.Data,
				URI:      b.Attachment.Path,
			})
			continue
		}
		wire = append(wire, contentBlock{Type: "text", Text: b.Text})
	}

	return client.Prompt(sessionID, wire)
}

// SetTools implements provider.Adapter. The agent brings its own tools;
// client-side schemas do not apply.
func (a *Adapter) SetTools(tools []provider.ToolSchema) {}

// CompleteToolCalls implements provider.Adapter. The agent executes its own
// tools and reports their lifecycle through session updates, so there is
// nothing to hand back.
func (a *Adapter) CompleteToolCalls(ctx context.Context, sessionID string, results []provider.ToolResult) error {
	return nil
}

// Cancel implements provider.Adapter.
func (a *Adapter) Cancel(ctx context.Context, sessionID string) error {
	client, err := a.running()
	if err != nil {
		return err
	}
	return client.Cancel(sessionID)
}

// Stop implements provider.Adapter.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	client := a.client
	a.connected = false
	a.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Stop()
}

// RemoteSessions returns the agent's stored sessions. The engine uses it
// to drop references to remote sessions the agent no longer has.
func (a *Adapter) RemoteSessions(ctx context.Context) ([]provider.RemoteSession, error) {
	client, err := a.running()
	if err != nil {
		return nil, err
	}
	infos, err := client.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	sessions := make([]provider.RemoteSession, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, provider.RemoteSession{ID: info.SessionID, Title: info.Title})
	}
	return sessions, nil
}

// DeleteSession removes a remote session from the agent's store.
func (a *Adapter) DeleteSession(ctx context.Context, remoteID string) error {
	client, err := a.running()
	if err != nil {
		return err
	}
	return client.DeleteSession(ctx, remoteID)
}

func (a *Adapter) running() (*Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || !a.connected {
		return nil, ErrNotStarted
	}
	return a.client, nil
}

func (a *Adapter) setActiveSession(id string) {
	a.mu.Lock()
	a.activeSession = id
	a.mu.Unlock()
}

// =============================================================================
// EVENT NORMALIZATION
// =============================================================================

// pump converts client notifications into normalized events until the
// transport closes, then closes the event stream.
func (a *Adapter) pump(client *Client) {
	for n := range client.Notifications() {
		switch n.Method {
		case "prompt/complete":
			a.emitPromptComplete(n)
		case "session/update":
			a.emitSessionUpdate(n.Session)
		}
	}

	a.mu.Lock()
	a.connected = false
	active := a.activeSession
	a.mu.Unlock()

	// The process died; whatever turn was open ends in error.
	a.emit(provider.Event{
		Type:      provider.EventTurnError,
		SessionID: active,
		Err:       ErrTransportClosed,
	})
	close(a.events)
}

func (a *Adapter) emitPromptComplete(n notification) {
	a.mu.Lock()
	active := a.activeSession
	a.mu.Unlock()

	switch {
	case n.Err != nil:
		a.emit(provider.Event{Type: provider.EventTurnError, SessionID: active, Err: n.Err})
	case n.StopReason == "cancelled":
		a.emit(provider.Event{Type: provider.EventTurnCancelled, SessionID: active})
	default:
		a.emit(provider.Event{Type: provider.EventTurnComplete, SessionID: active, StopReason: n.StopReason})
	}
}

// emitSessionUpdate maps one session/update push onto the normalized
// vocabulary, dropping pushes for sessions other than the active one.
func (a *Adapter) emitSessionUpdate(sn *sessionNotification) {
	if sn == nil {
		return
	}
	a.mu.Lock()
	active := a.activeSession
	a.mu.Unlock()
	if sn.SessionID != "" && sn.SessionID != active {
		return
	}

	u := sn.Update
	switch u.SessionUpdate {
	case "agent_message_chunk":
		if u.Content != nil && u.Content.Text != "" {
			a.emit(provider.Event{Type: provider.EventContentDelta, SessionID: sn.SessionID, Delta: u.Content.Text})
		}
	case "agent_thought_chunk":
		if u.Content != nil && u.Content.Text != "" {
			a.emit(provider.Event{Type: provider.EventReasoningDelta, SessionID: sn.SessionID, Delta: u.Content.Text})
		}
	case "tool_call":
		a.emit(provider.Event{
			Type:      provider.EventToolCallStart,
			SessionID: sn.SessionID,
			ToolCall: &provider.ToolCallEvent{
				ID:        u.ToolCallID,
				Name:      toolName(u),
				Arguments: u.RawInput,
				Status:    toolStatus(u.Status),
			},
		})
	case "tool_call_update":
		a.emit(provider.Event{
			Type:      provider.EventToolCallUpdate,
			SessionID: sn.SessionID,
			ToolCall: &provider.ToolCallEvent{
				ID:     u.ToolCallID,
				Status: toolStatus(u.Status),
				Result: flattenToolOutput(u.ToolOutput),
			},
		})
	case "plan":
		a.emit(provider.Event{
			Type:      provider.EventPlanUpdate,
			SessionID: sn.SessionID,
			Plan:      normalizePlan(u.Entries),
		})
	case "retry":
		a.emit(provider.Event{
			Type:      provider.EventRetryNotice,
			SessionID: sn.SessionID,
			Delta:     fmt.Sprintf("retrying (attempt %d of %d)", u.Attempt, u.MaxAttempts),
			Attempt:   u.Attempt,
		})
	case "error":
		msg := "agent error"
		if u.Err != nil && u.Err.Message != "" {
			msg = u.Err.Message
		}
		a.emit(provider.Event{
			Type:      provider.EventTurnError,
			SessionID: sn.SessionID,
			Err:       errors.New(msg),
		})
	case "task_complete":
		a.emit(provider.Event{Type: provider.EventTurnComplete, SessionID: sn.SessionID})
	}
}

func (a *Adapter) emit(ev provider.Event) {
	select {
	case a.events <- ev:
		return
	default:
	}
	if !ev.Type.Terminal() {
		// Consumer stalled; dropping a delta is preferable to wedging
		// the pump.
		return
	}
	// A terminal event must land or the turn never clears. The pump is
	// the only producer, so evicting the oldest queued event frees a
	// slot without blocking.
	for {
		select {
		case a.events <- ev:
			return
		case <-a.events:
		}
	}
}

// toolName prefers the human title, falling back to the tool kind.
func toolName(u sessionUpdate) string {
	if u.Title != "" {
		return u.Title
	}
	return u.Kind
}

// toolStatus maps agent tool statuses onto the model vocabulary. An absent
// status means the call was just announced.
func toolStatus(s string) model.ToolCallStatus {
	switch s {
	case "in_progress":
		return model.ToolRunning
	case "completed":
		return model.ToolCompleted
	case "failed":
		return model.ToolFailed
	case "cancelled":
		return model.ToolCancelled
	case "pending", "":
		return model.ToolPending
	default:
		return model.ToolPending
	}
}

// normalizePlan maps wire plan entries onto model entries. Agents disagree
// on the content field name, so both are accepted.
func normalizePlan(entries []planEntry) []model.PlanEntry {
	out := make([]model.PlanEntry, 0, len(entries))
	for _, e := range entries {
		content := e.Content
		if content == "" {
			content = e.Step
		}
		status := model.PlanEntryStatus(e.Status)
		switch status {
		case model.PlanPending, model.PlanInProgress, model.PlanCompleted:
		default:
			status = model.PlanPending
		}
		priority := model.PlanEntryPriority(e.Priority)
		switch priority {
		case model.PriorityLow, model.PriorityMedium, model.PriorityHigh:
		default:
			priority = model.PriorityMedium
		}
		out = append(out, model.PlanEntry{Content: content, Status: status, Priority: priority})
	}
	return out
}
