// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the backend-neutral streaming contract.
//
// Each backend (agent subprocess, OpenAI-compatible HTTP) adapts its native
// wire protocol into the one Event vocabulary defined here. Consumers see a
// single normalized stream regardless of which backend produced it.
package provider

import (
	"context"

	"github.com/jeranaias/relay-tui/internal/model"
)

// =============================================================================
// EVENT VOCABULARY
// =============================================================================

// EventType identifies one kind of normalized stream event.
type EventType string

const (
	// EventContentDelta carries a visible text fragment.
	EventContentDelta EventType = "content_delta"
	// EventReasoningDelta carries a reasoning/thinking text fragment.
	EventReasoningDelta EventType = "reasoning_delta"
	// EventToolCallStart announces a tool call with id, name, and any
	// arguments known so far.
	EventToolCallStart EventType = "tool_call_start"
	// EventToolCallUpdate carries a status or field update for a known
	// tool call.
	EventToolCallUpdate EventType = "tool_call_update"
	// EventToolCallBatch delivers a complete set of tool calls the model
	// expects the client to execute before the turn can continue.
	EventToolCallBatch EventType = "tool_call_batch"
	// EventPlanUpdate replaces the session plan wholesale.
	EventPlanUpdate EventType = "plan_update"
	// EventRetryNotice reports a transient failure being retried.
	EventRetryNotice EventType = "retry_notice"
	// EventTurnComplete ends the turn normally.
	EventTurnComplete EventType = "turn_complete"
	// EventTurnCancelled ends the turn because the user cancelled it.
	EventTurnCancelled EventType = "turn_cancelled"
	// EventTurnError ends the turn with a backend error.
	EventTurnError EventType = "turn_error"
)

// Terminal reports whether the event ends the turn.
func (t EventType) Terminal() bool {
	switch t {
	case EventTurnComplete, EventTurnCancelled, EventTurnError:
		return true
	}
	return false
}

// ToolCallEvent is the tool-call payload of an event.
type ToolCallEvent struct {
	ID        string
	Name      string
	Arguments map[string]any
	Status    model.ToolCallStatus
	Result    string
}

// Event is one normalized occurrence on a backend stream.
type Event struct {
	Type EventType

	// SessionID identifies which session the event belongs to. Events
	// carrying a stale session id are dropped by the consumer.
	SessionID string

	// Delta is the text fragment for content_delta and reasoning_delta,
	// or the human-readable notice for retry_notice.
	Delta string

	// ToolCall is set for tool_call_start and tool_call_update.
	ToolCall *ToolCallEvent

	// Batch is set for tool_call_batch, in the model's request order.
	Batch []*ToolCallEvent

	// Plan is set for plan_update.
	Plan []model.PlanEntry

	// StopReason is the backend's stop reason on turn_complete, when it
	// reports one.
	StopReason string

	// Err is set for turn_error.
	Err error

	// Attempt is the upcoming retry attempt number for retry_notice.
	Attempt int
}

// =============================================================================
// PROMPT INPUT
// =============================================================================

// ContentBlock is one unit of user prompt input.
type ContentBlock struct {
	Text       string
	Attachment *model.Attachment
}

// ContextItem is an out-of-band context entry injected ahead of the user
// prompt, such as an attached file or an editor selection.
type ContextItem struct {
	Label   string
	Content string
}

// ToolResult pairs an executed tool call with its outcome, in the order the
// calls were requested.
type ToolResult struct {
	ID     string
	Status model.ToolCallStatus
	Result string
}

// ToolSchema describes one client-side tool offered to the backend.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// =============================================================================
// INITIALIZATION
// =============================================================================

// AuthMethod describes one way a backend can be authenticated.
type AuthMethod struct {
	ID          string
	Name        string
	Description string
}

// InitResult reports the backend's capabilities after initialization.
type InitResult struct {
	ProtocolVersion int
	AuthMethods     []AuthMethod
	LoadSession     bool
}

// RemoteSession describes one session stored on a backend's side. Backends
// that keep server-side sessions expose them through an optional
//
//	RemoteSessions(ctx context.Context) ([]RemoteSession, error)
//
// method, discovered by interface assertion like remote deletion.
type RemoteSession struct {
	ID    string
	Title string
}

// =============================================================================
// ADAPTER CONTRACT
// =============================================================================

// Adapter is the backend-neutral surface the engine drives. Implementations
// deliver all stream output through Events; methods never block on the
// model's generation.
type Adapter interface {
	// Initialize prepares the backend (spawns the subprocess, performs
	// the protocol handshake) and reports its capabilities.
	Initialize(ctx context.Context) (*InitResult, error)

	// Authenticate performs the named authentication method. Backends
	// with ambient credentials return nil without work.
	Authenticate(ctx context.Context, methodID string) error

	// EnsureSession binds the adapter to a session, creating or loading
	// backend-side state as needed, and returns the backend's session id
	// (empty when the backend keeps no server-side sessions).
	EnsureSession(ctx context.Context, s *model.ChatSession) (remoteID string, err error)

	// SetTools replaces the client-side tools offered to the backend.
	// Backends whose agent brings its own tools ignore this.
	SetTools(tools []ToolSchema)

	// SendPrompt starts a turn. It returns once the turn is accepted;
	// output arrives on Events.
	SendPrompt(ctx context.Context, sessionID string, blocks []ContentBlock, contextItems []ContextItem) error

	// CompleteToolCalls hands executed tool results back to the backend
	// so the turn can continue. Backends that execute tools themselves
	// return nil without work.
	CompleteToolCalls(ctx context.Context, sessionID string, results []ToolResult) error

	// Cancel aborts the in-flight turn, if any. The stream still ends
	// with a terminal event.
	Cancel(ctx context.Context, sessionID string) error

	// Events is the normalized output stream. It is closed by Stop.
	Events() <-chan Event

	// Connected reports whether the backend is usable.
	Connected() bool

	// Stop tears the backend down and closes Events.
	Stop() error
}
