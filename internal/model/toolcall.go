// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// TOOL CALL STATUS
// =============================================================================

// ToolCallStatus tracks a tool call through its execution lifecycle.
type ToolCallStatus string

const (
	ToolPending   ToolCallStatus = "pending"
	ToolRunning   ToolCallStatus = "running"
	ToolCompleted ToolCallStatus = "completed"
	ToolFailed    ToolCallStatus = "failed"
	ToolCancelled ToolCallStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCompleted, ToolFailed, ToolCancelled:
		return true
	}
	return false
}

// rank orders statuses along the monotone transition chain.
func (s ToolCallStatus) rank() int {
	switch s {
	case ToolPending:
		return 0
	case ToolRunning:
		return 1
	case ToolCompleted, ToolFailed, ToolCancelled:
		return 2
	}
	return -1
}

// =============================================================================
// TOOL CALL TYPE
// =============================================================================

// ToolCall is one agent-requested tool invocation. The ID is opaque and
// assigned by the backend.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Status    ToolCallStatus `json:"status"`
	Result    string         `json:"result,omitempty"`
}

// NewToolCall creates a pending tool call.
func NewToolCall(id, name string, args map[string]any) *ToolCall {
	return &ToolCall{
		ID:        id,
		Name:      name,
		Arguments: args,
		Status:    ToolPending,
	}
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// transition moves the call to the given status if that respects the
// monotone chain pending -> running -> terminal. Once terminal, the call is
// immutable except for the single result backfill (see BackfillResult).
func (t *ToolCall) transition(to ToolCallStatus) bool {
	if t.Status.Terminal() {
		return false
	}
	if to.rank() < t.Status.rank() {
		return false
	}
	t.Status = to
	return true
}

// MarkRunning marks the call as running.
func (t *ToolCall) MarkRunning() bool {
	return t.transition(ToolRunning)
}

// MarkCompleted marks the call completed with its result text.
func (t *ToolCall) MarkCompleted(result string) bool {
	if !t.transition(ToolCompleted) {
		return false
	}
	t.Result = result
	return true
}

// MarkFailed marks the call failed with an error description.
func (t *ToolCall) MarkFailed(description string) bool {
	if !t.transition(ToolFailed) {
		return false
	}
	t.Result = description
	return true
}

// MarkCancelled marks the call cancelled. The result, if any was already
// recorded, is preserved.
func (t *ToolCall) MarkCancelled() bool {
	return t.transition(ToolCancelled)
}

// BackfillResult fills in a result on a terminal call that ended up with an
// empty one (for example a call cancelled before producing text). Backends
// reject empty tool results, so the caller supplies a synthetic explanation.
// The backfill happens at most once and never overwrites a real result.
func (t *ToolCall) BackfillResult(synthetic string) bool {
	if !t.Status.Terminal() || t.Result != "" {
		return false
	}
	t.Result = synthetic
	return true
}

// update merges backend-supplied fields from an incoming update into the
// existing call, respecting terminal immutability.
func (t *ToolCall) update(in *ToolCall) {
	if t.Status.Terminal() {
		return
	}
	if in.Name != "" {
		t.Name = in.Name
	}
	if in.Arguments != nil {
		t.Arguments = in.Arguments
	}
	if in.Status != "" && t.transition(in.Status) && in.Result != "" {
		t.Result = in.Result
	}
}
