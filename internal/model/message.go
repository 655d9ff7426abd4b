// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// MESSAGE STATUS
// =============================================================================

// MessageStatus tracks a message through its streaming lifecycle.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusError     MessageStatus = "error"
	StatusCancelled MessageStatus = "cancelled"
)

// Terminal reports whether the status permits no further content mutation.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// =============================================================================
// ATTACHMENT TYPE
// =============================================================================

// Attachment references an image or file attached to a message.
// Data holds the transient inline payload (base64) used while the message
// is in memory; persistence strips it and keeps only the reference fields.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Path     string `json:"path,omitempty"`
	Data     string `json:"data,omitempty"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// ChatMessage represents a single message in a chat session.
type ChatMessage struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`

	// Streaming state
	Status  MessageStatus `json:"status"`
	Partial bool          `json:"partial,omitempty"`

	// Error detail when Status == StatusError
	ErrorMessage string `json:"error_message,omitempty"`

	// Tool calls requested during this assistant turn
	ToolCalls []*ToolCall `json:"tool_calls,omitempty"`

	// Ordered interleaving of reasoning spans and tool-call occurrences
	Timeline []TimelineBlock `json:"timeline,omitempty"`

	// Attachment references
	Attachments []Attachment `json:"attachments,omitempty"`
}

// NewUserMessage creates a complete user message.
func NewUserMessage(content string) *ChatMessage {
	return &ChatMessage{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Timestamp: time.Now(),
		Content:   content,
		Status:    StatusComplete,
	}
}

// NewAssistantMessage creates an empty streaming assistant message.
func NewAssistantMessage() *ChatMessage {
	return &ChatMessage{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Timestamp: time.Now(),
		Status:    StatusStreaming,
		Partial:   true,
	}
}

// NewSystemMessage creates a complete system message.
func NewSystemMessage(content string) *ChatMessage {
	return &ChatMessage{
		ID:        uuid.NewString(),
		Role:      RoleSystem,
		Timestamp: time.Now(),
		Content:   content,
		Status:    StatusComplete,
	}
}

// =============================================================================
// MESSAGE MUTATORS
// =============================================================================

// AppendContent appends a content delta to a streaming message.
// Deltas arriving after a terminal status are discarded.
func (m *ChatMessage) AppendContent(delta string) bool {
	if m.Status.Terminal() || delta == "" {
		return false
	}
	m.Status = StatusStreaming
	m.Partial = true
	m.Content = ConcatText(m.Content, delta)
	return true
}

// AppendReasoning appends a reasoning delta to both the flat reasoning text
// and the timeline. Returns whether a new timeline block was started.
func (m *ChatMessage) AppendReasoning(delta string, idGen IDGenerator) (startedNew bool) {
	if m.Status.Terminal() || delta == "" {
		return false
	}
	m.Status = StatusStreaming
	m.Partial = true
	m.Reasoning = ConcatText(m.Reasoning, delta)
	m.Timeline, startedNew = AppendReasoningBlock(m.Timeline, delta, idGen)
	return startedNew
}

// Finish marks the message with a terminal status. Finishing an already
// terminal message is a no-op so that late duplicate completion events
// cannot resurrect or re-mark a message.
func (m *ChatMessage) Finish(status MessageStatus) bool {
	if !status.Terminal() || m.Status.Terminal() {
		return false
	}
	m.Status = status
	m.Partial = false
	return true
}

// Fail marks the message as errored with the backend's message.
func (m *ChatMessage) Fail(errMsg string) bool {
	if !m.Finish(StatusError) {
		return false
	}
	m.ErrorMessage = errMsg
	return true
}

// UpsertToolCall adds a tool call to the message, or updates the existing
// entry with the same id. The timeline gains a tool_call block on insert.
func (m *ChatMessage) UpsertToolCall(tc *ToolCall) *ToolCall {
	for _, existing := range m.ToolCalls {
		if existing.ID == tc.ID {
			existing.update(tc)
			return existing
		}
	}
	m.ToolCalls = append(m.ToolCalls, tc)
	m.Timeline, _ = EnsureToolCallBlock(m.Timeline, tc.ID)
	return tc
}

// ToolCall returns the tool call with the given id, or nil.
func (m *ChatMessage) ToolCall(id string) *ToolCall {
	for _, tc := range m.ToolCalls {
		if tc.ID == id {
			return tc
		}
	}
	return nil
}

// IsEmpty reports whether the message has produced no visible output.
func (m *ChatMessage) IsEmpty() bool {
	return m.Content == "" && m.Reasoning == "" && len(m.ToolCalls) == 0
}

// Preview returns a single-line truncated preview of the message content.
func (m *ChatMessage) Preview(maxRunes int) string {
	return previewLine(m.Content, maxRunes)
}
