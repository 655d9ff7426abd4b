// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// PROVIDERS
// =============================================================================

// Provider identifies which backend a session talks to.
type Provider string

const (
	// ProviderACP is the agent subprocess backend speaking JSON-RPC over
	// stdio.
	ProviderACP Provider = "acp"
	// ProviderOpenAI is the OpenAI-compatible HTTP backend.
	ProviderOpenAI Provider = "openai"
)

// NormalizeProvider maps any stored provider string onto a known Provider.
// Unknown or legacy values fall back to ProviderOpenAI so old snapshots
// stay loadable.
func NormalizeProvider(s string) Provider {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderACP:
		return ProviderACP
	case ProviderOpenAI:
		return ProviderOpenAI
	default:
		return ProviderOpenAI
	}
}

// =============================================================================
// PLAN ENTRIES
// =============================================================================

// PlanEntryStatus is the lifecycle state of one plan entry.
type PlanEntryStatus string

const (
	PlanPending    PlanEntryStatus = "pending"
	PlanInProgress PlanEntryStatus = "in_progress"
	PlanCompleted  PlanEntryStatus = "completed"
)

// PlanEntryPriority ranks a plan entry.
type PlanEntryPriority string

const (
	PriorityLow    PlanEntryPriority = "low"
	PriorityMedium PlanEntryPriority = "medium"
	PriorityHigh   PlanEntryPriority = "high"
)

// PlanEntry is one item of the agent's published plan. Plans arrive as
// whole snapshots, never as diffs.
type PlanEntry struct {
	Content  string            `json:"content"`
	Status   PlanEntryStatus   `json:"status"`
	Priority PlanEntryPriority `json:"priority"`
}

// =============================================================================
// CHAT SESSIONS
// =============================================================================

const maxTitleRunes = 48

// ChatSession is one conversation thread: ordered messages, the provider
// that produced them, and the latest plan snapshot if the agent published
// one.
type ChatSession struct {
	ID        string         `json:"id"`
	Provider  Provider       `json:"provider"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Messages  []*ChatMessage `json:"messages"`
	Plan      []PlanEntry    `json:"plan,omitempty"`

	// RemoteSessionID is the backend's own id for this session, when the
	// backend maintains one (the agent backend does). Empty for HTTP
	// sessions.
	RemoteSessionID string `json:"remote_session_id,omitempty"`
}

// NewChatSession creates an empty session for the given provider.
func NewChatSession(provider Provider) *ChatSession {
	now := time.Now()
	return &ChatSession{
		ID:        uuid.NewString(),
		Provider:  provider,
		Title:     "New Chat",
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []*ChatMessage{},
	}
}

// touch bumps UpdatedAt, keeping it monotone even if the clock steps back.
func (s *ChatSession) touch() {
	now := time.Now()
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// AddMessage appends a message. Appending a streaming message finalizes any
// previously streaming message first, so at most one message streams at a
// time. The first user message also derives the session title.
func (s *ChatSession) AddMessage(msg *ChatMessage) {
	if msg.Status == StatusStreaming {
		for _, m := range s.Messages {
			if m.Status == StatusStreaming {
				m.Finish(StatusComplete)
			}
		}
	}
	s.Messages = append(s.Messages, msg)
	if msg.Role == RoleUser && s.Title == "New Chat" {
		s.Title = DeriveTitle(msg.Content)
	}
	s.touch()
}

// StreamingMessage returns the currently streaming message, or nil.
func (s *ChatSession) StreamingMessage() *ChatMessage {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Status == StatusStreaming {
			return s.Messages[i]
		}
	}
	return nil
}

// LastMessage returns the most recent message, or nil for an empty session.
func (s *ChatSession) LastMessage() *ChatMessage {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// Message finds a message by id, or returns nil.
func (s *ChatSession) Message(id string) *ChatMessage {
	for _, m := range s.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// SetPlan replaces the plan snapshot wholesale.
func (s *ChatSession) SetPlan(entries []PlanEntry) {
	s.Plan = entries
	s.touch()
}

// Touch records activity on the session.
func (s *ChatSession) Touch() {
	s.touch()
}

// DeriveTitle builds a session title from the first user message.
func DeriveTitle(content string) string {
	line := strings.TrimSpace(content)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if line == "" {
		return "New Chat"
	}
	return previewLine(line, maxTitleRunes)
}
