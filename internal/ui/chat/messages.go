// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view for the relay TUI.
//
// This file defines the Bubble Tea messages the chat view exchanges with
// its commands.
package chat

import (
	"time"

	"github.com/jeranaias/relay-tui/internal/engine"
)

// =============================================================================
// ENGINE MESSAGES
// =============================================================================

// EngineUpdateMsg delivers one engine state-change notification.
type EngineUpdateMsg struct {
	Update engine.Update
}

// EngineClosedMsg signals that the engine subscription ended.
type EngineClosedMsg struct{}

// SendErrorMsg reports a failed send.
type SendErrorMsg struct {
	Err error
}

// ActionErrorMsg reports a failed session operation (switch, delete).
type ActionErrorMsg struct {
	Err error
}

// =============================================================================
// PRESENTATION MESSAGES
// =============================================================================

// RevealTickMsg drives the reveal scheduler while text is being paced
// onto the screen.
type RevealTickMsg struct {
	Time time.Time
}
