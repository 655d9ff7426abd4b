// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package components provides reusable UI components for the relay TUI.

Components are small renderers that turn model state into styled strings:

  - StatusBar: bottom bar with provider, model, and connection state
  - PlanView: the agent's plan with per-step status icons
  - ToolCallView: a tool call with its status and result preview

All components take a *styles.Theme so the whole interface shares one
visual language.
*/
package components
