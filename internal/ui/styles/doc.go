// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package styles provides the visual styling system for the relay TUI.

All colors use lipgloss.AdaptiveColor so the interface stays readable on
both light and dark terminals. Theme bundles every style the views need;
construct one with NewTheme and share it across components.
*/
package styles
