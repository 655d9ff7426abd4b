// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package chat provides the chat view for the relay TUI.

The view is a Bubble Tea model wired to the engine: it subscribes to
engine updates, paces streamed text through a reveal scheduler so output
arrives smoothly instead of in bursts, and keeps the transcript pinned to
the bottom with a scroll controller that backs off the moment the user
scrolls up.

Layout, top to bottom: header, transcript viewport, plan progress (when
the agent reported one), input area, status bar.
*/
package chat
