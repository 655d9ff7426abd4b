// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions, messages,
// tool calls, timeline blocks, and plan entries.
//
// The package is pure data plus invariant-preserving mutators: it has no
// knowledge of providers, transports, or rendering. Providers receive a
// narrow mutation capability over a single session's messages and never
// see the full session list.
//
// Key invariants maintained here:
//   - A session's UpdatedAt is monotonically non-decreasing.
//   - At most one message per session is in StatusStreaming at any instant.
//   - A message with a terminal status never accepts further content.
//   - Tool call status transitions are monotone
//     (pending -> running -> completed|failed|cancelled).
//   - Every tool_call timeline block resolves to an entry in the owning
//     message's tool call list.
package model
