// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// =============================================================================
// TIMELINE BLOCKS
// =============================================================================

// BlockType distinguishes the two timeline block kinds.
type BlockType string

const (
	BlockReasoning BlockType = "reasoning"
	BlockToolCall  BlockType = "tool_call"
)

// TimelineBlock is one ordered unit within an assistant message: either a
// reasoning span or a tool-call occurrence. The block order reflects the
// true chronological interleaving within the turn.
type TimelineBlock struct {
	Type       BlockType `json:"type"`
	ID         string    `json:"id,omitempty"`
	Content    string    `json:"content,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

// IDGenerator allocates ids for new reasoning blocks.
type IDGenerator func() string

// NewBlockID is the default IDGenerator.
func NewBlockID() string {
	return uuid.NewString()
}

// AppendReasoningBlock appends a reasoning delta to the block list.
// Consecutive reasoning deltas collapse into the last block as long as it
// is still a reasoning block; any interleaving tool_call block forces a new
// reasoning block (with a fresh id) on the next delta. Returns the updated
// list and whether a new block was started.
func AppendReasoningBlock(blocks []TimelineBlock, delta string, idGen IDGenerator) ([]TimelineBlock, bool) {
	if delta == "" {
		return blocks, false
	}
	if idGen == nil {
		idGen = NewBlockID
	}
	if n := len(blocks); n > 0 && blocks[n-1].Type == BlockReasoning {
		blocks[n-1].Content = ConcatText(blocks[n-1].Content, delta)
		return blocks, false
	}
	blocks = append(blocks, TimelineBlock{
		Type:    BlockReasoning,
		ID:      idGen(),
		Content: delta,
	})
	return blocks, true
}

// EnsureToolCallBlock appends a tool_call block for the given id unless one
// already exists anywhere in the list. Idempotent: calling it twice with
// the same id yields the same list as calling it once.
func EnsureToolCallBlock(blocks []TimelineBlock, toolCallID string) ([]TimelineBlock, bool) {
	for _, b := range blocks {
		if b.Type == BlockToolCall && b.ToolCallID == toolCallID {
			return blocks, false
		}
	}
	blocks = append(blocks, TimelineBlock{
		Type:       BlockToolCall,
		ToolCallID: toolCallID,
	})
	return blocks, true
}

// =============================================================================
// CHUNK CONCATENATION
// =============================================================================

// emphasisMarkers are the markdown emphasis runs checked at chunk edges.
var emphasisMarkers = []string{"**", "__"}

// ConcatText joins two streamed text chunks.
//
// Two independently streamed markdown emphasis runs must not visually merge
// into one: if prev ends with an unterminated emphasis marker run and next
// begins with the same marker, a separating newline is inserted. When
// neither chunk edge carries whitespace and direct concatenation would glue
// two words together, a single space is inserted. Otherwise chunks
// concatenate directly.
func ConcatText(prev, next string) string {
	if prev == "" {
		return next
	}
	if next == "" {
		return prev
	}
	for _, marker := range emphasisMarkers {
		if strings.HasSuffix(prev, marker) && strings.HasPrefix(next, marker) {
			return prev + "\n" + next
		}
	}
	prevEdge, _ := lastRune(prev)
	nextEdge, _ := firstRune(next)
	if isWordRune(prevEdge) && isWordRune(nextEdge) {
		return prev + " " + next
	}
	return prev + next
}

func lastRune(s string) (rune, bool) {
	var r rune
	found := false
	for _, c := range s {
		r = c
		found = true
	}
	return r, found
}

func firstRune(s string) (rune, bool) {
	for _, c := range s {
		return c, true
	}
	return 0, false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// previewLine flattens text to one line and truncates it to maxRunes.
func previewLine(s string, maxRunes int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}
