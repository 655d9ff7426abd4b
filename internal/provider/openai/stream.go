// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"bufio"
	"bytes"
	"io"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// maxChunkSize is the maximum allowed size for a single SSE chunk (64KB).
const maxChunkSize = 64 * 1024

// streamChunk is one decoded chunk of the streaming response.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role string `json:"role,omitempty"`
			// Content is the visible text fragment.
			Content string `json:"content"`
			// Providers disagree about the reasoning field name.
			ReasoningContent string `json:"reasoning_content,omitempty"`
			Reasoning        string `json:"reasoning,omitempty"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Type     string `json:"type,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// content returns the visible text from the first choice's delta.
func (c *streamChunk) content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// reasoning returns the reasoning text from the first choice's delta,
// whichever field the provider used.
func (c *streamChunk) reasoning() string {
	if len(c.Choices) == 0 {
		return ""
	}
	if r := c.Choices[0].Delta.ReasoningContent; r != "" {
		return r
	}
	return c.Choices[0].Delta.Reasoning
}

// finishReason returns the finish reason if the stream is complete.
func (c *streamChunk) finishReason() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return ""
}

// =============================================================================
// TOOL CALL ACCUMULATION
// =============================================================================

// toolCallAccumulator merges incremental tool_calls deltas by index. The
// model streams each call's id and name once and its arguments as JSON
// fragments that must be concatenated in arrival order.
type toolCallAccumulator struct {
	calls []accumulatedCall
}

type accumulatedCall struct {
	ID        string
	Name      string
	Arguments string
}

// merge folds one chunk's tool_calls deltas into the accumulator.
func (acc *toolCallAccumulator) merge(c *streamChunk) {
	if len(c.Choices) == 0 {
		return
	}
	for _, delta := range c.Choices[0].Delta.ToolCalls {
		for len(acc.calls) <= delta.Index {
			acc.calls = append(acc.calls, accumulatedCall{})
		}
		call := &acc.calls[delta.Index]
		if delta.ID != "" {
			call.ID = delta.ID
		}
		if delta.Function.Name != "" {
			call.Name = delta.Function.Name
		}
		call.Arguments += delta.Function.Arguments
	}
}

// empty reports whether no tool calls were accumulated.
func (acc *toolCallAccumulator) empty() bool {
	return len(acc.calls) == 0
}

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses Server-Sent Events from a response body.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReaderSize(r, maxChunkSize)}
}

// readData reads the next event's data payload. Returns io.EOF when the
// stream ends.
func (s *sseReader) readData() ([]byte, error) {
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(dataLines) > 0 {
					return bytes.Join(dataLines, []byte("\n")), nil
				}
				return nil, io.EOF
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			dataLines = append(dataLines, bytes.TrimPrefix(rest, []byte(" ")))
		}
		// Ignore other fields (event:, id:, retry:, comments)
	}
}
