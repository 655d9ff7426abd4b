// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/provider"
)

// =============================================================================
// RETRY CONSTANTS
// =============================================================================

const (
	// maxStreamRetries bounds transient reconnect attempts per turn.
	maxStreamRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second
)

// noResultPlaceholder is synced to the backend for terminal tool calls that
// never produced output, since empty tool results are rejected.
const noResultPlaceholder = "no result available"

// =============================================================================
// ADAPTER TYPE
// =============================================================================

// Adapter drives an OpenAI-compatible endpoint. Each turn opens one SSE
// stream; deltas are normalized into the shared event vocabulary. Tool
// calls arrive as a single batch at end of stream rather than interleaved.
type Adapter struct {
	mu sync.Mutex

	client *Client
	events chan provider.Event

	connected     bool
	activeSession string

	// generation guards against late events from an abandoned stream:
	// it is bumped on every cancel and session switch, and a stream
	// goroutine only emits while it still owns the current generation.
	generation uint64
	cancelFn   context.CancelFunc
}

// New creates an adapter for the given endpoint configuration.
func New(cfg Config) *Adapter {
	return &Adapter{
		client: NewClient(cfg),
		events: make(chan provider.Event, 256),
	}
}

// Events implements provider.Adapter.
func (a *Adapter) Events() <-chan provider.Event {
	return a.events
}

// Connected implements provider.Adapter.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Initialize implements provider.Adapter. HTTP backends have no handshake;
// a valid configuration is all that is required.
func (a *Adapter) Initialize(ctx context.Context) (*provider.InitResult, error) {
	if err := a.client.cfg.Validate(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return &provider.InitResult{LoadSession: false}, nil
}

// Authenticate implements provider.Adapter. Credentials are ambient (the
// configured API key), so there is nothing to do.
func (a *Adapter) Authenticate(ctx context.Context, methodID string) error {
	return nil
}

// SetTools implements provider.Adapter.
func (a *Adapter) SetTools(tools []provider.ToolSchema) {
	schemas := make([]ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	a.client.SetTools(schemas)
}

// EnsureSession rebuilds the backend-visible context from the session's
// message history. HTTP backends keep no server-side sessions, so the
// remote id is always empty.
func (a *Adapter) EnsureSession(ctx context.Context, s *model.ChatSession) (string, error) {
	a.mu.Lock()
	a.generation++
	a.activeSession = s.ID
	a.mu.Unlock()

	a.client.ClearMessages()
	for _, msg := range s.Messages {
		switch msg.Role {
		case model.RoleSystem:
			a.client.AddMessage("system", msg.Content)
		case model.RoleUser:
			a.client.AddMessage("user", msg.Content)
		case model.RoleAssistant:
			a.replayAssistant(msg)
		}
	}
	return "", nil
}

// replayAssistant reconstructs an assistant turn, including any tool calls
// and their results, in the shape the backend expects.
func (a *Adapter) replayAssistant(msg *model.ChatMessage) {
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return
	}
	if len(msg.ToolCalls) == 0 {
		a.client.AddMessage("assistant", msg.Content)
		return
	}

	calls := make([]wireToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		args, err := json.Marshal(tc.Arguments)
		if err != nil || tc.Arguments == nil {
			args = []byte("{}")
		}
		calls = append(calls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireFunction{
				Name:      tc.Name,
				Arguments: string(args),
			},
		})
	}
	a.client.AddAssistantToolCalls(msg.Content, calls)

	for _, tc := range msg.ToolCalls {
		result := tc.Result
		if result == "" {
			result = noResultPlaceholder
		}
		a.client.AddToolResult(tc.ID, result)
	}
}

// SendPrompt implements provider.Adapter. The user's words and any context
// items enter the backend context, then a streaming turn begins.
func (a *Adapter) SendPrompt(ctx context.Context, sessionID string, blocks []provider.ContentBlock, contextItems []provider.ContextItem) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return ErrNotConfigured
	}

	var sb strings.Builder
	for _, item := range contextItems {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", item.Label, item.Content)
	}
	for _, b := range blocks {
		if b.Attachment != nil {
			// Attachments degrade to a reference; this backend's chat
			// shape carries text only.
			fmt.Fprintf(&sb, "[attachment: %s]\n", b.Attachment.Name)
			continue
		}
		sb.WriteString(b.Text)
	}
	a.client.AddMessage("user", sb.String())

	a.startTurn(sessionID)
	return nil
}

// CompleteToolCalls implements provider.Adapter: the executed results are
// appended to the backend context as tool messages in request order, then
// the turn is resent so the model can continue with the results in view.
func (a *Adapter) CompleteToolCalls(ctx context.Context, sessionID string, results []provider.ToolResult) error {
	for _, r := range results {
		result := r.Result
		if result == "" {
			result = noResultPlaceholder
		}
		a.client.AddToolResult(r.ID, result)
	}
	a.startTurn(sessionID)
	return nil
}

// Cancel implements provider.Adapter. The stream goroutine observes the
// context cancellation and emits the terminal cancelled event itself.
func (a *Adapter) Cancel(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	cancel := a.cancelFn
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Stop implements provider.Adapter.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	a.generation++
	cancel := a.cancelFn
	// Closing under the lock keeps a racing emit from hitting a closed
	// channel.
	close(a.events)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// =============================================================================
// STREAMING TURN
// =============================================================================

// startTurn launches the stream goroutine for one turn.
func (a *Adapter) startTurn(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.generation++
	gen := a.generation
	a.cancelFn = cancel
	a.mu.Unlock()

	go a.streamTurn(ctx, gen, sessionID)
}

// emit delivers an event if the goroutine for generation gen still owns
// the stream. Sending under the lock pairs with the locked close in Stop.
func (a *Adapter) emit(gen uint64, ev provider.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.generation != gen {
		return
	}
	select {
	case a.events <- ev:
		return
	default:
	}
	if !ev.Type.Terminal() {
		// Consumer stalled; dropping a delta is preferable to wedging
		// the stream.
		return
	}
	// A terminal event must land or the turn never clears. The stream
	// goroutine is the only producer, so evicting the oldest queued
	// event frees a slot without blocking.
	for {
		select {
		case a.events <- ev:
			return
		case <-a.events:
		}
	}
}

// streamTurn runs one turn: opens the SSE stream (with bounded retries for
// transient failures), normalizes deltas, and ends with exactly one
// terminal event.
func (a *Adapter) streamTurn(ctx context.Context, gen uint64, sessionID string) {
	var lastErr error

	for attempt := 0; attempt <= maxStreamRetries; attempt++ {
		if attempt > 0 {
			a.emit(gen, provider.Event{
				Type:      provider.EventRetryNotice,
				SessionID: sessionID,
				Delta:     fmt.Sprintf("connection lost, retrying (attempt %d of %d)", attempt, maxStreamRetries),
				Attempt:   attempt,
			})
			select {
			case <-ctx.Done():
				a.emit(gen, provider.Event{Type: provider.EventTurnCancelled, SessionID: sessionID})
				return
			case <-time.After(backoffDelay(attempt)):
			}
		}

		done, err := a.streamOnce(ctx, gen, sessionID)
		if done {
			return
		}
		if ctx.Err() != nil {
			a.emit(gen, provider.Event{Type: provider.EventTurnCancelled, SessionID: sessionID})
			return
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}

	a.emit(gen, provider.Event{Type: provider.EventTurnError, SessionID: sessionID, Err: lastErr})
}

// streamOnce opens and consumes one SSE stream. It returns done=true when a
// terminal event was emitted; otherwise err describes the failure and the
// caller decides whether to retry.
func (a *Adapter) streamOnce(ctx context.Context, gen uint64, sessionID string) (done bool, err error) {
	body, err := a.client.OpenStream(ctx)
	if err != nil {
		return false, err
	}
	defer body.Close()

	reader := newSSEReader(body)
	var content strings.Builder
	var acc toolCallAccumulator

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		data, err := reader.readData()
		if err != nil {
			if err == io.EOF {
				// Stream ended without a finish reason; treat what we
				// have as a complete turn.
				a.finishTurn(gen, sessionID, content.String(), &acc, "")
				return true, nil
			}
			return false, err
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			a.finishTurn(gen, sessionID, content.String(), &acc, "")
			return true, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			continue
		}

		if delta := chunk.content(); delta != "" {
			content.WriteString(delta)
			a.emit(gen, provider.Event{Type: provider.EventContentDelta, SessionID: sessionID, Delta: delta})
		}
		if delta := chunk.reasoning(); delta != "" {
			a.emit(gen, provider.Event{Type: provider.EventReasoningDelta, SessionID: sessionID, Delta: delta})
		}
		acc.merge(&chunk)

		if reason := chunk.finishReason(); reason != "" {
			a.finishTurn(gen, sessionID, content.String(), &acc, reason)
			return true, nil
		}
	}
}

// finishTurn stores the assistant turn into the backend context and emits
// the terminal event: a tool_call_batch when the model requested tools, a
// turn_complete otherwise.
func (a *Adapter) finishTurn(gen uint64, sessionID, content string, acc *toolCallAccumulator, reason string) {
	if acc.empty() {
		if content != "" {
			a.client.AddMessage("assistant", content)
		}
		a.emit(gen, provider.Event{Type: provider.EventTurnComplete, SessionID: sessionID, StopReason: reason})
		return
	}

	calls := make([]wireToolCall, 0, len(acc.calls))
	batch := make([]*provider.ToolCallEvent, 0, len(acc.calls))
	for i, call := range acc.calls {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		args := call.Arguments
		if args == "" {
			args = "{}"
		}
		calls = append(calls, wireToolCall{
			ID:   id,
			Type: "function",
			Function: wireFunction{
				Name:      call.Name,
				Arguments: args,
			},
		})

		var parsed map[string]any
		if err := json.Unmarshal([]byte(args), &parsed); err != nil {
			parsed = map[string]any{"raw": args}
		}
		batch = append(batch, &provider.ToolCallEvent{
			ID:        id,
			Name:      call.Name,
			Arguments: parsed,
			Status:    model.ToolPending,
		})
	}

	// The backend must see the requesting assistant turn before the tool
	// results arrive.
	a.client.AddAssistantToolCalls(content, calls)
	a.emit(gen, provider.Event{Type: provider.EventToolCallBatch, SessionID: sessionID, Batch: batch})
}

// backoffDelay computes the exponential backoff for a retry attempt.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
