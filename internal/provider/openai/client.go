// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openai implements the OpenAI-compatible HTTP backend: a chat
// completion client holding the backend-visible message context, an SSE
// stream decoder, and an adapter normalizing stream deltas into the shared
// event vocabulary.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// CLIENT CONSTANTS
// =============================================================================

const (
	// DefaultChatPath is the chat completions endpoint path.
	DefaultChatPath = "/chat/completions"

	// maxErrorBody caps how much of an error response is read (64KB).
	maxErrorBody = 64 * 1024
)

// Error variables for common backend failures.
var (
	// ErrNotConfigured indicates the base URL or model is not set.
	ErrNotConfigured = errors.New("chat backend not configured")

	// ErrAuthFailed indicates the API key was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")
)

// sharedStreamingClient is used for streaming requests. No client timeout;
// lifetime is controlled via context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config is the OpenAI-compatible endpoint configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// ChatPath overrides the completions path for providers that mount
	// it elsewhere.
	ChatPath string
	// SystemPrompt, when set, is injected as the leading system message
	// of every request unless the context already carries one.
	SystemPrompt string
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.BaseURL == "" || c.Model == "" {
		return ErrNotConfigured
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	return nil
}

func (c Config) chatURL() string {
	path := c.ChatPath
	if path == "" {
		path = DefaultChatPath
	}
	return strings.TrimRight(c.BaseURL, "/") + path
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// wireMessage is one entry of the backend-visible conversation context.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

// wireToolCall is a completed tool call echoed back in assistant messages.
type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type wireTool struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// =============================================================================
// CLIENT TYPE
// =============================================================================

// Client holds the backend-visible conversation context and issues
// streaming chat completion requests against it. The context is mutated
// under a lock because sends, tool completions, and session switches race.
type Client struct {
	mu       sync.Mutex
	cfg      Config
	messages []wireMessage
	tools    []ToolSchema
}

// NewClient creates a client for the given endpoint.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// AddMessage appends a plain message to the context.
func (c *Client) AddMessage(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, wireMessage{Role: role, Content: content})
}

// AddToolResult appends a tool-role message answering the given call.
func (c *Client) AddToolResult(toolCallID, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, wireMessage{
		Role:       "tool",
		Content:    content,
		ToolCallID: toolCallID,
	})
}

// AddAssistantToolCalls records the assistant turn that requested the given
// tool calls, so the backend sees the calls ahead of their results.
func (c *Client) AddAssistantToolCalls(content string, calls []wireToolCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, wireMessage{
		Role:      "assistant",
		Content:   content,
		ToolCalls: calls,
	})
}

// SetTools replaces the tool schemas offered to the model.
func (c *Client) SetTools(tools []ToolSchema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

// ClearMessages drops the conversation context, keeping the tool schemas.
func (c *Client) ClearMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// snapshot returns a request-ready copy of the context with the system
// prompt injected.
func (c *Client) snapshot() ([]wireMessage, []ToolSchema) {
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := injectSystemPrompt(c.cfg.SystemPrompt, c.messages)
	tools := make([]ToolSchema, len(c.tools))
	copy(tools, c.tools)
	return messages, tools
}

// injectSystemPrompt prepends the runtime system prompt unless the context
// already opens with a system message.
func injectSystemPrompt(prompt string, messages []wireMessage) []wireMessage {
	out := make([]wireMessage, 0, len(messages)+1)
	if prompt != "" {
		hasSystem := len(messages) > 0 && messages[0].Role == "system"
		if !hasSystem {
			out = append(out, wireMessage{Role: "system", Content: prompt})
		}
	}
	return append(out, messages...)
}

// =============================================================================
// STREAMING REQUEST
// =============================================================================

// OpenStream issues a streaming chat completion request for the current
// context and returns the response body for SSE decoding.
func (c *Client) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	messages, tools := c.snapshot()
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   true,
	}
	for _, t := range tools {
		reqBody.Tools = append(reqBody.Tools, wireTool{Type: "function", Function: t})
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.chatURL(), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, decodeAPIError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// decodeAPIError maps an error response onto the sentinel taxonomy.
func decodeAPIError(status int, body []byte) error {
	var apiErr apiErrorResponse
	msg := ""
	if err := json.Unmarshal(body, &apiErr); err == nil {
		msg = apiErr.Error.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		if msg != "" {
			return fmt.Errorf("%w: %s", ErrAuthFailed, msg)
		}
		return ErrAuthFailed
	case http.StatusTooManyRequests:
		if msg != "" {
			return fmt.Errorf("%w: %s", ErrRateLimited, msg)
		}
		return ErrRateLimited
	default:
		if msg != "" {
			return fmt.Errorf("backend error (HTTP %d): %s", status, msg)
		}
		return fmt.Errorf("backend error (HTTP %d)", status)
	}
}

// retryable reports whether a stream failure is worth retrying. Auth and
// rate-limit rejections are not transient enough to hammer.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrNotConfigured) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
