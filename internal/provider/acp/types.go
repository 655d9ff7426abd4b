// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package acp

import "encoding/json"

// =============================================================================
// JSON-RPC FRAMING
// =============================================================================

// rpcMessage is the union frame read off the agent's stdout. A message with
// a Method is a request or notification from the agent; a message with an
// ID and no Method is a response to one of ours.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcRequest is an outbound request or notification.
type rpcRequest struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      *uint64 `json:"id,omitempty"`
	Method  string  `json:"method"`
	Params  any     `json:"params,omitempty"`
}

// rpcResponse is an outbound response to an agent-initiated request.
type rpcResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  any    `json:"result,omitempty"`
}

// rpcError is the JSON-RPC error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *rpcError) Error() string {
	return e.Message
}

// =============================================================================
// PROTOCOL TYPES
// =============================================================================

// ProtocolVersion is the agent protocol revision this client speaks.
const ProtocolVersion = 1

type initializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      clientInfo         `json:"clientInfo"`
	Capabilities    clientCapabilities `json:"clientCapabilities"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type clientCapabilities struct {
	FS fsCapabilities `json:"fs"`
}

type fsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type initializeResult struct {
	ProtocolVersion int          `json:"protocolVersion"`
	AuthMethods     []authMethod `json:"authMethods,omitempty"`
	AgentCaps       agentCaps    `json:"agentCapabilities"`
}

type authMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type agentCaps struct {
	LoadSession bool `json:"loadSession"`
}

type authenticateParams struct {
	MethodID string `json:"methodId"`
}

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type loadSessionParams struct {
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type listSessionsResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SessionInfo is one entry of the agent's stored session list.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type deleteSessionParams struct {
	SessionID string `json:"sessionId"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

// contentBlock is one unit of prompt input on the wire.
type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

// =============================================================================
// SESSION UPDATES
// =============================================================================

// sessionNotification is the params of a session/update notification.
type sessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    sessionUpdate `json:"update"`
}

// sessionUpdate is the tagged payload inside a session/update notification.
// SessionUpdate selects the kind; only the matching fields are populated.
type sessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	// agent_message_chunk, agent_thought_chunk
	Content *updateContent `json:"content,omitempty"`

	// tool_call, tool_call_update
	ToolCallID string         `json:"toolCallId,omitempty"`
	Title      string         `json:"title,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Status     string         `json:"status,omitempty"`
	RawInput   map[string]any `json:"rawInput,omitempty"`
	ToolOutput []toolOutput   `json:"-"`

	// plan
	Entries []planEntry `json:"entries,omitempty"`

	// retry
	Attempt     int `json:"attempt,omitempty"`
	MaxAttempts int `json:"maxAttempts,omitempty"`

	// error
	Err *updateError `json:"error,omitempty"`
}

// UnmarshalJSON keeps the polymorphic "content" field usable for both the
// chunk kinds (an object with a text field) and the tool kinds (an array of
// output items).
func (u *sessionUpdate) UnmarshalJSON(data []byte) error {
	type alias struct {
		SessionUpdate string          `json:"sessionUpdate"`
		Content       json.RawMessage `json:"content"`
		ToolCallID    string          `json:"toolCallId"`
		Title         string          `json:"title"`
		Kind          string          `json:"kind"`
		Status        string          `json:"status"`
		RawInput      map[string]any  `json:"rawInput"`
		Entries       []planEntry     `json:"entries"`
		Attempt       int             `json:"attempt"`
		MaxAttempts   int             `json:"maxAttempts"`
		Err           *updateError    `json:"error"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	u.SessionUpdate = a.SessionUpdate
	u.ToolCallID = a.ToolCallID
	u.Title = a.Title
	u.Kind = a.Kind
	u.Status = a.Status
	u.RawInput = a.RawInput
	u.Entries = a.Entries
	u.Attempt = a.Attempt
	u.MaxAttempts = a.MaxAttempts
	u.Err = a.Err

	if len(a.Content) == 0 {
		return nil
	}
	switch a.Content[0] {
	case '{':
		var c updateContent
		if err := json.Unmarshal(a.Content, &c); err == nil {
			u.Content = &c
		}
	case '[':
		var items []toolOutput
		if err := json.Unmarshal(a.Content, &items); err == nil {
			u.ToolOutput = items
		}
	}
	return nil
}

type updateContent struct {
	Text string `json:"text"`
}

type toolOutput struct {
	Type    string `json:"type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

// flattenToolOutput joins tool output items into one display string.
func flattenToolOutput(items []toolOutput) string {
	var out string
	for _, item := range items {
		if item.Content.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += item.Content.Text
	}
	return out
}

type planEntry struct {
	Content  string `json:"content"`
	Step     string `json:"step,omitempty"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

type updateError struct {
	Message string `json:"message"`
}

// =============================================================================
// PERMISSION REQUESTS
// =============================================================================

// permissionParams is the params of a session/request_permission request
// sent by the agent.
type permissionParams struct {
	SessionID string             `json:"sessionId"`
	Options   []permissionOption `json:"options"`
}

type permissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}
