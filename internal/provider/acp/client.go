// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package acp implements the agent-subprocess backend: a JSON-RPC client
// speaking the agent protocol over the child process's stdin/stdout, and an
// adapter normalizing its push notifications into the shared event stream.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"
)

// =============================================================================
// CLIENT CONSTANTS
// =============================================================================

const (
	// requestTimeout bounds synchronous requests (initialize, session
	// management). Prompt and cancel are sent asynchronously and are not
	// subject to it.
	requestTimeout = 30 * time.Second

	// maxLineSize is the largest single JSON-RPC line accepted from the
	// agent (4MB).
	maxLineSize = 4 * 1024 * 1024
)

// Error variables for common transport failures.
var (
	// ErrNotStarted indicates the agent process has not been started.
	ErrNotStarted = errors.New("agent process not started")

	// ErrTransportClosed indicates the agent process exited or its pipes
	// were closed while requests were outstanding.
	ErrTransportClosed = errors.New("agent transport closed")

	// ErrRequestTimeout indicates a synchronous request got no response
	// within the request timeout.
	ErrRequestTimeout = errors.New("agent request timed out")
)

// =============================================================================
// CLIENT TYPE
// =============================================================================

// notification is one agent-initiated push delivered to the adapter: either
// a session/update payload or a synthesized prompt completion.
type notification struct {
	Method  string
	Session *sessionNotification
	// StopReason is set for prompt completions.
	StopReason string
	// Err is set when an asynchronous prompt failed.
	Err error
}

// Client is a JSON-RPC client for one agent subprocess. Requests are
// written to the child's stdin under a write lock; a reader goroutine
// dispatches responses to pending callers and pushes notifications to the
// Notifications channel.
type Client struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	cmd   *exec.Cmd
	stdin io.WriteCloser

	nextID  uint64
	pending map[uint64]chan *rpcMessage
	// asyncPrompt tracks request ids sent without a waiting caller; the
	// reader converts their responses into prompt-complete notifications.
	asyncPrompt map[uint64]bool

	notifications chan notification
	done          chan struct{}
	closed        bool
}

// NewClient creates an unstarted client.
func NewClient() *Client {
	return &Client{
		pending:       make(map[uint64]chan *rpcMessage),
		asyncPrompt:   make(map[uint64]bool),
		notifications: make(chan notification, 256),
		done:          make(chan struct{}),
	}
}

// Notifications is the stream of agent-initiated pushes. It is closed when
// the transport shuts down.
func (c *Client) Notifications() <-chan notification {
	return c.notifications
}

// Start spawns the agent process and begins reading its output.
func (c *Client) Start(ctx context.Context, command string, args []string, workingDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return errors.New("agent process already started")
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent %q: %w", command, err)
	}

	c.cmd = cmd
	c.stdin = stdin

	go c.readLoop(stdout)
	return nil
}

// Running reports whether the agent process is alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil && !c.closed
}

// Stop tears the transport down: closes stdin, kills the process if it does
// not exit promptly, and fails all outstanding requests.
func (c *Client) Stop() error {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if stdin != nil {
		stdin.Close()
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-exited
	}

	c.shutdown()
	return nil
}

// shutdown fails all pending requests and closes the notification stream.
// Safe to call more than once.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan *rpcMessage)
	c.asyncPrompt = make(map[uint64]bool)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(c.done)
	close(c.notifications)
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// writeMessage serializes and writes one frame under the write lock. Each
// frame is one line of JSON.
func (c *Client) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	stdin := c.stdin
	closed := c.closed
	c.mu.Unlock()
	if stdin == nil {
		return ErrNotStarted
	}
	if closed {
		return ErrTransportClosed
	}

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent: %w", err)
	}
	return nil
}

// call sends a request and waits for its response, bounded by the request
// timeout and the caller's context.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.dropPending(id)
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrTransportClosed
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-time.After(requestTimeout):
		c.dropPending(id)
		return fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

// callAsync sends a request without waiting. The response, when it arrives,
// is surfaced on the notification stream as a prompt completion.
func (c *Client) callAsync(method string, params any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	c.nextID++
	id := c.nextID
	c.asyncPrompt[id] = true
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.mu.Lock()
		delete(c.asyncPrompt, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

// notify sends a notification (no id, no response expected).
func (c *Client) notify(method string, params any) error {
	return c.writeMessage(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// =============================================================================
// READ LOOP
// =============================================================================

// readLoop reads newline-delimited JSON-RPC frames from the agent until the
// pipe closes, dispatching responses to pending callers, answering agent
// requests, and forwarding notifications.
func (c *Client) readLoop(stdout io.Reader) {
	defer c.shutdown()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// Agents sometimes write diagnostics to stdout; skip
			// anything that is not a JSON-RPC frame.
			continue
		}

		switch {
		case msg.Method != "" && msg.ID != nil:
			c.handleAgentRequest(&msg)
		case msg.Method != "":
			c.handleNotification(&msg)
		case msg.ID != nil:
			c.handleResponse(&msg)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("agent read loop ended: %v", err)
	}
}

// handleResponse routes a response to its waiting caller, or converts an
// asynchronous prompt response into a completion notification.
func (c *Client) handleResponse(msg *rpcMessage) {
	c.mu.Lock()
	ch, waiting := c.pending[*msg.ID]
	if waiting {
		delete(c.pending, *msg.ID)
	}
	async := c.asyncPrompt[*msg.ID]
	if async {
		delete(c.asyncPrompt, *msg.ID)
	}
	c.mu.Unlock()

	if waiting {
		ch <- msg
		return
	}
	if !async {
		return
	}

	n := notification{Method: "prompt/complete"}
	if msg.Error != nil {
		n.Err = msg.Error
	} else if len(msg.Result) > 0 {
		var result promptResult
		if err := json.Unmarshal(msg.Result, &result); err == nil {
			n.StopReason = result.StopReason
		}
	}
	c.push(n)
}

// handleNotification forwards a session/update push to the adapter.
func (c *Client) handleNotification(msg *rpcMessage) {
	if msg.Method != "session/update" {
		return
	}
	var sn sessionNotification
	if err := json.Unmarshal(msg.Params, &sn); err != nil {
		log.Printf("malformed session/update from agent: %v", err)
		return
	}
	c.push(notification{Method: msg.Method, Session: &sn})
}

// handleAgentRequest answers requests the agent sends to us. Permission
// requests are auto-answered with the most permissive allow option so the
// agent never blocks on an interactive confirmation.
func (c *Client) handleAgentRequest(msg *rpcMessage) {
	switch msg.Method {
	case "session/request_permission":
		var params permissionParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			log.Printf("malformed permission request: %v", err)
			return
		}
		outcome := pickPermissionOption(params.Options)
		if err := c.writeMessage(rpcResponse{JSONRPC: "2.0", ID: *msg.ID, Result: outcome}); err != nil {
			log.Printf("permission response failed: %v", err)
		}
	default:
		// Unknown agent request: respond with an empty result so the
		// agent does not hang on us.
		c.writeMessage(rpcResponse{JSONRPC: "2.0", ID: *msg.ID, Result: struct{}{}})
	}
}

// pickPermissionOption selects an allow option from a permission request,
// preferring allow_once, then allow_always, then the first option offered.
func pickPermissionOption(options []permissionOption) permissionOutcome {
	var always string
	for _, opt := range options {
		switch opt.Kind {
		case "allow_once":
			return permissionOutcome{Outcome: "selected", OptionID: opt.OptionID}
		case "allow_always":
			if always == "" {
				always = opt.OptionID
			}
		}
	}
	if always != "" {
		return permissionOutcome{Outcome: "selected", OptionID: always}
	}
	if len(options) > 0 {
		return permissionOutcome{Outcome: "selected", OptionID: options[0].OptionID}
	}
	return permissionOutcome{Outcome: "cancelled"}
}

// push delivers a notification without blocking the read loop; if the
// consumer has fallen this far behind, the oldest burst is dropped.
func (c *Client) push(n notification) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.notifications <- n:
	default:
		log.Printf("agent notification buffer full, dropping %s", n.Method)
	}
}

// =============================================================================
// PROTOCOL OPERATIONS
// =============================================================================

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) (*initializeResult, error) {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      clientInfo{Name: "relay", Version: "1.0"},
		Capabilities: clientCapabilities{
			FS: fsCapabilities{ReadTextFile: false, WriteTextFile: false},
		},
	}
	var result initializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Authenticate performs the named auth method.
func (c *Client) Authenticate(ctx context.Context, methodID string) error {
	return c.call(ctx, "authenticate", authenticateParams{MethodID: methodID}, nil)
}

// NewSession creates an agent-side session rooted at workingDir.
func (c *Client) NewSession(ctx context.Context, workingDir string) (string, error) {
	var result newSessionResult
	err := c.call(ctx, "session/new", newSessionParams{Cwd: workingDir, McpServers: []any{}}, &result)
	if err != nil {
		return "", err
	}
	return result.SessionID, nil
}

// LoadSession resumes an existing agent-side session.
func (c *Client) LoadSession(ctx context.Context, sessionID, workingDir string) error {
	params := loadSessionParams{SessionID: sessionID, Cwd: workingDir, McpServers: []any{}}
	return c.call(ctx, "session/load", params, nil)
}

// ListSessions returns the agent's stored sessions.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var result listSessionsResult
	if err := c.call(ctx, "session/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// DeleteSession removes an agent-side session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, "session/delete", deleteSessionParams{SessionID: sessionID}, nil)
}

// Prompt starts a turn. The call returns as soon as the request is written;
// stream output and the final stop reason arrive as notifications.
func (c *Client) Prompt(sessionID string, blocks []contentBlock) error {
	return c.callAsync("session/prompt", promptParams{SessionID: sessionID, Prompt: blocks})
}

// Cancel aborts the in-flight turn.
func (c *Client) Cancel(sessionID string) error {
	return c.notify("session/cancel", cancelParams{SessionID: sessionID})
}
