// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/provider"
)

func TestPickPermissionOption(t *testing.T) {
	tests := []struct {
		name    string
		options []permissionOption
		want    permissionOutcome
	}{
		{
			name: "prefers allow_once",
			options: []permissionOption{
				{OptionID: "always", Kind: "allow_always"},
				{OptionID: "once", Kind: "allow_once"},
				{OptionID: "no", Kind: "reject_once"},
			},
			want: permissionOutcome{Outcome: "selected", OptionID: "once"},
		},
		{
			name: "falls back to allow_always",
			options: []permissionOption{
				{OptionID: "no", Kind: "reject_once"},
				{OptionID: "always", Kind: "allow_always"},
			},
			want: permissionOutcome{Outcome: "selected", OptionID: "always"},
		},
		{
			name: "takes first option when nothing allows",
			options: []permissionOption{
				{OptionID: "no", Kind: "reject_once"},
			},
			want: permissionOutcome{Outcome: "selected", OptionID: "no"},
		},
		{
			name:    "cancels with no options",
			options: nil,
			want:    permissionOutcome{Outcome: "cancelled"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickPermissionOption(tt.options); got != tt.want {
				t.Errorf("pickPermissionOption = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSessionUpdateUnmarshalChunk(t *testing.T) {
	raw := `{"sessionUpdate":"agent_thought_chunk","content":{"text":"hmm"}}`
	var u sessionUpdate
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.SessionUpdate != "agent_thought_chunk" {
		t.Errorf("kind = %q", u.SessionUpdate)
	}
	if u.Content == nil || u.Content.Text != "hmm" {
		t.Errorf("content = %+v", u.Content)
	}
}

func TestSessionUpdateUnmarshalToolOutput(t *testing.T) {
	raw := `{
		"sessionUpdate": "tool_call_update",
		"toolCallId": "call-1",
		"status": "completed",
		"content": [
			{"type":"content","content":{"text":"line one"}},
			{"type":"content","content":{"text":"line two"}}
		]
	}`
	var u sessionUpdate
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.ToolCallID != "call-1" || u.Status != "completed" {
		t.Errorf("toolCallId=%q status=%q", u.ToolCallID, u.Status)
	}
	if got := flattenToolOutput(u.ToolOutput); got != "line one\nline two" {
		t.Errorf("flattened output = %q", got)
	}
}

func drainOne(t *testing.T, a *Adapter) provider.Event {
	t.Helper()
	select {
	case ev := <-a.Events():
		return ev
	default:
		t.Fatal("expected an event")
		return provider.Event{}
	}
}

func TestEmitSessionUpdateNormalization(t *testing.T) {
	a := New(Config{})
	a.setActiveSession("sess-1")

	a.emitSessionUpdate(&sessionNotification{
		SessionID: "sess-1",
		Update: sessionUpdate{
			SessionUpdate: "agent_message_chunk",
			Content:       &updateContent{Text: "hello"},
		},
	})
	ev := drainOne(t, a)
	if ev.Type != provider.EventContentDelta || ev.Delta != "hello" {
		t.Errorf("content event = %+v", ev)
	}

	a.emitSessionUpdate(&sessionNotification{
		SessionID: "sess-1",
		Update: sessionUpdate{
			SessionUpdate: "tool_call",
			ToolCallID:    "call-1",
			Title:         "Read file",
			RawInput:      map[string]any{"path": "main.go"},
			Status:        "in_progress",
		},
	})
	ev = drainOne(t, a)
	if ev.Type != provider.EventToolCallStart {
		t.Fatalf("event type = %q", ev.Type)
	}
	if ev.ToolCall.Name != "Read file" || ev.ToolCall.Status != model.ToolRunning {
		t.Errorf("tool call = %+v", ev.ToolCall)
	}

	a.emitSessionUpdate(&sessionNotification{
		SessionID: "sess-1",
		Update: sessionUpdate{
			SessionUpdate: "plan",
			Entries: []planEntry{
				{Step: "read the code", Status: "in_progress", Priority: "bogus"},
			},
		},
	})
	ev = drainOne(t, a)
	if ev.Type != provider.EventPlanUpdate || len(ev.Plan) != 1 {
		t.Fatalf("plan event = %+v", ev)
	}
	if ev.Plan[0].Content != "read the code" {
		t.Errorf("plan content = %q", ev.Plan[0].Content)
	}
	if ev.Plan[0].Priority != model.PriorityMedium {
		t.Errorf("unknown priority must normalize to medium, got %q", ev.Plan[0].Priority)
	}
}

func TestEmitSessionUpdateDropsStaleSession(t *testing.T) {
	a := New(Config{})
	a.setActiveSession("sess-2")

	a.emitSessionUpdate(&sessionNotification{
		SessionID: "sess-1",
		Update: sessionUpdate{
			SessionUpdate: "agent_message_chunk",
			Content:       &updateContent{Text: "ghost"},
		},
	})

	select {
	case ev := <-a.Events():
		t.Fatalf("stale-session event must be dropped, got %+v", ev)
	default:
	}
}

func TestEmitPromptComplete(t *testing.T) {
	a := New(Config{})
	a.setActiveSession("sess-1")

	a.emitPromptComplete(notification{StopReason: "end_turn"})
	ev := drainOne(t, a)
	if ev.Type != provider.EventTurnComplete || ev.StopReason != "end_turn" {
		t.Errorf("complete event = %+v", ev)
	}

	a.emitPromptComplete(notification{StopReason: "cancelled"})
	ev = drainOne(t, a)
	if ev.Type != provider.EventTurnCancelled {
		t.Errorf("cancelled event = %+v", ev)
	}

	a.emitPromptComplete(notification{Err: &rpcError{Code: -32000, Message: "boom"}})
	ev = drainOne(t, a)
	if ev.Type != provider.EventTurnError || ev.Err == nil {
		t.Errorf("error event = %+v", ev)
	}
}

func TestToolStatusMapping(t *testing.T) {
	tests := []struct {
		in   string
		want model.ToolCallStatus
	}{
		{"pending", model.ToolPending},
		{"in_progress", model.ToolRunning},
		{"completed", model.ToolCompleted},
		{"failed", model.ToolFailed},
		{"cancelled", model.ToolCancelled},
		{"", model.ToolPending},
		{"weird", model.ToolPending},
	}
	for _, tt := range tests {
		if got := toolStatus(tt.in); got != tt.want {
			t.Errorf("toolStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// fakeAgent answers the adapter's session management requests over
// in-memory pipes, recording every method it sees. loadOK controls
// whether session/load succeeds or reports an unknown session.
type fakeAgent struct {
	mu       sync.Mutex
	methods  []string
	sessions int
	loadOK   bool
	out      *io.PipeWriter
}

// newFakeAgentAdapter wires an adapter to a fake agent through an
// in-memory transport. canLoad is the capability the handshake would
// have advertised.
func newFakeAgentAdapter(t *testing.T, canLoad, loadOK bool) (*Adapter, *fakeAgent) {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	fa := &fakeAgent{loadOK: loadOK, out: outW}
	go fa.serve(inR)

	client := NewClient()
	client.stdin = inW
	go client.readLoop(outR)

	a := New(Config{WorkingDir: "/tmp"})
	a.client = client
	a.connected = true
	a.loadSession = canLoad

	t.Cleanup(func() {
		inW.Close()
		outW.Close()
	})
	return a, fa
}

func (f *fakeAgent) serve(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		var msg rpcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg.ID == nil {
			continue
		}

		f.mu.Lock()
		f.methods = append(f.methods, msg.Method)
		var reply any
		switch msg.Method {
		case "session/new":
			f.sessions++
			reply = rpcResponse{
				JSONRPC: "2.0",
				ID:      *msg.ID,
				Result:  newSessionResult{SessionID: fmt.Sprintf("remote-%d", f.sessions)},
			}
		case "session/load":
			if f.loadOK {
				reply = rpcResponse{JSONRPC: "2.0", ID: *msg.ID, Result: struct{}{}}
			} else {
				reply = map[string]any{
					"jsonrpc": "2.0",
					"id":      *msg.ID,
					"error":   map[string]any{"code": -32001, "message": "unknown session"},
				}
			}
		default:
			reply = rpcResponse{JSONRPC: "2.0", ID: *msg.ID, Result: struct{}{}}
		}
		f.mu.Unlock()

		data, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		f.out.Write(append(data, '\n'))
	}
}

// calls counts how many times the agent saw a method.
func (f *fakeAgent) calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.methods {
		if m == method {
			n++
		}
	}
	return n
}

func TestEnsureSessionBindsOnce(t *testing.T) {
	a, fa := newFakeAgentAdapter(t, true, false)
	ctx := context.Background()

	s := model.NewChatSession(model.ProviderACP)

	first, err := a.EnsureSession(ctx, s)
	if err != nil {
		t.Fatalf("first EnsureSession: %v", err)
	}
	s.RemoteSessionID = first

	second, err := a.EnsureSession(ctx, s)
	if err != nil {
		t.Fatalf("second EnsureSession: %v", err)
	}
	if second != first {
		t.Errorf("remote session changed across sends: first=%q second=%q", first, second)
	}
	if n := fa.calls("session/new"); n != 1 {
		t.Errorf("session/new calls = %d, want 1", n)
	}
	if n := fa.calls("session/load"); n != 0 {
		t.Errorf("session/load calls = %d, want 0", n)
	}
}

func TestEnsureSessionSkipsLoadWithoutCapability(t *testing.T) {
	a, fa := newFakeAgentAdapter(t, false, true)
	ctx := context.Background()

	s := model.NewChatSession(model.ProviderACP)
	s.RemoteSessionID = "stored-7"

	got, err := a.EnsureSession(ctx, s)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if got != "remote-1" {
		t.Errorf("remote id = %q, want fresh session %q", got, "remote-1")
	}
	if n := fa.calls("session/load"); n != 0 {
		t.Errorf("session/load calls = %d, want 0 without the capability", n)
	}
	if n := fa.calls("session/new"); n != 1 {
		t.Errorf("session/new calls = %d, want 1", n)
	}
}

func TestEnsureSessionLoadsAdvertisedSession(t *testing.T) {
	a, fa := newFakeAgentAdapter(t, true, true)
	ctx := context.Background()

	s := model.NewChatSession(model.ProviderACP)
	s.RemoteSessionID = "stored-7"

	got, err := a.EnsureSession(ctx, s)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if got != "stored-7" {
		t.Errorf("remote id = %q, want loaded session %q", got, "stored-7")
	}
	if n := fa.calls("session/load"); n != 1 {
		t.Errorf("session/load calls = %d, want 1", n)
	}
	if n := fa.calls("session/new"); n != 0 {
		t.Errorf("session/new calls = %d, want 0", n)
	}
}

func TestEnsureSessionRecoversMissingRemote(t *testing.T) {
	a, fa := newFakeAgentAdapter(t, true, false)
	ctx := context.Background()

	s := model.NewChatSession(model.ProviderACP)
	s.RemoteSessionID = "stored-7"

	got, err := a.EnsureSession(ctx, s)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if got != "remote-1" {
		t.Errorf("remote id = %q, want fresh session %q", got, "remote-1")
	}
	if n := fa.calls("session/load"); n != 1 {
		t.Errorf("session/load calls = %d, want 1", n)
	}
}

func TestEmitKeepsTerminalEventWhenFull(t *testing.T) {
	a := New(Config{})
	a.events = make(chan provider.Event, 4)

	for i := 0; i < 6; i++ {
		a.emit(provider.Event{Type: provider.EventContentDelta, SessionID: "sess-1", Delta: "x"})
	}
	a.emit(provider.Event{Type: provider.EventTurnComplete, SessionID: "sess-1"})

	var last provider.Event
	got := 0
	for {
		select {
		case ev := <-a.events:
			last = ev
			got++
			continue
		default:
		}
		break
	}
	if got != 4 {
		t.Errorf("queued events = %d, want 4", got)
	}
	if last.Type != provider.EventTurnComplete {
		t.Errorf("last queued event = %q, want %q", last.Type, provider.EventTurnComplete)
	}
}
