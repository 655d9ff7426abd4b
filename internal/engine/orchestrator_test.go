// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/relay-tui/internal/executor"
	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/provider"
)

// =============================================================================
// FAKE ADAPTER
// =============================================================================

type fakeAdapter struct {
	mu        sync.Mutex
	events    chan provider.Event
	closeOnce sync.Once

	remoteID  string
	connected bool
	stopped   bool

	prompts   []string
	cancels   []string
	completed chan []provider.ToolResult

	// ensureGate, when set, blocks EnsureSession until the channel is
	// closed so tests can hold senders inside the adapter-start window.
	ensureGate chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		events:    make(chan provider.Event, 64),
		completed: make(chan []provider.ToolResult, 4),
	}
}

func (f *fakeAdapter) Initialize(ctx context.Context) (*provider.InitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return &provider.InitResult{ProtocolVersion: 1}, nil
}

func (f *fakeAdapter) Authenticate(ctx context.Context, methodID string) error { return nil }

func (f *fakeAdapter) EnsureSession(ctx context.Context, s *model.ChatSession) (string, error) {
	f.mu.Lock()
	gate := f.ensureGate
	id := f.remoteID
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return id, nil
}

func (f *fakeAdapter) SetTools(tools []provider.ToolSchema) {}

func (f *fakeAdapter) SendPrompt(ctx context.Context, sessionID string, blocks []provider.ContentBlock, items []provider.ContextItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(blocks) > 0 {
		f.prompts = append(f.prompts, blocks[0].Text)
	}
	return nil
}

func (f *fakeAdapter) CompleteToolCalls(ctx context.Context, sessionID string, results []provider.ToolResult) error {
	f.completed <- results
	return nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, sessionID)
	return nil
}

func (f *fakeAdapter) Events() <-chan provider.Event { return f.events }

func (f *fakeAdapter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.stopped
}

func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeAdapter) emit(ev provider.Event) { f.events <- ev }

func (f *fakeAdapter) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// =============================================================================
// HELPERS
// =============================================================================

func newTestOrchestrator(t *testing.T, fake *fakeAdapter, reg *executor.Registry) *Orchestrator {
	t.Helper()
	if reg == nil {
		reg = executor.NewRegistry()
	}
	o := New(Options{
		Factory: func(p model.Provider) (provider.Adapter, error) { return fake, nil },
		Tools:   reg,
	}, nil)
	t.Cleanup(o.Close)
	return o
}

func waitFor(t *testing.T, ch <-chan Update, kind UpdateKind) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatal("update channel closed")
			}
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestSendStreamsToCompletion(t *testing.T) {
	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, nil)
	id, updates := o.Subscribe()
	defer o.Unsubscribe(id)

	o.NewSession(model.ProviderOpenAI)
	if err := o.Send(context.Background(), "hello there", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	fake.emit(provider.Event{Type: provider.EventContentDelta, Delta: "Hi"})
	fake.emit(provider.Event{Type: provider.EventContentDelta, Delta: "."})
	fake.emit(provider.Event{Type: provider.EventTurnComplete, StopReason: "stop"})
	waitFor(t, updates, UpdateTurnEnded)

	s := o.ActiveSession()
	if len(s.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(s.Messages))
	}
	last := s.Messages[1]
	if last.Content != "Hi." {
		t.Errorf("content = %q", last.Content)
	}
	if last.Status != model.StatusComplete {
		t.Errorf("status = %q", last.Status)
	}
	if s.Title != "hello there" {
		t.Errorf("title = %q", s.Title)
	}
}

func TestSendWhileTurnInFlight(t *testing.T) {
	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, nil)

	o.NewSession(model.ProviderOpenAI)
	if err := o.Send(context.Background(), "first", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := o.Send(context.Background(), "second", nil); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("err = %v, want ErrTurnInFlight", err)
	}
	if n := fake.promptCount(); n != 1 {
		t.Errorf("prompts = %d, want 1", n)
	}
}

func TestCancelTurnDiscardsLateEvents(t *testing.T) {
	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, nil)
	id, updates := o.Subscribe()
	defer o.Unsubscribe(id)

	o.NewSession(model.ProviderOpenAI)
	if err := o.Send(context.Background(), "go", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	fake.emit(provider.Event{Type: provider.EventContentDelta, Delta: "partial"})
	waitFor(t, updates, UpdateMessage)

	o.CancelTurn(context.Background())
	waitFor(t, updates, UpdateTurnEnded)

	// Anything the backend emits after cancellation must not land.
	fake.emit(provider.Event{Type: provider.EventContentDelta, Delta: " late"})
	fake.emit(provider.Event{Type: provider.EventTurnComplete})
	time.Sleep(50 * time.Millisecond)

	s := o.ActiveSession()
	last := s.Messages[len(s.Messages)-1]
	if last.Content != "partial" {
		t.Errorf("content = %q, want %q", last.Content, "partial")
	}
	if last.Status != model.StatusCancelled {
		t.Errorf("status = %q", last.Status)
	}
	fake.mu.Lock()
	cancels := len(fake.cancels)
	fake.mu.Unlock()
	if cancels != 1 {
		t.Errorf("adapter cancels = %d, want 1", cancels)
	}
}

func TestCancelEmptyMessageGetsPlaceholder(t *testing.T) {
	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, nil)

	o.NewSession(model.ProviderOpenAI)
	if err := o.Send(context.Background(), "go", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	o.CancelTurn(context.Background())

	s := o.ActiveSession()
	last := s.Messages[len(s.Messages)-1]
	if last.Content != stoppedPlaceholder {
		t.Errorf("content = %q, want %q", last.Content, stoppedPlaceholder)
	}
}

func TestToolCallBatchExecutesAndResumes(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register("echo", func(ctx context.Context, args map[string]any) (string, error) {
		v, _ := args["v"].(string)
		return v, nil
	})

	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, reg)
	id, updates := o.Subscribe()
	defer o.Unsubscribe(id)

	o.NewSession(model.ProviderOpenAI)
	if err := o.Send(context.Background(), "use tools", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	fake.emit(provider.Event{Type: provider.EventToolCallBatch, Batch: []*provider.ToolCallEvent{
		{ID: "t1", Name: "echo", Arguments: map[string]any{"v": "one"}, Status: model.ToolPending},
		{ID: "t2", Name: "echo", Arguments: map[string]any{"v": "two"}, Status: model.ToolPending},
	}})

	var results []provider.ToolResult
	select {
	case results = <-fake.completed:
	case <-time.After(2 * time.Second):
		t.Fatal("CompleteToolCalls was never called")
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for i, want := range []string{"one", "two"} {
		if results[i].Status != model.ToolCompleted || results[i].Result != want {
			t.Errorf("result[%d] = %+v", i, results[i])
		}
	}

	s := o.ActiveSession()
	if len(s.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(s.Messages))
	}
	batchMsg := s.Messages[1]
	if batchMsg.Status != model.StatusComplete || len(batchMsg.ToolCalls) != 2 {
		t.Errorf("batch message = status %q, %d tool calls", batchMsg.Status, len(batchMsg.ToolCalls))
	}

	// The continuation streams into the fresh message.
	fake.emit(provider.Event{Type: provider.EventContentDelta, Delta: "done"})
	fake.emit(provider.Event{Type: provider.EventTurnComplete, StopReason: "stop"})
	waitFor(t, updates, UpdateTurnEnded)

	last := s.Messages[2]
	if last.Content != "done" || last.Status != model.StatusComplete {
		t.Errorf("continuation = %q (%q)", last.Content, last.Status)
	}
}

func TestUnknownToolGetsSyntheticResult(t *testing.T) {
	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, executor.NewRegistry())

	o.NewSession(model.ProviderOpenAI)
	if err := o.Send(context.Background(), "use tools", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	fake.emit(provider.Event{Type: provider.EventToolCallBatch, Batch: []*provider.ToolCallEvent{
		{ID: "t1", Name: "nope", Status: model.ToolPending},
	}})

	var results []provider.ToolResult
	select {
	case results = <-fake.completed:
	case <-time.After(2 * time.Second):
		t.Fatal("CompleteToolCalls was never called")
	}
	if results[0].Status != model.ToolFailed {
		t.Errorf("status = %q, want failed", results[0].Status)
	}
	if results[0].Result == "" {
		t.Error("failed call has no result text")
	}
}

func TestPlanAndRetryUpdates(t *testing.T) {
	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, nil)
	id, updates := o.Subscribe()
	defer o.Unsubscribe(id)

	o.NewSession(model.ProviderACP)
	if err := o.Send(context.Background(), "plan it", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	fake.emit(provider.Event{Type: provider.EventPlanUpdate, Plan: []model.PlanEntry{
		{Content: "step one", Status: model.PlanPending, Priority: model.PriorityHigh},
	}})
	waitFor(t, updates, UpdatePlan)
	if plan := o.ActiveSession().Plan; len(plan) != 1 || plan[0].Content != "step one" {
		t.Errorf("plan = %+v", plan)
	}

	fake.emit(provider.Event{Type: provider.EventRetryNotice, Delta: "retrying (attempt 1 of 3)", Attempt: 1})
	u := waitFor(t, updates, UpdateRetry)
	if u.Notice != "retrying (attempt 1 of 3)" {
		t.Errorf("notice = %q", u.Notice)
	}
}

func TestTurnErrorFailsMessage(t *testing.T) {
	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, nil)
	id, updates := o.Subscribe()
	defer o.Unsubscribe(id)

	o.NewSession(model.ProviderOpenAI)
	if err := o.Send(context.Background(), "boom", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	fake.emit(provider.Event{Type: provider.EventTurnError, Err: errors.New("backend fell over")})
	waitFor(t, updates, UpdateTurnEnded)

	last := o.ActiveSession().Messages[1]
	if last.Status != model.StatusError {
		t.Errorf("status = %q", last.Status)
	}
	if last.ErrorMessage != "backend fell over" {
		t.Errorf("error = %q", last.ErrorMessage)
	}
}

func TestSwitchProviderStopsOldAdapter(t *testing.T) {
	first := newFakeAdapter()
	second := newFakeAdapter()
	adapters := map[model.Provider]*fakeAdapter{
		model.ProviderOpenAI: first,
		model.ProviderACP:    second,
	}
	o := New(Options{
		Factory: func(p model.Provider) (provider.Adapter, error) { return adapters[p], nil },
		Tools:   executor.NewRegistry(),
	}, nil)
	t.Cleanup(o.Close)

	o.NewSession(model.ProviderOpenAI)
	if err := o.Send(context.Background(), "warm up", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	o.CancelTurn(context.Background())

	if err := o.SwitchProvider(context.Background(), model.ProviderACP); err != nil {
		t.Fatalf("SwitchProvider: %v", err)
	}

	first.mu.Lock()
	stopped := first.stopped
	first.mu.Unlock()
	if !stopped {
		t.Error("old adapter was not stopped")
	}
	if got := o.ActiveSession().Provider; got != model.ProviderACP {
		t.Errorf("provider = %q", got)
	}
	if !second.Connected() {
		t.Error("new adapter not connected")
	}
}

func TestDeleteSessionPicksNewActive(t *testing.T) {
	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, nil)

	a := o.NewSession(model.ProviderOpenAI)
	b := o.NewSession(model.ProviderOpenAI)

	if err := o.DeleteSession(context.Background(), b.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if got := o.ActiveSession(); got == nil || got.ID != a.ID {
		t.Errorf("active after delete = %+v", got)
	}
	if err := o.DeleteSession(context.Background(), "missing"); err == nil {
		t.Error("deleting unknown session did not error")
	}
}

func TestPersistRunsOnMutations(t *testing.T) {
	fake := newFakeAdapter()
	var saves atomic.Int64
	o := New(Options{
		Factory: func(p model.Provider) (provider.Adapter, error) { return fake, nil },
		Tools:   executor.NewRegistry(),
		Persist: func() { saves.Add(1) },
	}, nil)
	t.Cleanup(o.Close)
	id, updates := o.Subscribe()
	defer o.Unsubscribe(id)

	o.NewSession(model.ProviderOpenAI)
	after := saves.Load()
	if after == 0 {
		t.Fatal("NewSession did not persist")
	}

	if err := o.Send(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	fake.emit(provider.Event{Type: provider.EventContentDelta, Delta: "x"})
	fake.emit(provider.Event{Type: provider.EventTurnComplete})
	waitFor(t, updates, UpdateTurnEnded)

	if saves.Load() <= after {
		t.Error("streaming did not persist")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, nil)

	s := o.NewSession(model.ProviderOpenAI)
	s.AddMessage(model.NewUserMessage("original"))

	snap := o.Snapshot()
	if snap == nil || len(snap.Sessions) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	snap.Sessions[0].Messages[0].Content = "mutated"
	if o.ActiveSession().Messages[0].Content != "original" {
		t.Error("snapshot mutation leaked into live state")
	}
	if snap.ActiveSessionID != s.ID {
		t.Errorf("active id = %q", snap.ActiveSessionID)
	}
}

func TestConcurrentSendsClaimOneTurn(t *testing.T) {
	fake := newFakeAdapter()
	o := newTestOrchestrator(t, fake, nil)
	id, updates := o.Subscribe()
	defer o.Unsubscribe(id)

	o.NewSession(model.ProviderOpenAI)

	// A first turn brings the adapter up so later sends race only on
	// the turn claim, not on adapter startup.
	if err := o.Send(context.Background(), "warm", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	fake.emit(provider.Event{Type: provider.EventTurnComplete})
	waitFor(t, updates, UpdateTurnEnded)

	gate := make(chan struct{})
	fake.mu.Lock()
	fake.ensureGate = gate
	fake.mu.Unlock()

	errs := make(chan error, 2)
	go func() { errs <- o.Send(context.Background(), "left", nil) }()
	go func() { errs <- o.Send(context.Background(), "right", nil) }()
	close(gate)

	var won, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, ErrTurnInFlight):
			rejected++
		default:
			t.Fatalf("Send: %v", err)
		}
	}
	if won != 1 || rejected != 1 {
		t.Fatalf("winners = %d, rejected = %d, want 1 and 1", won, rejected)
	}
	if n := fake.promptCount(); n != 2 {
		t.Errorf("prompts = %d, want 2", n)
	}
}

// listingFakeAdapter additionally reports the backend's stored sessions.
type listingFakeAdapter struct {
	*fakeAdapter
	remote []provider.RemoteSession
}

func (f *listingFakeAdapter) RemoteSessions(ctx context.Context) ([]provider.RemoteSession, error) {
	return f.remote, nil
}

func TestEnsureAdapterPrunesDeadRemoteSessions(t *testing.T) {
	fake := &listingFakeAdapter{
		fakeAdapter: newFakeAdapter(),
		remote:      []provider.RemoteSession{{ID: "alive-1"}},
	}
	o := New(Options{
		Factory: func(p model.Provider) (provider.Adapter, error) { return fake, nil },
		Tools:   executor.NewRegistry(),
	}, nil)
	t.Cleanup(o.Close)

	stale := o.NewSession(model.ProviderACP)
	stale.RemoteSessionID = "dead-1"
	active := o.NewSession(model.ProviderACP)
	active.RemoteSessionID = "alive-1"

	if err := o.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if stale.RemoteSessionID != "" {
		t.Errorf("stale remote id = %q, want cleared", stale.RemoteSessionID)
	}
	if active.RemoteSessionID != "alive-1" {
		t.Errorf("live remote id = %q, want %q", active.RemoteSessionID, "alive-1")
	}
}
