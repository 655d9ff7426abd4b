// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine coordinates the whole chat flow: it owns the canonical
// session state, routes user sends to the active provider adapter, folds
// adapter events into state mutations, drives the tool executor, and
// triggers persistence after every mutation. All state mutation funnels
// through one mutex, so adapter pumps and executor workers never touch
// shared state concurrently.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/jeranaias/relay-tui/internal/executor"
	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/provider"
	"github.com/jeranaias/relay-tui/internal/store"
)

// =============================================================================
// ERRORS AND PLACEHOLDERS
// =============================================================================

var (
	// ErrNoActiveSession indicates an operation that needs a session ran
	// without one.
	ErrNoActiveSession = errors.New("no active session")

	// ErrNotConnected indicates the active adapter failed to initialize
	// and cannot accept prompts.
	ErrNotConnected = errors.New("provider not connected")

	// ErrTurnInFlight indicates a send while a turn is already running.
	ErrTurnInFlight = errors.New("a turn is already in flight")
)

const (
	// stoppedPlaceholder fills a cancelled message that produced nothing.
	stoppedPlaceholder = "stopped"

	// noResultPlaceholder closes out tool calls that ended without
	// output, since backends reject empty tool results.
	noResultPlaceholder = "no result available"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// AdapterFactory builds the adapter for a provider. The orchestrator owns
// the returned adapter's lifecycle.
type AdapterFactory func(p model.Provider) (provider.Adapter, error)

// Options configure an Orchestrator.
type Options struct {
	Factory AdapterFactory
	// Tools is the capability registry tool calls execute against.
	Tools *executor.Registry
	// ToolSchemas are offered to backends that accept client-side tools.
	ToolSchemas []provider.ToolSchema
	// Concurrency bounds the tool executor; <= 0 selects the default.
	Concurrency int
	// Persist is called after every state mutation; wire it to a
	// debounced saver. May be nil.
	Persist func()
}

// turnState tracks the in-flight turn.
type turnState struct {
	token  uint64
	sess   *model.ChatSession
	msg    *model.ChatMessage
	wireID string
	// cancel aborts the executor's shared context.
	cancel context.CancelFunc
	ctx    context.Context
}

// Orchestrator owns the canonical chat state and the active adapter.
type Orchestrator struct {
	mu sync.Mutex

	factory AdapterFactory
	exec    *executor.Executor
	schemas []provider.ToolSchema
	subs    *registry
	persist func()

	sessions []*model.ChatSession
	activeID string

	adapter         provider.Adapter
	adapterProvider model.Provider

	// runToken invalidates late events: it is bumped on every cancel and
	// provider/session switch, and events belonging to an older token
	// are discarded.
	runToken uint64
	turn     *turnState
}

// New creates an orchestrator, restoring state from snap when present.
func New(opts Options, snap *store.Snapshot) *Orchestrator {
	o := &Orchestrator{
		factory: opts.Factory,
		exec:    executor.New(opts.Tools, opts.Concurrency),
		schemas: opts.ToolSchemas,
		subs:    newRegistry(),
		persist: opts.Persist,
	}
	if o.persist == nil {
		o.persist = func() {}
	}
	if snap != nil {
		o.sessions = snap.Sessions
		o.activeID = snap.ActiveSessionID
	}
	return o
}

// SetPersist installs the persistence hook after construction. The saver
// captures snapshots from the orchestrator, so it cannot exist before it.
func (o *Orchestrator) SetPersist(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if fn == nil {
		fn = func() {}
	}
	o.persist = fn
}

// Subscribe registers a state-change consumer.
func (o *Orchestrator) Subscribe() (int, <-chan Update) {
	return o.subs.subscribe()
}

// Unsubscribe removes a consumer.
func (o *Orchestrator) Unsubscribe(id int) {
	o.subs.unsubscribe(id)
}

// Close cancels any in-flight turn, stops the adapter, and closes all
// subscriptions.
func (o *Orchestrator) Close() {
	o.CancelTurn(context.Background())

	o.mu.Lock()
	adapter := o.adapter
	o.adapter = nil
	o.mu.Unlock()

	if adapter != nil {
		adapter.Stop()
	}
	o.subs.closeAll()
}

// =============================================================================
// STATE ACCESS
// =============================================================================

// Snapshot returns a deep copy of the persistable state, safe to serialize
// while the engine keeps mutating.
func (o *Orchestrator) Snapshot() *store.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := json.Marshal(o.sessions)
	if err != nil {
		log.Printf("snapshot encode failed: %v", err)
		return nil
	}
	var sessions []*model.ChatSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		log.Printf("snapshot decode failed: %v", err)
		return nil
	}
	return &store.Snapshot{Sessions: sessions, ActiveSessionID: o.activeID}
}

// Sessions returns the session list (shared pointers; treat as read-only).
func (o *Orchestrator) Sessions() []*model.ChatSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*model.ChatSession, len(o.sessions))
	copy(out, o.sessions)
	return out
}

// Connected reports whether the active adapter is up.
func (o *Orchestrator) Connected() bool {
	o.mu.Lock()
	adapter := o.adapter
	o.mu.Unlock()
	return adapter != nil && adapter.Connected()
}

// TurnInFlight reports whether a turn is currently running.
func (o *Orchestrator) TurnInFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turn != nil
}

// ActiveSession returns the active session, or nil.
func (o *Orchestrator) ActiveSession() *model.ChatSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionLocked(o.activeID)
}

func (o *Orchestrator) sessionLocked(id string) *model.ChatSession {
	for _, s := range o.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// =============================================================================
// SESSION MANAGEMENT
// =============================================================================

// NewSession creates a session for the given provider and makes it active.
func (o *Orchestrator) NewSession(p model.Provider) *model.ChatSession {
	o.mu.Lock()
	o.endTurnLocked()
	s := model.NewChatSession(p)
	o.sessions = append(o.sessions, s)
	o.activeID = s.ID
	o.mu.Unlock()

	o.subs.publish(Update{Kind: UpdateSessions, SessionID: s.ID})
	o.persist()
	return s
}

// SelectSession makes the named session active, binding the adapter to it.
func (o *Orchestrator) SelectSession(ctx context.Context, id string) error {
	o.mu.Lock()
	s := o.sessionLocked(id)
	if s == nil {
		o.mu.Unlock()
		return fmt.Errorf("unknown session %q", id)
	}
	o.endTurnLocked()
	o.activeID = id
	o.mu.Unlock()

	o.subs.publish(Update{Kind: UpdateSessions, SessionID: id})
	o.persist()
	return nil
}

// DeleteSession removes a session. When the session has a remote handle and
// the adapter can delete server-side state, that is attempted best-effort.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	o.mu.Lock()
	s := o.sessionLocked(id)
	if s == nil {
		o.mu.Unlock()
		return fmt.Errorf("unknown session %q", id)
	}
	if o.activeID == id {
		o.endTurnLocked()
	}

	remaining := o.sessions[:0]
	for _, sess := range o.sessions {
		if sess.ID != id {
			remaining = append(remaining, sess)
		}
	}
	o.sessions = remaining
	if o.activeID == id {
		o.activeID = ""
		if len(o.sessions) > 0 {
			o.activeID = o.sessions[len(o.sessions)-1].ID
		}
	}
	adapter := o.adapter
	sameProvider := o.adapterProvider == s.Provider
	o.mu.Unlock()

	if s.RemoteSessionID != "" && adapter != nil && sameProvider {
		type remoteDeleter interface {
			DeleteSession(ctx context.Context, remoteID string) error
		}
		if rd, ok := adapter.(remoteDeleter); ok {
			if err := rd.DeleteSession(ctx, s.RemoteSessionID); err != nil {
				log.Printf("remote session delete failed: %v", err)
			}
		}
	}

	o.subs.publish(Update{Kind: UpdateSessions})
	o.persist()
	return nil
}

// SwitchProvider moves the active session to another provider, tearing the
// previous adapter down before the new one comes up.
func (o *Orchestrator) SwitchProvider(ctx context.Context, p model.Provider) error {
	o.mu.Lock()
	s := o.sessionLocked(o.activeID)
	if s == nil {
		o.mu.Unlock()
		return ErrNoActiveSession
	}
	o.endTurnLocked()
	s.Provider = p
	s.RemoteSessionID = ""
	s.Touch()
	o.mu.Unlock()

	o.subs.publish(Update{Kind: UpdateSessions, SessionID: s.ID})
	o.persist()

	// Bring the new adapter up eagerly so connection errors surface on
	// the switch, not on the next send.
	_, err := o.ensureAdapter(ctx, s)
	return err
}

// =============================================================================
// ADAPTER LIFECYCLE
// =============================================================================

// ensureAdapter makes the adapter for the session's provider current and
// binds it to the session, returning the wire id events will carry.
func (o *Orchestrator) ensureAdapter(ctx context.Context, s *model.ChatSession) (string, error) {
	o.mu.Lock()
	adapter := o.adapter
	current := o.adapterProvider
	o.mu.Unlock()

	if adapter == nil || current != s.Provider || !adapter.Connected() {
		if adapter != nil {
			// Single active provider: the old adapter goes down first.
			adapter.Stop()
		}

		fresh, err := o.factory(s.Provider)
		if err != nil {
			return "", err
		}
		if _, err := fresh.Initialize(ctx); err != nil {
			fresh.Stop()
			return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		fresh.SetTools(o.schemas)

		o.mu.Lock()
		o.adapter = fresh
		o.adapterProvider = s.Provider
		o.runToken++
		o.turn = nil
		o.mu.Unlock()

		go o.pump(fresh)
		o.pruneRemoteSessions(ctx, fresh, s.Provider)
		adapter = fresh
	}

	remoteID, err := adapter.EnsureSession(ctx, s)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	if remoteID != "" && s.RemoteSessionID != remoteID {
		s.RemoteSessionID = remoteID
		s.Touch()
	}
	o.mu.Unlock()
	o.persist()

	wireID := remoteID
	if wireID == "" {
		wireID = s.ID
	}
	return wireID, nil
}

// pruneRemoteSessions clears RemoteSessionID on sessions whose remote
// counterpart the backend no longer stores, so the next send creates a
// fresh one instead of trying to load a dead session. Best-effort:
// backends without a session list skip it.
func (o *Orchestrator) pruneRemoteSessions(ctx context.Context, adapter provider.Adapter, p model.Provider) {
	lister, ok := adapter.(interface {
		RemoteSessions(ctx context.Context) ([]provider.RemoteSession, error)
	})
	if !ok {
		return
	}
	remote, err := lister.RemoteSessions(ctx)
	if err != nil {
		return
	}
	alive := make(map[string]bool, len(remote))
	for _, r := range remote {
		alive[r.ID] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, sess := range o.sessions {
		if sess.Provider == p && sess.RemoteSessionID != "" && !alive[sess.RemoteSessionID] {
			sess.RemoteSessionID = ""
		}
	}
}

// pump folds one adapter's event stream into state mutations.
func (o *Orchestrator) pump(adapter provider.Adapter) {
	for ev := range adapter.Events() {
		o.handleEvent(ev)
	}
}

// =============================================================================
// SENDING AND CANCELLING
// =============================================================================

// Send starts a turn on the active session with the user's text and any
// attachments.
func (o *Orchestrator) Send(ctx context.Context, text string, attachments []model.Attachment) error {
	o.mu.Lock()
	s := o.sessionLocked(o.activeID)
	if s == nil {
		o.mu.Unlock()
		return ErrNoActiveSession
	}
	if o.turn != nil {
		o.mu.Unlock()
		return ErrTurnInFlight
	}
	o.mu.Unlock()

	wireID, err := o.ensureAdapter(ctx, s)
	if err != nil {
		return err
	}

	userMsg := model.NewUserMessage(text)
	userMsg.Attachments = attachments
	assistant := model.NewAssistantMessage()

	execCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	// The lock was released while the adapter started; a concurrent send
	// may have claimed the turn in the meantime.
	if o.turn != nil {
		o.mu.Unlock()
		cancel()
		return ErrTurnInFlight
	}
	s.AddMessage(userMsg)
	s.AddMessage(assistant)
	o.turn = &turnState{
		token:  o.runToken,
		sess:   s,
		msg:    assistant,
		wireID: wireID,
		cancel: cancel,
		ctx:    execCtx,
	}
	adapter := o.adapter
	o.mu.Unlock()

	o.subs.publish(Update{Kind: UpdateMessage, SessionID: s.ID, MessageID: assistant.ID})
	o.persist()

	blocks := []provider.ContentBlock{{Text: text}}
	for i := range attachments {
		blocks = append(blocks, provider.ContentBlock{Attachment: &attachments[i]})
	}
	if err := adapter.SendPrompt(ctx, wireID, blocks, nil); err != nil {
		o.mu.Lock()
		o.turn = nil
		assistant.Fail(err.Error())
		o.mu.Unlock()
		cancel()
		o.subs.publish(Update{Kind: UpdateTurnEnded, SessionID: s.ID, MessageID: assistant.ID})
		o.persist()
		return err
	}
	return nil
}

// CancelTurn aborts the in-flight turn: the run token advances so late
// events are discarded, the executor's shared context aborts, consumers
// flush their reveal pacing, the active message closes as cancelled, and
// tool calls left open close with a synthetic result.
func (o *Orchestrator) CancelTurn(ctx context.Context) {
	o.mu.Lock()
	turn := o.turn
	if turn == nil {
		o.mu.Unlock()
		return
	}
	o.runToken++
	o.turn = nil
	turn.cancel()

	if turn.msg.IsEmpty() {
		turn.msg.Content = stoppedPlaceholder
	}
	turn.msg.Finish(model.StatusCancelled)
	for _, tc := range turn.msg.ToolCalls {
		tc.MarkCancelled()
		tc.BackfillResult(noResultPlaceholder)
	}
	turn.sess.Touch()
	adapter := o.adapter
	o.mu.Unlock()

	if adapter != nil {
		if err := adapter.Cancel(ctx, turn.wireID); err != nil {
			log.Printf("cancel failed: %v", err)
		}
	}

	o.subs.publish(Update{Kind: UpdateTurnEnded, SessionID: turn.sess.ID, MessageID: turn.msg.ID})
	o.persist()
}

// endTurnLocked invalidates the in-flight turn without the cancel
// ceremony; used when the turn's session stops being current.
func (o *Orchestrator) endTurnLocked() {
	if o.turn == nil {
		return
	}
	o.runToken++
	o.turn.cancel()
	if o.turn.msg.IsEmpty() {
		o.turn.msg.Content = stoppedPlaceholder
	}
	o.turn.msg.Finish(model.StatusCancelled)
	o.turn = nil
}

// =============================================================================
// EVENT HANDLING
// =============================================================================

// handleEvent applies one adapter event to the in-flight turn. Events with
// a stale run token (a cancel or switch happened after they were emitted)
// are discarded.
func (o *Orchestrator) handleEvent(ev provider.Event) {
	o.mu.Lock()

	turn := o.turn
	if turn == nil || turn.token != o.runToken {
		o.mu.Unlock()
		return
	}
	if ev.SessionID != "" && ev.SessionID != turn.wireID {
		o.mu.Unlock()
		return
	}

	s, msg := turn.sess, turn.msg

	switch ev.Type {
	case provider.EventContentDelta:
		msg.AppendContent(ev.Delta)
		s.Touch()
		o.finishMutation(Update{Kind: UpdateMessage, SessionID: s.ID, MessageID: msg.ID})

	case provider.EventReasoningDelta:
		msg.AppendReasoning(ev.Delta, nil)
		s.Touch()
		o.finishMutation(Update{Kind: UpdateMessage, SessionID: s.ID, MessageID: msg.ID})

	case provider.EventToolCallStart, provider.EventToolCallUpdate:
		applyToolCallEvent(msg, ev.ToolCall)
		s.Touch()
		o.finishMutation(Update{Kind: UpdateToolCall, SessionID: s.ID, MessageID: msg.ID})

	case provider.EventToolCallBatch:
		o.beginBatchLocked(turn, ev.Batch)

	case provider.EventPlanUpdate:
		s.SetPlan(ev.Plan)
		o.finishMutation(Update{Kind: UpdatePlan, SessionID: s.ID})

	case provider.EventRetryNotice:
		o.mu.Unlock()
		o.subs.publish(Update{Kind: UpdateRetry, SessionID: s.ID, Notice: ev.Delta})

	case provider.EventTurnComplete:
		msg.Finish(model.StatusComplete)
		s.Touch()
		o.turn = nil
		o.finishMutation(Update{Kind: UpdateTurnEnded, SessionID: s.ID, MessageID: msg.ID})

	case provider.EventTurnCancelled:
		if msg.IsEmpty() {
			msg.Content = stoppedPlaceholder
		}
		msg.Finish(model.StatusCancelled)
		s.Touch()
		o.turn = nil
		o.finishMutation(Update{Kind: UpdateTurnEnded, SessionID: s.ID, MessageID: msg.ID})

	case provider.EventTurnError:
		errMsg := "unknown provider error"
		if ev.Err != nil {
			errMsg = ev.Err.Error()
		}
		msg.Fail(errMsg)
		s.Touch()
		o.turn = nil
		o.finishMutation(Update{Kind: UpdateTurnEnded, SessionID: s.ID, MessageID: msg.ID})

	default:
		o.mu.Unlock()
	}
}

// finishMutation publishes and persists after a locked mutation. It
// releases the lock.
func (o *Orchestrator) finishMutation(u Update) {
	o.mu.Unlock()
	o.subs.publish(u)
	o.persist()
}

// applyToolCallEvent upserts a tool call from a start/update event.
func applyToolCallEvent(msg *model.ChatMessage, tce *provider.ToolCallEvent) {
	if tce == nil {
		return
	}
	msg.UpsertToolCall(&model.ToolCall{
		ID:        tce.ID,
		Name:      tce.Name,
		Arguments: tce.Arguments,
		Status:    tce.Status,
		Result:    tce.Result,
	})
}

// =============================================================================
// TOOL CALL BATCHES
// =============================================================================

// beginBatchLocked handles a tool_call_batch event: the requesting message
// closes out, the batch lands in it as pending calls, and execution starts.
// Called with the lock held; releases it.
func (o *Orchestrator) beginBatchLocked(turn *turnState, batch []*provider.ToolCallEvent) {
	s, msg := turn.sess, turn.msg

	// The requesting message is done streaming; consumers flush pacing.
	msg.Finish(model.StatusComplete)

	requests := make([]executor.Request, 0, len(batch))
	for _, tce := range batch {
		applyToolCallEvent(msg, tce)
		requests = append(requests, executor.Request{
			ID:        tce.ID,
			Name:      tce.Name,
			Arguments: tce.Arguments,
		})
	}
	s.Touch()
	o.finishMutation(Update{Kind: UpdateTurnEnded, SessionID: s.ID, MessageID: msg.ID})

	go o.runBatch(turn, requests)
}

// runBatch executes the batch and, if the turn is still live, syncs the
// results back to the backend and re-opens a fresh assistant message for
// the continuation.
func (o *Orchestrator) runBatch(turn *turnState, requests []executor.Request) {
	results := o.exec.Run(turn.ctx, requests, func(id string, status model.ToolCallStatus, result string) {
		o.mu.Lock()
		if turn.token == o.runToken {
			if tc := turn.msg.ToolCall(id); tc != nil {
				applyStatus(tc, status, result)
			}
		}
		live := turn.token == o.runToken
		sid, mid := turn.sess.ID, turn.msg.ID
		o.mu.Unlock()
		if live {
			o.subs.publish(Update{Kind: UpdateToolCall, SessionID: sid, MessageID: mid})
			o.persist()
		}
	})

	o.mu.Lock()
	if turn.token != o.runToken {
		// Cancelled while executing; CancelTurn already closed the calls.
		o.mu.Unlock()
		return
	}

	wireResults := make([]provider.ToolResult, 0, len(results))
	for _, r := range results {
		if tc := turn.msg.ToolCall(r.ID); tc != nil {
			applyStatus(tc, r.Status, r.Result)
			tc.BackfillResult(noResultPlaceholder)
			r.Result = tc.Result
		} else if r.Result == "" {
			r.Result = noResultPlaceholder
		}
		wireResults = append(wireResults, provider.ToolResult{
			ID:     r.ID,
			Status: r.Status,
			Result: r.Result,
		})
	}

	// Continuation: a fresh assistant message picks up where the batch
	// interrupted. Backends that continue the same message in place never
	// emit batches, so this path only runs for batch-style backends.
	next := model.NewAssistantMessage()
	turn.sess.AddMessage(next)
	turn.msg = next
	adapter := o.adapter
	wireID := turn.wireID
	sid := turn.sess.ID
	o.mu.Unlock()

	o.subs.publish(Update{Kind: UpdateMessage, SessionID: sid, MessageID: next.ID})
	o.persist()

	if err := adapter.CompleteToolCalls(context.Background(), wireID, wireResults); err != nil {
		o.mu.Lock()
		if turn.token == o.runToken {
			next.Fail(err.Error())
			o.turn = nil
		}
		o.mu.Unlock()
		o.subs.publish(Update{Kind: UpdateTurnEnded, SessionID: sid, MessageID: next.ID})
		o.persist()
	}
}

// applyStatus moves a tool call toward the executor-reported state.
func applyStatus(tc *model.ToolCall, status model.ToolCallStatus, result string) {
	switch status {
	case model.ToolRunning:
		tc.MarkRunning()
	case model.ToolCompleted:
		tc.MarkCompleted(result)
	case model.ToolFailed:
		tc.MarkFailed(result)
	case model.ToolCancelled:
		tc.MarkCancelled()
	}
}
