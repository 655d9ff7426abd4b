// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import "sync"

// =============================================================================
// UPDATE NOTIFICATIONS
// =============================================================================

// UpdateKind classifies a state-change notification.
type UpdateKind int

const (
	// UpdateSessions means the session list or active session changed.
	UpdateSessions UpdateKind = iota
	// UpdateMessage means a message's content or status changed.
	UpdateMessage
	// UpdateToolCall means a tool call transitioned.
	UpdateToolCall
	// UpdatePlan means the session plan was replaced.
	UpdatePlan
	// UpdateRetry carries a transient-retry notice.
	UpdateRetry
	// UpdateTurnEnded means the active turn reached a terminal state.
	// Consumers flush any pending reveal pacing on this.
	UpdateTurnEnded
)

// Update is one state-change notification delivered to subscribers.
type Update struct {
	Kind      UpdateKind
	SessionID string
	MessageID string
	// Notice is the display text for UpdateRetry.
	Notice string
}

// =============================================================================
// SUBSCRIPTION REGISTRY
// =============================================================================

// registry fans updates out to subscribers. It is owned by the
// Orchestrator; subscription lifetime is explicit, tied to the consumer,
// not to process lifetime.
type registry struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Update
}

func newRegistry() *registry {
	return &registry{subs: make(map[int]chan Update)}
}

// subscribe registers a consumer and returns its id and channel.
func (r *registry) subscribe() (int, <-chan Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	ch := make(chan Update, 128)
	r.subs[r.nextID] = ch
	return r.nextID, ch
}

// unsubscribe removes a consumer and closes its channel.
func (r *registry) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(ch)
	}
}

// publish delivers an update to every subscriber without blocking; a
// subscriber that stopped draining loses updates rather than stalling the
// engine.
func (r *registry) publish(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// closeAll closes every subscription.
func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}
