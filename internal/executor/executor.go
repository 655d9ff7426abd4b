// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor runs batches of agent-requested tool calls with bounded
// concurrency and cooperative cancellation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/relay-tui/internal/model"
)

// =============================================================================
// CAPABILITIES
// =============================================================================

// Capability is one invokable tool: called by name with string-keyed
// arguments, returning display text.
type Capability func(ctx context.Context, args map[string]any) (string, error)

// ErrUnknownTool indicates a requested tool name has no registered
// capability.
var ErrUnknownTool = errors.New("unknown tool")

// Registry maps tool names to capabilities.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register binds a capability to a tool name, replacing any previous
// binding.
func (r *Registry) Register(name string, fn Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[name] = fn
}

// Resolve looks up the capability for a tool name.
func (r *Registry) Resolve(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.capabilities[name]
	return fn, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	return names
}

// =============================================================================
// EXECUTOR
// =============================================================================

// DefaultConcurrency is the worker limit when none is configured.
const DefaultConcurrency = 10

// Request is one tool call to execute.
type Request struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Result is the outcome of one request, reported in request order.
type Result struct {
	ID     string
	Status model.ToolCallStatus
	Result string
}

// Observer receives per-call lifecycle updates as they happen. Calls may
// arrive from concurrent workers; implementations serialize as needed.
type Observer func(id string, status model.ToolCallStatus, result string)

// Executor runs tool-call batches against a registry.
type Executor struct {
	registry *Registry
	limit    int
}

// New creates an executor with the given worker limit; limit <= 0 selects
// the default.
func New(registry *Registry, limit int) *Executor {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &Executor{registry: registry, limit: limit}
}

// Run executes a batch and returns results in request order. At most the
// configured number of calls run concurrently. Requests naming an
// unregistered tool fail immediately without consuming a worker. When ctx
// is cancelled, running and pending calls end cancelled; calls that already
// completed keep their results. The observer, when non-nil, sees each
// call's transitions as they occur.
func (e *Executor) Run(ctx context.Context, requests []Request, observe Observer) []Result {
	if observe == nil {
		observe = func(string, model.ToolCallStatus, string) {}
	}

	results := make([]Result, len(requests))

	// Resolve everything up front: unresolvable calls fail without ever
	// entering the queue, and sibling calls are unaffected.
	type job struct {
		index int
		fn    Capability
	}
	queue := make(chan job)
	var runnable []job
	for i, req := range requests {
		results[i] = Result{ID: req.ID, Status: model.ToolPending}
		fn, ok := e.registry.Resolve(req.Name)
		if !ok {
			results[i].Status = model.ToolFailed
			results[i].Result = fmt.Sprintf("%v: %s", ErrUnknownTool, req.Name)
			observe(req.ID, model.ToolFailed, results[i].Result)
			continue
		}
		runnable = append(runnable, job{index: i, fn: fn})
	}

	// Each worker pulls from the shared queue, so no two workers ever
	// hold the same request.
	var g errgroup.Group
	workers := e.limit
	if workers > len(runnable) {
		workers = len(runnable)
	}
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for j := range queue {
				e.runOne(ctx, requests[j.index], j.fn, &results[j.index], observe)
			}
			return nil
		})
	}

feed:
	for _, j := range runnable {
		select {
		case queue <- j:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	g.Wait()

	// Whatever the cancellation interrupted ends cancelled; completed
	// calls keep their results.
	if ctx.Err() != nil {
		for i := range results {
			if !results[i].Status.Terminal() {
				results[i].Status = model.ToolCancelled
				observe(results[i].ID, model.ToolCancelled, "")
			}
		}
	}
	return results
}

// runOne executes a single call, racing the capability against ctx.
func (e *Executor) runOne(ctx context.Context, req Request, fn Capability, res *Result, observe Observer) {
	if ctx.Err() != nil {
		// Cancelled while queued; the caller marks it.
		return
	}

	res.Status = model.ToolRunning
	observe(req.ID, model.ToolRunning, "")

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := fn(ctx, req.Arguments)
		done <- outcome{text: text, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			res.Status = model.ToolFailed
			res.Result = out.err.Error()
		} else {
			res.Status = model.ToolCompleted
			res.Result = out.text
		}
		observe(req.ID, res.Status, res.Result)
	case <-ctx.Done():
		// The capability may still be running; it holds ctx and is
		// expected to wind down on its own. The caller marks this call
		// cancelled.
	}
}
