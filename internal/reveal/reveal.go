// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reveal paces the display of streamed text: the true text grows as
// fast as the network delivers it, while the displayed text advances at a
// bounded, smooth rate.
package reveal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Strategy selects how the scheduler behaves once the source is exhausted.
type Strategy int

const (
	// Immediate reveals all remaining buffered text at once on finish.
	Immediate Strategy = iota
	// Progressive keeps pacing the remaining text after finish.
	Progressive
)

// Options tune the reveal rate.
type Options struct {
	// MinDelay is the minimum interval between display advances.
	MinDelay time.Duration
	// ChunkFactor is the fraction of the backlog revealed per advance.
	ChunkFactor float64
	// MaxPerStep caps the runes revealed in one advance.
	MaxPerStep int
}

// DefaultOptions returns the stock pacing parameters.
func DefaultOptions() Options {
	return Options{
		MinDelay:    16 * time.Millisecond,
		ChunkFactor: 0.25,
		MaxPerStep:  64,
	}
}

func (o Options) normalized() Options {
	if o.MinDelay <= 0 {
		o.MinDelay = 16 * time.Millisecond
	}
	if o.ChunkFactor <= 0 || o.ChunkFactor > 1 {
		o.ChunkFactor = 0.25
	}
	if o.MaxPerStep <= 0 {
		o.MaxPerStep = 64
	}
	return o
}

// =============================================================================
// SCHEDULER
// =============================================================================

// Scheduler advances a displayed text toward a monotonically growing target
// text, independent of how fast the target grows.
type Scheduler struct {
	mu sync.Mutex

	opts    Options
	limiter *rate.Limiter

	target    []rune
	displayed int // displayed text is always target[:displayed]

	finished bool
	strategy Strategy
}

// NewScheduler creates a scheduler with the given pacing options.
func NewScheduler(opts Options) *Scheduler {
	opts = opts.normalized()
	return &Scheduler{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.MinDelay), 1),
	}
}

// SetTarget replaces the target text. A target that extends the previous
// one keeps pacing from the current position. A discontinuity (the new
// target does not have the old one as a prefix) resets: the new target is
// shown in full immediately, without re-pacing text the reader effectively
// already saw replaced.
func (s *Scheduler) SetTarget(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runes := []rune(target)
	if !extends(runes, s.target) {
		s.target = runes
		s.displayed = len(runes)
		return
	}
	s.target = runes
	s.finished = false
}

// Finish tells the scheduler the source is exhausted. With Immediate, all
// remaining text appears at once; with Progressive, pacing continues until
// the backlog drains.
func (s *Scheduler) Finish(strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.strategy = strategy
	if strategy == Immediate {
		s.displayed = len(s.target)
	}
}

// Reset clears all state for a new message.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = nil
	s.displayed = 0
	s.finished = false
}

// Advance moves the displayed text toward the target if the pacing interval
// has elapsed, and returns whether anything changed.
func (s *Scheduler) Advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	backlog := len(s.target) - s.displayed
	if backlog <= 0 {
		return false
	}
	if !s.limiter.Allow() {
		return false
	}

	step := int(float64(backlog) * s.opts.ChunkFactor)
	if step < 1 {
		step = 1
	}
	if step > s.opts.MaxPerStep {
		step = s.opts.MaxPerStep
	}
	if step > backlog {
		step = backlog
	}
	s.displayed += step
	return true
}

// Displayed returns the currently revealed text.
func (s *Scheduler) Displayed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.target[:s.displayed])
}

// Pending reports whether text remains to be revealed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayed < len(s.target)
}

// Done reports whether the source is exhausted and everything is revealed.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished && s.displayed == len(s.target)
}

// extends reports whether next has prev as a prefix.
func extends(next, prev []rune) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		if next[i] != prev[i] {
			return false
		}
	}
	return true
}
