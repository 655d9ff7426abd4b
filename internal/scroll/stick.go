// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scroll decides when a growing view should follow its bottom edge.
// While the reader sits at the bottom, new content keeps the view pinned
// there; scrolling up detaches, and returning near the bottom re-attaches.
package scroll

import (
	"sync"
	"time"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Options tune the controller.
type Options struct {
	// Throttle is the minimum interval between follow actions while
	// content grows.
	Throttle time.Duration
	// SmoothDistance is the largest jump animated smoothly; anything
	// farther snaps instantly.
	SmoothDistance int
	// BottomThreshold is how close to the bottom (in lines) a user
	// scroll must land to re-attach.
	BottomThreshold int
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		Throttle:        200 * time.Millisecond,
		SmoothDistance:  40,
		BottomThreshold: 2,
	}
}

func (o Options) normalized() Options {
	if o.Throttle <= 0 {
		o.Throttle = 200 * time.Millisecond
	}
	if o.SmoothDistance <= 0 {
		o.SmoothDistance = 40
	}
	if o.BottomThreshold < 0 {
		o.BottomThreshold = 2
	}
	return o
}

// =============================================================================
// ACTIONS
// =============================================================================

// Action is what the view should do in response to content growth.
type Action int

const (
	// None means stay where it is.
	None Action = iota
	// Eased means scroll to bottom with easing.
	Eased
	// Instant means jump to bottom immediately.
	Instant
)

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller tracks whether the view is stuck to the bottom and throttles
// follow actions while content streams in.
type Controller struct {
	mu sync.Mutex

	opts  Options
	stuck bool

	lastFollow time.Time
	// programmatic marks scroll movement the controller itself caused,
	// so it is not mistaken for the user detaching.
	programmatic bool

	now func() time.Time
}

// NewController creates a controller, initially stuck to the bottom.
func NewController(opts Options) *Controller {
	return &Controller{
		opts:  opts.normalized(),
		stuck: true,
		now:   time.Now,
	}
}

// Stuck reports whether the view follows the bottom.
func (c *Controller) Stuck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stuck
}

// ContentGrew is called when new lines arrive. distance is how far the view
// currently is from the bottom. It returns the follow action, throttled to
// at most one per interval while stuck.
func (c *Controller) ContentGrew(distance int) Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stuck {
		return None
	}
	now := c.now()
	if !c.lastFollow.IsZero() && now.Sub(c.lastFollow) < c.opts.Throttle {
		return None
	}
	c.lastFollow = now
	c.programmatic = true

	if distance > c.opts.SmoothDistance {
		return Instant
	}
	return Eased
}

// WheelUp is the user scrolling up; it detaches immediately.
func (c *Controller) WheelUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stuck = false
	c.programmatic = false
}

// DragUp is the user dragging the scrollbar away from the bottom.
func (c *Controller) DragUp() {
	c.WheelUp()
}

// UserScrolled is called when scroll position settles. A user-driven
// landing within the bottom threshold re-attaches; movement the controller
// itself caused is ignored.
func (c *Controller) UserScrolled(distance int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.programmatic {
		c.programmatic = false
		return
	}
	if distance <= c.opts.BottomThreshold {
		c.stuck = true
	} else {
		c.stuck = false
	}
}

// ForceBottom re-attaches unconditionally (new message, session switch) and
// returns the action to get there.
func (c *Controller) ForceBottom(distance int) Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stuck = true
	c.lastFollow = c.now()
	c.programmatic = true
	if distance > c.opts.SmoothDistance {
		return Instant
	}
	return Eased
}
