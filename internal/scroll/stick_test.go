// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package scroll

import (
	"testing"
	"time"
)

// fakeClock steps time manually.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time {
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func newTestController() (*Controller, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewController(Options{
		Throttle:        200 * time.Millisecond,
		SmoothDistance:  40,
		BottomThreshold: 2,
	})
	c.now = clock.now
	return c, clock
}

func TestContentGrewThrottled(t *testing.T) {
	c, clock := newTestController()

	if got := c.ContentGrew(5); got != Eased {
		t.Fatalf("first growth action = %v", got)
	}

	// Rapid successive growth inside the throttle window does nothing.
	follows := 0
	for i := 0; i < 20; i++ {
		clock.advance(5 * time.Millisecond)
		if c.ContentGrew(5) != None {
			follows++
		}
	}
	if follows != 0 {
		t.Errorf("follow actions inside throttle window = %d", follows)
	}

	clock.advance(200 * time.Millisecond)
	if got := c.ContentGrew(5); got != Eased {
		t.Errorf("post-throttle action = %v", got)
	}
}

func TestContentGrewDistanceSelectsAction(t *testing.T) {
	c, clock := newTestController()

	if got := c.ContentGrew(40); got != Eased {
		t.Errorf("near growth = %v, want Eased", got)
	}
	clock.advance(time.Second)
	if got := c.ContentGrew(41); got != Instant {
		t.Errorf("far growth = %v, want Instant", got)
	}
}

func TestWheelUpDetachesImmediately(t *testing.T) {
	c, _ := newTestController()

	c.WheelUp()
	if c.Stuck() {
		t.Fatal("wheel-up must unstick")
	}
	if got := c.ContentGrew(5); got != None {
		t.Errorf("growth while detached = %v", got)
	}
}

func TestUserScrollReattachesNearBottom(t *testing.T) {
	c, _ := newTestController()
	c.WheelUp()

	c.UserScrolled(30)
	if c.Stuck() {
		t.Error("landing far from the bottom must stay detached")
	}

	c.UserScrolled(2)
	if !c.Stuck() {
		t.Error("landing within the threshold must re-attach")
	}
}

func TestProgrammaticScrollIgnored(t *testing.T) {
	c, clock := newTestController()
	c.ContentGrew(5) // marks the next settle as programmatic
	clock.advance(time.Millisecond)

	c.UserScrolled(50)
	if !c.Stuck() {
		t.Error("controller-driven movement must not detach")
	}

	// The next settle is genuinely the user's.
	c.UserScrolled(50)
	if c.Stuck() {
		t.Error("user movement away from the bottom must detach")
	}
}

func TestForceBottomAlwaysReattaches(t *testing.T) {
	c, _ := newTestController()
	c.WheelUp()

	if got := c.ForceBottom(100); got != Instant {
		t.Errorf("far forced action = %v", got)
	}
	if !c.Stuck() {
		t.Error("force must re-attach")
	}
}
