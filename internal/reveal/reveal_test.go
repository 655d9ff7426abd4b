// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reveal

import (
	"strings"
	"testing"
	"time"
)

func fastOptions() Options {
	return Options{
		MinDelay:    time.Millisecond,
		ChunkFactor: 0.5,
		MaxPerStep:  8,
	}
}

func TestAdvancePacesTowardTarget(t *testing.T) {
	s := NewScheduler(fastOptions())
	s.SetTarget("")
	s.SetTarget("hello world, this is a long stretch of streamed text")

	// The first advance must not reveal everything at once.
	for !s.Advance() {
		time.Sleep(time.Millisecond)
	}
	if got := s.Displayed(); len(got) > 8 {
		t.Fatalf("first step revealed %d runes, cap is 8", len(got))
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Pending() {
		if time.Now().After(deadline) {
			t.Fatal("backlog never drained")
		}
		s.Advance()
		time.Sleep(time.Millisecond)
	}
	if s.Displayed() != "hello world, this is a long stretch of streamed text" {
		t.Errorf("displayed = %q", s.Displayed())
	}
}

func TestAdvanceRespectsMinDelay(t *testing.T) {
	s := NewScheduler(Options{
		MinDelay:    50 * time.Millisecond,
		ChunkFactor: 1,
		MaxPerStep:  1,
	})
	s.SetTarget(strings.Repeat("x", 100))

	advances := 0
	stop := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(stop) {
		if s.Advance() {
			advances++
		}
	}
	// 120ms at one advance per 50ms permits at most 3 (burst + 2).
	if advances > 3 {
		t.Errorf("advances = %d under a 50ms gate", advances)
	}
}

func TestFinishImmediate(t *testing.T) {
	s := NewScheduler(fastOptions())
	s.SetTarget("all of this text")
	s.Finish(Immediate)

	if s.Displayed() != "all of this text" {
		t.Errorf("displayed = %q", s.Displayed())
	}
	if !s.Done() {
		t.Error("scheduler must be done after immediate finish")
	}
}

func TestFinishProgressiveKeepsPacing(t *testing.T) {
	s := NewScheduler(fastOptions())
	s.SetTarget("abcdefghijklmnopqrstuvwxyz")
	s.Finish(Progressive)

	if s.Done() {
		t.Fatal("progressive finish must not complete instantly")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !s.Done() {
		if time.Now().After(deadline) {
			t.Fatal("progressive drain never finished")
		}
		s.Advance()
		time.Sleep(time.Millisecond)
	}
	if s.Displayed() != "abcdefghijklmnopqrstuvwxyz" {
		t.Errorf("displayed = %q", s.Displayed())
	}
}

func TestDiscontinuityShowsNewTargetInFull(t *testing.T) {
	s := NewScheduler(fastOptions())
	s.SetTarget("the old stream of text")
	for !s.Advance() {
		time.Sleep(time.Millisecond)
	}

	// The replacement does not extend the old target as a prefix.
	s.SetTarget("completely different text")
	if s.Displayed() != "completely different text" {
		t.Errorf("displayed = %q, want the full new target", s.Displayed())
	}
	if s.Pending() {
		t.Error("a reset target must not be re-paced")
	}
}

func TestExtendingTargetKeepsPosition(t *testing.T) {
	s := NewScheduler(fastOptions())
	s.SetTarget("hello")
	for s.Pending() {
		s.Advance()
		time.Sleep(time.Millisecond)
	}

	s.SetTarget("hello world")
	if got := s.Displayed(); got != "hello" {
		t.Errorf("displayed = %q, growth must not reveal instantly", got)
	}
	if !s.Pending() {
		t.Error("extended target must leave a backlog")
	}
}
