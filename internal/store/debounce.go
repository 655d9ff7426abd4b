// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"log"
	"sync"
	"time"
)

// DefaultQuietInterval is how long after the first Schedule call of a
// burst the write actually happens.
const DefaultQuietInterval = 200 * time.Millisecond

// Saver coalesces bursts of Schedule calls into single writes: the first
// call opens a quiet interval and the snapshot is captured and written
// when it elapses. Further calls inside the interval fold into the
// pending write, so a continuous stream of mutations still snapshots once
// per interval instead of starving. Save failures are logged and
// swallowed; the in-memory state stays authoritative and the next
// mutation retries.
type Saver struct {
	mu sync.Mutex

	store    *Store
	capture  func() *Snapshot
	interval time.Duration

	timer  *time.Timer
	closed bool
}

// NewSaver creates a debounced saver. capture is invoked on the timer
// goroutine when a write fires and must return a self-contained snapshot.
func NewSaver(store *Store, capture func() *Snapshot, interval time.Duration) *Saver {
	if interval <= 0 {
		interval = DefaultQuietInterval
	}
	return &Saver{
		store:    store,
		capture:  capture,
		interval: interval,
	}
}

// Schedule requests a save at the end of the current quiet interval.
// Repeated calls within the interval collapse into the pending write; the
// interval is never extended, so even a burst that outlasts it writes.
func (s *Saver) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.interval, s.fire)
}

func (s *Saver) fire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.save()
}

// Flush writes immediately, cancelling any pending timer. Used on
// shutdown so the last burst is not lost.
func (s *Saver) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.save()
}

// Close flushes and stops accepting further schedules.
func (s *Saver) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.save()
}

func (s *Saver) save() {
	snap := s.capture()
	if snap == nil {
		return
	}
	if err := s.store.Save(snap); err != nil {
		// Persistence is best-effort; in-memory state is authoritative.
		log.Printf("session save failed: %v", err)
	}
}
