// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

// Package watermark provides the cancellable timer registry behind
// force-finalization of stalled completion counters.
//
// Each (job, kind) pair owns at most one timer. Timers fire on their own
// goroutine (time.AfterFunc) so a firing callback never blocks a consumer,
// and cancellation is safe from any goroutine. Firing after cancellation,
// and cancelling after firing, are both no-ops.
package watermark

import (
	"sync"
	"time"

	"github.com/framematch/framematch/internal/models"
)

// Scheduler is a registry of cancellable one-shot timers keyed by
// (job, kind).
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

func timerKey(jobID string, kind models.CounterKind) string {
	return jobID + "|" + string(kind)
}

// Schedule arms a timer for (jobID, kind) firing fn after d. If a timer is
// already armed for the key, Schedule is a no-op and returns false; the
// original deadline stands. fn runs on its own goroutine.
func (s *Scheduler) Schedule(jobID string, kind models.CounterKind, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	key := timerKey(jobID, kind)
	if _, exists := s.timers[key]; exists {
		return false
	}

	s.timers[key] = time.AfterFunc(d, func() {
		// Deregister before running so a late Cancel is a clean no-op.
		s.mu.Lock()
		delete(s.timers, key)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		fn()
	})
	return true
}

// Cancel disarms the timer for (jobID, kind). Returns true if a timer was
// armed and stopped before firing.
func (s *Scheduler) Cancel(jobID string, kind models.CounterKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := timerKey(jobID, kind)
	timer, exists := s.timers[key]
	if !exists {
		return false
	}
	delete(s.timers, key)
	return timer.Stop()
}

// CancelJob disarms every timer belonging to a job. Used on cancellation
// so in-flight timers for a cancelled job never fire.
func (s *Scheduler) CancelJob(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := jobID + "|"
	cancelled := 0
	for key, timer := range s.timers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.timers, key)
			if timer.Stop() {
				cancelled++
			}
		}
	}
	return cancelled
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close disarms all timers and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}
