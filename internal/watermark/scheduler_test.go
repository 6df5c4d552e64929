// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package watermark

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/framematch/framematch/internal/models"
)

var kindImgEmb = models.Kind(models.AssetTypeImage, models.StageEmbedding)

func TestScheduleAndFire(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	fired := make(chan struct{})
	if !s.Schedule("job-1", kindImgEmb, 10*time.Millisecond, func() { close(fired) }) {
		t.Fatal("Expected Schedule to arm a timer")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("Timer did not fire")
	}

	// Fired timer deregisters itself.
	waitFor(t, func() bool { return s.Pending() == 0 })
}

func TestCancelBeforeFire(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var fired atomic.Bool
	s.Schedule("job-1", kindImgEmb, 50*time.Millisecond, func() { fired.Store(true) })

	if !s.Cancel("job-1", kindImgEmb) {
		t.Fatal("Expected Cancel to stop the armed timer")
	}

	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Error("Cancelled timer must not fire")
	}
	if s.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", s.Pending())
	}
}

func TestCancelUnknownKey(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	if s.Cancel("nope", kindImgEmb) {
		t.Error("Cancel of unknown key must return false")
	}
}

func TestScheduleDuplicateKeyIsNoop(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var first, second atomic.Bool
	s.Schedule("job-1", kindImgEmb, 20*time.Millisecond, func() { first.Store(true) })
	if s.Schedule("job-1", kindImgEmb, time.Millisecond, func() { second.Store(true) }) {
		t.Error("Second Schedule for same key must be rejected")
	}

	time.Sleep(100 * time.Millisecond)
	if !first.Load() {
		t.Error("Original timer must fire")
	}
	if second.Load() {
		t.Error("Rejected timer must not fire")
	}
}

func TestCancelJob(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var fired atomic.Int64
	fn := func() { fired.Add(1) }
	s.Schedule("job-1", models.Kind(models.AssetTypeImage, models.StageEmbedding), 50*time.Millisecond, fn)
	s.Schedule("job-1", models.Kind(models.AssetTypeVideo, models.StageEmbedding), 50*time.Millisecond, fn)
	s.Schedule("job-2", models.Kind(models.AssetTypeImage, models.StageEmbedding), 30*time.Millisecond, fn)

	if got := s.CancelJob("job-1"); got != 2 {
		t.Errorf("Expected 2 timers cancelled, got %d", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("Expected only job-2 timer to fire, fired=%d", got)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	s := NewScheduler()

	var fired atomic.Bool
	s.Schedule("job-1", kindImgEmb, 20*time.Millisecond, func() { fired.Store(true) })
	s.Close()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("Timer must not fire after Close")
	}
	if s.Schedule("job-2", kindImgEmb, time.Millisecond, func() {}) {
		t.Error("Schedule after Close must be rejected")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}
