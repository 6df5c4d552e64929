// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/ledger"
	"github.com/framematch/framematch/internal/models"
	"github.com/framematch/framematch/internal/watermark"
)

var kindImgEmb = models.Kind(models.AssetTypeImage, models.StageEmbedding)

type capturedNotices struct {
	mu      sync.Mutex
	notices []models.CompletionNotice
}

func (c *capturedNotices) notifier() Notifier {
	return func(_ context.Context, n models.CompletionNotice) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.notices = append(c.notices, n)
	}
}

func (c *capturedNotices) all() []models.CompletionNotice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.CompletionNotice, len(c.notices))
	copy(out, c.notices)
	return out
}

func newTestTracker(t *testing.T, wmCfg config.WatermarkConfig) (*Tracker, *capturedNotices) {
	t.Helper()
	store, err := ledger.Open(config.LedgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("Open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sched := watermark.NewScheduler()
	t.Cleanup(sched.Close)

	if wmCfg.DefaultTTL == 0 {
		wmCfg.DefaultTTL = time.Minute
	}
	if wmCfg.MaxTTL == 0 {
		wmCfg.MaxTTL = time.Hour
	}

	tr := New(store, sched, wmCfg)
	captured := &capturedNotices{}
	tr.SetNotifier(captured.notifier())
	return tr, captured
}

func TestExactCompletion(t *testing.T) {
	// Job expecting 5 images; 5 distinct ready events arrive.
	tr, captured := newTestTracker(t, config.WatermarkConfig{})
	ctx := context.Background()

	if err := tr.Expect(ctx, "job-a", kindImgEmb, 5, time.Minute); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := tr.RecordProgress(ctx, "job-a", kindImgEmb); err != nil {
			t.Fatal(err)
		}
	}

	notices := captured.all()
	if len(notices) != 1 {
		t.Fatalf("Expected exactly 1 notice, got %d", len(notices))
	}
	n := notices[0]
	if n.Total != 5 || n.Processed != 5 || n.Failed != 0 || n.Partial {
		t.Errorf("Unexpected notice: %+v", n)
	}

	counter, err := tr.Counter("job-a", kindImgEmb)
	if err != nil {
		t.Fatal(err)
	}
	if counter.State != models.CounterComplete {
		t.Errorf("Expected state complete, got %s", counter.State)
	}
}

func TestZeroAssetsCompletesImmediately(t *testing.T) {
	tr, captured := newTestTracker(t, config.WatermarkConfig{})

	if err := tr.Expect(context.Background(), "job-z", kindImgEmb, 0, time.Minute); err != nil {
		t.Fatal(err)
	}

	notices := captured.all()
	if len(notices) != 1 {
		t.Fatalf("Expected 1 immediate notice, got %d", len(notices))
	}
	n := notices[0]
	if n.Total != 0 || n.Processed != 0 || n.Partial {
		t.Errorf("Expected {total:0, processed:0, partial:false}, got %+v", n)
	}
}

func TestWatermarkPartialCompletion(t *testing.T) {
	// 10 expected, only 6 arrive before the deadline.
	tr, captured := newTestTracker(t, config.WatermarkConfig{
		DefaultTTL: 50 * time.Millisecond,
		MaxTTL:     time.Second,
	})
	ctx := context.Background()

	if err := tr.Expect(ctx, "job-b", kindImgEmb, 10, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		if err := tr.RecordProgress(ctx, "job-b", kindImgEmb); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool { return len(captured.all()) == 1 })

	n := captured.all()[0]
	if !n.Partial {
		t.Error("Expected has_partial_completion=true")
	}
	if n.Total != 10 || n.Processed != 6 || n.Failed != 4 {
		t.Errorf("Expected {total:10, processed:6, failed:4}, got %+v", n)
	}

	// A straggler after the watermark is a frozen no-op.
	if err := tr.RecordProgress(ctx, "job-b", kindImgEmb); err != nil {
		t.Fatal(err)
	}
	counter, _ := tr.Counter("job-b", kindImgEmb)
	if counter.Processed != 6 {
		t.Errorf("Terminal counter must not change, processed=%d", counter.Processed)
	}
	if len(captured.all()) != 1 {
		t.Errorf("Expected still 1 notice, got %d", len(captured.all()))
	}
}

func TestCompletionCancelsWatermark(t *testing.T) {
	tr, captured := newTestTracker(t, config.WatermarkConfig{
		DefaultTTL: 40 * time.Millisecond,
		MaxTTL:     time.Second,
	})
	ctx := context.Background()

	if err := tr.Expect(ctx, "job-c", kindImgEmb, 2, 40*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := tr.RecordProgress(ctx, "job-c", kindImgEmb); err != nil {
			t.Fatal(err)
		}
	}

	// Give a stale timer every chance to fire wrongly.
	time.Sleep(120 * time.Millisecond)

	notices := captured.all()
	if len(notices) != 1 {
		t.Fatalf("Expected exactly 1 notice, got %d", len(notices))
	}
	if notices[0].Partial {
		t.Error("Expected non-partial completion")
	}
}

func TestProgressBeforeExpect(t *testing.T) {
	// Ready events may overtake the collection.completed notification.
	tr, captured := newTestTracker(t, config.WatermarkConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tr.RecordProgress(ctx, "job-d", kindImgEmb); err != nil {
			t.Fatal(err)
		}
	}
	if len(captured.all()) != 0 {
		t.Fatal("No notice may be emitted before the expected count is known")
	}

	if err := tr.Expect(ctx, "job-d", kindImgEmb, 3, time.Minute); err != nil {
		t.Fatal(err)
	}

	notices := captured.all()
	if len(notices) != 1 {
		t.Fatalf("Expected 1 notice once expectation arrives, got %d", len(notices))
	}
	if notices[0].Total != 3 || notices[0].Processed != 3 || notices[0].Partial {
		t.Errorf("Unexpected notice: %+v", notices[0])
	}
}

func TestDuplicateExpectIsNoop(t *testing.T) {
	tr, captured := newTestTracker(t, config.WatermarkConfig{})
	ctx := context.Background()

	if err := tr.Expect(ctx, "job-e", kindImgEmb, 2, time.Minute); err != nil {
		t.Fatal(err)
	}
	// Replayed expectation with a different count changes nothing.
	if err := tr.Expect(ctx, "job-e", kindImgEmb, 7, time.Minute); err != nil {
		t.Fatal(err)
	}

	counter, _ := tr.Counter("job-e", kindImgEmb)
	if counter.Expected != 2 {
		t.Errorf("Expected counter to keep expected=2, got %d", counter.Expected)
	}
	if len(captured.all()) != 0 {
		t.Error("No notice expected")
	}
}

func TestConcurrentFinalIncrementAndWatermark(t *testing.T) {
	// The final increment and the watermark race; exactly one notice may
	// win regardless of interleaving.
	for round := 0; round < 10; round++ {
		tr, captured := newTestTracker(t, config.WatermarkConfig{
			DefaultTTL: time.Millisecond,
			MaxTTL:     time.Second,
		})
		ctx := context.Background()

		if err := tr.Expect(ctx, "job-race", kindImgEmb, 1, time.Millisecond); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.RecordProgress(ctx, "job-race", kindImgEmb)
		}()
		wg.Wait()

		// Wait until the counter is terminal and any timer has fired.
		waitFor(t, func() bool {
			c, err := tr.Counter("job-race", kindImgEmb)
			return err == nil && c != nil && c.State.Terminal()
		})
		time.Sleep(10 * time.Millisecond)

		if got := len(captured.all()); got != 1 {
			t.Fatalf("Round %d: expected exactly 1 notice, got %d", round, got)
		}
	}
}

func TestConcurrentProgressCountsExactly(t *testing.T) {
	tr, captured := newTestTracker(t, config.WatermarkConfig{})
	ctx := context.Background()

	const expected = 30
	if err := tr.Expect(ctx, "job-f", kindImgEmb, expected, time.Minute); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var errs atomic.Int64
	for i := 0; i < expected; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.RecordProgress(ctx, "job-f", kindImgEmb); err != nil {
				errs.Add(1)
			}
		}()
	}
	wg.Wait()

	if errs.Load() != 0 {
		t.Fatalf("%d RecordProgress calls failed", errs.Load())
	}

	counter, _ := tr.Counter("job-f", kindImgEmb)
	if counter.Processed != expected {
		t.Errorf("Expected processed=%d, got %d", expected, counter.Processed)
	}
	if counter.State != models.CounterComplete {
		t.Errorf("Expected complete, got %s", counter.State)
	}
	if len(captured.all()) != 1 {
		t.Errorf("Expected exactly 1 notice, got %d", len(captured.all()))
	}
}

func TestDropJob(t *testing.T) {
	tr, _ := newTestTracker(t, config.WatermarkConfig{})
	ctx := context.Background()

	if err := tr.Expect(ctx, "job-g", kindImgEmb, 5, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := tr.DropJob("job-g"); err != nil {
		t.Fatal(err)
	}

	counter, err := tr.Counter("job-g", kindImgEmb)
	if err != nil {
		t.Fatal(err)
	}
	if counter != nil {
		t.Errorf("Expected counter dropped, got %+v", counter)
	}
}

func TestDropJobFreezesInFlightWatermark(t *testing.T) {
	// A watermark callback can already be executing when DropJob retires
	// the counters. It must find the tombstone and stay silent instead of
	// recreating the row and emitting a second notice.
	tr, captured := newTestTracker(t, config.WatermarkConfig{})
	ctx := context.Background()

	if err := tr.Expect(ctx, "job-h", kindImgEmb, 2, time.Minute); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := tr.RecordProgress(ctx, "job-h", kindImgEmb); err != nil {
			t.Fatal(err)
		}
	}
	if len(captured.all()) != 1 {
		t.Fatalf("Expected 1 completion notice, got %d", len(captured.all()))
	}

	if err := tr.DropJob("job-h"); err != nil {
		t.Fatal(err)
	}

	// The in-flight callback, past its scheduler cancellation point.
	tr.handleWatermark("job-h", kindImgEmb)

	notices := captured.all()
	if len(notices) != 1 {
		t.Fatalf("Expected still 1 notice after drop, got %d: %+v", len(notices), notices[len(notices)-1])
	}

	// A straggling ready event must not resurrect the counter either.
	if err := tr.RecordProgress(ctx, "job-h", kindImgEmb); err != nil {
		t.Fatal(err)
	}
	counter, err := tr.Counter("job-h", kindImgEmb)
	if err != nil {
		t.Fatal(err)
	}
	if counter != nil {
		t.Errorf("Dropped counter resurrected: %+v", counter)
	}
	if len(captured.all()) != 1 {
		t.Errorf("Expected still 1 notice, got %d", len(captured.all()))
	}
}

func TestRestoreTimers(t *testing.T) {
	store, err := ledger.Open(config.LedgerConfig{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	wmCfg := config.WatermarkConfig{DefaultTTL: 40 * time.Millisecond, MaxTTL: time.Second}

	// First tracker arms a timer, then its scheduler dies (simulated crash).
	sched1 := watermark.NewScheduler()
	tr1 := New(store, sched1, wmCfg)
	tr1.SetNotifier(func(context.Context, models.CompletionNotice) {})
	if err := tr1.Expect(context.Background(), "job-r", kindImgEmb, 4, 40*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	sched1.Close()

	// Second tracker restores the pending watermark from the counter row.
	sched2 := watermark.NewScheduler()
	t.Cleanup(sched2.Close)
	tr2 := New(store, sched2, wmCfg)
	captured := &capturedNotices{}
	tr2.SetNotifier(captured.notifier())

	if err := tr2.RestoreTimers(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(captured.all()) == 1 })
	n := captured.all()[0]
	if !n.Partial || n.Total != 4 || n.Processed != 0 || n.Failed != 4 {
		t.Errorf("Unexpected restored-watermark notice: %+v", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}
