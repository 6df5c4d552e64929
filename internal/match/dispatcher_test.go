// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/ledger"
	"github.com/framematch/framematch/internal/models"
	"github.com/framematch/framematch/internal/phase"
	"github.com/framematch/framematch/internal/store"
	"github.com/framematch/framematch/internal/tracker"
	"github.com/framematch/framematch/internal/watermark"
)

type fakeSink struct {
	mu          sync.Mutex
	results     []models.Match
	completions []string
}

func (s *fakeSink) PublishMatchResult(_ context.Context, m *models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, *m)
	return nil
}

func (s *fakeSink) PublishProcessCompleted(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, jobID)
	return nil
}

func (s *fakeSink) snapshot() (results []models.Match, completions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Match(nil), s.results...), append([]string(nil), s.completions...)
}

func matchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		TopK:             5,
		WeightEmbed:      0.90,
		WeightKP:         0,
		WeightEdge:       0.10,
		SimDeepMinAccept: 0.80,
		BestMin:          0.88,
		BestStrong:       0.92,
		ConsistencyMin:   2,
		MatchAccept:      0.80,
		Workers:          2,
	}
}

func newDispatcherFixture(t *testing.T) (*Dispatcher, *store.DB, *phase.Machine, *fakeSink) {
	t.Helper()

	db, err := store.New(&config.DatabaseConfig{MaxMemory: "256MB", Threads: 2})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	led, err := ledger.Open(config.LedgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })

	sched := watermark.NewScheduler()
	t.Cleanup(sched.Close)
	tr := tracker.New(led, sched, config.WatermarkConfig{DefaultTTL: time.Minute, MaxTTL: time.Hour})
	machine := phase.New(db, led, tr)

	cfg := matchingConfig()
	sink := &fakeSink{}
	d := NewDispatcher(db, machine, NewRetriever(db, cfg), NewPairScorer(cfg, nil, nil), sink, cfg)
	return d, db, machine, sink
}

// seedMatchingJob creates a job in the matching phase with one product
// whose image matches vid-1's frames and not vid-2's.
func seedMatchingJob(t *testing.T, db *store.DB, jobID string) {
	t.Helper()
	ctx := context.Background()

	if _, err := db.CreateJob(ctx, &models.Job{JobID: jobID, HasImages: true, HasVideos: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.AdvancePhase(ctx, jobID, models.PhaseCollection, models.PhaseMatching); err != nil {
		t.Fatal(err)
	}

	img := models.ProductImage{
		ImgID: "img-1", JobID: jobID, ProductID: "prod-1",
		EmbRGB: []float32{1, 0, 0}, EmbGray: []float32{1, 0, 0},
	}
	if err := db.InsertProductImage(ctx, &img); err != nil {
		t.Fatal(err)
	}

	frames := []models.VideoFrame{
		{FrameID: "f-1", JobID: jobID, VideoID: "vid-1", EmbRGB: []float32{1, 0, 0}, EmbGray: []float32{1, 0, 0}},
		{FrameID: "f-2", JobID: jobID, VideoID: "vid-1", EmbRGB: []float32{0.99, 0.1, 0}, EmbGray: []float32{0.99, 0.1, 0}},
		{FrameID: "f-3", JobID: jobID, VideoID: "vid-2", EmbRGB: []float32{0, 1, 0}, EmbGray: []float32{0, 1, 0}},
	}
	for i := range frames {
		if err := db.InsertVideoFrame(ctx, &frames[i]); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDispatcherRun(t *testing.T) {
	d, db, _, sink := newDispatcherFixture(t)
	ctx := context.Background()
	seedMatchingJob(t, db, "job-1")

	if err := d.Run(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}

	results, completions := sink.snapshot()
	if len(results) != 1 {
		t.Fatalf("Expected 1 match result, got %d", len(results))
	}
	r := results[0]
	if r.ProductID != "prod-1" || r.VideoID != "vid-1" {
		t.Errorf("Unexpected match: %+v", r)
	}
	if r.BestPair.FrameID != "f-1" {
		t.Errorf("Expected best frame f-1, got %s", r.BestPair.FrameID)
	}
	if r.Score < 0.88 {
		t.Errorf("Expected high score, got %f", r.Score)
	}

	if len(completions) != 1 || completions[0] != "job-1" {
		t.Errorf("Expected 1 process completion, got %v", completions)
	}

	job, _ := db.GetJob(ctx, "job-1")
	if job.Phase != models.PhaseEvidence {
		t.Errorf("Expected evidence phase, got %s", job.Phase)
	}

	matches, err := db.MatchesForJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Errorf("Expected 1 persisted match, got %d", len(matches))
	}
}

func TestDispatcherReplayedRequestCompletesOnce(t *testing.T) {
	d, db, _, sink := newDispatcherFixture(t)
	ctx := context.Background()
	seedMatchingJob(t, db, "job-2")

	if err := d.Run(ctx, "job-2"); err != nil {
		t.Fatal(err)
	}
	// Redelivered match.request after the first run finished.
	if err := d.Run(ctx, "job-2"); err != nil {
		t.Fatal(err)
	}

	results, completions := sink.snapshot()
	if len(results) != 1 {
		t.Errorf("Replay must not duplicate match results, got %d", len(results))
	}
	if len(completions) != 1 {
		t.Errorf("Expected exactly 1 process completion, got %d", len(completions))
	}
}

func TestDispatcherConcurrentRunsCompleteOnce(t *testing.T) {
	d, db, _, sink := newDispatcherFixture(t)
	ctx := context.Background()
	seedMatchingJob(t, db, "job-3")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Run(ctx, "job-3"); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	_, completions := sink.snapshot()
	if len(completions) != 1 {
		t.Errorf("Expected exactly 1 process completion, got %d", len(completions))
	}

	matches, _ := db.MatchesForJob(ctx, "job-3")
	if len(matches) != 1 {
		t.Errorf("Expected 1 persisted match, got %d", len(matches))
	}
}

func TestDispatcherSkipsCancelledJob(t *testing.T) {
	d, db, machine, sink := newDispatcherFixture(t)
	ctx := context.Background()
	seedMatchingJob(t, db, "job-4")

	if _, err := machine.Cancel(ctx, "job-4"); err != nil {
		t.Fatal(err)
	}
	if err := d.Run(ctx, "job-4"); err != nil {
		t.Fatal(err)
	}

	results, completions := sink.snapshot()
	if len(results) != 0 || len(completions) != 0 {
		t.Errorf("Cancelled job produced output: %d results, %d completions",
			len(results), len(completions))
	}
	job, _ := db.GetJob(ctx, "job-4")
	if job.Phase != models.PhaseCancelled {
		t.Errorf("Expected cancelled, got %s", job.Phase)
	}
}

func TestDispatcherNoCandidatesStillCompletes(t *testing.T) {
	d, db, _, sink := newDispatcherFixture(t)
	ctx := context.Background()

	if _, err := db.CreateJob(ctx, &models.Job{JobID: "job-5", HasImages: true, HasVideos: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.AdvancePhase(ctx, "job-5", models.PhaseCollection, models.PhaseMatching); err != nil {
		t.Fatal(err)
	}

	if err := d.Run(ctx, "job-5"); err != nil {
		t.Fatal(err)
	}

	results, completions := sink.snapshot()
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
	if len(completions) != 1 {
		t.Errorf("Empty job must still complete exactly once, got %d", len(completions))
	}
}
