// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(&config.DatabaseConfig{Path: "", MaxMemory: "256MB", Threads: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateJobIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	job := &models.Job{JobID: "job-1", Industry: "fashion", HasImages: true, HasVideos: true}
	created, err := db.CreateJob(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("First insert should create the row")
	}

	created, err = db.CreateJob(ctx, &models.Job{JobID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("Replayed insert must be a no-op")
	}

	got, err := db.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != models.PhaseCollection {
		t.Errorf("Expected collection phase, got %s", got.Phase)
	}
	if got.Industry != "fashion" {
		t.Errorf("Replay must not overwrite industry, got %q", got.Industry)
	}
}

func TestGetJobNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetJob(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestAdvancePhase(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.CreateJob(ctx, &models.Job{JobID: "job-2"}); err != nil {
		t.Fatal(err)
	}

	t.Run("forward transition succeeds", func(t *testing.T) {
		if err := db.AdvancePhase(ctx, "job-2", models.PhaseCollection, models.PhaseFeatureExtraction); err != nil {
			t.Fatal(err)
		}
		got, _ := db.GetJob(ctx, "job-2")
		if got.Phase != models.PhaseFeatureExtraction {
			t.Errorf("Expected feature_extraction, got %s", got.Phase)
		}
	})

	t.Run("stale from-phase conflicts", func(t *testing.T) {
		err := db.AdvancePhase(ctx, "job-2", models.PhaseCollection, models.PhaseFeatureExtraction)
		if !errors.Is(err, ErrPhaseConflict) {
			t.Errorf("Expected ErrPhaseConflict, got %v", err)
		}
	})

	t.Run("backward transition rejected", func(t *testing.T) {
		err := db.AdvancePhase(ctx, "job-2", models.PhaseFeatureExtraction, models.PhaseCollection)
		if err == nil {
			t.Error("Expected illegal transition error")
		}
	})
}

func TestAdvancePhaseConcurrentSingleWinner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.CreateJob(ctx, &models.Job{JobID: "job-3"}); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wins, conflicts atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.AdvancePhase(ctx, "job-3", models.PhaseCollection, models.PhaseFeatureExtraction)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrPhaseConflict):
				conflicts.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", wins.Load())
	}
	if conflicts.Load() != workers-1 {
		t.Errorf("Expected %d conflicts, got %d", workers-1, conflicts.Load())
	}
}

func TestCancelJob(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.CreateJob(ctx, &models.Job{JobID: "job-4"}); err != nil {
		t.Fatal(err)
	}

	cancelled, err := db.CancelJob(ctx, "job-4")
	if err != nil {
		t.Fatal(err)
	}
	if !cancelled {
		t.Error("First cancel should transition")
	}

	// Replayed job.cancel is a no-op.
	cancelled, err = db.CancelJob(ctx, "job-4")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled {
		t.Error("Cancel of a terminal job must be a no-op")
	}
}

func TestFailJobLeavesTerminalAlone(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.CreateJob(ctx, &models.Job{JobID: "job-5"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CancelJob(ctx, "job-5"); err != nil {
		t.Fatal(err)
	}
	if err := db.FailJob(ctx, "job-5", "late failure"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetJob(ctx, "job-5")
	if got.Phase != models.PhaseCancelled {
		t.Errorf("Expected cancelled to stick, got %s", got.Phase)
	}
}

func seedAssets(t *testing.T, db *DB, jobID string) {
	t.Helper()
	ctx := context.Background()

	images := []models.ProductImage{
		{ImgID: "img-1", JobID: jobID, ProductID: "prod-a", EmbRGB: []float32{1, 0, 0}, EmbGray: []float32{1, 0, 0}, KeypointRef: "kp/img-1"},
		{ImgID: "img-2", JobID: jobID, ProductID: "prod-a", EmbRGB: []float32{0, 1, 0}, EmbGray: []float32{0, 1, 0}},
		{ImgID: "img-3", JobID: jobID, ProductID: "prod-b", EmbRGB: []float32{0, 0, 1}, EmbGray: []float32{0, 0, 1}},
	}
	for i := range images {
		if err := db.InsertProductImage(ctx, &images[i]); err != nil {
			t.Fatal(err)
		}
	}

	frames := []models.VideoFrame{
		{FrameID: "frame-1", JobID: jobID, VideoID: "vid-1", TS: 0.5, EmbRGB: []float32{1, 0, 0}, EmbGray: []float32{1, 0, 0}, KeypointRef: "kp/frame-1"},
		{FrameID: "frame-2", JobID: jobID, VideoID: "vid-1", TS: 1.0, EmbRGB: []float32{0.9, 0.1, 0}, EmbGray: []float32{0.9, 0.1, 0}},
		{FrameID: "frame-3", JobID: jobID, VideoID: "vid-1", TS: 1.5, EmbRGB: []float32{0, 0, 1}, EmbGray: []float32{0, 0, 1}},
		{FrameID: "frame-4", JobID: jobID, VideoID: "vid-2", TS: 0.5, EmbRGB: []float32{0, 1, 0}, EmbGray: []float32{0, 1, 0}},
	}
	for i := range frames {
		if err := db.InsertVideoFrame(ctx, &frames[i]); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAssetListing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAssets(t, db, "job-a")

	products, err := db.ProductIDs(ctx, "job-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 2 || products[0] != "prod-a" || products[1] != "prod-b" {
		t.Errorf("Unexpected products: %v", products)
	}

	videos, err := db.VideoIDs(ctx, "job-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(videos) != 2 || videos[0] != "vid-1" || videos[1] != "vid-2" {
		t.Errorf("Unexpected videos: %v", videos)
	}

	imgs, err := db.ImagesForProduct(ctx, "job-a", "prod-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(imgs) != 2 {
		t.Fatalf("Expected 2 images for prod-a, got %d", len(imgs))
	}
	if imgs[0].KeypointRef != "kp/img-1" {
		t.Errorf("Expected keypoint ref round-trip, got %q", imgs[0].KeypointRef)
	}
	if len(imgs[0].EmbRGB) != 3 {
		t.Errorf("Expected 3-dim embedding, got %v", imgs[0].EmbRGB)
	}
}

func TestInsertAssetsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAssets(t, db, "job-b")
	// Replay the whole batch.
	seedAssets(t, db, "job-b")

	imgs, err := db.ImagesForProduct(ctx, "job-b", "prod-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(imgs) != 2 {
		t.Errorf("Replay must not duplicate rows, got %d", len(imgs))
	}
}

func TestTopKFrames(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAssets(t, db, "job-c")

	query := &models.ProductImage{
		EmbRGB:  []float32{1, 0, 0},
		EmbGray: []float32{1, 0, 0},
	}

	got, err := db.TopKFrames(ctx, "job-c", "vid-1", query, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if got[0].FrameID != "frame-1" {
		t.Errorf("Expected frame-1 first, got %s", got[0].FrameID)
	}
	if got[1].FrameID != "frame-2" {
		t.Errorf("Expected frame-2 second, got %s", got[1].FrameID)
	}
	if got[0].SimRGB < 0.999 {
		t.Errorf("Identical vectors should score ~1, got %f", got[0].SimRGB)
	}
	if got[0].SimRGB < got[1].SimRGB {
		t.Error("Results must rank by similarity descending")
	}
}

func TestTopKFramesScopedToVideo(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAssets(t, db, "job-d")

	query := &models.ProductImage{EmbRGB: []float32{0, 1, 0}, EmbGray: []float32{0, 1, 0}}
	got, err := db.TopKFrames(ctx, "job-d", "vid-2", query, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("vid-2 has 1 frame, got %d results", len(got))
	}
	if got[0].FrameID != "frame-4" {
		t.Errorf("Expected frame-4, got %s", got[0].FrameID)
	}
}

func TestInsertMatchIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	m := &models.Match{
		JobID:     "job-e",
		ProductID: "prod-a",
		VideoID:   "vid-1",
		BestPair:  models.BestPair{ImgID: "img-1", FrameID: "frame-1", ScorePair: 0.90},
		Score:     0.92,
	}
	inserted, err := db.InsertMatch(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("First insert should succeed")
	}

	dup := &models.Match{
		JobID:     "job-e",
		ProductID: "prod-a",
		VideoID:   "vid-1",
		BestPair:  models.BestPair{ImgID: "img-2", FrameID: "frame-2", ScorePair: 0.80},
		Score:     0.81,
	}
	inserted, err = db.InsertMatch(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("Replayed decision for the same pair must be ignored")
	}

	matches, err := db.MatchesForJob(ctx, "job-e")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("Expected 1 match, got %d", len(matches))
	}
	if matches[0].BestPair.ImgID != "img-1" || matches[0].Score != 0.92 {
		t.Errorf("First decision must win, got %+v", matches[0])
	}
}
