// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(config.LedgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordIfNew(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	kind := models.Kind(models.AssetTypeImage, models.StageEmbedding)

	t.Run("first insert", func(t *testing.T) {
		inserted, err := store.RecordIfNew(ctx, "job-1", "evt-1", kind)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !inserted {
			t.Error("Expected inserted=true for first delivery")
		}
	})

	t.Run("duplicate is a no-op", func(t *testing.T) {
		inserted, err := store.RecordIfNew(ctx, "job-1", "evt-1", kind)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if inserted {
			t.Error("Expected inserted=false for duplicate delivery")
		}
	})

	t.Run("same event id under another job is new", func(t *testing.T) {
		inserted, err := store.RecordIfNew(ctx, "job-2", "evt-1", kind)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !inserted {
			t.Error("Expected inserted=true: ledger key is (job, event)")
		}
	})

	t.Run("empty ids rejected", func(t *testing.T) {
		if _, err := store.RecordIfNew(ctx, "", "evt", kind); err == nil {
			t.Error("Expected error for empty job_id")
		}
		if _, err := store.RecordIfNew(ctx, "job", "", kind); err == nil {
			t.Error("Expected error for empty event_id")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := store.RecordIfNew(cancelled, "job-3", "evt-3", kind); err == nil {
			t.Error("Expected context error")
		}
	})
}

func TestRecordIfNew_ConcurrentDistinctCount(t *testing.T) {
	// Property: across any multiplicity of concurrent deliveries, the
	// number of inserted=true results equals the number of distinct
	// event IDs.
	store := newTestStore(t)
	ctx := context.Background()
	kind := models.Kind(models.AssetTypeVideo, models.StageKeypoint)

	const distinct = 20
	const deliveriesPerEvent = 10

	var inserts atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < distinct; i++ {
		eventID := fmt.Sprintf("evt-%d", i)
		for d := 0; d < deliveriesPerEvent; d++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inserted, err := store.RecordIfNew(ctx, "job-con", eventID, kind)
				if err != nil {
					t.Errorf("RecordIfNew failed: %v", err)
					return
				}
				if inserted {
					inserts.Add(1)
				}
			}()
		}
	}
	wg.Wait()

	if got := inserts.Load(); got != distinct {
		t.Errorf("Expected exactly %d inserts, got %d", distinct, got)
	}
}

func TestSeenAndRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	kind := models.Kind(models.AssetTypeImage, models.StageKeypoint)

	seen, err := store.Seen("job-s", "evt-s")
	if err != nil || seen {
		t.Fatalf("Expected unseen, got seen=%v err=%v", seen, err)
	}

	if _, err := store.RecordIfNew(ctx, "job-s", "evt-s", kind); err != nil {
		t.Fatal(err)
	}

	seen, err = store.Seen("job-s", "evt-s")
	if err != nil || !seen {
		t.Fatalf("Expected seen, got seen=%v err=%v", seen, err)
	}

	record, err := store.Record("job-s", "evt-s")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if record.JobID != "job-s" || record.EventID != "evt-s" || record.Kind != kind {
		t.Errorf("Unexpected record: %+v", record)
	}
	if record.ReceivedAt.IsZero() {
		t.Error("Expected received_at to be set")
	}
}

func TestMarkCompletionSeen(t *testing.T) {
	store := newTestStore(t)
	imgEmb := models.Kind(models.AssetTypeImage, models.StageEmbedding)
	imgKP := models.Kind(models.AssetTypeImage, models.StageKeypoint)

	first, err := store.MarkCompletionSeen("job-p", imgEmb)
	if err != nil || !first {
		t.Fatalf("Expected first=true, got first=%v err=%v", first, err)
	}

	first, err = store.MarkCompletionSeen("job-p", imgEmb)
	if err != nil || first {
		t.Fatalf("Expected first=false on repeat, got first=%v err=%v", first, err)
	}

	if _, err := store.MarkCompletionSeen("job-p", imgKP); err != nil {
		t.Fatal(err)
	}

	seen, err := store.CompletionsSeen("job-p")
	if err != nil {
		t.Fatalf("CompletionsSeen failed: %v", err)
	}
	if !seen[imgEmb] || !seen[imgKP] {
		t.Errorf("Expected both kinds seen, got %v", seen)
	}
	if len(seen) != 2 {
		t.Errorf("Expected 2 kinds, got %d", len(seen))
	}
}

func TestMarkCompletionSeen_ConcurrentSingleFirst(t *testing.T) {
	store := newTestStore(t)
	kind := models.Kind(models.AssetTypeVideo, models.StageEmbedding)

	var firsts atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := store.MarkCompletionSeen("job-race", kind)
			if err != nil {
				t.Errorf("MarkCompletionSeen failed: %v", err)
				return
			}
			if first {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := firsts.Load(); got != 1 {
		t.Errorf("Expected exactly one first=true, got %d", got)
	}
}

func TestCompletionsSeen_EmptyJob(t *testing.T) {
	store := newTestStore(t)
	seen, err := store.CompletionsSeen("never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 0 {
		t.Errorf("Expected empty set, got %v", seen)
	}
}
