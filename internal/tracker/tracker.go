// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

// Package tracker decides when a (job, kind) unit of work is done.
//
// Every counter mutation runs inside a serializable Badger transaction
// (ledger.Store.Update). The write that moves a counter into a terminal
// state is itself the emission guard: whichever racing writer commits the
// terminal transition reports it, every loser re-runs its transaction,
// observes the counter already terminal and reports nothing. That is how
// exactly one completion notification is produced per (job, kind) even
// when the final increment and the watermark timeout race.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/ledger"
	"github.com/framematch/framematch/internal/logging"
	"github.com/framematch/framematch/internal/metrics"
	"github.com/framematch/framematch/internal/models"
	"github.com/framematch/framematch/internal/watermark"
)

// expectedUnknown marks a counter created by progress events arriving
// before the collection.completed notification set the expected count.
const expectedUnknown = -1

// Notifier receives the single completion notice of a (job, kind).
// Implementations publish the outbound completion event and feed the
// phase gate. Called at most once per (job, kind), possibly from a timer
// goroutine.
type Notifier func(ctx context.Context, notice models.CompletionNotice)

// Tracker maintains asset completion counters and their watermark timers.
type Tracker struct {
	store  *ledger.Store
	sched  *watermark.Scheduler
	cfg    config.WatermarkConfig
	notify Notifier
}

// New creates a tracker. The notifier must be set before events flow.
func New(store *ledger.Store, sched *watermark.Scheduler, cfg config.WatermarkConfig) *Tracker {
	return &Tracker{store: store, sched: sched, cfg: cfg}
}

// SetNotifier installs the completion notifier.
func (t *Tracker) SetNotifier(n Notifier) {
	t.notify = n
}

// clampTTL applies the configured default and ceiling to an
// event-supplied watermark TTL.
func (t *Tracker) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = t.cfg.DefaultTTL
	}
	if t.cfg.MaxTTL > 0 && ttl > t.cfg.MaxTTL {
		ttl = t.cfg.MaxTTL
	}
	return ttl
}

// Expect initializes the counter for (jobID, kind) with the number of
// assets the collection stage produced, and arms the watermark timer.
// No-op if the counter is already terminal or already has an expected
// count. expected == 0 completes immediately without a timer.
func (t *Tracker) Expect(ctx context.Context, jobID string, kind models.CounterKind, expected int, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if expected < 0 {
		return fmt.Errorf("tracker: negative expected count %d", expected)
	}
	ttl = t.clampTTL(ttl)

	var notice *models.CompletionNotice
	var armTimer bool

	err := t.mutate(jobID, kind, func(c *models.AssetCounter) {
		notice, armTimer = nil, false
		if c.State.Terminal() || c.Expected != expectedUnknown {
			return
		}
		c.Expected = expected
		c.TTL = ttl

		switch {
		case expected == 0, c.Processed >= expected:
			// Zero-asset unit, or every asset arrived before the
			// expectation did: complete right away, no timer.
			c.State = models.CounterComplete
			notice = t.noticeFor(c)
		default:
			c.Deadline = time.Now().UTC().Add(ttl)
			armTimer = true
		}
	})
	if err != nil {
		return err
	}

	if armTimer {
		t.armWatermark(jobID, kind, ttl)
	}
	if notice != nil {
		metrics.RecordCompletion(string(kind), false)
		t.emit(ctx, *notice)
	}
	return nil
}

// RecordProgress atomically increments the processed count for
// (jobID, kind). Must be called only after the event ledger confirmed the
// event as new. If the increment reaches the expected count, the counter
// transitions to complete, the watermark timer is cancelled, and the
// completion notice is emitted.
func (t *Tracker) RecordProgress(ctx context.Context, jobID string, kind models.CounterKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var notice *models.CompletionNotice

	err := t.mutate(jobID, kind, func(c *models.AssetCounter) {
		notice = nil
		if c.State.Terminal() {
			// Straggler after completion or watermark. Counted work is
			// frozen once terminal.
			return
		}
		c.Processed++
		if c.Expected != expectedUnknown && c.Processed >= c.Expected {
			c.State = models.CounterComplete
			notice = t.noticeFor(c)
		}
	})
	if err != nil {
		return err
	}

	if notice != nil {
		t.sched.Cancel(jobID, kind)
		metrics.RecordCompletion(string(kind), false)
		t.emit(ctx, *notice)
	}
	return nil
}

// handleWatermark force-finalizes a counter whose deadline elapsed.
// Firing after the counter reached complete is a no-op.
func (t *Tracker) handleWatermark(jobID string, kind models.CounterKind) {
	var notice *models.CompletionNotice

	err := t.mutate(jobID, kind, func(c *models.AssetCounter) {
		notice = nil
		if c.State.Terminal() {
			return
		}
		c.State = models.CounterPartialComplete
		if c.Expected != expectedUnknown && c.Expected > c.Processed {
			c.Failed = c.Expected - c.Processed
		}
		notice = t.noticeFor(c)
	})
	if err != nil {
		logging.Error().Err(err).
			Str("job_id", jobID).
			Str("kind", string(kind)).
			Msg("Watermark finalization failed")
		return
	}

	if notice != nil {
		metrics.RecordWatermarkFired(string(kind))
		metrics.RecordCompletion(string(kind), true)
		t.emit(context.Background(), *notice)
	}
}

// armWatermark schedules the watermark callback for (jobID, kind).
func (t *Tracker) armWatermark(jobID string, kind models.CounterKind, ttl time.Duration) {
	t.sched.Schedule(jobID, kind, ttl, func() {
		t.handleWatermark(jobID, kind)
	})
}

// Counter returns the current counter state, or nil if none exists.
func (t *Tracker) Counter(jobID string, kind models.CounterKind) (*models.AssetCounter, error) {
	var counter *models.AssetCounter
	err := t.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ledger.CounterKey(jobID, kind))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		counter = &models.AssetCounter{}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, counter)
		})
	})
	if err != nil {
		return nil, err
	}
	if counter != nil && counter.State == models.CounterDropped {
		// Tombstones are an internal retirement marker, not counter state.
		return nil, nil
	}
	return counter, nil
}

// tombstoneTTL is how long a dropped counter's tombstone lingers before
// Badger expires it. Long enough to outlive any in-flight watermark
// callback or straggling progress event for the job.
const tombstoneTTL = 24 * time.Hour

// DropJob cancels the job's timers and retires its counters. Each counter
// row is replaced with an expiring tombstone rather than deleted outright:
// a watermark callback already executing when the drop happens, or a
// straggler progress event arriving after it, finds a terminal row instead
// of lazily recreating a fresh one and emitting a second notice. Called
// when the owning phase has advanced past the gate the counters feed, and
// on cancellation.
func (t *Tracker) DropJob(jobID string) error {
	t.sched.CancelJob(jobID)
	return t.store.Update(func(txn *badger.Txn) error {
		for _, kind := range models.AllKinds {
			data, err := json.Marshal(&models.AssetCounter{
				JobID:     jobID,
				Kind:      kind,
				Expected:  expectedUnknown,
				State:     models.CounterDropped,
				UpdatedAt: time.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("encode tombstone: %w", err)
			}
			entry := badger.NewEntry(ledger.CounterKey(jobID, kind), data).WithTTL(tombstoneTTL)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// mutate runs fn against the stored counter for (jobID, kind) inside one
// conflict-retried transaction, creating the counter on first touch.
// fn must reset its captured outputs at the top: it may run several times.
func (t *Tracker) mutate(jobID string, kind models.CounterKind, fn func(*models.AssetCounter)) error {
	key := ledger.CounterKey(jobID, kind)

	return t.store.Update(func(txn *badger.Txn) error {
		counter := &models.AssetCounter{
			JobID:    jobID,
			Kind:     kind,
			Expected: expectedUnknown,
			State:    models.CounterAccumulating,
		}

		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, counter)
			}); err != nil {
				return fmt.Errorf("decode counter: %w", err)
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// Lazily created on first event or expectation.
		default:
			return fmt.Errorf("read counter: %w", err)
		}

		fn(counter)
		if counter.State == models.CounterDropped {
			// Writing the tombstone back would strip its expiry.
			return nil
		}
		counter.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(counter)
		if err != nil {
			return fmt.Errorf("encode counter: %w", err)
		}
		return txn.Set(key, data)
	})
}

// noticeFor builds the completion notice for a counter's terminal state.
func (t *Tracker) noticeFor(c *models.AssetCounter) *models.CompletionNotice {
	total := c.Expected
	if total == expectedUnknown {
		total = c.Processed
	}
	return &models.CompletionNotice{
		JobID:        c.JobID,
		Kind:         c.Kind,
		Total:        total,
		Processed:    c.Processed,
		Failed:       c.Failed,
		Partial:      c.State == models.CounterPartialComplete,
		WatermarkTTL: c.TTL,
	}
}

func (t *Tracker) emit(ctx context.Context, notice models.CompletionNotice) {
	if t.notify == nil {
		logging.Warn().
			Str("job_id", notice.JobID).
			Str("kind", string(notice.Kind)).
			Msg("Completion notice dropped: no notifier installed")
		return
	}
	t.notify(ctx, notice)
}
