// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package tracker

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/framematch/framematch/internal/logging"
	"github.com/framematch/framematch/internal/models"
)

// RestoreTimers re-arms watermark timers for counters that were still
// accumulating when the previous process stopped. Deadlines already in
// the past fire immediately, so a crash never leaves a counter waiting
// forever. Called once during startup, before the router begins
// consuming.
func (t *Tracker) RestoreTimers(ctx context.Context) error {
	type pending struct {
		jobID    string
		kind     models.CounterKind
		deadline time.Time
	}
	var restore []pending

	err := t.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("counter:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var counter models.AssetCounter
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &counter)
			}); err != nil {
				return err
			}
			if counter.State.Terminal() || counter.Deadline.IsZero() {
				continue
			}
			restore = append(restore, pending{
				jobID:    counter.JobID,
				kind:     counter.Kind,
				deadline: counter.Deadline,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, p := range restore {
		remaining := p.deadline.Sub(now)
		if remaining <= 0 {
			// Deadline passed while we were down.
			t.handleWatermark(p.jobID, p.kind)
			continue
		}
		t.armWatermark(p.jobID, p.kind, remaining)
	}

	if len(restore) > 0 {
		logging.Info().Int("count", len(restore)).Msg("Watermark timers restored")
	}
	return nil
}
