// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package ledger

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/framematch/framematch/internal/models"
)

// MarkCompletionSeen appends a completion kind to the job's phase-event
// set. The set is append-only; marking the same kind twice is a no-op.
// Returns first=true only for the write that actually added the kind.
func (s *Store) MarkCompletionSeen(jobID string, kind models.CounterKind) (bool, error) {
	key := PhaseEventsKey(jobID)
	first := false

	err := s.Update(func(txn *badger.Txn) error {
		first = false
		seen := map[models.CounterKind]bool{}

		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &seen)
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// First completion for this job.
		default:
			return err
		}

		if seen[kind] {
			return nil
		}
		seen[kind] = true
		first = true

		data, err := json.Marshal(seen)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return false, err
	}
	return first, nil
}

// MarkMatchTriggerSent durably records that the job's match trigger was
// published. Written only after a successful publish, so a crash between
// publish and marker leaves the marker absent and the trigger is re-sent
// on redelivery (the publish itself deduplicates at the broker).
func (s *Store) MarkMatchTriggerSent(jobID string) error {
	return s.Update(func(txn *badger.Txn) error {
		return txn.Set(MatchTriggerKey(jobID), []byte{1})
	})
}

// MatchTriggerSent reports whether the job's match trigger was already
// published successfully.
func (s *Store) MatchTriggerSent(jobID string) (bool, error) {
	sent := false
	err := s.View(func(txn *badger.Txn) error {
		_, err := txn.Get(MatchTriggerKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sent = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return sent, nil
}

// CompletionsSeen returns the set of completion kinds recorded for a job.
// A job with no completions yet yields an empty map.
func (s *Store) CompletionsSeen(jobID string) (map[models.CounterKind]bool, error) {
	seen := map[models.CounterKind]bool{}
	err := s.View(func(txn *badger.Txn) error {
		item, err := txn.Get(PhaseEventsKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &seen)
		})
	})
	if err != nil {
		return nil, err
	}
	return seen, nil
}
