// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/framematch/framematch/internal/models"
)

// Key prefixes for the different record families sharing the store.
const (
	prefixEvent       = "ledger:"        // ledger:<job>:<event> -> ProcessedEventRecord
	prefixPhaseEvents = "phase-events:"  // phase-events:<job>   -> set of completion kinds
	prefixCounter     = "counter:"       // counter:<job>:<kind> -> AssetCounter
	prefixTrigger     = "match-trigger:" // match-trigger:<job>  -> trigger-sent marker
	prefixDeadLetter  = "dlq:"           // dlq:<uuid>           -> dead-lettered message
)

// EventKey builds the ledger key for a (job, event) pair.
func EventKey(jobID, eventID string) []byte {
	return []byte(prefixEvent + jobID + ":" + eventID)
}

// PhaseEventsKey builds the phase-event-set key for a job.
func PhaseEventsKey(jobID string) []byte {
	return []byte(prefixPhaseEvents + jobID)
}

// CounterKey builds the completion-counter key for a (job, kind) pair.
func CounterKey(jobID string, kind models.CounterKind) []byte {
	return []byte(prefixCounter + jobID + ":" + string(kind))
}

// MatchTriggerKey builds the trigger-sent marker key for a job.
func MatchTriggerKey(jobID string) []byte {
	return []byte(prefixTrigger + jobID)
}

// DeadLetterKey builds the persistence key for a dead-lettered message.
func DeadLetterKey(id string) []byte {
	return []byte(prefixDeadLetter + id)
}

// RecordIfNew durably records (jobID, eventID) if it has not been seen
// before. Returns inserted=true exactly once per key; every later call is
// a no-op returning false. This is the sole idempotency boundary of the
// pipeline: callers MUST skip all further processing when inserted=false.
//
// A storage error is returned as-is and must be treated as transient by
// the caller; an uncertain write never reports inserted=true (fail closed:
// a duplicate is harmless, a double-count is not).
func (s *Store) RecordIfNew(ctx context.Context, jobID, eventID string, kind models.CounterKind) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if jobID == "" || eventID == "" {
		return false, fmt.Errorf("ledger: job_id and event_id required")
	}

	key := EventKey(jobID, eventID)
	inserted := false

	err := s.Update(func(txn *badger.Txn) error {
		inserted = false
		_, err := txn.Get(key)
		if err == nil {
			// Already handled; nothing to do.
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("ledger read: %w", err)
		}

		record := models.ProcessedEventRecord{
			JobID:      jobID,
			EventID:    eventID,
			Kind:       kind,
			ReceivedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal ledger record: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("ledger write: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// Seen reports whether (jobID, eventID) has been recorded.
func (s *Store) Seen(jobID, eventID string) (bool, error) {
	seen := false
	err := s.View(func(txn *badger.Txn) error {
		_, err := txn.Get(EventKey(jobID, eventID))
		if err == nil {
			seen = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return seen, err
}

// Record reads a ledger record back. Returns badger.ErrKeyNotFound if the
// event was never recorded.
func (s *Store) Record(jobID, eventID string) (*models.ProcessedEventRecord, error) {
	var record models.ProcessedEventRecord
	err := s.View(func(txn *badger.Txn) error {
		item, err := txn.Get(EventKey(jobID, eventID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}
