// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

// Package ledger owns the durable BadgerDB state that coordination
// correctness rests on.
//
// Four record families share one database:
//
//   - ledger:<job>:<event>: the processed-event ledger. RecordIfNew is the
//     single idempotency gate for at-least-once delivery: the first writer
//     of a key gets inserted=true, every other delivery of the same event
//     observes the key and skips.
//   - counter:<job>:<kind>: completion counters, mutated by the tracker
//     package inside serializable transactions.
//   - phase-events:<job>: the append-only set of completion kinds feeding
//     the phase gate predicate.
//   - dlq:<id>: dead-lettered messages persisted for replay.
//
// Badger transactions run under serializable snapshot isolation; writers
// that race on a key abort with ErrConflict and are retried by
// Store.Update, which is what turns plain read-modify-write code into the
// compare-and-swap discipline the pipeline requires.
package ledger
