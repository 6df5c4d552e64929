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

	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/logging"
)

// maxTxnRetries bounds optimistic-transaction retries on write conflicts.
// Badger runs serializable snapshot isolation; concurrent writers touching
// the same key abort with ErrConflict and must re-run their transaction.
const maxTxnRetries = 10

// ErrTooManyConflicts is returned when a transaction keeps conflicting.
// Treated as transient by callers (the transport retries the message).
var ErrTooManyConflicts = errors.New("ledger: transaction retried too often")

// Store wraps the BadgerDB instance that backs all durable coordination
// state: the processed-event ledger, completion counters, the phase-event
// set, and dead-letter persistence. A single Store is shared process-wide.
type Store struct {
	db     *badger.DB
	config config.LedgerConfig
}

// Open opens (or creates) the BadgerDB database at the configured path.
// SyncWrites is always on: ledger inserts are the idempotency boundary of
// the whole pipeline and must survive a crash between write and ack.
func Open(cfg config.LedgerConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("ledger path required")
		}
		opts = badger.DefaultOptions(cfg.Path)
		opts.SyncWrites = true
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Msg("Ledger store opened")

	return &Store{db: db, config: cfg}, nil
}

// Update runs fn in a read-write transaction, retrying on write conflicts.
// fn must be idempotent: it may run multiple times before committing.
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		// Conflicting writers back off briefly so one of them wins.
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return ErrTooManyConflicts
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// Close shuts down the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GCService runs periodic value-log garbage collection. It implements
// suture.Service via Serve.
type GCService struct {
	store *Store
}

// NewGCService creates the garbage-collection service for a store.
func NewGCService(store *Store) *GCService {
	return &GCService{store: store}
}

// Serve runs GC until the context is cancelled.
func (g *GCService) Serve(ctx context.Context) error {
	interval := g.store.config.GCInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ratio := g.store.config.GCRatio
	if ratio <= 0 {
		ratio = 0.5
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect.
			if err := g.store.db.RunValueLogGC(ratio); err != nil &&
				!errors.Is(err, badger.ErrNoRewrite) &&
				!errors.Is(err, badger.ErrRejected) {
				logging.Warn().Err(err).Msg("Ledger GC pass failed")
			}
		}
	}
}

// String names the service in supervisor logs.
func (g *GCService) String() string {
	return "ledger-gc"
}
