// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/framematch/framematch/internal/ledger"
	"github.com/framematch/framematch/internal/metrics"
)

// ErrDeadLetterNotFound is returned when a dead letter id is unknown.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetter is a poisoned message persisted for operator replay. The
// original topic and failure reason come from the poison-queue
// middleware's metadata.
type DeadLetter struct {
	ID            string            `json:"id"`
	MessageUUID   string            `json:"message_uuid"`
	OriginalTopic string            `json:"original_topic"`
	Reason        string            `json:"reason"`
	Handler       string            `json:"handler"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       []byte            `json:"payload"`
	PoisonedAt    time.Time         `json:"poisoned_at"`
	Replayed      bool              `json:"replayed"`
	ReplayedAt    *time.Time        `json:"replayed_at,omitempty"`
}

// DeadLetterStore persists poisoned messages in the badger ledger and
// replays them to their original topic on demand.
type DeadLetterStore struct {
	store *ledger.Store
	pub   message.Publisher
	log   zerolog.Logger
}

// NewDeadLetterStore creates a dead-letter store. The publisher is used
// for replay and may be nil for read-only inspection.
func NewDeadLetterStore(store *ledger.Store, pub message.Publisher, log zerolog.Logger) *DeadLetterStore {
	return &DeadLetterStore{
		store: store,
		pub:   pub,
		log:   log.With().Str("component", "dlq").Logger(),
	}
}

// Consume returns the handler that drains the poison-queue topic into
// durable storage. Persist failures return an error so the broker
// redelivers; a poisoned message must never be lost twice.
func (d *DeadLetterStore) Consume(msg *message.Message) error {
	dl := DeadLetter{
		ID:            uuid.New().String(),
		MessageUUID:   msg.UUID,
		OriginalTopic: msg.Metadata.Get(middleware.PoisonedTopicKey),
		Reason:        msg.Metadata.Get(middleware.ReasonForPoisonedKey),
		Handler:       msg.Metadata.Get(middleware.PoisonedHandlerKey),
		Metadata:      map[string]string(msg.Metadata),
		Payload:       msg.Payload,
		PoisonedAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(&dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := d.store.Update(func(txn *badger.Txn) error {
		return txn.Set(ledger.DeadLetterKey(dl.ID), data)
	}); err != nil {
		return fmt.Errorf("persist dead letter: %w", err)
	}

	metrics.RecordDeadLetter(dl.OriginalTopic)
	d.log.Warn().
		Str("dead_letter_id", dl.ID).
		Str("original_topic", dl.OriginalTopic).
		Str("reason", dl.Reason).
		Msg("message dead-lettered")
	return nil
}

// Get loads one dead letter by id.
func (d *DeadLetterStore) Get(id string) (*DeadLetter, error) {
	var dl DeadLetter
	err := d.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ledger.DeadLetterKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrDeadLetterNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &dl)
		})
	})
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// List returns every persisted dead letter, newest last.
func (d *DeadLetterStore) List() ([]DeadLetter, error) {
	var out []DeadLetter
	err := d.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := ledger.DeadLetterKey("")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var dl DeadLetter
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dl)
			}); err != nil {
				return err
			}
			out = append(out, dl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Replay republishes a dead letter to its original topic and marks it
// replayed. The downstream handler's own idempotency absorbs the case
// where the original delivery partially succeeded.
func (d *DeadLetterStore) Replay(ctx context.Context, id string) error {
	if d.pub == nil {
		return fmt.Errorf("dead letter replay: no publisher configured")
	}
	dl, err := d.Get(id)
	if err != nil {
		return err
	}
	if dl.OriginalTopic == "" {
		return fmt.Errorf("dead letter %s: no original topic recorded", id)
	}

	msg := message.NewMessage(dl.MessageUUID, dl.Payload)
	msg.SetContext(ctx)
	for k, v := range dl.Metadata {
		msg.Metadata.Set(k, v)
	}
	if err := d.pub.Publish(dl.OriginalTopic, msg); err != nil {
		return fmt.Errorf("replay dead letter %s: %w", id, err)
	}

	now := time.Now().UTC()
	dl.Replayed = true
	dl.ReplayedAt = &now
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := d.store.Update(func(txn *badger.Txn) error {
		return txn.Set(ledger.DeadLetterKey(id), data)
	}); err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}

	d.log.Info().
		Str("dead_letter_id", id).
		Str("topic", dl.OriginalTopic).
		Msg("dead letter replayed")
	return nil
}

// Delete removes a dead letter, typically after successful replay.
func (d *DeadLetterStore) Delete(id string) error {
	return d.store.Update(func(txn *badger.Txn) error {
		return txn.Delete(ledger.DeadLetterKey(id))
	})
}
