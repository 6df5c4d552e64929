// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package eventprocessor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/rs/zerolog"

	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/ledger"
)

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	failNext  bool
}

func (f *fakePublisher) Publish(topic string, msgs ...*message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("broker unavailable")
	}
	if f.published == nil {
		f.published = make(map[string][]*message.Message)
	}
	f.published[topic] = append(f.published[topic], msgs...)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[topic])
}

func newTestDLQ(t *testing.T) (*DeadLetterStore, *fakePublisher) {
	t.Helper()
	store, err := ledger.Open(config.LedgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	pub := &fakePublisher{}
	return NewDeadLetterStore(store, pub, zerolog.Nop()), pub
}

func poisonedMessage(topic, reason string) *message.Message {
	msg := message.NewMessage("msg-1", []byte(`{"event_id":"e","job_id":"j"}`))
	msg.Metadata.Set(middleware.PoisonedTopicKey, topic)
	msg.Metadata.Set(middleware.ReasonForPoisonedKey, reason)
	msg.Metadata.Set(middleware.PoisonedHandlerKey, "job-request")
	return msg
}

func TestDeadLetterPersistAndList(t *testing.T) {
	dlq, _ := newTestDLQ(t)

	if err := dlq.Consume(poisonedMessage("job.request", "handler failed")); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if err := dlq.Consume(poisonedMessage("job.cancel", "decode failed")); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	letters, err := dlq.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(letters) != 2 {
		t.Fatalf("List() returned %d letters, want 2", len(letters))
	}

	got, err := dlq.Get(letters[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Reason == "" || got.OriginalTopic == "" {
		t.Errorf("dead letter missing poison metadata: %+v", got)
	}
	if got.Replayed {
		t.Error("fresh dead letter should not be marked replayed")
	}
}

func TestDeadLetterGetUnknown(t *testing.T) {
	dlq, _ := newTestDLQ(t)
	if _, err := dlq.Get("missing"); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("Get() error = %v, want ErrDeadLetterNotFound", err)
	}
}

func TestDeadLetterReplay(t *testing.T) {
	dlq, pub := newTestDLQ(t)

	if err := dlq.Consume(poisonedMessage("match.request", "store timeout")); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	letters, err := dlq.List()
	if err != nil || len(letters) != 1 {
		t.Fatalf("List() = %d letters, err %v", len(letters), err)
	}
	id := letters[0].ID

	if err := dlq.Replay(context.Background(), id); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if pub.count("match.request") != 1 {
		t.Errorf("replay published %d messages, want 1", pub.count("match.request"))
	}

	got, err := dlq.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Replayed || got.ReplayedAt == nil {
		t.Errorf("dead letter not marked replayed: %+v", got)
	}
}

func TestDeadLetterReplayPublishFailureKeepsEntry(t *testing.T) {
	dlq, pub := newTestDLQ(t)

	if err := dlq.Consume(poisonedMessage("job.request", "oops")); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	letters, _ := dlq.List()
	id := letters[0].ID

	pub.failNext = true
	if err := dlq.Replay(context.Background(), id); err == nil {
		t.Fatal("Replay() should surface publish failure")
	}
	got, err := dlq.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Replayed {
		t.Error("failed replay must not mark the letter replayed")
	}
}

func TestDeadLetterDelete(t *testing.T) {
	dlq, _ := newTestDLQ(t)

	if err := dlq.Consume(poisonedMessage("job.request", "oops")); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	letters, _ := dlq.List()
	if err := dlq.Delete(letters[0].ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := dlq.Get(letters[0].ID); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("Get() after delete = %v, want ErrDeadLetterNotFound", err)
	}
}
