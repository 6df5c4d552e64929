// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package ops

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/framematch/framematch/internal/eventprocessor"
)

type fakeDeadLetters struct {
	letters  map[string]*eventprocessor.DeadLetter
	replayed []string
	deleted  []string
}

func newFakeDeadLetters() *fakeDeadLetters {
	return &fakeDeadLetters{letters: map[string]*eventprocessor.DeadLetter{}}
}

func (f *fakeDeadLetters) List() ([]eventprocessor.DeadLetter, error) {
	var out []eventprocessor.DeadLetter
	for _, dl := range f.letters {
		out = append(out, *dl)
	}
	return out, nil
}

func (f *fakeDeadLetters) Get(id string) (*eventprocessor.DeadLetter, error) {
	dl, ok := f.letters[id]
	if !ok {
		return nil, eventprocessor.ErrDeadLetterNotFound
	}
	return dl, nil
}

func (f *fakeDeadLetters) Replay(_ context.Context, id string) error {
	if _, ok := f.letters[id]; !ok {
		return eventprocessor.ErrDeadLetterNotFound
	}
	f.replayed = append(f.replayed, id)
	return nil
}

func (f *fakeDeadLetters) Delete(id string) error {
	delete(f.letters, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func TestDeadLetterRoutes(t *testing.T) {
	dlq := newFakeDeadLetters()
	dlq.letters["dl-1"] = &eventprocessor.DeadLetter{
		ID:            "dl-1",
		OriginalTopic: "framematch.match.request",
		Reason:        "handler panicked",
		PoisonedAt:    time.Now().UTC(),
	}

	srv := NewServer()
	srv.SetDeadLetters(dlq)
	handler := srv.Handler()

	t.Run("list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "dl-1") {
			t.Errorf("list should contain the dead letter: %s", rec.Body.String())
		}
	})

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq/dl-1", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "handler panicked") {
			t.Errorf("body = %s", rec.Body.String())
		}
	})

	t.Run("get unknown is 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq/nope", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("replay", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dlq/dl-1/replay", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		if len(dlq.replayed) != 1 || dlq.replayed[0] != "dl-1" {
			t.Errorf("replayed = %v", dlq.replayed)
		}
	})

	t.Run("replay unknown is 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dlq/nope/replay", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/dlq/dl-1", nil))
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
		if len(dlq.deleted) != 1 {
			t.Errorf("deleted = %v", dlq.deleted)
		}
	})
}

func TestDeadLetterRoutesAbsentWithoutStore(t *testing.T) {
	srv := NewServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when no store is wired", rec.Code)
	}
}
