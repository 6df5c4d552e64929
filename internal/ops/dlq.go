// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package ops

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/framematch/framematch/internal/eventprocessor"
)

// DeadLetters is the operator surface over persisted poisoned messages.
// Implemented by eventprocessor.DeadLetterStore.
type DeadLetters interface {
	List() ([]eventprocessor.DeadLetter, error)
	Get(id string) (*eventprocessor.DeadLetter, error)
	Replay(ctx context.Context, id string) error
	Delete(id string) error
}

// SetDeadLetters mounts the dead-letter inspection and replay routes.
// Must be called before Handler.
func (s *Server) SetDeadLetters(dlq DeadLetters) {
	s.dlq = dlq
}

func (s *Server) dlqRoutes(r chi.Router) {
	r.Get("/", s.handleDeadLetterList)
	r.Get("/{id}", s.handleDeadLetterGet)
	r.Post("/{id}/replay", s.handleDeadLetterReplay)
	r.Delete("/{id}", s.handleDeadLetterDelete)
}

func (s *Server) handleDeadLetterList(w http.ResponseWriter, _ *http.Request) {
	letters, err := s.dlq.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if letters == nil {
		letters = []eventprocessor.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (s *Server) handleDeadLetterGet(w http.ResponseWriter, r *http.Request) {
	dl, err := s.dlq.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDeadLetterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.dlq.Replay(r.Context(), id); err != nil {
		writeDeadLetterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "replayed"})
}

func (s *Server) handleDeadLetterDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.dlq.Delete(chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeDeadLetterError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, eventprocessor.ErrDeadLetterNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
