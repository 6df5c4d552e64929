// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package models

import "time"

// Phase is the job lifecycle phase. Phases only ever move forward; a
// cancellation short-circuits to PhaseCancelled from any non-terminal phase.
type Phase string

const (
	PhaseCollection        Phase = "collection"
	PhaseFeatureExtraction Phase = "feature_extraction"
	PhaseMatching          Phase = "matching"
	PhaseEvidence          Phase = "evidence"
	PhaseCompleted         Phase = "completed"
	PhaseFailed            Phase = "failed"
	PhaseCancelled         Phase = "cancelled"
)

// phaseOrder defines the forward progression of non-terminal phases.
var phaseOrder = map[Phase]int{
	PhaseCollection:        0,
	PhaseFeatureExtraction: 1,
	PhaseMatching:          2,
	PhaseEvidence:          3,
	PhaseCompleted:         4,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseCollection, PhaseFeatureExtraction, PhaseMatching,
		PhaseEvidence, PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Terminal reports whether p is a terminal phase. Terminal phases never
// transition again.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// CanAdvanceTo reports whether a transition from p to next is legal.
// Failed and cancelled are reachable from any non-terminal phase; all
// other transitions must move strictly forward in phase order.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if p.Terminal() {
		return false
	}
	if next == PhaseFailed || next == PhaseCancelled {
		return true
	}
	from, ok := phaseOrder[p]
	if !ok {
		return false
	}
	to, ok := phaseOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// Job is the persisted job record. The phase column is mutated only through
// conditional updates (see store.AdvancePhase), making the transition write
// itself the concurrency guard.
type Job struct {
	JobID     string    `json:"job_id"`
	Industry  string    `json:"industry,omitempty"`
	Phase     Phase     `json:"phase"`
	HasImages bool      `json:"has_images"`
	HasVideos bool      `json:"has_videos"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
