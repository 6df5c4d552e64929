// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

// Package phase drives the job lifecycle. Phases move strictly forward
// through collection, feature_extraction, matching and evidence; a
// cancellation short-circuits to cancelled from any non-terminal phase.
// Every transition is a conditional UPDATE on the jobs row, so exactly
// one concurrent worker performs each phase-entry side effect.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/framematch/framematch/internal/ledger"
	"github.com/framematch/framematch/internal/logging"
	"github.com/framematch/framematch/internal/models"
	"github.com/framematch/framematch/internal/store"
	"github.com/framematch/framematch/internal/tracker"
)

// MatchTrigger fires once when a job enters the matching phase. The
// transport binds this to publishing a match.request event.
type MatchTrigger func(ctx context.Context, jobID string) error

// Machine advances jobs through their phases.
type Machine struct {
	db      *store.DB
	ledger  *ledger.Store
	tracker *tracker.Tracker
	trigger MatchTrigger

	// triggerMu serializes the fire-then-mark trigger protocol so a
	// worker that lost the phase write cannot observe the marker missing
	// while the winner is still publishing.
	triggerMu sync.Mutex
}

// New returns a Machine. The trigger is bound later, after the
// transport's publisher exists.
func New(db *store.DB, led *ledger.Store, tr *tracker.Tracker) *Machine {
	return &Machine{db: db, ledger: led, tracker: tr}
}

// SetMatchTrigger binds the matching-phase entry action.
func (m *Machine) SetMatchTrigger(t MatchTrigger) {
	m.trigger = t
}

// OnCompletion records one completion notification in the phase-event
// ledger and advances the job if the gate is now satisfied. Safe under
// redelivery: recording is append-only and both transitions are
// conditional writes.
func (m *Machine) OnCompletion(ctx context.Context, notice models.CompletionNotice) error {
	job, err := m.db.GetJob(ctx, notice.JobID)
	if err != nil {
		return err
	}
	if job.Phase.Terminal() {
		// Cancelled or failed while the pipeline was still producing.
		logging.Ctx(ctx).Debug().
			Str("job_id", job.JobID).
			Str("phase", string(job.Phase)).
			Str("kind", string(notice.Kind)).
			Msg("Completion ignored for terminal job")
		return nil
	}

	if _, err := m.ledger.MarkCompletionSeen(notice.JobID, notice.Kind); err != nil {
		return fmt.Errorf("failed to record completion %s/%s: %w", notice.JobID, notice.Kind, err)
	}

	// The first completion moves the job out of collection. Losing this
	// race to another worker is fine.
	if job.Phase == models.PhaseCollection {
		err := m.db.AdvancePhase(ctx, job.JobID, models.PhaseCollection, models.PhaseFeatureExtraction)
		if err != nil && !errors.Is(err, store.ErrPhaseConflict) {
			return err
		}
	}

	return m.tryEnterMatching(ctx, job)
}

// tryEnterMatching checks the gate and performs the
// feature_extraction -> matching transition. The conditional phase write
// elects the worker that enters matching; the trigger-sent marker keeps
// the trigger publish alive across a failure after that write.
func (m *Machine) tryEnterMatching(ctx context.Context, job *models.Job) error {
	satisfied, err := m.GateSatisfied(job)
	if err != nil {
		return err
	}
	if !satisfied {
		return nil
	}

	err = m.db.AdvancePhase(ctx, job.JobID, models.PhaseFeatureExtraction, models.PhaseMatching)
	if errors.Is(err, store.ErrPhaseConflict) {
		// Lost the transition. Either another worker won it, or a prior
		// delivery entered matching but errored before its trigger publish
		// went out. Acking here without checking would strand the job: the
		// phase write is durable, so no future redelivery could ever win
		// the transition again. Re-fire the trigger when the job sits in
		// matching and no successful publish was recorded; the publish
		// carries a deterministic message id, so a cross-process duplicate
		// collapses at the broker.
		current, err := m.db.GetJob(ctx, job.JobID)
		if err != nil {
			return err
		}
		if current.Phase != models.PhaseMatching {
			return nil
		}
		return m.fireTrigger(ctx, job.JobID)
	}
	if err != nil {
		return err
	}

	logging.Ctx(ctx).Info().
		Str("job_id", job.JobID).
		Msg("Extraction gate satisfied, entering matching")

	// Counters served their purpose once the gate passed.
	if err := m.tracker.DropJob(job.JobID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("job_id", job.JobID).
			Msg("Failed to drop completion counters")
	}

	return m.fireTrigger(ctx, job.JobID)
}

// fireTrigger publishes the match trigger once. The trigger-sent marker
// is written only after a successful publish: a crash in between re-sends
// on redelivery, which the broker-side dedup absorbs.
func (m *Machine) fireTrigger(ctx context.Context, jobID string) error {
	m.triggerMu.Lock()
	defer m.triggerMu.Unlock()

	sent, err := m.ledger.MatchTriggerSent(jobID)
	if err != nil {
		return err
	}
	if sent {
		return nil
	}
	if m.trigger == nil {
		return fmt.Errorf("no match trigger bound for job %s", jobID)
	}
	if err := m.trigger(ctx, jobID); err != nil {
		return err
	}
	if err := m.ledger.MarkMatchTriggerSent(jobID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("job_id", jobID).
			Msg("Failed to record match trigger publish")
	}
	return nil
}

// GateSatisfied reports whether every required completion kind for the
// job's asset types has been recorded. The predicate is monotone; once
// true it stays true.
func (m *Machine) GateSatisfied(job *models.Job) (bool, error) {
	required := models.KindsFor(job.HasImages, job.HasVideos)
	if len(required) == 0 {
		return false, fmt.Errorf("job %s declares no asset types", job.JobID)
	}
	seen, err := m.ledger.CompletionsSeen(job.JobID)
	if err != nil {
		return false, err
	}
	for _, kind := range required {
		if !seen[kind] {
			return false, nil
		}
	}
	return true, nil
}

// Cancel short-circuits a job to cancelled, stops its watermark timers
// and drops its counters. Returns true if this call performed the
// transition; replays and cancels of terminal jobs report false with no
// side effects.
func (m *Machine) Cancel(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := m.db.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}
	if err := m.tracker.DropJob(jobID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("job_id", jobID).
			Msg("Failed to drop counters for cancelled job")
	}
	logging.Ctx(ctx).Info().Str("job_id", jobID).Msg("Job cancelled")
	return true, nil
}

// IsCancelled reports whether the job has been cancelled. Components
// call this immediately before every externally visible effect so
// in-flight work for a cancelled job produces no output.
func (m *Machine) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := m.db.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Phase == models.PhaseCancelled, nil
}
