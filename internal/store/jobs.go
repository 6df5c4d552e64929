// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/framematch/framematch/internal/metrics"
	"github.com/framematch/framematch/internal/models"
)

// ErrJobNotFound is returned when a job_id has no row.
var ErrJobNotFound = errors.New("job not found")

// ErrPhaseConflict is returned by AdvancePhase when the conditional
// update matched no row: another worker already moved the job, or the
// transition is illegal from the job's current phase. Callers treat this
// as "someone else won", not as a failure.
var ErrPhaseConflict = errors.New("phase transition conflict")

// CreateJob inserts a new job in the collection phase. Redelivered
// job.request events hit ON CONFLICT DO NOTHING; the bool reports whether
// this call created the row.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) (bool, error) {
	if job.Phase == "" {
		job.Phase = models.PhaseCollection
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO jobs (job_id, industry, phase, has_images, has_videos, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING`,
		job.JobID, job.Industry, string(job.Phase),
		job.HasImages, job.HasVideos, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert job %s: %w", job.JobID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetJob returns the job row, or ErrJobNotFound.
func (db *DB) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var (
		job      models.Job
		phase    string
		industry sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT job_id, industry, phase, has_images, has_videos, created_at, updated_at
		FROM jobs WHERE job_id = ?`, jobID).
		Scan(&job.JobID, &industry, &phase, &job.HasImages, &job.HasVideos,
			&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job %s: %w", jobID, err)
	}
	job.Industry = industry.String
	job.Phase = models.Phase(phase)
	return &job, nil
}

// AdvancePhase moves a job from one phase to the next with a conditional
// update. The WHERE clause carries the expected current phase, so exactly
// one concurrent caller observes a row change; everyone else gets
// ErrPhaseConflict. This single write is the gate that keeps
// phase-entry side effects (dispatching matching, emitting the final
// completion event) exactly-once.
func (db *DB) AdvancePhase(ctx context.Context, jobID string, from, to models.Phase) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("illegal phase transition %s -> %s for job %s", from, to, jobID)
	}

	res, err := db.conn.ExecContext(ctx, `
		UPDATE jobs SET phase = ?, updated_at = ?
		WHERE job_id = ? AND phase = ?`,
		string(to), time.Now().UTC(), jobID, string(from))
	if err != nil {
		return fmt.Errorf("failed to advance job %s to %s: %w", jobID, to, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		metrics.RecordPhaseConflict()
		return fmt.Errorf("%w: job %s %s -> %s", ErrPhaseConflict, jobID, from, to)
	}
	metrics.RecordPhaseTransition(string(from), string(to))
	return nil
}

// FailJob moves a job to the failed phase from whatever non-terminal
// phase it is in, recording the reason. Failing an already-terminal job
// is a no-op.
func (db *DB) FailJob(ctx context.Context, jobID, reason string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE jobs SET phase = ?, failure_reason = ?, updated_at = ?
		WHERE job_id = ? AND phase NOT IN (?, ?, ?)`,
		string(models.PhaseFailed), reason, time.Now().UTC(), jobID,
		string(models.PhaseCompleted), string(models.PhaseFailed), string(models.PhaseCancelled))
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	if rows, rerr := res.RowsAffected(); rerr == nil && rows > 0 {
		metrics.RecordPhaseTransition("*", string(models.PhaseFailed))
	}
	return nil
}

// CancelJob moves a job to the cancelled phase from any non-terminal
// phase. Returns true if this call performed the transition.
func (db *DB) CancelJob(ctx context.Context, jobID string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE jobs SET phase = ?, updated_at = ?
		WHERE job_id = ? AND phase NOT IN (?, ?, ?)`,
		string(models.PhaseCancelled), time.Now().UTC(), jobID,
		string(models.PhaseCompleted), string(models.PhaseFailed), string(models.PhaseCancelled))
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows > 0 {
		metrics.RecordPhaseTransition("*", string(models.PhaseCancelled))
	}
	return rows > 0, nil
}
