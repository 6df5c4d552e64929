// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/framematch/framematch/internal/models"
)

// InsertMatch persists one accepted decision. A redelivered or replayed
// matching run hits the (job_id, product_id, video_id) unique constraint
// and is silently ignored, so the table never holds two decisions for
// the same pair. The bool reports whether this call inserted the row.
func (db *DB) InsertMatch(ctx context.Context, m *models.Match) (bool, error) {
	if m.MatchID == "" {
		m.MatchID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO matches (match_id, job_id, product_id, video_id,
			best_img_id, best_frame_id, best_score_pair, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, product_id, video_id) DO NOTHING`,
		m.MatchID, m.JobID, m.ProductID, m.VideoID,
		m.BestPair.ImgID, m.BestPair.FrameID, m.BestPair.ScorePair,
		m.Score, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert match %s/%s/%s: %w",
			m.JobID, m.ProductID, m.VideoID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// MatchesForJob returns the job's accepted matches ordered by product
// then video, so the final completion payload is deterministic.
func (db *DB) MatchesForJob(ctx context.Context, jobID string) ([]models.Match, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT match_id, job_id, product_id, video_id,
			best_img_id, best_frame_id, best_score_pair, score, created_at
		FROM matches WHERE job_id = ?
		ORDER BY product_id, video_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches for %s: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Match
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(&m.MatchID, &m.JobID, &m.ProductID, &m.VideoID,
			&m.BestPair.ImgID, &m.BestPair.FrameID, &m.BestPair.ScorePair,
			&m.Score, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
