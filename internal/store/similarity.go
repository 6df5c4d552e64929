// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package store

import (
	"context"
	"fmt"

	"github.com/framematch/framematch/internal/models"
)

// FrameSimilarity is one retrieved frame with its cosine similarities to
// a query image.
type FrameSimilarity struct {
	FrameID string
	VideoID string
	SimRGB  float64
	SimGray float64
}

// TopKFrames retrieves the k frames of one video most similar to the
// query image, scored by the better of the RGB and grayscale cosine
// similarities. Ties break on frame_id ascending so reruns and the
// in-process fallback produce identical rankings. Frames missing an
// embedding score 0 for that channel rather than dropping out.
func (db *DB) TopKFrames(ctx context.Context, jobID, videoID string, img *models.ProductImage, k int) ([]FrameSimilarity, error) {
	if k <= 0 {
		return nil, fmt.Errorf("top-k must be positive, got %d", k)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT frame_id, video_id,
			COALESCE(list_cosine_similarity(emb_rgb, ?::FLOAT[]), 0) AS sim_rgb,
			COALESCE(list_cosine_similarity(emb_gray, ?::FLOAT[]), 0) AS sim_gray
		FROM video_frames
		WHERE job_id = ? AND video_id = ?
		ORDER BY GREATEST(sim_rgb, sim_gray) DESC, frame_id ASC
		LIMIT ?`,
		img.EmbRGB, img.EmbGray, jobID, videoID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query top-k frames for %s/%s: %w", jobID, videoID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []FrameSimilarity
	for rows.Next() {
		var fs FrameSimilarity
		if err := rows.Scan(&fs.FrameID, &fs.VideoID, &fs.SimRGB, &fs.SimGray); err != nil {
			return nil, fmt.Errorf("failed to scan similarity row: %w", err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}
