// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

/*
schema.go - Database Schema Management

Tables:
  - jobs: One row per matching job with its lifecycle phase. The phase
    column is only ever mutated through conditional UPDATEs, so a row's
    phase history is strictly forward.
  - product_images: Extracted feature vectors for catalog images,
    keyed (job_id, img_id). Embeddings are FLOAT[] lists queried with
    list_cosine_similarity.
  - video_frames: Extracted feature vectors for sampled video frames,
    keyed (job_id, frame_id).
  - matches: Accepted product-video decisions. UNIQUE(job_id, product_id,
    video_id) with ON CONFLICT DO NOTHING makes inserts idempotent under
    redelivery.

All columns are defined in the initial CREATE TABLE statements; there is
no migration machinery yet.
*/
package store

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates the core database tables and indexes.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			industry TEXT,
			phase TEXT NOT NULL,
			has_images BOOLEAN NOT NULL DEFAULT false,
			has_videos BOOLEAN NOT NULL DEFAULT false,
			failure_reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS product_images (
			img_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			emb_rgb FLOAT[],
			emb_gray FLOAT[],
			keypoint_ref TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (job_id, img_id)
		)`,

		`CREATE TABLE IF NOT EXISTS video_frames (
			frame_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			ts DOUBLE NOT NULL DEFAULT 0,
			emb_rgb FLOAT[],
			emb_gray FLOAT[],
			keypoint_ref TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (job_id, frame_id)
		)`,

		`CREATE TABLE IF NOT EXISTS matches (
			match_id UUID PRIMARY KEY,
			job_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			best_img_id TEXT NOT NULL,
			best_frame_id TEXT NOT NULL,
			best_score_pair DOUBLE NOT NULL,
			score DOUBLE NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (job_id, product_id, video_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_product_images_job_product
			ON product_images (job_id, product_id)`,
		`CREATE INDEX IF NOT EXISTS idx_video_frames_job_video
			ON video_frames (job_id, video_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_job
			ON matches (job_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}

	return nil
}
