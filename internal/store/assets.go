// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/duckdb/duckdb-go/v2"

	"github.com/framematch/framematch/internal/models"
)

// InsertProductImage upserts one catalog image's feature vectors.
// Redelivered image.ready events hit the (job_id, img_id) unique
// constraint and are silently ignored.
func (db *DB) InsertProductImage(ctx context.Context, img *models.ProductImage) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO product_images (img_id, job_id, product_id, emb_rgb, emb_gray, keypoint_ref)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, img_id) DO NOTHING`,
		img.ImgID, img.JobID, img.ProductID, img.EmbRGB, img.EmbGray, img.KeypointRef)
	if err != nil {
		return fmt.Errorf("failed to insert product image %s/%s: %w", img.JobID, img.ImgID, err)
	}
	return nil
}

// InsertVideoFrame upserts one sampled frame's feature vectors.
func (db *DB) InsertVideoFrame(ctx context.Context, frame *models.VideoFrame) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO video_frames (frame_id, job_id, video_id, ts, emb_rgb, emb_gray, keypoint_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, frame_id) DO NOTHING`,
		frame.FrameID, frame.JobID, frame.VideoID, frame.TS,
		frame.EmbRGB, frame.EmbGray, frame.KeypointRef)
	if err != nil {
		return fmt.Errorf("failed to insert video frame %s/%s: %w", frame.JobID, frame.FrameID, err)
	}
	return nil
}

// ProductIDs returns the distinct product IDs with at least one stored
// image for the job, in stable order.
func (db *DB) ProductIDs(ctx context.Context, jobID string) ([]string, error) {
	return db.queryStrings(ctx, `
		SELECT DISTINCT product_id FROM product_images
		WHERE job_id = ? ORDER BY product_id`, jobID)
}

// VideoIDs returns the distinct video IDs with at least one stored frame
// for the job, in stable order.
func (db *DB) VideoIDs(ctx context.Context, jobID string) ([]string, error) {
	return db.queryStrings(ctx, `
		SELECT DISTINCT video_id FROM video_frames
		WHERE job_id = ? ORDER BY video_id`, jobID)
}

func (db *DB) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ImagesForProduct returns every stored image of one product, ordered by
// img_id so runs are deterministic.
func (db *DB) ImagesForProduct(ctx context.Context, jobID, productID string) ([]models.ProductImage, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT img_id, job_id, product_id, emb_rgb, emb_gray, keypoint_ref
		FROM product_images
		WHERE job_id = ? AND product_id = ?
		ORDER BY img_id`, jobID, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query product images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ProductImage
	for rows.Next() {
		var (
			img     models.ProductImage
			rgb     duckdb.Composite[[]float32]
			gray    duckdb.Composite[[]float32]
			kpQuery sql.NullString
		)
		if err := rows.Scan(&img.ImgID, &img.JobID, &img.ProductID, &rgb, &gray, &kpQuery); err != nil {
			return nil, fmt.Errorf("failed to scan product image: %w", err)
		}
		img.EmbRGB = rgb.Get()
		img.EmbGray = gray.Get()
		img.KeypointRef = kpQuery.String
		out = append(out, img)
	}
	return out, rows.Err()
}

// FramesForVideo returns every stored frame of one video, ordered by
// frame_id.
func (db *DB) FramesForVideo(ctx context.Context, jobID, videoID string) ([]models.VideoFrame, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT frame_id, job_id, video_id, ts, emb_rgb, emb_gray, keypoint_ref
		FROM video_frames
		WHERE job_id = ? AND video_id = ?
		ORDER BY frame_id`, jobID, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query video frames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.VideoFrame
	for rows.Next() {
		var (
			frame models.VideoFrame
			rgb   duckdb.Composite[[]float32]
			gray  duckdb.Composite[[]float32]
			kp    sql.NullString
		)
		if err := rows.Scan(&frame.FrameID, &frame.JobID, &frame.VideoID, &frame.TS,
			&rgb, &gray, &kp); err != nil {
			return nil, fmt.Errorf("failed to scan video frame: %w", err)
		}
		frame.EmbRGB = rgb.Get()
		frame.EmbGray = gray.Get()
		frame.KeypointRef = kp.String
		out = append(out, frame)
	}
	return out, rows.Err()
}

// FrameByID returns one frame, or nil when it does not exist.
func (db *DB) FrameByID(ctx context.Context, jobID, frameID string) (*models.VideoFrame, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT frame_id, job_id, video_id, ts, emb_rgb, emb_gray, keypoint_ref
		FROM video_frames WHERE job_id = ? AND frame_id = ?`, jobID, frameID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame %s: %w", frameID, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		frame models.VideoFrame
		rgb   duckdb.Composite[[]float32]
		gray  duckdb.Composite[[]float32]
		kp    sql.NullString
	)
	if err := rows.Scan(&frame.FrameID, &frame.JobID, &frame.VideoID, &frame.TS,
		&rgb, &gray, &kp); err != nil {
		return nil, fmt.Errorf("failed to scan frame %s: %w", frameID, err)
	}
	frame.EmbRGB = rgb.Get()
	frame.EmbGray = gray.Get()
	frame.KeypointRef = kp.String
	return &frame, nil
}
