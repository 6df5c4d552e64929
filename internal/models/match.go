// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package models

import "time"

// ProductImage is a catalog image with its extracted feature vectors.
// Read-only to the matching core; produced upstream by the extraction
// pipeline.
type ProductImage struct {
	ImgID       string    `json:"img_id"`
	JobID       string    `json:"job_id"`
	ProductID   string    `json:"product_id"`
	EmbRGB      []float32 `json:"emb_rgb,omitempty"`
	EmbGray     []float32 `json:"emb_gray,omitempty"`
	KeypointRef string    `json:"keypoint_ref,omitempty"` // blob store reference
}

// VideoFrame is a sampled video frame with its extracted feature vectors.
// Read-only to the matching core.
type VideoFrame struct {
	FrameID     string    `json:"frame_id"`
	JobID       string    `json:"job_id"`
	VideoID     string    `json:"video_id"`
	TS          float64   `json:"ts"` // seconds into the video
	EmbRGB      []float32 `json:"emb_rgb,omitempty"`
	EmbGray     []float32 `json:"emb_gray,omitempty"`
	KeypointRef string    `json:"keypoint_ref,omitempty"`
}

// BestPair is the highest-scoring (image, frame) pair backing a match.
type BestPair struct {
	ImgID     string  `json:"img_id"`
	FrameID   string  `json:"frame_id"`
	ScorePair float64 `json:"score_pair"`
}

// Match is one accepted product-video match decision. At most one Match
// exists per (job_id, product_id, video_id); immutable once persisted.
type Match struct {
	MatchID   string    `json:"match_id"`
	JobID     string    `json:"job_id"`
	ProductID string    `json:"product_id"`
	VideoID   string    `json:"video_id"`
	BestPair  BestPair  `json:"best_pair"`
	Score     float64   `json:"score"` // final aggregated score in [0,1]
	CreatedAt time.Time `json:"created_at"`
}
