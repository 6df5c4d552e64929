// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package eventprocessor

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/framematch/framematch/internal/models"
)

// validate is the shared validator instance. validator/v10 instances
// cache struct metadata and are safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Topic builders. Subjects follow {asset_type}.{stage}.ready for
// per-asset progress, {asset_type}.collection.completed for expected
// counts and {asset_type}.{stage}s.completed for the tracker's output.
func TopicAssetReady(t models.AssetType, s models.Stage) string {
	return fmt.Sprintf("%s.%s.ready", t, s)
}

func TopicCollectionCompleted(t models.AssetType) string {
	return fmt.Sprintf("%s.collection.completed", t)
}

func TopicStageCompleted(t models.AssetType, s models.Stage) string {
	return fmt.Sprintf("%s.%ss.completed", t, s)
}

// Fixed topics.
const (
	TopicJobRequest       = "job.request"
	TopicJobCancel        = "job.cancel"
	TopicMatchRequest     = "match.request"
	TopicMatchResult      = "match.result"
	TopicProcessCompleted = "matchings.process.completed"
)

// JobRequestEvent creates a job in the collection phase.
type JobRequestEvent struct {
	EventID   string `json:"event_id" validate:"required,uuid4"`
	JobID     string `json:"job_id" validate:"required"`
	Industry  string `json:"industry,omitempty"`
	HasImages bool   `json:"has_images"`
	HasVideos bool   `json:"has_videos"`
}

// CollectionCompletedEvent announces how many assets of one type the
// upstream collector produced for a stage. WatermarkTTLSeconds bounds
// how long the tracker waits for stragglers; 0 uses the configured
// default.
type CollectionCompletedEvent struct {
	EventID             string       `json:"event_id" validate:"required,uuid4"`
	JobID               string       `json:"job_id" validate:"required"`
	Stage               models.Stage `json:"stage" validate:"required,oneof=embedding keypoint"`
	TotalAssets         int          `json:"total_assets" validate:"min=0"`
	WatermarkTTLSeconds int          `json:"watermark_ttl,omitempty" validate:"min=0"`
}

// WatermarkTTL returns the event's TTL as a duration.
func (e *CollectionCompletedEvent) WatermarkTTL() time.Duration {
	return time.Duration(e.WatermarkTTLSeconds) * time.Second
}

// AssetReadyEvent reports one asset finishing one extraction stage. The
// asset type and stage are carried by the subject, not the payload.
type AssetReadyEvent struct {
	EventID   string           `json:"event_id" validate:"required,uuid4"`
	JobID     string           `json:"job_id" validate:"required"`
	AssetID   string           `json:"asset_id" validate:"required"`
	AssetType models.AssetType `json:"asset_type" validate:"required,oneof=image video"`
	LocalPath string           `json:"local_path,omitempty"`
}

// MatchRequestEvent triggers a matching run. The payload deliberately
// carries nothing but identifiers; job state is always loaded from the
// store. Unknown fields in the payload are rejected at decode time.
type MatchRequestEvent struct {
	EventID string `json:"event_id" validate:"required,uuid4"`
	JobID   string `json:"job_id" validate:"required"`
}

// JobCancelEvent short-circuits a job to cancelled.
type JobCancelEvent struct {
	EventID string `json:"event_id" validate:"required,uuid4"`
	JobID   string `json:"job_id" validate:"required"`
}

// StageCompletedEvent is the tracker's exactly-once completion
// notification for one (job, asset type, stage).
type StageCompletedEvent struct {
	EventID              string `json:"event_id" validate:"required,uuid4"`
	JobID                string `json:"job_id" validate:"required"`
	TotalAssets          int    `json:"total_assets" validate:"min=0"`
	ProcessedAssets      int    `json:"processed_assets" validate:"min=0"`
	FailedAssets         int    `json:"failed_assets" validate:"min=0"`
	HasPartialCompletion bool   `json:"has_partial_completion"`
	WatermarkTTLSeconds  int    `json:"watermark_ttl,omitempty"`
}

// BestPairPayload mirrors models.BestPair on the wire.
type BestPairPayload struct {
	ImgID     string  `json:"img_id" validate:"required"`
	FrameID   string  `json:"frame_id" validate:"required"`
	ScorePair float64 `json:"score_pair" validate:"min=0,max=1"`
}

// MatchResultEvent is one accepted product-video decision.
type MatchResultEvent struct {
	JobID     string          `json:"job_id" validate:"required"`
	ProductID string          `json:"product_id" validate:"required"`
	VideoID   string          `json:"video_id" validate:"required"`
	BestPair  BestPairPayload `json:"best_pair" validate:"required"`
	Score     float64         `json:"score" validate:"min=0,max=1"`
	TS        time.Time       `json:"ts" validate:"required"`
}

// ProcessCompletedEvent closes a job's matching phase, exactly once.
type ProcessCompletedEvent struct {
	EventID string `json:"event_id" validate:"required,uuid4"`
	JobID   string `json:"job_id" validate:"required"`
}

// NewEventID returns a fresh event identifier.
func NewEventID() string {
	return uuid.New().String()
}
