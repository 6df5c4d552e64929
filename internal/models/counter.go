// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package models

import (
	"fmt"
	"strings"
	"time"
)

// AssetType identifies which kind of asset an event refers to.
type AssetType string

const (
	AssetTypeImage AssetType = "image"
	AssetTypeVideo AssetType = "video"
)

// Valid reports whether t is a known asset type.
func (t AssetType) Valid() bool {
	return t == AssetTypeImage || t == AssetTypeVideo
}

// Stage identifies the feature-extraction stage an event refers to.
type Stage string

const (
	StageEmbedding Stage = "embedding"
	StageKeypoint  Stage = "keypoint"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == StageEmbedding || s == StageKeypoint
}

// CounterKind keys a completion counter: asset type plus stage, e.g.
// "image.embedding". Each (job, kind) pair owns one counter and one
// watermark timer.
type CounterKind string

// Kind builds the counter kind for an asset type and stage.
func Kind(t AssetType, s Stage) CounterKind {
	return CounterKind(fmt.Sprintf("%s.%s", t, s))
}

// Split decomposes a counter kind back into its asset type and stage.
func (k CounterKind) Split() (AssetType, Stage, error) {
	t, s, ok := strings.Cut(string(k), ".")
	if !ok || !AssetType(t).Valid() || !Stage(s).Valid() {
		return "", "", fmt.Errorf("malformed counter kind %q", k)
	}
	return AssetType(t), Stage(s), nil
}

// AllKinds lists every counter kind in gate-check order.
var AllKinds = []CounterKind{
	Kind(AssetTypeImage, StageEmbedding),
	Kind(AssetTypeImage, StageKeypoint),
	Kind(AssetTypeVideo, StageEmbedding),
	Kind(AssetTypeVideo, StageKeypoint),
}

// KindsFor returns the counter kinds required for the asset types present
// on a job. Mixed-type jobs only require the subset of kinds matching the
// asset types they actually carry.
func KindsFor(hasImages, hasVideos bool) []CounterKind {
	kinds := make([]CounterKind, 0, 4)
	if hasImages {
		kinds = append(kinds, Kind(AssetTypeImage, StageEmbedding), Kind(AssetTypeImage, StageKeypoint))
	}
	if hasVideos {
		kinds = append(kinds, Kind(AssetTypeVideo, StageEmbedding), Kind(AssetTypeVideo, StageKeypoint))
	}
	return kinds
}

// CounterState is the lifecycle state of an asset completion counter.
type CounterState string

const (
	// CounterAccumulating means processed < expected and the watermark
	// timer is still running.
	CounterAccumulating CounterState = "accumulating"

	// CounterComplete means every expected asset was processed. Terminal.
	CounterComplete CounterState = "complete"

	// CounterPartialComplete means the watermark deadline elapsed before
	// all expected assets arrived. Terminal.
	CounterPartialComplete CounterState = "partial_complete"

	// CounterDropped is the tombstone left behind when a job's counters
	// are discarded. It keeps in-flight watermark callbacks and straggler
	// progress events from resurrecting a counter that already served its
	// gate. Terminal.
	CounterDropped CounterState = "dropped"
)

// Terminal reports whether the state is terminal. A counter in a terminal
// state never changes again and never emits a second notification.
func (s CounterState) Terminal() bool {
	return s == CounterComplete || s == CounterPartialComplete || s == CounterDropped
}

// AssetCounter tracks expected vs processed assets for one (job, kind).
// Mutated only through atomic transactions in the tracker.
type AssetCounter struct {
	JobID     string        `json:"job_id"`
	Kind      CounterKind   `json:"kind"`
	Expected  int           `json:"expected"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	State     CounterState  `json:"state"`
	Deadline  time.Time     `json:"deadline,omitempty"` // watermark deadline
	TTL       time.Duration `json:"watermark_ttl,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ProcessedEventRecord is one row of the append-only event ledger.
type ProcessedEventRecord struct {
	JobID      string      `json:"job_id"`
	EventID    string      `json:"event_id"`
	Kind       CounterKind `json:"kind,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// CompletionNotice is emitted exactly once per (job, kind) when its counter
// reaches a terminal state.
type CompletionNotice struct {
	JobID        string        `json:"job_id"`
	Kind         CounterKind   `json:"kind"`
	Total        int           `json:"total_assets"`
	Processed    int           `json:"processed_assets"`
	Failed       int           `json:"failed_assets"`
	Partial      bool          `json:"has_partial_completion"`
	WatermarkTTL time.Duration `json:"watermark_ttl"`
}
