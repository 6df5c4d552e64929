// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package match

import (
	"context"
	"errors"

	"github.com/framematch/framematch/internal/blob"
	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/logging"
)

// KeypointScorer produces a keypoint-consistency score in [0,1] for a
// pair of keypoint payloads. Implementations may range from the
// descriptor-matching proxy below up to full geometric verification;
// the PairScorer contract does not change.
type KeypointScorer interface {
	Score(a, b *blob.KeypointPayload) float64
}

// MutualNearestScorer scores keypoint consistency as the ratio of
// mutual-nearest descriptor matches to the smaller keypoint set. A
// descriptor pair counts only when each is the other's nearest neighbor
// by cosine similarity, which suppresses the one-to-many matches that
// inflate naive nearest-neighbor counts.
type MutualNearestScorer struct{}

// Score implements KeypointScorer.
func (MutualNearestScorer) Score(a, b *blob.KeypointPayload) float64 {
	if a == nil || b == nil || len(a.Descriptors) == 0 || len(b.Descriptors) == 0 {
		return 0
	}

	// Nearest neighbor in b for each descriptor of a, and the reverse.
	aToB := nearestNeighbors(a.Descriptors, b.Descriptors)
	bToA := nearestNeighbors(b.Descriptors, a.Descriptors)

	mutual := 0
	for i, j := range aToB {
		if j >= 0 && bToA[j] == i {
			mutual++
		}
	}

	smaller := len(a.Descriptors)
	if len(b.Descriptors) < smaller {
		smaller = len(b.Descriptors)
	}
	return clip01(float64(mutual) / float64(smaller))
}

func nearestNeighbors(from, to [][]float32) []int {
	out := make([]int, len(from))
	for i, d := range from {
		best, bestSim := -1, -1.0
		for j, e := range to {
			if sim := Cosine(d, e); sim > bestSim {
				best, bestSim = j, sim
			}
		}
		out[i] = best
	}
	return out
}

// PairScorer blends the embedding, keypoint and edge signals of one
// (image, frame) pair into a single score.
type PairScorer struct {
	weightEmbed float64
	weightKP    float64
	weightEdge  float64
	kp          KeypointScorer
	blobs       blob.Reader
}

// NewPairScorer builds a PairScorer with the configured weights. A nil
// scorer defaults to MutualNearestScorer.
func NewPairScorer(cfg config.MatchingConfig, blobs blob.Reader, kp KeypointScorer) *PairScorer {
	if kp == nil {
		kp = MutualNearestScorer{}
	}
	return &PairScorer{
		weightEmbed: cfg.WeightEmbed,
		weightKP:    cfg.WeightKP,
		weightEdge:  cfg.WeightEdge,
		kp:          kp,
		blobs:       blobs,
	}
}

// Score computes
//
//	w_embed*sim_deep + w_kp*sim_kp + w_edge*sim_edge
//
// clipped to [0,1]. simDeep is the RGB embedding cosine produced by
// retrieval, simEdge the grayscale one. Missing keypoint data zeroes the
// keypoint term; it never substitutes a confident default.
func (s *PairScorer) Score(ctx context.Context, imgKeypointRef, frameKeypointRef string, simDeep, simEdge float64) float64 {
	simKP := s.keypointSim(ctx, imgKeypointRef, frameKeypointRef)
	score := s.weightEmbed*simDeep + s.weightKP*simKP + s.weightEdge*simEdge
	return clip01(score)
}

func (s *PairScorer) keypointSim(ctx context.Context, refA, refB string) float64 {
	if refA == "" || refB == "" || s.blobs == nil {
		return 0
	}

	a, err := s.readKeypoints(ctx, refA)
	if err != nil || a == nil {
		return 0
	}
	b, err := s.readKeypoints(ctx, refB)
	if err != nil || b == nil {
		return 0
	}
	return s.kp.Score(a, b)
}

func (s *PairScorer) readKeypoints(ctx context.Context, ref string) (*blob.KeypointPayload, error) {
	payload, err := s.blobs.Keypoints(ctx, ref)
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			logging.Ctx(ctx).Warn().Err(err).
				Str("ref", ref).
				Msg("Keypoint payload unreadable, degrading keypoint term")
		}
		return nil, err
	}
	return payload, nil
}

func clip01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
