// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package match

import (
	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/models"
)

// PairScore is one scored (image, frame) pair feeding a candidate.
type PairScore struct {
	ImgID   string
	FrameID string
	Score   float64
}

// Decision is the aggregated verdict for one (product, video) candidate.
type Decision struct {
	Best        models.BestPair
	Consistency int // pairs at or above the consistency threshold
	Coverage    int // distinct images contributing such pairs
	Final       float64
	Accepted    bool
}

// Aggregate reduces all pair scores of one candidate to a decision.
//
// best is the maximum pair score; consistency counts pairs at or above
// the per-pair threshold; coverage counts the distinct images behind
// those pairs. A candidate is accepted when best clears the floor with
// enough consistent pairs, or on a single strong pair alone. The final
// score is best plus small bonuses for broad agreement, clipped to
// [0,1], and must additionally clear the persistence floor.
func Aggregate(pairs []PairScore, th config.IndustryThresholds) Decision {
	var d Decision
	if len(pairs) == 0 {
		return d
	}

	contributing := map[string]bool{}
	bestIdx := -1
	for i, p := range pairs {
		if bestIdx < 0 || betterPair(p, pairs[bestIdx]) {
			bestIdx = i
		}
		if p.Score >= th.SimDeepMinAccept {
			d.Consistency++
			contributing[p.ImgID] = true
		}
	}
	d.Coverage = len(contributing)

	best := pairs[bestIdx]
	d.Best = models.BestPair{ImgID: best.ImgID, FrameID: best.FrameID, ScorePair: best.Score}

	accepted := (best.Score >= th.BestMin && d.Consistency >= th.ConsistencyMin) ||
		best.Score >= th.BestStrong
	if !accepted {
		return d
	}

	final := best.Score
	if d.Consistency >= 3 {
		final += 0.02
	}
	if d.Coverage >= 2 {
		final += 0.02
	}
	final = clip01(final)

	d.Final = final
	d.Accepted = final >= th.MatchAccept
	return d
}

// betterPair orders pairs by score descending, then img_id and frame_id
// ascending so the reported best pair is deterministic across runs.
func betterPair(a, b PairScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.ImgID != b.ImgID {
		return a.ImgID < b.ImgID
	}
	return a.FrameID < b.FrameID
}
