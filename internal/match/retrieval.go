// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package match

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/framematch/framematch/internal/cache"
	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/logging"
	"github.com/framematch/framematch/internal/metrics"
	"github.com/framematch/framematch/internal/models"
	"github.com/framematch/framematch/internal/store"
)

// frameCacheTTL bounds how long a video's frame vectors stay in memory
// for the fallback path. Matching runs finish well inside this window.
const frameCacheTTL = 10 * time.Minute

// Retriever answers top-k frame queries. The primary path pushes the
// cosine ranking into the similarity store; when that path errors or its
// circuit breaker opens, an in-process fallback computes the same
// ranking over cached frame vectors.
type Retriever struct {
	db      *store.DB
	breaker *gobreaker.CircuitBreaker[[]store.FrameSimilarity]
	frames  *cache.LRU[[]models.VideoFrame]
	topK    int
}

// NewRetriever builds a Retriever from the matching configuration.
func NewRetriever(db *store.DB, cfg config.MatchingConfig) *Retriever {
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openInterval := cfg.BreakerOpenInterval
	if openInterval == 0 {
		openInterval = 30 * time.Second
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}

	breaker := gobreaker.NewCircuitBreaker[[]store.FrameSimilarity](gobreaker.Settings{
		Name:    "similarity-store",
		Timeout: openInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &Retriever{
		db:      db,
		breaker: breaker,
		frames:  cache.NewLRU[[]models.VideoFrame](256, frameCacheTTL),
		topK:    topK,
	}
}

// TopKFrames returns the frames of one video most similar to the query
// image. Both paths rank by max(sim_rgb, sim_gray) descending with
// frame_id ascending as the tie-break, so a mid-run failover never
// changes results.
func (r *Retriever) TopKFrames(ctx context.Context, jobID, videoID string, img *models.ProductImage) ([]store.FrameSimilarity, error) {
	start := time.Now()
	sims, err := r.breaker.Execute(func() ([]store.FrameSimilarity, error) {
		return r.db.TopKFrames(ctx, jobID, videoID, img, r.topK)
	})
	if err == nil {
		metrics.RecordRetrieval("store", time.Since(start))
		return sims, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	logging.Ctx(ctx).Warn().Err(err).
		Str("job_id", jobID).
		Str("video_id", videoID).
		Msg("Similarity store unavailable, using in-process fallback")
	metrics.RecordRetrievalFallback()

	start = time.Now()
	sims, err = r.fallback(ctx, jobID, videoID, img)
	if err != nil {
		return nil, fmt.Errorf("retrieval fallback for %s/%s: %w", jobID, videoID, err)
	}
	metrics.RecordRetrieval("fallback", time.Since(start))
	return sims, nil
}

// fallback computes the ranking in process over the video's frame
// vectors, cached per (job, video).
func (r *Retriever) fallback(ctx context.Context, jobID, videoID string, img *models.ProductImage) ([]store.FrameSimilarity, error) {
	cacheKey := jobID + "|" + videoID
	frames, ok := r.frames.Get(cacheKey)
	if !ok {
		var err error
		frames, err = r.db.FramesForVideo(ctx, jobID, videoID)
		if err != nil {
			return nil, err
		}
		r.frames.Add(cacheKey, frames)
	}

	sims := make([]store.FrameSimilarity, 0, len(frames))
	for i := range frames {
		f := &frames[i]
		sims = append(sims, store.FrameSimilarity{
			FrameID: f.FrameID,
			VideoID: f.VideoID,
			SimRGB:  Cosine(img.EmbRGB, f.EmbRGB),
			SimGray: Cosine(img.EmbGray, f.EmbGray),
		})
	}

	sort.Slice(sims, func(i, j int) bool {
		si := math.Max(sims[i].SimRGB, sims[i].SimGray)
		sj := math.Max(sims[j].SimRGB, sims[j].SimGray)
		if si != sj {
			return si > sj
		}
		return sims[i].FrameID < sims[j].FrameID
	})

	if len(sims) > r.topK {
		sims = sims[:r.topK]
	}
	return sims, nil
}

// DropJob evicts a job's cached frame vectors.
func (r *Retriever) DropJob(jobID string, videoIDs []string) {
	for _, v := range videoIDs {
		r.frames.Remove(jobID + "|" + v)
	}
}

// Cosine returns the cosine similarity of two vectors. Mismatched
// lengths, empty or zero-norm vectors score 0 rather than fabricating
// confidence for missing data.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
