// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

// Package match implements the matching engine: candidate retrieval,
// pair scoring and aggregation into persisted, published decisions.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/logging"
	"github.com/framematch/framematch/internal/metrics"
	"github.com/framematch/framematch/internal/models"
	"github.com/framematch/framematch/internal/phase"
	"github.com/framematch/framematch/internal/store"
)

// ResultSink publishes the engine's outbound events. The transport layer
// provides the implementation.
type ResultSink interface {
	PublishMatchResult(ctx context.Context, m *models.Match) error
	PublishProcessCompleted(ctx context.Context, jobID string) error
}

// Dispatcher runs the full matching pass for one job. It derives all
// context (industry thresholds, product and video sets, vectors) from
// persisted state; the triggering request carries nothing but the job
// id, so a stale payload can never diverge from the authoritative
// record.
type Dispatcher struct {
	db        *store.DB
	machine   *phase.Machine
	retriever *Retriever
	scorer    *PairScorer
	sink      ResultSink
	cfg       config.MatchingConfig
	limiter   *rate.Limiter
}

// NewDispatcher wires the matching engine together.
func NewDispatcher(db *store.DB, machine *phase.Machine, retriever *Retriever, scorer *PairScorer, sink ResultSink, cfg config.MatchingConfig) *Dispatcher {
	limit := rate.Inf
	if cfg.StoreQPS > 0 {
		limit = rate.Limit(cfg.StoreQPS)
	}
	burst := cfg.Workers
	if burst <= 0 {
		burst = 4
	}
	return &Dispatcher{
		db:        db,
		machine:   machine,
		retriever: retriever,
		scorer:    scorer,
		sink:      sink,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// Run executes one matching pass. Safe under redelivery: a job already
// past matching is a no-op, persisted decisions deduplicate on their
// unique constraint, and the final completion event is guarded by the
// matching -> evidence phase transition. Errors are retryable; the
// transport redelivers the triggering request.
func (d *Dispatcher) Run(ctx context.Context, jobID string) error {
	job, err := d.db.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Phase {
	case models.PhaseMatching:
		// Proceed.
	case models.PhaseCancelled:
		logging.Ctx(ctx).Info().Str("job_id", jobID).Msg("Matching skipped, job cancelled")
		return nil
	case models.PhaseEvidence, models.PhaseCompleted:
		// A previous run finished; the redelivered request is stale.
		return nil
	default:
		return fmt.Errorf("job %s not ready for matching (phase %s)", jobID, job.Phase)
	}

	start := time.Now()
	thresholds := d.cfg.ThresholdsFor(job.Industry)

	products, err := d.db.ProductIDs(ctx, jobID)
	if err != nil {
		return err
	}
	videos, err := d.db.VideoIDs(ctx, jobID)
	if err != nil {
		return err
	}

	logging.Ctx(ctx).Info().
		Str("job_id", jobID).
		Int("products", len(products)).
		Int("videos", len(videos)).
		Msg("Matching run started")

	// Products are independent; fan out bounded by the configured worker count.
	// All candidates of one (product, video) stay on one goroutine, so
	// aggregation and publishing for a triple never race themselves.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers())
	for _, productID := range products {
		g.Go(func() error {
			return d.matchProduct(gctx, job, productID, videos, thresholds)
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, errJobCancelled) {
			logging.Ctx(ctx).Info().Str("job_id", jobID).Msg("Matching aborted, job cancelled")
			return nil
		}
		return err
	}

	d.retriever.DropJob(jobID, videos)
	metrics.ObserveMatchingRun(time.Since(start))

	return d.finish(ctx, jobID)
}

// errJobCancelled aborts the fan-out without surfacing an error to the
// transport.
var errJobCancelled = errors.New("job cancelled")

func (d *Dispatcher) workers() int {
	if d.cfg.Workers > 0 {
		return d.cfg.Workers
	}
	return 4
}

// matchProduct scores one product against every candidate video.
func (d *Dispatcher) matchProduct(ctx context.Context, job *models.Job, productID string, videos []string, th config.IndustryThresholds) error {
	images, err := d.db.ImagesForProduct(ctx, job.JobID, productID)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return nil
	}

	for _, videoID := range videos {
		pairs, err := d.scoreCandidate(ctx, job.JobID, images, videoID)
		if err != nil {
			return err
		}

		decision := Aggregate(pairs, th)
		metrics.RecordMatchDecision(decision.Accepted)
		if !decision.Accepted {
			continue
		}

		// Last check before the externally visible effects.
		cancelled, err := d.machine.IsCancelled(ctx, job.JobID)
		if err != nil {
			return err
		}
		if cancelled {
			return errJobCancelled
		}

		m := &models.Match{
			JobID:     job.JobID,
			ProductID: productID,
			VideoID:   videoID,
			BestPair:  decision.Best,
			Score:     decision.Final,
		}
		inserted, err := d.db.InsertMatch(ctx, m)
		if err != nil {
			return err
		}
		if !inserted {
			// A previous run already decided this triple; its
			// match.result went out then.
			continue
		}

		logging.Ctx(ctx).Info().
			Str("job_id", job.JobID).
			Str("product_id", productID).
			Str("video_id", videoID).
			Float64("score", decision.Final).
			Int("consistency", decision.Consistency).
			Int("coverage", decision.Coverage).
			Msg("Match accepted")

		if err := d.sink.PublishMatchResult(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// scoreCandidate produces the pair scores of one (product, video)
// candidate: top-k retrieval per image, then the weighted blend.
func (d *Dispatcher) scoreCandidate(ctx context.Context, jobID string, images []models.ProductImage, videoID string) ([]PairScore, error) {
	var pairs []PairScore
	for i := range images {
		img := &images[i]
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		sims, err := d.retriever.TopKFrames(ctx, jobID, videoID, img)
		if err != nil {
			return nil, err
		}
		for _, sim := range sims {
			frame, err := d.db.FrameByID(ctx, jobID, sim.FrameID)
			if err != nil {
				return nil, err
			}
			frameKP := ""
			if frame != nil {
				frameKP = frame.KeypointRef
			}
			score := d.scorer.Score(ctx, img.KeypointRef, frameKP, sim.SimRGB, sim.SimGray)
			pairs = append(pairs, PairScore{ImgID: img.ImgID, FrameID: sim.FrameID, Score: score})
		}
	}
	return pairs, nil
}

// finish performs the matching -> evidence transition and publishes the
// process-completed event. The conditional phase write makes the publish
// exactly-once: only the caller whose UPDATE changed the row emits.
func (d *Dispatcher) finish(ctx context.Context, jobID string) error {
	err := d.db.AdvancePhase(ctx, jobID, models.PhaseMatching, models.PhaseEvidence)
	if errors.Is(err, store.ErrPhaseConflict) {
		// Another run (or a cancel) already moved the job.
		return nil
	}
	if err != nil {
		return err
	}

	logging.Ctx(ctx).Info().Str("job_id", jobID).Msg("Matching run completed")
	return d.sink.PublishProcessCompleted(ctx, jobID)
}
