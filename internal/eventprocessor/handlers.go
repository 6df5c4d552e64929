// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package eventprocessor

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/framematch/framematch/internal/ledger"
	"github.com/framematch/framematch/internal/match"
	"github.com/framematch/framematch/internal/metrics"
	"github.com/framematch/framematch/internal/models"
	"github.com/framematch/framematch/internal/phase"
	"github.com/framematch/framematch/internal/store"
	"github.com/framematch/framematch/internal/tracker"
)

// Processor owns the inbound message handlers. Every handler follows the
// same discipline: decode and validate, consult the ledger, and only then
// mutate state. A handler error means the message is retried and
// eventually poisoned; a nil return acks it.
type Processor struct {
	ledger     *ledger.Store
	tracker    *tracker.Tracker
	machine    *phase.Machine
	dispatcher *match.Dispatcher
	db         *store.DB
	log        zerolog.Logger
}

// NewProcessor wires the pipeline components into a message processor.
func NewProcessor(led *ledger.Store, tr *tracker.Tracker, m *phase.Machine, d *match.Dispatcher, db *store.DB, log zerolog.Logger) *Processor {
	return &Processor{
		ledger:     led,
		tracker:    tr,
		machine:    m,
		dispatcher: d,
		db:         db,
		log:        log.With().Str("component", "eventprocessor").Logger(),
	}
}

// RegisterHandlers attaches every inbound topic to the router. One
// handler per subject keeps the subject-encoded asset type and stage out
// of the payloads.
func (p *Processor) RegisterHandlers(router *Router, sub *Subscriber) {
	router.AddConsumerHandler("job-request", TopicJobRequest, sub.WatermillSubscriber(), p.handleJobRequest)
	router.AddConsumerHandler("job-cancel", TopicJobCancel, sub.WatermillSubscriber(), p.handleJobCancel)
	router.AddConsumerHandler("match-request", TopicMatchRequest, sub.WatermillSubscriber(), p.handleMatchRequest)

	for _, t := range []models.AssetType{models.AssetTypeImage, models.AssetTypeVideo} {
		router.AddConsumerHandler(
			fmt.Sprintf("%s-collection-completed", t),
			TopicCollectionCompleted(t),
			sub.WatermillSubscriber(),
			p.handleCollectionCompleted(t),
		)
		for _, s := range []models.Stage{models.StageEmbedding, models.StageKeypoint} {
			router.AddConsumerHandler(
				fmt.Sprintf("%s-%s-ready", t, s),
				TopicAssetReady(t, s),
				sub.WatermillSubscriber(),
				p.handleAssetReady(t, s),
			)
			router.AddConsumerHandler(
				fmt.Sprintf("%s-%s-completed", t, s),
				TopicStageCompleted(t, s),
				sub.WatermillSubscriber(),
				p.handleStageCompleted(models.Kind(t, s)),
			)
		}
	}
}

// handleJobRequest creates the job row in the collection phase. The
// create is doubly idempotent: the ledger absorbs redeliveries and the
// insert itself is ON CONFLICT DO NOTHING.
func (p *Processor) handleJobRequest(msg *message.Message) error {
	metrics.RecordEventReceived(TopicJobRequest)
	event, err := Decode[JobRequestEvent](msg.Payload)
	if err != nil {
		metrics.RecordEventRejected(TopicJobRequest, "decode")
		return fmt.Errorf("job.request: %w", err)
	}
	ctx := msg.Context()

	inserted, err := p.ledger.RecordIfNew(ctx, event.JobID, event.EventID, "")
	if err != nil {
		return fmt.Errorf("job.request ledger: %w", err)
	}
	if !inserted {
		metrics.RecordEventDeduplicated(TopicJobRequest)
		return nil
	}

	created, err := p.db.CreateJob(ctx, &models.Job{
		JobID:     event.JobID,
		Industry:  event.Industry,
		Phase:     models.PhaseCollection,
		HasImages: event.HasImages,
		HasVideos: event.HasVideos,
	})
	if err != nil {
		return fmt.Errorf("create job %s: %w", event.JobID, err)
	}
	p.log.Info().
		Str("job_id", event.JobID).
		Str("industry", event.Industry).
		Bool("created", created).
		Msg("job request accepted")
	return nil
}

// handleCollectionCompleted feeds the expected asset count into the
// completion tracker for one (asset type, stage) counter.
func (p *Processor) handleCollectionCompleted(t models.AssetType) message.NoPublishHandlerFunc {
	topic := TopicCollectionCompleted(t)
	return func(msg *message.Message) error {
		metrics.RecordEventReceived(topic)
		event, err := Decode[CollectionCompletedEvent](msg.Payload)
		if err != nil {
			metrics.RecordEventRejected(topic, "decode")
			return fmt.Errorf("%s: %w", topic, err)
		}
		ctx := msg.Context()

		cancelled, err := p.machine.IsCancelled(ctx, event.JobID)
		if err != nil {
			return fmt.Errorf("%s cancel check: %w", topic, err)
		}
		if cancelled {
			p.log.Debug().Str("job_id", event.JobID).Str("topic", topic).Msg("dropping event for cancelled job")
			return nil
		}

		kind := models.Kind(t, event.Stage)
		inserted, err := p.ledger.RecordIfNew(ctx, event.JobID, event.EventID, kind)
		if err != nil {
			return fmt.Errorf("%s ledger: %w", topic, err)
		}
		if !inserted {
			metrics.RecordEventDeduplicated(topic)
			return nil
		}

		if err := p.tracker.Expect(ctx, event.JobID, kind, event.TotalAssets, event.WatermarkTTL()); err != nil {
			return fmt.Errorf("%s expect: %w", topic, err)
		}
		return nil
	}
}

// handleAssetReady counts one asset through one extraction stage. The
// cancellation check runs before the ledger write so a cancelled job's
// stragglers are dropped without consuming their idempotency slot.
func (p *Processor) handleAssetReady(t models.AssetType, s models.Stage) message.NoPublishHandlerFunc {
	topic := TopicAssetReady(t, s)
	kind := models.Kind(t, s)
	return func(msg *message.Message) error {
		metrics.RecordEventReceived(topic)
		event, err := Decode[AssetReadyEvent](msg.Payload)
		if err != nil {
			metrics.RecordEventRejected(topic, "decode")
			return fmt.Errorf("%s: %w", topic, err)
		}
		if event.AssetType != t {
			metrics.RecordEventRejected(topic, "asset_type_mismatch")
			return fmt.Errorf("%s: payload asset_type %q does not match subject", topic, event.AssetType)
		}
		ctx := msg.Context()

		cancelled, err := p.machine.IsCancelled(ctx, event.JobID)
		if err != nil {
			return fmt.Errorf("%s cancel check: %w", topic, err)
		}
		if cancelled {
			return nil
		}

		inserted, err := p.ledger.RecordIfNew(ctx, event.JobID, event.EventID, kind)
		if err != nil {
			return fmt.Errorf("%s ledger: %w", topic, err)
		}
		if !inserted {
			metrics.RecordEventDeduplicated(topic)
			return nil
		}

		if err := p.tracker.RecordProgress(ctx, event.JobID, kind); err != nil {
			return fmt.Errorf("%s progress: %w", topic, err)
		}
		return nil
	}
}

// handleStageCompleted drives the phase machine from the tracker's own
// completion notifications. Consuming our own output makes the phase
// advance durable: a crash between notice publish and phase update is
// healed by redelivery, and MarkCompletionSeen absorbs the replay.
func (p *Processor) handleStageCompleted(kind models.CounterKind) message.NoPublishHandlerFunc {
	t, s, _ := kind.Split()
	topic := TopicStageCompleted(t, s)
	return func(msg *message.Message) error {
		metrics.RecordEventReceived(topic)
		event, err := Decode[StageCompletedEvent](msg.Payload)
		if err != nil {
			metrics.RecordEventRejected(topic, "decode")
			return fmt.Errorf("%s: %w", topic, err)
		}

		notice := models.CompletionNotice{
			JobID:     event.JobID,
			Kind:      kind,
			Total:     event.TotalAssets,
			Processed: event.ProcessedAssets,
			Failed:    event.FailedAssets,
			Partial:   event.HasPartialCompletion,
		}
		if err := p.machine.OnCompletion(msg.Context(), notice); err != nil {
			return fmt.Errorf("%s phase: %w", topic, err)
		}
		return nil
	}
}

// handleMatchRequest runs the matching engine for one job. Strict
// decoding rejects payloads with unknown fields; job state comes from
// the store, never from the message.
//
// Unlike the counting handlers this one is NOT gated on the ledger: a
// crash mid-run must be healed by redelivery, so the run happens on
// every delivery and relies on the dispatcher's own idempotency (phase
// checks, insert-once matches, CAS-guarded completion publish). The
// ledger write here only feeds the dedup metric.
func (p *Processor) handleMatchRequest(msg *message.Message) error {
	metrics.RecordEventReceived(TopicMatchRequest)
	event, err := DecodeStrict[MatchRequestEvent](msg.Payload)
	if err != nil {
		metrics.RecordEventRejected(TopicMatchRequest, "decode")
		return fmt.Errorf("match.request: %w", err)
	}
	ctx := msg.Context()

	inserted, err := p.ledger.RecordIfNew(ctx, event.JobID, event.EventID, "")
	if err != nil {
		return fmt.Errorf("match.request ledger: %w", err)
	}
	if !inserted {
		metrics.RecordEventDeduplicated(TopicMatchRequest)
	}

	if err := p.dispatcher.Run(ctx, event.JobID); err != nil {
		return fmt.Errorf("match run %s: %w", event.JobID, err)
	}
	return nil
}

// handleJobCancel short-circuits a job to cancelled and drops its
// counters and timers.
func (p *Processor) handleJobCancel(msg *message.Message) error {
	metrics.RecordEventReceived(TopicJobCancel)
	event, err := Decode[JobCancelEvent](msg.Payload)
	if err != nil {
		metrics.RecordEventRejected(TopicJobCancel, "decode")
		return fmt.Errorf("job.cancel: %w", err)
	}
	ctx := msg.Context()

	inserted, err := p.ledger.RecordIfNew(ctx, event.JobID, event.EventID, "")
	if err != nil {
		return fmt.Errorf("job.cancel ledger: %w", err)
	}
	if !inserted {
		metrics.RecordEventDeduplicated(TopicJobCancel)
		return nil
	}

	cancelled, err := p.machine.Cancel(ctx, event.JobID)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", event.JobID, err)
	}
	p.log.Info().
		Str("job_id", event.JobID).
		Bool("cancelled", cancelled).
		Msg("job cancel processed")
	return nil
}

// CompletionNotifier adapts the event sink into the tracker's notifier
// hook. Publish failures are logged; the JetStream duplicate window plus
// the deterministic message ID make an eventual operator replay safe.
func CompletionNotifier(sink *EventSink, log zerolog.Logger) tracker.Notifier {
	return func(ctx context.Context, notice models.CompletionNotice) {
		if err := sink.PublishStageCompleted(ctx, notice); err != nil {
			log.Error().
				Err(err).
				Str("job_id", notice.JobID).
				Str("kind", string(notice.Kind)).
				Msg("publish stage completed failed")
		}
	}
}
