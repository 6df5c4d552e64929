// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package eventprocessor

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/framematch/framematch/internal/models"
)

// EventSink publishes the pipeline's typed outbound events through one
// Publisher. Topics whose contract is once-per-key get a deterministic
// Nats-Msg-Id, so JetStream's duplicate window absorbs republishes from
// crashed-and-retried workers.
type EventSink struct {
	pub *Publisher
}

// NewEventSink wraps a publisher.
func NewEventSink(pub *Publisher) *EventSink {
	return &EventSink{pub: pub}
}

func (s *EventSink) publish(ctx context.Context, topic string, payload []byte, msgID string) error {
	msg := message.NewMessage(NewEventID(), payload)
	if msgID != "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msgID)
	}
	return s.pub.Publish(ctx, topic, msg)
}

// PublishStageCompleted emits the tracker's completion notification for
// one (job, kind). Deduplicated per key.
func (s *EventSink) PublishStageCompleted(ctx context.Context, notice models.CompletionNotice) error {
	assetType, stage, err := notice.Kind.Split()
	if err != nil {
		return err
	}

	event := StageCompletedEvent{
		EventID:              NewEventID(),
		JobID:                notice.JobID,
		TotalAssets:          notice.Total,
		ProcessedAssets:      notice.Processed,
		FailedAssets:         notice.Failed,
		HasPartialCompletion: notice.Partial,
		WatermarkTTLSeconds:  int(notice.WatermarkTTL / time.Second),
	}
	data, err := Encode(&event)
	if err != nil {
		return err
	}

	topic := TopicStageCompleted(assetType, stage)
	msgID := fmt.Sprintf("stage-completed:%s:%s", notice.JobID, notice.Kind)
	return s.publish(ctx, topic, data, msgID)
}

// PublishMatchRequest triggers the matching run for a job, exactly once
// per job by construction (the phase transition guards the call) and
// deduplicated on top of that.
func (s *EventSink) PublishMatchRequest(ctx context.Context, jobID string) error {
	event := MatchRequestEvent{EventID: NewEventID(), JobID: jobID}
	data, err := Encode(&event)
	if err != nil {
		return err
	}
	return s.publish(ctx, TopicMatchRequest, data, "match-request:"+jobID)
}

// PublishMatchResult emits one accepted decision. Deduplicated per
// (job, product, video).
func (s *EventSink) PublishMatchResult(ctx context.Context, m *models.Match) error {
	event := MatchResultEvent{
		JobID:     m.JobID,
		ProductID: m.ProductID,
		VideoID:   m.VideoID,
		BestPair: BestPairPayload{
			ImgID:     m.BestPair.ImgID,
			FrameID:   m.BestPair.FrameID,
			ScorePair: m.BestPair.ScorePair,
		},
		Score: m.Score,
		TS:    time.Now().UTC(),
	}
	data, err := Encode(&event)
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("match-result:%s:%s:%s", m.JobID, m.ProductID, m.VideoID)
	return s.publish(ctx, TopicMatchResult, data, msgID)
}

// PublishProcessCompleted closes a job's matching run. The caller holds
// the matching -> evidence transition, so this fires once per job.
func (s *EventSink) PublishProcessCompleted(ctx context.Context, jobID string) error {
	event := ProcessCompletedEvent{EventID: NewEventID(), JobID: jobID}
	data, err := Encode(&event)
	if err != nil {
		return err
	}
	return s.publish(ctx, TopicProcessCompleted, data, "process-completed:"+jobID)
}
