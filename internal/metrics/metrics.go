// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the matching pipeline:
// - Event consumption (received, deduplicated, rejected)
// - Completion tracking (completions, watermark firings)
// - Phase transitions
// - Matching engine (retrieval latency, fallbacks, match decisions)
// - Publishing (events out, dead letters)

var (
	// Event consumption
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framematch_events_received_total",
			Help: "Total inbound events by topic",
		},
		[]string{"topic"},
	)

	EventsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framematch_events_deduplicated_total",
			Help: "Inbound events skipped as ledger duplicates",
		},
		[]string{"topic"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framematch_events_rejected_total",
			Help: "Inbound events rejected as malformed",
		},
		[]string{"topic", "reason"},
	)

	// Completion tracking
	CompletionsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framematch_completions_emitted_total",
			Help: "Completion notifications emitted per counter kind",
		},
		[]string{"kind", "partial"},
	)

	WatermarksFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framematch_watermarks_fired_total",
			Help: "Watermark deadlines that force-finalized a counter",
		},
		[]string{"kind"},
	)

	// Phase state machine
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framematch_phase_transitions_total",
			Help: "Successful job phase transitions",
		},
		[]string{"from", "to"},
	)

	PhaseTransitionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framematch_phase_transition_conflicts_total",
			Help: "Phase transitions lost to a concurrent writer (no-ops)",
		},
	)

	// Matching engine
	RetrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "framematch_retrieval_duration_seconds",
			Help:    "Duration of top-k frame retrieval per product image",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"}, // "store" or "fallback"
	)

	RetrievalFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framematch_retrieval_fallbacks_total",
			Help: "Similarity-store failures served by the in-process fallback",
		},
	)

	MatchDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framematch_match_decisions_total",
			Help: "Aggregated product-video decisions by outcome",
		},
		[]string{"outcome"}, // "accepted" or "rejected"
	)

	MatchingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "framematch_matching_run_duration_seconds",
			Help:    "Wall time of one job's full matching run",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Publishing
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framematch_events_published_total",
			Help: "Outbound events by topic",
		},
		[]string{"topic"},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framematch_dead_letters_total",
			Help: "Messages routed to the dead-letter queue",
		},
		[]string{"topic"},
	)
)

// RecordEventReceived increments the inbound event counter.
func RecordEventReceived(topic string) {
	EventsReceived.WithLabelValues(topic).Inc()
}

// RecordEventDeduplicated increments the duplicate-skip counter.
func RecordEventDeduplicated(topic string) {
	EventsDeduplicated.WithLabelValues(topic).Inc()
}

// RecordEventRejected increments the malformed-event counter.
func RecordEventRejected(topic, reason string) {
	EventsRejected.WithLabelValues(topic, reason).Inc()
}

// RecordCompletion increments the completion counter.
func RecordCompletion(kind string, partial bool) {
	label := "false"
	if partial {
		label = "true"
	}
	CompletionsEmitted.WithLabelValues(kind, label).Inc()
}

// RecordWatermarkFired increments the watermark counter.
func RecordWatermarkFired(kind string) {
	WatermarksFired.WithLabelValues(kind).Inc()
}

// RecordPhaseTransition increments the phase transition counter.
func RecordPhaseTransition(from, to string) {
	PhaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordPhaseConflict increments the lost-transition counter.
func RecordPhaseConflict() {
	PhaseTransitionConflicts.Inc()
}

// RecordRetrieval observes one retrieval and its serving path.
func RecordRetrieval(path string, d time.Duration) {
	RetrievalDuration.WithLabelValues(path).Observe(d.Seconds())
}

// RecordRetrievalFallback increments the fallback counter.
func RecordRetrievalFallback() {
	RetrievalFallbacks.Inc()
}

// RecordMatchDecision increments the decision counter.
func RecordMatchDecision(accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	MatchDecisions.WithLabelValues(outcome).Inc()
}

// ObserveMatchingRun records the wall time of one matching pass.
func ObserveMatchingRun(d time.Duration) {
	MatchingDuration.Observe(d.Seconds())
}

// RecordEventPublished increments the outbound event counter.
func RecordEventPublished(topic string) {
	EventsPublished.WithLabelValues(topic).Inc()
}

// RecordDeadLetter increments the DLQ counter.
func RecordDeadLetter(topic string) {
	DeadLetters.WithLabelValues(topic).Inc()
}
