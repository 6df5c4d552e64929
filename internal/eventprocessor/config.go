// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package eventprocessor

import (
	"time"

	"github.com/framematch/framematch/internal/config"
)

// PublisherConfig holds publisher connection settings.
type PublisherConfig struct {
	URL              string
	MaxReconnects    int
	ReconnectWait    time.Duration
	ReconnectBuffer  int
	EnableTrackMsgID bool // nolint:revive // ID is correct per Go conventions
}

// SubscriberConfig holds durable consumer settings.
type SubscriberConfig struct {
	URL              string
	DurableName      string
	QueueGroup       string
	SubscribersCount int
	AckWaitTimeout   time.Duration
	MaxDeliver       int
	MaxAckPending    int
	CloseTimeout     time.Duration
	MaxReconnects    int
	ReconnectWait    time.Duration

	// StreamName binds the consumer to a pre-provisioned stream. Stream
	// names cannot contain wildcards, so auto-provisioning is disabled
	// whenever this is set.
	StreamName string
}

// RouterConfig holds middleware settings for the message router.
type RouterConfig struct {
	CloseTimeout time.Duration

	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64

	// ThrottlePerSecond rate-limits message intake (0 = disabled).
	ThrottlePerSecond int64

	PoisonQueueTopic string
}

// StreamConfig defines one JetStream stream.
type StreamConfig struct {
	Name            string
	Subjects        []string
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

// PublisherConfigFrom derives publisher settings from the application
// configuration.
func PublisherConfigFrom(cfg config.NATSConfig) PublisherConfig {
	return PublisherConfig{
		URL:              cfg.URL,
		MaxReconnects:    cfg.MaxReconnects,
		ReconnectWait:    cfg.ReconnectWait,
		ReconnectBuffer:  8 * 1024 * 1024,
		EnableTrackMsgID: true,
	}
}

// SubscriberConfigFrom derives consumer settings from the application
// configuration.
func SubscriberConfigFrom(cfg config.NATSConfig) SubscriberConfig {
	return SubscriberConfig{
		URL:              cfg.URL,
		DurableName:      cfg.DurableName,
		QueueGroup:       cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWaitTimeout,
		MaxDeliver:       cfg.MaxDeliver,
		MaxAckPending:    cfg.MaxAckPending,
		CloseTimeout:     cfg.RouterCloseTimeout,
		MaxReconnects:    cfg.MaxReconnects,
		ReconnectWait:    cfg.ReconnectWait,
		StreamName:       cfg.StreamName,
	}
}

// RouterConfigFrom derives middleware settings from the application
// configuration.
func RouterConfigFrom(cfg config.NATSConfig) RouterConfig {
	return RouterConfig{
		CloseTimeout:         cfg.RouterCloseTimeout,
		RetryMaxRetries:      cfg.RouterRetryCount,
		RetryInitialInterval: cfg.RouterRetryInitialInterval,
		RetryMaxInterval:     cfg.RouterRetryMaxInterval,
		RetryMultiplier:      cfg.RouterRetryMultiplier,
		ThrottlePerSecond:    cfg.RouterThrottlePerSecond,
		PoisonQueueTopic:     cfg.RouterPoisonQueueTopic,
	}
}

// EventStreamConfig returns the primary stream holding every pipeline
// subject.
func EventStreamConfig(cfg config.NATSConfig) StreamConfig {
	maxAge := time.Duration(cfg.StreamRetentionDays) * 24 * time.Hour
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return StreamConfig{
		Name:            cfg.StreamName,
		Subjects:        []string{"image.>", "video.>", "job.>", "match.>", "matchings.>"},
		MaxAge:          maxAge,
		MaxBytes:        10 * 1024 * 1024 * 1024,
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
}

// DLQStreamConfig returns the dead-letter stream. Poisoned messages
// outlive the primary retention so operators have time to replay them.
func DLQStreamConfig(cfg config.NATSConfig) StreamConfig {
	return StreamConfig{
		Name:            cfg.DLQStreamName,
		Subjects:        []string{"dlq.>"},
		MaxAge:          30 * 24 * time.Hour,
		MaxBytes:        1024 * 1024 * 1024,
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
}
