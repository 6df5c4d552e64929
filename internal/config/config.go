// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

// Package config loads and validates the worker configuration.
//
// Configuration is layered with koanf v2: built-in defaults, then an
// optional YAML file, then environment variables (highest priority).
// Environment variables map to config paths with FRAMEMATCH_ prefix, e.g.
// FRAMEMATCH_NATS_URL -> nats.url, FRAMEMATCH_MATCHING_TOP_K ->
// matching.top_k.
package config

import (
	"fmt"
	"time"
)

// Config is the root worker configuration.
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	NATS      NATSConfig      `koanf:"nats"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Database  DatabaseConfig  `koanf:"database"`
	Blob      BlobConfig      `koanf:"blob"`
	Watermark WatermarkConfig `koanf:"watermark"`
	Matching  MatchingConfig  `koanf:"matching"`
	Ops       OpsConfig       `koanf:"ops"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// NATSConfig controls the message transport.
type NATSConfig struct {
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`

	// JetStream stream provisioning
	StreamName          string `koanf:"stream_name"`
	DLQStreamName       string `koanf:"dlq_stream_name"`
	StreamRetentionDays int    `koanf:"stream_retention_days"`

	// Consumer settings
	DurableName      string        `koanf:"durable_name"`
	QueueGroup       string        `koanf:"queue_group"`
	SubscribersCount int           `koanf:"subscribers_count"`
	AckWaitTimeout   time.Duration `koanf:"ack_wait_timeout"`
	MaxDeliver       int           `koanf:"max_deliver"`
	MaxAckPending    int           `koanf:"max_ack_pending"`
	MaxReconnects    int           `koanf:"max_reconnects"`
	ReconnectWait    time.Duration `koanf:"reconnect_wait"`

	// Router middleware
	RouterRetryCount           int           `koanf:"router_retry_count"`
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`
	RouterRetryMaxInterval     time.Duration `koanf:"router_retry_max_interval"`
	RouterRetryMultiplier      float64       `koanf:"router_retry_multiplier"`
	RouterThrottlePerSecond    int64         `koanf:"router_throttle_per_second"`
	RouterPoisonQueueTopic     string        `koanf:"router_poison_queue_topic"`
	RouterCloseTimeout         time.Duration `koanf:"router_close_timeout"`
}

// LedgerConfig controls the BadgerDB-backed durable state (event ledger,
// completion counters, phase events, DLQ persistence).
type LedgerConfig struct {
	Path       string        `koanf:"path"`
	InMemory   bool          `koanf:"in_memory"` // test/dev only
	GCInterval time.Duration `koanf:"gc_interval"`
	GCRatio    float64       `koanf:"gc_ratio"`
}

// DatabaseConfig controls the DuckDB relational/vector store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = runtime.NumCPU()
}

// BlobConfig controls read-only access to keypoint payloads.
type BlobConfig struct {
	// RootDir is the base directory keypoint_ref values resolve against.
	RootDir string `koanf:"root_dir"`
}

// WatermarkConfig controls force-finalization of stalled counters.
type WatermarkConfig struct {
	// DefaultTTL applies when a collection.completed event carries no
	// watermark_ttl of its own.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	// MaxTTL caps event-supplied TTLs.
	MaxTTL time.Duration `koanf:"max_ttl"`
}

// MatchingConfig holds every tunable of the matching engine. All scoring
// and acceptance thresholds live here as named fields; deployments tune
// them per environment and per industry.
type MatchingConfig struct {
	// TopK is the number of frames retrieved per (image, video).
	TopK int `koanf:"top_k"`

	// Pair score weights. Must sum to <= 1.
	WeightEmbed float64 `koanf:"weight_embed"`
	WeightKP    float64 `koanf:"weight_kp"`
	WeightEdge  float64 `koanf:"weight_edge"`

	// Acceptance thresholds.
	SimDeepMinAccept float64 `koanf:"sim_deep_min_accept"` // consistency-count threshold
	BestMin          float64 `koanf:"best_min"`            // best + consistency acceptance floor
	BestStrong       float64 `koanf:"best_strong"`         // single-pair strong bypass
	ConsistencyMin   int     `koanf:"consistency_min"`
	MatchAccept      float64 `koanf:"match_accept"` // final-score persistence floor

	// Industry overrides keyed by jobs.industry; zero fields fall back to
	// the top-level values.
	Industries map[string]IndustryThresholds `koanf:"industries"`

	// Workers bounds the per-job product fan-out.
	Workers int `koanf:"workers"`

	// StoreQPS rate-limits similarity-store queries (0 = unlimited).
	StoreQPS float64 `koanf:"store_qps"`

	// Breaker settings for the similarity-store path.
	BreakerMaxFailures  uint32        `koanf:"breaker_max_failures"`
	BreakerOpenInterval time.Duration `koanf:"breaker_open_interval"`
}

// IndustryThresholds overrides acceptance thresholds for one industry.
// Zero values inherit the top-level MatchingConfig.
type IndustryThresholds struct {
	SimDeepMinAccept float64 `koanf:"sim_deep_min_accept"`
	BestMin          float64 `koanf:"best_min"`
	BestStrong       float64 `koanf:"best_strong"`
	ConsistencyMin   int     `koanf:"consistency_min"`
	MatchAccept      float64 `koanf:"match_accept"`
}

// OpsConfig controls the metrics/health HTTP listener.
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// ThresholdsFor resolves acceptance thresholds for an industry, applying
// per-industry overrides over the configured defaults.
func (m MatchingConfig) ThresholdsFor(industry string) IndustryThresholds {
	resolved := IndustryThresholds{
		SimDeepMinAccept: m.SimDeepMinAccept,
		BestMin:          m.BestMin,
		BestStrong:       m.BestStrong,
		ConsistencyMin:   m.ConsistencyMin,
		MatchAccept:      m.MatchAccept,
	}
	override, ok := m.Industries[industry]
	if !ok {
		return resolved
	}
	if override.SimDeepMinAccept > 0 {
		resolved.SimDeepMinAccept = override.SimDeepMinAccept
	}
	if override.BestMin > 0 {
		resolved.BestMin = override.BestMin
	}
	if override.BestStrong > 0 {
		resolved.BestStrong = override.BestStrong
	}
	if override.ConsistencyMin > 0 {
		resolved.ConsistencyMin = override.ConsistencyMin
	}
	if override.MatchAccept > 0 {
		resolved.MatchAccept = override.MatchAccept
	}
	return resolved
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.NATS.URL == "" && !c.NATS.EmbeddedServer {
		return fmt.Errorf("nats.url is required when nats.embedded_server is false")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Ledger.Path == "" && !c.Ledger.InMemory {
		return fmt.Errorf("ledger.path is required")
	}
	if c.Matching.TopK <= 0 {
		return fmt.Errorf("matching.top_k must be positive, got %d", c.Matching.TopK)
	}
	if c.Matching.Workers <= 0 {
		return fmt.Errorf("matching.workers must be positive, got %d", c.Matching.Workers)
	}
	weightSum := c.Matching.WeightEmbed + c.Matching.WeightKP + c.Matching.WeightEdge
	if weightSum <= 0 || weightSum > 1.0+1e-9 {
		return fmt.Errorf("matching weights must sum to (0, 1], got %.3f", weightSum)
	}
	for _, th := range []struct {
		name  string
		value float64
	}{
		{"matching.sim_deep_min_accept", c.Matching.SimDeepMinAccept},
		{"matching.best_min", c.Matching.BestMin},
		{"matching.best_strong", c.Matching.BestStrong},
		{"matching.match_accept", c.Matching.MatchAccept},
	} {
		if th.value < 0 || th.value > 1 {
			return fmt.Errorf("%s must be in [0,1], got %.3f", th.name, th.value)
		}
	}
	if c.Watermark.DefaultTTL <= 0 {
		return fmt.Errorf("watermark.default_ttl must be positive")
	}
	if c.Watermark.MaxTTL < c.Watermark.DefaultTTL {
		return fmt.Errorf("watermark.max_ttl must be >= watermark.default_ttl")
	}
	return nil
}
