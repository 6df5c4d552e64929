// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/framematch/config.yaml",
	"/etc/framematch/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "FRAMEMATCH_CONFIG"

// envPrefix is stripped from environment variables before mapping them to
// config paths: FRAMEMATCH_NATS_URL -> nats.url.
const envPrefix = "FRAMEMATCH_"

// Default returns a Config with every default value applied. Defaults are
// loaded first, then overridden by the config file and environment.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		NATS: NATSConfig{
			URL:                 "nats://127.0.0.1:4222",
			EmbeddedServer:      false,
			StoreDir:            "/data/nats/jetstream",
			StreamName:          "FRAMEMATCH",
			DLQStreamName:       "FRAMEMATCH_DLQ",
			StreamRetentionDays: 7,
			DurableName:         "framematch-worker",
			QueueGroup:          "matchers",
			SubscribersCount:    4,
			AckWaitTimeout:      30 * time.Second,
			MaxDeliver:          5,
			MaxAckPending:       256,
			MaxReconnects:       -1, // retry forever
			ReconnectWait:       2 * time.Second,

			RouterRetryCount:           5,
			RouterRetryInitialInterval: time.Second,
			RouterRetryMaxInterval:     time.Minute,
			RouterRetryMultiplier:      2.0,
			RouterThrottlePerSecond:    0, // unlimited
			RouterPoisonQueueTopic:     "dlq.framematch",
			RouterCloseTimeout:         30 * time.Second,
		},
		Ledger: LedgerConfig{
			Path:       "/data/framematch/ledger",
			InMemory:   false,
			GCInterval: 10 * time.Minute,
			GCRatio:    0.5,
		},
		Database: DatabaseConfig{
			Path:      "/data/framematch/framematch.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // runtime.NumCPU()
		},
		Blob: BlobConfig{
			RootDir: "/data/framematch/keypoints",
		},
		Watermark: WatermarkConfig{
			DefaultTTL: 5 * time.Minute,
			MaxTTL:     time.Hour,
		},
		Matching: MatchingConfig{
			TopK:        5,
			WeightEmbed: 0.35,
			WeightKP:    0.55,
			WeightEdge:  0.10,

			SimDeepMinAccept: 0.80,
			BestMin:          0.88,
			BestStrong:       0.92,
			ConsistencyMin:   2,
			MatchAccept:      0.80,

			Workers:             4,
			StoreQPS:            50,
			BreakerMaxFailures:  5,
			BreakerOpenInterval: 30 * time.Second,
		},
		Ops: OpsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load builds the configuration from layered sources:
//  1. Defaults (Default())
//  2. Optional YAML config file
//  3. FRAMEMATCH_* environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}

	return cfg, nil
}

// envTransform maps FRAMEMATCH_SECTION_SOME_KEY to section.some_key.
// The first underscore separates the section; the rest of the name keeps
// its underscores, matching the koanf struct tags.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

// findConfigFile returns the first config file found, or empty string.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
