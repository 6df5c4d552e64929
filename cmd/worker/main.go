// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

// The framematch worker consumes pipeline events from JetStream, tracks
// per-stage completion, drives jobs through their phases and runs the
// product-video matching engine. One binary; optional embedded broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/framematch/framematch/internal/blob"
	"github.com/framematch/framematch/internal/config"
	"github.com/framematch/framematch/internal/eventprocessor"
	"github.com/framematch/framematch/internal/ledger"
	"github.com/framematch/framematch/internal/logging"
	"github.com/framematch/framematch/internal/match"
	"github.com/framematch/framematch/internal/ops"
	"github.com/framematch/framematch/internal/phase"
	"github.com/framematch/framematch/internal/store"
	"github.com/framematch/framematch/internal/supervisor"
	"github.com/framematch/framematch/internal/supervisor/services"
	"github.com/framematch/framematch/internal/tracker"
	"github.com/framematch/framematch/internal/watermark"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	log := logging.Logger()
	log.Info().Str("nats_url", cfg.NATS.URL).Msg("framematch worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional embedded broker for single-binary deployments.
	if cfg.NATS.EmbeddedServer {
		embedded, err := eventprocessor.NewEmbeddedServer(&eventprocessor.ServerConfig{
			Host:     "127.0.0.1",
			Port:     -1,
			StoreDir: cfg.NATS.StoreDir,
		})
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = embedded.Shutdown(shutdownCtx)
		}()
		cfg.NATS.URL = embedded.ClientURL()
		log.Info().Str("url", cfg.NATS.URL).Msg("embedded nats server ready")
	}

	// Streams must exist before the publisher and subscribers bind to
	// them; both run with auto-provisioning disabled.
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}
	eventStream := eventprocessor.EventStreamConfig(cfg.NATS)
	dlqStream := eventprocessor.DLQStreamConfig(cfg.NATS)
	var initializers []*eventprocessor.StreamInitializer
	for _, streamCfg := range []*eventprocessor.StreamConfig{&eventStream, &dlqStream} {
		init, err := eventprocessor.NewStreamInitializer(js, streamCfg)
		if err != nil {
			return fmt.Errorf("stream initializer %s: %w", streamCfg.Name, err)
		}
		if _, err := init.EnsureStream(ctx); err != nil {
			return fmt.Errorf("provision stream %s: %w", streamCfg.Name, err)
		}
		initializers = append(initializers, init)
		log.Info().Str("stream", streamCfg.Name).Msg("jetstream stream provisioned")
	}

	// Durable state.
	led, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = led.Close() }()

	db, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	// Messaging.
	wmLogger := logging.NewWatermillAdapter()
	publisher, err := eventprocessor.NewPublisher(eventprocessor.PublisherConfigFrom(cfg.NATS), wmLogger)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	defer func() { _ = publisher.Close() }()

	subCfg := eventprocessor.SubscriberConfigFrom(cfg.NATS)
	subscriber, err := eventprocessor.NewSubscriber(subCfg, wmLogger)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}
	defer func() { _ = subscriber.Close() }()

	// The poison topic lives in its own stream, so its consumer needs a
	// separate binding.
	dlqSubCfg := subCfg
	dlqSubCfg.StreamName = cfg.NATS.DLQStreamName
	dlqSubCfg.DurableName = cfg.NATS.DurableName + "-dlq"
	dlqSubscriber, err := eventprocessor.NewSubscriber(dlqSubCfg, wmLogger)
	if err != nil {
		return fmt.Errorf("create dlq subscriber: %w", err)
	}
	defer func() { _ = dlqSubscriber.Close() }()

	// Pipeline components.
	sched := watermark.NewScheduler()
	defer sched.Close()
	tr := tracker.New(led, sched, cfg.Watermark)
	machine := phase.New(db, led, tr)

	sink := eventprocessor.NewEventSink(publisher)
	tr.SetNotifier(eventprocessor.CompletionNotifier(sink, log))
	machine.SetMatchTrigger(sink.PublishMatchRequest)

	blobs := blob.NewFSReader(cfg.Blob)
	retriever := match.NewRetriever(db, cfg.Matching)
	scorer := match.NewPairScorer(cfg.Matching, blobs, nil)
	dispatcher := match.NewDispatcher(db, machine, retriever, scorer, sink, cfg.Matching)

	// Router and handlers.
	router, err := eventprocessor.NewRouter(
		eventprocessor.RouterConfigFrom(cfg.NATS),
		publisher.WatermillPublisher(),
		wmLogger,
	)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	defer func() { _ = router.Close() }()

	processor := eventprocessor.NewProcessor(led, tr, machine, dispatcher, db, log)
	processor.RegisterHandlers(router, subscriber)

	dlqStore := eventprocessor.NewDeadLetterStore(led, publisher.WatermillPublisher(), log)
	router.AddConsumerHandler("dlq-persist", cfg.NATS.RouterPoisonQueueTopic,
		dlqSubscriber.WatermillSubscriber(), dlqStore.Consume)

	// Watermark timers do not survive a restart on their own; re-arm
	// them from persisted counter state before consuming anything.
	if err := tr.RestoreTimers(ctx); err != nil {
		return fmt.Errorf("restore watermark timers: %w", err)
	}

	// Supervision.
	tree, err := supervisor.NewTree(
		slog.New(logging.NewSlogHandler()),
		supervisor.DefaultTreeConfig(),
	)
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}
	tree.AddDataService(ledger.NewGCService(led))
	tree.AddMessagingService(services.NewRouterService(router))

	if cfg.Ops.Enabled {
		opsServer := ops.NewServer()
		opsServer.SetDeadLetters(dlqStore)
		opsServer.AddReadinessCheck("database", db.HealthCheck)
		opsServer.AddReadinessCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats disconnected")
			}
			return nil
		})
		for _, init := range initializers {
			streamName := init.Config().Name
			opsServer.AddReadinessCheck("stream-"+streamName, func(ctx context.Context) error {
				if !init.IsHealthy(ctx) {
					return fmt.Errorf("stream %s unavailable", streamName)
				}
				return nil
			})
		}
		httpServer := &http.Server{
			Addr:              cfg.Ops.Addr,
			Handler:           opsServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		tree.AddOpsService(services.NewHTTPServerService(httpServer, 10*time.Second))
		log.Info().Str("addr", cfg.Ops.Addr).Msg("ops server enabled")
	}

	log.Info().Msg("framematch worker running")
	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree: %w", err)
	}
	log.Info().Msg("framematch worker stopped")
	return nil
}
