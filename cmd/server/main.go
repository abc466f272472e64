// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package main is the entry point for the Trustflow scoring server.
//
// Trustflow consumes behavioral telemetry events from NATS JetStream,
// derives per-user features from trailing activity, scores each session
// with a production model adjusted by IP reputation, classifies the score
// against adaptive thresholds, and evaluates policy rules over the result.
// Labeled events additionally feed an online model that learns in the
// background without affecting live scoring until promoted.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered Koanf v2 loading (defaults, YAML file, env)
//  2. Storage: BadgerDB for events, sessions, rules, buckets, model state
//  3. Feature pipeline: cache-backed per-user aggregates
//  4. Scoring: model registry, reputation aggregator, threshold selector
//  5. Online learning: background learner with drift detection
//  6. NATS: optional embedded JetStream server, stream provisioning
//  7. Processing: durable queue-group subscriber with a DLQ
//  8. Ops HTTP endpoint: /healthz and /metrics
//
// All long-running components run under a suture supervisor tree and are
// restarted on failure. Shutdown on SIGINT/SIGTERM drains in-flight events
// before the process exits.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kestrelsec/trustflow/internal/api"
	"github.com/kestrelsec/trustflow/internal/cache"
	"github.com/kestrelsec/trustflow/internal/config"
	"github.com/kestrelsec/trustflow/internal/features"
	"github.com/kestrelsec/trustflow/internal/logging"
	"github.com/kestrelsec/trustflow/internal/models"
	"github.com/kestrelsec/trustflow/internal/onlinemodel"
	"github.com/kestrelsec/trustflow/internal/policy"
	"github.com/kestrelsec/trustflow/internal/processor"
	"github.com/kestrelsec/trustflow/internal/risk"
	"github.com/kestrelsec/trustflow/internal/storage"
	"github.com/kestrelsec/trustflow/internal/supervisor"
	"github.com/kestrelsec/trustflow/internal/threatintel"
	"github.com/kestrelsec/trustflow/internal/thresholds"
)

var errStreamUnreachable = errors.New("telemetry stream unreachable")

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use the default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	logging.Info().
		Str("nats_url", cfg.NATS.URL).
		Bool("embedded_nats", cfg.NATS.EmbeddedServer).
		Str("badger_path", cfg.Storage.Path).
		Msg("Starting Trustflow")

	// Storage
	var db *storage.Badger
	if cfg.Storage.InMemory {
		db, err = storage.OpenInMemory()
	} else {
		db, err = storage.Open(cfg.Storage.Path)
	}
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing storage")
		}
	}()

	memCache := cache.NewMemory()
	defer memCache.Close()

	// IP reputation
	providers := make([]threatintel.Provider, 0, len(cfg.ThreatIntel.Sources))
	for _, src := range cfg.ThreatIntel.Sources {
		providers = append(providers, threatintel.NewHTTPProvider(threatintel.HTTPProviderConfig{
			Name:    src.Name,
			URL:     src.URL,
			Format:  src.Format,
			APIKey:  src.APIKey,
			Timeout: cfg.ThreatIntel.Timeout,
		}))
		logging.Info().Str("source", src.Name).Str("format", src.Format).Msg("Reputation source configured")
	}
	if len(providers) == 0 {
		logging.Warn().Msg("No reputation sources configured, all lookups use the fallback score")
	}
	reputation := threatintel.NewAggregator(providers, memCache, threatintel.AggregatorConfig{
		CacheTTL: cfg.ThreatIntel.CacheTTL,
	})

	// Feature derivation over hourly aggregates
	featureProvider := features.NewProvider(db.Buckets(), db, db, memCache, cfg.Features.CacheTTL)

	selector := thresholds.NewSelector(thresholds.Config{
		Default:  toBand(cfg.Thresholds.Default),
		Admin:    toBand(cfg.Thresholds.Admin),
		Night:    toBand(cfg.Thresholds.Night),
		DayStart: cfg.Thresholds.DayStart,
		DayEnd:   cfg.Thresholds.DayEnd,
		CacheTTL: cfg.Thresholds.CacheTTL,
	}, memCache)

	// Online model: restored from storage so learning survives restarts.
	onlineModel, err := onlinemodel.LoadOrNew(context.Background(), db, cfg.Model.LearningRate)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to restore online model")
	}
	learner := onlinemodel.NewLearner(onlineModel, db, nil, onlinemodel.LearnerConfig{
		QueueSize:       cfg.Model.LearnQueueSize,
		PersistInterval: cfg.Model.PersistInterval,
	})

	registry := risk.NewRegistry("static", &risk.StaticModel{
		Weights: cfg.Model.StaticWeights,
		Bias:    cfg.Model.StaticBias,
	})
	if cfg.Model.PromoteOnline {
		registry.Swap("online", risk.FromOnline(onlineModel))
	}

	scorer := risk.NewScorer(featureProvider, reputation, registry, selector, learner)
	policyEngine := policy.NewEngine(db)

	// Messaging
	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		embedded, err := processor.NewEmbeddedServer(&processor.ServerConfig{
			Host:              "127.0.0.1",
			Port:              -1,
			StoreDir:          cfg.NATS.StoreDir,
			JetStreamMaxMem:   cfg.NATS.MaxMemory,
			JetStreamMaxStore: cfg.NATS.MaxStore,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
			}
		}()
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	}

	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logging.Fatal().Err(err).Str("url", natsURL).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create JetStream context")
	}

	streamCfg := processor.StreamConfig{
		Name:            cfg.NATS.StreamName,
		Subjects:        []string{cfg.NATS.Topic, cfg.NATS.DeadLetterTopic},
		MaxAge:          cfg.NATS.RetentionAge,
		MaxBytes:        1 << 30,
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
	streamInit, err := processor.NewStreamInitializer(js, &streamCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create stream initializer")
	}
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := streamInit.EnsureStream(initCtx); err != nil {
		cancelInit()
		logging.Fatal().Err(err).Msg("Failed to provision telemetry stream")
	}
	cancelInit()

	wmLogger := processor.NewWatermillLogger()

	subCfg := processor.DefaultSubscriberConfig(natsURL)
	subCfg.StreamName = cfg.NATS.StreamName
	subCfg.QueueGroup = cfg.NATS.QueueGroup
	subCfg.DurableName = cfg.NATS.DurableName
	subscriber, err := processor.NewSubscriber(&subCfg, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create subscriber")
	}
	defer func() {
		if err := subscriber.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing subscriber")
		}
	}()

	publisher, err := processor.NewPublisher(processor.DefaultPublisherConfig(natsURL), wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing publisher")
		}
	}()

	proc := processor.New(subscriber, publisher, db, db, scorer, policyEngine, processor.Config{
		Topic:           cfg.NATS.Topic,
		DeadLetterTopic: cfg.NATS.DeadLetterTopic,
		Concurrency:     cfg.Pipeline.Concurrency,
	})

	// Ops endpoint
	apiServer := api.NewServer(cfg.Server.Addr(), map[string]api.Check{
		"storage":   storageCheck(db),
		"messaging": messagingCheck(streamInit),
	})

	// Supervision
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddDataService(supervisor.NewLifecycleService("learner",
		func(context.Context) error { learner.Start(); return nil },
		func(context.Context) error { learner.Close(); return nil },
	))
	if cfg.Storage.GCInterval > 0 && !cfg.Storage.InMemory {
		tree.AddDataService(supervisor.NewService("badger-gc", gcLoop(db, cfg.Storage.GCInterval)))
	}
	if cfg.Features.PrecomputeInterval > 0 {
		tree.AddDataService(supervisor.NewService("feature-precompute",
			precomputeLoop(featureProvider, cfg.Features.PrecomputeInterval, cfg.Features.PrecomputeWindow)))
	}
	tree.AddMessagingService(supervisor.NewService("processor", proc.Run))
	tree.AddAPIService(supervisor.NewService("ops-http", apiServer.Serve))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", cfg.Server.Addr()).Msg("Trustflow running")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("Supervisor tree exited")
	}
	logging.Info().Msg("Shutdown complete")
}

func toBand(b config.Band) models.ThresholdBand {
	return models.ThresholdBand{Low: b.Low, Medium: b.Medium, High: b.High}
}

// storageCheck verifies the store answers reads. A missing session is a
// healthy answer; only transport-level errors fail the check.
func storageCheck(db *storage.Badger) api.Check {
	return func(ctx context.Context) error {
		_, err := db.Get(ctx, "healthcheck")
		if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			return err
		}
		return nil
	}
}

func messagingCheck(streamInit *processor.StreamInitializer) api.Check {
	return func(ctx context.Context) error {
		if !streamInit.IsHealthy(ctx) {
			return errStreamUnreachable
		}
		return nil
	}
}

// gcLoop runs BadgerDB value-log garbage collection on an interval.
func gcLoop(db *storage.Badger, interval time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := db.RunGC(); err != nil {
					logging.Debug().Err(err).Msg("Badger GC found nothing to rewrite")
				}
			}
		}
	}
}

// precomputeLoop refreshes hourly activity aggregates over the trailing
// window so feature reads stay cheap.
func precomputeLoop(p *features.Provider, interval, window time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				end := time.Now().UTC()
				if err := p.PrecomputeAggregates(ctx, end.Add(-window), end); err != nil {
					logging.Error().Err(err).Msg("Aggregate precompute failed")
				}
			}
		}
	}
}
