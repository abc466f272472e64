// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package metrics provides Prometheus instrumentation for the scoring
// pipeline. Collectors register on the default registry and are served by
// the ops HTTP endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_events_processed_total",
			Help: "Total number of telemetry events fully processed and acked",
		},
	)

	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_failed_total",
			Help: "Total number of pipeline failures leading to redelivery",
		},
		[]string{"stage"}, // "persist", "score", "session", "policy"
	)

	EventsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_events_malformed_total",
			Help: "Total number of malformed events routed to the dead-letter topic",
		},
	)

	EventsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_events_duplicate_total",
			Help: "Total number of redelivered events already persisted",
		},
	)

	EventsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_events_in_flight",
			Help: "Number of event pipelines currently admitted",
		},
	)

	// Risk scoring metrics
	RiskScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "risk_trust_score",
			Help:    "Distribution of adjusted trust scores by resulting risk level",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"level"},
	)

	ScoringUnavailable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_scoring_unavailable_total",
			Help: "Total number of events with no scoring decision this cycle",
		},
	)

	// Threat intel metrics
	ReputationSourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatintel_source_failures_total",
			Help: "Total number of failed reputation source lookups after retries",
		},
		[]string{"source"},
	)

	ReputationFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatintel_fallback_total",
			Help: "Total number of lookups resolved by the fallback constant",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"}, // "threatintel", "features", "thresholds"
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// Online model metrics
	LearnQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "onlinemodel_learn_queue_depth",
			Help: "Number of labeled samples waiting in the learn queue",
		},
	)

	LearnQueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onlinemodel_learn_queue_drops_total",
			Help: "Total number of labeled samples dropped because the learn queue was full",
		},
	)

	DriftSignals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onlinemodel_drift_signals_total",
			Help: "Total number of concept-drift signals raised by the drift detector",
		},
	)

	// Policy metrics
	PolicyActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_actions_total",
			Help: "Total number of policy actions fired",
		},
		[]string{"action"},
	)

	PolicyTriggerPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policy_trigger_persist_failures_total",
			Help: "Total number of rule trigger-count increments that failed to persist",
		},
	)
)
