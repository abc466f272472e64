// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package risk orchestrates trust scoring of a single telemetry event:
// behavioral features, IP reputation, the production model, and adaptive
// thresholds combine into a RiskResult.
//
// The scorer never fabricates a score. When features or the model are
// unavailable the event fails with ErrScoringUnavailable and the caller's
// retry semantics take over; only reputation degrades silently, because the
// aggregator already falls back to a neutral score.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelsec/trustflow/internal/logging"
	"github.com/kestrelsec/trustflow/internal/metrics"
	"github.com/kestrelsec/trustflow/internal/models"
	"github.com/kestrelsec/trustflow/internal/thresholds"
)

// ErrScoringUnavailable marks events that could not be scored. Callers must
// treat it as retryable, never as a verdict.
var ErrScoringUnavailable = errors.New("risk scoring unavailable")

// FeatureSource provides per-user behavioral features.
type FeatureSource interface {
	UserFeatures(ctx context.Context, userID string, asOf time.Time) (models.FeatureVector, error)
}

// ReputationSource provides aggregated IP reputation.
type ReputationSource interface {
	CheckIP(ctx context.Context, ip string) (int, error)
}

// ThresholdSource selects the threshold band for a scoring context.
type ThresholdSource interface {
	Thresholds(ctx context.Context, tc thresholds.Context) (models.ThresholdBand, error)
}

// LearnSink accepts labeled samples for asynchronous model training.
type LearnSink interface {
	Enqueue(features map[string]float64, label bool) bool
}

// Scorer computes risk for telemetry events.
type Scorer struct {
	features   FeatureSource
	reputation ReputationSource
	registry   *Registry
	thresholds ThresholdSource
	learner    LearnSink
}

// NewScorer wires the scoring collaborators. learner may be nil when online
// learning is disabled.
func NewScorer(features FeatureSource, reputation ReputationSource, registry *Registry, selector ThresholdSource, learner LearnSink) *Scorer {
	return &Scorer{
		features:   features,
		reputation: reputation,
		registry:   registry,
		thresholds: selector,
		learner:    learner,
	}
}

// ComputeRisk scores one event. The trust score is the model probability
// scaled to 0..100 and attenuated by IP reputation, then classified against
// the adaptive threshold band for the event's context.
func (s *Scorer) ComputeRisk(ctx context.Context, event *models.TelemetryEvent) (models.RiskResult, error) {
	fv, err := s.features.UserFeatures(ctx, event.UserID, event.Timestamp)
	if err != nil {
		metrics.ScoringUnavailable.Inc()
		return models.RiskResult{}, fmt.Errorf("%w: features: %v", ErrScoringUnavailable, err)
	}
	featureMap := fv.Map()

	reputation, err := s.reputation.CheckIP(ctx, event.IP)
	if err != nil {
		// Only context cancellation escapes the aggregator's fallback.
		return models.RiskResult{}, err
	}

	probability, err := s.registry.Current().PredictProba(featureMap)
	if err != nil {
		metrics.ScoringUnavailable.Inc()
		return models.RiskResult{}, fmt.Errorf("%w: model: %v", ErrScoringUnavailable, err)
	}

	base := probability * 100
	adjusted := clamp(base*float64(reputation)/100, 0, 100)

	band, err := s.thresholds.Thresholds(ctx, thresholds.Context{
		Role:         event.EffectiveRole(),
		Hour:         event.Timestamp.UTC().Hour(),
		IPReputation: reputation,
	})
	if err != nil {
		metrics.ScoringUnavailable.Inc()
		return models.RiskResult{}, fmt.Errorf("%w: thresholds: %v", ErrScoringUnavailable, err)
	}

	level := band.Classify(adjusted)

	if event.Label != nil && s.learner != nil {
		s.learner.Enqueue(featureMap, *event.Label)
	}

	metrics.RiskScore.WithLabelValues(string(level)).Observe(adjusted)

	logging.Debug().
		Str("session_id", event.SessionID).
		Str("user_id", event.UserID).
		Float64("trust_score", adjusted).
		Str("risk_level", string(level)).
		Int("ip_reputation", reputation).
		Msg("Computed risk")

	return models.RiskResult{
		TrustScore:   adjusted,
		RiskLevel:    level,
		Thresholds:   band,
		FeaturesUsed: models.FeatureNames(),
		IPReputation: reputation,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
