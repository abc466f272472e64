// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package policy evaluates enforcement rules against scoring outcomes.
//
// Rules live in the rule store and carry a condition tree in wire form. The
// engine evaluates every enabled rule in priority order and reports which
// actions fired; deciding which action wins is the enforcement layer's
// problem. Condition evaluation is strictly fail closed so a broken rule can
// only ever under-match.
package policy

import (
	"context"
	"fmt"

	"github.com/kestrelsec/trustflow/internal/logging"
	"github.com/kestrelsec/trustflow/internal/metrics"
	"github.com/kestrelsec/trustflow/internal/models"
	"github.com/kestrelsec/trustflow/internal/storage"
)

// Action is one fired rule outcome, in rule priority order.
type Action struct {
	Action   string `json:"action"`
	RuleName string `json:"rule_name"`
}

// Engine evaluates the enabled rule set.
type Engine struct {
	rules storage.RuleStore
}

// NewEngine creates an engine over the given rule store.
func NewEngine(rules storage.RuleStore) *Engine {
	return &Engine{rules: rules}
}

// Evaluate runs every enabled rule against the scoring context and returns
// the fired actions in priority order. Each fired rule's trigger count is
// durably incremented before returning.
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) ([]Action, error) {
	rules, err := e.rules.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var fired []Action
	for i := range rules {
		rule := &rules[i]

		cond, err := ParseCondition(rule.Condition)
		if err != nil {
			logging.Warn().Err(err).Str("rule", rule.Name).Msg("Skipping rule with malformed condition")
			continue
		}
		if !cond.Matches(input) {
			continue
		}

		fired = append(fired, Action{Action: rule.Action, RuleName: rule.Name})
		metrics.PolicyActions.WithLabelValues(rule.Action).Inc()

		if err := e.rules.IncrementTriggerCount(ctx, rule.Name); err != nil {
			metrics.PolicyTriggerPersistFailures.Inc()
			logging.Warn().Err(err).Str("rule", rule.Name).Msg("Failed to increment rule trigger count")
		}
	}

	return fired, nil
}

// ScoringInput builds the field map a condition tree evaluates against from
// an event and its scoring result.
func ScoringInput(event *models.TelemetryEvent, result *models.RiskResult) map[string]interface{} {
	return map[string]interface{}{
		"session_id":      event.SessionID,
		"user_id":         event.UserID,
		"ip":              event.IP,
		"role":            event.EffectiveRole(),
		"keystroke_speed": event.KeystrokeSpeed,
		"mouse_speed":     event.MouseSpeed,
		"hour":            event.Timestamp.UTC().Hour(),
		"trust_score":     result.TrustScore,
		"risk_level":      string(result.RiskLevel),
		"ip_reputation":   result.IPReputation,
	}
}
