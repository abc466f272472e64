// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kestrelsec/trustflow/internal/metrics"
	"github.com/kestrelsec/trustflow/internal/models"
	"github.com/kestrelsec/trustflow/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Badger) {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewEngine(db), db
}

func putRule(t *testing.T, db *storage.Badger, name, condition, action string, priority int, enabled bool) {
	t.Helper()
	err := db.Put(context.Background(), &models.PolicyRule{
		Name:      name,
		Condition: []byte(condition),
		Action:    action,
		Priority:  priority,
		Enabled:   enabled,
	})
	if err != nil {
		t.Fatalf("put rule %s: %v", name, err)
	}
}

func TestEvaluateLowTrustFiresBlock(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	putRule(t, db, "block-critical", `{"trust_score": {"lt": 30}}`, models.ActionBlock, 1, true)
	putRule(t, db, "mfa-degraded", `{"trust_score": {"gte": 30, "lt": 50}}`, models.ActionMFA, 2, true)

	actions, err := e.Evaluate(ctx, map[string]interface{}{"trust_score": 25.0})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if len(actions) != 1 {
		t.Fatalf("expected exactly one action, got %v", actions)
	}
	if actions[0].Action != models.ActionBlock || actions[0].RuleName != "block-critical" {
		t.Errorf("expected block from block-critical, got %+v", actions[0])
	}
}

func TestEvaluatePriorityOrder(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	putRule(t, db, "log-everything", `{}`, models.ActionLog, 10, true)
	putRule(t, db, "mfa-low-trust", `{"trust_score": {"lt": 50}}`, models.ActionMFA, 2, true)

	actions, err := e.Evaluate(ctx, map[string]interface{}{"trust_score": 40.0})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if len(actions) != 2 {
		t.Fatalf("expected two actions, got %v", actions)
	}
	if actions[0].RuleName != "mfa-low-trust" || actions[1].RuleName != "log-everything" {
		t.Errorf("expected priority order, got %+v", actions)
	}
}

func TestEvaluateSkipsDisabledRules(t *testing.T) {
	e, db := newTestEngine(t)

	putRule(t, db, "disabled-block", `{}`, models.ActionBlock, 1, false)

	actions, err := e.Evaluate(context.Background(), map[string]interface{}{"trust_score": 0.0})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("expected no actions from disabled rule, got %v", actions)
	}
}

func TestEvaluateSkipsMalformedCondition(t *testing.T) {
	e, db := newTestEngine(t)

	putRule(t, db, "broken", `{"trust_score": 42}`, models.ActionBlock, 1, true)
	putRule(t, db, "working", `{}`, models.ActionLog, 2, true)

	actions, err := e.Evaluate(context.Background(), map[string]interface{}{"trust_score": 10.0})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(actions) != 1 || actions[0].RuleName != "working" {
		t.Errorf("expected only the well-formed rule to fire, got %v", actions)
	}
}

func TestEvaluateIncrementsTriggerCount(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	putRule(t, db, "count-me", `{}`, models.ActionLog, 1, true)

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(ctx, map[string]interface{}{}); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}

	rules, err := db.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 1 || rules[0].TriggerCount != 3 {
		t.Errorf("expected trigger count 3, got %+v", rules)
	}
}

// failingIncrementStore wraps a rule store and refuses trigger-count writes.
type failingIncrementStore struct {
	storage.RuleStore
}

func (s failingIncrementStore) IncrementTriggerCount(context.Context, string) error {
	return errors.New("store unavailable")
}

func TestEvaluateCountsFailedTriggerPersist(t *testing.T) {
	_, db := newTestEngine(t)
	ctx := context.Background()

	putRule(t, db, "log-everything", `{}`, models.ActionLog, 1, true)
	e := NewEngine(failingIncrementStore{RuleStore: db})

	before := testutil.ToFloat64(metrics.PolicyTriggerPersistFailures)
	actions, err := e.Evaluate(ctx, map[string]interface{}{"trust_score": 40.0})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected the rule to fire despite the persist failure, got %v", actions)
	}
	if after := testutil.ToFloat64(metrics.PolicyTriggerPersistFailures); after != before+1 {
		t.Errorf("persist failure counter = %v, want %v", after, before+1)
	}
}

func TestScoringInput(t *testing.T) {
	label := true
	event := &models.TelemetryEvent{
		SessionID:      "sess-1",
		UserID:         "alice",
		IP:             "198.51.100.1",
		KeystrokeSpeed: 55,
		MouseSpeed:     30,
		Timestamp:      time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC),
		Role:           "admin",
		Label:          &label,
	}
	result := &models.RiskResult{
		TrustScore:   54,
		RiskLevel:    models.RiskMedium,
		IPReputation: 90,
	}

	input := ScoringInput(event, result)

	if input["trust_score"] != 54.0 {
		t.Errorf("expected trust_score 54, got %v", input["trust_score"])
	}
	if input["risk_level"] != "medium" {
		t.Errorf("expected risk_level medium, got %v", input["risk_level"])
	}
	if input["role"] != "admin" {
		t.Errorf("expected role admin, got %v", input["role"])
	}
	if input["hour"] != 23 {
		t.Errorf("expected hour 23, got %v", input["hour"])
	}

	c := mustParse(t, `{"trust_score": {"lt": 30}}`)
	low := ScoringInput(event, &models.RiskResult{TrustScore: 25})
	if !c.Matches(low) {
		t.Error("expected low-trust input to match block condition")
	}
}
