// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package policy

import (
	"testing"
)

func mustParse(t *testing.T, raw string) Condition {
	t.Helper()
	c, err := ParseCondition([]byte(raw))
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return c
}

func TestConditionOperators(t *testing.T) {
	input := map[string]interface{}{
		"trust_score": 42.0,
		"role":        "admin",
		"hour":        3,
	}

	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"lt true", `{"trust_score": {"lt": 50}}`, true},
		{"lt false", `{"trust_score": {"lt": 42}}`, false},
		{"lte boundary", `{"trust_score": {"lte": 42}}`, true},
		{"gt false", `{"trust_score": {"gt": 42}}`, false},
		{"gte boundary", `{"trust_score": {"gte": 42}}`, true},
		{"eq number", `{"trust_score": {"eq": 42}}`, true},
		{"eq string", `{"role": {"eq": "admin"}}`, true},
		{"neq", `{"role": {"neq": "standard"}}`, true},
		{"in hit", `{"role": {"in": ["admin", "service"]}}`, true},
		{"in miss", `{"role": {"in": ["standard"]}}`, false},
		{"in numbers", `{"hour": {"in": [1, 2, 3]}}`, true},
		{"range on one field", `{"trust_score": {"gte": 30, "lt": 50}}`, true},
		{"range excludes", `{"trust_score": {"gte": 50, "lt": 70}}`, false},
		{"empty matches", `{}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustParse(t, tt.raw).Matches(input); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionFailClosed(t *testing.T) {
	input := map[string]interface{}{"trust_score": 42.0}

	tests := []struct {
		name string
		raw  string
	}{
		{"unknown operator", `{"trust_score": {"between": [1, 2]}}`},
		{"absent field", `{"velocity": {"gt": 0}}`},
		{"type mismatch", `{"trust_score": {"eq": "forty-two"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if mustParse(t, tt.raw).Matches(input) {
				t.Error("expected fail-closed false")
			}
		})
	}
}

func TestConditionAndOr(t *testing.T) {
	input := map[string]interface{}{
		"trust_score": 25.0,
		"role":        "admin",
	}

	and := mustParse(t, `{"and": [{"trust_score": {"lt": 30}}, {"role": {"eq": "admin"}}]}`)
	if !and.Matches(input) {
		t.Error("expected and-branch to match")
	}

	andMiss := mustParse(t, `{"and": [{"trust_score": {"lt": 30}}, {"role": {"eq": "standard"}}]}`)
	if andMiss.Matches(input) {
		t.Error("expected and-branch with one failing child to miss")
	}

	or := mustParse(t, `{"or": [{"trust_score": {"gt": 90}}, {"role": {"eq": "admin"}}]}`)
	if !or.Matches(input) {
		t.Error("expected or-branch to match")
	}

	orMiss := mustParse(t, `{"or": [{"trust_score": {"gt": 90}}, {"role": {"eq": "standard"}}]}`)
	if orMiss.Matches(input) {
		t.Error("expected or-branch with no matching child to miss")
	}

	nested := mustParse(t, `{"or": [{"and": [{"trust_score": {"lt": 30}}, {"role": {"eq": "admin"}}]}, {"trust_score": {"gt": 95}}]}`)
	if !nested.Matches(input) {
		t.Error("expected nested condition to match")
	}
}

func TestConditionMultipleFieldsImplicitAnd(t *testing.T) {
	input := map[string]interface{}{
		"trust_score": 25.0,
		"role":        "admin",
	}

	c := mustParse(t, `{"trust_score": {"lt": 30}, "role": {"eq": "admin"}}`)
	if !c.Matches(input) {
		t.Error("expected multi-field leaf to match")
	}

	c2 := mustParse(t, `{"trust_score": {"lt": 30}, "role": {"eq": "standard"}}`)
	if c2.Matches(input) {
		t.Error("expected multi-field leaf with failing field to miss")
	}
}

func TestConditionParseErrors(t *testing.T) {
	for _, raw := range []string{
		`[1, 2]`,
		`{"trust_score": 42}`,
		`{"and": {"trust_score": {"lt": 1}}}`,
	} {
		if _, err := ParseCondition([]byte(raw)); err == nil {
			t.Errorf("expected parse error for %q", raw)
		}
	}
}

func TestConditionRoundTrip(t *testing.T) {
	c := mustParse(t, `{"and": [{"trust_score": {"lt": 30}}], "role": {"eq": "admin"}}`)

	raw, err := c.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := ParseCondition(raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	input := map[string]interface{}{"trust_score": 20.0, "role": "admin"}
	if back.Matches(input) != c.Matches(input) {
		t.Error("expected identical evaluation after round trip")
	}
}
