// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Session is the mutable per-session trust state updated by the pipeline.
// Concurrent updates for the same session resolve last-write-wins; there is
// no per-session serialization queue.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	IP           string    `json:"ip"`
	Device       string    `json:"device,omitempty"`
	TrustScore   float64   `json:"trust_score"`
	RiskLevel    RiskLevel `json:"risk_level"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// PolicyRule is a long-lived rule evaluated against scoring contexts.
// Condition holds the boolean expression tree in its wire form; the policy
// engine parses it on load. The pipeline only ever increments TriggerCount.
type PolicyRule struct {
	Name         string          `json:"name"`
	Condition    json.RawMessage `json:"condition"`
	Action       string          `json:"action"`
	Priority     int             `json:"priority"`
	Enabled      bool            `json:"enabled"`
	TriggerCount int64           `json:"trigger_count"`
}

// Policy actions a rule may yield. Precedence between simultaneously fired
// actions is resolved by external enforcement, not here.
const (
	ActionAllow = "allow"
	ActionLog   = "log"
	ActionMFA   = "mfa"
	ActionBlock = "block"
)
