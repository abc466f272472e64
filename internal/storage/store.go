// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package storage defines the persistence access contracts for the scoring
// pipeline and implements them on BadgerDB. Only the contracts matter to the
// pipeline; the engine behind them is replaceable.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelsec/trustflow/internal/models"
)

// Sentinel errors shared by all implementations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRuleNotFound    = errors.New("policy rule not found")
	ErrModelNotFound   = errors.New("model state not found")
)

// EventStore persists raw telemetry keyed by (session_id, timestamp).
type EventStore interface {
	// InsertIdempotent stores the event unless its natural key already
	// exists. Returns true when a new record was written.
	InsertIdempotent(ctx context.Context, event *models.TelemetryEvent) (bool, error)

	// ScanRange returns all events with timestamps in [start, end).
	// Used by the aggregate precompute job, not the live pipeline.
	ScanRange(ctx context.Context, start, end time.Time) ([]models.TelemetryEvent, error)
}

// SessionStore persists per-session trust state.
type SessionStore interface {
	Get(ctx context.Context, id string) (*models.Session, error)

	// Upsert writes the session unconditionally (last-write-wins).
	Upsert(ctx context.Context, session *models.Session) error
}

// RuleStore persists policy rules.
type RuleStore interface {
	// ListEnabled returns enabled rules in ascending priority order.
	// Ties break on name so evaluation order stays deterministic.
	ListEnabled(ctx context.Context) ([]models.PolicyRule, error)

	Put(ctx context.Context, rule *models.PolicyRule) error

	// IncrementTriggerCount durably bumps the rule's trigger counter.
	IncrementTriggerCount(ctx context.Context, name string) error
}

// BucketStore persists precomputed hourly feature buckets.
type BucketStore interface {
	// Upsert replaces the bucket for (user_id, hour).
	Upsert(ctx context.Context, bucket *models.HourlyBucket) error

	// Range returns the user's buckets with hours in [start, end).
	Range(ctx context.Context, userID string, start, end time.Time) ([]models.HourlyBucket, error)
}

// ModelStore persists the serialized online-model state as an opaque blob.
// Writes are last-writer-wins; cross-process merge is out of scope.
type ModelStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
}
