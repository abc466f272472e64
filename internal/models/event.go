// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package models defines the canonical data types flowing through the
// scoring pipeline: telemetry events, feature vectors, risk results,
// sessions, policy rules, and hourly feature buckets.
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// DefaultRole is assumed when an event arrives without a role.
const DefaultRole = "standard"

// Validation errors returned by TelemetryEvent.Validate.
var (
	ErrMissingSessionID = errors.New("session_id is required")
	ErrMissingUserID    = errors.New("user_id is required")
	ErrInvalidIP        = errors.New("ip must be a valid IPv4 or IPv6 address")
	ErrSpeedOutOfRange  = errors.New("speed must be within [0,100]")
	ErrMissingTimestamp = errors.New("timestamp is required")
)

// TelemetryEvent is a single behavioral observation from an active session.
// Events are immutable; (session_id, timestamp) is the natural key used for
// idempotent persistence.
type TelemetryEvent struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	IP             string    `json:"ip"`
	KeystrokeSpeed float64   `json:"keystroke_speed"`
	MouseSpeed     float64   `json:"mouse_speed"`
	Timestamp      time.Time `json:"timestamp"`
	Device         string    `json:"device,omitempty"`
	Role           string    `json:"role,omitempty"`

	// Label, when present, marks the event as confirmed trusted behavior
	// (true) or confirmed risky (false) and feeds the online learner. The
	// polarity matches the model output: the trusted-class probability.
	Label *bool `json:"label,omitempty"`
}

// Key returns the natural key identifying this event.
func (e *TelemetryEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.SessionID, e.Timestamp.UTC().UnixNano())
}

// EffectiveRole returns the event role, defaulting to "standard".
func (e *TelemetryEvent) EffectiveRole() string {
	if e.Role == "" {
		return DefaultRole
	}
	return e.Role
}

// Validate checks required fields and value ranges.
// Malformed events are rejected before entering the pipeline.
func (e *TelemetryEvent) Validate() error {
	if e.SessionID == "" {
		return ErrMissingSessionID
	}
	if e.UserID == "" {
		return ErrMissingUserID
	}
	if _, err := netip.ParseAddr(e.IP); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, e.IP)
	}
	if e.KeystrokeSpeed < 0 || e.KeystrokeSpeed > 100 {
		return fmt.Errorf("%w: keystroke_speed=%.2f", ErrSpeedOutOfRange, e.KeystrokeSpeed)
	}
	if e.MouseSpeed < 0 || e.MouseSpeed > 100 {
		return fmt.Errorf("%w: mouse_speed=%.2f", ErrSpeedOutOfRange, e.MouseSpeed)
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}
