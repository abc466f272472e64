// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package models

import "time"

// RiskLevel classifies a trust score against an adaptive threshold band.
type RiskLevel string

// Risk levels form a total, non-overlapping partition of the score range.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// FeatureVector holds rolling behavioral aggregates for a user, derived from
// the preceding 24h of hourly buckets. A user with no history gets the zero
// value, never an error.
type FeatureVector struct {
	EventCount        int64   `json:"event_count"`
	AvgKeystrokeSpeed float64 `json:"avg_keystroke_speed"`
	AvgMouseSpeed     float64 `json:"avg_mouse_speed"`
	UniqueIPs         int64   `json:"unique_ips"`
	MaxRiskScore24h   float64 `json:"max_risk_score_24h"`
	HourOfDay         int     `json:"hour_of_day"`
	DayOfWeek         int     `json:"day_of_week"`
}

// featureNames lists the vector components in their canonical order.
var featureNames = []string{
	"event_count",
	"avg_keystroke_speed",
	"avg_mouse_speed",
	"unique_ips",
	"max_risk_score_24h",
	"hour_of_day",
	"day_of_week",
}

// FeatureNames returns the canonical feature names in order.
func FeatureNames() []string {
	names := make([]string, len(featureNames))
	copy(names, featureNames)
	return names
}

// Map converts the vector into the name-keyed form consumed by models.
func (f FeatureVector) Map() map[string]float64 {
	return map[string]float64{
		"event_count":         float64(f.EventCount),
		"avg_keystroke_speed": f.AvgKeystrokeSpeed,
		"avg_mouse_speed":     f.AvgMouseSpeed,
		"unique_ips":          float64(f.UniqueIPs),
		"max_risk_score_24h":  f.MaxRiskScore24h,
		"hour_of_day":         float64(f.HourOfDay),
		"day_of_week":         float64(f.DayOfWeek),
	}
}

// ThresholdBand holds the low/medium/high score cutoffs selected for a
// scoring context. A score at or above Low classifies as low risk; at or
// above Medium as medium; anything below as high.
type ThresholdBand struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// Classify maps an adjusted trust score onto a risk level. Boundary equality
// resolves to the less risky band.
func (b ThresholdBand) Classify(score float64) RiskLevel {
	switch {
	case score >= float64(b.Low):
		return RiskLow
	case score >= float64(b.Medium):
		return RiskMedium
	default:
		return RiskHigh
	}
}

// RiskResult is the transient outcome of scoring one telemetry event.
type RiskResult struct {
	TrustScore   float64       `json:"trust_score"`
	RiskLevel    RiskLevel     `json:"risk_level"`
	Thresholds   ThresholdBand `json:"thresholds_used"`
	FeaturesUsed []string      `json:"features_used"`
	IPReputation int           `json:"ip_reputation"`
}

// HourlyBucket is one row of precomputed per-user aggregates, keyed by
// (user_id, hour truncated to the hour). Buckets are maintained by the
// precompute maintenance job, not the live pipeline.
type HourlyBucket struct {
	UserID            string    `json:"user_id"`
	Hour              time.Time `json:"hour"`
	AvgKeystrokeSpeed float64   `json:"avg_keystroke_speed"`
	AvgMouseSpeed     float64   `json:"avg_mouse_speed"`
	UniqueIPs         int64     `json:"unique_ips"`
	MaxRiskScore      float64   `json:"max_risk_score"`
	EventCount        int64     `json:"event_count"`
}
