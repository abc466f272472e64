// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package thresholds selects the context-dependent score cutoffs used to
// classify trust scores. Selection is a pure function of context and
// configuration; results are cached by serialized context.
package thresholds

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelsec/trustflow/internal/cache"
	"github.com/kestrelsec/trustflow/internal/logging"
	"github.com/kestrelsec/trustflow/internal/models"
)

// Context carries the scoring-context fields that drive band selection.
// Serialization of this struct is the cache key, so field order matters for
// key stability.
type Context struct {
	Role         string `json:"role"`
	Hour         int    `json:"hour"`
	IPReputation int    `json:"ip_reputation"`
}

// Config holds the configurable bands and cache TTL.
type Config struct {
	// Default applies when no stricter band matches.
	Default models.ThresholdBand

	// Admin is the strict band applied to admin sessions.
	Admin models.ThresholdBand

	// Night applies outside the [NightStart, NightEnd) daytime window.
	Night models.ThresholdBand

	// DayStart and DayEnd bound the daytime window in local hours.
	DayStart int
	DayEnd   int

	// CacheTTL bounds how long a selected band may be reused.
	CacheTTL time.Duration
}

// DefaultConfig returns the production default bands.
func DefaultConfig() Config {
	return Config{
		Default:  models.ThresholdBand{Low: 70, Medium: 50, High: 30},
		Admin:    models.ThresholdBand{Low: 80, Medium: 60, High: 40},
		Night:    models.ThresholdBand{Low: 60, Medium: 40, High: 20},
		DayStart: 6,
		DayEnd:   22,
		CacheTTL: 5 * time.Minute,
	}
}

// Selector resolves threshold bands for scoring contexts.
type Selector struct {
	config Config
	cache  cache.Store
}

// NewSelector creates a selector backed by the given cache store.
func NewSelector(cfg Config, store cache.Store) *Selector {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Selector{config: cfg, cache: store}
}

// Thresholds returns the band for the given context.
//
// Precedence is deterministic: admin role wins, then night hours, then the
// default band. Cache errors degrade to recomputation.
func (s *Selector) Thresholds(ctx context.Context, tc Context) (models.ThresholdBand, error) {
	material, err := json.Marshal(tc)
	if err != nil {
		return models.ThresholdBand{}, fmt.Errorf("serialize threshold context: %w", err)
	}
	key := cache.HashKey("thresholds", material)

	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var band models.ThresholdBand
		if err := json.Unmarshal(data, &band); err == nil {
			return band, nil
		}
		// Corrupt entry, fall through and recompute.
	} else if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("threshold cache read failed, recomputing")
	}

	band := s.selectBand(tc)

	if data, err := json.Marshal(band); err == nil {
		if err := s.cache.Set(ctx, key, data, s.config.CacheTTL); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("threshold cache write failed")
		}
	}

	return band, nil
}

func (s *Selector) selectBand(tc Context) models.ThresholdBand {
	if tc.Role == "admin" {
		return s.config.Admin
	}
	if tc.Hour < s.config.DayStart || tc.Hour >= s.config.DayEnd {
		return s.config.Night
	}
	return s.config.Default
}
