// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package features derives per-user behavioral feature vectors from
// precomputed hourly aggregate buckets.
//
// The live pipeline only ever reads buckets; the buckets themselves are
// maintained by PrecomputeAggregates, which is driven by an external
// scheduler over the raw event store. Users without history get a
// zero-valued vector rather than an error so that scoring can proceed for
// first-seen sessions.
package features

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kestrelsec/trustflow/internal/cache"
	"github.com/kestrelsec/trustflow/internal/logging"
	"github.com/kestrelsec/trustflow/internal/metrics"
	"github.com/kestrelsec/trustflow/internal/models"
	"github.com/kestrelsec/trustflow/internal/storage"
)

const (
	// DefaultCacheTTL is how long a computed vector is reused.
	DefaultCacheTTL = 3600 * time.Second

	// window is the lookback over which buckets are aggregated.
	window = 24 * time.Hour

	cacheName = "features"
)

// Provider computes feature vectors and maintains the bucket table.
type Provider struct {
	buckets  storage.BucketStore
	events   storage.EventStore
	sessions storage.SessionStore
	store    cache.Store
	ttl      time.Duration
}

// NewProvider creates a feature provider. The session store is consulted by
// the precompute job to recover observed risk per event; the cache store
// shields the bucket table from per-event reads.
func NewProvider(buckets storage.BucketStore, events storage.EventStore, sessions storage.SessionStore, store cache.Store, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Provider{
		buckets:  buckets,
		events:   events,
		sessions: sessions,
		store:    store,
		ttl:      ttl,
	}
}

// UserFeatures returns the user's feature vector as of the given instant,
// aggregated over the preceding 24 hours of buckets. Cache errors are treated
// as misses.
func (p *Provider) UserFeatures(ctx context.Context, userID string, asOf time.Time) (models.FeatureVector, error) {
	key := cacheKey(userID, asOf)

	if raw, ok, err := p.store.Get(ctx, key); err == nil && ok {
		var fv models.FeatureVector
		if err := json.Unmarshal(raw, &fv); err == nil {
			metrics.CacheHits.WithLabelValues(cacheName).Inc()
			return fv, nil
		}
	}
	metrics.CacheMisses.WithLabelValues(cacheName).Inc()

	fv, err := p.compute(ctx, userID, asOf)
	if err != nil {
		return models.FeatureVector{}, err
	}

	if raw, err := json.Marshal(fv); err == nil {
		if err := p.store.Set(ctx, key, raw, p.ttl); err != nil {
			logging.Warn().Err(err).Str("user_id", userID).Msg("Failed to cache feature vector")
		}
	}

	return fv, nil
}

func (p *Provider) compute(ctx context.Context, userID string, asOf time.Time) (models.FeatureVector, error) {
	end := asOf.UTC()
	start := end.Add(-window)

	buckets, err := p.buckets.Range(ctx, userID, start, end)
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("range buckets: %w", err)
	}

	fv := models.FeatureVector{
		HourOfDay: end.Hour(),
		DayOfWeek: int(end.Weekday()),
	}

	var keystrokeSum, mouseSum float64
	for _, b := range buckets {
		fv.EventCount += b.EventCount
		keystrokeSum += b.AvgKeystrokeSpeed * float64(b.EventCount)
		mouseSum += b.AvgMouseSpeed * float64(b.EventCount)
		// Per-hour distinct counts cannot be deduplicated across buckets,
		// so the window figure is their sum.
		fv.UniqueIPs += b.UniqueIPs
		if b.MaxRiskScore > fv.MaxRiskScore24h {
			fv.MaxRiskScore24h = b.MaxRiskScore
		}
	}
	if fv.EventCount > 0 {
		fv.AvgKeystrokeSpeed = keystrokeSum / float64(fv.EventCount)
		fv.AvgMouseSpeed = mouseSum / float64(fv.EventCount)
	}

	return fv, nil
}

// PrecomputeAggregates rebuilds hourly buckets from raw events with
// timestamps in [start, end). The operation is idempotent: buckets are
// recomputed from scratch and replace whatever was stored for the same
// (user, hour).
func (p *Provider) PrecomputeAggregates(ctx context.Context, start, end time.Time) error {
	events, err := p.events.ScanRange(ctx, start, end)
	if err != nil {
		return fmt.Errorf("scan events: %w", err)
	}

	type bucketKey struct {
		userID string
		hour   time.Time
	}
	type accumulator struct {
		keystrokeSum float64
		mouseSum     float64
		ips          map[string]struct{}
		maxRisk      float64
		count        int64
	}

	groups := make(map[bucketKey]*accumulator)
	for i := range events {
		ev := &events[i]
		k := bucketKey{userID: ev.UserID, hour: ev.Timestamp.UTC().Truncate(time.Hour)}
		acc := groups[k]
		if acc == nil {
			acc = &accumulator{ips: make(map[string]struct{})}
			groups[k] = acc
		}
		acc.keystrokeSum += ev.KeystrokeSpeed
		acc.mouseSum += ev.MouseSpeed
		acc.ips[ev.IP] = struct{}{}
		acc.count++

		if risk, ok := p.observedRisk(ctx, ev.SessionID); ok && risk > acc.maxRisk {
			acc.maxRisk = risk
		}
	}

	for k, acc := range groups {
		bucket := &models.HourlyBucket{
			UserID:            k.userID,
			Hour:              k.hour,
			AvgKeystrokeSpeed: acc.keystrokeSum / float64(acc.count),
			AvgMouseSpeed:     acc.mouseSum / float64(acc.count),
			UniqueIPs:         int64(len(acc.ips)),
			MaxRiskScore:      acc.maxRisk,
			EventCount:        acc.count,
		}
		if err := p.buckets.Upsert(ctx, bucket); err != nil {
			return fmt.Errorf("upsert bucket %s/%s: %w", k.userID, k.hour.Format(time.RFC3339), err)
		}
	}

	logging.Info().
		Int("events", len(events)).
		Int("buckets", len(groups)).
		Time("start", start).
		Time("end", end).
		Msg("Precomputed feature aggregates")

	return nil
}

// observedRisk recovers the risk observed for a session as 100 minus its last
// trust score. Sessions not yet scored contribute nothing.
func (p *Provider) observedRisk(ctx context.Context, sessionID string) (float64, bool) {
	if p.sessions == nil {
		return 0, false
	}
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return 0, false
	}
	return 100 - sess.TrustScore, true
}

// cacheKey truncates asOf to the hour: the underlying buckets only change at
// hour granularity, and a full-timestamp key would never see a second hit.
func cacheKey(userID string, asOf time.Time) string {
	material := userID + "|" + asOf.UTC().Truncate(time.Hour).Format(time.RFC3339)
	return cache.HashKey(cacheName, []byte(material))
}
