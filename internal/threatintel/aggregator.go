// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package threatintel aggregates IP reputation from external sources.
//
// Each source is queried concurrently behind its own circuit breaker and the
// results are combined into a single reputation score in [0,100]. Lookups are
// cached so a given IP hits the network at most once per TTL window. When
// every source fails, or none is configured, the aggregator returns a neutral
// fallback score rather than an error so that scoring never stalls on
// third-party outages.
package threatintel

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/kestrelsec/trustflow/internal/cache"
	"github.com/kestrelsec/trustflow/internal/logging"
	"github.com/kestrelsec/trustflow/internal/metrics"
)

const (
	// FallbackScore is the neutral reputation used when no source answers.
	FallbackScore = 50

	// DefaultCacheTTL is how long a resolved reputation is reused.
	DefaultCacheTTL = 3600 * time.Second

	cacheName = "threatintel"
)

// AggregatorConfig configures reputation aggregation.
type AggregatorConfig struct {
	// CacheTTL overrides DefaultCacheTTL when positive.
	CacheTTL time.Duration

	// Fallback overrides FallbackScore when FallbackSet is true. Zero is a
	// valid score, so a separate flag distinguishes it from unset.
	Fallback    int
	FallbackSet bool
}

// Aggregator fans a reputation lookup out to all configured providers and
// combines the answers.
type Aggregator struct {
	providers []Provider
	store     cache.Store
	ttl       time.Duration
	fallback  int
}

// NewAggregator creates an aggregator over the given providers. The cache
// store is required; pass cache.NewMemory() for a process-local cache.
func NewAggregator(providers []Provider, store cache.Store, cfg AggregatorConfig) *Aggregator {
	ttl := DefaultCacheTTL
	if cfg.CacheTTL > 0 {
		ttl = cfg.CacheTTL
	}
	fallback := FallbackScore
	if cfg.FallbackSet {
		fallback = cfg.Fallback
	}
	return &Aggregator{
		providers: providers,
		store:     store,
		ttl:       ttl,
		fallback:  fallback,
	}
}

// CheckIP returns the aggregated reputation for ip. The score is the integer
// mean of all sources that answered; if none did, the fallback is returned.
// The only error returned is context cancellation.
func (a *Aggregator) CheckIP(ctx context.Context, ip string) (int, error) {
	key := cache.Key("threat", "intel", ip)

	if raw, ok, err := a.store.Get(ctx, key); err == nil && ok {
		if score, perr := strconv.Atoi(string(raw)); perr == nil {
			metrics.CacheHits.WithLabelValues(cacheName).Inc()
			return score, nil
		}
	}
	metrics.CacheMisses.WithLabelValues(cacheName).Inc()

	score, err := a.resolve(ctx, ip)
	if err != nil {
		return 0, err
	}

	if err := a.store.Set(ctx, key, []byte(strconv.Itoa(score)), a.ttl); err != nil {
		logging.Warn().Err(err).Str("ip", ip).Msg("Failed to cache reputation score")
	}

	return score, nil
}

func (a *Aggregator) resolve(ctx context.Context, ip string) (int, error) {
	if len(a.providers) == 0 {
		metrics.ReputationFallbacks.Inc()
		return a.fallback, nil
	}

	type answer struct {
		score int
		ok    bool
	}

	answers := make([]answer, len(a.providers))
	var wg sync.WaitGroup
	for i, p := range a.providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			score, err := p.Query(ctx, ip)
			if err != nil {
				metrics.ReputationSourceFailures.WithLabelValues(p.Name()).Inc()
				logging.Warn().
					Err(err).
					Str("source", p.Name()).
					Str("ip", ip).
					Msg("Reputation source query failed")
				return
			}
			answers[i] = answer{score: score, ok: true}
		}(i, p)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	sum, count := 0, 0
	for _, ans := range answers {
		if ans.ok {
			sum += ans.score
			count++
		}
	}
	if count == 0 {
		metrics.ReputationFallbacks.Inc()
		logging.Debug().Str("ip", ip).Int("fallback", a.fallback).
			Msg("All reputation sources failed, using fallback score")
		return a.fallback, nil
	}

	return sum / count, nil
}
