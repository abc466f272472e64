// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package cache provides the TTL key-value capability shared by threat
// intel, the feature provider, and the threshold selector.
//
// The Store contract mirrors an external cache server (get, set-with-TTL,
// atomic increment+expire); Memory is the in-process implementation. Callers
// treat any Store error as a cache miss and recompute, so cache
// unavailability degrades to extra work, never to failure.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Store is the cache access contract.
type Store interface {
	// Get returns the value for key, reporting whether a live entry exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for the given TTL, replacing any entry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically adds delta to the counter at key and returns the
	// new value. A fresh counter starts at delta with the given TTL.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
}

// Stats tracks cache performance counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	TotalKeys int64
}

type entry struct {
	value     []byte
	counter   int64
	isCounter bool
	expiresAt time.Time
}

// Memory is a thread-safe in-process Store with per-entry TTL and a
// background cleanup loop.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry

	statsMu sync.Mutex
	stats   Stats

	stop     chan struct{}
	stopOnce sync.Once
}

// cleanupInterval is how often the background sweep removes expired entries.
const cleanupInterval = 5 * time.Minute

// NewMemory creates an in-process cache store and starts its cleanup loop.
// Call Close to stop the loop when discarding the store.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Get returns the live entry for key, expiring it on demand if stale.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, exists := m.entries[key]
	m.mu.RUnlock()

	if !exists {
		m.recordMiss()
		return nil, false, nil
	}

	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		m.recordMiss()
		m.recordEviction()
		return nil, false, nil
	}

	m.recordHit()
	return e.value, true, nil
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	total := int64(len(m.entries))
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.TotalKeys = total
	m.statsMu.Unlock()
	return nil
}

// Increment atomically bumps the counter at key. An expired or absent
// counter restarts at delta with a fresh TTL; a live counter keeps its
// original expiry.
func (m *Memory) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, exists := m.entries[key]
	if !exists || !e.isCounter || now.After(e.expiresAt) {
		m.entries[key] = entry{counter: delta, isCounter: true, expiresAt: now.Add(ttl)}
		return delta, nil
	}

	e.counter += delta
	m.entries[key] = e
	return e.counter, nil
}

// Delete removes a key. A no-op for absent keys.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	m.recordEviction()
}

// GetStats returns a snapshot of cache counters.
func (m *Memory) GetStats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// HitRate returns the cache hit rate as a percentage.
func (m *Memory) HitRate() float64 {
	stats := m.GetStats()
	total := stats.Hits + stats.Misses
	if total == 0 {
		return 0.0
	}
	return float64(stats.Hits) / float64(total) * 100.0
}

// Close stops the background cleanup loop.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Memory) cleanup() {
	now := time.Now()
	m.mu.Lock()
	evictions := int64(0)
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
			evictions++
		}
	}
	total := int64(len(m.entries))
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.Evictions += evictions
	m.stats.TotalKeys = total
	m.statsMu.Unlock()
}

func (m *Memory) recordHit() {
	m.statsMu.Lock()
	m.stats.Hits++
	m.statsMu.Unlock()
}

func (m *Memory) recordMiss() {
	m.statsMu.Lock()
	m.stats.Misses++
	m.statsMu.Unlock()
}

func (m *Memory) recordEviction() {
	m.statsMu.Lock()
	m.stats.Evictions++
	m.statsMu.Unlock()
}

// Key builds a namespaced cache key from parts.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// HashKey builds a compact key by hashing an arbitrarily long suffix.
// Used where the key material is a serialized structure (threshold
// contexts) rather than a short identifier.
func HashKey(namespace string, material []byte) string {
	hash := sha256.Sum256(material)
	return fmt.Sprintf("%s:%x", namespace, hash[:16])
}
