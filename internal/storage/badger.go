// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/kestrelsec/trustflow/internal/models"
)

// Key prefixes for BadgerDB storage.
const (
	eventKeyPrefix   = "event:"
	sessionKeyPrefix = "session:"
	ruleKeyPrefix    = "rule:"
	bucketKeyPrefix  = "bucket:"
	modelKey         = "model:online"
)

// hourKeyFormat orders bucket keys lexicographically by hour.
const hourKeyFormat = "2006-01-02T15"

// Badger implements every store contract on a single BadgerDB instance.
type Badger struct {
	db *badger.DB
}

// Open opens (or creates) a BadgerDB-backed store at path.
func Open(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &Badger{db: db}, nil
}

// OpenInMemory opens an ephemeral store. Used by tests.
func OpenInMemory() (*Badger, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Badger{db: db}, nil
}

// Close closes the underlying database.
func (s *Badger) Close() error {
	return s.db.Close()
}

// RunGC triggers one value-log garbage collection cycle.
// Safe to call periodically; returns badger.ErrNoRewrite when nothing to do.
func (s *Badger) RunGC() error {
	return s.db.RunValueLogGC(0.5)
}

func eventKey(event *models.TelemetryEvent) []byte {
	return []byte(eventKeyPrefix + event.Key())
}

// InsertIdempotent stores the event unless (session_id, timestamp) exists.
func (s *Badger) InsertIdempotent(_ context.Context, event *models.TelemetryEvent) (bool, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}

	inserted := false
	err = s.db.Update(func(txn *badger.Txn) error {
		key := eventKey(event)
		_, err := txn.Get(key)
		if err == nil {
			return nil // duplicate delivery, keep the first record
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check event: %w", err)
		}

		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set event: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ScanRange returns events with timestamps in [start, end).
func (s *Badger) ScanRange(_ context.Context, start, end time.Time) ([]models.TelemetryEvent, error) {
	var events []models.TelemetryEvent

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(eventKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var event models.TelemetryEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if event.Timestamp.Before(start) || !event.Timestamp.Before(end) {
				continue
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Get retrieves a session by ID.
func (s *Badger) Get(_ context.Context, id string) (*models.Session, error) {
	var session models.Session

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Upsert writes the session unconditionally.
func (s *Badger) Upsert(_ context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionKeyPrefix+session.ID), data)
	})
}

// ListEnabled returns enabled rules ordered by ascending priority, name.
func (s *Badger) ListEnabled(_ context.Context) ([]models.PolicyRule, error) {
	var rules []models.PolicyRule

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(ruleKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rule models.PolicyRule
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rule)
			})
			if err != nil {
				return fmt.Errorf("decode rule: %w", err)
			}
			if rule.Enabled {
				rules = append(rules, rule)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
	return rules, nil
}

// Put stores a rule keyed by name.
func (s *Badger) Put(_ context.Context, rule *models.PolicyRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(ruleKeyPrefix+rule.Name), data)
	})
}

// IncrementTriggerCount durably bumps a rule's trigger counter.
func (s *Badger) IncrementTriggerCount(_ context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(ruleKeyPrefix + name)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRuleNotFound
		}
		if err != nil {
			return fmt.Errorf("get rule: %w", err)
		}

		var rule models.PolicyRule
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rule)
		}); err != nil {
			return fmt.Errorf("decode rule: %w", err)
		}

		rule.TriggerCount++
		data, err := json.Marshal(&rule)
		if err != nil {
			return fmt.Errorf("marshal rule: %w", err)
		}
		return txn.Set(key, data)
	})
}

func bucketKey(userID string, hour time.Time) []byte {
	return []byte(bucketKeyPrefix + userID + ":" + hour.UTC().Format(hourKeyFormat))
}

// Upsert replaces the bucket for (user_id, hour).
func (s *Badger) UpsertBucket(ctx context.Context, bucket *models.HourlyBucket) error {
	data, err := json.Marshal(bucket)
	if err != nil {
		return fmt.Errorf("marshal bucket: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(bucketKey(bucket.UserID, bucket.Hour), data)
	})
}

// RangeBuckets returns the user's buckets with hours in [start, end).
// Keys sort lexicographically by hour, so the scan seeks to the range start
// and stops at the range end.
func (s *Badger) RangeBuckets(_ context.Context, userID string, start, end time.Time) ([]models.HourlyBucket, error) {
	var buckets []models.HourlyBucket

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(bucketKeyPrefix + userID + ":")
		seek := bucketKey(userID, start.Truncate(time.Hour))
		stop := bucketKey(userID, end)

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if bytes.Compare(it.Item().Key(), stop) >= 0 {
				break
			}
			var bucket models.HourlyBucket
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &bucket)
			})
			if err != nil {
				return fmt.Errorf("decode bucket: %w", err)
			}
			buckets = append(buckets, bucket)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

// Load returns the persisted online-model blob.
func (s *Badger) Load(_ context.Context) ([]byte, error) {
	var blob []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(modelKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrModelNotFound
		}
		if err != nil {
			return fmt.Errorf("get model: %w", err)
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Save overwrites the online-model blob (last-writer-wins).
func (s *Badger) Save(_ context.Context, blob []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(modelKey), blob)
	})
}

// Buckets adapts the combined store to the BucketStore contract.
// Badger itself cannot implement BucketStore directly because Upsert and
// Range collide with the session methods of the same name.
func (s *Badger) Buckets() BucketStore {
	return bucketStoreAdapter{s}
}

var (
	_ EventStore   = (*Badger)(nil)
	_ SessionStore = (*Badger)(nil)
	_ RuleStore    = (*Badger)(nil)
	_ ModelStore   = (*Badger)(nil)
	_ BucketStore  = bucketStoreAdapter{}
)

type bucketStoreAdapter struct{ s *Badger }

func (a bucketStoreAdapter) Upsert(ctx context.Context, bucket *models.HourlyBucket) error {
	return a.s.UpsertBucket(ctx, bucket)
}

func (a bucketStoreAdapter) Range(ctx context.Context, userID string, start, end time.Time) ([]models.HourlyBucket, error) {
	return a.s.RangeBuckets(ctx, userID, start, end)
}
