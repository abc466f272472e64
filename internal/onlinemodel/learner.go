// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package onlinemodel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kestrelsec/trustflow/internal/logging"
	"github.com/kestrelsec/trustflow/internal/metrics"
	"github.com/kestrelsec/trustflow/internal/storage"
)

const (
	// DefaultQueueSize bounds the learn queue.
	DefaultQueueSize = 1024

	// DefaultPersistInterval is how often learned state is flushed to the
	// model store while the learner runs.
	DefaultPersistInterval = 30 * time.Second
)

type sample struct {
	features map[string]float64
	label    bool
}

// Learner consumes labeled samples from a bounded queue, feeds them to the
// model, runs drift detection on the model's own predictions, and
// periodically persists model state. Enqueue never blocks the scoring path:
// when the queue is full, the sample is dropped and counted.
type Learner struct {
	model    *Model
	store    storage.ModelStore
	detector *DriftDetector
	interval time.Duration

	queue chan sample
	stop  chan struct{}
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// LearnerConfig configures queue size and persistence cadence.
type LearnerConfig struct {
	QueueSize       int
	PersistInterval time.Duration
}

// NewLearner creates a learner over the given model and state store.
func NewLearner(model *Model, store storage.ModelStore, detector *DriftDetector, cfg LearnerConfig) *Learner {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = DefaultPersistInterval
	}
	if detector == nil {
		detector = NewDriftDetector(0, 0, 0)
	}
	return &Learner{
		model:    model,
		store:    store,
		detector: detector,
		interval: cfg.PersistInterval,
		queue:    make(chan sample, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Start launches the background learn loop. Safe to call once.
func (l *Learner) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.run()
	})
}

// Enqueue submits a labeled sample without blocking. Returns false when the
// queue is full and the sample was dropped.
func (l *Learner) Enqueue(features map[string]float64, label bool) bool {
	select {
	case l.queue <- sample{features: features, label: label}:
		metrics.LearnQueueDepth.Set(float64(len(l.queue)))
		return true
	default:
		metrics.LearnQueueDrops.Inc()
		logging.Warn().Msg("Learn queue full, dropping sample")
		return false
	}
}

// Close drains the queue, persists final state, and stops the loop.
func (l *Learner) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.wg.Wait()
	})
}

func (l *Learner) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case s := <-l.queue:
			l.learn(s)
		case <-ticker.C:
			l.persist()
		case <-l.stop:
			l.drain()
			l.persist()
			return
		}
	}
}

// drain consumes whatever is already queued at shutdown.
func (l *Learner) drain() {
	for {
		select {
		case s := <-l.queue:
			l.learn(s)
		default:
			return
		}
	}
}

func (l *Learner) learn(s sample) {
	p := l.model.PredictProba(s.features)
	if l.detector.Update(p) {
		metrics.DriftSignals.Inc()
		logging.Warn().
			Float64("probability", p).
			Int64("samples", l.model.Samples()).
			Msg("Model drift detected")
	}

	l.model.Learn(s.features, s.label)
	metrics.LearnQueueDepth.Set(float64(len(l.queue)))
}

// persist writes a snapshot to the model store. Writes race with other
// writers as last-writer-wins, which is acceptable for a single-process
// learner.
func (l *Learner) persist() {
	if l.store == nil {
		return
	}
	blob, err := l.model.Snapshot()
	if err != nil {
		logging.Error().Err(err).Msg("Failed to snapshot model state")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.Save(ctx, blob); err != nil {
		logging.Error().Err(err).Msg("Failed to persist model state")
	}
}

// LoadOrNew restores the model from the store, or returns a fresh model when
// no state has been persisted yet.
func LoadOrNew(ctx context.Context, store storage.ModelStore, learningRate float64) (*Model, error) {
	model := New(learningRate)
	if store == nil {
		return model, nil
	}

	blob, err := store.Load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrModelNotFound) {
			logging.Info().Msg("No persisted model state, starting fresh")
			return model, nil
		}
		return nil, err
	}

	if err := model.Restore(blob); err != nil {
		return nil, err
	}
	logging.Info().Int64("samples", model.Samples()).Msg("Restored model state")
	return model, nil
}
