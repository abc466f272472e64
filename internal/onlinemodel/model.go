// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package onlinemodel implements an incrementally trained logistic-regression
// scorer with running feature standardization, plus the learn queue and drift
// detection that surround it.
//
// The model learns one labeled sample at a time and can be snapshotted to and
// restored from an opaque JSON blob, which is how state survives restarts.
// All methods are safe for concurrent use.
package onlinemodel

import (
	"fmt"
	"math"
	"sync"

	json "github.com/goccy/go-json"
)

// DefaultLearningRate is the SGD step size used when none is configured.
const DefaultLearningRate = 0.01

// runningStat tracks mean and variance of one feature with Welford's method.
type runningStat struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

func (s *runningStat) update(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (x - s.Mean)
}

// standardize maps x to zero mean and unit variance under the stats seen so
// far. With no spread yet it returns 0 so early samples cannot dominate.
func (s *runningStat) standardize(x float64) float64 {
	if s.Count < 2 {
		return 0
	}
	variance := s.M2 / float64(s.Count)
	if variance <= 0 {
		return 0
	}
	return (x - s.Mean) / math.Sqrt(variance)
}

// Model is an online logistic-regression classifier over named features.
// Unknown feature names are admitted on first sight with zero weight.
type Model struct {
	mu           sync.RWMutex
	weights      map[string]float64
	bias         float64
	stats        map[string]*runningStat
	samples      int64
	learningRate float64
}

// New creates an untrained model.
func New(learningRate float64) *Model {
	if learningRate <= 0 {
		learningRate = DefaultLearningRate
	}
	return &Model{
		weights:      make(map[string]float64),
		stats:        make(map[string]*runningStat),
		learningRate: learningRate,
	}
}

// PredictProba returns the probability in [0,1] that the sample belongs to
// the positive (trusted) class.
func (m *Model) PredictProba(features map[string]float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.predictLocked(features)
}

func (m *Model) predictLocked(features map[string]float64) float64 {
	z := m.bias
	for name, value := range features {
		w, ok := m.weights[name]
		if !ok {
			continue
		}
		if s, ok := m.stats[name]; ok {
			value = s.standardize(value)
		}
		z += w * value
	}
	return sigmoid(z)
}

// Learn updates the standardization stats and the weights from one labeled
// sample. label true means the sample was trusted behavior.
func (m *Model) Learn(features map[string]float64, label bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scaled := make(map[string]float64, len(features))
	for name, value := range features {
		s, ok := m.stats[name]
		if !ok {
			s = &runningStat{}
			m.stats[name] = s
		}
		s.update(value)
		scaled[name] = s.standardize(value)

		if _, ok := m.weights[name]; !ok {
			m.weights[name] = 0
		}
	}

	z := m.bias
	for name, value := range scaled {
		z += m.weights[name] * value
	}
	p := sigmoid(z)

	y := 0.0
	if label {
		y = 1.0
	}
	grad := p - y
	for name, value := range scaled {
		m.weights[name] -= m.learningRate * grad * value
	}
	m.bias -= m.learningRate * grad
	m.samples++
}

// Samples returns how many labeled samples the model has learned from.
func (m *Model) Samples() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.samples
}

// state is the serialized form of the model.
type state struct {
	Weights      map[string]float64      `json:"weights"`
	Bias         float64                 `json:"bias"`
	Stats        map[string]*runningStat `json:"stats"`
	Samples      int64                   `json:"samples"`
	LearningRate float64                 `json:"learning_rate"`
}

// Snapshot serializes the model state to JSON.
func (m *Model) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return json.Marshal(state{
		Weights:      m.weights,
		Bias:         m.bias,
		Stats:        m.stats,
		Samples:      m.samples,
		LearningRate: m.learningRate,
	})
}

// Restore replaces the model state from a Snapshot blob.
func (m *Model) Restore(blob []byte) error {
	var st state
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("decode model state: %w", err)
	}
	if st.Weights == nil {
		st.Weights = make(map[string]float64)
	}
	if st.Stats == nil {
		st.Stats = make(map[string]*runningStat)
	}
	if st.LearningRate <= 0 {
		st.LearningRate = DefaultLearningRate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.weights = st.Weights
	m.bias = st.Bias
	m.stats = st.Stats
	m.samples = st.Samples
	m.learningRate = st.LearningRate
	return nil
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
