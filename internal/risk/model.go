// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package risk

import (
	"math"
	"sync"

	"github.com/kestrelsec/trustflow/internal/logging"
	"github.com/kestrelsec/trustflow/internal/onlinemodel"
)

// ProductionModel is the black-box scorer behind ComputeRisk. It returns the
// probability in [0,1] that the observed behavior is trusted.
type ProductionModel interface {
	PredictProba(features map[string]float64) (float64, error)
}

// Registry holds the currently active production model and allows swapping it
// at runtime without interrupting scoring.
type Registry struct {
	mu      sync.RWMutex
	current ProductionModel
	name    string
}

// NewRegistry creates a registry serving the given model.
func NewRegistry(name string, model ProductionModel) *Registry {
	return &Registry{current: model, name: name}
}

// Current returns the active model.
func (r *Registry) Current() ProductionModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// CurrentName returns the active model's registered name.
func (r *Registry) CurrentName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

// Swap replaces the active model. In-flight predictions finish on the model
// they started with.
func (r *Registry) Swap(name string, model ProductionModel) {
	r.mu.Lock()
	prev := r.name
	r.current = model
	r.name = name
	r.mu.Unlock()

	logging.Info().Str("from", prev).Str("to", name).Msg("Production model swapped")
}

// StaticModel is a fixed-weight logistic scorer configured at startup. It is
// the default production model until an online model is promoted.
type StaticModel struct {
	Weights map[string]float64
	Bias    float64
}

// PredictProba computes the logistic output over the configured weights.
// Features without a configured weight are ignored.
func (m *StaticModel) PredictProba(features map[string]float64) (float64, error) {
	z := m.Bias
	for name, w := range m.Weights {
		z += w * features[name]
	}
	return 1.0 / (1.0 + math.Exp(-z)), nil
}

// onlineAdapter exposes an online model through the ProductionModel contract.
type onlineAdapter struct {
	model *onlinemodel.Model
}

// FromOnline wraps an online model so the registry can promote it.
func FromOnline(model *onlinemodel.Model) ProductionModel {
	return &onlineAdapter{model: model}
}

func (a *onlineAdapter) PredictProba(features map[string]float64) (float64, error) {
	return a.model.PredictProba(features), nil
}
