// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package onlinemodel

import "sync"

// Default Page-Hinkley parameters tuned for a 0..1 probability stream.
const (
	DefaultDriftDelta     = 0.005
	DefaultDriftThreshold = 50.0
	DefaultDriftMinSample = 30
)

// DriftDetector runs a Page-Hinkley test over a scalar stream and reports
// when the cumulative deviation from the running mean exceeds the threshold.
// A detection is an operational signal only; the detector resets itself and
// the caller decides what to do about it.
type DriftDetector struct {
	mu        sync.Mutex
	delta     float64
	threshold float64
	minSample int64

	count int64
	mean  float64
	sum   float64
	min   float64
}

// NewDriftDetector creates a detector. Zero parameters select the defaults.
func NewDriftDetector(delta, threshold float64, minSample int64) *DriftDetector {
	if delta <= 0 {
		delta = DefaultDriftDelta
	}
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}
	if minSample <= 0 {
		minSample = DefaultDriftMinSample
	}
	return &DriftDetector{delta: delta, threshold: threshold, minSample: minSample}
}

// Update feeds one observation and returns true when drift is detected.
func (d *DriftDetector) Update(x float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.count++
	d.mean += (x - d.mean) / float64(d.count)
	d.sum += x - d.mean - d.delta
	if d.sum < d.min {
		d.min = d.sum
	}

	if d.count < d.minSample {
		return false
	}
	if d.sum-d.min > d.threshold {
		d.reset()
		return true
	}
	return false
}

func (d *DriftDetector) reset() {
	d.count = 0
	d.mean = 0
	d.sum = 0
	d.min = 0
}
