// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package config defines the process configuration and its layered loading:
// built-in defaults, optional YAML file, environment variables. Environment
// always wins.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full process configuration.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Server      ServerConfig      `koanf:"server"`
	Storage     StorageConfig     `koanf:"storage"`
	NATS        NATSConfig        `koanf:"nats"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Thresholds  ThresholdsConfig  `koanf:"thresholds"`
	ThreatIntel ThreatIntelConfig `koanf:"threat_intel"`
	Model       ModelConfig       `koanf:"model"`
	Features    FeaturesConfig    `koanf:"features"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig controls the ops HTTP endpoint.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig controls the BadgerDB store.
type StorageConfig struct {
	Path     string `koanf:"path" validate:"required"`
	InMemory bool   `koanf:"in_memory"`

	// GCInterval is how often value-log garbage collection runs.
	GCInterval time.Duration `koanf:"gc_interval"`
}

// NATSConfig controls the telemetry queue connection.
type NATSConfig struct {
	URL            string `koanf:"url" validate:"required"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	StreamName      string        `koanf:"stream_name" validate:"required"`
	Topic           string        `koanf:"topic" validate:"required"`
	DeadLetterTopic string        `koanf:"dead_letter_topic" validate:"required"`
	QueueGroup      string        `koanf:"queue_group"`
	DurableName     string        `koanf:"durable_name"`
	RetentionAge    time.Duration `koanf:"retention_age"`
}

// PipelineConfig controls event processing.
type PipelineConfig struct {
	Concurrency int64 `koanf:"concurrency" validate:"min=1"`
}

// Band is a low/medium/high threshold triple.
type Band struct {
	Low    int `koanf:"low" validate:"min=0,max=100"`
	Medium int `koanf:"medium" validate:"min=0,max=100"`
	High   int `koanf:"high" validate:"min=0,max=100"`
}

// ThresholdsConfig controls adaptive threshold selection.
type ThresholdsConfig struct {
	Default  Band          `koanf:"default"`
	Admin    Band          `koanf:"admin"`
	Night    Band          `koanf:"night"`
	DayStart int           `koanf:"day_start" validate:"min=0,max=23"`
	DayEnd   int           `koanf:"day_end" validate:"min=1,max=24"`
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// ThreatIntelSource configures one reputation provider.
type ThreatIntelSource struct {
	Name   string `koanf:"name" validate:"required"`
	URL    string `koanf:"url" validate:"required,url"`
	Format string `koanf:"format" validate:"oneof=abuse-confidence analysis-stats"`
	APIKey string `koanf:"api_key"`
}

// ThreatIntelConfig controls IP reputation aggregation.
type ThreatIntelConfig struct {
	Sources  []ThreatIntelSource `koanf:"sources" validate:"dive"`
	CacheTTL time.Duration       `koanf:"cache_ttl"`
	Timeout  time.Duration       `koanf:"timeout"`
}

// ModelConfig controls the scoring models.
type ModelConfig struct {
	// StaticWeights and StaticBias configure the default production model.
	StaticWeights map[string]float64 `koanf:"static_weights"`
	StaticBias    float64            `koanf:"static_bias"`

	LearningRate    float64       `koanf:"learning_rate"`
	LearnQueueSize  int           `koanf:"learn_queue_size" validate:"min=1"`
	PersistInterval time.Duration `koanf:"persist_interval"`

	// PromoteOnline serves the online model instead of the static one.
	PromoteOnline bool `koanf:"promote_online"`
}

// FeaturesConfig controls feature derivation.
type FeaturesConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// PrecomputeInterval is how often the aggregate job runs over the
	// trailing window. Zero disables the in-process scheduler.
	PrecomputeInterval time.Duration `koanf:"precompute_interval"`
	PrecomputeWindow   time.Duration `koanf:"precompute_window"`
}

// Validate checks structural constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Thresholds.DayStart >= c.Thresholds.DayEnd {
		return fmt.Errorf("invalid configuration: thresholds.day_start must be before day_end")
	}
	for _, band := range []Band{c.Thresholds.Default, c.Thresholds.Admin, c.Thresholds.Night} {
		if band.Low < band.Medium || band.Medium < band.High {
			return fmt.Errorf("invalid configuration: threshold bands must satisfy low >= medium >= high")
		}
	}

	return nil
}
