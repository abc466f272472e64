// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search paths.
const ConfigPathEnvVar = "TRUSTFLOW_CONFIG"

// DefaultConfigPaths are searched in order when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{
	"trustflow.yaml",
	"config/trustflow.yaml",
	"/etc/trustflow/trustflow.yaml",
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Path:       "data/trustflow",
			GCInterval: 5 * time.Minute,
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			EmbeddedServer:  true,
			StoreDir:        "data/jetstream",
			StreamName:      "TELEMETRY",
			Topic:           "telemetry.events",
			DeadLetterTopic: "telemetry.dlq",
			QueueGroup:      "trustflow",
			DurableName:     "trustflow-scoring",
			RetentionAge:    24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			Concurrency: 16,
		},
		Thresholds: ThresholdsConfig{
			Default:  Band{Low: 70, Medium: 50, High: 30},
			Admin:    Band{Low: 80, Medium: 60, High: 40},
			Night:    Band{Low: 60, Medium: 40, High: 20},
			DayStart: 6,
			DayEnd:   22,
			CacheTTL: 5 * time.Minute,
		},
		ThreatIntel: ThreatIntelConfig{
			CacheTTL: time.Hour,
			Timeout:  5 * time.Second,
		},
		Model: ModelConfig{
			// Keys must match the names FeatureVector.Map emits. The model
			// outputs the trusted-class probability, so risk-bearing
			// features carry negative weights.
			StaticWeights: map[string]float64{
				"avg_keystroke_speed": 0.004,
				"avg_mouse_speed":     0.002,
				"unique_ips":          -0.6,
				"max_risk_score_24h":  -0.04,
			},
			StaticBias:      1.0,
			LearningRate:    0.01,
			LearnQueueSize:  1024,
			PersistInterval: 30 * time.Second,
		},
		Features: FeaturesConfig{
			CacheTTL:           time.Hour,
			PrecomputeInterval: time.Hour,
			PrecomputeWindow:   24 * time.Hour,
		},
	}
}

// Load builds the configuration from three layers, lowest to highest
// precedence: built-in defaults, an optional YAML file, environment
// variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envMappings binds flat environment variable names to nested config paths.
// Variables not listed here are ignored so unrelated process environment
// never leaks into the configuration.
var envMappings = map[string]string{
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"http_host": "server.host",
	"http_port": "server.port",

	"badger_path":        "storage.path",
	"badger_in_memory":   "storage.in_memory",
	"badger_gc_interval": "storage.gc_interval",

	"nats_url":               "nats.url",
	"nats_embedded_server":   "nats.embedded_server",
	"nats_store_dir":         "nats.store_dir",
	"nats_max_memory":        "nats.max_memory",
	"nats_max_store":         "nats.max_store",
	"nats_stream_name":       "nats.stream_name",
	"nats_topic":             "nats.topic",
	"nats_dead_letter_topic": "nats.dead_letter_topic",
	"nats_queue_group":       "nats.queue_group",
	"nats_durable_name":      "nats.durable_name",
	"nats_retention_age":     "nats.retention_age",

	"pipeline_concurrency": "pipeline.concurrency",

	"thresholds_day_start": "thresholds.day_start",
	"thresholds_day_end":   "thresholds.day_end",
	"thresholds_cache_ttl": "thresholds.cache_ttl",

	"threat_intel_cache_ttl": "threat_intel.cache_ttl",
	"threat_intel_timeout":   "threat_intel.timeout",

	"model_learning_rate":    "model.learning_rate",
	"model_learn_queue_size": "model.learn_queue_size",
	"model_persist_interval": "model.persist_interval",
	"model_promote_online":   "model.promote_online",

	"features_cache_ttl":           "features.cache_ttl",
	"features_precompute_interval": "features.precompute_interval",
	"features_precompute_window":   "features.precompute_window",
}

// envTransformFunc maps an environment variable name to its koanf path.
// Returning "" drops the variable.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
