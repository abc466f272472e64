// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelsec/trustflow/internal/models"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestDefaultStaticWeights(t *testing.T) {
	emitted := models.FeatureVector{}.Map()

	for name, weight := range Default().Model.StaticWeights {
		if _, ok := emitted[name]; !ok {
			t.Errorf("static weight %q matches no emitted feature", name)
		}
		switch name {
		case "unique_ips", "max_risk_score_24h":
			if weight >= 0 {
				t.Errorf("weight for %q = %v, risk-bearing features must lower the trusted probability", name, weight)
			}
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.NATS.Topic != "telemetry.events" {
		t.Errorf("topic = %q, want telemetry.events", cfg.NATS.Topic)
	}
	if cfg.Pipeline.Concurrency != 16 {
		t.Errorf("concurrency = %d, want 16", cfg.Pipeline.Concurrency)
	}
	if cfg.Thresholds.Default.Low != 70 {
		t.Errorf("default low threshold = %d, want 70", cfg.Thresholds.Default.Low)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_URL", "nats://queue.internal:4222")
	t.Setenv("PIPELINE_CONCURRENCY", "4")
	t.Setenv("MODEL_PERSIST_INTERVAL", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.NATS.URL != "nats://queue.internal:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
	if cfg.Pipeline.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.Pipeline.Concurrency)
	}
	if cfg.Model.PersistInterval != 10*time.Second {
		t.Errorf("persist interval = %v, want 10s", cfg.Model.PersistInterval)
	}
}

func TestLoadUnknownEnvIgnored(t *testing.T) {
	t.Setenv("SHELL_SESSION_ID", "abc123")

	if _, err := Load(); err != nil {
		t.Fatalf("Load with unrelated env vars: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trustflow.yaml")
	content := []byte(`
server:
  port: 9090
thresholds:
  admin:
    low: 85
    medium: 65
    high: 45
threat_intel:
  sources:
    - name: abuse
      url: https://intel.example.com/check?ip=%s
      format: abuse-confidence
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Thresholds.Admin.Low != 85 {
		t.Errorf("admin low = %d, want 85", cfg.Thresholds.Admin.Low)
	}
	if len(cfg.ThreatIntel.Sources) != 1 || cfg.ThreatIntel.Sources[0].Format != "abuse-confidence" {
		t.Errorf("sources = %+v", cfg.ThreatIntel.Sources)
	}
	// Untouched sections keep their defaults.
	if cfg.NATS.StreamName != "TELEMETRY" {
		t.Errorf("stream = %q, want TELEMETRY", cfg.NATS.StreamName)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trustflow.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero concurrency", func(c *Config) { c.Pipeline.Concurrency = 0 }},
		{"inverted band", func(c *Config) { c.Thresholds.Default = Band{Low: 30, Medium: 50, High: 70} }},
		{"day start after end", func(c *Config) { c.Thresholds.DayStart = 23; c.Thresholds.DayEnd = 6 }},
		{"source missing url", func(c *Config) {
			c.ThreatIntel.Sources = []ThreatIntelSource{{Name: "x", Format: "abuse-confidence"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
