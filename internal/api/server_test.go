// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func TestHealthzAllHealthy(t *testing.T) {
	s := NewServer(":0", map[string]Check{
		"storage":   func(ctx context.Context) error { return nil },
		"messaging": func(ctx context.Context) error { return nil },
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected ok status, got %q", resp.Status)
	}
	if resp.Checks["storage"] != "ok" || resp.Checks["messaging"] != "ok" {
		t.Errorf("expected all checks ok, got %v", resp.Checks)
	}
}

func TestHealthzFailingCheck(t *testing.T) {
	s := NewServer(":0", map[string]Check{
		"storage": func(ctx context.Context) error { return errors.New("store closed") },
		"other":   func(ctx context.Context) error { return nil },
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("expected unhealthy status, got %q", resp.Status)
	}
	if resp.Checks["storage"] != "store closed" {
		t.Errorf("expected failing check detail, got %v", resp.Checks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(":0", nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected Prometheus exposition output")
	}
}
