// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelsec/trustflow/internal/logging"
)

func TestTreeRunsAndStopsServices(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), DefaultTreeConfig())

	var started, stopped atomic.Bool
	tree.AddMessagingService(NewService("probe", func(ctx context.Context) error {
		started.Store(true)
		<-ctx.Done()
		stopped.Store(true)
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !started.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !started.Load() {
		t.Fatal("service never started")
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}
	if !stopped.Load() {
		t.Error("service did not observe shutdown")
	}
}

func TestTreeRestartsFailedService(t *testing.T) {
	cfg := DefaultTreeConfig()
	cfg.FailureBackoff = 10 * time.Millisecond

	tree := NewTree(logging.NewSlogLogger(), cfg)

	var runs atomic.Int32
	tree.AddDataService(NewService("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient crash")
		}
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := runs.Load(); got < 3 {
		t.Fatalf("expected at least 3 runs after restarts, got %d", got)
	}

	cancel()
	<-errCh
}

func TestLifecycleService(t *testing.T) {
	var started, stopped atomic.Bool
	svc := NewLifecycleService("component",
		func(ctx context.Context) error { started.Store(true); return nil },
		func(ctx context.Context) error { stopped.Store(true); return nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !started.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !started.Load() {
		t.Fatal("component never started")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("lifecycle service did not stop")
	}
	if !stopped.Load() {
		t.Error("shutdown hook never ran")
	}
}

func TestLifecycleServiceStartFailure(t *testing.T) {
	svc := NewLifecycleService("broken",
		func(ctx context.Context) error { return errors.New("bind failed") },
		func(ctx context.Context) error { return nil },
	)

	if err := svc.Serve(context.Background()); err == nil {
		t.Error("expected start failure to propagate")
	}
}
