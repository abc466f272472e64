// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package supervisor

import (
	"context"
	"time"
)

// Service adapts a run function to suture's Serve contract. The function
// must block until its context is canceled and return the reason it stopped.
type Service struct {
	name string
	run  func(ctx context.Context) error
}

// NewService wraps a blocking run function as a supervised service.
func NewService(name string, run func(ctx context.Context) error) *Service {
	return &Service{name: name, run: run}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	return s.run(ctx)
}

// String names the service in supervision logs.
func (s *Service) String() string {
	return s.name
}

// LifecycleService adapts a Start/Shutdown component to suture's Serve
// contract: start, block on the context, shut down with a fresh timeout.
type LifecycleService struct {
	name            string
	start           func(ctx context.Context) error
	shutdown        func(ctx context.Context) error
	shutdownTimeout time.Duration
}

// NewLifecycleService wraps a start/shutdown pair as a supervised service.
func NewLifecycleService(name string, start, shutdown func(ctx context.Context) error) *LifecycleService {
	return &LifecycleService{
		name:            name,
		start:           start,
		shutdown:        shutdown,
		shutdownTimeout: 10 * time.Second,
	}
}

// Serve implements suture.Service.
func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	// The original context is already canceled; shutdown gets its own.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// String names the service in supervision logs.
func (s *LifecycleService) String() string {
	return s.name
}
