// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

// Package processor consumes telemetry events from the message queue and
// drives the per-event scoring pipeline.
//
// Delivery is at-least-once: a message is acked only after the full pipeline
// has succeeded, so every failure path ends in redelivery. The pipeline is
// idempotent end to end (raw persist deduplicates on the event's natural key,
// session state is last-write-wins), which makes redelivery safe. Malformed
// payloads can never succeed, so they are diverted to a dead-letter topic and
// acked instead of poisoning the consumer.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/semaphore"

	"github.com/kestrelsec/trustflow/internal/logging"
	"github.com/kestrelsec/trustflow/internal/metrics"
	"github.com/kestrelsec/trustflow/internal/models"
	"github.com/kestrelsec/trustflow/internal/policy"
	"github.com/kestrelsec/trustflow/internal/storage"
)

// Scorer computes risk for one event.
type Scorer interface {
	ComputeRisk(ctx context.Context, event *models.TelemetryEvent) (models.RiskResult, error)
}

// DeadLetterPublisher publishes messages the pipeline cannot process.
type DeadLetterPublisher interface {
	Publish(topic string, msg *message.Message) error
}

// Config configures the processor.
type Config struct {
	Topic           string
	DeadLetterTopic string

	// Concurrency bounds in-flight pipelines. Messages beyond the bound
	// wait in the subscriber until a slot frees.
	Concurrency int64
}

// Processor runs the scoring pipeline over a message subscription.
type Processor struct {
	subscriber message.Subscriber
	deadLetter DeadLetterPublisher
	serializer *models.Serializer
	events     storage.EventStore
	sessions   storage.SessionStore
	scorer     Scorer
	policies   *policy.Engine

	topic       string
	dlqTopic    string
	concurrency int64
	sem         *semaphore.Weighted
}

// New wires the processor. deadLetter may be nil, in which case malformed
// payloads are dropped with a log line instead of diverted.
func New(subscriber message.Subscriber, deadLetter DeadLetterPublisher, events storage.EventStore, sessions storage.SessionStore, scorer Scorer, policies *policy.Engine, cfg Config) *Processor {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultDeadLetterTopic
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Processor{
		subscriber:  subscriber,
		deadLetter:  deadLetter,
		serializer:  models.NewSerializer(),
		events:      events,
		sessions:    sessions,
		scorer:      scorer,
		policies:    policies,
		topic:       cfg.Topic,
		dlqTopic:    cfg.DeadLetterTopic,
		concurrency: cfg.Concurrency,
		sem:         semaphore.NewWeighted(cfg.Concurrency),
	}
}

// Run consumes messages until the context is canceled or the subscription
// closes. Shutdown is cooperative: admission stops first, then Run blocks
// until every in-flight pipeline has finished.
func (p *Processor) Run(ctx context.Context) error {
	messages, err := p.subscriber.Subscribe(ctx, p.topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", p.topic, err)
	}

	logging.Info().
		Str("topic", p.topic).
		Str("dlq_topic", p.dlqTopic).
		Msg("Processor started")

	// In-flight handlers must outlive ctx so a shutdown drains instead of
	// aborting mid-pipeline.
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			p.drain(handlerCtx)
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				p.drain(handlerCtx)
				return nil
			}
			if err := p.sem.Acquire(ctx, 1); err != nil {
				msg.Nack()
				p.drain(handlerCtx)
				return err
			}
			go func(msg *message.Message) {
				defer p.sem.Release(1)
				p.handle(handlerCtx, msg)
			}(msg)
		}
	}
}

// drain waits for all in-flight pipelines by taking the whole semaphore.
func (p *Processor) drain(ctx context.Context) {
	_ = p.sem.Acquire(ctx, p.concurrency)
}

// handle runs the full pipeline for one message and settles it.
func (p *Processor) handle(ctx context.Context, msg *message.Message) {
	metrics.EventsInFlight.Inc()
	defer metrics.EventsInFlight.Dec()

	// Each message gets its own correlation ID so pipeline log lines can be
	// stitched together across packages.
	ctx = logging.ContextWithNewCorrelationID(ctx)

	event, err := p.serializer.Unmarshal(msg.Payload)
	if err != nil {
		p.divertMalformed(msg, err)
		return
	}

	if err := p.process(ctx, event); err != nil {
		logging.Ctx(ctx).Error().
			Err(err).
			Str("message_uuid", msg.UUID).
			Str("session_id", event.SessionID).
			Msg("Pipeline failed, message will be redelivered")
		msg.Nack()
		return
	}

	metrics.EventsProcessed.Inc()
	msg.Ack()
}

// process is the per-event pipeline: persist, score, update session, apply
// policy. Every step must succeed before the message is acked.
func (p *Processor) process(ctx context.Context, event *models.TelemetryEvent) error {
	inserted, err := p.events.InsertIdempotent(ctx, event)
	if err != nil {
		metrics.EventsFailed.WithLabelValues("persist").Inc()
		return fmt.Errorf("persist event: %w", err)
	}
	if !inserted {
		metrics.EventsDuplicate.Inc()
		logging.Ctx(ctx).Debug().
			Str("session_id", event.SessionID).
			Time("timestamp", event.Timestamp).
			Msg("Duplicate event, rescoring for convergence")
	}

	result, err := p.scorer.ComputeRisk(ctx, event)
	if err != nil {
		metrics.EventsFailed.WithLabelValues("score").Inc()
		return fmt.Errorf("compute risk: %w", err)
	}

	if err := p.updateSession(ctx, event, &result); err != nil {
		metrics.EventsFailed.WithLabelValues("session").Inc()
		return fmt.Errorf("update session: %w", err)
	}

	actions, err := p.policies.Evaluate(ctx, policy.ScoringInput(event, &result))
	if err != nil {
		metrics.EventsFailed.WithLabelValues("policy").Inc()
		return fmt.Errorf("evaluate policy: %w", err)
	}
	for _, action := range actions {
		logging.Ctx(ctx).Info().
			Str("session_id", event.SessionID).
			Str("user_id", event.UserID).
			Str("action", action.Action).
			Str("rule", action.RuleName).
			Float64("trust_score", result.TrustScore).
			Msg("Policy action fired")
	}

	return nil
}

// updateSession creates the session on first sight and otherwise overwrites
// trust state last-write-wins, preserving the original creation time.
func (p *Processor) updateSession(ctx context.Context, event *models.TelemetryEvent, result *models.RiskResult) error {
	createdAt := event.Timestamp
	if existing, err := p.sessions.Get(ctx, event.SessionID); err == nil {
		createdAt = existing.CreatedAt
	} else if !errors.Is(err, storage.ErrSessionNotFound) {
		return err
	}

	return p.sessions.Upsert(ctx, &models.Session{
		ID:           event.SessionID,
		UserID:       event.UserID,
		IP:           event.IP,
		Device:       event.Device,
		TrustScore:   result.TrustScore,
		RiskLevel:    result.RiskLevel,
		CreatedAt:    createdAt,
		LastActivity: event.Timestamp,
	})
}

// divertMalformed publishes the payload to the dead-letter topic and acks.
// When the divert itself fails the message is nacked so redelivery retries
// the publish rather than dropping the payload.
func (p *Processor) divertMalformed(msg *message.Message, cause error) {
	metrics.EventsMalformed.Inc()

	if p.deadLetter == nil {
		logging.Error().
			Err(cause).
			Str("message_uuid", msg.UUID).
			Msg("Malformed event dropped, no dead-letter publisher")
		msg.Ack()
		return
	}

	dlqMsg := message.NewMessage(msg.UUID, msg.Payload)
	dlqMsg.Metadata.Set("error", cause.Error())
	dlqMsg.Metadata.Set("source_topic", p.topic)

	if err := p.deadLetter.Publish(p.dlqTopic, dlqMsg); err != nil {
		logging.Error().
			Err(err).
			Str("message_uuid", msg.UUID).
			Msg("Dead-letter publish failed, message will be redelivered")
		msg.Nack()
		return
	}

	logging.Warn().
		Err(cause).
		Str("message_uuid", msg.UUID).
		Msg("Malformed event diverted to dead-letter topic")
	msg.Ack()
}
