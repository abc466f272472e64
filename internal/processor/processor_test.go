// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/kestrelsec/trustflow/internal/models"
	"github.com/kestrelsec/trustflow/internal/policy"
	"github.com/kestrelsec/trustflow/internal/storage"
)

type stubScorer struct {
	mu       sync.Mutex
	failures int
	result   models.RiskResult
}

func (s *stubScorer) ComputeRisk(ctx context.Context, event *models.TelemetryEvent) (models.RiskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return models.RiskResult{}, errors.New("transient scoring failure")
	}
	return s.result, nil
}

// dlqAdapter narrows gochannel's variadic Publish to the
// DeadLetterPublisher signature.
type dlqAdapter struct {
	pubsub *gochannel.GoChannel
}

func (a dlqAdapter) Publish(topic string, msg *message.Message) error {
	return a.pubsub.Publish(topic, msg)
}

type testRig struct {
	pubsub    *gochannel.GoChannel
	db        *storage.Badger
	scorer    *stubScorer
	processor *Processor
	cancel    context.CancelFunc
	done      chan struct{}
}

func newTestRig(t *testing.T, scorer *stubScorer) *testRig {
	t.Helper()

	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	proc := New(pubsub, dlqAdapter{pubsub}, db, db, scorer, policy.NewEngine(db), Config{Concurrency: 4})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = proc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the subscription a moment to attach before tests publish.
	time.Sleep(50 * time.Millisecond)

	return &testRig{pubsub: pubsub, db: db, scorer: scorer, processor: proc, cancel: cancel, done: done}
}

func publishEvent(t *testing.T, rig *testRig, event *models.TelemetryEvent) {
	t.Helper()
	payload, err := models.NewSerializer().Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := rig.pubsub.Publish(DefaultTopic, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func validEvent(sessionID string, ts time.Time) *models.TelemetryEvent {
	return &models.TelemetryEvent{
		SessionID:      sessionID,
		UserID:         "alice",
		IP:             "198.51.100.1",
		KeystrokeSpeed: 55,
		MouseSpeed:     30,
		Timestamp:      ts,
	}
}

func TestProcessorScoresAndPersists(t *testing.T) {
	scorer := &stubScorer{result: models.RiskResult{
		TrustScore: 54,
		RiskLevel:  models.RiskMedium,
		Thresholds: models.ThresholdBand{Low: 70, Medium: 50, High: 30},
	}}
	rig := newTestRig(t, scorer)
	ctx := context.Background()

	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	publishEvent(t, rig, validEvent("sess-1", ts))

	waitFor(t, func() bool {
		sess, err := rig.db.Get(ctx, "sess-1")
		return err == nil && sess.TrustScore == 54
	}, "session never reached scored state")

	sess, err := rig.db.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.RiskLevel != models.RiskMedium {
		t.Errorf("expected medium risk, got %s", sess.RiskLevel)
	}
	if !sess.LastActivity.Equal(ts) {
		t.Errorf("expected last activity %v, got %v", ts, sess.LastActivity)
	}

	events, err := rig.db.ScanRange(ctx, ts.Add(-time.Minute), ts.Add(time.Minute))
	if err != nil {
		t.Fatalf("scan events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected one persisted event, got %d", len(events))
	}
}

func TestProcessorDuplicateDeliveryPersistsOnce(t *testing.T) {
	scorer := &stubScorer{result: models.RiskResult{TrustScore: 80, RiskLevel: models.RiskLow}}
	rig := newTestRig(t, scorer)
	ctx := context.Background()

	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	event := validEvent("sess-dup", ts)
	publishEvent(t, rig, event)
	publishEvent(t, rig, event)

	waitFor(t, func() bool {
		_, err := rig.db.Get(ctx, "sess-dup")
		return err == nil
	}, "session never created")

	// Both deliveries settle; the raw store must hold a single record.
	waitFor(t, func() bool {
		events, err := rig.db.ScanRange(ctx, ts.Add(-time.Minute), ts.Add(time.Minute))
		return err == nil && len(events) == 1
	}, "expected exactly one persisted event for duplicate delivery")
}

func TestProcessorRetriesOnPipelineError(t *testing.T) {
	scorer := &stubScorer{
		failures: 2,
		result:   models.RiskResult{TrustScore: 60, RiskLevel: models.RiskMedium},
	}
	rig := newTestRig(t, scorer)
	ctx := context.Background()

	publishEvent(t, rig, validEvent("sess-retry", time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)))

	// Nacked deliveries come back until the scorer recovers.
	waitFor(t, func() bool {
		sess, err := rig.db.Get(ctx, "sess-retry")
		return err == nil && sess.TrustScore == 60
	}, "event never succeeded after transient failures")
}

func TestProcessorDivertsMalformedToDeadLetter(t *testing.T) {
	scorer := &stubScorer{result: models.RiskResult{TrustScore: 80, RiskLevel: models.RiskLow}}
	rig := newTestRig(t, scorer)

	dlq, err := rig.pubsub.Subscribe(context.Background(), DefaultDeadLetterTopic)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}

	bad := message.NewMessage(watermill.NewUUID(), []byte(`{"user_id": "alice"}`))
	if err := rig.pubsub.Publish(DefaultTopic, bad); err != nil {
		t.Fatalf("publish malformed: %v", err)
	}

	select {
	case msg := <-dlq:
		msg.Ack()
		if msg.Metadata.Get("error") == "" {
			t.Error("expected error metadata on dead-letter message")
		}
		if got := msg.Metadata.Get("source_topic"); got != DefaultTopic {
			t.Errorf("expected source topic metadata, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("malformed message never reached dead-letter topic")
	}
}

func TestProcessorAppliesPolicyActions(t *testing.T) {
	scorer := &stubScorer{result: models.RiskResult{TrustScore: 25, RiskLevel: models.RiskHigh}}
	rig := newTestRig(t, scorer)
	ctx := context.Background()

	err := rig.db.Put(ctx, &models.PolicyRule{
		Name:      "block-critical",
		Condition: []byte(`{"trust_score": {"lt": 30}}`),
		Action:    models.ActionBlock,
		Priority:  1,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("put rule: %v", err)
	}

	publishEvent(t, rig, validEvent("sess-blocked", time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)))

	waitFor(t, func() bool {
		rules, err := rig.db.ListEnabled(ctx)
		return err == nil && len(rules) == 1 && rules[0].TriggerCount == 1
	}, "policy rule never triggered")
}

func TestProcessorSessionLastWriteWins(t *testing.T) {
	scorer := &stubScorer{result: models.RiskResult{TrustScore: 70, RiskLevel: models.RiskLow}}
	rig := newTestRig(t, scorer)
	ctx := context.Background()

	first := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	publishEvent(t, rig, validEvent("sess-lww", first))

	waitFor(t, func() bool {
		_, err := rig.db.Get(ctx, "sess-lww")
		return err == nil
	}, "session never created")

	second := first.Add(time.Minute)
	publishEvent(t, rig, validEvent("sess-lww", second))

	waitFor(t, func() bool {
		sess, err := rig.db.Get(ctx, "sess-lww")
		return err == nil && sess.LastActivity.Equal(second)
	}, "session never advanced to the later event")

	sess, err := rig.db.Get(ctx, "sess-lww")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.CreatedAt.Equal(first) {
		t.Errorf("expected creation time preserved at %v, got %v", first, sess.CreatedAt)
	}
}

func TestProcessorDrainsOnShutdown(t *testing.T) {
	scorer := &stubScorer{result: models.RiskResult{TrustScore: 80, RiskLevel: models.RiskLow}}
	rig := newTestRig(t, scorer)
	ctx := context.Background()

	publishEvent(t, rig, validEvent("sess-shutdown", time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)))

	waitFor(t, func() bool {
		_, err := rig.db.Get(ctx, "sess-shutdown")
		return err == nil
	}, "session never created")

	rig.cancel()
	select {
	case <-rig.done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not shut down")
	}
}
