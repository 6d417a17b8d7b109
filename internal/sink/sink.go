// Copyright 2025 James Ross

// Package sink implements the Result Sink: the single write path from
// stage workers back to the Session Store and Event Bus. Every stage
// worker calls into this package instead of writing to the store
// directly, so persistence and publication always happen together.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/eventbus"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/obs"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"go.uber.org/zap"
)

// PersistenceTransient marks a store error the sink itself should
// retry a bounded number of times before giving up and letting the
// reconciliation sweep correct the record later.
type PersistenceTransient struct {
	Cause error
}

func (e *PersistenceTransient) Error() string { return "sink: transient persistence error: " + e.Cause.Error() }
func (e *PersistenceTransient) Unwrap() error { return e.Cause }

type Sink struct {
	store       *store.Store
	bus         *eventbus.Bus
	log         *zap.Logger
	maxAttempts int
}

func New(st *store.Store, bus *eventbus.Bus, log *zap.Logger, maxAttempts int) *Sink {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Sink{store: st, bus: bus, log: log, maxAttempts: maxAttempts}
}

// SubmitProcessing records that a stage has started processing an
// item and publishes the corresponding event.
func (s *Sink) SubmitProcessing(ctx context.Context, sessionID string, itemID int, stage string) error {
	return s.withRetry(ctx, func() error {
		return s.store.MarkStageProcessing(ctx, sessionID, itemID, stage)
	}, func() {
		s.publish(sessionID, &itemID, &stage, "stage_processing", map[string]any{"item_id": itemID, "stage": stage})
	})
}

// SubmitSuccess persists a stage's output and publishes stage_completed.
func (s *Sink) SubmitSuccess(ctx context.Context, sessionID string, itemID int, stage string, output map[string]any, result store.StageResult) error {
	return s.withRetry(ctx, func() error {
		return s.store.RecordStageSuccess(ctx, sessionID, itemID, stage, output, result)
	}, func() {
		payload := map[string]any{
			"item_id": itemID, "stage": stage, "provider": result.Provider,
			"fallback_used": result.FallbackUsed, "elapsed_ms": result.Duration.Milliseconds(),
		}
		for k, v := range output {
			payload[k] = v
		}
		s.publish(sessionID, &itemID, &stage, "stage_completed", payload)
	})
}

// SubmitFailure persists a stage's terminal failure and publishes
// stage_failed.
func (s *Sink) SubmitFailure(ctx context.Context, sessionID string, itemID int, stage string, result store.StageResult) error {
	return s.withRetry(ctx, func() error {
		return s.store.RecordStageFailure(ctx, sessionID, itemID, stage, result)
	}, func() {
		s.publish(sessionID, &itemID, &stage, "stage_failed", map[string]any{
			"item_id": itemID, "stage": stage, "provider": result.Provider, "error": result.ErrorDetail,
			"fallback_used": result.FallbackUsed, "elapsed_ms": result.Duration.Milliseconds(),
		})
	})
}

func (s *Sink) withRetry(ctx context.Context, persist func() error, publish func()) error {
	var err error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err = persist()
		if err == nil {
			publish()
			return nil
		}
		if attempt < s.maxAttempts-1 {
			obs.SinkRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
			}
			continue
		}
	}
	if s.log != nil {
		s.log.Error("sink: dropping write after exhausting retries, relying on reconciliation", obs.Err(err))
	}
	return &PersistenceTransient{Cause: err}
}

func (s *Sink) publish(sessionID string, itemID *int, stage *string, eventType string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("sink: failed to marshal event payload", obs.Err(err))
		raw = nil
	}
	// EventID is left zero: this bus event is best-effort and carries no
	// authoritative ordering of its own. store.ListEventsSince is the
	// durable replay source a reconnecting SSE client actually trusts.
	s.bus.Publish(store.Event{
		SessionID: sessionID,
		ItemID:    itemID,
		Stage:     stage,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: time.Now(),
	})
}
