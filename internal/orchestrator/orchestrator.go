// Copyright 2025 James Ross

// Package orchestrator implements the Pipeline Orchestrator:
// StartSession/CancelSession, per-item/per-stage fan-out honoring the
// RequiresTranslation gate, and an internal completion listener that
// drives CompleteSessionIfDone from the Event Bus.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/config"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/eventbus"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/obs"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/queue"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"go.uber.org/zap"
)

// ItemInput is one menu item as submitted to StartSession, before any
// enrichment has run.
type ItemInput struct {
	JapaneseText string
	Category     string
}

// Enqueuer is the subset of stagepool.Pool the orchestrator needs, one
// per stage, keyed by stage name.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

type Orchestrator struct {
	store      *store.Store
	bus        *eventbus.Bus
	pools      map[string]Enqueuer
	stageCfg   map[string]config.StagePool
	chains     map[string]config.ProviderChain
	log        *zap.Logger

	mu        sync.RWMutex
	cancelled map[string]bool
}

func New(st *store.Store, bus *eventbus.Bus, pools map[string]Enqueuer, stageCfg map[string]config.StagePool, chains map[string]config.ProviderChain, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		bus:       bus,
		pools:     pools,
		stageCfg:  stageCfg,
		chains:    chains,
		log:       log,
		cancelled: make(map[string]bool),
	}
}

// ErrTooManyItems and ErrItemTextTooLong are validation errors raised
// before any session row is created.
type ErrTooManyItems struct{ Max int }

func (e *ErrTooManyItems) Error() string { return fmt.Sprintf("orchestrator: more than %d items in one session", e.Max) }

type ErrItemTextTooLong struct {
	Index int
	Max   int
}

func (e *ErrItemTextTooLong) Error() string {
	return fmt.Sprintf("orchestrator: item %d text exceeds %d characters", e.Index, e.Max)
}

// StartSession validates the request, creates the session and its
// items, and enqueues every stage task each item is eligible for right
// now — stages gated by RequiresTranslation wait for a
// translation-completed event instead of being enqueued immediately.
func (o *Orchestrator) StartSession(ctx context.Context, sessionCfg config.Session, items []ItemInput) (string, error) {
	if len(items) < 1 {
		return "", fmt.Errorf("%w: at least one item is required", store.ErrValidation)
	}
	if len(items) > sessionCfg.MaxItemsPerSession {
		return "", &ErrTooManyItems{Max: sessionCfg.MaxItemsPerSession}
	}
	for i, it := range items {
		n := utf8.RuneCountInString(it.JapaneseText)
		if n == 0 {
			return "", fmt.Errorf("%w: item %d text is empty", store.ErrValidation, i)
		}
		if n > sessionCfg.MaxItemTextLength {
			return "", &ErrItemTextTooLong{Index: i, Max: sessionCfg.MaxItemTextLength}
		}
	}

	sessionID := uuid.New().String()
	requiresTranslation := o.anyStageRequiresTranslation()

	storeItems := make([]store.MenuItem, len(items))
	for i, it := range items {
		storeItems[i] = store.MenuItem{ItemID: i, JapaneseText: it.JapaneseText, Category: it.Category}
	}

	if err := o.store.CreateSession(ctx, sessionID, requiresTranslation, storeItems); err != nil {
		return "", err
	}
	obs.SessionsStarted.Inc()

	for i, it := range items {
		for _, stage := range queue.Stages {
			if o.gatedByTranslation(string(stage)) {
				continue // enqueued later by the completion listener once translation finishes
			}
			if err := o.enqueueStage(ctx, sessionID, i, stage, it.JapaneseText); err != nil {
				o.log.Error("enqueue failed", obs.SessionID(sessionID), obs.ItemID(i), obs.Stage(string(stage)), obs.Err(err))
			}
		}
	}

	return sessionID, nil
}

func (o *Orchestrator) anyStageRequiresTranslation() bool {
	for _, chain := range o.chains {
		if chain.RequiresTranslation {
			return true
		}
	}
	return false
}

func (o *Orchestrator) gatedByTranslation(stage string) bool {
	if stage == "translation" {
		return false
	}
	chain, ok := o.chains[stage]
	return ok && chain.RequiresTranslation
}

func (o *Orchestrator) enqueueStage(ctx context.Context, sessionID string, itemID int, stage queue.Stage, japanese string) error {
	if o.isCancelled(sessionID) {
		return nil
	}
	cfg := o.stageCfg[string(stage)]
	pool, ok := o.pools[string(stage)]
	if !ok {
		return fmt.Errorf("orchestrator: no pool registered for stage %q", stage)
	}
	task := queue.NewTask(sessionID, itemID, stage, japanese, cfg.Timeout())
	return pool.Enqueue(ctx, task)
}

// CancelSession marks a session cancelled; tasks already dequeued by a
// worker still run to completion, but nothing further is enqueued for
// it and each stage pool drops its queued tasks at dequeue time via
// store.IsSessionCancelled.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) error {
	if err := o.store.CancelSession(ctx, sessionID); err != nil {
		return err
	}
	o.mu.Lock()
	o.cancelled[sessionID] = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) isCancelled(sessionID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cancelled[sessionID]
}

// RunCompletionListener subscribes to every session's events as they
// are published and, on every stage_completed/stage_failed event, (a)
// enqueues any translation-gated stages now unblocked and (b) checks
// whether the session as a whole is done.
func (o *Orchestrator) RunCompletionListener(ctx context.Context, ch <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			o.handleEvent(ctx, e)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, e store.Event) {
	switch e.Type {
	case "stage_completed", "stage_failed":
		// Translation gates allergen/ingredient regardless of whether it
		// succeeded or failed: a failed translation still unblocks the
		// gated stages (to run against the untranslated text) so the
		// session isn't stuck pending forever.
		if e.Stage != nil && *e.Stage == "translation" && e.ItemID != nil {
			o.unblockGatedStages(ctx, e.SessionID, *e.ItemID)
		}
		done, err := o.store.CompleteSessionIfDone(ctx, e.SessionID)
		if err != nil {
			o.log.Error("complete session check failed", obs.SessionID(e.SessionID), obs.Err(err))
			return
		}
		if done {
			obs.SessionsCompleted.Inc()
			o.bus.Publish(store.Event{SessionID: e.SessionID, Type: "session_completed"})
		}
	}
}

func (o *Orchestrator) unblockGatedStages(ctx context.Context, sessionID string, itemID int) {
	item, err := o.store.GetItem(ctx, sessionID, itemID)
	if err != nil {
		o.log.Error("lookup item for gated stages failed", obs.SessionID(sessionID), obs.ItemID(itemID), obs.Err(err))
		return
	}
	for _, stage := range queue.Stages {
		if stage == queue.StageTranslation || !o.gatedByTranslation(string(stage)) {
			continue
		}
		if err := o.enqueueStage(ctx, sessionID, itemID, stage, item.JapaneseText); err != nil {
			o.log.Error("enqueue gated stage failed", obs.SessionID(sessionID), obs.ItemID(itemID), obs.Stage(string(stage)), obs.Err(err))
		}
	}
}
