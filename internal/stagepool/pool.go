// Copyright 2025 James Ross
package stagepool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/config"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/obs"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/providers"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/queue"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Enqueue when a stage's queue has reached
// its configured max depth; callers (the orchestrator, ultimately the
// HTTP API) translate this into a 429.
var ErrQueueFull = errors.New("stagepool: queue full")

const brPopTimeout = 2 * time.Second

// Processor runs one attempt of a task against its stage's provider
// chain (primary + fallbacks, breaker-gated, retried internally per
// providers.Adapter's own policy) and returns the stage output on
// success. It does not decide whether to retry the task as a whole or
// persist a terminal failure — that is the Pool's job, which is why
// Processor and ResultWriter are separate.
type Processor interface {
	Attempt(ctx context.Context, task queue.Task) (output map[string]any, provider string, fallbackUsed bool, err error)
}

// ResultWriter is the subset of sink.Sink the pool needs to record a
// task's processing/success/failure without this package importing
// the sink package's concrete type (avoiding an import cycle is not
// the issue; keeping the pool's dependency surface to exactly what it
// uses is).
type ResultWriter interface {
	SubmitProcessing(ctx context.Context, sessionID string, itemID int, stage string) error
	SubmitSuccess(ctx context.Context, sessionID string, itemID int, stage string, output map[string]any, result store.StageResult) error
	SubmitFailure(ctx context.Context, sessionID string, itemID int, stage string, result store.StageResult) error
}

// CancellationChecker reports whether a session has already been
// cancelled, so the pool can drop a task dequeued after the fact
// instead of running it to completion.
type CancellationChecker interface {
	IsSessionCancelled(ctx context.Context, sessionID string) (bool, error)
}

// Pool runs one stage's bounded queue and its worker goroutines.
type Pool struct {
	stage   string
	rdb     *redis.Client
	cfg     config.StagePool
	proc    Processor
	sink    ResultWriter
	cancels CancellationChecker
	log     *zap.Logger
	baseID  string
}

func New(stage string, rdb *redis.Client, cfg config.StagePool, proc Processor, sink ResultWriter, cancels CancellationChecker, log *zap.Logger) *Pool {
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%s-%d", stage, host, os.Getpid())
	return &Pool{stage: stage, rdb: rdb, cfg: cfg, proc: proc, sink: sink, cancels: cancels, log: log, baseID: base}
}

// Enqueue pushes a task onto the stage's queue, rejecting it with
// ErrQueueFull once queue_max_depth is reached.
func (p *Pool) Enqueue(ctx context.Context, task queue.Task) error {
	key := queueKey(p.stage)
	n, err := p.rdb.LLen(ctx, key).Result()
	if err != nil {
		return err
	}
	if int(n) >= p.cfg.QueueMaxDepth {
		obs.QueueRejected.WithLabelValues(p.stage).Inc()
		return ErrQueueFull
	}
	payload, err := task.Marshal()
	if err != nil {
		return err
	}
	if err := p.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return err
	}
	obs.ItemsEnqueued.WithLabelValues(p.stage).Inc()
	return nil
}

// Run starts cfg.Concurrency worker goroutines and blocks until ctx is
// cancelled and all of them have exited.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", p.baseID, i)
		go func() {
			defer wg.Done()
			obs.WorkerActive.WithLabelValues(p.stage).Inc()
			defer obs.WorkerActive.WithLabelValues(p.stage).Dec()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	queueK := queueKey(p.stage)
	procList := processingListKey(p.stage, workerID)
	hbKey := heartbeatKey(p.stage, workerID)

	for ctx.Err() == nil {
		payload, err := p.rdb.BRPopLPush(ctx, queueK, procList, brPopTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("brpoplpush error", obs.Stage(p.stage), obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		heartbeatTTL := p.cfg.Timeout() + p.cfg.RetryDelay + 5*time.Second
		_ = p.rdb.Set(ctx, hbKey, payload, heartbeatTTL).Err()

		start := time.Now()
		p.processOne(ctx, queueK, procList, hbKey, payload)
		obs.StageProcessingDuration.WithLabelValues(p.stage).Observe(time.Since(start).Seconds())
	}
}

func (p *Pool) processOne(ctx context.Context, queueK, procList, hbKey, payload string) {
	task, err := queue.UnmarshalTask(payload)
	if err != nil {
		p.log.Error("invalid task payload", obs.Stage(p.stage), obs.Err(err))
		_ = p.rdb.LRem(ctx, procList, 1, payload).Err()
		_ = p.rdb.Del(ctx, hbKey).Err()
		return
	}

	if cancelled, err := p.cancels.IsSessionCancelled(ctx, task.SessionID); err != nil {
		p.log.Warn("cancellation check failed", obs.Stage(p.stage), obs.SessionID(task.SessionID), obs.Err(err))
	} else if cancelled {
		obs.ItemsProcessed.WithLabelValues(p.stage, "cancelled").Inc()
		p.log.Info("dropping task for cancelled session", obs.Stage(p.stage), obs.SessionID(task.SessionID), obs.Int("item_id", task.ItemID))
		_ = p.rdb.LRem(ctx, procList, 1, payload).Err()
		_ = p.rdb.Del(ctx, hbKey).Err()
		return
	}

	if err := p.sink.SubmitProcessing(ctx, task.SessionID, task.ItemID, string(task.Stage)); err != nil {
		p.log.Warn("submit processing failed", obs.Stage(p.stage), obs.Err(err))
	}

	start := time.Now()
	attemptCtx, cancelAttempt := context.WithDeadline(ctx, task.Deadline)
	output, provider, fallbackUsed, attemptErr := p.proc.Attempt(attemptCtx, task)
	cancelAttempt()
	duration := time.Since(start)
	task.AttemptCount++

	_ = p.rdb.LRem(ctx, procList, 1, payload).Err()
	_ = p.rdb.Del(ctx, hbKey).Err()

	if attemptErr == nil {
		obs.ItemsProcessed.WithLabelValues(p.stage, "success").Inc()
		result := store.StageResult{Provider: provider, FallbackUsed: fallbackUsed, AttemptCount: task.AttemptCount, Duration: duration}
		if err := p.sink.SubmitSuccess(ctx, task.SessionID, task.ItemID, string(task.Stage), output, result); err != nil {
			p.log.Error("submit success failed", obs.Stage(p.stage), obs.Err(err))
		}
		return
	}

	if providers.Retryable(attemptErr) && task.AttemptCount <= p.cfg.MaxRetries && !task.Expired() {
		obs.ItemsRetried.WithLabelValues(p.stage).Inc()
		p.log.Warn("stage task retried", obs.Stage(p.stage), obs.Int("item_id", task.ItemID), obs.Int("attempt", task.AttemptCount), obs.Err(attemptErr))
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RetryDelay):
		}
		payload2, marshalErr := task.Marshal()
		if marshalErr == nil {
			_ = p.rdb.LPush(ctx, queueK, payload2).Err()
		}
		return
	}

	obs.ItemsProcessed.WithLabelValues(p.stage, "failure").Inc()
	p.log.Error("stage task exhausted retries", obs.Stage(p.stage), obs.Int("item_id", task.ItemID), obs.Err(attemptErr))
	result := store.StageResult{
		Provider: provider, FallbackUsed: fallbackUsed, AttemptCount: task.AttemptCount, Duration: duration,
		ErrorClass: providers.ClassifyError(attemptErr), ErrorDetail: attemptErr.Error(),
	}
	if err := p.sink.SubmitFailure(ctx, task.SessionID, task.ItemID, string(task.Stage), result); err != nil {
		p.log.Error("submit failure failed", obs.Stage(p.stage), obs.Err(err))
	}
}
