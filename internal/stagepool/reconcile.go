// Copyright 2025 James Ross
package stagepool

import (
	"context"
	"strings"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/obs"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/queue"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reconciler periodically scans every stage's processing lists for
// tasks whose worker has stopped heartbeating, and either requeues
// them (if their retry budget allows) or records them as a Timeout
// failure through the sink.
type Reconciler struct {
	rdb      *redis.Client
	sink     ResultWriter
	log      *zap.Logger
	interval time.Duration
	stages   []string
}

func NewReconciler(rdb *redis.Client, sink ResultWriter, stages []string, interval time.Duration, log *zap.Logger) *Reconciler {
	return &Reconciler{rdb: rdb, sink: sink, stages: stages, interval: interval, log: log}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stage := range r.stages {
				r.scanStage(ctx, stage)
			}
		}
	}
}

func (r *Reconciler) scanStage(ctx context.Context, stage string) {
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, processingListPattern(stage), 100).Result()
		if err != nil {
			r.log.Warn("reconcile scan error", obs.Stage(stage), obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			workerID := workerIDFromProcessingKey(plist)
			if workerID == "" {
				continue
			}
			hbKey := heartbeatKey(stage, workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue
			}
			r.drainAbandoned(ctx, stage, plist)
		}
		if cursor == 0 {
			return
		}
	}
}

func (r *Reconciler) drainAbandoned(ctx context.Context, stage, procList string) {
	for {
		payload, err := r.rdb.RPop(ctx, procList).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			r.log.Warn("reconcile rpop error", obs.Stage(stage), obs.Err(err))
			return
		}
		task, err := queue.UnmarshalTask(payload)
		if err != nil {
			continue
		}
		task.AttemptCount++
		if task.AttemptCount <= maxReconcileRetries && !task.Expired() {
			payload2, marshalErr := task.Marshal()
			if marshalErr == nil {
				if err := r.rdb.LPush(ctx, queueKey(stage), payload2).Err(); err == nil {
					obs.ReconciledRecovered.Inc()
					r.log.Warn("requeued abandoned stage task", obs.Stage(stage), obs.Int("item_id", task.ItemID))
					continue
				}
			}
		}
		result := store.StageResult{Provider: "", AttemptCount: task.AttemptCount, ErrorClass: "timeout", ErrorDetail: "worker heartbeat expired"}
		if err := r.sink.SubmitFailure(ctx, task.SessionID, task.ItemID, stage, result); err != nil {
			r.log.Error("reconcile submit failure error", obs.Stage(stage), obs.Err(err))
		}
	}
}

// maxReconcileRetries bounds how many times the reconciler itself will
// requeue an abandoned task, independent of the worker pool's own
// retry counting, since an abandoned task may already be mid-retry.
const maxReconcileRetries = 3

// workerIDFromProcessingKey extracts <id> from
// "menusense:stage:<stage>:worker:<id>:processing".
func workerIDFromProcessingKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 6 {
		return ""
	}
	return parts[4]
}
