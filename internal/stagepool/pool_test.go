// Copyright 2025 James Ross
package stagepool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/config"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/providers"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/queue"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

type fakeProcessor struct {
	fn func(ctx context.Context, task queue.Task) (map[string]any, string, error)
}

func (f fakeProcessor) Attempt(ctx context.Context, task queue.Task) (map[string]any, string, bool, error) {
	out, provider, err := f.fn(ctx, task)
	return out, provider, false, err
}

type fakeCancellationChecker struct {
	cancelled map[string]bool
}

func (f fakeCancellationChecker) IsSessionCancelled(ctx context.Context, sessionID string) (bool, error) {
	return f.cancelled[sessionID], nil
}

type fakeSink struct {
	processingCalls int
	successCalls    int
	failureCalls    int
}

func (f *fakeSink) SubmitProcessing(ctx context.Context, sessionID string, itemID int, stage string) error {
	f.processingCalls++
	return nil
}
func (f *fakeSink) SubmitSuccess(ctx context.Context, sessionID string, itemID int, stage string, output map[string]any, result store.StageResult) error {
	f.successCalls++
	return nil
}
func (f *fakeSink) SubmitFailure(ctx context.Context, sessionID string, itemID int, stage string, result store.StageResult) error {
	f.failureCalls++
	return nil
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	rdb := newTestRedis(t)
	cfg := config.StagePool{Concurrency: 1, TimeoutMS: 1000, QueueMaxDepth: 1, RetryDelay: time.Millisecond}
	pool := New("translation", rdb, cfg, nil, nil, fakeCancellationChecker{}, zap.NewNop())

	task := queue.NewTask("sess-1", 1, queue.StageTranslation, "寿司", time.Minute)
	if err := pool.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("unexpected error on first enqueue: %v", err)
	}
	if err := pool.Enqueue(context.Background(), task); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestWorkerProcessesTaskSuccessfully(t *testing.T) {
	rdb := newTestRedis(t)
	cfg := config.StagePool{Concurrency: 1, TimeoutMS: 1000, QueueMaxDepth: 10, RetryDelay: time.Millisecond, MaxRetries: 1}
	sink := &fakeSink{}
	proc := fakeProcessor{fn: func(ctx context.Context, task queue.Task) (map[string]any, string, error) {
		return map[string]any{"english_text": "sushi"}, "stub_translate", nil
	}}
	pool := New("translation", rdb, cfg, proc, sink, fakeCancellationChecker{}, zap.NewNop())

	task := queue.NewTask("sess-1", 1, queue.StageTranslation, "寿司", time.Minute)
	if err := pool.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	if sink.successCalls != 1 {
		t.Fatalf("expected 1 success call, got %d", sink.successCalls)
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	rdb := newTestRedis(t)
	cfg := config.StagePool{Concurrency: 1, TimeoutMS: 1000, QueueMaxDepth: 10, RetryDelay: time.Millisecond, MaxRetries: 1}
	sink := &fakeSink{}
	proc := fakeProcessor{fn: func(ctx context.Context, task queue.Task) (map[string]any, string, error) {
		return nil, "stub_translate", &providers.TransientError{Provider: "stub_translate", Cause: errors.New("boom")}
	}}
	pool := New("translation", rdb, cfg, proc, sink, fakeCancellationChecker{}, zap.NewNop())

	task := queue.NewTask("sess-1", 1, queue.StageTranslation, "寿司", time.Minute)
	if err := pool.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pool.Run(ctx)

	if sink.failureCalls != 1 {
		t.Fatalf("expected 1 terminal failure call, got %d", sink.failureCalls)
	}
}

func TestWorkerDropsTaskForCancelledSession(t *testing.T) {
	rdb := newTestRedis(t)
	cfg := config.StagePool{Concurrency: 1, TimeoutMS: 1000, QueueMaxDepth: 10, RetryDelay: time.Millisecond, MaxRetries: 1}
	sink := &fakeSink{}
	proc := fakeProcessor{fn: func(ctx context.Context, task queue.Task) (map[string]any, string, error) {
		return map[string]any{"english_text": "sushi"}, "stub_translate", nil
	}}
	cancels := fakeCancellationChecker{cancelled: map[string]bool{"sess-1": true}}
	pool := New("translation", rdb, cfg, proc, sink, cancels, zap.NewNop())

	task := queue.NewTask("sess-1", 1, queue.StageTranslation, "寿司", time.Minute)
	if err := pool.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	if sink.successCalls != 0 || sink.failureCalls != 0 {
		t.Fatalf("expected task dropped with no sink calls, got %d success, %d failure", sink.successCalls, sink.failureCalls)
	}
}
