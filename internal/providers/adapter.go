// Copyright 2025 James Ross
package providers

import (
	"context"
	"math/rand"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/breaker"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/obs"
	"go.uber.org/zap"
)

// Caller is the uniform shape every stage's provider is adapted to so
// a single generic Adapter can drive retry, breaker-gating and
// fallback over any of the six stage interfaces.
type Caller[In, Out any] interface {
	Name() string
	Call(ctx context.Context, in In) (Out, error)
}

// RetryPolicy controls the adapter's own retry/backoff, independent of
// any retry the worker pool performs around the whole task.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func backoffWithJitter(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempt)) * base
	if d > max || d < 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

// Adapter binds one stage to an ordered primary+fallback chain of
// providers, each gated by its own circuit breaker, with bounded
// retries and a context-enforced deadline independent of whatever
// timeout the provider itself honors.
type Adapter[In, Out any] struct {
	stage    string
	callers  []Caller[In, Out]
	breakers map[string]*breaker.CircuitBreaker
	retry    RetryPolicy
	timeout  time.Duration
	log      *zap.Logger
}

func NewAdapter[In, Out any](stage string, callers []Caller[In, Out], breakerCfg func() *breaker.CircuitBreaker, retry RetryPolicy, timeout time.Duration, log *zap.Logger) *Adapter[In, Out] {
	breakers := make(map[string]*breaker.CircuitBreaker, len(callers))
	for _, c := range callers {
		breakers[c.Name()] = breakerCfg()
	}
	return &Adapter[In, Out]{
		stage:    stage,
		callers:  callers,
		breakers: breakers,
		retry:    retry,
		timeout:  timeout,
		log:      log,
	}
}

// ErrAllProvidersUnavailable is returned when every provider in the
// chain was skipped because its breaker was open. When at least one
// provider was called and failed, Run returns that provider's error
// instead.
type ErrAllProvidersUnavailable struct {
	Stage string
}

func (e *ErrAllProvidersUnavailable) Error() string {
	return "all providers unavailable for stage " + e.Stage
}

// Run drives the fallback chain: for each provider (skipping ones
// whose breaker is open), retry up to MaxAttempts with backoff before
// falling through to the next provider. The bool return reports
// FallbackUsed: true iff the provider that produced the result (success
// or final error) was not callers[0].
func (a *Adapter[In, Out]) Run(ctx context.Context, in In) (Out, string, bool, error) {
	var zero Out
	var lastErr error
	var lastName string
	var lastFallback bool
	for idx, caller := range a.callers {
		cb := a.breakers[caller.Name()]
		if !cb.Allow() {
			continue
		}
		fallbackUsed := idx > 0
		if fallbackUsed {
			obs.ProviderFallbacks.WithLabelValues(a.stage).Inc()
		}
		out, err := a.callWithRetry(ctx, caller, in)
		ok := err == nil
		prev := cb.State()
		cb.Record(ok)
		curr := cb.State()
		obs.CircuitBreakerState.WithLabelValues(a.stage, caller.Name()).Set(obs.BreakerStateValue(curr.String()))
		if prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.WithLabelValues(a.stage, caller.Name()).Inc()
		}
		if ok {
			return out, caller.Name(), fallbackUsed, nil
		}
		lastErr = err
		lastName = caller.Name()
		lastFallback = fallbackUsed
		if !Fallthroughable(err) {
			return zero, caller.Name(), fallbackUsed, err
		}
	}
	if lastErr != nil {
		return zero, lastName, lastFallback, lastErr
	}
	return zero, "", false, &ErrAllProvidersUnavailable{Stage: a.stage}
}

func (a *Adapter[In, Out]) callWithRetry(ctx context.Context, caller Caller[In, Out], in In) (Out, error) {
	var zero Out
	var err error
	attempts := a.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		var out Out
		out, err = caller.Call(callCtx, in)
		cancel()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, &TimeoutError{Provider: caller.Name()}
		}
		if !Retryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}
		obs.ItemsRetried.WithLabelValues(a.stage).Inc()
		delay := backoffWithJitter(attempt, a.retry.BaseDelay, a.retry.MaxDelay)
		select {
		case <-ctx.Done():
			return zero, &TimeoutError{Provider: caller.Name()}
		case <-time.After(delay):
		}
	}
	return zero, err
}
