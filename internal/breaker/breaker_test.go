// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"
)

func TestBreakerTransitions(t *testing.T) {
	cb := New(2*time.Second, 200*time.Millisecond, 0.5, 2)
	if cb.State() != Closed {
		t.Fatal("expected closed")
	}
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open")
	}
	if cb.Allow() {
		t.Fatal("should not allow until cooldown")
	}
	time.Sleep(250 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe in half-open")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatal("expected closed after probe success")
	}
}

func TestBreakerOnlyOneHalfOpenProbe(t *testing.T) {
	cb := New(time.Second, 50*time.Millisecond, 0.5, 1)
	cb.Record(false)
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected first half-open probe to be allowed")
	}
	if cb.Allow() {
		t.Fatal("expected second concurrent probe to be rejected")
	}
}

func TestBreakerStaysClosedBelowMinSamples(t *testing.T) {
	cb := New(time.Minute, time.Second, 0.1, 10)
	for i := 0; i < 5; i++ {
		cb.Record(false)
	}
	if cb.State() != Closed {
		t.Fatal("expected breaker to stay closed below min sample threshold")
	}
}

func TestBreakerStringer(t *testing.T) {
	if Closed.String() != "closed" || HalfOpen.String() != "half_open" || Open.String() != "open" {
		t.Fatal("unexpected state label")
	}
}
