// Copyright 2025 James Ross

// Package eventbus implements the in-process pub/sub used to fan a
// session's events out to live SSE subscribers. It is not the
// durability mechanism: the Session Store's session_events log is —
// this bus only forwards to whoever happens to be listening right now,
// and never blocks a publisher on a slow subscriber.
package eventbus

import (
	"sync"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/obs"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
)

const subscriberBuffer = 100

// Bus fans out events per session. Each session gets its own set of
// subscriber channels so a quiet session's subscribers never see
// another session's traffic.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string][]chan store.Event
	allSubscribers []chan store.Event
}

func New() *Bus {
	return &Bus{subscribers: make(map[string][]chan store.Event)}
}

// SubscribeAll registers a listener that receives every event
// published on the bus regardless of session. It is used internally by
// the Pipeline Orchestrator's completion listener, not by SSE clients.
func (b *Bus) SubscribeAll() <-chan store.Event {
	ch := make(chan store.Event, subscriberBuffer*4)
	b.mu.Lock()
	b.allSubscribers = append(b.allSubscribers, ch)
	b.mu.Unlock()
	return ch
}

// Subscribe registers a new listener for a session's events. Callers
// must Unsubscribe when done to avoid leaking the channel.
func (b *Bus) Subscribe(sessionID string) <-chan store.Event {
	ch := make(chan store.Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[sessionID] = append(b.subscribers[sessionID], ch)
	obs.EventBusSubscribers.Inc()
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (b *Bus) Unsubscribe(sessionID string, ch <-chan store.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sessionID]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			obs.EventBusSubscribers.Dec()
			return
		}
	}
}

// Publish delivers an event to every current subscriber of its
// session. A subscriber whose buffer is full is skipped rather than
// blocking the publisher — the Session Store's event log remains the
// durable record for anyone who missed it.
func (b *Bus) Publish(e store.Event) {
	b.mu.RLock()
	subs := make([]chan store.Event, len(b.subscribers[e.SessionID]))
	copy(subs, b.subscribers[e.SessionID])
	all := make([]chan store.Event, len(b.allSubscribers))
	copy(all, b.allSubscribers)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range all {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount reports how many live subscribers a session has,
// mainly for tests and diagnostics.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// Close closes every subscriber channel across every session.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sessionID, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
			obs.EventBusSubscribers.Dec()
		}
		delete(b.subscribers, sessionID)
	}
	for _, ch := range b.allSubscribers {
		close(ch)
	}
	b.allSubscribers = nil
}
