// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ItemsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_tasks_enqueued_total",
		Help: "Total number of stage tasks enqueued",
	}, []string{"stage"})
	ItemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_tasks_processed_total",
		Help: "Total number of stage tasks that finished processing (success or failure)",
	}, []string{"stage", "outcome"})
	ItemsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_tasks_retried_total",
		Help: "Total number of stage retries, both adapter-level provider retries and worker-level task requeues",
	}, []string{"stage"})
	QueueRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_queue_rejected_total",
		Help: "Total number of enqueue attempts rejected due to a full queue",
	}, []string{"stage"})
	StageProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stage_processing_duration_seconds",
		Help:    "Histogram of per-stage processing durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stage_queue_length",
		Help: "Current length of a stage's Redis queue",
	}, []string{"stage"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "provider_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"stage", "provider"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_circuit_breaker_trips_total",
		Help: "Count of times a provider's circuit breaker transitioned to Open",
	}, []string{"stage", "provider"})
	ProviderFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_fallback_total",
		Help: "Count of times an adapter fell through to a fallback provider",
	}, []string{"stage"})
	ReconciledRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_recovered_total",
		Help: "Total number of tasks recovered by the reconciliation sweep from stuck processing lists",
	})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stage_worker_active",
		Help: "Number of active worker goroutines per stage",
	}, []string{"stage"})
	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_started_total",
		Help: "Total number of sessions started",
	})
	SessionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_completed_total",
		Help: "Total number of sessions that reached a terminal state",
	})
	EventBusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_bus_subscribers",
		Help: "Current number of active event bus subscribers",
	})
	SinkRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sink_persist_retries_total",
		Help: "Total number of result sink persistence retries",
	})
)

func init() {
	prometheus.MustRegister(
		ItemsEnqueued, ItemsProcessed, ItemsRetried, QueueRejected,
		StageProcessingDuration, QueueLength, CircuitBreakerState,
		CircuitBreakerTrips, ProviderFallbacks, ReconciledRecovered,
		WorkerActive, SessionsStarted, SessionsCompleted,
		EventBusSubscribers, SinkRetries,
	)
}

// BreakerStateValue maps a breaker state label to the gauge value used
// by CircuitBreakerState.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
