// Package metrics exposes the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "perpsync",
		Name:      "refresh_duration_seconds",
		Help:      "End-to-end refresh duration by mode.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"mode"})

	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpsync",
		Name:      "refresh_total",
		Help:      "Refresh invocations by mode and outcome.",
	}, []string{"mode", "outcome"})

	UpsertRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpsync",
		Name:      "upsert_rows_total",
		Help:      "Bulk upsert rows by result (created, updated, error, invalid).",
	}, []string{"result"})

	GovernorAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpsync",
		Name:      "governor_admitted_total",
		Help:      "Token bucket admissions by category.",
	}, []string{"category"})

	GovernorQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpsync",
		Name:      "governor_queued_total",
		Help:      "Acquires that had to wait for a refill, by category.",
	}, []string{"category"})

	GovernorSuspensions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perpsync",
		Name:      "governor_suspensions_total",
		Help:      "Global rate-limit suspensions triggered by upstream 429s.",
	})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpsync",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perpsync",
		Name:      "response_cache_hits_total",
		Help:      "Response cache hits.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perpsync",
		Name:      "response_cache_misses_total",
		Help:      "Response cache misses.",
	})

	ExchangeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpsync",
		Name:      "exchange_calls_total",
		Help:      "Exchange REST calls by operation and outcome.",
	}, []string{"op", "outcome"})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpsync",
		Name:      "progress_subscribers",
		Help:      "Currently connected progress stream subscribers.",
	})

	StreamDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perpsync",
		Name:      "progress_events_dropped_total",
		Help:      "Progress events dropped due to slow subscribers.",
	})
)
