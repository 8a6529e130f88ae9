// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	eventsAppendedCounter  *prometheus.CounterVec
	publishOutcomeCounter  *prometheus.CounterVec
	deadLettersCounter     prometheus.Counter
	claimLatencyMetric     prometheus.Histogram
	publishDurationMetric  prometheus.Histogram
	claimedBatchSizeMetric prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		eventsAppendedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_events_appended_total",
				Help: "Total number of event records appended, by relayability.",
			},
			[]string{"relayable"},
		)

		publishOutcomeCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_publish_attempts_total",
				Help: "Total number of bus publish attempts by outcome.",
			},
			[]string{"outcome"},
		)

		deadLettersCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbox_dead_letters_total",
				Help: "Total number of records that exhausted their attempt budget.",
			},
		)

		claimLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outbox_claim_latency_seconds",
				Help:    "Latency of dispatcher claim transactions in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		publishDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outbox_publish_duration_seconds",
				Help:    "Duration of individual bus publish calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		claimedBatchSizeMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outbox_claimed_batch_size",
				Help:    "Number of records claimed per dispatcher cycle.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		)

		prometheus.MustRegister(
			eventsAppendedCounter,
			publishOutcomeCounter,
			deadLettersCounter,
			claimLatencyMetric,
			publishDurationMetric,
			claimedBatchSizeMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, relayable := range []string{"true", "false"} {
			eventsAppendedCounter.WithLabelValues(relayable)
		}
		for _, outcome := range []string{"published", "failed", "released"} {
			publishOutcomeCounter.WithLabelValues(outcome)
		}
	})
}

func IncEventsAppended(relayable bool) {
	Init()
	if relayable {
		eventsAppendedCounter.WithLabelValues("true").Inc()
		return
	}
	eventsAppendedCounter.WithLabelValues("false").Inc()
}

func IncPublishOutcome(outcome string) {
	Init()
	publishOutcomeCounter.WithLabelValues(outcome).Inc()
}

func IncDeadLetters() {
	Init()
	deadLettersCounter.Inc()
}

func ObserveClaimLatency(d time.Duration) {
	Init()
	claimLatencyMetric.Observe(d.Seconds())
}

func ObservePublishDuration(d time.Duration) {
	Init()
	publishDurationMetric.Observe(d.Seconds())
}

func ObserveClaimedBatchSize(n int) {
	Init()
	claimedBatchSizeMetric.Observe(float64(n))
}
