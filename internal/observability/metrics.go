package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	scanOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "ingestion",
		Name:      "scan_outcomes_total",
		Help:      "Number of processed scans grouped by outcome.",
	}, []string{"outcome"})

	scanRetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "ingestion",
		Name:      "store_retries_total",
		Help:      "Number of retried store calls after a transient failure.",
	})

	activationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "activation",
		Name:      "transitions_total",
		Help:      "Number of activation requests grouped by kind and result.",
	}, []string{"kind", "result"})

	invariantCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "invariants",
		Name:      "violations_total",
		Help:      "Number of observed invariant violations. Should stay at zero.",
	}, []string{"invariant"})

	feedOverflowCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "feed",
		Name:      "subscriber_overflows_total",
		Help:      "Number of subscribers dropped to resync because their queue filled up.",
	})

	feedSubscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attendance",
		Subsystem: "feed",
		Name:      "subscribers",
		Help:      "Number of subscribers currently attached to the change feed.",
	})
)

func init() {
	prometheus.MustRegister(
		scanOutcomeCounter,
		scanRetryCounter,
		activationCounter,
		invariantCounter,
		feedOverflowCounter,
		feedSubscribersGauge,
	)
}

func RecordScanOutcome(outcome string) {
	scanOutcomeCounter.WithLabelValues(outcome).Inc()
}

func RecordScanRetry() {
	scanRetryCounter.Inc()
}

func RecordActivation(kind, result string) {
	activationCounter.WithLabelValues(kind, result).Inc()
}

func RecordInvariantViolation(invariant string) {
	invariantCounter.WithLabelValues(invariant).Inc()
}

func RecordFeedOverflow() {
	feedOverflowCounter.Inc()
}

func SetFeedSubscribers(n int) {
	feedSubscribersGauge.Set(float64(n))
}
