package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "shielded"
	subsystem        = "indexer"
)

var (
	eventsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "events_fetched_total",
			Help:      "Total number of ledger events decoded.",
		},
	)

	eventsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "events_skipped_total",
			Help:      "Total number of malformed events skipped.",
		},
	)

	fetchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "fetch_retries_total",
			Help:      "Total number of retried event page fetches.",
		},
	)

	outputsDecrypted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "outputs_decrypted_total",
			Help:      "Total number of outputs opened by a session key.",
		},
	)

	checkpointSequence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "checkpoint_sequence",
			Help:      "Ledger sequence of the last applied event.",
		},
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent reconciling the event log against session keys.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
