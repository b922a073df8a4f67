package submitter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "shielded"
	subsystem        = "submitter"
)

var (
	sendAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "send_attempts_total",
			Help:      "Total number of transaction send attempts.",
		},
	)

	sendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "send_failures_total",
			Help:      "Total number of transactions that could not be sent.",
		},
		[]string{"reason"},
	)

	confirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "confirmations_total",
			Help:      "Total number of confirm calls by final status.",
		},
		[]string{"status"},
	)

	pendingTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "pending_transactions",
			Help:      "Number of sent transactions awaiting confirmation.",
		},
	)
)
