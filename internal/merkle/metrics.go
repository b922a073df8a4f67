package merkle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "shielded"
	subsystem        = "merkle"
)

var (
	leavesInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "leaves_inserted_total",
			Help:      "Total number of leaves appended to tree replicas.",
		},
	)

	rebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "rebuilds_total",
			Help:      "Total number of full replica rebuilds from the leaf list.",
		},
	)

	rootMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "root_mismatches_total",
			Help:      "Total number of replica roots that diverged from the ledger.",
		},
	)
)
