package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shielded",
		Subsystem: "p2p",
		Name:      "messages_received_total",
		Help:      "Gossip messages received from peers, by topic.",
	}, []string{"topic"})

	messagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shielded",
		Subsystem: "p2p",
		Name:      "messages_rejected_total",
		Help:      "Gossip messages a handler refused, by topic.",
	}, []string{"topic"})

	connectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shielded",
		Subsystem: "p2p",
		Name:      "peers",
		Help:      "Currently connected peers.",
	})
)
