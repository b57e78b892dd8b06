package raftnode

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	proposalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvraft",
		Subsystem: "node",
		Name:      "proposals_total",
		Help:      "Proposals handled by the driver, by kind and result",
	}, []string{"kind", "result"})

	appliedEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvraft",
		Subsystem: "node",
		Name:      "applied_entries_total",
		Help:      "Committed entries processed, by type",
	}, []string{"type"})

	readyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvraft",
		Subsystem: "node",
		Name:      "ready_duration_seconds",
		Help:      "Time spent processing one ready batch",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	isLeaderGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvraft",
		Subsystem: "node",
		Name:      "is_leader",
		Help:      "1 if this node is the leader, else 0",
	}, []string{"node_id"})

	pendingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvraft",
		Subsystem: "node",
		Name:      "pending_callbacks",
		Help:      "Requests waiting for their entry to commit",
	}, []string{"node_id"})

	peersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvraft",
		Subsystem: "peer",
		Name:      "connections",
		Help:      "Open outbound peer connections",
	}, []string{"node_id"})

	gossipAdoptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvraft",
		Subsystem: "peer",
		Name:      "gossip_adopted_total",
		Help:      "Address entries adopted from gossip",
	})

	sentMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvraft",
		Subsystem: "dispatch",
		Name:      "sent_total",
		Help:      "Messages sent to peers, by kind",
	}, []string{"kind"})

	droppedMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvraft",
		Subsystem: "dispatch",
		Name:      "dropped_total",
		Help:      "Outbound messages dropped, by reason",
	}, []string{"reason"})
)

// RegisterMetrics registers the node metrics with the default registry.
func RegisterMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			proposalsTotal,
			appliedEntriesTotal,
			readyDuration,
			isLeaderGauge,
			pendingGauge,
			peersGauge,
			gossipAdoptedTotal,
			sentMessagesTotal,
			droppedMessagesTotal,
		)
	})
}
