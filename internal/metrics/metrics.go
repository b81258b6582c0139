// Package metrics exposes prometheus instruments for the coordination tree.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "tessera"
)

var (
	// ServersRegistered tracks servers currently present in the topology
	ServersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "servers_registered",
			Help:      "Number of servers present in the topology",
		},
	)

	// ClustersRegistered tracks clusters currently present in the topology
	ClustersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clusters_registered",
			Help:      "Number of clusters present in the topology",
		},
	)

	// Ranges tracks canonical shard ranges per ledger state
	Ranges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ranges",
			Help:      "Number of shard ranges per assignment state",
		},
		[]string{"state"}, // unassigned/pending/assigned/degraded
	)

	// Registrations counts REGISTER outcomes
	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total number of registrations processed",
		},
		[]string{"role", "result"}, // result: granted/readmitted/rejected
	)

	// HeartbeatMisses counts children declared dead after missing heartbeats
	HeartbeatMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_misses_total",
			Help:      "Total number of children declared dead after missed heartbeats",
		},
		[]string{"role"},
	)

	// ProcessRestarts counts supervisor restarts
	ProcessRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_restarts_total",
			Help:      "Total number of worker process restarts",
		},
	)

	// UnmatchedReplies counts replies that arrived after their request was gone
	UnmatchedReplies = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_replies_total",
			Help:      "Total number of replies with an unknown correlation id",
		},
	)

	// AuthFailures counts rejected handshakes
	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of rejected handshakes",
		},
	)

	// AllocationConflicts counts ownership invariant violations
	AllocationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_conflicts_total",
			Help:      "Total number of shard ownership conflicts detected",
		},
	)
)

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
