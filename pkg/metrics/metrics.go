// Package metrics holds the prometheus collectors for snapshot processing and tree storage.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "asset_snapshots"

// Metrics is created once per process and passed to the components that record into it.
// Collectors are registered on the supplied registerer, never the global default.
type Metrics struct {
	SnapshotsSubmitted prometheus.Counter
	// labels: status, cause
	SnapshotsFinished  *prometheus.CounterVec
	SnapshotDuration   prometheus.Histogram
	TreeLeaves         prometheus.Histogram
	TreesStored        prometheus.Counter
	TreesDeduplicated  prometheus.Counter
	StorageCorruptions prometheus.Counter
	// labels: method
	RpcRequests *prometheus.CounterVec
	// labels: result
	PinRequests *prometheus.CounterVec
}

// NewMetrics registers every collector on reg. A nil reg gets a private registry, which
// keeps tests from colliding on duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		SnapshotsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "submitted_total",
			Help:      "Number of snapshots submitted",
		}),
		SnapshotsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "finished_total",
			Help:      "Number of snapshots that reached a terminal status",
		}, []string{"status", "cause"}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processing_seconds",
			Help:      "Time spent processing one pending snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		TreeLeaves: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "merkle",
			Name:      "tree_leaves",
			Help:      "Number of leaves in built trees",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		TreesStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merkle",
			Name:      "trees_stored_total",
			Help:      "Number of trees written to storage",
		}),
		TreesDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merkle",
			Name:      "trees_deduplicated_total",
			Help:      "Number of snapshots that reused an existing tree",
		}),
		StorageCorruptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merkle",
			Name:      "storage_corruptions_total",
			Help:      "Number of stored trees whose recomputed root did not match",
		}),
		RpcRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blockchain",
			Name:      "rpc_requests_total",
			Help:      "Number of RPC calls made to chain nodes",
		}, []string{"method"}),
		PinRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pinning",
			Name:      "requests_total",
			Help:      "Number of pin requests by result",
		}, []string{"result"}),
	}
}

// ObserveSnapshot records the terminal status of one processed snapshot.
func (m *Metrics) ObserveSnapshot(status, cause string, started time.Time) {
	if m == nil {
		return
	}
	m.SnapshotsFinished.WithLabelValues(status, cause).Inc()
	m.SnapshotDuration.Observe(time.Since(started).Seconds())
}
