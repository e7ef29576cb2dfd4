// Package metrics provides Prometheus instrumentation for state histories.
//
// Metrics are registered on a caller-supplied registry so that several state
// systems (or tests) never collide on the global one. Every method is safe
// on a nil *Metrics, which is what components use when metrics are disabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "statehist"

// Query kinds used as label values.
const (
	QueryFull   = "full"
	QuerySingle = "single"
	QueryRange  = "range"
)

// Metrics holds all Prometheus metrics of one process.
type Metrics struct {
	// Registry is where the metrics live. Gather it to export them.
	Registry *prometheus.Registry

	// StateChangesTotal counts accepted attribute modifications.
	StateChangesTotal prometheus.Counter

	// IntervalsInsertedTotal counts intervals stored by a backend.
	// Labels: backend (memory, historytree)
	IntervalsInsertedTotal *prometheus.CounterVec

	// NodesSealedTotal counts history tree nodes written to disk.
	NodesSealedTotal prometheus.Counter

	// TreeDepth is the depth of the history tree being built.
	TreeDepth prometheus.Gauge

	// NodeCacheLookupsTotal counts sealed node lookups.
	// Labels: result (hit, miss)
	NodeCacheLookupsTotal *prometheus.CounterVec

	// QueryDurationSeconds measures query latency.
	// Labels: kind (full, single, range)
	QueryDurationSeconds *prometheus.HistogramVec

	// QueryErrorsTotal counts failed queries.
	// Labels: kind
	QueryErrorsTotal *prometheus.CounterVec
}

// New creates the metrics and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		StateChangesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "state_changes_total",
			Help:      "Attribute modifications accepted by the state system",
		}),
		IntervalsInsertedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "intervals_inserted_total",
			Help:      "Intervals stored by a history backend",
		}, []string{"backend"}),
		NodesSealedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "historytree",
			Name:      "nodes_sealed_total",
			Help:      "History tree nodes sealed and written to disk",
		}),
		TreeDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "historytree",
			Name:      "depth",
			Help:      "Depth of the history tree",
		}),
		NodeCacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "historytree",
			Name:      "node_cache_lookups_total",
			Help:      "Sealed node lookups by cache result",
		}, []string{"result"}),
		QueryDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "query_duration_seconds",
			Help:      "State system query latency",
			Buckets:   []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}, []string{"kind"}),
		QueryErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "query_errors_total",
			Help:      "Failed state system queries",
		}, []string{"kind"}),
	}
}

// =============================================================================
// Recording helpers
// =============================================================================

// StateChange records one accepted modification.
func (m *Metrics) StateChange() {
	if m == nil {
		return
	}
	m.StateChangesTotal.Inc()
}

// IntervalInserted records one stored interval.
func (m *Metrics) IntervalInserted(backend string) {
	if m == nil {
		return
	}
	m.IntervalsInsertedTotal.WithLabelValues(backend).Inc()
}

// NodeSealed records one sealed history tree node.
func (m *Metrics) NodeSealed() {
	if m == nil {
		return
	}
	m.NodesSealedTotal.Inc()
}

// SetTreeDepth records the current history tree depth.
func (m *Metrics) SetTreeDepth(depth int) {
	if m == nil {
		return
	}
	m.TreeDepth.Set(float64(depth))
}

// CacheLookup records a sealed node lookup.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.NodeCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveQuery records the outcome of a query started at start.
func (m *Metrics) ObserveQuery(kind string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.QueryDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		m.QueryErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// WriteTextfile writes every metric in the Prometheus text format, for the
// node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
