package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// ClusterMetrics exposes Prometheus metrics for the orchestration layer.
// All record methods are nil-safe so components can run without metrics.
type ClusterMetrics struct {
	registry *prometheus.Registry

	nodesByHealth *prometheus.GaugeVec
	probeDuration prometheus.Histogram
	probeResults  *prometheus.CounterVec
	selections    *prometheus.CounterVec
	reservations  prometheus.Gauge
	cacheEvents   *prometheus.CounterVec
	fetchBytes    prometheus.Counter
}

// New creates and registers the cluster metric set.
func New() *ClusterMetrics {
	m := &ClusterMetrics{
		registry: prometheus.NewRegistry(),
		nodesByHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "comfy_cluster_nodes",
				Help: "Number of registered nodes by health state",
			},
			[]string{"health"},
		),
		probeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "comfy_cluster_probe_duration_seconds",
				Help:    "Health probe round-trip time",
				Buckets: prometheus.DefBuckets,
			},
		),
		probeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfy_cluster_probe_results_total",
				Help: "Health probe outcomes by result",
			},
			[]string{"result"},
		),
		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfy_cluster_selections_total",
				Help: "Load balancer selection outcomes by result",
			},
			[]string{"result"},
		),
		reservations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "comfy_cluster_reservations_in_flight",
				Help: "Reservations currently held against cluster nodes",
			},
		),
		cacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfy_cluster_file_cache_events_total",
				Help: "File proxy cache events by type",
			},
			[]string{"event"},
		),
		fetchBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "comfy_cluster_file_fetch_bytes_total",
				Help: "Bytes fetched from worker nodes by the file proxy",
			},
		),
	}

	m.registry.MustRegister(
		m.nodesByHealth,
		m.probeDuration,
		m.probeResults,
		m.selections,
		m.reservations,
		m.cacheEvents,
		m.fetchBytes,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *ClusterMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetNodeCounts replaces the per-health-state node gauges.
func (m *ClusterMetrics) SetNodeCounts(counts map[models.HealthState]int) {
	if m == nil {
		return
	}
	for _, h := range []models.HealthState{
		models.HealthUnknown, models.HealthHealthy,
		models.HealthDegraded, models.HealthUnreachable,
	} {
		m.nodesByHealth.WithLabelValues(string(h)).Set(float64(counts[h]))
	}
}

// ObserveProbe records one health probe outcome.
func (m *ClusterMetrics) ObserveProbe(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.probeDuration.Observe(d.Seconds())
	if err != nil {
		m.probeResults.WithLabelValues("failure").Inc()
	} else {
		m.probeResults.WithLabelValues("success").Inc()
	}
}

// RecordSelection records a load balancer outcome: "assigned", "exhausted"
// or "degraded".
func (m *ClusterMetrics) RecordSelection(result string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(result).Inc()
}

// ReservationAcquired and ReservationReleased track in-flight reservations.
func (m *ClusterMetrics) ReservationAcquired() {
	if m == nil {
		return
	}
	m.reservations.Inc()
}

func (m *ClusterMetrics) ReservationReleased() {
	if m == nil {
		return
	}
	m.reservations.Dec()
}

// RecordCacheEvent records a file proxy cache event: "hit", "miss",
// "evict" or "error".
func (m *ClusterMetrics) RecordCacheEvent(event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(event).Inc()
}

// AddFetchBytes accumulates bytes pulled from worker nodes.
func (m *ClusterMetrics) AddFetchBytes(n int64) {
	if m == nil {
		return
	}
	m.fetchBytes.Add(float64(n))
}
