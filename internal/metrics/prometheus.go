package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Singleton instance
	instance *PrometheusMetrics
	once     sync.Once
)

// PrometheusMetrics handles all metrics collection for the node
type PrometheusMetrics struct {
	// Bootstrap metrics
	StageDuration  *prometheus.HistogramVec
	StageOutcomes  *prometheus.CounterVec
	LifecycleState prometheus.Gauge

	// Warm-up metrics
	CacheEntriesLoaded         *prometheus.GaugeVec
	CommitLogMutationsReplayed prometheus.Counter
	PreparedStatementsLoaded   prometheus.Gauge

	// Cluster metrics
	ClusterNodesTotal prometheus.Gauge

	// Operation metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// NewPrometheusMetrics creates the PrometheusMetrics singleton
func NewPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{
			// Bootstrap metrics
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "bootstrap_stage_duration_seconds",
					Help:    "Time spent in each bootstrap stage",
					Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
				},
				[]string{"stage"},
			),
			StageOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bootstrap_stage_outcomes_total",
					Help: "Bootstrap stage results by decision (continue, warn, exit)",
				},
				[]string{"stage", "outcome"},
			),
			LifecycleState: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "daemon_lifecycle_state",
				Help: "Current lifecycle state of the daemon as its ordinal",
			}),

			// Warm-up metrics
			CacheEntriesLoaded: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "saved_cache_entries_loaded",
					Help: "Entries restored from each saved cache at startup",
				},
				[]string{"cache"},
			),
			CommitLogMutationsReplayed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "commitlog_mutations_replayed_total",
				Help: "Mutations applied from commit log segments at startup",
			}),
			PreparedStatementsLoaded: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "prepared_statements_loaded",
				Help: "Prepared statements re-prepared at startup",
			}),

			// Cluster metrics
			ClusterNodesTotal: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "cluster_nodes_total",
				Help: "The total number of nodes in the cluster",
			}),

			// Operation metrics
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "requests_total",
					Help: "The total number of processed requests",
				},
				[]string{"method", "endpoint", "status"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "request_duration_seconds",
					Help:    "The request latencies in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "endpoint"},
			),
			RequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "requests_in_flight",
				Help: "The number of requests currently being processed",
			}),
		}
	})

	return instance
}

// GetMetrics returns the singleton PrometheusMetrics instance
func GetMetrics() *PrometheusMetrics {
	return NewPrometheusMetrics()
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage records a finished bootstrap stage
func (pm *PrometheusMetrics) ObserveStage(stage, outcome string, seconds float64) {
	pm.StageDuration.WithLabelValues(stage).Observe(seconds)
	pm.StageOutcomes.WithLabelValues(stage, outcome).Inc()
}

// SetLifecycleState records the daemon state ordinal
func (pm *PrometheusMetrics) SetLifecycleState(ordinal int) {
	pm.LifecycleState.Set(float64(ordinal))
}

// SetCacheEntriesLoaded records how many entries a saved cache restored
func (pm *PrometheusMetrics) SetCacheEntriesLoaded(cache string, n int) {
	pm.CacheEntriesLoaded.WithLabelValues(cache).Set(float64(n))
}

// AddMutationsReplayed counts replayed commit log mutations
func (pm *PrometheusMetrics) AddMutationsReplayed(n int) {
	pm.CommitLogMutationsReplayed.Add(float64(n))
}

// SetPreparedStatementsLoaded records the number of preloaded statements
func (pm *PrometheusMetrics) SetPreparedStatementsLoaded(n int) {
	pm.PreparedStatementsLoaded.Set(float64(n))
}

// SetClusterNodesTotal updates the total number of nodes in the cluster
func (pm *PrometheusMetrics) SetClusterNodesTotal(count int) {
	pm.ClusterNodesTotal.Set(float64(count))
}

// RecordRequest records a request with its method, endpoint, and status
func (pm *PrometheusMetrics) RecordRequest(method, endpoint, status string) {
	pm.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
}

// ObserveRequestDuration records the duration of a request
func (pm *PrometheusMetrics) ObserveRequestDuration(method, endpoint string, duration float64) {
	pm.RequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// IncRequestsInFlight increments the number of requests in flight
func (pm *PrometheusMetrics) IncRequestsInFlight() {
	pm.RequestsInFlight.Inc()
}

// DecRequestsInFlight decrements the number of requests in flight
func (pm *PrometheusMetrics) DecRequestsInFlight() {
	pm.RequestsInFlight.Dec()
}
