package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the benchmark.
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	// Operation counters
	OperationsTotal *prometheus.CounterVec

	// Gauges
	OpenSubscriptions prometheus.Gauge
	BatchTPS          *prometheus.GaugeVec
	RunStatus         *prometheus.GaugeVec

	// Histograms
	BatchDuration  *prometheus.HistogramVec
	ConfirmLatency *prometheus.HistogramVec
	SubmitLatency  *prometheus.HistogramVec
	RPCLatency     *prometheus.HistogramVec

	// Error tracking
	ErrorsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbench_operations_total",
				Help: "Settled operations by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),

		OpenSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledgerbench_open_subscriptions",
				Help: "State-change subscriptions currently held by confirmation watchers",
			},
		),

		BatchTPS: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerbench_batch_tps",
				Help: "Confirmed operations per second of the last settled batch",
			},
			[]string{"phase"},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerbench_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerbench_batch_duration_seconds",
				Help:    "Wall time of one dispatch wave",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"phase"},
		),

		ConfirmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerbench_confirm_latency_seconds",
				Help:    "Time from submission acknowledgment to observed state change",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"phase"},
		),

		SubmitLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerbench_submit_latency_seconds",
				Help:    "Submission round trip by result",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"status"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerbench_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbench_errors_total",
				Help: "Errors by category",
			},
			[]string{"category"},
		),
	}
}

// RecordOutcome records one settled operation.
func (m *PrometheusMetrics) RecordOutcome(phase string, outcome types.Outcome) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(phase, string(outcome)).Inc()
}

// RecordConfirmLatency records confirmation latency.
func (m *PrometheusMetrics) RecordConfirmLatency(phase string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.ConfirmLatency.WithLabelValues(phase).Observe(latencySeconds)
}

// RecordSubmit records a submission round trip.
func (m *PrometheusMetrics) RecordSubmit(success bool, latencySeconds float64) {
	if m == nil {
		return
	}
	m.SubmitLatency.WithLabelValues(statusLabel(success)).Observe(latencySeconds)
}

// RecordBatch records a settled batch.
func (m *PrometheusMetrics) RecordBatch(report types.BatchReport) {
	if m == nil {
		return
	}
	m.BatchDuration.WithLabelValues(report.Phase).Observe(float64(report.ElapsedMs) / 1000)
	m.BatchTPS.WithLabelValues(report.Phase).Set(report.TPS)
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":  true,
	"eth_getTransactionCount": true,
	"eth_getBalance":          true,
	"eth_call":                true,
	"eth_chainId":             true,
	"eth_gasPrice":            true,
	"eth_blockNumber":         true,
}

// RecordRPCLatency records RPC call latency.
func (m *PrometheusMetrics) RecordRPCLatency(method string, success bool, latencySeconds float64) {
	if m == nil {
		return
	}
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, statusLabel(success)).Observe(latencySeconds)
}

// SubscriptionOpened increments the open subscription gauge.
func (m *PrometheusMetrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.OpenSubscriptions.Inc()
}

// SubscriptionReleased decrements the open subscription gauge.
func (m *PrometheusMetrics) SubscriptionReleased() {
	if m == nil {
		return
	}
	m.OpenSubscriptions.Dec()
}

// RecordError records an error.
func (m *PrometheusMetrics) RecordError(category string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(category).Inc()
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunStatus) {
	if m == nil {
		return
	}
	for _, s := range []types.RunStatus{types.StatusIdle, types.StatusRunning, types.StatusCompleted, types.StatusError} {
		if s == status {
			m.RunStatus.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunStatus.WithLabelValues(string(s)).Set(0)
		}
	}
}

// Reset resets all metrics.
// Note: Prometheus histograms are cumulative; only the vectors are reset.
func (m *PrometheusMetrics) Reset() {
	if m == nil {
		return
	}
	m.OperationsTotal.Reset()
	m.BatchDuration.Reset()
	m.ConfirmLatency.Reset()
	m.SubmitLatency.Reset()
	m.RPCLatency.Reset()
	m.BatchTPS.Reset()
	m.OpenSubscriptions.Set(0)
	m.SetRunStatus(types.StatusIdle)
	m.ErrorsTotal.Reset()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
