package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for run and step execution. All
// metrics are namespaced "bilko".
//
// Exposed series:
//   - bilko_runs_total{status}: finished runs by terminal status
//   - bilko_inflight_runs: runs currently executing
//   - bilko_steps_total{type,status}: finished steps
//   - bilko_step_latency_ms{type,status}: step duration histogram
//   - bilko_step_retries_total{type}: retry attempts beyond the first
//
// Wire the collector into an executor via ExecutorOptions.Metrics and
// expose the registry with promhttp. A nil *Metrics disables collection.
type Metrics struct {
	runsTotal    *prometheus.CounterVec
	inflightRuns prometheus.Gauge
	stepsTotal   *prometheus.CounterVec
	stepLatency  *prometheus.HistogramVec
	retriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors. A nil registry uses
// prometheus.DefaultRegisterer; pass a private registry for isolation in
// tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bilko",
			Name:      "runs_total",
			Help:      "Finished runs by terminal status.",
		}, []string{"status"}),
		inflightRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bilko",
			Name:      "inflight_runs",
			Help:      "Runs currently executing.",
		}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bilko",
			Name:      "steps_total",
			Help:      "Finished steps by type and terminal status.",
		}, []string{"type", "status"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bilko",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"type", "status"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bilko",
			Name:      "step_retries_total",
			Help:      "Retry attempts beyond the first, by step type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.inflightRuns.Inc()
}

func (m *Metrics) runFinished(status RunStatus) {
	if m == nil {
		return
	}
	m.inflightRuns.Dec()
	m.runsTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) stepFinished(stepType string, outcome StepOutcome) {
	if m == nil {
		return
	}
	status := string(outcome.Status)
	m.stepsTotal.WithLabelValues(stepType, status).Inc()
	m.stepLatency.WithLabelValues(stepType, status).Observe(float64(outcome.DurationMs))
	if outcome.Attempts > 1 {
		m.retriesTotal.WithLabelValues(stepType).Add(float64(outcome.Attempts - 1))
	}
}
