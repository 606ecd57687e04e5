package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/flowrun/pkg/schema"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	ExecutionsStarted  prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
	ExecutionsActive   prometheus.Gauge
	NodeExecutions     *prometheus.CounterVec
	NodeDuration       *prometheus.HistogramVec
	DuplicatesSkipped  prometheus.Counter
	Abandoned          prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowrun_executions_started_total",
			Help: "Executions created.",
		}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowrun_executions_finished_total",
			Help: "Executions that reached a terminal status.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowrun_execution_duration_seconds",
			Help:    "Wall time from start to terminal status.",
			Buckets: []float64{0.05, 0.25, 1, 5, 10, 30, 60, 300},
		}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowrun_executions_active",
			Help: "Executions currently running in this process.",
		}),
		NodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowrun_node_executions_total",
			Help: "Node executions by type and outcome.",
		}, []string{"type", "outcome"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowrun_node_duration_seconds",
			Help:    "Node execution time by type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowrun_duplicate_deliveries_total",
			Help: "Deliveries skipped because their trigger already succeeded.",
		}),
		Abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowrun_executions_abandoned_total",
			Help: "Running executions marked as error by the sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ExecutionsStarted, m.ExecutionsFinished, m.ExecutionDuration, m.ExecutionsActive,
			m.NodeExecutions, m.NodeDuration, m.DuplicatesSkipped, m.Abandoned,
		)
	}
	return m
}

// ObserveStep records one node execution.
func (m *Metrics) ObserveStep(_ context.Context, s Step) {
	outcome := "success"
	if s.Err != nil {
		outcome = "error"
	}
	m.NodeExecutions.WithLabelValues(string(s.Type), outcome).Inc()
	m.NodeDuration.WithLabelValues(string(s.Type)).Observe(s.Duration.Seconds())
}

func (m *Metrics) started() {
	m.ExecutionsStarted.Inc()
	m.ExecutionsActive.Inc()
}

func (m *Metrics) finished(status schema.ExecutionStatus, elapsed time.Duration) {
	m.ExecutionsActive.Dec()
	m.ExecutionsFinished.WithLabelValues(string(status)).Inc()
	m.ExecutionDuration.Observe(elapsed.Seconds())
}
