// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgelearn"

// Metrics holds all Prometheus metrics for the learner.
type Metrics struct {
	registry *prometheus.Registry

	// Batch path
	BatchRuns         *prometheus.CounterVec
	BatchDuration     prometheus.Histogram
	EventsSkipped     *prometheus.CounterVec
	LessonsWritten    prometheus.Counter
	LessonsRetired    prometheus.Counter
	LessonFailures    prometheus.Counter
	OverridesActive   prometheus.Gauge
	LastSuccessfulRun prometheus.Gauge

	// Real-time path
	TradeCloses *prometheus.CounterVec
}

// NewMetrics registers every metric on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BatchRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Batch learning runs by outcome",
		}, []string{"status"}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_run_duration_seconds",
			Help:      "Duration of batch learning runs",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		EventsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Malformed trade events skipped while mining, by reason",
		}, []string{"reason"}),
		LessonsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lessons_written_total",
			Help:      "Lessons upserted by batch runs",
		}),
		LessonsRetired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lessons_retired_total",
			Help:      "Lessons retired by reconciliation",
		}),
		LessonFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lesson_write_failures_total",
			Help:      "Lesson upserts that failed",
		}),
		OverridesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overrides_active",
			Help:      "Overrides written by the last materializer run",
		}),
		LastSuccessfulRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_run_timestamp_seconds",
			Help:      "Unix time of the last successful batch run",
		}),
		TradeCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_closes_total",
			Help:      "Trade-close notifications by outcome",
		}, []string{"status"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
