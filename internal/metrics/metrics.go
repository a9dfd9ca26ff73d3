// Package metrics exposes the operational metrics of dbpulse in the
// Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dbpulse"

// Metrics holds every metric dbpulse reports. All methods are safe on a
// nil receiver, which disables reporting.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	rows          *prometheus.CounterVec
	retries       *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	skipped       *prometheus.CounterVec
	swept         *prometheus.CounterVec
	sweepErrors   *prometheus.CounterVec
}

// New creates the metrics in a dedicated registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_cycles_total",
			Help:      "Collection cycles by collector and outcome status",
		}, []string{"collector", "status"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collected_rows_total",
			Help:      "Rows written to the local store per collector",
		}, []string{"collector"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_retries_total",
			Help:      "Retried remote reads per collector",
		}, []string{"collector"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_phase_duration_seconds",
			Help:      "Duration of the remote read and local write phases of a cycle",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collector", "phase"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycles_in_flight",
			Help:      "Collection cycles currently running",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_skipped_total",
			Help:      "Due cycles not dispatched on a tick, by reason",
		}, []string{"reason"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_rows_total",
			Help:      "Rows deleted by the retention sweeper per table",
		}, []string{"table"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Failed retention sweeps per table",
		}, []string{"table"}),
	}

	reg.MustRegister(m.cycles, m.rows, m.retries, m.cycleDuration, m.inFlight, m.skipped, m.swept, m.sweepErrors)
	return m
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records the outcome of one collection cycle.
func (m *Metrics) ObserveCycle(collector, status string, rows int, remote, local time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(collector, status).Inc()
	if rows > 0 {
		m.rows.WithLabelValues(collector).Add(float64(rows))
	}
	m.cycleDuration.WithLabelValues(collector, "remote").Observe(remote.Seconds())
	if local > 0 {
		m.cycleDuration.WithLabelValues(collector, "local").Observe(local.Seconds())
	}
}

// Retried counts one retried remote read.
func (m *Metrics) Retried(collector string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(collector).Inc()
}

// CycleStarted and CycleFinished track the cycles in flight.
func (m *Metrics) CycleStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) CycleFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// DispatchSkipped counts a due cycle left for the next tick.
func (m *Metrics) DispatchSkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

// ObserveSweep records a sweep of table.
func (m *Metrics) ObserveSweep(table string, deleted int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepErrors.WithLabelValues(table).Inc()
		return
	}
	m.swept.WithLabelValues(table).Add(float64(deleted))
}
