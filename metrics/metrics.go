// Package metrics exposes execution metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isdmx/runmeter/sandbox"
)

const (
	namespace       = "runmeter"
	unknownLanguage = "unknown"
)

// Metrics implements sandbox.Recorder on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	executions    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec
	telemetryGaps *prometheus.CounterVec
	inFlight      prometheus.Gauge
	rateLimited   prometheus.Counter
}

var _ sandbox.Recorder = (*Metrics)(nil)

// New registers the runmeter collectors together with the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of submissions by language and outcome",
			},
			[]string{"language", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time of a submission from staging to teardown",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"language"},
		),
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Wall time of the compile and run containers",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"language", "phase"}, // phase: "compile", "run"
		),
		telemetryGaps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telemetry_gaps_total",
				Help:      "Stats fields the runtime did not report",
			},
			[]string{"language"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_in_flight",
				Help:      "Submissions currently holding an execution slot",
			},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the per-client rate limiter",
			},
		),
	}
}

// ObserveExecution counts a finished submission. Unregistered language names
// come from clients and are folded into one label value.
func (m *Metrics) ObserveExecution(language, outcome string, d time.Duration) {
	if outcome == sandbox.KindUnsupportedLanguage.String() {
		m.executions.WithLabelValues(unknownLanguage, outcome).Inc()
		return
	}
	m.executions.WithLabelValues(language, outcome).Inc()
	m.duration.WithLabelValues(language).Observe(d.Seconds())
}

func (m *Metrics) ObservePhase(language, phase string, d time.Duration) {
	m.phaseDuration.WithLabelValues(language, phase).Observe(d.Seconds())
}

func (m *Metrics) ObserveTelemetryGaps(language string, gaps int) {
	if gaps > 0 {
		m.telemetryGaps.WithLabelValues(language).Add(float64(gaps))
	}
}

func (m *Metrics) AddInFlight(delta int) {
	m.inFlight.Add(float64(delta))
}

// ObserveRateLimited counts a rejected request.
func (m *Metrics) ObserveRateLimited() {
	m.rateLimited.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
