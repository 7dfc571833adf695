package runtime

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service's prometheus surface. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	stageTotal    *prometheus.CounterVec
	stageSeconds  *prometheus.HistogramVec
	invokeTotal   *prometheus.CounterVec
	invokeSeconds *prometheus.HistogramVec
	eventsDropped *prometheus.CounterVec
	runsActive    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch", Name: "stage_total", Help: "Pipeline stages by outcome.",
		}, []string{"stage", "outcome"}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deepresearch", Name: "stage_duration_seconds", Help: "Pipeline stage latency.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"stage"}),
		invokeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch", Name: "llm_invocations_total", Help: "Gateway invocations by provider kind and outcome.",
		}, []string{"kind", "outcome"}),
		invokeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deepresearch", Name: "llm_invocation_duration_seconds", Help: "Gateway latency including retries.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch", Name: "stream_events_dropped_total", Help: "Stream events not delivered to the client.",
		}, []string{"reason"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deepresearch", Name: "runs_active", Help: "Research runs in flight.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stageTotal, m.stageSeconds, m.invokeTotal, m.invokeSeconds, m.eventsDropped, m.runsActive,
	)
	return m
}

func (m *Metrics) ObserveStage(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageTotal.WithLabelValues(stage, outcome).Inc()
	m.stageSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveInvocation(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invokeTotal.WithLabelValues(kind, outcome).Inc()
	m.invokeSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) IncEventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// RunStarted bumps the in-flight gauge and returns the matching decrement.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.runsActive.Inc()
	return m.runsActive.Dec
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
