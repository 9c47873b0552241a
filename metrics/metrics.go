package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
)

// Metrics holds Prometheus collectors for video generation runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	runsStarted    prometheus.Counter
	runsFinished   *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	runsInFlight   prometheus.Gauge
	speechRequests *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storyreel_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storyreel_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	runsStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storyreel_runs_started_total",
		Help: "Total number of pipeline runs started",
	})
	runsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyreel_runs_finished_total",
		Help: "Total number of pipeline runs finished, by outcome",
	}, []string{"outcome"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storyreel_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})
	runsInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "storyreel_runs_in_flight",
		Help: "Number of pipeline runs currently executing",
	})
	speechRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyreel_speech_requests_total",
		Help: "Speech synthesis requests, by result",
	}, []string{"result"})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		runsStarted,
		runsFinished,
		stageDuration,
		runsInFlight,
		speechRequests,
	)

	return &Metrics{
		registry:       registry,
		requestsTotal:  requestsTotal,
		errorsTotal:    errorsTotal,
		runsStarted:    runsStarted,
		runsFinished:   runsFinished,
		stageDuration:  stageDuration,
		runsInFlight:   runsInFlight,
		speechRequests: speechRequests,
	}
}

// RunStarted counts a run and marks it in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.runsInFlight.Inc()
}

// RunFinished records the outcome and clears the in-flight mark.
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(outcome).Inc()
	m.runsInFlight.Dec()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncSpeechRequests counts one speech API call by result ("ok", "error").
func (m *Metrics) IncSpeechRequests(result string) {
	if m == nil {
		return
	}
	m.speechRequests.WithLabelValues(result).Inc()
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// Registry exposes the underlying registry for scraping in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
