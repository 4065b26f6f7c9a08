// Package metrics instruments the execution worker with Prometheus
// collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Metrics holds the worker collectors.
type Metrics struct {
	Requests      *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	InFlight      prometheus.Gauge
	DroppedFrames prometheus.Counter
}

// New registers the worker collectors with reg. A nil reg registers with
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "repl_requests_total",
			Help: "Code requests handled, by outcome",
		}, []string{"outcome"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "repl_stage_duration_seconds",
			Help:    "Time spent in each request stage",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "repl_requests_in_flight",
			Help: "Code requests currently executing",
		}),

		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "repl_dropped_frames_total",
			Help: "Inbound frames dropped because they failed validation",
		}),
	}
}

// RequestStarted marks a request as in flight.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

// RequestFinished records the outcome of a request started with
// RequestStarted.
func (m *Metrics) RequestFinished(outcome string) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Requests.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a request spent in stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// FrameDropped counts one rejected inbound frame.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.DroppedFrames.Inc()
}
