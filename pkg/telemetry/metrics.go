package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "errand"

// Metrics holds the prometheus collectors for runs, tools and the model endpoint.
// A nil *Metrics records nothing.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunIterations   prometheus.Histogram
	RunDuration     prometheus.Histogram
	ToolCalls       *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	ModelCalls      *prometheus.CounterVec
	ModelLatency    prometheus.Histogram
	ProgressDropped prometheus.Counter
	RunsInFlight    prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "Runs finished, by terminal state.",
		}, []string{"state"}),
		RunIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "iterations",
			Help:      "Tool iterations consumed per run.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "duration_seconds",
			Help:      "Tool execution latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"tool"}),
		ModelCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "calls_total",
			Help:      "Model endpoint calls by outcome.",
		}, []string{"outcome"}),
		ModelLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "latency_seconds",
			Help:      "Model endpoint latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ProgressDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "dropped_total",
			Help:      "Progress events dropped because the consumer fell behind.",
		}),
		RunsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "in_flight",
			Help:      "Runs currently executing.",
		}),
	}
}

// Tool outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	OutcomeDuplicate = "duplicate"
)

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsInFlight.Inc()
}

func (m *Metrics) RunFinished(state string, iterations int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsInFlight.Dec()
	m.RunsTotal.WithLabelValues(state).Inc()
	m.RunIterations.Observe(float64(iterations))
	m.RunDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ToolCall(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	if outcome != OutcomeDuplicate {
		m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ModelCall(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ModelCalls.WithLabelValues(outcome).Inc()
	m.ModelLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) ProgressDrop(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ProgressDropped.Add(float64(n))
}
