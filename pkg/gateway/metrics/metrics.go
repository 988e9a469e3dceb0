// Package metrics exposes bridge counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicebridge"

// Turn sources.
const (
	SourceVoice       = "voice"
	SourceCompletions = "completions"
)

// Turn outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeInterrupted = "interrupted"
	OutcomeEmpty       = "empty"
)

// Metrics holds the bridge collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	turns         *prometheus.CounterVec
	droppedTurns  prometheus.Counter
	interrupts    prometheus.Counter
	connections   prometheus.Gauge
	agentDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by source and outcome.",
		}, []string{"source", "outcome"}),
		droppedTurns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_dropped_total",
			Help:      "Turn requests dropped because a turn was already in progress.",
		}),
		interrupts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Interrupt messages received from voice clients.",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_connections",
			Help:      "Open duplex voice connections.",
		}),
		agentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_turn_seconds",
			Help:      "Wall time spent consuming one agent turn.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"source"}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TurnCompleted(source, outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) TurnDropped() {
	if m == nil {
		return
	}
	m.droppedTurns.Inc()
}

func (m *Metrics) Interrupted() {
	if m == nil {
		return
	}
	m.interrupts.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) ObserveAgent(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.agentDuration.WithLabelValues(source).Observe(d.Seconds())
}
