// Package metrics provides Prometheus instrumentation for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spigell/fitcheck/internal/breaker"
)

const namespace = "fitcheck"

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	phaseDuration *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
	breakerTrips  *prometheus.CounterVec
	scoringDrops  *prometheus.CounterVec
	enhanceRounds prometheus.Counter
}

// New registers all collectors, plus the Go and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of pipeline runs by terminal event",
			},
			[]string{"terminal", "code"}, // terminal: complete, error
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Pipeline run duration in seconds",
				Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180},
			},
		),
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Phase execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"phase"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half open)",
			},
			[]string{"breaker"},
		),
		breakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"breaker", "to"},
		),
		scoringDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scoring_drops_total",
				Help:      "Evidence documents left unscored",
			},
			[]string{"reason"}, // reason: generate, parse
		),
		enhanceRounds: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enhance_rounds_total",
				Help:      "Quality gate decisions that sent the run back to research",
			},
		),
	}
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordRun is called once per run with its terminal event type and error code.
func (m *Metrics) RecordRun(terminal, code string, d time.Duration) {
	m.runsTotal.WithLabelValues(terminal, code).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordEnhance() {
	m.enhanceRounds.Inc()
}

// RecordDrop matches scoring.DropHook.
func (m *Metrics) RecordDrop(reason string) {
	m.scoringDrops.WithLabelValues(reason).Inc()
}

// BreakerListener matches breaker.Listener.
func (m *Metrics) BreakerListener(name string, _, to breaker.State) {
	m.breakerState.WithLabelValues(name).Set(float64(to))
	m.breakerTrips.WithLabelValues(name, to.String()).Inc()
}

// TrackBreakers seeds the state gauge so every breaker is visible before its first transition.
func (m *Metrics) TrackBreakers(breakers ...*breaker.Breaker) {
	for _, b := range breakers {
		m.breakerState.WithLabelValues(b.Name()).Set(float64(b.State()))
	}
}
