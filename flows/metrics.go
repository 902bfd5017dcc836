package flows

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	runsClaimed   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsSuspended *prometheus.CounterVec
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	inFlight      *prometheus.GaugeVec
}

// NewMetrics creates the engine collectors and registers them with reg.
// A nil reg leaves them unregistered (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flows_runs_claimed_total",
				Help: "Total number of runs claimed by a worker",
			},
			[]string{"workflow"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flows_runs_finished_total",
				Help: "Total number of runs that reached a terminal or requeued state",
			},
			[]string{"workflow", "outcome"},
		),
		runsSuspended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flows_runs_suspended_total",
				Help: "Total number of durable sleeps that suspended a run",
			},
			[]string{"workflow"},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flows_steps_executed_total",
				Help: "Total number of step attempts",
			},
			[]string{"workflow", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flows_step_duration_seconds",
				Help:    "Step attempt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flows_runs_in_flight",
				Help: "Number of runs currently executing in this process",
			},
			[]string{"workflow"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.runsClaimed,
			m.runsFinished,
			m.runsSuspended,
			m.stepsExecuted,
			m.stepDuration,
			m.inFlight,
		)
	}
	return m
}

func (m *Metrics) runClaimed(workflow string) {
	if m == nil {
		return
	}
	m.runsClaimed.WithLabelValues(workflow).Inc()
}

func (m *Metrics) runFinished(workflow, outcome string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(workflow, outcome).Inc()
}

func (m *Metrics) runSuspended(workflow string) {
	if m == nil {
		return
	}
	m.runsSuspended.WithLabelValues(workflow).Inc()
}

func (m *Metrics) stepExecuted(workflow, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(workflow, outcome).Inc()
	m.stepDuration.WithLabelValues(workflow).Observe(took.Seconds())
}

func (m *Metrics) addInFlight(workflow string, delta float64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(workflow).Add(delta)
}
