package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devherd",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of process launches, including restarts.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devherd",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of deliberate stops (graceful or kill).",
		}, []string{"name"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devherd",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of unexpected process exits.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devherd",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash or failed probe.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devherd",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different process states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devherd",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	probeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devherd",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Health probe round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{processStarts, processStops, processCrashes, processRestarts, stateTransitions, currentStates, probeLatency}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// Already registered is fine, keep the existing collector.
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func ObserveProbe(name, outcome string, seconds float64) {
	if regOK.Load() {
		probeLatency.WithLabelValues(name, outcome).Observe(seconds)
	}
}
