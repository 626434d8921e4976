package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codepilot"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "spawns_total",
			Help:      "Number of backend spawn attempts by result.",
		}, []string{"name", "result"},
	)
	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "exits_total",
			Help:      "Number of backend exits, split by whether they were requested.",
		}, []string{"name", "expected"},
	)
	forceKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "force_kills_total",
			Help:      "Number of shutdowns that escalated past the grace period.",
		}, []string{"name"},
	)
	healthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "attempts_total",
			Help:      "Number of readiness probe attempts by result.",
		}, []string{"name", "result"},
	)
	startupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "startup_duration_seconds",
			Help:      "Time from spawn to readiness outcome.",
			Buckets:   []float64{.25, .5, 1, 2, 3, 5, 10, 20, 30, 60},
		}, []string{"name", "outcome"},
	)
	shutdownDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "shutdown_duration_seconds",
			Help:      "Time taken to stop the backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different backend states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current state of the backend (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		backendSpawns, backendExits, forceKills, healthAttempts,
		startupDuration, shutdownDuration, stateTransitions, currentStates,
		backendCPUPercent, backendMemoryMB, backendNumThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Enabled reports whether Register has succeeded.
func Enabled() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(name string, ok bool) {
	if regOK.Load() {
		backendSpawns.WithLabelValues(name, result(ok)).Inc()
	}
}

func IncExit(name string, expected bool) {
	if regOK.Load() {
		backendExits.WithLabelValues(name, boolLabel(expected)).Inc()
	}
}

func IncForceKill(name string) {
	if regOK.Load() {
		forceKills.WithLabelValues(name).Inc()
	}
}

func IncHealthAttempt(name string, ok bool) {
	if regOK.Load() {
		healthAttempts.WithLabelValues(name, result(ok)).Inc()
	}
}

func ObserveStartup(name, outcome string, seconds float64) {
	if regOK.Load() {
		startupDuration.WithLabelValues(name, outcome).Observe(seconds)
	}
}

func ObserveShutdown(name string, seconds float64) {
	if regOK.Load() {
		shutdownDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state as the only active state of name.
func SetCurrentState(name, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		var value float64
		if s == state {
			value = 1
		}
		currentStates.WithLabelValues(name, s).Set(value)
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
