package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/cellrun/internal/model"
)

// Execution outcome label values.
const (
	outcomeOK             = "ok"
	outcomeGuestError     = "guest_error"
	outcomeTransportError = "transport_error"
)

var engineStates = []string{
	model.EngineUninitialized,
	model.EngineInitializing,
	model.EngineReady,
	model.EngineFailed,
}

var (
	engineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cellrun_engine_state",
			Help: "Current engine state (1 for the active state, 0 otherwise).",
		},
		[]string{"state"},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellrun_executions_total",
			Help: "Total number of execute calls by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellrun_execution_seconds",
			Help:    "Execute call duration from dispatch to result, in seconds.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"backend"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellrun_call_queue_depth",
			Help: "Number of calls waiting for the interpreter.",
		},
	)

	fallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellrun_engine_fallbacks_total",
			Help: "Total number of times the engine started the degraded fallback backend.",
		},
	)

	resetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellrun_engine_resets_total",
			Help: "Total number of engine resets.",
		},
	)
)

func init() {
	prometheus.MustRegister(engineState)
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(fallbacksTotal)
	prometheus.MustRegister(resetsTotal)

	for _, s := range engineStates {
		engineState.WithLabelValues(s)
	}
	engineState.WithLabelValues(model.EngineUninitialized).Set(1)
}

// observeState marks state as the active engine state.
func observeState(state string) {
	for _, s := range engineStates {
		v := 0.0
		if s == state {
			v = 1
		}
		engineState.WithLabelValues(s).Set(v)
	}
}
