package session

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for call outcomes.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

var (
	sessionStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cellrun_session_start_seconds",
			Help:    "Duration from worker launch to ready handshake, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	sessionStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellrun_session_starts_total",
			Help: "Total number of session start attempts by result.",
		},
		[]string{"result"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellrun_active_sessions",
			Help: "Number of sessions currently in the ready state.",
		},
	)

	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellrun_session_pending_calls",
			Help: "Number of requests awaiting a correlated response.",
		},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellrun_session_call_seconds",
			Help:    "Round-trip time of session requests, in seconds.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"type"},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellrun_session_calls_total",
			Help: "Total number of session requests by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(sessionStartDuration)
	prometheus.MustRegister(sessionStartsTotal)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(pendingCalls)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(callsTotal)

	// Pre-initialize label combinations so they appear in /metrics from startup.
	for _, typ := range []string{TypeInit, TypeExecute, TypeInstall} {
		for _, outcome := range []string{outcomeOK, outcomeError, outcomeTimeout} {
			callsTotal.WithLabelValues(typ, outcome)
		}
	}
}
