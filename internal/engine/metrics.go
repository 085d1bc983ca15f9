package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	procedureCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_procedure_calls_total",
			Help: "Total number of remote procedure calls by procedure and outcome.",
		},
		[]string{"procedure", "outcome"},
	)

	procedureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hermes_procedure_duration_seconds",
			Help:    "Remote procedure call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"procedure"},
	)

	activeAgents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hermes_active_agents",
			Help: "Number of agents with a running dispatch loop by kind.",
		},
		[]string{"kind"},
	)
)

// Call outcomes.
const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

func init() {
	prometheus.MustRegister(procedureCalls, procedureDuration, activeAgents)
}
