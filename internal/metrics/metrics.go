// Package metrics exposes Prometheus counters and histograms for the
// ambient observability surface the spec's Non-goals leave unspecified
// but which the teacher's stack always carries — see SPEC_FULL.md's
// Metrics section.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the orchestrator exports.
type Registry struct {
	StateMachineRuns     *prometheus.CounterVec
	StateTransitions     *prometheus.CounterVec
	PhaseDuration        prometheus.Histogram
	SandboxCallDuration   *prometheus.HistogramVec
	SandboxCallErrors    *prometheus.CounterVec
	BroadcastEventsTotal *prometheus.CounterVec
	ActiveProjects       prometheus.Gauge
	DeepDebugSessions    prometheus.Gauge
}

// New registers every metric against reg and returns the bundle.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		StateMachineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_state_machine_runs_total",
			Help: "Total number of generateAllFiles runs, labeled by outcome.",
		}, []string{"outcome"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_state_transitions_total",
			Help: "Total phase state machine transitions, labeled by from/to state.",
		}, []string{"from", "to"}),
		PhaseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_phase_duration_seconds",
			Help:    "Duration of a single ImplementPhase call.",
			Buckets: prometheus.DefBuckets,
		}),
		SandboxCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_sandbox_call_duration_seconds",
			Help:    "Duration of SandboxClient calls, labeled by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		SandboxCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_sandbox_call_errors_total",
			Help: "Total SandboxClient call errors, labeled by method and error kind.",
		}, []string{"method", "kind"}),
		BroadcastEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_broadcast_events_total",
			Help: "Total broadcaster events sent, labeled by event type.",
		}, []string{"type"}),
		ActiveProjects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_projects",
			Help: "Number of projects with a live in-memory registry entry.",
		}),
		DeepDebugSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_deep_debug_sessions_active",
			Help: "Number of projects with an active deep-debug session.",
		}),
	}
}
