package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryMetricExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	require.NotNil(t, r)

	// Vec metrics appear in Gather only once at least one label set exists.
	r.StateMachineRuns.WithLabelValues("success")
	r.StateTransitions.WithLabelValues("IDLE", "PHASE_IMPLEMENTING")
	r.SandboxCallDuration.WithLabelValues("Deploy")
	r.SandboxCallErrors.WithLabelValues("Deploy", "Transient")
	r.BroadcastEventsTotal.WithLabelValues("phase_implemented")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"orchestrator_state_machine_runs_total",
		"orchestrator_state_transitions_total",
		"orchestrator_phase_duration_seconds",
		"orchestrator_sandbox_call_duration_seconds",
		"orchestrator_sandbox_call_errors_total",
		"orchestrator_broadcast_events_total",
		"orchestrator_active_projects",
		"orchestrator_deep_debug_sessions_active",
	} {
		assert.True(t, names[want], "expected metric %s to be registered", want)
	}
}

func TestNewAgainstSameRegistererPanicsOnDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestCountersAndGaugesAreObservable(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.StateMachineRuns.WithLabelValues("success").Inc()
	r.StateTransitions.WithLabelValues("IDLE", "PHASE_IMPLEMENTING").Inc()
	r.PhaseDuration.Observe(1.5)
	r.SandboxCallDuration.WithLabelValues("Deploy").Observe(0.2)
	r.SandboxCallErrors.WithLabelValues("Deploy", "Transient").Inc()
	r.BroadcastEventsTotal.WithLabelValues("phase_implemented").Inc()
	r.ActiveProjects.Set(3)
	r.DeepDebugSessions.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
