// Package orchestrator is the composition root of spec §4.7: the
// Orchestrator API that fronts the StateMachine, Operations, GitStore,
// FileManager, ConversationLog and the external collaborators
// (SandboxClient, model backend, app registry, GitHub push). Its
// single-flight registry is grounded on the teacher's
// internal/server.PipelineRegistry (one entry per running unit of work,
// a cancel func, a completion flag) generalized from "one pipeline" to
// "one project" with the spec's extra generation/debug mutual-exclusion
// rule (spec §5).
package orchestrator

import (
	"context"
	"sync"

	"github.com/forgepilot/orchestrator/internal/kerrors"
	"github.com/forgepilot/orchestrator/internal/metrics"
)

// runState tracks one project's single-flight generation/debug guards,
// spec §5's "Single-flight invariants."
type runState struct {
	mu sync.Mutex

	generating    bool
	generationErr error
	genDone       chan struct{}
	cancelGen     context.CancelFunc

	debugging bool
	cancelDbg context.CancelFunc

	// deepDebugToolCalls counts tool invocations in the current
	// conversation turn; reset per turn, spec §5 "one deep-debug tool
	// invocation per conversation turn."
	deepDebugToolCalls int
}

// Registry tracks the live run state for every project this process is
// handling, spec §5's "one logical worker per project."
type Registry struct {
	mu       sync.Mutex
	projects map[string]*runState
	metrics  *metrics.Registry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{projects: map[string]*runState{}}
}

// SetMetrics attaches reg so BeginDebug/finish keep the
// orchestrator_deep_debug_sessions_active gauge current.
func (r *Registry) SetMetrics(reg *metrics.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = reg
}

func (r *Registry) stateFor(projectID string) *runState {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.projects[projectID]
	if !ok {
		rs = &runState{}
		r.projects[projectID] = rs
	}
	return rs
}

// BeginGeneration enters the generating state for projectID, spec §5: "At
// most one active state-machine run per project. Entry is guarded by a
// generation promise; re-entry is a no-op." It returns a context derived
// from ctx plus a completion function the caller must defer-call. If a
// run is already active, alreadyRunning is a channel that closes when it
// completes, and started is false.
func (r *Registry) BeginGeneration(ctx context.Context, projectID string) (runCtx context.Context, cancel context.CancelFunc, finish func(error), started bool, alreadyRunning <-chan struct{}) {
	rs := r.stateFor(projectID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.debugging {
		return nil, nil, nil, false, closedChanWithErr(kerrors.New(kerrors.DebugInProgress, "a deep-debug session is active for this project"))
	}
	if rs.generating {
		return nil, nil, nil, false, rs.genDone
	}

	runCtx, cancel = context.WithCancel(ctx)
	rs.generating = true
	rs.cancelGen = cancel
	rs.genDone = make(chan struct{})

	finish = func(err error) {
		rs.mu.Lock()
		rs.generating = false
		rs.generationErr = err
		rs.cancelGen = nil
		close(rs.genDone)
		rs.mu.Unlock()
	}
	return runCtx, cancel, finish, true, nil
}

func closedChanWithErr(_ error) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// IsGenerating reports whether projectID has an active state-machine run,
// spec §8 property 5's isCodeGenerating().
func (r *Registry) IsGenerating(projectID string) bool {
	rs := r.stateFor(projectID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.generating
}

// StopGeneration cancels projectID's active run, if any, spec §4.7's
// stopGeneration().
func (r *Registry) StopGeneration(projectID string) {
	rs := r.stateFor(projectID)
	rs.mu.Lock()
	cancel := rs.cancelGen
	rs.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// BeginDebug enters the deep-debug state for projectID, mutually
// exclusive with an active generation run, spec §5.
func (r *Registry) BeginDebug(ctx context.Context, projectID string) (context.Context, context.CancelFunc, func(), error) {
	rs := r.stateFor(projectID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.generating {
		return nil, nil, nil, kerrors.New(kerrors.GenerationInProgress, "a generation run is active for this project")
	}
	if rs.debugging {
		return nil, nil, nil, kerrors.New(kerrors.DebugInProgress, "a deep-debug session is already active for this project")
	}

	debugCtx, cancel := context.WithCancel(ctx)
	rs.debugging = true
	rs.cancelDbg = cancel
	rs.deepDebugToolCalls = 0
	if r.metrics != nil {
		r.metrics.DeepDebugSessions.Inc()
	}

	finish := func() {
		rs.mu.Lock()
		rs.debugging = false
		rs.cancelDbg = nil
		rs.mu.Unlock()
		if r.metrics != nil {
			r.metrics.DeepDebugSessions.Dec()
		}
	}
	return debugCtx, cancel, finish, nil
}

// TakeDeepDebugToolCall increments and returns the per-turn deep-debug
// tool-call counter, enforcing spec §5's "at most one deep-debug tool
// invocation per conversation turn" when the caller checks the returned
// count against 1.
func (r *Registry) TakeDeepDebugToolCall(projectID string) int {
	rs := r.stateFor(projectID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.deepDebugToolCalls++
	return rs.deepDebugToolCalls
}

// ResetDeepDebugTurn resets the per-turn tool-call counter, called at the
// start of each new conversation turn, spec §9 "the deep-debug tool
// carries per-turn counters that reset at construction."
func (r *Registry) ResetDeepDebugTurn(projectID string) {
	rs := r.stateFor(projectID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.deepDebugToolCalls = 0
}
