// Package statemachine implements the Phase State Machine of spec §4.8:
// the IDLE -> PHASE_GENERATING -> PHASE_IMPLEMENTING -> FINALIZING ->
// REVIEWING -> IDLE lifecycle that drives one project's code generation
// run. It is grounded on the teacher's internal/attractor/engine.Engine
// shape (a run loop holding a progress sink, tracking restart/failure
// state) generalized from a DOT-graph walk to the spec's fixed five-state
// machine.
package statemachine

import (
	"context"
	"time"

	"github.com/forgepilot/orchestrator/internal/broadcaster"
	"github.com/forgepilot/orchestrator/internal/filemanager"
	"github.com/forgepilot/orchestrator/internal/kerrors"
	"github.com/forgepilot/orchestrator/internal/metrics"
	"github.com/forgepilot/orchestrator/internal/model"
	"github.com/forgepilot/orchestrator/internal/operations"
	"github.com/forgepilot/orchestrator/internal/sandbox"
	"github.com/forgepilot/orchestrator/internal/store"
)

// Deps bundles the collaborators a StateMachine run needs, spec §4.8: the
// project Store, FileManager (which commits through the GitStore),
// SandboxClient, Operations, Broadcaster and Metrics.
type Deps struct {
	Store       *store.Store
	Files       *filemanager.Manager
	Sandbox     sandbox.Client
	Ops         *operations.Operations
	Broadcaster *broadcaster.Broadcaster
	Metrics     *metrics.Registry
	// PostPhaseFixing enables the deterministic/fast fixer pass after each
	// implemented phase, spec §4.8's "postPhaseFixing=true" rule.
	PostPhaseFixing bool
	AgentMode       model.AgentMode
}

// Machine runs one project's phase lifecycle to completion (or until
// cancelled/errored), spec §4.8.
type Machine struct {
	deps Deps
}

// New constructs a Machine bound to deps.
func New(deps Deps) *Machine {
	return &Machine{deps: deps}
}

func (m *Machine) emit(ev broadcaster.Event) {
	if m.deps.Broadcaster != nil {
		m.deps.Broadcaster.Send(ev)
	}
}

// observeSandboxCall times one SandboxClient method call and records its
// outcome against Metrics, spec §2's "ambient observability" surface.
func (m *Machine) observeSandboxCall(method string, err error, start time.Time) {
	if m.deps.Metrics == nil {
		return
	}
	m.deps.Metrics.SandboxCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		m.deps.Metrics.SandboxCallErrors.WithLabelValues(method, string(kerrors.KindOf(err))).Inc()
	}
}

// entryState computes the state a fresh generateAllFiles() call should
// start at, spec §4.8 "On entry to generateAllFiles".
func entryState(p *model.Project) (model.DevState, *model.Phase) {
	if incomplete := p.FirstIncompletePhase(); incomplete != nil {
		return model.StatePhaseImplementing, incomplete
	}
	if len(p.GeneratedPhases) > 0 {
		return model.StatePhaseGenerating, nil
	}
	initial := &model.Phase{ID: "phase-1", Name: "Initial", Completed: false}
	if p.Blueprint.InitialPhase != nil {
		initial = &model.Phase{ID: "phase-1", Name: p.Blueprint.InitialPhase.Name, Description: p.Blueprint.InitialPhase.Description, Files: p.Blueprint.InitialPhase.Files}
	}
	return model.StatePhaseImplementing, initial
}

// Run drives the full state machine to completion for project p, spec
// §4.8's transition table. It mutates the store directly (via
// m.deps.Store.Mutate) as it progresses, so a crash mid-run resumes
// correctly on the next generateAllFiles() call (scenario 2, spec §8).
func (m *Machine) Run(ctx context.Context, reviewCycles int) error {
	p := m.deps.Store.Get()
	if p == nil {
		return kerrors.New(kerrors.Fatal, "statemachine: run called before project initialized")
	}
	if p.MVPGenerated && len(p.PendingUserInputs) == 0 {
		return nil
	}

	state, phase := entryState(p)
	if phase != nil {
		if err := m.setCurrentPhase(ctx, phase); err != nil {
			return err
		}
	}
	if err := m.setState(ctx, state); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		p = m.deps.Store.Get()

		var err error
		switch p.CurrentDevState {
		case model.StatePhaseGenerating:
			err = m.runPhaseGenerating(ctx, p)
		case model.StatePhaseImplementing:
			err = m.runPhaseImplementing(ctx, p)
		case model.StateFinalizing:
			err = m.runFinalizing(ctx, p)
		case model.StateReviewing:
			err = m.runReviewing(ctx, p)
		case model.StateIdle:
			return m.finishRun(ctx)
		default:
			return kerrors.New(kerrors.Fatal, "statemachine: unknown state "+string(p.CurrentDevState))
		}

		if err != nil {
			if kerrors.Is(err, kerrors.RateLimitExceeded) {
				m.emit(broadcaster.New("rate_limit_error", map[string]any{"message": err.Error()}))
			} else {
				m.emit(broadcaster.New("error", map[string]any{"message": err.Error()}))
			}
			_ = m.setState(ctx, model.StateIdle)
			return err
		}
	}
}

func (m *Machine) finishRun(ctx context.Context) error {
	m.emit(broadcaster.New("generation_complete", map[string]any{}))
	return nil
}

func (m *Machine) setState(ctx context.Context, state model.DevState) error {
	from := m.deps.Store.Get().CurrentDevState
	_, err := m.deps.Store.Mutate(ctx, func(p *model.Project) error {
		p.CurrentDevState = state
		return nil
	})
	if err != nil {
		return err
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.StateTransitions.WithLabelValues(string(from), string(state)).Inc()
	}
	p := m.deps.Store.Get()
	m.emit(broadcaster.New("cf_agent_state", map[string]any{"state": p}))
	return nil
}

func (m *Machine) setCurrentPhase(ctx context.Context, phase *model.Phase) error {
	_, err := m.deps.Store.Mutate(ctx, func(p *model.Project) error {
		found := false
		for _, existing := range p.GeneratedPhases {
			if existing.ID == phase.ID {
				found = true
				break
			}
		}
		if !found {
			p.GeneratedPhases = append(p.GeneratedPhases, phase)
		}
		p.CurrentPhaseID = phase.ID
		return nil
	})
	return err
}

// runPhaseGenerating asks PlanNextPhase for the next unit of work, spec
// §4.8's PHASE_GENERATING row.
func (m *Machine) runPhaseGenerating(ctx context.Context, p *model.Project) error {
	m.emit(broadcaster.New("phase_generating", map[string]any{}))

	oc := operations.OpContext{Ctx: ctx, Project: p, TemplateDetails: safeTemplateDetails(p)}
	result, err := m.deps.Ops.PlanNextPhase(oc, collectIssues(p), operations.UserContext{Suggestions: p.PendingUserInputs}, len(p.PendingUserInputs) > 0)
	if err != nil {
		return err
	}

	m.emit(broadcaster.New("phase_generated", map[string]any{"phase": result.Phase}))

	if len(result.FilesToDelete) > 0 {
		if err := m.deleteFiles(ctx, p, result.FilesToDelete); err != nil {
			return err
		}
	}
	if len(result.InstallCommands) > 0 {
		if err := m.ExecuteCommandBatches(ctx, p, result.InstallCommands, nil); err != nil {
			return err
		}
	}

	if result.Phase == nil {
		return m.setState(ctx, model.StateFinalizing)
	}
	if err := m.setCurrentPhase(ctx, result.Phase); err != nil {
		return err
	}
	return m.setState(ctx, model.StatePhaseImplementing)
}

// collectIssues surfaces the project's accumulated unfixed static-analysis
// findings (runPostPhaseFixing's DeterministicFixer.UnfixableIssues,
// persisted onto the project), spec §4.6's "outstanding issues" input to
// PlanNextPhase/ImplementPhase and §4.8's REVIEWING gate.
func collectIssues(p *model.Project) []model.Issue {
	return p.OutstandingIssues
}

// deletionPaths returns the paths of phase FileConcepts explicitly marked
// for deletion, spec §3's "Changes == delete" sentinel.
func deletionPaths(files []model.FileConcept) []string {
	var paths []string
	for _, fc := range files {
		if fc.Changes != nil && *fc.Changes == "delete" {
			paths = append(paths, fc.Path)
		}
	}
	return paths
}

// deleteFiles removes paths from both the project's generated-files map and
// the live sandbox instance, spec §3's "hard delete from store and
// sandbox" lifecycle rule.
func (m *Machine) deleteFiles(ctx context.Context, p *model.Project, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	m.deps.Files.DeleteFiles(p, paths)
	if _, err := m.deps.Store.Mutate(ctx, func(np *model.Project) error {
		np.GeneratedFilesMap = p.GeneratedFilesMap
		return nil
	}); err != nil {
		return err
	}
	if m.deps.Sandbox != nil && p.SandboxInstanceID != "" {
		start := time.Now()
		err := m.deps.Sandbox.DeleteFiles(ctx, p.SandboxInstanceID, paths)
		m.observeSandboxCall("DeleteFiles", err, start)
		if err != nil {
			m.emit(broadcaster.New("error", map[string]any{"message": err.Error()}))
		}
	}
	m.emit(broadcaster.New("files_deleted", map[string]any{"paths": paths}))
	return nil
}

func safeTemplateDetails(p *model.Project) model.TemplateDetails {
	if p.TemplateDetails == nil {
		return model.TemplateDetails{}
	}
	return *p.TemplateDetails
}

// runPhaseImplementing implements the current phase end-to-end: stream
// files, run the realtime fixer, save + deploy, then decide whether to
// continue generating or finalize, spec §4.8's PHASE_IMPLEMENTING row.
func (m *Machine) runPhaseImplementing(ctx context.Context, p *model.Project) error {
	phase := p.CurrentPhase()
	if phase == nil {
		return kerrors.New(kerrors.Fatal, "statemachine: PHASE_IMPLEMENTING with no current phase")
	}
	isFirstPhase := len(p.GeneratedPhases) <= 1

	if delPaths := deletionPaths(phase.Files); len(delPaths) > 0 {
		if err := m.deleteFiles(ctx, p, delPaths); err != nil {
			return err
		}
	}

	m.emit(broadcaster.New("phase_implementing", map[string]any{"phase": phase}))

	oc := operations.OpContext{Ctx: ctx, Project: p, TemplateDetails: safeTemplateDetails(p)}
	cb := operations.ImplementCallbacks{
		OnFileGenerating: func(path string) {
			m.emit(broadcaster.New("file_generating", map[string]any{"path": path}))
		},
		OnFileChunk: func(path, chunk string) {
			m.emit(broadcaster.New("file_chunk_generated", map[string]any{"path": path, "chunk": chunk}))
		},
		OnFileGenerated: func(f model.File) {
			m.emit(broadcaster.New("file_generated", map[string]any{"path": f.Path}))
		},
	}

	phaseStart := time.Now()
	result, err := m.deps.Ops.ImplementPhase(oc, phase, collectIssues(p), isFirstPhase, operations.UserContext{Suggestions: p.PendingUserInputs}, cb)
	if m.deps.Metrics != nil {
		m.deps.Metrics.PhaseDuration.Observe(time.Since(phaseStart).Seconds())
	}
	if err != nil {
		return err
	}

	m.emit(broadcaster.New("phase_validating", map[string]any{}))

	if len(result.Files) > 0 {
		if err := m.deps.Files.SaveGeneratedFiles(p, result.Files, phase.Name); err != nil {
			return err
		}
		if _, err := m.deps.Store.Mutate(ctx, func(np *model.Project) error {
			np.GeneratedFilesMap = p.GeneratedFilesMap
			return nil
		}); err != nil {
			return err
		}

		if m.deps.Sandbox != nil {
			writes := make([]sandbox.FileWrite, 0, len(result.Files))
			for _, f := range result.Files {
				writes = append(writes, sandbox.FileWrite{Path: f.Path, Contents: f.Contents})
			}
			m.emit(broadcaster.New("deployment_started", map[string]any{}))
			deployStart := time.Now()
			deployRes, err := m.deps.Sandbox.Deploy(ctx, p.SandboxInstanceID, writes, sandbox.DeployOptions{CommitMessage: phase.Name})
			m.observeSandboxCall("Deploy", err, deployStart)
			if err != nil {
				m.emit(broadcaster.New("deployment_failed", map[string]any{"message": err.Error()}))
			} else {
				m.emit(broadcaster.New("deployment_completed", map[string]any{"previewUrl": deployRes.PreviewURL}))
			}
		}

		if len(result.Commands) > 0 {
			if err := m.ExecuteCommandBatches(ctx, p, result.Commands, nil); err != nil {
				return err
			}
		}

		if m.deps.PostPhaseFixing {
			if err := m.runPostPhaseFixing(ctx, p, result.Files); err != nil {
				return err
			}
		}
	}

	m.emit(broadcaster.New("phase_validated", map[string]any{}))

	if _, err := m.deps.Store.Mutate(ctx, func(np *model.Project) error {
		for _, existing := range np.GeneratedPhases {
			if existing.ID == phase.ID {
				existing.Completed = true
			}
		}
		if np.PhasesCounter > 0 {
			np.PhasesCounter--
		}
		return nil
	}); err != nil {
		return err
	}

	m.emit(broadcaster.New("phase_implemented", map[string]any{"phase": phase.ID}))

	p = m.deps.Store.Get()
	noPendingInput := len(p.PendingUserInputs) == 0
	if phase.LastPhase || (p.PhasesCounter <= 0 && noPendingInput) {
		return m.setState(ctx, model.StateFinalizing)
	}
	return m.setState(ctx, model.StatePhaseGenerating)
}

func (m *Machine) runPostPhaseFixing(ctx context.Context, p *model.Project, justSaved []model.File) error {
	allFiles := filemanager.GetAllFiles(p)
	var typeIssues []model.Issue
	if m.deps.Sandbox != nil {
		paths := make([]string, 0, len(justSaved))
		for _, f := range justSaved {
			paths = append(paths, f.Path)
		}
		analysisStart := time.Now()
		analysis, err := m.deps.Sandbox.RunStaticAnalysis(ctx, p.SandboxInstanceID, paths)
		m.observeSandboxCall("RunStaticAnalysis", err, analysisStart)
		if err == nil {
			for _, iss := range analysis.Typecheck.Issues {
				typeIssues = append(typeIssues, model.Issue{Path: iss.Path, Line: iss.Line, Code: iss.Code, Message: iss.Message, Source: "typecheck"})
			}
		}
	}
	if len(typeIssues) == 0 {
		return nil
	}

	m.emit(broadcaster.New("deterministic_code_fix_started", map[string]any{}))
	fix := m.deps.Ops.DeterministicFixer(allFiles, typeIssues)
	m.emit(broadcaster.New("deterministic_code_fix_completed", map[string]any{"fixed": len(fix.ModifiedFiles), "unfixable": len(fix.UnfixableIssues)}))

	if len(fix.InstallCommands) > 0 {
		if err := m.ExecuteCommandBatches(ctx, p, fix.InstallCommands, nil); err != nil {
			return err
		}
	}

	remaining := fix.UnfixableIssues
	if m.deps.AgentMode == model.AgentModeSmart && len(fix.UnfixableIssues) > 0 {
		oc := operations.OpContext{Ctx: ctx, Project: p, TemplateDetails: safeTemplateDetails(p)}
		patched, err := m.deps.Ops.FastCodeFixer(oc, p.Query, fix.UnfixableIssues, allFiles)
		if err == nil && len(patched) > 0 {
			_ = m.deps.Files.SaveGeneratedFiles(p, patched, "Fix remaining issues")
			remaining = nil
		}
	}

	_, err := m.deps.Store.Mutate(ctx, func(np *model.Project) error {
		np.OutstandingIssues = append([]model.Issue{}, remaining...)
		return nil
	})
	return err
}

// runFinalizing runs the finalization phase at most once, guarded by
// mvpGenerated, spec §4.8's FINALIZING row.
func (m *Machine) runFinalizing(ctx context.Context, p *model.Project) error {
	if !p.MVPGenerated {
		if _, err := m.deps.Store.Mutate(ctx, func(np *model.Project) error {
			np.MVPGenerated = true
			return nil
		}); err != nil {
			return err
		}
	}
	return m.setState(ctx, model.StateReviewing)
}

// runReviewing runs the review entry once (asks about auto-fixing bugs),
// then returns to IDLE on re-entry, spec §4.8's REVIEWING rows.
func (m *Machine) runReviewing(ctx context.Context, p *model.Project) error {
	if !p.ReviewingInitiated {
		issues := collectIssues(p)
		if len(issues) > 0 {
			m.emit(broadcaster.New("code_reviewing", map[string]any{}))
			m.emit(broadcaster.New("code_reviewed", map[string]any{"issueCount": len(issues)}))
		}
		if _, err := m.deps.Store.Mutate(ctx, func(np *model.Project) error {
			np.ReviewingInitiated = true
			return nil
		}); err != nil {
			return err
		}
	}
	return m.setState(ctx, model.StateIdle)
}

// ExecuteCommandBatches implements the deterministic command-execution
// sub-algorithm of spec §4.8: normalize/dedupe, chunk into batches of 5,
// execute with retry-on-install-failure, then sync package.json.
func (m *Machine) ExecuteCommandBatches(ctx context.Context, p *model.Project, raw []string, suggestAlternatives func(ctx context.Context, failed []string) ([]string, error)) error {
	cleaned := ValidateAndClean(raw)
	batches := Chunk(cleaned)

	var successful []string
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil
		}
		execStart := time.Now()
		res, err := m.deps.Sandbox.ExecuteCommands(ctx, p.SandboxInstanceID, batch, 0)
		m.observeSandboxCall("ExecuteCommands", err, execStart)
		if err != nil {
			return err
		}
		if res.Success {
			successful = append(successful, batch...)
			continue
		}

		var failed []string
		for _, r := range res.Results {
			if !r.Success && isInstallCommand(r.Command) {
				failed = append(failed, r.Command)
			} else if r.Success {
				successful = append(successful, r.Command)
			}
		}
		if len(failed) == 0 || suggestAlternatives == nil {
			continue
		}
		for retry := 0; retry < 3 && len(failed) > 0; retry++ {
			alts, err := suggestAlternatives(ctx, failed)
			if err != nil || len(alts) == 0 {
				break
			}
			retryStart := time.Now()
			retryRes, err := m.deps.Sandbox.ExecuteCommands(ctx, p.SandboxInstanceID, alts, 0)
			m.observeSandboxCall("ExecuteCommands", err, retryStart)
			if err != nil {
				break
			}
			if retryRes.Success {
				successful = append(successful, alts...)
				failed = nil
			}
		}
	}

	if len(successful) == 0 {
		return nil
	}
	if _, err := m.deps.Store.Mutate(ctx, func(np *model.Project) error {
		for _, cmd := range successful {
			np.CommandsHistory = append(np.CommandsHistory, model.Command{Text: cmd, Succeeded: true})
		}
		return nil
	}); err != nil {
		return err
	}

	if needsPackageJSONSync(successful) {
		return m.syncPackageJSONFromSandbox(ctx, p)
	}
	return nil
}

func (m *Machine) syncPackageJSONFromSandbox(ctx context.Context, p *model.Project) error {
	getStart := time.Now()
	res, err := m.deps.Sandbox.GetFiles(ctx, p.SandboxInstanceID, []string{"package.json"})
	m.observeSandboxCall("GetFiles", err, getStart)
	if err != nil {
		return err
	}
	contents, ok := res.Files["package.json"]
	if !ok {
		return nil
	}
	_, err = m.deps.Store.Mutate(ctx, func(np *model.Project) error {
		np.LastPackageJSON = contents
		return nil
	})
	if err != nil {
		return err
	}
	return m.deps.Files.SaveGeneratedFiles(p, []model.File{{Path: "package.json", Contents: contents}}, "Sync package.json from sandbox")
}
