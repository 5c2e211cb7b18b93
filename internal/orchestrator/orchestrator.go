package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/forgepilot/orchestrator/internal/appregistry"
	"github.com/forgepilot/orchestrator/internal/broadcaster"
	"github.com/forgepilot/orchestrator/internal/config"
	"github.com/forgepilot/orchestrator/internal/conversation"
	"github.com/forgepilot/orchestrator/internal/deployment"
	"github.com/forgepilot/orchestrator/internal/filemanager"
	"github.com/forgepilot/orchestrator/internal/githubpush"
	"github.com/forgepilot/orchestrator/internal/gitstore"
	"github.com/forgepilot/orchestrator/internal/kerrors"
	"github.com/forgepilot/orchestrator/internal/metrics"
	"github.com/forgepilot/orchestrator/internal/model"
	"github.com/forgepilot/orchestrator/internal/modelbackend"
	"github.com/forgepilot/orchestrator/internal/operations"
	"github.com/forgepilot/orchestrator/internal/sandbox"
	"github.com/forgepilot/orchestrator/internal/statemachine"
	"github.com/forgepilot/orchestrator/internal/store"
)

// projectNamePattern mirrors spec §3's projectName constraint: letters,
// digits, underscore, hyphen — no whitespace (spec §8 scenario 4).
var projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ScreenshotCapturer is the black-box browser-render collaborator of
// spec §4.7's captureScreenshot.
type ScreenshotCapturer interface {
	Capture(ctx context.Context, url string, viewportW, viewportH int) (imageURL string, err error)
}

// Deps bundles every collaborator one project's Agent needs.
type Deps struct {
	Store       *store.Store
	Conv        *conversation.Log
	Git         *gitstore.Store
	Files       *filemanager.Manager
	Sandbox     sandbox.Client
	Ops         *operations.Operations
	Broadcaster *broadcaster.Broadcaster
	Deploy      *deployment.Manager
	Pusher      *githubpush.Pusher
	Registry    appregistry.Registry
	Screenshots ScreenshotCapturer
	Runs        *Registry
	CfgCtx      config.Context
	Metrics     *metrics.Registry
	NewSessionID func() string
}

// Agent is the Orchestrator of spec §4.7, scoped to one project.
type Agent struct {
	id   string
	deps Deps
}

// New constructs an Agent for projectID.
func New(projectID string, deps Deps) *Agent {
	if deps.NewSessionID == nil {
		deps.NewSessionID = func() string { return uuid.New().String() }
	}
	return &Agent{id: projectID, deps: deps}
}

func (a *Agent) emit(ev broadcaster.Event) {
	if a.deps.Broadcaster != nil {
		a.deps.Broadcaster.Send(ev)
	}
}

// InitializeRequest is Initialize's input, spec §4.7.
type InitializeRequest struct {
	Query           string
	Language        string
	Frameworks      []string
	Hostname        string
	InferenceContext model.InferenceContext
	TemplateName    string
	TemplateDetails model.TemplateDetails
	// Customize rewrites template files (package.json, wrangler.jsonc,
	// .bootstrap.js, .gitignore) for this project before the initial
	// commit, spec §4.7 "via a customization function."
	Customize func(path, contents string) string
	OnBlueprintChunk func(string)
	Images          []string
}

// Initialize plans the blueprint, generates a project slug, commits the
// customized template files, and kicks off async sandbox deploy + setup
// command generation + README generation, spec §4.7.
func (a *Agent) Initialize(ctx context.Context, req InitializeRequest) (*model.Project, error) {
	p := &model.Project{
		ID:               a.id,
		CreatedAt:        time.Now(),
		Query:            req.Query,
		Images:           req.Images,
		Hostname:         req.Hostname,
		TemplateName:     req.TemplateName,
		TemplateDetails:  &req.TemplateDetails,
		InferenceContext: req.InferenceContext,
		AgentMode:        model.AgentModeSmart,
		PhasesCounter:    3,
		CurrentDevState:  model.StateIdle,
	}

	oc := operations.OpContext{Ctx: ctx, Project: p, TemplateDetails: req.TemplateDetails}

	blueprint, err := a.planBlueprint(oc, req)
	if err != nil {
		return nil, err
	}
	p.Blueprint = *blueprint
	p.ProjectName = slugForBlueprint(blueprint, req.Query)

	if err := a.deps.Store.Set(ctx, p); err != nil {
		return nil, err
	}

	customize := req.Customize
	if customize == nil {
		customize = func(_, contents string) string { return contents }
	}
	var writes []gitstore.FileWrite
	for _, path := range []string{"package.json", "wrangler.jsonc", ".bootstrap.js", ".gitignore"} {
		contents, ok := req.TemplateDetails.AllFiles[path]
		if !ok {
			continue
		}
		writes = append(writes, gitstore.FileWrite{Path: path, Contents: customize(path, contents)})
	}
	if len(writes) > 0 {
		if _, err := a.deps.Git.Commit(writes, "Initialize project configuration files"); err != nil {
			return nil, err
		}
	}

	if a.deps.Registry != nil {
		_, _ = a.deps.Registry.CreateApp(ctx, a.id, p.ProjectName)
	}

	a.kickoffAsyncInitialization(ctx, p, req.TemplateDetails)

	a.emit(broadcaster.New("agent_connected", map[string]any{"state": p, "templateDetails": req.TemplateDetails}))
	return p, nil
}

// kickoffAsyncInitialization starts Initialize's three background jobs,
// spec §4.7: an initial sandbox deploy of the template, setup-command
// generation, and a generated README. Each runs detached from ctx's
// cancellation (it must survive the HTTP request that triggered
// Initialize) and broadcasts its own completion/failure rather than
// blocking Initialize's caller.
func (a *Agent) kickoffAsyncInitialization(ctx context.Context, p *model.Project, templateDetails model.TemplateDetails) {
	bg := context.WithoutCancel(ctx)
	if a.deps.Sandbox != nil {
		go a.deployInitialSandbox(bg, templateDetails)
	}
	if a.deps.Ops != nil && a.deps.Ops.Model != nil {
		go a.generateSetupCommands(bg, p)
		go a.generateReadme(bg, p)
	}
}

func (a *Agent) deployInitialSandbox(ctx context.Context, templateDetails model.TemplateDetails) {
	if len(templateDetails.AllFiles) == 0 {
		return
	}
	writes := make([]sandbox.FileWrite, 0, len(templateDetails.AllFiles))
	for path, contents := range templateDetails.AllFiles {
		writes = append(writes, sandbox.FileWrite{Path: path, Contents: contents})
	}
	if _, err := a.DeployToSandbox(ctx, writes, false, false, "Initial template deploy"); err != nil {
		a.emit(broadcaster.New("deployment_failed", map[string]any{"message": err.Error()}))
	}
}

// generateSetupCommands asks the model for the shell commands that install
// this project's dependencies, then runs them in the sandbox, spec §4.7.
func (a *Agent) generateSetupCommands(ctx context.Context, p *model.Project) {
	resp, err := a.deps.Ops.Model.Complete(ctx, modelbackend.Request{
		Provider: p.InferenceContext.Provider,
		Model:    p.InferenceContext.Model,
		System:   "List the shell commands needed to install this project's dependencies, one per line. Reply with commands only, no commentary.",
		Messages: []model.Message{{Role: model.RoleUser, Content: p.Query}},
	})
	if err != nil || a.deps.Sandbox == nil {
		return
	}
	var commands []string
	for _, line := range strings.Split(resp.Text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			commands = append(commands, line)
		}
	}
	if len(commands) == 0 {
		return
	}
	sessionID := a.currentSandboxSessionID()
	if _, err := a.deps.Sandbox.ExecuteCommands(ctx, sessionID, commands, 0); err != nil {
		a.emit(broadcaster.New("error", map[string]any{"message": err.Error()}))
		return
	}
	a.emit(broadcaster.New("setup_commands_completed", map[string]any{"commands": commands}))
}

// generateReadme asks the model for a project README and commits it to the
// GitStore, spec §4.7.
func (a *Agent) generateReadme(ctx context.Context, p *model.Project) {
	resp, err := a.deps.Ops.Model.Complete(ctx, modelbackend.Request{
		Provider: p.InferenceContext.Provider,
		Model:    p.InferenceContext.Model,
		System:   "Write a concise README.md for this project, in Markdown.",
		Messages: []model.Message{{Role: model.RoleUser, Content: p.Query}},
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		return
	}
	file := model.File{Path: "README.md", Contents: resp.Text, LastModified: time.Now()}
	if err := a.deps.Files.SaveGeneratedFiles(p, []model.File{file}, "Generate README"); err != nil {
		a.emit(broadcaster.New("error", map[string]any{"message": err.Error()}))
		return
	}
	if _, err := a.deps.Store.Mutate(ctx, func(np *model.Project) error {
		np.GeneratedFilesMap = p.GeneratedFilesMap
		return nil
	}); err != nil {
		a.emit(broadcaster.New("error", map[string]any{"message": err.Error()}))
		return
	}
	a.emit(broadcaster.New("readme_generated", map[string]any{"path": file.Path}))
}

// planBlueprint is Initialize's direct model call — blueprint planning
// has no dedicated Operations method in spec §4.6, so Agent talks to the
// model backend itself rather than routing through Operations.
func (a *Agent) planBlueprint(oc operations.OpContext, req InitializeRequest) (*model.Blueprint, error) {
	system := "You are planning the initial blueprint for a new software project. " +
		"Produce a concise title, description, user flow, architecture summary, " +
		"and a short implementation roadmap."
	prompt := fmt.Sprintf("query: %s\nframeworks: %v\nlanguage: %s", req.Query, req.Frameworks, req.Language)

	var text string
	_, err := a.deps.Ops.Model.Stream(oc.Ctx, modelbackend.Request{
		System:   system,
		Messages: []model.Message{{Role: model.RoleUser, Content: prompt}},
	}, func(chunk modelbackend.Chunk) error {
		if chunk.TextDelta != "" {
			text += chunk.TextDelta
			if req.OnBlueprintChunk != nil {
				req.OnBlueprintChunk(chunk.TextDelta)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &model.Blueprint{
		Title:       firstNonEmptyLine(text, req.Query),
		Description: text,
		Frameworks:  req.Frameworks,
	}, nil
}

func firstNonEmptyLine(s, fallback string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line)
		}
	}
	return fallback
}

func slugForBlueprint(b *model.Blueprint, query string) string {
	base := b.Title
	if base == "" {
		base = query
	}
	slug := slugify(base)
	if len(slug) > 20 {
		slug = slug[:20]
	}
	if slug == "" {
		slug = "project"
	}
	return slug + "-" + strings.ToLower(ulid.Make().String()[:8])
}

func slugify(s string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteRune('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// GenerateAllFiles enters the state machine, spec §4.7. Single-flight:
// concurrent callers observe exactly one run (spec §8 property 4).
func (a *Agent) GenerateAllFiles(ctx context.Context, reviewCycles int) error {
	p := a.deps.Store.Get()
	if p == nil {
		return kerrors.New(kerrors.Fatal, "generateAllFiles: project not initialized")
	}
	if p.MVPGenerated && len(p.PendingUserInputs) == 0 {
		return nil
	}

	runCtx, _, finish, started, alreadyRunning := a.deps.Runs.BeginGeneration(ctx, a.id)
	if !started {
		if alreadyRunning != nil {
			<-alreadyRunning
		}
		return nil
	}
	defer finish(nil)

	a.emit(broadcaster.New("generation_started", map[string]any{}))

	machine := statemachine.New(statemachine.Deps{
		Store:           a.deps.Store,
		Files:           a.deps.Files,
		Sandbox:         a.deps.Sandbox,
		Ops:             a.deps.Ops,
		Broadcaster:     a.deps.Broadcaster,
		Metrics:         a.deps.Metrics,
		PostPhaseFixing: true,
		AgentMode:       p.AgentMode,
	})
	err := machine.Run(runCtx, reviewCycles)
	if a.deps.Metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		a.deps.Metrics.StateMachineRuns.WithLabelValues(outcome).Inc()
	}
	finish(err)
	return err
}

// HandleUserInput processes one user message: pulls runtime errors and
// accumulated project-update notes, runs UserConverse, and starts the
// state machine if it is idle, spec §4.7.
func (a *Agent) HandleUserInput(ctx context.Context, text string, images []string) (*operations.UserConverseResult, error) {
	p := a.deps.Store.Get()
	if p == nil {
		return nil, kerrors.New(kerrors.Fatal, "handleUserInput: project not initialized")
	}

	var runtimeErrors []model.RuntimeError
	if a.deps.Sandbox != nil {
		raw, err := a.deps.Sandbox.FetchRuntimeErrors(ctx, p.SandboxInstanceID, true)
		if err == nil {
			for _, e := range raw {
				runtimeErrors = append(runtimeErrors, model.RuntimeError{Message: e.Message, Stack: e.Stack, Path: e.Path, Timestamp: e.Timestamp})
			}
		}
	}

	if err := a.deps.Conv.Append(ctx, model.Message{Role: model.RoleUser, Content: text, ConversationID: ulid.Make().String()}); err != nil {
		return nil, err
	}

	oc := operations.OpContext{Ctx: ctx, Project: p, TemplateDetails: safeTemplateDetails(p)}
	result, err := a.deps.Ops.UserConverse(oc, text, runtimeErrors, p.ProjectUpdatesAccumulator, images, func(chunk string) {
		a.emit(broadcaster.New("conversation_response", map[string]any{"chunk": chunk}))
	}, nil)
	if err != nil {
		return nil, err
	}

	if err := a.deps.Conv.Append(ctx, model.Message{Role: model.RoleAssistant, Content: result.UserResponse, ConversationID: ulid.Make().String()}); err != nil {
		return nil, err
	}

	if !a.deps.Runs.IsGenerating(a.id) {
		go func() {
			_ = a.GenerateAllFiles(context.Background(), 5)
		}()
	}
	return result, nil
}

func safeTemplateDetails(p *model.Project) model.TemplateDetails {
	if p.TemplateDetails == nil {
		return model.TemplateDetails{}
	}
	return *p.TemplateDetails
}

// QueueUserRequest enqueues text for the next generation cycle, recharges
// phasesCounter to at least 3, spec §4.7.
func (a *Agent) QueueUserRequest(ctx context.Context, text string, images []string) error {
	_, err := a.deps.Store.Mutate(ctx, func(p *model.Project) error {
		p.PendingUserInputs = append(p.PendingUserInputs, text)
		if p.PhasesCounter < 3 {
			p.PhasesCounter = 3
		}
		return nil
	})
	return err
}

// ClearConversation empties conversationMessages (not the persisted full
// history) and broadcasts, spec §4.7.
func (a *Agent) ClearConversation(ctx context.Context) error {
	_, err := a.deps.Store.Mutate(ctx, func(p *model.Project) error {
		p.ConversationMessages = nil
		return nil
	})
	if err != nil {
		return err
	}
	a.emit(broadcaster.New("conversation_cleared", map[string]any{}))
	return nil
}

// UpdateProjectName validates name, updates the blueprint, propagates to
// the sandbox and app registry, and broadcasts, spec §4.7/§8 scenario 4.
func (a *Agent) UpdateProjectName(ctx context.Context, name string) (bool, error) {
	if !projectNamePattern.MatchString(name) {
		return false, nil
	}
	p, err := a.deps.Store.Mutate(ctx, func(p *model.Project) error {
		p.ProjectName = name
		p.Blueprint.ProjectName = name
		return nil
	})
	if err != nil {
		return false, err
	}
	if a.deps.Sandbox != nil && p.SandboxInstanceID != "" {
		_ = a.deps.Sandbox.UpdateProjectName(ctx, p.SandboxInstanceID, name)
	}
	if a.deps.Registry != nil {
		_ = a.deps.Registry.UpdateApp(ctx, a.id, appregistry.AppUpdate{Title: name})
	}
	a.emit(broadcaster.New("project_name_updated", map[string]any{"projectName": name}))
	return true, nil
}

// UpdateBlueprint whitelisted-keys deep merges patch into the blueprint;
// a "projectName" key delegates to UpdateProjectName, spec §4.7.
func (a *Agent) UpdateBlueprint(ctx context.Context, patch map[string]any) error {
	if name, ok := patch["projectName"].(string); ok {
		_, err := a.UpdateProjectName(ctx, name)
		return err
	}

	_, err := a.deps.Store.Mutate(ctx, func(p *model.Project) error {
		applyBlueprintPatch(&p.Blueprint, patch)
		return nil
	})
	if err != nil {
		return err
	}
	a.emit(broadcaster.New("blueprint_updated", map[string]any{"patch": patch}))
	return nil
}

func applyBlueprintPatch(b *model.Blueprint, patch map[string]any) {
	for key := range model.BlueprintPatchKeys {
		v, ok := patch[key]
		if !ok {
			continue
		}
		switch key {
		case "title":
			if s, ok := v.(string); ok {
				b.Title = s
			}
		case "description":
			if s, ok := v.(string); ok {
				b.Description = s
			}
		case "userFlow":
			if s, ok := v.(string); ok {
				b.UserFlow = s
			}
		case "architecture":
			if s, ok := v.(string); ok {
				b.Architecture = s
			}
		case "frameworks":
			b.Frameworks = toStringSlice(v)
		case "views":
			b.Views = toStringSlice(v)
		case "pitfalls":
			b.Pitfalls = toStringSlice(v)
		case "implementationRoadmap":
			b.ImplementationRoadmap = toStringSlice(v)
		case "colorPalette":
			b.ColorPalette = toStringSlice(v)
		}
	}
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// DeployToSandbox runs a sandbox deploy through the deployment manager and
// records the sandbox session id on the project, spec §4.7. It runs no
// setup commands and does not sync package.json from the sandbox.
func (a *Agent) DeployToSandbox(ctx context.Context, files []sandbox.FileWrite, redeploy, clearLogs bool, commitMessage string) (sandbox.DeployResult, error) {
	p := a.deps.Store.Get()
	res, err := a.deps.Deploy.DeployToSandbox(ctx, a.deps.NewSessionID, files, redeploy, clearLogs, commitMessage)
	if err != nil {
		return res, err
	}
	_, mErr := a.deps.Store.Mutate(ctx, func(np *model.Project) error {
		np.SandboxInstanceID = a.currentSandboxSessionID()
		return nil
	})
	if mErr != nil {
		return res, mErr
	}
	_ = p
	return res, nil
}

func (a *Agent) currentSandboxSessionID() string {
	return a.deps.Deploy.SessionID(a.deps.NewSessionID)
}

// DeployToCloudflare ensures a sandbox exists and runs the cloud deploy
// path, updating the app registry with the deployment id, spec §4.7.
func (a *Agent) DeployToCloudflare(ctx context.Context) (string, error) {
	deploymentID, err := a.deps.Deploy.DeployToCloudflare(ctx, a.deps.NewSessionID)
	if err != nil {
		return "", err
	}
	if a.deps.Registry != nil {
		_ = a.deps.Registry.UpdateApp(ctx, a.id, appregistry.AppUpdate{DeploymentID: deploymentID})
	}
	return deploymentID, nil
}

// StopGeneration cancels the current inference, spec §4.7/§5, and
// broadcasts generation_stopped right away. The run loop emits no event of
// its own when it observes the cancellation, so this is the only
// generation_stopped broadcast; sending it here keeps scenario 3's <=1s
// bound even if the run loop is slow to unwind.
func (a *Agent) StopGeneration(ctx context.Context) error {
	a.deps.Runs.StopGeneration(a.id)
	a.emit(broadcaster.New("generation_stopped", map[string]any{"message": "generation stopped by user"}))
	return nil
}

// ResumeGeneration sets shouldBeGenerating and restarts the run if it
// isn't already active, spec §4.7.
func (a *Agent) ResumeGeneration(ctx context.Context) error {
	_, err := a.deps.Store.Mutate(ctx, func(p *model.Project) error {
		p.ShouldBeGenerating = true
		return nil
	})
	if err != nil {
		return err
	}
	a.emit(broadcaster.New("generation_resumed", map[string]any{}))
	if !a.deps.Runs.IsGenerating(a.id) {
		go func() { _ = a.GenerateAllFiles(context.Background(), 5) }()
	}
	return nil
}

// CaptureScreenshot renders url via the black-box browser-render
// collaborator and persists the resulting image URL on the registry row,
// spec §4.7.
func (a *Agent) CaptureScreenshot(ctx context.Context, url string, viewportW, viewportH int) (string, error) {
	a.emit(broadcaster.New("screenshot_capture_started", map[string]any{}))
	if a.deps.Screenshots == nil {
		err := kerrors.New(kerrors.Configuration, "no screenshot capturer configured")
		a.emit(broadcaster.New("screenshot_capture_error", map[string]any{"message": err.Error()}))
		return "", err
	}
	imageURL, err := a.deps.Screenshots.Capture(ctx, url, viewportW, viewportH)
	if err != nil {
		a.emit(broadcaster.New("screenshot_capture_error", map[string]any{"message": err.Error()}))
		return "", err
	}
	if a.deps.Registry != nil {
		_ = a.deps.Registry.UpdateApp(ctx, a.id, appregistry.AppUpdate{ScreenshotURL: imageURL})
	}
	a.emit(broadcaster.New("screenshot_capture_success", map[string]any{"url": imageURL}))
	return imageURL, nil
}

// PushToGitHubRequest is pushToGitHub's input, spec §4.7/§6.
type PushToGitHubRequest struct {
	Token           string
	Username        string
	Email           string
	RepositoryOwner string
	RepositoryName  string
	IsPrivate       bool
}

// PushToGitHub exports git objects and pushes to the remote repository,
// spec §4.7/§8 scenario 6.
func (a *Agent) PushToGitHub(ctx context.Context, req PushToGitHubRequest) (*githubpush.Result, error) {
	p := a.deps.Store.Get()
	a.emit(broadcaster.New("github_export_started", map[string]any{}))

	res, err := a.deps.Pusher.Push(ctx, a.deps.Git, githubpush.Credentials{
		Token:    req.Token,
		Username: req.Username,
		Email:    req.Email,
	}, githubpush.Options{
		RepositoryOwner: req.RepositoryOwner,
		RepositoryName:  req.RepositoryName,
		IsPrivate:       req.IsPrivate,
	}, githubpush.Metadata{AppCreatedAt: p.CreatedAt, Query: p.Query})
	if err != nil {
		a.emit(broadcaster.New("github_export_error", map[string]any{"message": err.Error()}))
		return nil, err
	}

	if a.deps.Registry != nil {
		_ = a.deps.Registry.UpdateApp(ctx, a.id, appregistry.AppUpdate{GitHubRepositoryURL: res.RepositoryURL})
	}
	a.emit(broadcaster.New("github_export_completed", map[string]any{"commitSha": res.CommitSHA, "repositoryUrl": res.RepositoryURL}))
	return res, nil
}

// ListCommits returns the project's commit history, most recent first,
// spec §4.3's `log` surfaced to clients over the phase history endpoint.
func (a *Agent) ListCommits(limit int) ([]gitstore.CommitInfo, error) {
	return a.deps.Git.Log(limit)
}

// ShowCommit returns one commit's file list and (when includeDiff) its
// per-file diffs against its parent, spec §4.3's `show`.
func (a *Agent) ShowCommit(oid string, includeDiff bool) (*gitstore.ShowResult, error) {
	return a.deps.Git.Show(oid, includeDiff)
}

// ReadFiles returns the requested paths from the template∪generated
// union view, spec §4.7.
func (a *Agent) ReadFiles(paths []string) map[string]string {
	p := a.deps.Store.Get()
	all := filemanager.GetAllFiles(p)
	out := make(map[string]string, len(paths))
	for _, path := range paths {
		if c, ok := all[path]; ok {
			out[path] = c
		}
	}
	return out
}

// ExecCommands runs cmds in the sandbox via the deterministic
// command-cleanup sub-algorithm, optionally recording them, spec §4.7.
func (a *Agent) ExecCommands(ctx context.Context, cmds []string, shouldSave bool, timeout time.Duration) (sandbox.ExecuteCommandsResult, error) {
	p := a.deps.Store.Get()
	cleaned := statemachine.ValidateAndClean(cmds)
	res, err := a.deps.Sandbox.ExecuteCommands(ctx, p.SandboxInstanceID, cleaned, timeout)
	if err != nil {
		return res, err
	}
	if shouldSave {
		_, err = a.deps.Store.Mutate(ctx, func(np *model.Project) error {
			for _, r := range res.Results {
				np.CommandsHistory = append(np.CommandsHistory, model.Command{Text: r.Command, Succeeded: r.Success, AddedAt: time.Now()})
			}
			return nil
		})
	}
	return res, err
}

// RunStaticAnalysisCode runs lint+typecheck over files (or the whole
// project when files is empty), spec §4.7.
func (a *Agent) RunStaticAnalysisCode(ctx context.Context, files []string) (sandbox.StaticAnalysisResult, error) {
	p := a.deps.Store.Get()
	res, err := a.deps.Sandbox.RunStaticAnalysis(ctx, p.SandboxInstanceID, files)
	if err == nil {
		a.emit(broadcaster.New("static_analysis_results", map[string]any{"lint": res.Lint, "typecheck": res.Typecheck}))
	}
	return res, err
}

// FetchRuntimeErrors drains (or peeks at) the sandbox's runtime error
// queue, spec §4.7.
func (a *Agent) FetchRuntimeErrors(ctx context.Context, clear bool) ([]sandbox.RuntimeError, error) {
	p := a.deps.Store.Get()
	errs, err := a.deps.Sandbox.FetchRuntimeErrors(ctx, p.SandboxInstanceID, clear)
	for _, e := range errs {
		a.emit(broadcaster.New("runtime_error_found", map[string]any{"message": e.Message, "path": e.Path}))
	}
	return errs, err
}

// RegenerateFileByPath regenerates one file in light of issues, spec
// §4.7.
func (a *Agent) RegenerateFileByPath(ctx context.Context, path string, issues []model.Issue) (model.File, error) {
	p := a.deps.Store.Get()
	existing, ok := p.GeneratedFilesMap[path]
	if !ok {
		existing = model.File{Path: path}
	}
	a.emit(broadcaster.New("file_regenerating", map[string]any{"path": path}))

	oc := operations.OpContext{Ctx: ctx, Project: p, TemplateDetails: safeTemplateDetails(p)}
	regenerated, err := a.deps.Ops.RegenerateFile(oc, existing, issues, 0)
	if err != nil {
		return model.File{}, err
	}
	if err := a.deps.Files.SaveGeneratedFiles(p, []model.File{regenerated}, ""); err != nil {
		return model.File{}, err
	}
	if _, err := a.deps.Store.Mutate(ctx, func(np *model.Project) error {
		np.GeneratedFilesMap[path] = p.GeneratedFilesMap[path]
		return nil
	}); err != nil {
		return model.File{}, err
	}
	a.emit(broadcaster.New("file_regenerated", map[string]any{"path": path}))
	return regenerated, nil
}

// GenerateFiles implements an ad-hoc phase outside the main state-machine
// loop (e.g. a user-requested addition), spec §4.7.
func (a *Agent) GenerateFiles(ctx context.Context, phaseName, description string, requirements []string, files []model.FileConcept) (*operations.ImplementResult, error) {
	p := a.deps.Store.Get()
	phase := &model.Phase{ID: "ad-hoc-" + ulid.Make().String(), Name: phaseName, Description: description, Files: files}

	oc := operations.OpContext{Ctx: ctx, Project: p, TemplateDetails: safeTemplateDetails(p)}
	result, err := a.deps.Ops.ImplementPhase(oc, phase, nil, false, operations.UserContext{Suggestions: requirements}, operations.ImplementCallbacks{
		OnFileGenerating: func(path string) { a.emit(broadcaster.New("file_generating", map[string]any{"path": path})) },
		OnFileChunk: func(path, chunk string) {
			a.emit(broadcaster.New("file_chunk_generated", map[string]any{"path": path, "chunk": chunk}))
		},
		OnFileGenerated: func(f model.File) { a.emit(broadcaster.New("file_generated", map[string]any{"path": f.Path})) },
	})
	if err != nil {
		return nil, err
	}
	if err := a.deps.Files.SaveGeneratedFiles(p, result.Files, phaseName); err != nil {
		return nil, err
	}
	return result, nil
}

// GetLogs returns cumulative (or reset) sandbox stdout/stderr, spec §4.7.
func (a *Agent) GetLogs(ctx context.Context, reset bool, duration time.Duration) (sandbox.LogsResult, error) {
	p := a.deps.Store.Get()
	res, err := a.deps.Sandbox.GetLogs(ctx, p.SandboxInstanceID, reset, duration)
	if err == nil {
		a.emit(broadcaster.New("terminal_output", map[string]any{"stdout": res.Stdout, "stderr": res.Stderr}))
	}
	return res, err
}

// ModelConfigs reports the registered model-inference backends for the
// client's get_model_configs tag (spec §4.9).
func (a *Agent) ModelConfigs() []modelbackend.ModelConfig {
	if a.deps.Ops == nil || a.deps.Ops.Model == nil {
		return nil
	}
	return a.deps.Ops.Model.ModelConfigs()
}

// EmitModelConfigs broadcasts the registered model-inference backends,
// the MessageRouter's response to the get_model_configs client tag.
func (a *Agent) EmitModelConfigs() {
	a.emit(broadcaster.New("model_configs", map[string]any{"configs": a.ModelConfigs()}))
}

// EmitError broadcasts a router-dispatched action's failure as an `error`
// event, since MessageRouter handlers report outcomes over the event
// stream rather than an HTTP response body.
func (a *Agent) EmitError(action string, err error) {
	a.emit(broadcaster.New("error", map[string]any{"action": action, "message": err.Error()}))
}

// DeepDebugRequest is DeepDebug's input, spec §4.6/§4.7.
type DeepDebugRequest struct {
	Issue      model.Issue
	FocusPaths []string
	Tools      []operations.Tool
}

// maxDeepDebugToolCallsPerTurn enforces spec §5's "at most one deep-debug
// tool invocation per conversation turn."
const maxDeepDebugToolCallsPerTurn = 1

// maxRepeatedDeepDebugToolCalls bounds how many times in a row DeepDebug may
// invoke the same tool before giving up, spec §7's LoopDetected.
const maxRepeatedDeepDebugToolCalls = 3

// DeepDebug runs one extended, tool-assisted debugging session over an
// issue, spec §4.6/§4.7. It enforces the generation/debug mutual exclusion
// and per-turn tool-call budget of spec §5 (via Runs.BeginDebug/
// TakeDeepDebugToolCall), raises LoopDetected when the model keeps
// re-invoking the same tool without progress, and persists the resulting
// transcript onto the project for the next call to resume from.
func (a *Agent) DeepDebug(ctx context.Context, req DeepDebugRequest) ([]operations.DeepDebugTranscriptEntry, error) {
	debugCtx, cancel, finish, err := a.deps.Runs.BeginDebug(ctx, a.id)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer finish()

	a.deps.Runs.ResetDeepDebugTurn(a.id)

	p := a.deps.Store.Get()
	if p == nil {
		return nil, kerrors.New(kerrors.Fatal, "deepDebug: project not initialized")
	}

	var previous []operations.DeepDebugTranscriptEntry
	if p.LastDeepDebugTranscript != "" {
		_ = json.Unmarshal([]byte(p.LastDeepDebugTranscript), &previous)
	}

	var runtimeErrors []model.RuntimeError
	if a.deps.Sandbox != nil {
		sandboxErrors, _ := a.deps.Sandbox.FetchRuntimeErrors(debugCtx, p.SandboxInstanceID, false)
		runtimeErrors = make([]model.RuntimeError, len(sandboxErrors))
		for i, e := range sandboxErrors {
			runtimeErrors[i] = model.RuntimeError{
				Message:   e.Message,
				Stack:     e.Stack,
				Path:      e.Path,
				Timestamp: e.Timestamp,
			}
		}
	}

	a.emit(broadcaster.New("deep_debug_started", map[string]any{"issue": req.Issue}))

	// toolRenderer enforces spec §5's per-turn tool-call budget and §7's
	// repeated-call loop detection. Both are vetoes, not aborts: a non-nil
	// return tells Operations.DeepDebug to skip tool.Implement and record
	// the typed error as a transcript entry, and the conversation turn
	// continues rather than the whole session failing.
	var lastTool string
	var repeats int
	toolRenderer := func(toolName string) error {
		a.emit(broadcaster.New("deep_debug_tool_call", map[string]any{"tool": toolName}))
		if n := a.deps.Runs.TakeDeepDebugToolCall(a.id); n > maxDeepDebugToolCallsPerTurn {
			err := kerrors.New(kerrors.CallLimitExceeded, "deepDebug: tool-call budget exceeded for this turn")
			a.emit(broadcaster.New("deep_debug_tool_error", map[string]any{"tool": toolName, "error": err.Error()}))
			return err
		}
		if toolName == lastTool {
			repeats++
		} else {
			lastTool = toolName
			repeats = 1
		}
		if repeats >= maxRepeatedDeepDebugToolCalls {
			err := kerrors.New(kerrors.LoopDetected, "deepDebug: tool \""+toolName+"\" invoked repeatedly without progress; skipping this call")
			a.emit(broadcaster.New("deep_debug_tool_error", map[string]any{"tool": toolName, "error": err.Error()}))
			repeats = 0
			return err
		}
		return nil
	}

	oc := operations.OpContext{Ctx: debugCtx, Project: p, TemplateDetails: safeTemplateDetails(p)}
	transcript, opErr := a.deps.Ops.DeepDebug(oc, req.Issue, previous, req.FocusPaths, runtimeErrors, req.Tools, toolRenderer, func(chunk string) {
		a.emit(broadcaster.New("deep_debug_chunk", map[string]any{"chunk": chunk}))
	})
	if opErr != nil {
		return nil, opErr
	}

	encoded, err := json.Marshal(transcript)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "deepDebug: encode transcript", err)
	}
	if _, err := a.deps.Store.Mutate(ctx, func(np *model.Project) error {
		np.LastDeepDebugTranscript = string(encoded)
		return nil
	}); err != nil {
		return nil, err
	}

	a.emit(broadcaster.New("deep_debug_completed", map[string]any{"turns": len(transcript)}))
	return transcript, nil
}
