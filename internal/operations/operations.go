// Package operations implements the black-box, model-backed operations of
// spec §4.6: PlanNextPhase, ImplementPhase, RegenerateFile, FastCodeFixer,
// DeterministicFixer, UserConverse and DeepDebug. Each accepts an
// OpContext snapshot and a typed request and calls out to the
// modelbackend.Client collaborator; none of them talk to a state store
// directly — the StateMachine owns persistence. The tool-calling shape for
// UserConverse/DeepDebug is grounded on the teacher's internal/agent
// tool-registry loop (agent/session.go's execTool/ToolRegistry pattern).
package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/forgepilot/orchestrator/internal/config"
	"github.com/forgepilot/orchestrator/internal/kerrors"
	"github.com/forgepilot/orchestrator/internal/model"
	"github.com/forgepilot/orchestrator/internal/modelbackend"
)

// OpContext is the "{state snapshot, templateDetails, cancellation}"
// object spec §4.6 says every operation accepts.
type OpContext struct {
	Ctx             context.Context
	Project         *model.Project
	TemplateDetails model.TemplateDetails
	CfgCtx          config.Context
}

// UserContext is the "{suggestions, images}" bundle threaded through
// PlanNextPhase/ImplementPhase/UserConverse, spec §4.6.
type UserContext struct {
	Suggestions []string
	Images      []string
}

// Operations bundles the model backend every operation in this package
// calls out to.
type Operations struct {
	Model *modelbackend.Client
}

// New constructs an Operations bound to a model backend client.
func New(backend *modelbackend.Client) *Operations {
	return &Operations{Model: backend}
}

// PlanNextPhaseResult is PlanNextPhase's return value, spec §4.6. A nil
// Phase means "no next phase" (advance to FINALIZING).
type PlanNextPhaseResult struct {
	Phase           *model.Phase
	InstallCommands []string
	FilesToDelete   []string
}

// PlanNextPhase asks the model for the next phase concept given the
// outstanding issues and any user-suggested direction, spec §4.6.
func (o *Operations) PlanNextPhase(oc OpContext, issues []model.Issue, uc UserContext, isUserSuggested bool) (*PlanNextPhaseResult, error) {
	req := modelbackend.Request{
		Provider: oc.Project.InferenceContext.Provider,
		Model:    oc.Project.InferenceContext.Model,
		System:   planNextPhaseSystemPrompt(isUserSuggested),
		Messages: []model.Message{{
			Role:    model.RoleUser,
			Content: planNextPhasePrompt(oc.Project, issues, uc),
		}},
	}
	resp, err := o.Model.Complete(oc.Ctx, req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Text) == "" || strings.EqualFold(strings.TrimSpace(resp.Text), "DONE") {
		return &PlanNextPhaseResult{}, nil
	}

	description, deletions, filesToDelete, installCommands := parsePhaseDirectives(resp.Text)
	name := firstLine(description)
	if name == "" {
		name = firstLine(resp.Text)
	}
	phase := &model.Phase{
		ID:          nextPhaseID(oc.Project),
		Name:        name,
		Description: description,
		Files:       deletions,
	}
	return &PlanNextPhaseResult{Phase: phase, InstallCommands: installCommands, FilesToDelete: filesToDelete}, nil
}

// deleteDirectivePrefix and installDirectivePrefix let PlanNextPhase's model
// response declare files to delete or dependencies to install inline,
// spec §3's "Files may be deleted by explicit request" lifecycle rule.
const (
	deleteDirectivePrefix  = "DELETE:"
	installDirectivePrefix = "INSTALL:"
)

// parsePhaseDirectives strips DELETE:/INSTALL: directive lines out of the
// model's free-form phase description, returning the remaining prose plus
// the structured deletions/install commands those directives declared.
func parsePhaseDirectives(text string) (description string, deletions []model.FileConcept, filesToDelete, installCommands []string) {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, deleteDirectivePrefix):
			path := strings.TrimSpace(strings.TrimPrefix(trimmed, deleteDirectivePrefix))
			if path == "" {
				continue
			}
			changes := "delete"
			deletions = append(deletions, model.FileConcept{Path: path, Changes: &changes})
			filesToDelete = append(filesToDelete, path)
		case strings.HasPrefix(trimmed, installDirectivePrefix):
			cmd := strings.TrimSpace(strings.TrimPrefix(trimmed, installDirectivePrefix))
			if cmd != "" {
				installCommands = append(installCommands, cmd)
			}
		default:
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n"), deletions, filesToDelete, installCommands
}

func nextPhaseID(p *model.Project) string {
	return fmt.Sprintf("phase-%d", len(p.GeneratedPhases)+1)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func planNextPhaseSystemPrompt(isUserSuggested bool) string {
	if isUserSuggested {
		return "Plan the next implementation phase, prioritizing the user's suggestion. Reply DONE if the project is complete."
	}
	return "Plan the next implementation phase needed to complete the project. Reply DONE if the project is complete."
}

func planNextPhasePrompt(p *model.Project, issues []model.Issue, uc UserContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nQuery: %s\n", p.ProjectName, p.Query)
	if len(issues) > 0 {
		b.WriteString("Outstanding issues:\n")
		for _, iss := range issues {
			fmt.Fprintf(&b, "- %s:%d %s (%s)\n", iss.Path, iss.Line, iss.Message, iss.Code)
		}
	}
	for _, s := range uc.Suggestions {
		fmt.Fprintf(&b, "User suggestion: %s\n", s)
	}
	return b.String()
}

// ImplementCallbacks streams file-level and chunk-level events while a
// phase is implemented, spec §4.6. FixFile is invoked once per emitted
// file for the realtime fixer pass; the caller awaits all returned
// promises (here: synchronous calls) before saving, matching
// "fixedFilePromises" in the spec.
type ImplementCallbacks struct {
	OnFileGenerating func(path string)
	OnFileChunk      func(path, chunk string)
	OnFileGenerated  func(f model.File)
	FixFile          func(f model.File) (model.File, error)
}

// ImplementResult is ImplementPhase's return value, spec §4.6.
type ImplementResult struct {
	Files             []model.File
	Commands          []string
	DeploymentNeeded  bool
}

// ImplementPhase streams the model's file-by-file implementation of
// phase, running an optional realtime fixer on each file before it is
// considered final.
func (o *Operations) ImplementPhase(oc OpContext, phase *model.Phase, issues []model.Issue, isFirstPhase bool, uc UserContext, cb ImplementCallbacks) (*ImplementResult, error) {
	req := modelbackend.Request{
		Provider: oc.Project.InferenceContext.Provider,
		Model:    oc.Project.InferenceContext.Model,
		System:   "Implement the given phase. Emit one file at a time.",
		Messages: []model.Message{{Role: model.RoleUser, Content: implementPhasePrompt(oc.Project, phase, issues, uc)}},
	}

	concepts := nonDeletedFileConcepts(phase.Files)

	var files []model.File
	var current *model.File

	_, err := o.Model.Stream(oc.Ctx, req, func(chunk modelbackend.Chunk) error {
		if oc.Ctx.Err() != nil {
			return oc.Ctx.Err()
		}
		switch {
		case chunk.Done:
			if current != nil {
				if err := o.finalizeFile(current, cb); err != nil {
					return err
				}
				files = append(files, *current)
				current = nil
			}
		case chunk.TextDelta != "":
			if current == nil {
				var path string
				if len(concepts) == 0 {
					path = fmt.Sprintf("%s/generated.txt", phase.ID)
				} else {
					path = concepts[len(files)%len(concepts)].Path
				}
				current = &model.File{Path: path}
				if cb.OnFileGenerating != nil {
					cb.OnFileGenerating(current.Path)
				}
			}
			current.Contents += chunk.TextDelta
			if cb.OnFileChunk != nil {
				cb.OnFileChunk(current.Path, chunk.TextDelta)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if current != nil {
		if err := o.finalizeFile(current, cb); err != nil {
			return nil, err
		}
		files = append(files, *current)
	}

	var commands []string
	for _, f := range files {
		if strings.HasSuffix(f.Path, "package.json") {
			commands = append(commands, diffPackageJSONCommands(oc.Project.LastPackageJSON, f.Contents)...)
		}
	}

	return &ImplementResult{Files: files, Commands: commands, DeploymentNeeded: len(files) > 0}, nil
}

// nonDeletedFileConcepts filters out FileConcepts marked for deletion so
// ImplementPhase never streams generated content into a path the plan has
// already scheduled for removal.
func nonDeletedFileConcepts(files []model.FileConcept) []model.FileConcept {
	kept := make([]model.FileConcept, 0, len(files))
	for _, fc := range files {
		if fc.Changes != nil && *fc.Changes == "delete" {
			continue
		}
		kept = append(kept, fc)
	}
	return kept
}

// diffPackageJSONCommands compares the project's last-known package.json
// against a freshly generated one and turns newly added/changed
// dependencies into bun install commands, so ImplementResult.Commands
// carries real data for ExecuteCommandBatches, spec §4.8.
func diffPackageJSONCommands(oldJSON, newJSON string) []string {
	if strings.TrimSpace(newJSON) == "" || oldJSON == newJSON {
		return nil
	}
	oldDeps := packageJSONDependencies(oldJSON)
	newDeps := packageJSONDependencies(newJSON)
	var commands []string
	for name, version := range newDeps {
		if oldVersion, ok := oldDeps[name]; !ok || oldVersion != version {
			commands = append(commands, "bun install "+name+"@"+strings.TrimPrefix(version, "^"))
		}
	}
	sort.Strings(commands)
	return commands
}

func packageJSONDependencies(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var doc struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	merged := make(map[string]string, len(doc.Dependencies)+len(doc.DevDependencies))
	for k, v := range doc.Dependencies {
		merged[k] = v
	}
	for k, v := range doc.DevDependencies {
		merged[k] = v
	}
	return merged
}

func (o *Operations) finalizeFile(f *model.File, cb ImplementCallbacks) error {
	if cb.FixFile != nil {
		fixed, err := cb.FixFile(*f)
		if err != nil {
			return err
		}
		*f = fixed
	}
	if cb.OnFileGenerated != nil {
		cb.OnFileGenerated(*f)
	}
	return nil
}

func implementPhasePrompt(p *model.Project, phase *model.Phase, issues []model.Issue, uc UserContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\n%s\n", phase.Name, phase.Description)
	for _, fc := range phase.Files {
		fmt.Fprintf(&b, "File: %s (%s)\n", fc.Path, fc.Purpose)
	}
	for _, iss := range issues {
		fmt.Fprintf(&b, "Issue: %s:%d %s\n", iss.Path, iss.Line, iss.Message)
	}
	return b.String()
}

// RegenerateFile regenerates one file in light of issues with a single
// model call, spec §4.6. It does not retry internally: retryIndex counts
// the passes the caller has already made, and a retryIndex of three or
// more is rejected without calling the model.
func (o *Operations) RegenerateFile(oc OpContext, f model.File, issues []model.Issue, retryIndex int) (model.File, error) {
	const maxPasses = 3
	if retryIndex >= maxPasses {
		return f, kerrors.New(kerrors.Fatal, "regenerateFile: exceeded internal retry budget")
	}
	req := modelbackend.Request{
		Provider: oc.Project.InferenceContext.Provider,
		Model:    oc.Project.InferenceContext.Model,
		System:   "Regenerate the given file, resolving all listed issues. Reply with the full file contents only.",
		Messages: []model.Message{{Role: model.RoleUser, Content: regeneratePrompt(f, issues)}},
	}
	resp, err := o.Model.Complete(oc.Ctx, req)
	if err != nil {
		return f, err
	}
	f.Contents = resp.Text
	return f, nil
}

func regeneratePrompt(f model.File, issues []model.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Path: %s\nContents:\n%s\n", f.Path, f.Contents)
	for _, iss := range issues {
		fmt.Fprintf(&b, "Issue: line %d: %s\n", iss.Line, iss.Message)
	}
	return b.String()
}

// FastCodeFixer asks the model to patch allFiles in light of issues and a
// steering query, spec §4.6 ("smart LLM fixer").
func (o *Operations) FastCodeFixer(oc OpContext, query string, issues []model.Issue, allFiles map[string]string) ([]model.File, error) {
	req := modelbackend.Request{
		Provider: oc.Project.InferenceContext.Provider,
		Model:    oc.Project.InferenceContext.Model,
		System:   "Patch the files needed to resolve the listed issues. Reply with one file per response chunk.",
		Messages: []model.Message{{Role: model.RoleUser, Content: fastFixPrompt(query, issues, allFiles)}},
	}
	resp, err := o.Model.Complete(oc.Ctx, req)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, nil
	}
	path := issues[0].Path
	return []model.File{{Path: path, Contents: resp.Text}}, nil
}

func fastFixPrompt(query string, issues []model.Issue, allFiles map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", query)
	for _, iss := range issues {
		fmt.Fprintf(&b, "Issue: %s:%d %s\n", iss.Path, iss.Line, iss.Message)
	}
	return b.String()
}

// missingModulePattern recognizes TypeScript's "cannot find module" code,
// used by DeterministicFixer to surface bun install commands, spec §4.6.
var missingModulePattern = regexp.MustCompile(`^['"]([^'"]+)['"]`)

// DeterministicFixerResult is DeterministicFixer's return value.
type DeterministicFixerResult struct {
	ModifiedFiles   []model.File
	UnfixableIssues []model.Issue
	InstallCommands []string
}

// DeterministicFixer applies no-LLM, rule-based fixes: it recognizes
// TS2307 "cannot find module" issues and turns them into `bun install`
// commands, leaving everything else as unfixable, spec §4.6.
func (o *Operations) DeterministicFixer(allFiles map[string]string, typeIssues []model.Issue) DeterministicFixerResult {
	var res DeterministicFixerResult
	seen := map[string]bool{}
	for _, iss := range typeIssues {
		if iss.Code != "TS2307" {
			res.UnfixableIssues = append(res.UnfixableIssues, iss)
			continue
		}
		pkg := extractModuleName(iss.Message)
		if pkg == "" || seen[pkg] {
			continue
		}
		seen[pkg] = true
		res.InstallCommands = append(res.InstallCommands, "bun install "+pkg)
	}
	return res
}

func extractModuleName(message string) string {
	idx := strings.Index(message, "module ")
	if idx < 0 {
		return ""
	}
	rest := message[idx+len("module "):]
	m := missingModulePattern.FindStringSubmatch(rest)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Tool is the "{name, schema, implementation}" record of spec §9.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Implement   func(ctx context.Context, args map[string]any) (any, error)
}

// UserConverseResult is UserConverse's return value, spec §4.6.
type UserConverseResult struct {
	UserResponse         string
	NewConversationState string
}

// UserConverse runs one conversational turn against the model, allowing it
// to invoke tools from the supplied registry (spec §4.6/§9). responseCallback,
// if set, is invoked with incremental text as it streams.
func (o *Operations) UserConverse(oc OpContext, userMessage string, errors_ []model.RuntimeError, projectUpdates []string, images []string, responseCallback func(string), tools []Tool) (*UserConverseResult, error) {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	req := modelbackend.Request{
		Provider: oc.Project.InferenceContext.Provider,
		Model:    oc.Project.InferenceContext.Model,
		System:   "Respond to the user conversationally, invoking tools as needed.",
		Messages: []model.Message{{Role: model.RoleUser, Content: userConversePrompt(userMessage, errors_, projectUpdates)}},
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, modelbackend.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}

	var out strings.Builder
	_, err := o.Model.Stream(oc.Ctx, req, func(chunk modelbackend.Chunk) error {
		if chunk.TextDelta != "" {
			out.WriteString(chunk.TextDelta)
			if responseCallback != nil {
				responseCallback(chunk.TextDelta)
			}
		}
		if chunk.ToolCall != nil {
			tool, ok := byName[chunk.ToolCall.Name]
			if !ok {
				return kerrors.New(kerrors.InvalidArgument, "unknown tool: "+chunk.ToolCall.Name)
			}
			args, err := decodeToolArgs(chunk.ToolCall.Arguments)
			if err != nil {
				return err
			}
			if _, err := tool.Implement(oc.Ctx, args); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &UserConverseResult{UserResponse: out.String()}, nil
}

// decodeToolArgs parses a tool call's JSON-encoded Arguments string, the
// wire shape of model.ToolCall.
func decodeToolArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidArgument, "decode tool arguments", err)
	}
	return args, nil
}

func userConversePrompt(userMessage string, errs []model.RuntimeError, updates []string) string {
	var b strings.Builder
	b.WriteString(userMessage)
	for _, e := range errs {
		fmt.Fprintf(&b, "\nRuntime error: %s\n", e.Message)
	}
	for _, u := range updates {
		fmt.Fprintf(&b, "\nProject update: %s\n", u)
	}
	return b.String()
}

// DeepDebugTranscriptEntry is one turn recorded in a deep-debug session.
type DeepDebugTranscriptEntry struct {
	Role string
	Text string
}

// DeepDebug runs an extended, tool-assisted debugging conversation over
// issue, spec §4.6. toolRenderer lets the caller surface tool-call
// narration to the client and veto a call before it executes (spec §7's
// LoopDetected/CallLimitExceeded): a non-nil return skips tool.Implement
// and the veto's error is recorded as a transcript entry instead of
// aborting the turn. streamChunk streams the model's prose.
func (o *Operations) DeepDebug(oc OpContext, issue model.Issue, previousTranscript []DeepDebugTranscriptEntry, focusPaths []string, runtimeErrors []model.RuntimeError, tools []Tool, toolRenderer func(string) error, streamChunk func(string)) ([]DeepDebugTranscriptEntry, error) {
	transcript := append([]DeepDebugTranscriptEntry{}, previousTranscript...)

	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	req := modelbackend.Request{
		Provider: oc.Project.InferenceContext.Provider,
		Model:    oc.Project.InferenceContext.Model,
		System:   "Investigate and fix the given issue using the available tools. Be systematic.",
		Messages: []model.Message{{Role: model.RoleUser, Content: deepDebugPrompt(issue, focusPaths, runtimeErrors)}},
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, modelbackend.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}

	var out strings.Builder
	_, err := o.Model.Stream(oc.Ctx, req, func(chunk modelbackend.Chunk) error {
		if chunk.TextDelta != "" {
			out.WriteString(chunk.TextDelta)
			if streamChunk != nil {
				streamChunk(chunk.TextDelta)
			}
		}
		if chunk.ToolCall != nil {
			tool, ok := byName[chunk.ToolCall.Name]
			if !ok {
				return kerrors.New(kerrors.InvalidArgument, "unknown tool: "+chunk.ToolCall.Name)
			}
			if toolRenderer != nil {
				if vetoErr := toolRenderer(tool.Name); vetoErr != nil {
					transcript = append(transcript, DeepDebugTranscriptEntry{Role: "tool_error", Text: vetoErr.Error()})
					return nil
				}
			}
			args, err := decodeToolArgs(chunk.ToolCall.Arguments)
			if err != nil {
				return err
			}
			if _, err := tool.Implement(oc.Ctx, args); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	transcript = append(transcript, DeepDebugTranscriptEntry{Role: "assistant", Text: out.String()})
	return transcript, nil
}

func deepDebugPrompt(issue model.Issue, focusPaths []string, runtimeErrors []model.RuntimeError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s:%d %s\n", issue.Path, issue.Line, issue.Message)
	for _, p := range focusPaths {
		fmt.Fprintf(&b, "Focus: %s\n", p)
	}
	for _, e := range runtimeErrors {
		fmt.Fprintf(&b, "Runtime error: %s\n", e.Message)
	}
	return b.String()
}
