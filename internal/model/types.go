// Package model holds the data model of spec §3: the shapes persisted per
// project and exchanged between components. Kept dependency-free so every
// other package can import it without cycles.
package model

import "time"

// DevState is the StateMachine's current phase, spec §4.8.
type DevState string

const (
	StateIdle              DevState = "IDLE"
	StatePhaseGenerating   DevState = "PHASE_GENERATING"
	StatePhaseImplementing DevState = "PHASE_IMPLEMENTING"
	StateReviewing         DevState = "REVIEWING"
	StateFinalizing        DevState = "FINALIZING"
)

// AgentMode selects the fixer strategy run after each implemented phase
// (spec §9 Open Question #3, resolved in SPEC_FULL.md).
type AgentMode string

const (
	AgentModeDeterministic AgentMode = "deterministic"
	AgentModeSmart         AgentMode = "smart"
)

// Blueprint is the structured project plan, spec §3.
type Blueprint struct {
	Title                  string   `json:"title"`
	ProjectName            string   `json:"projectName"`
	Description            string   `json:"description"`
	Frameworks             []string `json:"frameworks"`
	Views                  []string `json:"views"`
	UserFlow               string   `json:"userFlow"`
	Architecture           string   `json:"architecture"`
	Pitfalls               []string `json:"pitfalls"`
	ImplementationRoadmap  []string `json:"implementationRoadmap"`
	InitialPhase           *Phase   `json:"initialPhase,omitempty"`
	ColorPalette           []string `json:"colorPalette"`
}

// BlueprintPatchKeys are the whitelisted top-level keys Orchestrator.UpdateBlueprint
// may merge, spec §4.7.
var BlueprintPatchKeys = map[string]bool{
	"title": true, "projectName": true, "description": true, "frameworks": true,
	"views": true, "userFlow": true, "architecture": true, "pitfalls": true,
	"implementationRoadmap": true, "colorPalette": true,
}

// FileConcept describes a planned file within a Phase, spec §3.
type FileConcept struct {
	Path    string  `json:"path"`
	Purpose string  `json:"purpose"`
	Changes *string `json:"changes,omitempty"` // "delete" | freeform description | nil
}

// Phase is one contiguous unit of implementation work, spec §3.
type Phase struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Files       []FileConcept `json:"files"`
	LastPhase   bool          `json:"lastPhase"`
	Completed   bool          `json:"completed"`
}

// File is a generated file, unique by Path, spec §3.
type File struct {
	Path         string    `json:"path"`
	Contents     string    `json:"contents"`
	Purpose      string    `json:"purpose"`
	LastDiff     string    `json:"lastDiff,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// TemplateDetails caches the template's file manifest, spec §3.
type TemplateDetails struct {
	AllFiles       map[string]string `json:"allFiles"`
	ImportantFiles []string          `json:"importantFiles"`
	RedactedFiles  []string          `json:"redactedFiles"`
}

// Role discriminates a conversation Message's speaker, spec §3.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall mirrors a model-requested tool invocation carried on a Message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one conversation turn, spec §3. Content may be plain text or a
// list of parts (images, tool results); both are represented as a string
// here and a Parts slice for multi-part payloads, mirroring the teacher's
// llm.Message discriminated-content pattern generalized to a tagged union.
type Message struct {
	Role           Role       `json:"role"`
	ConversationID string     `json:"conversationId"`
	Content        string     `json:"content,omitempty"`
	Parts          []Part     `json:"parts,omitempty"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	Name           string     `json:"name,omitempty"`
}

// Part is one element of a multi-part message (e.g. text alongside images).
type Part struct {
	Type string `json:"type"` // "text" | "image"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// InternalMemoSentinel marks a message as model-context-only; hidden from UI
// reads per spec §4.2.
const InternalMemoSentinel = "<Internal Memo>"

// Command is one validated shell command recorded into commandsHistory.
type Command struct {
	Text      string    `json:"text"`
	AddedAt   time.Time `json:"addedAt"`
	Succeeded bool      `json:"succeeded"`
}

// RuntimeError is a captured sandbox runtime error, fed to UserConverse and
// DeepDebug as diagnostic context (spec §4.5, §4.6).
type RuntimeError struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Path      string    `json:"path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Issue is a typed static-analysis/type-check finding, as surfaced by
// SandboxClient.runStaticAnalysis and consumed by the Fixer operations.
type Issue struct {
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Code    string `json:"code,omitempty"` // e.g. "TS2307"
	Message string `json:"message"`
	Source  string `json:"source"` // "lint" | "typecheck"
}

// InferenceContext carries model-backend selection/auth the way the
// persisted state document does, spec §6.
type InferenceContext struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Project is the full per-project persisted document, spec §3 and §6.
type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"createdAt"`

	Query  string   `json:"query"`
	Images []string `json:"images"`

	Blueprint       Blueprint        `json:"blueprint"`
	ProjectName     string           `json:"projectName"`
	TemplateName    string           `json:"templateName"`
	TemplateDetails *TemplateDetails `json:"templateDetails,omitempty"`

	GeneratedPhases   []*Phase        `json:"generatedPhases"`
	GeneratedFilesMap map[string]File `json:"generatedFilesMap"`

	CommandsHistory []Command `json:"commandsHistory"`
	LastPackageJSON string    `json:"lastPackageJson,omitempty"`

	SandboxInstanceID string `json:"sandboxInstanceId,omitempty"`

	ShouldBeGenerating bool      `json:"shouldBeGenerating"`
	MVPGenerated       bool      `json:"mvpGenerated"`
	ReviewingInitiated bool      `json:"reviewingInitiated"`
	AgentMode          AgentMode `json:"agentMode"`

	PhasesCounter     int      `json:"phasesCounter"`
	PendingUserInputs []string `json:"pendingUserInputs"`
	CurrentDevState   DevState `json:"currentDevState"`
	ReviewCycles      *int     `json:"reviewCycles,omitempty"`
	CurrentPhaseID    string   `json:"currentPhase,omitempty"`

	ConversationMessages     []Message `json:"conversationMessages"`
	ProjectUpdatesAccumulator []string `json:"projectUpdatesAccumulator"`

	InferenceContext        InferenceContext `json:"inferenceContext"`
	LastDeepDebugTranscript string           `json:"lastDeepDebugTranscript,omitempty"`

	// OutstandingIssues accumulates unfixed static-analysis/type findings
	// across phases (DeterministicFixer's UnfixableIssues), feeding the next
	// PlanNextPhase call and REVIEWING's code_reviewing/code_reviewed gate.
	OutstandingIssues []Issue `json:"outstandingIssues,omitempty"`

	SchemaVersion int `json:"schemaVersion"`
}

// Clone returns a deep-enough copy of Project for the Store's
// snapshot/compare-and-set semantics: every field that a caller could
// mutate through a slice/map reference is copied.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Images = append([]string{}, p.Images...)
	c.Blueprint = p.Blueprint
	c.Blueprint.Frameworks = append([]string{}, p.Blueprint.Frameworks...)
	c.Blueprint.Views = append([]string{}, p.Blueprint.Views...)
	c.Blueprint.Pitfalls = append([]string{}, p.Blueprint.Pitfalls...)
	c.Blueprint.ImplementationRoadmap = append([]string{}, p.Blueprint.ImplementationRoadmap...)
	c.Blueprint.ColorPalette = append([]string{}, p.Blueprint.ColorPalette...)
	if p.Blueprint.InitialPhase != nil {
		ip := *p.Blueprint.InitialPhase
		c.Blueprint.InitialPhase = &ip
	}

	c.GeneratedPhases = make([]*Phase, len(p.GeneratedPhases))
	for i, ph := range p.GeneratedPhases {
		cp := *ph
		cp.Files = append([]FileConcept{}, ph.Files...)
		c.GeneratedPhases[i] = &cp
	}

	c.GeneratedFilesMap = make(map[string]File, len(p.GeneratedFilesMap))
	for k, v := range p.GeneratedFilesMap {
		c.GeneratedFilesMap[k] = v
	}

	c.CommandsHistory = append([]Command{}, p.CommandsHistory...)
	c.PendingUserInputs = append([]string{}, p.PendingUserInputs...)
	c.ConversationMessages = append([]Message{}, p.ConversationMessages...)
	c.ProjectUpdatesAccumulator = append([]string{}, p.ProjectUpdatesAccumulator...)
	c.OutstandingIssues = append([]Issue{}, p.OutstandingIssues...)
	return &c
}

// CurrentPhase returns the phase named by CurrentPhaseID, or nil.
func (p *Project) CurrentPhase() *Phase {
	for _, ph := range p.GeneratedPhases {
		if ph.ID == p.CurrentPhaseID {
			return ph
		}
	}
	return nil
}

// FirstIncompletePhase returns the earliest phase with Completed == false,
// or nil if every phase is complete (spec §4.8 resume rule #1).
func (p *Project) FirstIncompletePhase() *Phase {
	for _, ph := range p.GeneratedPhases {
		if !ph.Completed {
			return ph
		}
	}
	return nil
}
