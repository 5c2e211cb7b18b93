package operations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/model"
	"github.com/forgepilot/orchestrator/internal/modelbackend"
)

func newOpsWithMock(mock *modelbackend.MockBackend) *Operations {
	c := modelbackend.NewClient()
	c.Register(mock)
	return New(c)
}

func TestPlanNextPhaseReturnsEmptyResultOnDone(t *testing.T) {
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{{Text: "DONE"}}
	o := newOpsWithMock(mock)

	oc := OpContext{Ctx: context.Background(), Project: &model.Project{ProjectName: "p1"}}
	res, err := o.PlanNextPhase(oc, nil, UserContext{}, false)
	require.NoError(t, err)
	assert.Nil(t, res.Phase)
}

func TestPlanNextPhaseBuildsPhaseFromResponse(t *testing.T) {
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{{Text: "Add authentication\nWire up login/signup pages."}}
	o := newOpsWithMock(mock)

	p := &model.Project{ProjectName: "p1", GeneratedPhases: []*model.Phase{{ID: "phase-1"}}}
	oc := OpContext{Ctx: context.Background(), Project: p}
	res, err := o.PlanNextPhase(oc, nil, UserContext{}, false)
	require.NoError(t, err)
	require.NotNil(t, res.Phase)
	assert.Equal(t, "phase-2", res.Phase.ID)
	assert.Equal(t, "Add authentication", res.Phase.Name)
}

func TestImplementPhaseStreamsOneFilePerDoneChunk(t *testing.T) {
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{{Text: "file contents"}}
	o := newOpsWithMock(mock)

	phase := &model.Phase{ID: "phase-1", Name: "Initial", Files: []model.FileConcept{{Path: "src/app.ts"}}}
	oc := OpContext{Ctx: context.Background(), Project: &model.Project{}}

	var generated []string
	cb := ImplementCallbacks{OnFileGenerated: func(f model.File) { generated = append(generated, f.Path) }}
	res, err := o.ImplementPhase(oc, phase, nil, true, UserContext{}, cb)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "src/app.ts", res.Files[0].Path)
	assert.Equal(t, "file contents", res.Files[0].Contents)
	assert.Equal(t, []string{"src/app.ts"}, generated)
}

func TestImplementPhaseAppliesFixFileCallback(t *testing.T) {
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{{Text: "raw"}}
	o := newOpsWithMock(mock)

	phase := &model.Phase{ID: "phase-1", Files: []model.FileConcept{{Path: "a.ts"}}}
	oc := OpContext{Ctx: context.Background(), Project: &model.Project{}}

	cb := ImplementCallbacks{FixFile: func(f model.File) (model.File, error) {
		f.Contents = "fixed:" + f.Contents
		return f, nil
	}}
	res, err := o.ImplementPhase(oc, phase, nil, true, UserContext{}, cb)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "fixed:raw", res.Files[0].Contents)
}

func TestRegenerateFileRejectsAfterRetryBudget(t *testing.T) {
	o := newOpsWithMock(modelbackend.NewMock())
	oc := OpContext{Ctx: context.Background(), Project: &model.Project{}}

	_, err := o.RegenerateFile(oc, model.File{Path: "a.ts"}, nil, 3)
	assert.Error(t, err)
}

func TestRegenerateFileReplacesContentsFromModel(t *testing.T) {
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{{Text: "regenerated contents"}}
	o := newOpsWithMock(mock)
	oc := OpContext{Ctx: context.Background(), Project: &model.Project{}}

	f, err := o.RegenerateFile(oc, model.File{Path: "a.ts", Contents: "old"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "regenerated contents", f.Contents)
}

func TestFastCodeFixerReturnsNilWithNoIssues(t *testing.T) {
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{{Text: "unused"}}
	o := newOpsWithMock(mock)
	oc := OpContext{Ctx: context.Background(), Project: &model.Project{}}

	files, err := o.FastCodeFixer(oc, "q", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, files)
}

func TestFastCodeFixerPatchesFirstIssuePath(t *testing.T) {
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{{Text: "patched"}}
	o := newOpsWithMock(mock)
	oc := OpContext{Ctx: context.Background(), Project: &model.Project{}}

	files, err := o.FastCodeFixer(oc, "q", []model.Issue{{Path: "a.ts", Message: "bad"}}, map[string]string{"a.ts": "x"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.ts", files[0].Path)
	assert.Equal(t, "patched", files[0].Contents)
}

func TestDeterministicFixerTurnsMissingModuleIntoInstallCommand(t *testing.T) {
	o := newOpsWithMock(modelbackend.NewMock())
	res := o.DeterministicFixer(nil, []model.Issue{
		{Code: "TS2307", Message: `Cannot find module 'lodash' or its type declarations.`},
		{Code: "TS2322", Message: "Type mismatch"},
	})
	assert.Equal(t, []string{"bun install lodash"}, res.InstallCommands)
	require.Len(t, res.UnfixableIssues, 1)
	assert.Equal(t, "TS2322", res.UnfixableIssues[0].Code)
}

func TestDeterministicFixerDedupesRepeatedMissingModule(t *testing.T) {
	o := newOpsWithMock(modelbackend.NewMock())
	res := o.DeterministicFixer(nil, []model.Issue{
		{Code: "TS2307", Message: `Cannot find module 'lodash'.`},
		{Code: "TS2307", Message: `Cannot find module 'lodash'.`},
	})
	assert.Equal(t, []string{"bun install lodash"}, res.InstallCommands)
}

func TestUserConverseStreamsTextAndInvokesCallback(t *testing.T) {
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{{Text: "hello there"}}
	o := newOpsWithMock(mock)
	oc := OpContext{Ctx: context.Background(), Project: &model.Project{}}

	var streamed string
	res, err := o.UserConverse(oc, "hi", nil, nil, nil, func(s string) { streamed += s }, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.UserResponse)
	assert.Equal(t, "hello there", streamed)
}

func TestUserConverseInvokesRegisteredTool(t *testing.T) {
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{{
		ToolCalls: []model.ToolCall{{Name: "lookup", Arguments: `{"query":"x"}`}},
	}}
	o := newOpsWithMock(mock)
	oc := OpContext{Ctx: context.Background(), Project: &model.Project{}}

	called := false
	tools := []Tool{{Name: "lookup", Implement: func(ctx context.Context, args map[string]any) (any, error) {
		called = true
		assert.Equal(t, "x", args["query"])
		return nil, nil
	}}}

	_, err := o.UserConverse(oc, "hi", nil, nil, nil, nil, tools)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestUserConverseRejectsUnknownTool(t *testing.T) {
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{{
		ToolCalls: []model.ToolCall{{Name: "mystery", Arguments: "{}"}},
	}}
	o := newOpsWithMock(mock)
	oc := OpContext{Ctx: context.Background(), Project: &model.Project{}}

	_, err := o.UserConverse(oc, "hi", nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
