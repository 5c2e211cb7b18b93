package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/broadcaster"
	"github.com/forgepilot/orchestrator/internal/filemanager"
	"github.com/forgepilot/orchestrator/internal/gitstore"
	"github.com/forgepilot/orchestrator/internal/model"
	"github.com/forgepilot/orchestrator/internal/modelbackend"
	"github.com/forgepilot/orchestrator/internal/operations"
	"github.com/forgepilot/orchestrator/internal/sandbox"
	"github.com/forgepilot/orchestrator/internal/store"
)

type memPersister struct{ p *model.Project }

func (m *memPersister) Load(ctx context.Context, projectID string) (*model.Project, bool, error) {
	if m.p == nil {
		return nil, false, nil
	}
	return m.p, true, nil
}

func (m *memPersister) Save(ctx context.Context, project *model.Project) error {
	m.p = project
	return nil
}

func newTestMachine(t *testing.T, p *model.Project, mock *modelbackend.MockBackend) (*Machine, *store.Store, *broadcaster.Broadcaster) {
	t.Helper()
	s := store.NewFromProject(&memPersister{}, nil, p)

	git, err := gitstore.New()
	require.NoError(t, err)
	files := filemanager.New(git, func() time.Time { return time.Unix(0, 0) })

	modelClient := modelbackend.NewClient()
	modelClient.Register(mock)
	ops := operations.New(modelClient)

	b := broadcaster.NewBroadcaster()
	m := New(Deps{
		Store:       s,
		Files:       files,
		Sandbox:     sandbox.NewMockClient(),
		Ops:         ops,
		Broadcaster: b,
	})
	return m, s, b
}

func TestEntryStateResumesFirstIncompletePhase(t *testing.T) {
	p := &model.Project{
		GeneratedPhases: []*model.Phase{
			{ID: "phase-1", Completed: true},
			{ID: "phase-2", Completed: false},
		},
	}
	state, phase := entryState(p)
	assert.Equal(t, model.StatePhaseImplementing, state)
	require.NotNil(t, phase)
	assert.Equal(t, "phase-2", phase.ID)
}

func TestEntryStateAdvancesToGeneratingWhenAllPhasesComplete(t *testing.T) {
	p := &model.Project{
		GeneratedPhases: []*model.Phase{{ID: "phase-1", Completed: true}},
	}
	state, phase := entryState(p)
	assert.Equal(t, model.StatePhaseGenerating, state)
	assert.Nil(t, phase)
}

func TestEntryStateStartsFreshProjectAtInitialPhase(t *testing.T) {
	p := &model.Project{}
	state, phase := entryState(p)
	assert.Equal(t, model.StatePhaseImplementing, state)
	require.NotNil(t, phase)
	assert.Equal(t, "phase-1", phase.ID)
}

func TestRunShortCircuitsWhenAlreadyComplete(t *testing.T) {
	p := &model.Project{MVPGenerated: true}
	m, _, _ := newTestMachine(t, p, modelbackend.NewMock())
	assert.NoError(t, m.Run(context.Background(), 1))
}

func TestRunFailsWithoutInitializedProject(t *testing.T) {
	s := store.NewFromProject(&memPersister{}, nil, nil)
	m := New(Deps{Store: s})
	err := m.Run(context.Background(), 1)
	assert.Error(t, err)
}

func TestRunDrivesFreshProjectThroughFullLifecycleToIdle(t *testing.T) {
	p := &model.Project{
		ProjectName: "demo",
		PhasesCounter: 1,
	}
	mock := modelbackend.NewMock()
	mock.Responses = []modelbackend.Response{
		{Text: "implemented file body"}, // PHASE_IMPLEMENTING for the initial phase
	}
	m, s, b := newTestMachine(t, p, mock)

	err := m.Run(context.Background(), 1)
	require.NoError(t, err)

	final := s.Get()
	assert.Equal(t, model.StateIdle, final.CurrentDevState)
	assert.True(t, final.MVPGenerated)
	assert.True(t, final.ReviewingInitiated)

	var sawComplete bool
	for _, ev := range b.History() {
		if ev.Type == "generation_complete" {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete)
}

func TestRunStopsImmediatelyOnCancelledContext(t *testing.T) {
	p := &model.Project{ProjectName: "demo"}
	m, _, _ := newTestMachine(t, p, modelbackend.NewMock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.Run(ctx, 1))
}

func TestExecuteCommandBatchesRecordsSuccessfulCommands(t *testing.T) {
	p := &model.Project{SandboxInstanceID: "sess-1"}
	m, s, _ := newTestMachine(t, p, modelbackend.NewMock())

	err := m.ExecuteCommandBatches(context.Background(), p, []string{"bun install", "bun install"}, nil)
	require.NoError(t, err)

	final := s.Get()
	require.Len(t, final.CommandsHistory, 1)
	assert.Equal(t, "bun install", final.CommandsHistory[0].Text)
}
