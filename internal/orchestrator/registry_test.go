package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/kerrors"
)

func TestBeginGenerationStartsFirstRun(t *testing.T) {
	r := NewRegistry()
	runCtx, cancel, finish, started, alreadyRunning := r.BeginGeneration(context.Background(), "p1")
	require.True(t, started)
	require.NotNil(t, runCtx)
	require.NotNil(t, cancel)
	require.NotNil(t, finish)
	assert.Nil(t, alreadyRunning)
	assert.True(t, r.IsGenerating("p1"))

	finish(nil)
	assert.False(t, r.IsGenerating("p1"))
}

func TestBeginGenerationReentryIsNoOpAndSignalsOnCompletion(t *testing.T) {
	r := NewRegistry()
	_, _, finish, started, _ := r.BeginGeneration(context.Background(), "p1")
	require.True(t, started)

	_, _, _, started2, alreadyRunning := r.BeginGeneration(context.Background(), "p1")
	assert.False(t, started2)
	require.NotNil(t, alreadyRunning)

	select {
	case <-alreadyRunning:
		t.Fatal("should not be closed before the first run finishes")
	default:
	}

	finish(nil)

	select {
	case <-alreadyRunning:
	case <-time.After(time.Second):
		t.Fatal("alreadyRunning channel should close once the active run finishes")
	}
}

func TestBeginGenerationRejectedWhileDebugging(t *testing.T) {
	r := NewRegistry()
	_, _, debugFinish, err := r.BeginDebug(context.Background(), "p1")
	require.NoError(t, err)
	defer debugFinish()

	_, _, _, started, alreadyRunning := r.BeginGeneration(context.Background(), "p1")
	assert.False(t, started)
	require.NotNil(t, alreadyRunning)
	select {
	case <-alreadyRunning:
	default:
		t.Fatal("rejection channel should be pre-closed")
	}
}

func TestBeginDebugRejectedWhileGenerating(t *testing.T) {
	r := NewRegistry()
	_, _, finish, started, _ := r.BeginGeneration(context.Background(), "p1")
	require.True(t, started)
	defer finish(nil)

	_, _, _, err := r.BeginDebug(context.Background(), "p1")
	require.Error(t, err)
	assert.Equal(t, kerrors.GenerationInProgress, kerrors.KindOf(err))
}

func TestBeginDebugRejectsSecondDebugSession(t *testing.T) {
	r := NewRegistry()
	_, _, finish1, err := r.BeginDebug(context.Background(), "p1")
	require.NoError(t, err)
	defer finish1()

	_, _, _, err = r.BeginDebug(context.Background(), "p1")
	require.Error(t, err)
	assert.Equal(t, kerrors.DebugInProgress, kerrors.KindOf(err))
}

func TestStopGenerationCancelsRunContext(t *testing.T) {
	r := NewRegistry()
	runCtx, _, finish, started, _ := r.BeginGeneration(context.Background(), "p1")
	require.True(t, started)
	defer finish(nil)

	r.StopGeneration("p1")

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context should be cancelled")
	}
}

func TestStopGenerationOnIdleProjectIsNoop(t *testing.T) {
	r := NewRegistry()
	r.StopGeneration("never-started")
}

func TestDeepDebugToolCallCounterIncrementsAndResets(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 1, r.TakeDeepDebugToolCall("p1"))
	assert.Equal(t, 2, r.TakeDeepDebugToolCall("p1"))

	r.ResetDeepDebugTurn("p1")
	assert.Equal(t, 1, r.TakeDeepDebugToolCall("p1"))
}

func TestGenerationAndDebugAreIndependentPerProject(t *testing.T) {
	r := NewRegistry()
	_, _, finish, started, _ := r.BeginGeneration(context.Background(), "p1")
	require.True(t, started)
	defer finish(nil)

	_, _, debugFinish, err := r.BeginDebug(context.Background(), "p2")
	require.NoError(t, err)
	defer debugFinish()
}
