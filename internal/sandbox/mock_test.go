package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClientDeployWritesFilesAndAssignsPreviewURL(t *testing.T) {
	c := NewMockClient()
	res, err := c.Deploy(context.Background(), "sess1", []FileWrite{
		{Path: "src/app.ts", Contents: "code"},
	}, DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://preview.example.test/sess1", res.PreviewURL)
	assert.Equal(t, 1, c.DeployCount)
}

func TestMockClientDeployRedeployKeepsSamePreviewURLPattern(t *testing.T) {
	c := NewMockClient()
	first, err := c.Deploy(context.Background(), "sess1", nil, DeployOptions{})
	require.NoError(t, err)

	second, err := c.Deploy(context.Background(), "sess1", nil, DeployOptions{Redeploy: true})
	require.NoError(t, err)
	assert.Equal(t, first.PreviewURL, second.PreviewURL)
	assert.Equal(t, 2, c.DeployCount)
}

func TestMockClientGetFilesReturnsOnlyRequestedPaths(t *testing.T) {
	c := NewMockClient()
	require.NoError(t, c.WriteFiles(context.Background(), "sess1", []FileWrite{
		{Path: "a.ts", Contents: "a"},
		{Path: "b.ts", Contents: "b"},
	}, "seed"))

	res, err := c.GetFiles(context.Background(), "sess1", []string{"a.ts", "missing.ts"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.ts": "a"}, res.Files)
}

func TestMockClientFetchRuntimeErrorsClearsWhenRequested(t *testing.T) {
	c := NewMockClient()
	c.RuntimeErrors = []RuntimeError{{Message: "boom", Timestamp: time.Now()}}

	errs, err := c.FetchRuntimeErrors(context.Background(), "sess1", true)
	require.NoError(t, err)
	require.Len(t, errs, 1)

	again, err := c.FetchRuntimeErrors(context.Background(), "sess1", false)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMockClientExecuteCommandsSucceedsForEachCommand(t *testing.T) {
	c := NewMockClient()
	res, err := c.ExecuteCommands(context.Background(), "sess1", []string{"bun install", "bun run build"}, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "bun install", res.Results[0].Command)
}

func TestMockClientGetInstanceStatusReflectsHealth(t *testing.T) {
	c := NewMockClient()
	status, err := c.GetInstanceStatus(context.Background(), "sess1")
	require.NoError(t, err)
	assert.True(t, status.IsHealthy)

	c.InstanceHealth = false
	status, err = c.GetInstanceStatus(context.Background(), "sess1")
	require.NoError(t, err)
	assert.False(t, status.IsHealthy)
}
