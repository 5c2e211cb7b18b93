package deployment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/broadcaster"
	"github.com/forgepilot/orchestrator/internal/sandbox"
)

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

type fakeCloudDeployer struct {
	deploymentID string
	err          error
	calledWith   string
}

func (f *fakeCloudDeployer) Deploy(ctx context.Context, sessionID string) (string, error) {
	f.calledWith = sessionID
	if f.err != nil {
		return "", f.err
	}
	return f.deploymentID, nil
}

func TestDeployToSandboxAllocatesSessionOnFirstCall(t *testing.T) {
	client := sandbox.NewMockClient()
	b := broadcaster.NewBroadcaster()
	m := New(client, nil, b)

	res, err := m.DeployToSandbox(context.Background(), sequentialIDs("sess-"), nil, false, false, "")
	require.NoError(t, err)
	assert.Contains(t, res.PreviewURL, "sess-1")
	assert.Equal(t, res.PreviewURL, m.PreviewURL())
}

func TestDeployToSandboxRedeployAllocatesNewSession(t *testing.T) {
	client := sandbox.NewMockClient()
	b := broadcaster.NewBroadcaster()
	m := New(client, nil, b)

	ids := sequentialIDs("sess-")
	first, err := m.DeployToSandbox(context.Background(), ids, nil, false, false, "")
	require.NoError(t, err)

	second, err := m.DeployToSandbox(context.Background(), ids, nil, true, false, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.PreviewURL, second.PreviewURL)
}

func TestDeployToSandboxEmitsStartedAndCompletedEvents(t *testing.T) {
	client := sandbox.NewMockClient()
	b := broadcaster.NewBroadcaster()
	m := New(client, nil, b)

	_, err := m.DeployToSandbox(context.Background(), sequentialIDs("sess-"), nil, false, false, "")
	require.NoError(t, err)

	history := b.History()
	require.Len(t, history, 2)
	assert.Equal(t, "deployment_started", history[0].Type)
	assert.Equal(t, "deployment_completed", history[1].Type)
}

func TestDeployToCloudflareWithoutConfiguredDeployerFails(t *testing.T) {
	m := New(sandbox.NewMockClient(), nil, broadcaster.NewBroadcaster())
	_, err := m.DeployToCloudflare(context.Background(), sequentialIDs("sess-"))
	assert.Error(t, err)
}

func TestDeployToCloudflareReusesExistingSandboxSession(t *testing.T) {
	cloud := &fakeCloudDeployer{deploymentID: "cf-deploy-1"}
	m := New(sandbox.NewMockClient(), cloud, broadcaster.NewBroadcaster())

	id := m.SessionID(sequentialIDs("sess-"))
	deploymentID, err := m.DeployToCloudflare(context.Background(), sequentialIDs("sess-"))
	require.NoError(t, err)
	assert.Equal(t, "cf-deploy-1", deploymentID)
	assert.Equal(t, id, cloud.calledWith)
}

func TestDeployToCloudflareEmitsErrorEventOnFailure(t *testing.T) {
	cloud := &fakeCloudDeployer{err: assert.AnError}
	b := broadcaster.NewBroadcaster()
	m := New(sandbox.NewMockClient(), cloud, b)

	_, err := m.DeployToCloudflare(context.Background(), sequentialIDs("sess-"))
	require.Error(t, err)

	history := b.History()
	require.Len(t, history, 2)
	assert.Equal(t, "cloudflare_deployment_started", history[0].Type)
	assert.Equal(t, "cloudflare_deployment_error", history[1].Type)
}
