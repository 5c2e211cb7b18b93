// Package deployment implements the DeploymentManager responsibilities
// folded into spec §4.7's deployToSandbox/deployToCloudflare: sandbox
// session lifecycle (redeploy allocates a fresh session, invalidating the
// previous preview URL per spec §5), and the cloud deploy path with
// start/complete/error event emission.
package deployment

import (
	"context"
	"sync"

	"github.com/forgepilot/orchestrator/internal/broadcaster"
	"github.com/forgepilot/orchestrator/internal/kerrors"
	"github.com/forgepilot/orchestrator/internal/sandbox"
)

// CloudDeployer is the black-box cloud-deploy collaborator (e.g. a
// Cloudflare Workers/Pages API), spec §1/§4.7.
type CloudDeployer interface {
	Deploy(ctx context.Context, sessionID string) (deploymentID string, err error)
}

// Manager owns one project's sandbox session id and preview URL cache,
// spec §5's "SandboxClient session id is process-mutable state;
// redeploy=true allocates a new session (previous preview URL
// invalidated)."
type Manager struct {
	sandboxClient sandbox.Client
	cloud         CloudDeployer
	broadcast     *broadcaster.Broadcaster

	mu         sync.Mutex
	sessionID  string
	previewURL string
}

// New constructs a Manager bound to the given sandbox client, optional
// cloud deployer, and broadcaster.
func New(sandboxClient sandbox.Client, cloud CloudDeployer, b *broadcaster.Broadcaster) *Manager {
	return &Manager{sandboxClient: sandboxClient, cloud: cloud, broadcast: b}
}

// SessionID returns the current sandbox session id, allocating a fresh
// one via newSessionID if none exists yet.
func (m *Manager) SessionID(newSessionID func() string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID == "" {
		m.sessionID = newSessionID()
	}
	return m.sessionID
}

func (m *Manager) emit(ev broadcaster.Event) {
	if m.broadcast != nil {
		m.broadcast.Send(ev)
	}
}

// DeployToSandbox orchestrates spec §4.7's deployToSandbox: start/complete/
// error events around the sandbox Deploy call. redeploy=true allocates a
// fresh session id, invalidating the cached preview URL first.
func (m *Manager) DeployToSandbox(ctx context.Context, newSessionID func() string, files []sandbox.FileWrite, redeploy, clearLogs bool, commitMessage string) (sandbox.DeployResult, error) {
	m.mu.Lock()
	if redeploy || m.sessionID == "" {
		m.sessionID = newSessionID()
		m.previewURL = ""
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	m.emit(broadcaster.New("deployment_started", map[string]any{"sessionId": sessionID}))

	res, err := m.sandboxClient.Deploy(ctx, sessionID, files, sandbox.DeployOptions{
		Redeploy:      redeploy,
		ClearLogs:     clearLogs,
		CommitMessage: commitMessage,
	})
	if err != nil {
		if kerrors.Is(err, kerrors.PreviewExpired) {
			res, err = m.sandboxClient.Deploy(ctx, sessionID, files, sandbox.DeployOptions{Redeploy: true, CommitMessage: commitMessage})
		}
		if err != nil {
			m.emit(broadcaster.New("deployment_failed", map[string]any{"message": err.Error()}))
			return sandbox.DeployResult{}, err
		}
	}

	m.mu.Lock()
	m.previewURL = res.PreviewURL
	m.mu.Unlock()

	m.emit(broadcaster.New("deployment_completed", map[string]any{"previewUrl": res.PreviewURL}))
	return res, nil
}

// DeployToCloudflare ensures a sandbox session exists, then runs the
// cloud deploy path, spec §4.7's deployToCloudflare.
func (m *Manager) DeployToCloudflare(ctx context.Context, newSessionID func() string) (string, error) {
	if m.cloud == nil {
		return "", kerrors.New(kerrors.Configuration, "no cloud deployer configured")
	}
	sessionID := m.SessionID(newSessionID)

	m.emit(broadcaster.New("cloudflare_deployment_started", map[string]any{}))
	deploymentID, err := m.cloud.Deploy(ctx, sessionID)
	if err != nil {
		m.emit(broadcaster.New("cloudflare_deployment_error", map[string]any{"message": err.Error()}))
		return "", err
	}
	m.emit(broadcaster.New("cloudflare_deployment_completed", map[string]any{"deploymentId": deploymentID}))
	return deploymentID, nil
}

// PreviewURL returns the currently cached preview URL, or "" if none.
func (m *Manager) PreviewURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previewURL
}
