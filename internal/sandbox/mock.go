package sandbox

import (
	"context"
	"sync"
	"time"
)

// MockClient is an in-memory Client for tests and local development: it
// keeps its own file map and preview URL per instance, with no network
// calls.
type MockClient struct {
	mu             sync.Mutex
	Files          map[string]string
	RuntimeErrors  []RuntimeError
	PreviewURL     string
	InstanceHealth bool
	DeployCount    int
}

// NewMockClient constructs an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{Files: map[string]string{}, InstanceHealth: true}
}

func (m *MockClient) Deploy(ctx context.Context, sessionID string, files []FileWrite, opts DeployOptions) (DeployResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range files {
		m.Files[f.Path] = f.Contents
	}
	m.DeployCount++
	if opts.Redeploy || m.PreviewURL == "" {
		m.PreviewURL = "https://preview.example.test/" + sessionID
	}
	return DeployResult{PreviewURL: m.PreviewURL}, nil
}

func (m *MockClient) GetFiles(ctx context.Context, sessionID string, paths []string) (GetFilesResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for _, p := range paths {
		if c, ok := m.Files[p]; ok {
			out[p] = c
		}
	}
	return GetFilesResult{Success: true, Files: out}, nil
}

func (m *MockClient) WriteFiles(ctx context.Context, sessionID string, files []FileWrite, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range files {
		m.Files[f.Path] = f.Contents
	}
	return nil
}

func (m *MockClient) ExecuteCommands(ctx context.Context, sessionID string, commands []string, timeout time.Duration) (ExecuteCommandsResult, error) {
	results := make([]CommandResult, 0, len(commands))
	for _, cmd := range commands {
		results = append(results, CommandResult{Command: cmd, Success: true})
	}
	return ExecuteCommandsResult{Success: true, Results: results}, nil
}

func (m *MockClient) RunStaticAnalysis(ctx context.Context, sessionID string, files []string) (StaticAnalysisResult, error) {
	return StaticAnalysisResult{Success: true}, nil
}

func (m *MockClient) FetchRuntimeErrors(ctx context.Context, sessionID string, clear bool) ([]RuntimeError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]RuntimeError{}, m.RuntimeErrors...)
	if clear {
		m.RuntimeErrors = nil
	}
	return out, nil
}

func (m *MockClient) GetLogs(ctx context.Context, sessionID string, reset bool, duration time.Duration) (LogsResult, error) {
	return LogsResult{Success: true}, nil
}

func (m *MockClient) GetInstanceStatus(ctx context.Context, sessionID string) (InstanceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return InstanceStatus{IsHealthy: m.InstanceHealth, Success: true}, nil
}

func (m *MockClient) UpdateProjectName(ctx context.Context, sessionID, name string) error {
	return nil
}

func (m *MockClient) DeleteFiles(ctx context.Context, sessionID string, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.Files, p)
	}
	return nil
}
