// Package sandbox implements the SandboxClient of spec §4.5: a typed RPC
// façade over an external sandbox execution service. The sandbox service
// itself is a black-box collaborator (spec §1) — this package only
// defines the contract, an HTTP implementation of it, and a rate limiter
// guarding outbound calls, grounded on the teacher's internal/llm
// provider-adapter pattern (a typed interface plus one concrete
// transport) and on golang.org/x/time/rate for client-side throttling.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/forgepilot/orchestrator/internal/kerrors"
)

// FileWrite is one path/contents pair for WriteFiles.
type FileWrite struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// DeployOptions controls Deploy, spec §4.5.
type DeployOptions struct {
	Redeploy      bool   `json:"redeploy,omitempty"`
	ClearLogs     bool   `json:"clearLogs,omitempty"`
	CommitMessage string `json:"commitMessage,omitempty"`
}

// DeployResult is returned by Deploy.
type DeployResult struct {
	PreviewURL string `json:"previewUrl"`
	TunnelURL  string `json:"tunnelUrl,omitempty"`
}

// GetFilesResult is returned by GetFiles.
type GetFilesResult struct {
	Success bool              `json:"success"`
	Files   map[string]string `json:"files"`
	Error   string            `json:"error,omitempty"`
}

// CommandResult is one entry of ExecuteCommands' results.
type CommandResult struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

// ExecuteCommandsResult is returned by ExecuteCommands.
type ExecuteCommandsResult struct {
	Success bool            `json:"success"`
	Results []CommandResult `json:"results"`
}

// AnalysisIssue is one lint/typecheck finding, spec §4.5/§3.
type AnalysisIssue struct {
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StaticAnalysisResult is returned by RunStaticAnalysis.
type StaticAnalysisResult struct {
	Lint      AnalysisBucket `json:"lint"`
	Typecheck AnalysisBucket `json:"typecheck"`
	Success   bool           `json:"success"`
}

// AnalysisBucket groups issues from one analysis pass.
type AnalysisBucket struct {
	Issues []AnalysisIssue `json:"issues"`
}

// RuntimeError mirrors model.RuntimeError on the wire.
type RuntimeError struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Path      string    `json:"path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogsResult is returned by GetLogs.
type LogsResult struct {
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Success bool   `json:"success"`
}

// InstanceStatus is returned by GetInstanceStatus.
type InstanceStatus struct {
	IsHealthy bool `json:"isHealthy"`
	Success   bool `json:"success"`
}

// Client is the SandboxClient contract of spec §4.5.
type Client interface {
	Deploy(ctx context.Context, sessionID string, files []FileWrite, opts DeployOptions) (DeployResult, error)
	GetFiles(ctx context.Context, sessionID string, paths []string) (GetFilesResult, error)
	WriteFiles(ctx context.Context, sessionID string, files []FileWrite, message string) error
	ExecuteCommands(ctx context.Context, sessionID string, commands []string, timeout time.Duration) (ExecuteCommandsResult, error)
	RunStaticAnalysis(ctx context.Context, sessionID string, files []string) (StaticAnalysisResult, error)
	FetchRuntimeErrors(ctx context.Context, sessionID string, clear bool) ([]RuntimeError, error)
	GetLogs(ctx context.Context, sessionID string, reset bool, duration time.Duration) (LogsResult, error)
	GetInstanceStatus(ctx context.Context, sessionID string) (InstanceStatus, error)
	UpdateProjectName(ctx context.Context, sessionID, name string) error
	DeleteFiles(ctx context.Context, sessionID string, paths []string) error
}

// HTTPClient is the real Client implementation, talking JSON-over-HTTP to
// the external sandbox service, rate-limited client-side.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient constructs a rate-limited HTTP sandbox client. rps/burst
// of zero disables limiting (useful for tests).
func NewHTTPClient(baseURL string, timeout time.Duration, rps float64, burst int) *HTTPClient {
	var lim *rate.Limiter
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    lim,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return kerrors.Wrap(kerrors.Transient, "sandbox rate limit wait", err)
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return kerrors.Wrap(kerrors.Fatal, "marshal sandbox request", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return kerrors.Wrap(kerrors.Fatal, "build sandbox request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return kerrors.New(kerrors.SandboxUnavailable, "sandbox service unavailable")
	}
	if resp.StatusCode == http.StatusGone {
		return kerrors.New(kerrors.PreviewExpired, "sandbox preview expired")
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return kerrors.New(kerrors.Transient, fmt.Sprintf("sandbox %s %s: %d %s", method, path, resp.StatusCode, string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return kerrors.Wrap(kerrors.Fatal, "decode sandbox response", err)
	}
	return nil
}

func classifyTransportError(err error) error {
	return kerrors.Wrap(kerrors.Transient, "sandbox transport", err)
}

func (c *HTTPClient) Deploy(ctx context.Context, sessionID string, files []FileWrite, opts DeployOptions) (DeployResult, error) {
	var out DeployResult
	payload := map[string]any{"sessionId": sessionID, "files": files, "options": opts}
	err := c.do(ctx, http.MethodPost, "/sessions/deploy", payload, &out)
	return out, err
}

func (c *HTTPClient) GetFiles(ctx context.Context, sessionID string, paths []string) (GetFilesResult, error) {
	var out GetFilesResult
	payload := map[string]any{"sessionId": sessionID, "paths": paths}
	err := c.do(ctx, http.MethodPost, "/files/get", payload, &out)
	return out, err
}

func (c *HTTPClient) WriteFiles(ctx context.Context, sessionID string, files []FileWrite, message string) error {
	payload := map[string]any{"sessionId": sessionID, "files": files, "message": message}
	return c.do(ctx, http.MethodPost, "/files/write", payload, nil)
}

func (c *HTTPClient) ExecuteCommands(ctx context.Context, sessionID string, commands []string, timeout time.Duration) (ExecuteCommandsResult, error) {
	var out ExecuteCommandsResult
	payload := map[string]any{"sessionId": sessionID, "commands": commands, "timeoutMs": timeout.Milliseconds()}
	err := c.do(ctx, http.MethodPost, "/commands/execute", payload, &out)
	return out, err
}

func (c *HTTPClient) RunStaticAnalysis(ctx context.Context, sessionID string, files []string) (StaticAnalysisResult, error) {
	var out StaticAnalysisResult
	payload := map[string]any{"sessionId": sessionID, "files": files}
	err := c.do(ctx, http.MethodPost, "/analysis/run", payload, &out)
	return out, err
}

func (c *HTTPClient) FetchRuntimeErrors(ctx context.Context, sessionID string, clear bool) ([]RuntimeError, error) {
	var out []RuntimeError
	payload := map[string]any{"sessionId": sessionID, "clear": clear}
	err := c.do(ctx, http.MethodPost, "/errors/fetch", payload, &out)
	return out, err
}

func (c *HTTPClient) GetLogs(ctx context.Context, sessionID string, reset bool, duration time.Duration) (LogsResult, error) {
	var out LogsResult
	payload := map[string]any{"sessionId": sessionID, "reset": reset, "durationSeconds": int(duration.Seconds())}
	err := c.do(ctx, http.MethodPost, "/logs", payload, &out)
	return out, err
}

func (c *HTTPClient) GetInstanceStatus(ctx context.Context, sessionID string) (InstanceStatus, error) {
	var out InstanceStatus
	err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/status", nil, &out)
	return out, err
}

func (c *HTTPClient) UpdateProjectName(ctx context.Context, sessionID, name string) error {
	payload := map[string]any{"sessionId": sessionID, "name": name}
	return c.do(ctx, http.MethodPost, "/sessions/name", payload, nil)
}

func (c *HTTPClient) DeleteFiles(ctx context.Context, sessionID string, paths []string) error {
	payload := map[string]any{"sessionId": sessionID, "paths": paths}
	return c.do(ctx, http.MethodPost, "/files/delete", payload, nil)
}
