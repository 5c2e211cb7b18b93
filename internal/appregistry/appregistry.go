// Package appregistry is the black-box application-metadata collaborator
// of spec §6 ("Registry (application metadata)"): createApp, updateApp,
// getAppDetails. Like modelbackend and sandbox, it is defined here only
// as a typed contract plus an HTTP implementation — never a reimplemented
// vendor-specific client.
package appregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/forgepilot/orchestrator/internal/kerrors"
)

// Visibility mirrors the registry's app visibility enum.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// AppUpdate is the partial update accepted by UpdateApp, spec §6.
type AppUpdate struct {
	Status               string     `json:"status,omitempty"`
	Title                string     `json:"title,omitempty"`
	GitHubRepositoryURL  string     `json:"githubRepositoryUrl,omitempty"`
	Visibility           Visibility `json:"visibility,omitempty"`
	DeploymentID         string     `json:"deploymentId,omitempty"`
	ScreenshotURL        string     `json:"screenshotUrl,omitempty"`
}

// AppDetails is returned by GetAppDetails.
type AppDetails struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Status              string     `json:"status"`
	GitHubRepositoryURL string     `json:"githubRepositoryUrl,omitempty"`
	Visibility          Visibility `json:"visibility"`
	DeploymentID        string     `json:"deploymentId,omitempty"`
	ScreenshotURL       string     `json:"screenshotUrl,omitempty"`
}

// Registry is the application-metadata contract of spec §6.
type Registry interface {
	CreateApp(ctx context.Context, projectID, title string) (AppDetails, error)
	UpdateApp(ctx context.Context, projectID string, update AppUpdate) error
	GetAppDetails(ctx context.Context, projectID string) (AppDetails, error)
}

// HTTPRegistry is the real Registry implementation.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRegistry constructs an HTTPRegistry.
func NewHTTPRegistry(baseURL string, client *http.Client) *HTTPRegistry {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRegistry{baseURL: baseURL, client: client}
}

func (r *HTTPRegistry) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return kerrors.Wrap(kerrors.Fatal, "marshal registry request", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return kerrors.Wrap(kerrors.Fatal, "build registry request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return kerrors.Wrap(kerrors.Transient, "registry transport", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return kerrors.New(kerrors.NotFound, "app not found")
	}
	if resp.StatusCode >= 400 {
		return kerrors.New(kerrors.Transient, "registry request failed")
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *HTTPRegistry) CreateApp(ctx context.Context, projectID, title string) (AppDetails, error) {
	var out AppDetails
	err := r.do(ctx, http.MethodPost, "/apps", map[string]any{"id": projectID, "title": title}, &out)
	return out, err
}

func (r *HTTPRegistry) UpdateApp(ctx context.Context, projectID string, update AppUpdate) error {
	return r.do(ctx, http.MethodPatch, "/apps/"+projectID, update, nil)
}

func (r *HTTPRegistry) GetAppDetails(ctx context.Context, projectID string) (AppDetails, error) {
	var out AppDetails
	err := r.do(ctx, http.MethodGet, "/apps/"+projectID, nil, &out)
	return out, err
}
