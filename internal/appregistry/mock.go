package appregistry

import (
	"context"
	"sync"
)

// MockRegistry is an in-memory Registry for tests and local development.
type MockRegistry struct {
	mu   sync.Mutex
	apps map[string]AppDetails
}

// NewMockRegistry constructs an empty MockRegistry.
func NewMockRegistry() *MockRegistry {
	return &MockRegistry{apps: map[string]AppDetails{}}
}

func (r *MockRegistry) CreateApp(ctx context.Context, projectID, title string) (AppDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app := AppDetails{ID: projectID, Title: title, Status: "created", Visibility: VisibilityPrivate}
	r.apps[projectID] = app
	return app, nil
}

func (r *MockRegistry) UpdateApp(ctx context.Context, projectID string, update AppUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	app := r.apps[projectID]
	if update.Status != "" {
		app.Status = update.Status
	}
	if update.Title != "" {
		app.Title = update.Title
	}
	if update.GitHubRepositoryURL != "" {
		app.GitHubRepositoryURL = update.GitHubRepositoryURL
	}
	if update.Visibility != "" {
		app.Visibility = update.Visibility
	}
	if update.DeploymentID != "" {
		app.DeploymentID = update.DeploymentID
	}
	if update.ScreenshotURL != "" {
		app.ScreenshotURL = update.ScreenshotURL
	}
	r.apps[projectID] = app
	return nil
}

func (r *MockRegistry) GetAppDetails(ctx context.Context, projectID string) (AppDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apps[projectID], nil
}
