package appregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockRegistryCreateAppDefaultsToPrivateCreated(t *testing.T) {
	r := NewMockRegistry()
	app, err := r.CreateApp(context.Background(), "p1", "My App")
	require.NoError(t, err)
	assert.Equal(t, "p1", app.ID)
	assert.Equal(t, "My App", app.Title)
	assert.Equal(t, "created", app.Status)
	assert.Equal(t, VisibilityPrivate, app.Visibility)
}

func TestMockRegistryUpdateAppMergesOnlySetFields(t *testing.T) {
	r := NewMockRegistry()
	_, err := r.CreateApp(context.Background(), "p1", "My App")
	require.NoError(t, err)

	require.NoError(t, r.UpdateApp(context.Background(), "p1", AppUpdate{
		GitHubRepositoryURL: "https://github.com/acme/my-app",
	}))

	app, err := r.GetAppDetails(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "My App", app.Title)
	assert.Equal(t, "https://github.com/acme/my-app", app.GitHubRepositoryURL)
}

func TestMockRegistryUpdateAppAllFields(t *testing.T) {
	r := NewMockRegistry()
	_, err := r.CreateApp(context.Background(), "p1", "My App")
	require.NoError(t, err)

	require.NoError(t, r.UpdateApp(context.Background(), "p1", AppUpdate{
		Status:              "deployed",
		Title:               "Renamed App",
		GitHubRepositoryURL: "https://github.com/acme/my-app",
		Visibility:          VisibilityPublic,
		DeploymentID:        "dep-1",
		ScreenshotURL:       "https://example.test/shot.png",
	}))

	app, err := r.GetAppDetails(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "deployed", app.Status)
	assert.Equal(t, "Renamed App", app.Title)
	assert.Equal(t, VisibilityPublic, app.Visibility)
	assert.Equal(t, "dep-1", app.DeploymentID)
	assert.Equal(t, "https://example.test/shot.png", app.ScreenshotURL)
}

func TestMockRegistryGetAppDetailsUnknownProjectReturnsZeroValue(t *testing.T) {
	r := NewMockRegistry()
	app, err := r.GetAppDetails(context.Background(), "never-created")
	require.NoError(t, err)
	assert.Equal(t, AppDetails{}, app)
}
