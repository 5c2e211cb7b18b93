package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/model"
)

func TestFilePersisterSaveThenLoadRoundTrips(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "projects")
	fp, err := NewFilePersister(dir)
	require.NoError(t, err)

	ctx := context.Background()
	original := &model.Project{ID: "proj-1", Query: "build me a todo app"}
	require.NoError(t, fp.Save(ctx, original))

	loaded, ok, err := fp.Load(ctx, "proj-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "proj-1", loaded.ID)
	assert.Equal(t, "build me a todo app", loaded.Query)
}

func TestFilePersisterLoadMissingReturnsFalseNoError(t *testing.T) {
	fp, err := NewFilePersister(t.TempDir())
	require.NoError(t, err)

	loaded, ok, err := fp.Load(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, loaded)
}

func TestFilePersisterSaveOverwritesPreviousVersion(t *testing.T) {
	fp, err := NewFilePersister(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fp.Save(ctx, &model.Project{ID: "p1", Query: "v1"}))
	require.NoError(t, fp.Save(ctx, &model.Project{ID: "p1", Query: "v2"}))

	loaded, ok, err := fp.Load(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", loaded.Query)
}
