package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/model"
)

func TestFileStoreSaveFullThenLoadFullRoundTrips(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	msgs := []model.Message{{ConversationID: "c1", Content: "hello"}}
	require.NoError(t, s.SaveFull(ctx, "sess1", msgs))

	loaded, err := s.LoadFull(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "hello", loaded[0].Content)
}

func TestFileStoreLoadMissingSessionReturnsNilNoError(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	msgs, err := s.LoadFull(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestFileStoreFullAndCompactAreIndependent(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.SaveFull(ctx, "sess1", []model.Message{{ConversationID: "c1", Content: "full"}}))
	require.NoError(t, s.SaveCompact(ctx, "sess1", []model.Message{{ConversationID: "c1", Content: "compact"}}))

	full, err := s.LoadFull(ctx, "sess1")
	require.NoError(t, err)
	compact, err := s.LoadCompact(ctx, "sess1")
	require.NoError(t, err)

	require.Len(t, full, 1)
	require.Len(t, compact, 1)
	assert.Equal(t, "full", full[0].Content)
	assert.Equal(t, "compact", compact[0].Content)
}
