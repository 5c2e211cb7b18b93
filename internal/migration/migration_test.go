package migration

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/model"
)

func TestMigrateReturnsNilWhenAlreadyCurrent(t *testing.T) {
	e := New()
	p := &model.Project{SchemaVersion: CurrentSchemaVersion}
	assert.Nil(t, e.Migrate(p))
}

func TestMigrateReturnsNilForNilProject(t *testing.T) {
	e := New()
	assert.Nil(t, e.Migrate(nil))
}

func TestMigrateDedupsConversationLastWriterWins(t *testing.T) {
	e := New()
	p := &model.Project{
		ConversationMessages: []model.Message{
			{ConversationID: "c1", Content: "first"},
			{ConversationID: "c2", Content: "other"},
			{ConversationID: "c1", Content: "updated"},
		},
	}

	out := e.Migrate(p)
	require.NotNil(t, out)
	require.Len(t, out.ConversationMessages, 2)
	assert.Equal(t, "updated", out.ConversationMessages[0].Content)
	assert.Equal(t, "other", out.ConversationMessages[1].Content)
}

func TestMigrateIsPureDoesNotMutateInput(t *testing.T) {
	e := New()
	p := &model.Project{
		ConversationMessages: []model.Message{
			{ConversationID: "c1", Content: "first"},
			{ConversationID: "c1", Content: "second"},
		},
	}
	_ = e.Migrate(p)
	assert.Len(t, p.ConversationMessages, 2)
}

func TestMigrateDropsInternalMemosPastBloatThreshold(t *testing.T) {
	e := New()
	msgs := make([]model.Message, 0, ConversationBloatThreshold+3)
	for i := 0; i < ConversationBloatThreshold+1; i++ {
		msgs = append(msgs, model.Message{ConversationID: "", Content: "padding"})
	}
	msgs = append(msgs, model.Message{ConversationID: "memo1", Content: model.InternalMemoSentinel + " hidden"})

	p := &model.Project{ConversationMessages: msgs}
	out := e.Migrate(p)
	require.NotNil(t, out)
	for _, m := range out.ConversationMessages {
		assert.False(t, strings.Contains(m.Content, model.InternalMemoSentinel))
	}
}

func TestMigrateFillsMissingProjectNameFromBlueprint(t *testing.T) {
	e := New()
	p := &model.Project{
		Blueprint: model.Blueprint{ProjectName: "My Cool App!!"},
	}
	out := e.Migrate(p)
	require.NotNil(t, out)
	assert.True(t, strings.HasPrefix(out.ProjectName, "my-cool-app-"))
	assert.Equal(t, out.ProjectName, out.Blueprint.ProjectName)
}

func TestMigrateFallsBackToQueryThenDefault(t *testing.T) {
	e := New()
	p := &model.Project{Query: "   "}
	out := e.Migrate(p)
	require.NotNil(t, out)
	assert.True(t, strings.HasPrefix(out.ProjectName, "project-"))
}

func TestMigrateLeavesExistingProjectNameAlone(t *testing.T) {
	e := New()
	p := &model.Project{ProjectName: "already-set"}
	out := e.Migrate(p)
	require.NotNil(t, out)
	assert.Equal(t, "already-set", out.ProjectName)
}

func TestMigrateEnsuresProjectUpdatesAccumulatorNonNil(t *testing.T) {
	e := New()
	p := &model.Project{ProjectUpdatesAccumulator: nil}
	out := e.Migrate(p)
	require.NotNil(t, out)
	assert.NotNil(t, out.ProjectUpdatesAccumulator)
}

func TestMigrateIsFixedPointWhenReapplied(t *testing.T) {
	e := New()
	p := &model.Project{Query: "hello world"}
	once := e.Migrate(p)
	require.NotNil(t, once)
	twice := e.Migrate(once)
	assert.Nil(t, twice, "re-migrating an already-current project should be a no-op")
}

func TestSlugifyCollapsesNonAlnumRuns(t *testing.T) {
	assert.Equal(t, "my-cool-app", slugify("My   Cool!!App"))
	assert.Equal(t, "", slugify("!!!"))
}
