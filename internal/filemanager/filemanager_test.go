package filemanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/gitstore"
	"github.com/forgepilot/orchestrator/internal/model"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestGetAllFilesUnionsTemplateAndGeneratedPreferringGenerated(t *testing.T) {
	p := &model.Project{
		TemplateDetails: &model.TemplateDetails{
			AllFiles: map[string]string{
				"package.json": `{"name":"tpl"}`,
				"src/app.ts":   "template version",
			},
		},
		GeneratedFilesMap: map[string]model.File{
			"src/app.ts": {Path: "src/app.ts", Contents: "generated version"},
		},
	}

	files := GetAllFiles(p)
	assert.Equal(t, `{"name":"tpl"}`, files["package.json"])
	assert.Equal(t, "generated version", files["src/app.ts"])
}

func TestGetAllFilesHandlesNilTemplateDetails(t *testing.T) {
	p := &model.Project{
		GeneratedFilesMap: map[string]model.File{
			"a.ts": {Path: "a.ts", Contents: "x"},
		},
	}
	files := GetAllFiles(p)
	assert.Equal(t, map[string]string{"a.ts": "x"}, files)
}

func TestGetAllRelevantFilesFiltersToImportantAndRedacts(t *testing.T) {
	p := &model.Project{
		TemplateDetails: &model.TemplateDetails{
			AllFiles: map[string]string{
				"package.json":     `{}`,
				"src/app.ts":       "code",
				".env":             "SECRET=1",
				"secrets/key.pem":  "----",
			},
			ImportantFiles: []string{"package.json", "src/app.ts", ".env", "secrets/key.pem"},
			RedactedFiles:  []string{".env", "secrets/**"},
		},
	}

	withRedaction := GetAllRelevantFiles(p, true)
	assert.Contains(t, withRedaction, "package.json")
	assert.Contains(t, withRedaction, "src/app.ts")
	assert.NotContains(t, withRedaction, ".env")
	assert.NotContains(t, withRedaction, "secrets/key.pem")

	withoutRedaction := GetAllRelevantFiles(p, false)
	assert.Contains(t, withoutRedaction, ".env")
	assert.Contains(t, withoutRedaction, "secrets/key.pem")
}

func TestSaveGeneratedFilesComputesDiffAgainstTemplateBase(t *testing.T) {
	git, err := gitstore.New()
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := New(git, fixedClock(now))

	p := &model.Project{
		TemplateDetails: &model.TemplateDetails{
			AllFiles: map[string]string{"src/app.ts": "line1\n"},
		},
		GeneratedFilesMap: map[string]model.File{},
	}

	err = m.SaveGeneratedFiles(p, []model.File{
		{Path: "src/app.ts", Contents: "line1\nline2\n", Purpose: "entrypoint"},
	}, "")
	require.NoError(t, err)

	saved := p.GeneratedFilesMap["src/app.ts"]
	assert.Equal(t, "entrypoint", saved.Purpose)
	assert.Contains(t, saved.LastDiff, "+line2")
	assert.True(t, saved.LastModified.Equal(now))
}

func TestSaveGeneratedFilesPreservesPurposeWhenUnset(t *testing.T) {
	git, err := gitstore.New()
	require.NoError(t, err)
	m := New(git, fixedClock(time.Now()))

	p := &model.Project{
		GeneratedFilesMap: map[string]model.File{
			"a.ts": {Path: "a.ts", Contents: "old", Purpose: "keep-me"},
		},
	}

	err = m.SaveGeneratedFiles(p, []model.File{{Path: "a.ts", Contents: "new"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "keep-me", p.GeneratedFilesMap["a.ts"].Purpose)
}

func TestSaveGeneratedFilesWithCommitMessageCommits(t *testing.T) {
	git, err := gitstore.New()
	require.NoError(t, err)
	m := New(git, fixedClock(time.Now()))

	p := &model.Project{GeneratedFilesMap: map[string]model.File{}}
	err = m.SaveGeneratedFiles(p, []model.File{{Path: "a.ts", Contents: "x"}}, "commit it")
	require.NoError(t, err)

	assert.NotEqual(t, "", git.HeadOID())
}

func TestDeleteFilesRemovesPaths(t *testing.T) {
	m := New(nil, nil)
	p := &model.Project{
		GeneratedFilesMap: map[string]model.File{
			"a.ts": {Path: "a.ts"},
			"b.ts": {Path: "b.ts"},
		},
	}
	m.DeleteFiles(p, []string{"a.ts"})
	assert.NotContains(t, p.GeneratedFilesMap, "a.ts")
	assert.Contains(t, p.GeneratedFilesMap, "b.ts")
}

func TestSyncFromHeadRebuildsMapPreservingPurpose(t *testing.T) {
	git, err := gitstore.New()
	require.NoError(t, err)
	_, err = git.Commit([]gitstore.FileWrite{{Path: "a.ts", Contents: "v1"}}, "init")
	require.NoError(t, err)

	m := New(git, fixedClock(time.Now()))
	p := &model.Project{
		GeneratedFilesMap: map[string]model.File{
			"a.ts": {Path: "a.ts", Contents: "stale", Purpose: "entrypoint"},
			"gone.ts": {Path: "gone.ts", Contents: "removed"},
		},
	}

	require.NoError(t, m.SyncFromHead(p))
	assert.Equal(t, "v1", p.GeneratedFilesMap["a.ts"].Contents)
	assert.Equal(t, "entrypoint", p.GeneratedFilesMap["a.ts"].Purpose)
	assert.NotContains(t, p.GeneratedFilesMap, "gone.ts")
}

func TestSortedPaths(t *testing.T) {
	files := map[string]string{"b.ts": "", "a.ts": "", "c.ts": ""}
	assert.Equal(t, []string{"a.ts", "b.ts", "c.ts"}, SortedPaths(files))
}
