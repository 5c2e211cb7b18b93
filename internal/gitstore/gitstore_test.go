package gitstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitAndGetAllFilesFromHead(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	oid, err := s.Commit([]FileWrite{
		{Path: "src/app.ts", Contents: "export const x = 1;\n"},
	}, "initial commit")
	require.NoError(t, err)
	assert.NotEmpty(t, oid)

	files, err := s.GetAllFilesFromHead()
	require.NoError(t, err)
	assert.Equal(t, "export const x = 1;\n", files["src/app.ts"])
}

func TestCommitWithNoChangesReturnsSameOID(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	oid1, err := s.Commit([]FileWrite{{Path: "a.txt", Contents: "hi"}}, "first")
	require.NoError(t, err)

	oid2, err := s.Commit(nil, "noop")
	require.NoError(t, err)
	assert.Equal(t, oid1, oid2)
}

func TestFileChangedCallbackFiresOnCommitAndReset(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	var calls int
	s.SetOnFilesChangedCallback(func() { calls++ })

	oid1, err := s.Commit([]FileWrite{{Path: "a.txt", Contents: "v1"}}, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = s.Commit([]FileWrite{{Path: "a.txt", Contents: "v2"}}, "v2")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	require.NoError(t, s.Reset(oid1))
	assert.Equal(t, 3, calls)

	files, err := s.GetAllFilesFromHead()
	require.NoError(t, err)
	assert.Equal(t, "v1", files["a.txt"])
}

func TestLogReturnsMostRecentFirst(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	_, err = s.Commit([]FileWrite{{Path: "a.txt", Contents: "v1"}}, "first")
	require.NoError(t, err)
	_, err = s.Commit([]FileWrite{{Path: "a.txt", Contents: "v2"}}, "second")
	require.NoError(t, err)

	log, err := s.Log(0)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "second", log[0].Message)
	assert.Equal(t, "first", log[1].Message)
}

func TestLogOnEmptyRepoReturnsEmpty(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	log, err := s.Log(10)
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestShowIncludesDiffAgainstParent(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	_, err = s.Commit([]FileWrite{{Path: "a.txt", Contents: "line1\n"}}, "first")
	require.NoError(t, err)
	oid2, err := s.Commit([]FileWrite{{Path: "a.txt", Contents: "line1\nline2\n"}}, "second")
	require.NoError(t, err)

	res, err := s.Show(oid2, true)
	require.NoError(t, err)
	assert.Equal(t, "second", res.Message)
	assert.Contains(t, res.Files, "a.txt")
	require.Len(t, res.Diffs, 1)
	assert.Contains(t, res.Diffs[0].Diff, "+line2")
}

func TestShowUnknownOIDReturnsNotFound(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	_, err = s.Show("deadbeef", false)
	assert.Error(t, err)
}

func TestCommitAtUsesExplicitTimestamp(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	when := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	oid, err := s.CommitAt([]FileWrite{{Path: "a.txt", Contents: "v1"}}, "pin date", when)
	require.NoError(t, err)

	log, err := s.Log(1)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, oid, log[0].OID)
	assert.True(t, when.Equal(log[0].Timestamp))
}

func TestExportObjectsReturnsSortedFiles(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	_, err = s.Commit([]FileWrite{
		{Path: "b.txt", Contents: "b"},
		{Path: "a.txt", Contents: "a"},
	}, "init")
	require.NoError(t, err)

	objs, err := s.ExportObjects()
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "a.txt", objs[0].Path)
	assert.Equal(t, "b.txt", objs[1].Path)
}

func TestHeadOIDEmptyOnFreshRepo(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	assert.Equal(t, "", s.HeadOID())
}

func TestUnifiedDiffRendersAddedAndRemovedLines(t *testing.T) {
	diff := UnifiedDiff("a.txt", "line1\nline2\n", "line1\nline3\n")
	assert.Contains(t, diff, "--- a.txt")
	assert.Contains(t, diff, "-line2")
	assert.Contains(t, diff, "+line3")
}
