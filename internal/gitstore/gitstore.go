// Package gitstore implements the content-addressed version control layer
// of spec §4.3 over a real in-memory git repository (go-git/v5 with an
// in-memory object store and worktree filesystem), rather than the
// teacher's subprocess-`git` gitutil package — the spec requires the store
// to live entirely inside the orchestrator's own persisted state, with no
// filesystem or external process dependency.
package gitstore

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/zeebo/blake3"

	"github.com/forgepilot/orchestrator/internal/kerrors"
)

// FileChangedCallback is invoked whenever a commit or reset moves HEAD,
// breaking the GitStore -> FileManager -> Store cycle with a one-way
// registration rather than an import, per spec §9 "Cyclic references."
type FileChangedCallback func()

// FileWrite is one path/contents pair to stage or commit.
type FileWrite struct {
	Path     string
	Contents string
}

// CommitInfo is the metadata returned by Log/Show, spec §4.3.
type CommitInfo struct {
	OID       string
	Message   string
	Timestamp time.Time
	Author    string
}

// FileDiff is one file's unified diff within a Show result.
type FileDiff struct {
	Path string
	Diff string
	// ContentHash is the after-content's blob oid, spec §4.3's content-
	// addressed storage surfaced to clients via show/log.
	ContentHash string
}

// ShowResult is the full output of Show, spec §4.3.
type ShowResult struct {
	CommitInfo
	Files []string
	Diffs []FileDiff // only populated when includeDiff is requested
	// BlobOIDs maps each file in Files to its content-addressed oid
	// (blake3 of its contents), the client-visible namespace spec §4.3
	// calls out separately from go-git's internal SHA1 plumbing hashes.
	BlobOIDs map[string]string
}

// blobOID returns contents' content-addressed oid in the client-visible
// namespace, independent of go-git's internal SHA1 object hashing.
func blobOID(contents string) string {
	sum := blake3.Sum256([]byte(contents))
	return fmt.Sprintf("%x", sum)
}

// ExportedObject is one flattened blob suitable for pushing to an external
// remote, spec §4.3 exportObjects().
type ExportedObject struct {
	Path  string
	Bytes []byte
}

const defaultAuthorName = "orchestrator"
const defaultAuthorEmail = "orchestrator@local"

// Store is the GitStore of spec §4.3.
type Store struct {
	repo *git.Repository
	wt   *git.Worktree
	fs   billy.Filesystem

	onChanged FileChangedCallback
}

// New constructs an empty, initialized GitStore (init() is idempotent by
// construction: New always returns a freshly initialized repo).
func New() (*Store, error) {
	fs := memfs.New()
	st := memory.NewStorage()
	repo, err := git.Init(st, fs)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "git init", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "open worktree", err)
	}
	return &Store{repo: repo, wt: wt, fs: fs}, nil
}

// SetOnFilesChangedCallback registers the one-way notification used by
// FileManager.syncFromHead, spec §4.3/§9.
func (s *Store) SetOnFilesChangedCallback(cb FileChangedCallback) {
	s.onChanged = cb
}

func (s *Store) notify() {
	if s.onChanged != nil {
		s.onChanged()
	}
}

func (s *Store) writeToWorktree(files []FileWrite) error {
	for _, f := range files {
		if err := writeFile(s.fs, f.Path, f.Contents); err != nil {
			return err
		}
		if _, err := s.wt.Add(f.Path); err != nil {
			return kerrors.Wrap(kerrors.Fatal, "git add "+f.Path, err)
		}
	}
	return nil
}

func writeFile(fs billy.Filesystem, p, contents string) error {
	if dir := path.Dir(p); dir != "." && dir != "/" {
		_ = fs.MkdirAll(dir, 0o755)
	}
	fh, err := fs.Create(p)
	if err != nil {
		return kerrors.Wrap(kerrors.Fatal, "create "+p, err)
	}
	defer fh.Close()
	if _, err := io.WriteString(fh, contents); err != nil {
		return kerrors.Wrap(kerrors.Fatal, "write "+p, err)
	}
	return nil
}

// Stage writes files into the worktree and adds them to the git index
// without committing, spec §4.3.
func (s *Store) Stage(files []FileWrite) error {
	return s.writeToWorktree(files)
}

// Commit commits files (writing+staging them first) with message. An empty
// files slice means "commit currently staged", spec §4.3. Returns the new
// commit's oid.
func (s *Store) Commit(files []FileWrite, message string) (string, error) {
	if len(files) > 0 {
		if err := s.writeToWorktree(files); err != nil {
			return "", err
		}
	}
	status, err := s.wt.Status()
	if err != nil {
		return "", kerrors.Wrap(kerrors.Fatal, "git status", err)
	}
	if status.IsClean() {
		head, err := s.repo.Head()
		if err == nil {
			return head.Hash().String(), nil
		}
	}

	hash, err := s.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  defaultAuthorName,
			Email: defaultAuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", kerrors.Wrap(kerrors.Fatal, "git commit", err)
	}
	s.notify()
	return hash.String(), nil
}

// CommitAt is Commit but with an explicit author timestamp. pushToGitHub
// does not call it; the pushed commit's date comes from
// githubpush.Metadata.AppCreatedAt.
func (s *Store) CommitAt(files []FileWrite, message string, when time.Time) (string, error) {
	if len(files) > 0 {
		if err := s.writeToWorktree(files); err != nil {
			return "", err
		}
	}
	hash, err := s.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  defaultAuthorName,
			Email: defaultAuthorEmail,
			When:  when,
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", kerrors.Wrap(kerrors.Fatal, "git commit", err)
	}
	s.notify()
	return hash.String(), nil
}

// Log returns up to limit commits from HEAD, most recent first, spec §4.3.
func (s *Store) Log(limit int) ([]CommitInfo, error) {
	head, err := s.repo.Head()
	if err != nil {
		return nil, nil // empty repo: no commits yet
	}
	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "git log", err)
	}
	defer iter.Close()

	var out []CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(out) >= limit {
			return storeErrStop
		}
		out = append(out, CommitInfo{
			OID:       c.Hash.String(),
			Message:   c.Message,
			Timestamp: c.Author.When,
			Author:    c.Author.Name,
		})
		return nil
	})
	if err != nil && err != storeErrStop {
		return nil, kerrors.Wrap(kerrors.Fatal, "git log iterate", err)
	}
	return out, nil
}

var storeErrStop = fmt.Errorf("stop")

// Show returns commit metadata, the file list at that commit, and
// optionally a per-file unified diff against its parent, spec §4.3.
func (s *Store) Show(oid string, includeDiff bool) (*ShowResult, error) {
	hash := plumbing.NewHash(oid)
	commit, err := s.repo.CommitObject(hash)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NotFound, "commit "+oid, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "commit tree", err)
	}

	files, err := filesInTree(tree)
	if err != nil {
		return nil, err
	}
	oids, err := blobOIDsInTree(tree)
	if err != nil {
		return nil, err
	}

	res := &ShowResult{
		CommitInfo: CommitInfo{
			OID:       commit.Hash.String(),
			Message:   commit.Message,
			Timestamp: commit.Author.When,
			Author:    commit.Author.Name,
		},
		Files:    files,
		BlobOIDs: oids,
	}
	if !includeDiff {
		return res, nil
	}

	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err == nil {
			parentTree, _ = parent.Tree()
		}
	}

	diffs, err := diffTrees(parentTree, tree)
	if err != nil {
		return nil, err
	}
	res.Diffs = diffs
	return res, nil
}

// Reset moves HEAD to oid and rewrites the working tree (hard reset). This
// is destructive; callers must surface an explicit warning, spec §4.3.
func (s *Store) Reset(oid string) error {
	hash := plumbing.NewHash(oid)
	if err := s.wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return kerrors.Wrap(kerrors.Fatal, "git reset --hard "+oid, err)
	}
	s.notify()
	return nil
}

// GetAllFilesFromHead enumerates path -> contents at HEAD, spec §4.3.
func (s *Store) GetAllFilesFromHead() (map[string]string, error) {
	head, err := s.repo.Head()
	if err != nil {
		return map[string]string{}, nil
	}
	commit, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "head commit", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "head tree", err)
	}

	out := map[string]string{}
	err = tree.Files().ForEach(func(f *object.File) error {
		contents, err := f.Contents()
		if err != nil {
			return err
		}
		out[f.Name] = contents
		return nil
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "read head tree", err)
	}
	return out, nil
}

// ExportObjects flattens every blob reachable from HEAD into a
// path/bytes list, spec §4.3, for handoff to an external remote (GitHub
// push).
func (s *Store) ExportObjects() ([]ExportedObject, error) {
	files, err := s.GetAllFilesFromHead()
	if err != nil {
		return nil, err
	}
	out := make([]ExportedObject, 0, len(files))
	for p, contents := range files {
		out = append(out, ExportedObject{Path: p, Bytes: []byte(contents)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// HeadOID returns the current HEAD commit oid, or "" for an empty repo.
func (s *Store) HeadOID() string {
	head, err := s.repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}

func filesInTree(tree *object.Tree) ([]string, error) {
	var out []string
	err := tree.Files().ForEach(func(f *object.File) error {
		out = append(out, f.Name)
		return nil
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "walk tree", err)
	}
	sort.Strings(out)
	return out, nil
}

func blobOIDsInTree(tree *object.Tree) (map[string]string, error) {
	out := map[string]string{}
	err := tree.Files().ForEach(func(f *object.File) error {
		contents, err := f.Contents()
		if err != nil {
			return err
		}
		out[f.Name] = blobOID(contents)
		return nil
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "walk tree", err)
	}
	return out, nil
}

func diffTrees(before, after *object.Tree) ([]FileDiff, error) {
	afterFiles := map[string]string{}
	if after != nil {
		err := after.Files().ForEach(func(f *object.File) error {
			c, err := f.Contents()
			if err != nil {
				return err
			}
			afterFiles[f.Name] = c
			return nil
		})
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Fatal, "walk after tree", err)
		}
	}
	beforeFiles := map[string]string{}
	if before != nil {
		err := before.Files().ForEach(func(f *object.File) error {
			c, err := f.Contents()
			if err != nil {
				return err
			}
			beforeFiles[f.Name] = c
			return nil
		})
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Fatal, "walk before tree", err)
		}
	}

	paths := map[string]bool{}
	for p := range afterFiles {
		paths[p] = true
	}
	for p := range beforeFiles {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var out []FileDiff
	for _, p := range sorted {
		b, a := beforeFiles[p], afterFiles[p]
		if b == a {
			continue
		}
		out = append(out, FileDiff{Path: p, Diff: UnifiedDiff(p, b, a), ContentHash: blobOID(a)})
	}
	return out, nil
}

// UnifiedDiff renders a unified diff between before and after using
// sergi/go-diff's line-level diff engine, the same library the
// morler-codai and ginkida-gooner examples use for textual diffs.
func UnifiedDiff(path, before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--- %s\n+++ %s\n", path, path)
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			buf.WriteString(prefix)
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}
