// Package filemanager implements the FileManager of spec §4.4: a union
// view over a project's template files and generated files, diff
// computation against prior contents, and a one-way sync from the
// GitStore's HEAD — grounded on the teacher's merge-overlay handling in
// internal/attractor/runstate (reconciling "what's on disk" against
// "what we last recorded") but specialized to the template/generated
// overlay rule of spec §4.4.
package filemanager

import (
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/forgepilot/orchestrator/internal/gitstore"
	"github.com/forgepilot/orchestrator/internal/kerrors"
	"github.com/forgepilot/orchestrator/internal/model"
)

// Clock lets tests pin lastModified timestamps.
type Clock func() time.Time

// Manager is the FileManager of spec §4.4. It holds no persisted state of
// its own: it reads and writes the generatedFilesMap and templateDetails
// embedded in a model.Project snapshot that callers pass in.
type Manager struct {
	git   *gitstore.Store
	clock Clock
}

// New constructs a Manager bound to a GitStore. The GitStore's
// SetOnFilesChangedCallback should be wired by the caller to a handler
// that calls SyncFromHead and re-saves the project (spec §4.3/§9's
// one-way callback).
func New(git *gitstore.Store, clock Clock) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{git: git, clock: clock}
}

func templateDetails(p *model.Project) model.TemplateDetails {
	if p.TemplateDetails == nil {
		return model.TemplateDetails{}
	}
	return *p.TemplateDetails
}

// GetAllFiles returns the union of template files and generated files,
// generated winning on path collision, spec §4.4.
func GetAllFiles(p *model.Project) map[string]string {
	td := templateDetails(p)
	out := make(map[string]string, len(td.AllFiles)+len(p.GeneratedFilesMap))
	for path, contents := range td.AllFiles {
		out[path] = contents
	}
	for path, f := range p.GeneratedFilesMap {
		out[path] = f.Contents
	}
	return out
}

// GetAllRelevantFiles returns the union of important-template files and
// generated files, spec §4.4. When redact is true, paths matching any of
// the project's redactedFiles glob patterns (doublestar syntax) are
// dropped from the template side — the same matching library the
// fyrsmithlabs-contextd example uses for ignore-pattern matching.
func GetAllRelevantFiles(p *model.Project, redact bool) map[string]string {
	td := templateDetails(p)
	important := make(map[string]bool, len(td.ImportantFiles))
	for _, path := range td.ImportantFiles {
		important[path] = true
	}

	out := map[string]string{}
	for path, contents := range td.AllFiles {
		if !important[path] {
			continue
		}
		if redact && isRedacted(path, td.RedactedFiles) {
			continue
		}
		out[path] = contents
	}
	for path, f := range p.GeneratedFilesMap {
		out[path] = f.Contents
	}
	return out
}

func isRedacted(path string, patterns []string) bool {
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, path)
		if err == nil && ok {
			return true
		}
		if strings.HasPrefix(path, strings.TrimSuffix(pattern, "/**")) && strings.Contains(pattern, "**") {
			return true
		}
	}
	return false
}

// SaveGeneratedFiles computes each file's lastDiff against its prior
// contents (falling back to the template's contents, then to empty, as
// the diff base), updates p.GeneratedFilesMap, and stages or commits the
// write via GitStore depending on whether commitMessage is non-empty,
// spec §4.4.
func (m *Manager) SaveGeneratedFiles(p *model.Project, files []model.File, commitMessage string) error {
	if p.GeneratedFilesMap == nil {
		p.GeneratedFilesMap = map[string]model.File{}
	}

	writes := make([]gitstore.FileWrite, 0, len(files))
	now := m.clock()
	for _, f := range files {
		base := diffBase(p, f.Path)
		f.LastDiff = gitstore.UnifiedDiff(f.Path, base, f.Contents)
		f.LastModified = now
		if f.Purpose == "" {
			if prior, ok := p.GeneratedFilesMap[f.Path]; ok {
				f.Purpose = prior.Purpose
			}
		}
		p.GeneratedFilesMap[f.Path] = f
		writes = append(writes, gitstore.FileWrite{Path: f.Path, Contents: f.Contents})
	}

	if len(writes) == 0 {
		return nil
	}
	if strings.TrimSpace(commitMessage) != "" {
		_, err := m.git.Commit(writes, commitMessage)
		return err
	}
	return m.git.Stage(writes)
}

func diffBase(p *model.Project, path string) string {
	if prior, ok := p.GeneratedFilesMap[path]; ok {
		return prior.Contents
	}
	if contents, ok := templateDetails(p).AllFiles[path]; ok {
		return contents
	}
	return ""
}

// DeleteFiles removes paths from p.GeneratedFilesMap. Deleting the
// corresponding file from the running sandbox instance is a separate
// operation, spec §4.4.
func (m *Manager) DeleteFiles(p *model.Project, paths []string) {
	for _, path := range paths {
		delete(p.GeneratedFilesMap, path)
	}
}

// SyncFromHead rebuilds p.GeneratedFilesMap from the GitStore's current
// HEAD, preserving each surviving path's purpose field from the prior
// map, spec §4.4. Paths no longer present at HEAD are dropped; new paths
// get an empty purpose.
func (m *Manager) SyncFromHead(p *model.Project) error {
	head, err := m.git.GetAllFilesFromHead()
	if err != nil {
		return kerrors.Wrap(kerrors.Fatal, "sync from head", err)
	}

	rebuilt := make(map[string]model.File, len(head))
	now := m.clock()
	for path, contents := range head {
		f := model.File{Path: path, Contents: contents, LastModified: now}
		if prior, ok := p.GeneratedFilesMap[path]; ok {
			f.Purpose = prior.Purpose
			f.LastDiff = prior.LastDiff
		}
		rebuilt[path] = f
	}
	p.GeneratedFilesMap = rebuilt
	return nil
}

// SortedPaths is a small helper used by handlers that need a stable
// ordering over a file map (e.g. readFiles responses).
func SortedPaths(files map[string]string) []string {
	out := make([]string, 0, len(files))
	for path := range files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
