package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgepilot/orchestrator/internal/migration"
	"github.com/forgepilot/orchestrator/internal/model"
)

// FilePersister is a Persister that durably writes one JSON document per
// project under dir, grounded on the teacher's logs-root-per-run layout
// (cmd/kilroy's --logs-root) generalized to one file per project.
type FilePersister struct {
	dir string
	mu  sync.Mutex
}

// NewFilePersister constructs a FilePersister rooted at dir, creating it
// if necessary.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FilePersister{dir: dir}, nil
}

func (p *FilePersister) path(projectID string) string {
	return filepath.Join(p.dir, projectID+".json")
}

func (p *FilePersister) Load(ctx context.Context, projectID string) (*model.Project, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, err := os.ReadFile(p.path(projectID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// Legacy persisted documents may use a pre-camelCase shape; rewrite
	// those keys before the typed decode, or a direct json.Unmarshal into
	// the current model.Project tags would silently drop the data that
	// migration.Migrate is supposed to upgrade.
	preprocessed, err := migration.PreprocessLegacyJSON(raw)
	if err != nil {
		return nil, false, err
	}

	var proj model.Project
	if err := json.Unmarshal(preprocessed, &proj); err != nil {
		return nil, false, err
	}
	return &proj, true, nil
}

func (p *FilePersister) Save(ctx context.Context, project *model.Project) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path(project.ID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path(project.ID))
}
