package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgepilot/orchestrator/internal/model"
)

// FileStore is a Store that persists each session's full and compact
// histories as sibling JSON files under dir, mirroring store.FilePersister's
// layout so the two ambient persistence concerns share one on-disk shape.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore constructs a FileStore rooted at dir, creating it if
// necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) loadFile(name string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []model.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *FileStore) saveFile(name string, msgs []model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) LoadFull(ctx context.Context, sessionID string) ([]model.Message, error) {
	return s.loadFile(sessionID + ".full.json")
}

func (s *FileStore) SaveFull(ctx context.Context, sessionID string, msgs []model.Message) error {
	return s.saveFile(sessionID+".full.json", msgs)
}

func (s *FileStore) LoadCompact(ctx context.Context, sessionID string) ([]model.Message, error) {
	return s.loadFile(sessionID + ".compact.json")
}

func (s *FileStore) SaveCompact(ctx context.Context, sessionID string, msgs []model.Message) error {
	return s.saveFile(sessionID+".compact.json", msgs)
}
