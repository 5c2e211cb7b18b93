// Package store implements the single-writer, many-reader Project store of
// spec §4.1: get() returns a snapshot, set() totally replaces, mutate()
// does a compare-and-set read-modify-write. Every write is persisted
// durably (via the Persister) before Store.mutate/set returns, and every
// load is passed through the MigrationEngine.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgepilot/orchestrator/internal/model"
)

// Persister durably stores and loads a single project's serialized state.
// Implementations: a JSON-file persister for cmd/orchestratord, an
// in-memory fake for tests.
type Persister interface {
	Load(ctx context.Context, projectID string) (*model.Project, bool, error)
	Save(ctx context.Context, project *model.Project) error
}

// Migrator upgrades a freshly loaded project to the current schema,
// spec §4.10. Returns nil if no migration was needed.
type Migrator interface {
	Migrate(p *model.Project) *model.Project
}

// Store is the per-project state container described in spec §4.1.
type Store struct {
	persist Persister
	migrate Migrator

	mu      sync.Mutex
	project *model.Project
}

// New constructs a Store bound to a single project id, loading and
// migrating any existing persisted state.
func New(ctx context.Context, projectID string, persist Persister, migrate Migrator) (*Store, error) {
	s := &Store{persist: persist, migrate: migrate}
	loaded, ok, err := persist.Load(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if ok {
		if migrate != nil {
			if migrated := migrate.Migrate(loaded); migrated != nil {
				loaded = migrated
			}
		}
		s.project = loaded
	}
	return s, nil
}

// NewFromProject constructs a Store already holding project (used by
// Initialize, which creates the project for the first time).
func NewFromProject(persist Persister, migrate Migrator, project *model.Project) *Store {
	return &Store{persist: persist, migrate: migrate, project: project}
}

// Get returns a deep-enough snapshot of the current project, or nil if no
// project has been set yet.
func (s *Store) Get() *model.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project.Clone()
}

// Set totally replaces the project and persists it durably before
// returning, spec §4.1 "set(new) (total replace)".
func (s *Store) Set(ctx context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist.Save(ctx, p); err != nil {
		return fmt.Errorf("persist project %s: %w", p.ID, err)
	}
	s.project = p
	return nil
}

// Mutate performs a compare-and-set read-modify-write: fn receives a
// snapshot, mutates it in place, and the result is persisted and installed
// as the new current project. fn returning an error aborts the mutation;
// nothing is persisted and the store is unchanged.
func (s *Store) Mutate(ctx context.Context, fn func(p *model.Project) error) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.project.Clone()
	if next == nil {
		return nil, fmt.Errorf("mutate called before project is initialized")
	}
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.persist.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("persist project %s: %w", next.ID, err)
	}
	s.project = next
	return next.Clone(), nil
}
