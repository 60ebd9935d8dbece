// Package memstore is an in-memory registry.Registry.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meigma/pkgcache/registry"
)

// Store keeps packages in an id-indexed arena.
type Store struct {
	mu       sync.RWMutex
	packages map[int64]*registry.Package
	files    map[int64][]*registry.PackageFile
	nextPkg  int64
	nextFile int64
}

var _ registry.Registry = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		packages: make(map[int64]*registry.Package),
		files:    make(map[int64][]*registry.PackageFile),
	}
}

func (s *Store) Find(_ context.Context, id int64) (*registry.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packages[id]
	if !ok {
		return nil, fmt.Errorf("package %d: %w", id, registry.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) FindByLocation(_ context.Context, location string) (*registry.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *registry.Package
	for _, p := range s.packages {
		if p.Location == location && (found == nil || p.ID < found.ID) {
			found = p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("package at %q: %w", location, registry.ErrNotFound)
	}
	return found.Clone(), nil
}

func (s *Store) Query(ctx context.Context, match func(*registry.Package) bool) ([]*registry.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*registry.Package, 0)
	for _, p := range s.packages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if match == nil || match(p.Clone()) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Children(ctx context.Context, parentID int64) ([]*registry.Package, error) {
	return s.Query(ctx, func(p *registry.Package) bool {
		return p.ParentID == parentID && p.ID != parentID
	})
}

func (s *Store) Create(_ context.Context, pkg *registry.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPkg++
	pkg.ID = s.nextPkg
	s.packages[pkg.ID] = pkg.Clone()
	return nil
}

func (s *Store) Update(_ context.Context, pkg *registry.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packages[pkg.ID]; !ok {
		return fmt.Errorf("package %d: %w", pkg.ID, registry.ErrNotFound)
	}
	s.packages[pkg.ID] = pkg.Clone()
	return nil
}

func (s *Store) SetState(_ context.Context, id int64, state registry.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		return fmt.Errorf("package %d: %w", id, registry.ErrNotFound)
	}
	p.State = state
	return nil
}

func (s *Store) MarkIndexed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		return fmt.Errorf("package %d: %w", id, registry.ErrNotFound)
	}
	p.State = registry.StateDone
	p.IndexedAt = at
	return nil
}

func (s *Store) ClearLocation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		return fmt.Errorf("package %d: %w", id, registry.ErrNotFound)
	}
	p.Location = ""
	return nil
}

func (s *Store) Files(_ context.Context, packageID int64) ([]*registry.PackageFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.files[packageID]
	out := make([]*registry.PackageFile, len(src))
	for i, f := range src {
		out[i] = f.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) ReplaceFiles(_ context.Context, packageID int64, files []*registry.PackageFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packages[packageID]; !ok {
		return fmt.Errorf("package %d: %w", packageID, registry.ErrNotFound)
	}
	stored := make([]*registry.PackageFile, len(files))
	for i, f := range files {
		s.nextFile++
		f.ID = s.nextFile
		f.PackageID = packageID
		stored[i] = f.Clone()
	}
	s.files[packageID] = stored
	return nil
}

func (s *Store) RemoveFile(_ context.Context, fileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pkgID, files := range s.files {
		for i, f := range files {
			if f.ID == fileID {
				s.files[pkgID] = append(files[:i:i], files[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("file %d: %w", fileID, registry.ErrNotFound)
}
