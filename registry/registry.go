// Package registry defines the durable store of packages and their file
// records.
//
// Packages form a hierarchy through ParentID. Children are always resolved
// by lookup, never embedded in their parent, so any record can be loaded on
// its own. Implementations live in the memstore (in-process arena) and
// sqlstore (gorm-backed) subpackages.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/pkgcache/codec"
)

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = errors.New("registry: not found")

// State is the indexing state of a package.
type State int

// Package processing states.
const (
	// StateNew packages have never been indexed.
	StateNew State = iota

	// StateInProcess packages are being indexed, or were interrupted.
	StateInProcess

	// StateSubInProcess packages are indexed themselves but have newly
	// discovered sub-packages still waiting to be indexed.
	StateSubInProcess

	// StateDone packages are fully indexed including all sub-packages.
	StateDone
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInProcess:
		return "in-process"
	case StateSubInProcess:
		return "sub-in-process"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Active reports whether s marks a package that is still being worked on.
func (s State) Active() bool {
	return s == StateInProcess || s == StateSubInProcess
}

// Package is a registered package.
type Package struct {
	ID       int64
	ParentID int64

	Name string

	// Location is the origin archive. Top-level packages store a filesystem
	// path, possibly relocatable ("${ALIAS}/rest"). Sub-packages store
	// "<parent location>|<path inside the parent>".
	Location string
	Kind     codec.Kind

	Version   string
	SizeBytes int64
	Pinned    bool
	State     State

	// Descriptive metadata, usually taken from a bundle header.
	ForeignID string
	Publisher string
	Category  string

	IndexedAt time.Time
}

// TopLevel reports whether p has no parent.
func (p *Package) TopLevel() bool {
	return p.ParentID == 0
}

// Clone returns a copy of p.
func (p *Package) Clone() *Package {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// PackageFile is one file inside a package.
type PackageFile struct {
	ID        int64
	PackageID int64

	// Path is slash-separated and relative to the package root.
	Path   string
	Size   int64
	Digest digest.Digest

	// GUID is the asset identifier for bundle content.
	GUID string
}

// Clone returns a copy of f.
func (f *PackageFile) Clone() *PackageFile {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// Registry stores packages and their files.
//
// Returned records are copies; changes become visible to other callers only
// through Update or ReplaceFiles.
type Registry interface {
	// Find returns the package with the given id, or ErrNotFound.
	Find(ctx context.Context, id int64) (*Package, error)

	// FindByLocation returns the package with the given location, or ErrNotFound.
	FindByLocation(ctx context.Context, location string) (*Package, error)

	// Query returns all packages for which match returns true, in id order.
	// A nil match returns every package.
	Query(ctx context.Context, match func(*Package) bool) ([]*Package, error)

	// Children returns the direct sub-packages of parentID, in id order.
	Children(ctx context.Context, parentID int64) ([]*Package, error)

	// Create stores a new package and assigns its ID.
	Create(ctx context.Context, pkg *Package) error

	// Update replaces the stored fields of pkg.ID.
	Update(ctx context.Context, pkg *Package) error

	// SetState changes only the state of a package.
	SetState(ctx context.Context, id int64, state State) error

	// MarkIndexed moves a package to StateDone and records when.
	MarkIndexed(ctx context.Context, id int64, at time.Time) error

	// ClearLocation forgets the origin of a package whose archive vanished.
	// It only touches the location so it cannot race other field updates.
	ClearLocation(ctx context.Context, id int64) error

	// Files returns the file records of a package, in path order.
	Files(ctx context.Context, packageID int64) ([]*PackageFile, error)

	// ReplaceFiles atomically replaces all file records of a package and
	// assigns IDs to the new records.
	ReplaceFiles(ctx context.Context, packageID int64, files []*PackageFile) error

	// RemoveFile deletes one file record.
	RemoveFile(ctx context.Context, fileID int64) error
}
