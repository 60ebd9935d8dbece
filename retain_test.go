package pkgcache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pkgcache/internal/layout"
	"github.com/meigma/pkgcache/registry/memstore"
)

// failingRegistry fails every lookup.
type failingRegistry struct {
	Registry
}

func (failingRegistry) Find(context.Context, int64) (*Package, error) {
	return nil, errors.New("database is locked")
}

func TestRetain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeCodec(nil))
	ctx := context.Background()

	pinned := f.addPackage(t, "pinned", "1.0")
	pinned.Pinned = true
	require.NoError(t, f.reg.Update(ctx, pinned))

	indexing := f.addPackage(t, "indexing", "1.0")
	indexing.State = StateSubInProcess
	require.NoError(t, f.reg.Update(ctx, indexing))

	slashed := f.addPackage(t, "slashed", "1/0")
	slashed.Pinned = true
	require.NoError(t, f.reg.Update(ctx, slashed))

	done := f.addPackage(t, "done", "1.0")
	done.State = StateDone
	require.NoError(t, f.reg.Update(ctx, done))

	tests := []struct {
		name string
		dir  string
		want bool
	}{
		{"unparseable", "not-a-package", false},
		{"unknown id", layout.DirName("ghost", 999, "1.0"), false},
		{"pinned", layout.DirName("pinned", pinned.ID, "1.0"), true},
		{"pinned stale version", layout.DirName("pinned", pinned.ID, "0.9"), false},
		{"pinned without version", layout.DirName("pinned", pinned.ID, ""), false},
		{"indexing", layout.DirName("indexing", indexing.ID, "1.0"), true},
		{"escaped version", layout.DirName("slashed", slashed.ID, "1/0"), true},
		{"lookalike version", layout.DirName("slashed", slashed.ID, "1_0"), false},
		{"done", layout.DirName("done", done.ID, "1.0"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, f.engine.Retain(ctx, tt.dir))
		})
	}
}

func TestRetainExtractionInFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeCodec(nil))
	pkg := f.addPackage(t, "busy", "1.0")
	name := filepath.Base(f.engine.Dir(pkg))
	require.False(t, f.engine.Retain(context.Background(), name))

	x, leader := f.engine.extractions.begin(pkg.ID, "", true)
	require.True(t, leader)
	assert.True(t, f.engine.Retain(context.Background(), name))
	f.engine.extractions.finish(pkg.ID, x, "", nil)
}

func TestRetainKeepsOnRegistryError(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(t.TempDir(), failingRegistry{Registry: memstore.New()})
	require.NoError(t, err)
	assert.True(t, e.Retain(context.Background(), layout.DirName("x", 1, "1")))
}
