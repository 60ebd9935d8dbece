// Package registrytest holds the behavior every registry.Registry
// implementation must share.
package registrytest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pkgcache/codec"
	"github.com/meigma/pkgcache/registry"
)

// Run exercises a fresh store returned by open for every case.
func Run(t *testing.T, open func(t *testing.T) registry.Registry) {
	t.Helper()

	cases := map[string]func(*testing.T, registry.Registry){
		"CreateFind":       testCreateFind,
		"Update":           testUpdate,
		"ClearLocation":    testClearLocation,
		"SetState":         testSetState,
		"QueryAndChildren": testQueryAndChildren,
		"Files":            testFiles,
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func testCreateFind(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	pkg := &registry.Package{
		Name:      "Handy Tools",
		Location:  "/srv/pkgs/tools.unitypackage",
		Kind:      codec.KindBundle,
		Version:   "1.2.0",
		SizeBytes: 4096,
		Pinned:    true,
	}
	require.NoError(t, r.Create(ctx, pkg))
	require.NotZero(t, pkg.ID)

	got, err := r.Find(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, pkg.Name, got.Name)
	assert.Equal(t, pkg.Location, got.Location)
	assert.Equal(t, codec.KindBundle, got.Kind)
	assert.Equal(t, "1.2.0", got.Version)
	assert.True(t, got.Pinned)
	assert.Equal(t, registry.StateNew, got.State)

	byLoc, err := r.FindByLocation(ctx, pkg.Location)
	require.NoError(t, err)
	assert.Equal(t, pkg.ID, byLoc.ID)

	_, err = r.Find(ctx, pkg.ID+1000)
	require.True(t, errors.Is(err, registry.ErrNotFound), "got %v", err)
	_, err = r.FindByLocation(ctx, "/nowhere")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func testUpdate(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	pkg := &registry.Package{Name: "a", Location: "/a.zip"}
	require.NoError(t, r.Create(ctx, pkg))

	pkg.State = registry.StateDone
	pkg.Version = "2"
	require.NoError(t, r.Update(ctx, pkg))

	got, err := r.Find(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateDone, got.State)
	assert.Equal(t, "2", got.Version)

	got.Name = "changed without update"
	again, err := r.Find(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Name, "returned records are copies")

	require.ErrorIs(t, r.Update(ctx, &registry.Package{ID: pkg.ID + 1000}), registry.ErrNotFound)
}

func testClearLocation(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	pkg := &registry.Package{Name: "a", Location: "/a.zip", Version: "1"}
	require.NoError(t, r.Create(ctx, pkg))
	require.NoError(t, r.ClearLocation(ctx, pkg.ID))

	got, err := r.Find(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Location)
	assert.Equal(t, "1", got.Version)
}

func testSetState(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	pkg := &registry.Package{Name: "a", Location: "/a.zip", Version: "1"}
	require.NoError(t, r.Create(ctx, pkg))

	// Fields changed by others survive narrow state changes.
	require.NoError(t, r.ClearLocation(ctx, pkg.ID))
	require.NoError(t, r.SetState(ctx, pkg.ID, registry.StateInProcess))

	got, err := r.Find(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateInProcess, got.State)
	assert.Empty(t, got.Location)
	assert.Equal(t, "1", got.Version)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.MarkIndexed(ctx, pkg.ID, at))
	got, err = r.Find(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateDone, got.State)
	assert.True(t, at.Equal(got.IndexedAt), "indexed at %v", got.IndexedAt)
	assert.Empty(t, got.Location)

	require.ErrorIs(t, r.SetState(ctx, pkg.ID+1000, registry.StateNew), registry.ErrNotFound)
	require.ErrorIs(t, r.MarkIndexed(ctx, pkg.ID+1000, at), registry.ErrNotFound)
}

func testQueryAndChildren(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	parent := &registry.Package{Name: "parent", Location: "/p.zip"}
	require.NoError(t, r.Create(ctx, parent))
	for _, name := range []string{"c1", "c2"} {
		require.NoError(t, r.Create(ctx, &registry.Package{
			Name:     name,
			ParentID: parent.ID,
			Location: "/p.zip|" + name + ".zip",
		}))
	}

	children, err := r.Children(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "c1", children[0].Name)
	assert.Equal(t, "c2", children[1].Name)

	top, err := r.Query(ctx, func(p *registry.Package) bool { return p.TopLevel() })
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, parent.ID, top[0].ID)

	all, err := r.Query(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testFiles(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	pkg := &registry.Package{Name: "a", Location: "/a.zip"}
	require.NoError(t, r.Create(ctx, pkg))

	files := []*registry.PackageFile{
		{Path: "b/two.txt", Size: 2, Digest: digest.FromString("22")},
		{Path: "a/one.txt", Size: 1, Digest: digest.FromString("1"), GUID: "g1"},
	}
	require.NoError(t, r.ReplaceFiles(ctx, pkg.ID, files))
	for _, f := range files {
		assert.NotZero(t, f.ID)
		assert.Equal(t, pkg.ID, f.PackageID)
	}

	got, err := r.Files(ctx, pkg.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a/one.txt", got[0].Path)
	assert.Equal(t, "g1", got[0].GUID)
	assert.Equal(t, digest.FromString("22"), got[1].Digest)

	require.NoError(t, r.RemoveFile(ctx, got[0].ID))
	got, err = r.Files(ctx, pkg.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b/two.txt", got[0].Path)
	require.ErrorIs(t, r.RemoveFile(ctx, 99999), registry.ErrNotFound)

	require.NoError(t, r.ReplaceFiles(ctx, pkg.ID, []*registry.PackageFile{{Path: "c.txt"}}))
	got, err = r.Files(ctx, pkg.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c.txt", got[0].Path)
}
