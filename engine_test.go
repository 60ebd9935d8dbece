package pkgcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pkgcache/codec"
	"github.com/meigma/pkgcache/internal/layout"
)

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEngine("", nil)
	require.Error(t, err)

	f := newFixture(t, newFakeCodec(nil))
	assert.True(t, filepath.IsAbs(f.engine.Root()))
	assert.DirExists(t, f.engine.Root())
	assert.Nil(t, f.engine.Evictor())
}

func TestExtractPackageConcurrentRequestsShareOneExtraction(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{
		"tools.zip": {"Assets/a.txt": "alpha"},
	})
	fc.block()
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "1.0")

	const callers = 8
	var wg sync.WaitGroup
	paths := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], errs[i] = f.engine.ExtractPackage(context.Background(), pkg, "", false)
		}()
	}

	<-fc.started
	require.Eventually(t, func() bool { return f.engine.extractions.len() == 1 }, time.Second, 5*time.Millisecond)
	close(fc.gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, f.engine.Dir(pkg), paths[i])
	}
	assert.Equal(t, int32(1), fc.all.Load())
	assert.Zero(t, f.engine.extractions.len())
}

func TestExtractPackageReusesCompleteDirectory(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "1.0")
	ctx := context.Background()

	first, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)
	second, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), fc.all.Load())
	assert.NoFileExists(t, layout.IndicatorPath(first))
	assert.FileExists(t, filepath.Join(first, "a.txt"))
	assert.True(t, f.engine.IsMaterialized(pkg, nil))
}

func TestExtractPackageRecoversPartialDirectory(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "1.0")
	ctx := context.Background()

	dir, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)

	// Simulate a crash in the middle of a later extraction.
	require.NoError(t, os.WriteFile(layout.IndicatorPath(dir), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0o600))
	assert.False(t, f.engine.IsMaterialized(pkg, nil))

	again, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)
	assert.Equal(t, dir, again)
	assert.Equal(t, int32(2), fc.all.Load())
	assert.NoFileExists(t, layout.IndicatorPath(dir))
	assert.NoFileExists(t, filepath.Join(dir, "stale.txt"))
	assert.FileExists(t, filepath.Join(dir, "a.txt"))
}

func TestExtractPackageInsufficientSpace(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(nil)
	f := newFixture(t, fc, WithFreeSpace(func(string) (uint64, error) {
		return 9 << 20, nil
	}))
	pkg := &Package{ID: 42, Name: "big", Location: "/nowhere/big.zip", Version: "1", SizeBytes: 10 << 20}

	_, err := f.engine.ExtractPackage(context.Background(), pkg, "", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceExhausted))

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindResourceExhausted, perr.Kind)
	assert.Equal(t, uint64(50<<20), perr.Required)
	assert.Equal(t, uint64(9<<20), perr.Available)

	assert.NoDirExists(t, f.engine.Dir(pkg))
	assert.Zero(t, fc.all.Load())
	assert.Zero(t, f.engine.extractions.len())
}

func TestExtractPackageSingleFileNeedsCompressedSizeOnly(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"big.zip": {"a.txt": "alpha"}})
	f := newFixture(t, fc, WithFreeSpace(func(string) (uint64, error) {
		return 11 << 20, nil
	}))
	pkg := f.addPackage(t, "big", "1")
	pkg.SizeBytes = 10 << 20

	_, err := f.engine.ExtractPackage(context.Background(), pkg, "a.txt", true)
	require.NoError(t, err)

	_, err = f.engine.ExtractPackage(context.Background(), pkg, "", false)
	assert.Equal(t, KindResourceExhausted, KindOf(err))
}

func TestExtractPackageVersionChange(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "1.0")
	ctx := context.Background()

	v1, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)

	pkg.Version = "2.0"
	v2, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2)
	assert.Equal(t, int32(2), fc.all.Load())
	assert.DirExists(t, v1)
	assert.DirExists(t, v2)
}

func TestExtractPackageVersionsWithSameSanitizedForm(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "1/0")
	ctx := context.Background()

	slashed, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)

	pkg.Version = "1_0"
	plain, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)

	assert.NotEqual(t, slashed, plain)
	assert.Equal(t, int32(2), fc.all.Load())
	assert.DirExists(t, slashed)
	assert.DirExists(t, plain)
}

func TestExtractPackageWithoutVersionIsNeverReused(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "")
	ctx := context.Background()

	_, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)
	_, err = f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fc.all.Load())
}

func TestExtractPackageResolvesAncestorsFirst(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{
		"suite.zip":  {"packs/parent.zip": "p"},
		"parent.zip": {"child.zip": "c"},
		"child.zip":  {"x.txt": "x"},
	})
	f := newFixture(t, fc)
	grand := f.addPackage(t, "suite", "1")
	parent := f.addChild(t, grand, "packs/parent.zip", "1")
	child := f.addChild(t, parent, "child.zip", "1")

	dir, err := f.engine.ExtractPackage(context.Background(), child, "", false)
	require.NoError(t, err)

	assert.Equal(t, []string{"suite.zip", "parent.zip", "child.zip"}, fc.extractionOrder())
	assert.FileExists(t, filepath.Join(dir, "x.txt"))
	assert.DirExists(t, f.engine.Dir(grand))
	assert.DirExists(t, f.engine.Dir(parent))
}

func TestExtractPackageMissingParent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeCodec(nil))
	orphan := &Package{Name: "orphan", ParentID: 999, Location: "/x.zip|inner.zip", Version: "1"}
	require.NoError(t, f.reg.Create(context.Background(), orphan))

	_, err := f.engine.ExtractPackage(context.Background(), orphan, "", false)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestExtractPackageRejectsCyclicParents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeCodec(nil))
	ctx := context.Background()
	a := &Package{Name: "a", ParentID: 2, Location: "b|a.zip", Version: "1"}
	b := &Package{Name: "b", ParentID: 1, Location: "a|b.zip", Version: "1"}
	require.NoError(t, f.reg.Create(ctx, a))
	require.NoError(t, f.reg.Create(ctx, b))

	_, err := f.engine.ExtractPackage(ctx, a, "", false)
	assert.Equal(t, KindCorrupt, KindOf(err))
	assert.Zero(t, f.engine.extractions.len())
}

func TestExtractPackageVanishedOrigin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeCodec(nil))
	pkg := f.addPackage(t, "gone", "1")
	require.NoError(t, os.Remove(pkg.Location))

	_, err := f.engine.ExtractPackage(context.Background(), pkg, "", false)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, errors.Is(err, ErrNotFound))

	stored, err := f.reg.Find(context.Background(), pkg.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Location)
}

func TestExtractPackageUnknownAlias(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeCodec(nil))
	pkg := &Package{Name: "p", Location: "${LIBRARY}/p.zip", Version: "1"}
	require.NoError(t, f.reg.Create(context.Background(), pkg))

	_, err := f.engine.ExtractPackage(context.Background(), pkg, "", false)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestExtractPackageRelocatableLocation(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	library := t.TempDir()
	f := newFixture(t, fc, WithFolders(map[string]string{"LIBRARY": library}))
	require.NoError(t, os.WriteFile(filepath.Join(library, "tools.zip"), []byte("zip"), 0o600))
	pkg := &Package{Name: "tools", Location: "${LIBRARY}/tools.zip", Kind: codec.KindZip, Version: "1"}
	require.NoError(t, f.reg.Create(context.Background(), pkg))

	dir, err := f.engine.ExtractPackage(context.Background(), pkg, "", false)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "a.txt"))
}

func TestExtractPackageSingleFile(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{
		"tools.zip": {"Assets/a.txt": "alpha", "Assets/b.txt": "beta"},
	})
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "1.0")
	ctx := context.Background()

	path, err := f.engine.ExtractPackage(ctx, pkg, "Assets/a.txt", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.engine.Dir(pkg), "Assets", "a.txt"), path)
	assert.FileExists(t, layout.IndicatorPath(f.engine.Dir(pkg)))
	assert.False(t, f.engine.IsMaterialized(pkg, nil))
	assert.False(t, f.engine.IsMaterialized(pkg, &PackageFile{Path: "Assets/a.txt"}))

	// Reused without touching the codec.
	_, err = f.engine.ExtractPackage(ctx, pkg, "Assets/a.txt", true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fc.one.Load())

	// A full request replaces the partial tree.
	dir, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fc.all.Load())
	assert.NoFileExists(t, layout.IndicatorPath(dir))
	assert.FileExists(t, filepath.Join(dir, "Assets", "b.txt"))

	// File requests against a complete tree need no codec either.
	_, err = f.engine.ExtractPackage(ctx, pkg, "Assets/b.txt", true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fc.one.Load())
}

func TestExtractPackageMissingEntry(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "1.0")

	_, err := f.engine.ExtractPackage(context.Background(), pkg, "nope.txt", true)
	assert.Equal(t, KindMissingEntry, KindOf(err))
	assert.True(t, errors.Is(err, ErrMissingEntry))
	assert.NoDirExists(t, f.engine.Dir(pkg))

	_, err = f.engine.ExtractPackage(context.Background(), pkg, "../escape.txt", true)
	assert.Equal(t, KindMissingEntry, KindOf(err))
}

func TestExtractPackageCanceled(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	fc.block()
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "1.0")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.engine.ExtractPackage(ctx, pkg, "", false)
		errCh <- err
	}()
	<-fc.started
	cancel()

	err := <-errCh
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.True(t, errors.Is(err, ErrCanceled))
	assert.NoDirExists(t, f.engine.Dir(pkg))
	assert.Zero(t, f.engine.extractions.len())
}

func TestExtractPackageFollowerRetriesAfterLeaderCancel(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	fc.block()
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "1.0")

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.engine.ExtractPackage(leaderCtx, pkg, "", false)
		leaderErr <- err
	}()
	<-fc.started

	followerDone := make(chan error, 1)
	go func() {
		_, err := f.engine.ExtractPackage(context.Background(), pkg, "", false)
		followerDone <- err
	}()

	cancel()
	assert.Equal(t, KindCanceled, KindOf(<-leaderErr))

	// The follower becomes the next leader and blocks in the codec.
	<-fc.started
	close(fc.gate)
	require.NoError(t, <-followerDone)
	assert.Equal(t, int32(2), fc.all.Load())
}

func TestExtractPackageMaxConcurrent(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{
		"a.zip": {"a.txt": "a"},
		"b.zip": {"b.txt": "b"},
	})
	fc.block()
	f := newFixture(t, fc, WithMaxConcurrent(1))
	a := f.addPackage(t, "a", "1")
	b := f.addPackage(t, "b", "1")

	errs := make(chan error, 2)
	for _, pkg := range []*Package{a, b} {
		go func() {
			_, err := f.engine.ExtractPackage(context.Background(), pkg, "", false)
			errs <- err
		}()
	}

	<-fc.started
	require.Eventually(t, func() bool { return f.engine.extractions.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), fc.all.Load())

	close(fc.gate)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, int32(2), fc.all.Load())
}

func TestRemove(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	f := newFixture(t, fc)
	pkg := f.addPackage(t, "tools", "1.0")
	ctx := context.Background()

	dir, err := f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)
	require.NoError(t, f.engine.Remove(ctx, pkg))
	assert.NoDirExists(t, dir)
	assert.False(t, f.engine.IsMaterialized(pkg, nil))

	_, err = f.engine.ExtractPackage(ctx, pkg, "", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fc.all.Load())
}

func TestExtractPackageTriggersEviction(t *testing.T) {
	t.Parallel()

	fc := newFakeCodec(map[string]map[string]string{"tools.zip": {"a.txt": "alpha"}})
	f := newFixture(t, fc, WithCacheLimit(1<<30))
	pkg := f.addPackage(t, "tools", "1.0")

	_, err := f.engine.ExtractPackage(context.Background(), pkg, "", false)
	require.NoError(t, err)
	require.NotNil(t, f.engine.Evictor())
	f.engine.Wait()
}
