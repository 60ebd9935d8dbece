package pkgcache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/pkgcache/codec"
	"github.com/meigma/pkgcache/registry/memstore"
)

// fakeCodec serves archives from memory, keyed by the archive's base name.
type fakeCodec struct {
	archives map[string]map[string]string

	// gate, when set, blocks extractions until it is closed.
	gate    chan struct{}
	started chan struct{}

	all atomic.Int32
	one atomic.Int32

	mu    sync.Mutex
	order []string
}

func newFakeCodec(archives map[string]map[string]string) *fakeCodec {
	return &fakeCodec{archives: archives, started: make(chan struct{}, 64)}
}

func (c *fakeCodec) block() {
	c.gate = make(chan struct{})
}

func (c *fakeCodec) wait(ctx context.Context) error {
	select {
	case c.started <- struct{}{}:
	default:
	}
	if c.gate == nil {
		return nil
	}
	select {
	case <-c.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeCodec) ExtractAll(ctx context.Context, archivePath, targetDir string) error {
	c.all.Add(1)
	name := filepath.Base(archivePath)
	c.mu.Lock()
	c.order = append(c.order, name)
	c.mu.Unlock()
	if err := c.wait(ctx); err != nil {
		_ = codec.Abort(context.Background(), targetDir) //nolint:errcheck // best effort
		return err
	}
	for rel, content := range c.archives[name] {
		if err := writeTestFile(filepath.Join(targetDir, filepath.FromSlash(rel)), content); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeCodec) ExtractOne(ctx context.Context, archivePath, entryPath, targetDir string) (string, error) {
	c.one.Add(1)
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	files := c.archives[filepath.Base(archivePath)]
	content, ok := files[entryPath]
	if !ok {
		return "", codec.ErrEntryNotFound
	}
	dest := filepath.Join(targetDir, filepath.FromSlash(entryPath))
	if err := writeTestFile(dest, content); err != nil {
		return "", err
	}
	if meta, ok := files[entryPath+".meta"]; ok {
		if err := writeTestFile(dest+".meta", meta); err != nil {
			return "", err
		}
	}
	return dest, nil
}

func (c *fakeCodec) List(_ context.Context, archivePath string) ([]codec.Entry, error) {
	files := c.archives[filepath.Base(archivePath)]
	entries := make([]codec.Entry, 0, len(files))
	for rel, content := range files {
		entries = append(entries, codec.Entry{Path: rel, Size: int64(len(content))})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (c *fakeCodec) extractionOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func writeTestFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

type fixture struct {
	engine  *Engine
	reg     *memstore.Store
	codec   *fakeCodec
	origins string
}

func newFixture(t *testing.T, fc *fakeCodec, opts ...Option) *fixture {
	t.Helper()

	d := codec.NewDispatcher()
	d.Register(codec.KindZip, fc, ".zip")
	reg := memstore.New()
	opts = append([]Option{WithDispatcher(d), WithLockRetry(2, 0)}, opts...)
	e, err := NewEngine(filepath.Join(t.TempDir(), "cache"), reg, opts...)
	require.NoError(t, err)
	return &fixture{engine: e, reg: reg, codec: fc, origins: t.TempDir()}
}

// addPackage writes an origin archive and registers a top-level package for it.
func (f *fixture) addPackage(t *testing.T, name, version string) *Package {
	t.Helper()

	origin := filepath.Join(f.origins, name+".zip")
	require.NoError(t, os.WriteFile(origin, []byte("archive "+name), 0o600))
	pkg := &Package{Name: name, Location: origin, Kind: codec.KindZip, Version: version}
	require.NoError(t, f.reg.Create(context.Background(), pkg))
	return pkg
}

// addChild registers a sub-package stored at rel inside parent.
func (f *fixture) addChild(t *testing.T, parent *Package, rel, version string) *Package {
	t.Helper()

	pkg := &Package{
		ParentID: parent.ID,
		Name:     filepath.Base(rel),
		Location: parent.Location + "|" + rel,
		Kind:     codec.KindZip,
		Version:  version,
	}
	require.NoError(t, f.reg.Create(context.Background(), pkg))
	return pkg
}
