package pkgcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/pkgcache/cache/evict"
	"github.com/meigma/pkgcache/codec"
	"github.com/meigma/pkgcache/internal/fsutil"
	"github.com/meigma/pkgcache/internal/layout"
	"github.com/meigma/pkgcache/internal/metrics"
	"github.com/meigma/pkgcache/registry"
)

const (
	dirPerm       = 0o750
	indicatorPerm = 0o640

	modeFull = "full"
	modeFile = "file"
)

// Engine materializes packages below a cache root.
//
// An Engine owns the table of in-flight extractions, so every process should
// use a single Engine per root. It is safe for concurrent use.
type Engine struct {
	root string
	reg  Registry

	codecs     *codec.Dispatcher
	folders    map[string]string
	resolver   *layout.Resolver
	logger     *slog.Logger
	metricsReg prometheus.Registerer
	metrics    *metrics.Metrics

	multiplier    float64
	freeSpace     func(string) (uint64, error)
	retrier       fsutil.Retrier
	maxConcurrent int64
	cooldown      time.Duration
	gate          *semaphore.Weighted
	purgeMissing  bool
	maxDepth      int

	cacheLimit int64
	evictOpts  []evict.Option
	evictor    *evict.Manager

	extractions extractionTable
	copies      singleflight.Group
}

// NewEngine creates an Engine that materializes packages from reg into root.
// The root directory is created if needed.
func NewEngine(root string, reg Registry, opts ...Option) (*Engine, error) {
	if root == "" {
		return nil, errors.New("pkgcache: root is empty")
	}
	if reg == nil {
		return nil, errors.New("pkgcache: registry is nil")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("pkgcache: resolve root: %w", err)
	}

	e := &Engine{
		root:       abs,
		reg:        reg,
		multiplier: DefaultSpaceMultiplier,
		freeSpace:  fsutil.FreeSpace,
		maxDepth:   DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.codecs == nil {
		e.codecs = DefaultDispatcher()
	}
	e.resolver = layout.NewResolver(e.folders)
	if e.metricsReg != nil {
		e.metrics = metrics.New(e.metricsReg)
	}
	if e.maxConcurrent > 0 {
		e.gate = semaphore.NewWeighted(e.maxConcurrent)
	}
	if err := os.MkdirAll(e.root, dirPerm); err != nil {
		return nil, fmt.Errorf("pkgcache: create root: %w", err)
	}
	if e.cacheLimit > 0 {
		evictOpts := append([]evict.Option{
			evict.WithLogger(e.log()),
			evict.WithRetain(e.Retain),
			evict.WithOnClean(func(r evict.Result) {
				e.metrics.Eviction(r.TotalBytes, r.FreedBytes, len(r.Removed))
			}),
		}, e.evictOpts...)
		e.evictor = evict.New(e.root, e.cacheLimit, evictOpts...)
	}
	return e, nil
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Root returns the materialization root.
func (e *Engine) Root() string {
	return e.root
}

// Registry returns the registry the engine reads packages from.
func (e *Engine) Registry() Registry {
	return e.reg
}

// Dispatcher returns the codec dispatcher.
func (e *Engine) Dispatcher() *codec.Dispatcher {
	return e.codecs
}

// Evictor returns the eviction manager, or nil when no cache limit is set.
func (e *Engine) Evictor() *evict.Manager {
	return e.evictor
}

// Wait blocks until background cache deletions have finished.
func (e *Engine) Wait() {
	if e.evictor != nil {
		e.evictor.Wait()
	}
}

// Dir returns the materialization directory of pkg.
func (e *Engine) Dir(pkg *Package) string {
	return layout.Dir(e.root, pkg.Name, pkg.ID, pkg.Version)
}

// ExtractPackage materializes pkg and returns its directory, or the path of
// file inside it when file is set.
//
// With fileOnly, only file is extracted; the directory is then marked partial
// so that a later full request re-extracts the whole package. Concurrent
// requests for the same package share one extraction. Sub-packages first
// materialize their parent chain.
func (e *Engine) ExtractPackage(ctx context.Context, pkg *Package, file string, fileOnly bool) (string, error) {
	return e.extractPackage(ctx, pkg, file, fileOnly, 0)
}

func (e *Engine) extractPackage(ctx context.Context, pkg *Package, file string, fileOnly bool, depth int) (string, error) {
	const op = "extract"
	if depth > e.maxDepth {
		return "", &Error{Kind: KindIOFailure, Op: op, PackageID: pkg.ID, Err: ErrNestingTooDeep}
	}
	var rel string
	if file != "" {
		if rel = layout.CleanRel(file); rel == "" {
			return "", &Error{Kind: KindMissingEntry, Op: op, PackageID: pkg.ID, Path: file, Err: codec.ErrUnsafePath}
		}
	}
	fileOnly = fileOnly && rel != ""
	dir := e.Dir(pkg)

	for {
		if err := ctx.Err(); err != nil {
			return "", classify(op, pkg.ID, dir, err)
		}
		if x, ok := e.extractions.lookup(pkg.ID); ok {
			if path, done, err := e.follow(ctx, x, pkg, dir, rel, fileOnly); done {
				return path, err
			}
			continue
		}
		if e.reusable(pkg, dir, rel, fileOnly) {
			e.metrics.Extraction(modeName(fileOnly), metrics.ResultReused)
			return e.target(op, pkg, dir, rel)
		}
		if err := e.checkSpace(pkg, pkg.SizeBytes, fileOnly); err != nil {
			return "", err
		}

		x, leader := e.extractions.begin(pkg.ID, rel, !fileOnly)
		if !leader {
			if path, done, err := e.follow(ctx, x, pkg, dir, rel, fileOnly); done {
				return path, err
			}
			continue
		}
		if e.reusable(pkg, dir, rel, fileOnly) {
			// A previous extraction completed between the checks above.
			e.extractions.finish(pkg.ID, x, dir, nil)
			return e.target(op, pkg, dir, rel)
		}
		path, err := e.lead(ctx, pkg, dir, rel, fileOnly, depth)
		e.extractions.finish(pkg.ID, x, path, err)
		if err != nil {
			return "", err
		}
		return e.target(op, pkg, dir, rel)
	}
}

// follow waits for an extraction started by another caller. done is false
// when the caller must retry because the extraction did not cover its
// request.
func (e *Engine) follow(ctx context.Context, x *extraction, pkg *Package, dir, rel string, fileOnly bool) (path string, done bool, err error) {
	e.metrics.DedupWait()
	if err := x.wait(ctx); err != nil {
		return "", true, classify("extract", pkg.ID, dir, err)
	}
	if x.removal {
		return "", false, nil
	}
	if x.err != nil {
		switch {
		case KindOf(x.err) == KindMissingEntry && !x.covers(rel, fileOnly):
			return "", false, nil
		case KindOf(x.err) == KindCanceled && ctx.Err() == nil:
			return "", false, nil
		}
		return "", true, x.err
	}
	if x.covers(rel, fileOnly) {
		path, err := e.target("extract", pkg, dir, rel)
		return path, true, err
	}
	return "", false, nil
}

// reusable reports whether dir already satisfies the request.
// Packages without a version are never reused.
func (e *Engine) reusable(pkg *Package, dir, rel string, fileOnly bool) bool {
	if strings.TrimSpace(pkg.Version) == "" || !fsutil.IsDir(dir) {
		return false
	}
	if fileOnly {
		return fsutil.Exists(layout.FilePath(dir, rel))
	}
	return !fsutil.Exists(layout.IndicatorPath(dir))
}

// target returns the path answering a request for rel inside dir.
func (e *Engine) target(op string, pkg *Package, dir, rel string) (string, error) {
	if rel == "" {
		return dir, nil
	}
	path := layout.FilePath(dir, rel)
	if !fsutil.Exists(path) {
		return "", &Error{Kind: KindMissingEntry, Op: op, PackageID: pkg.ID, Path: rel, Err: codec.ErrEntryNotFound}
	}
	return path, nil
}

// checkSpace fails with KindResourceExhausted when the root's filesystem has
// less than size times the multiplier free. Single-file requests only need
// the compressed size.
func (e *Engine) checkSpace(pkg *Package, size int64, fileOnly bool) error {
	if size <= 0 || e.multiplier <= 0 || e.freeSpace == nil {
		return nil
	}
	required := uint64(float64(size) * e.multiplier)
	if fileOnly {
		required = uint64(size)
	}
	free, err := e.freeSpace(e.root)
	if err != nil {
		if !errors.Is(err, fsutil.ErrUnsupported) {
			e.log().Warn("free space probe failed",
				slog.String("root", e.root),
				slog.Any("error", err))
		}
		return nil
	}
	if free < required {
		e.log().Warn("insufficient disk space",
			slog.Int64("package_id", pkg.ID),
			slog.Uint64("required", required),
			slog.Uint64("available", free))
		return &Error{
			Kind:      KindResourceExhausted,
			Op:        "extract",
			PackageID: pkg.ID,
			Path:      e.root,
			Required:  required,
			Available: free,
		}
	}
	return nil
}

// lead runs an extraction registered by the caller.
func (e *Engine) lead(ctx context.Context, pkg *Package, dir, rel string, fileOnly bool, depth int) (string, error) {
	const op = "extract"
	origin, err := e.resolveOrigin(ctx, pkg, depth)
	if err != nil {
		return "", err
	}
	c, kind, err := e.codecs.Codec(pkg.Kind, origin)
	if err != nil {
		return "", classify(op, pkg.ID, origin, err)
	}
	if pkg.SizeBytes <= 0 {
		if info, err := os.Stat(origin); err == nil {
			if err := e.checkSpace(pkg, info.Size(), fileOnly); err != nil {
				return "", err
			}
		}
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return "", classify(op, pkg.ID, origin, err)
	}
	defer release()

	mode := modeName(fileOnly)
	observe := e.metrics.ExtractionStarted(mode)
	start := time.Now()

	var path string
	if fileOnly {
		path, err = e.extractOne(ctx, c, origin, dir, rel)
	} else {
		path, err = e.extractAll(ctx, c, origin, dir)
	}
	if err != nil {
		err = classify(op, pkg.ID, origin, err)
		if KindOf(err) == KindCanceled {
			observe(metrics.ResultCanceled)
			e.log().Debug("extraction canceled",
				slog.Int64("package_id", pkg.ID),
				slog.String("mode", mode))
		} else {
			observe(metrics.ResultFailed)
			e.log().Warn("extraction failed",
				slog.Int64("package_id", pkg.ID),
				slog.String("origin", origin),
				slog.String("mode", mode),
				slog.Any("error", err))
		}
		return "", err
	}
	observe(metrics.ResultOK)

	e.log().Info("extracted package",
		slog.Int64("package_id", pkg.ID),
		slog.String("name", pkg.Name),
		slog.String("kind", string(kind)),
		slog.String("mode", mode),
		slog.String("dir", dir),
		slog.Duration("elapsed", time.Since(start)))

	if e.evictor != nil {
		e.evictor.Trigger()
	}
	return path, nil
}

// acquire takes a slot of the global extraction gate.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.gate == nil {
		return func() {}, nil
	}
	if err := e.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() {
		if e.cooldown <= 0 {
			e.gate.Release(1)
			return
		}
		time.AfterFunc(e.cooldown, func() { e.gate.Release(1) })
	}, nil
}

func (e *Engine) extractAll(ctx context.Context, c codec.Codec, origin, dir string) (string, error) {
	if err := e.retrier.RemoveAll(ctx, dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", err
	}
	if err := writeIndicator(dir); err != nil {
		return "", err
	}
	if err := c.ExtractAll(ctx, origin, dir); err != nil {
		return "", err
	}
	if err := e.retrier.Do(ctx, func() error {
		return os.Remove(layout.IndicatorPath(dir))
	}); err != nil {
		return "", err
	}
	return dir, nil
}

func (e *Engine) extractOne(ctx context.Context, c codec.Codec, origin, dir, rel string) (string, error) {
	created := false
	if !fsutil.IsDir(dir) {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return "", err
		}
		if err := writeIndicator(dir); err != nil {
			return "", err
		}
		created = true
	}
	path, err := c.ExtractOne(ctx, origin, rel, dir)
	if err != nil {
		target := layout.FilePath(dir, rel)
		_ = os.Remove(target)                    //nolint:errcheck // partial output
		_ = os.Remove(target + layout.SidecarExt) //nolint:errcheck // partial output
		if created {
			_ = e.retrier.RemoveAll(context.WithoutCancel(ctx), dir) //nolint:errcheck // next request recreates it
		}
		return "", err
	}
	return path, nil
}

func writeIndicator(dir string) error {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	return os.WriteFile(layout.IndicatorPath(dir), stamp, indicatorPerm)
}

// resolveOrigin returns the filesystem path of pkg's origin archive,
// materializing its parent chain first for sub-packages.
func (e *Engine) resolveOrigin(ctx context.Context, pkg *Package, depth int) (string, error) {
	const op = "resolve"
	if pkg.TopLevel() {
		if pkg.Location == "" {
			return "", &Error{Kind: KindNotFound, Op: op, PackageID: pkg.ID, Err: errors.New("no origin location")}
		}
		path, err := e.resolver.Resolve(pkg.Location)
		if err != nil {
			return "", &Error{Kind: KindNotFound, Op: op, PackageID: pkg.ID, Path: pkg.Location, Err: err}
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				e.vanished(ctx, pkg, path)
			}
			return "", classify(op, pkg.ID, path, err)
		}
		return path, nil
	}

	if depth == 0 {
		if err := e.checkChain(ctx, pkg); err != nil {
			return "", err
		}
	}
	parent, err := e.reg.Find(ctx, pkg.ParentID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", &Error{Kind: KindNotFound, Op: op, PackageID: pkg.ID, Err: err}
		}
		return "", classify(op, pkg.ID, "", err)
	}
	_, internal, ok := layout.SplitLocation(pkg.Location)
	rel := layout.CleanRel(internal)
	if !ok || rel == "" {
		return "", &Error{
			Kind:      KindNotFound,
			Op:        op,
			PackageID: pkg.ID,
			Path:      pkg.Location,
			Err:       errors.New("location has no path inside the parent"),
		}
	}
	parentDir, err := e.extractPackage(ctx, parent, "", false, depth+1)
	if err != nil {
		return "", err
	}
	path := layout.FilePath(parentDir, rel)
	if !fsutil.Exists(path) {
		return "", &Error{Kind: KindNotFound, Op: op, PackageID: pkg.ID, Path: path, Err: fs.ErrNotExist}
	}
	return path, nil
}

// checkChain rejects parent chains that loop or exceed the depth limit. A
// looping chain would wait on its own extraction forever.
func (e *Engine) checkChain(ctx context.Context, pkg *Package) error {
	seen := map[int64]bool{pkg.ID: true}
	id := pkg.ParentID
	for depth := 1; id != 0; depth++ {
		if depth > e.maxDepth {
			return &Error{Kind: KindIOFailure, Op: "resolve", PackageID: pkg.ID, Err: ErrNestingTooDeep}
		}
		if seen[id] {
			return &Error{
				Kind:      KindCorrupt,
				Op:        "resolve",
				PackageID: pkg.ID,
				Err:       fmt.Errorf("package %d is its own ancestor", id),
			}
		}
		seen[id] = true
		parent, err := e.reg.Find(ctx, id)
		if err != nil {
			// Reported by the regular resolution.
			return nil
		}
		id = parent.ParentID
	}
	return nil
}

// vanished forgets the location of a top-level package whose origin is gone.
func (e *Engine) vanished(ctx context.Context, pkg *Package, path string) {
	e.log().Warn("package origin vanished",
		slog.Int64("package_id", pkg.ID),
		slog.String("path", path))
	if err := e.reg.ClearLocation(ctx, pkg.ID); err != nil {
		e.log().Warn("clear package location",
			slog.Int64("package_id", pkg.ID),
			slog.Any("error", err))
	}
}

// Remove deletes the materialization of pkg, waiting for any extraction in
// flight first.
func (e *Engine) Remove(ctx context.Context, pkg *Package) error {
	const op = "remove"
	dir := e.Dir(pkg)
	for {
		x, leader := e.extractions.begin(pkg.ID, "", false)
		if !leader {
			if err := x.wait(ctx); err != nil {
				return classify(op, pkg.ID, dir, err)
			}
			continue
		}
		x.removal = true
		err := classify(op, pkg.ID, dir, e.retrier.RemoveAll(ctx, dir))
		e.extractions.finish(pkg.ID, x, "", err)
		return err
	}
}

func modeName(fileOnly bool) string {
	if fileOnly {
		return modeFile
	}
	return modeFull
}
