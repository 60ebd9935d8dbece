package pkgcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/pkgcache/codec"
	"github.com/meigma/pkgcache/codec/bundle"
	"github.com/meigma/pkgcache/internal/layout"
	"github.com/meigma/pkgcache/internal/metrics"
)

// DefaultCheckpointEvery is how many files the indexer hashes between
// cancellation checks.
const DefaultCheckpointEvery = 64

// IndexStage identifies the phase of indexing reported to a ProgressFunc.
type IndexStage string

// Indexing stages.
const (
	StageMaterializing IndexStage = "materializing"
	StageHashing       IndexStage = "hashing"
	StageDiscovering   IndexStage = "discovering"
	StageDone          IndexStage = "done"
)

// IndexProgress is a progress update for one package.
type IndexProgress struct {
	PackageID int64
	Name      string
	Stage     IndexStage

	// Files hashed so far and the total, set during StageHashing.
	Files int
	Total int
}

// ProgressFunc receives indexing progress. It may be called concurrently.
type ProgressFunc func(IndexProgress)

// IndexStats summarizes a Run.
type IndexStats struct {
	Indexed int
	Failed  int
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithWorkers sets how many files are hashed in parallel. Defaults to
// GOMAXPROCS.
func WithWorkers(n int) IndexerOption {
	return func(ix *Indexer) {
		ix.workers = n
	}
}

// WithCheckpointEvery sets how many files are hashed between cancellation
// checks.
func WithCheckpointEvery(n int) IndexerOption {
	return func(ix *Indexer) {
		ix.checkpointEvery = n
	}
}

// WithProgress sets a callback for indexing progress.
func WithProgress(fn ProgressFunc) IndexerOption {
	return func(ix *Indexer) {
		ix.progress = fn
	}
}

// Indexer records the files of materialized packages and discovers the
// packages nested inside them.
//
// A package moves New → InProcess while its own files are recorded, then
// SubInProcess while its sub-packages are indexed, and finally Done. A
// canceled run leaves the package in its last non-terminal state so the next
// run resumes it.
type Indexer struct {
	engine *Engine

	workers         int
	checkpointEvery int
	progress        ProgressFunc
}

// NewIndexer creates an Indexer that materializes packages through engine.
func NewIndexer(engine *Engine, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		engine:          engine,
		workers:         runtime.GOMAXPROCS(0),
		checkpointEvery: DefaultCheckpointEvery,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.workers < 1 {
		ix.workers = 1
	}
	if ix.checkpointEvery < 1 {
		ix.checkpointEvery = DefaultCheckpointEvery
	}
	return ix
}

// Run indexes every top-level package that is not Done. Failures of single
// packages are logged and counted; cancellation stops the run.
func (ix *Indexer) Run(ctx context.Context) (IndexStats, error) {
	var stats IndexStats
	pending, err := ix.engine.reg.Query(ctx, func(p *Package) bool {
		return p.TopLevel() && p.State != StateDone
	})
	if err != nil {
		return stats, classify("index", 0, "", err)
	}
	for _, pkg := range pending {
		if err := ctx.Err(); err != nil {
			return stats, classify("index", 0, "", err)
		}
		if err := ix.Process(ctx, pkg); err != nil {
			if KindOf(err) == KindCanceled {
				return stats, err
			}
			stats.Failed++
			continue
		}
		stats.Indexed++
	}
	return stats, nil
}

// Process indexes pkg and, recursively, its sub-packages.
func (ix *Indexer) Process(ctx context.Context, pkg *Package) error {
	return ix.process(ctx, pkg.Clone())
}

func (ix *Indexer) process(ctx context.Context, pkg *Package) error {
	e := ix.engine
	err := ix.index(ctx, pkg)
	switch {
	case err == nil:
		e.metrics.PackageIndexed(metrics.ResultOK)
		return nil
	case KindOf(err) == KindCanceled:
		e.metrics.PackageIndexed(metrics.ResultCanceled)
		e.log().Debug("indexing canceled", slog.Int64("package_id", pkg.ID))
		return err
	case errors.Is(err, ErrSubPackagesPending):
		e.metrics.PackageIndexed(metrics.ResultFailed)
		e.log().Warn("sub-packages left unindexed",
			slog.Int64("package_id", pkg.ID),
			slog.String("name", pkg.Name),
			slog.Any("error", err))
		return err
	default:
		e.metrics.PackageIndexed(metrics.ResultFailed)
		e.log().Warn("indexing failed",
			slog.Int64("package_id", pkg.ID),
			slog.String("name", pkg.Name),
			slog.Any("error", err))
		ix.reset(ctx, pkg)
		return err
	}
}

// reset returns a failed package to New so that it is neither retained by
// eviction nor treated as half indexed.
func (ix *Indexer) reset(ctx context.Context, pkg *Package) {
	if pkg.State == StateNew {
		return
	}
	if err := ix.setState(context.WithoutCancel(ctx), pkg, StateNew); err != nil {
		ix.engine.log().Warn("reset package state",
			slog.Int64("package_id", pkg.ID),
			slog.Any("error", err))
	}
}

// setState stores a state change of pkg without rewriting its other fields,
// which the engine or other callers may have changed meanwhile.
func (ix *Indexer) setState(ctx context.Context, pkg *Package, state State) error {
	if err := ix.engine.reg.SetState(ctx, pkg.ID, state); err != nil {
		return classify("index", pkg.ID, "", err)
	}
	pkg.State = state
	return nil
}

func (ix *Indexer) index(ctx context.Context, pkg *Package) error {
	const op = "index"
	e := ix.engine

	var files []*PackageFile
	if pkg.State == StateSubInProcess {
		stored, err := e.reg.Files(ctx, pkg.ID)
		if err != nil {
			return classify(op, pkg.ID, "", err)
		}
		files = stored
	} else {
		if err := ix.setState(ctx, pkg, StateInProcess); err != nil {
			return err
		}
		recorded, err := ix.record(ctx, pkg)
		if err != nil {
			return err
		}
		files = recorded
		if err := ix.setState(ctx, pkg, StateSubInProcess); err != nil {
			return err
		}
	}

	ix.report(IndexProgress{PackageID: pkg.ID, Name: pkg.Name, Stage: StageDiscovering})
	children, err := ix.discover(ctx, pkg, files)
	if err != nil {
		return err
	}
	var failed []error
	for _, child := range children {
		if child.State == StateDone {
			continue
		}
		if err := ix.process(ctx, child); err != nil {
			if KindOf(err) == KindCanceled {
				return err
			}
			failed = append(failed, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return classify(op, pkg.ID, "", err)
	}
	if len(failed) > 0 {
		return &Error{
			Kind:      KindOf(failed[0]),
			Op:        op,
			PackageID: pkg.ID,
			Err:       fmt.Errorf("%w: %d of %d: %w", ErrSubPackagesPending, len(failed), len(children), failed[0]),
		}
	}

	at := time.Now().UTC()
	if err := e.reg.MarkIndexed(ctx, pkg.ID, at); err != nil {
		return classify(op, pkg.ID, "", err)
	}
	pkg.State = StateDone
	pkg.IndexedAt = at
	ix.report(IndexProgress{PackageID: pkg.ID, Name: pkg.Name, Stage: StageDone})
	return nil
}

// record materializes pkg and replaces its file records.
func (ix *Indexer) record(ctx context.Context, pkg *Package) ([]*PackageFile, error) {
	const op = "index"
	e := ix.engine

	origin, err := e.resolveOrigin(ctx, pkg, 0)
	if err != nil {
		return nil, err
	}
	_, kind, err := e.codecs.Codec(pkg.Kind, origin)
	if err != nil {
		return nil, classify(op, pkg.ID, origin, err)
	}
	var header *bundle.Header
	if kind == codec.KindBundle {
		header = ix.readHeader(pkg, origin)
	}
	if pkg.Kind == codec.KindUnknown || header != nil {
		if err := ix.describe(ctx, pkg, kind, header); err != nil {
			return nil, err
		}
	}

	ix.report(IndexProgress{PackageID: pkg.ID, Name: pkg.Name, Stage: StageMaterializing})
	dir, err := e.ExtractPackage(ctx, pkg, "", false)
	if err != nil {
		return nil, err
	}

	var guids map[string]string
	if kind == codec.KindBundle {
		guids, err = ix.bundleGUIDs(ctx, pkg, origin)
		if err != nil {
			return nil, err
		}
	}
	files, err := ix.hash(ctx, pkg, dir, kind == codec.KindBundle)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		f.GUID = guids[f.Path]
	}
	if err := e.reg.ReplaceFiles(ctx, pkg.ID, files); err != nil {
		return nil, classify(op, pkg.ID, "", err)
	}
	e.metrics.FilesIndexed(len(files))
	return files, nil
}

// describe stores the detected kind and the bundle header fields of pkg.
// Both are applied to pkg and to a fresh copy of the stored record, so
// fields changed by others since pkg was loaded are kept.
func (ix *Indexer) describe(ctx context.Context, pkg *Package, kind codec.Kind, header *bundle.Header) error {
	const op = "index"
	reg := ix.engine.reg

	stored, err := reg.Find(ctx, pkg.ID)
	if err != nil {
		return classify(op, pkg.ID, "", err)
	}
	learn := func(p *Package) bool {
		changed := false
		if p.Kind == codec.KindUnknown {
			p.Kind = kind
			changed = true
		}
		if header != nil && applyHeader(p, *header) {
			changed = true
		}
		return changed
	}
	learn(pkg)
	if !learn(stored) {
		return nil
	}
	if err := reg.Update(ctx, stored); err != nil {
		return classify(op, pkg.ID, "", err)
	}
	return nil
}

// readHeader returns the header of the bundle at origin, or nil when it has
// none or it cannot be read.
func (ix *Indexer) readHeader(pkg *Package, origin string) *bundle.Header {
	h, ok, err := bundle.ReadHeader(origin)
	if err != nil {
		ix.engine.log().Warn("read bundle header",
			slog.Int64("package_id", pkg.ID),
			slog.String("origin", origin),
			slog.Any("error", err))
		return nil
	}
	if !ok {
		return nil
	}
	return &h
}

// applyHeader fills empty descriptive fields from a bundle header. It
// reports whether pkg changed.
func applyHeader(pkg *Package, h bundle.Header) bool {
	changed := false
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	fill(&pkg.Version, h.Version)
	fill(&pkg.ForeignID, h.ID)
	fill(&pkg.Publisher, h.Publisher)
	fill(&pkg.Category, h.Category)
	fill(&pkg.Name, h.Title)
	return changed
}

func (ix *Indexer) bundleGUIDs(ctx context.Context, pkg *Package, origin string) (map[string]string, error) {
	c, _, err := ix.engine.codecs.Codec(codec.KindBundle, origin)
	if err != nil {
		return nil, classify("index", pkg.ID, origin, err)
	}
	entries, err := c.List(ctx, origin)
	if err != nil {
		return nil, classify("index", pkg.ID, origin, err)
	}
	guids := make(map[string]string, len(entries))
	for _, entry := range entries {
		guids[entry.Path] = entry.GUID
	}
	return guids, nil
}

// hash digests every regular file of the extracted tree at dir. Engine
// bookkeeping files and, for bundles, metadata sidecars are skipped.
func (ix *Indexer) hash(ctx context.Context, pkg *Package, dir string, sidecars bool) ([]*PackageFile, error) {
	const op = "index"
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == layout.ContentDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || rel == layout.PartialIndicator {
			return nil
		}
		if sidecars && strings.HasSuffix(rel, layout.SidecarExt) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, classify(op, pkg.ID, dir, err)
	}

	total := len(paths)
	ix.report(IndexProgress{PackageID: pkg.ID, Name: pkg.Name, Stage: StageHashing, Total: total})

	files := make([]*PackageFile, total)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for i, rel := range paths {
		if i%ix.checkpointEvery == 0 {
			if err := gctx.Err(); err != nil {
				break
			}
			if i > 0 {
				ix.report(IndexProgress{PackageID: pkg.ID, Name: pkg.Name, Stage: StageHashing, Files: i, Total: total})
			}
		}
		g.Go(func() error {
			f, err := hashFile(dir, rel)
			if err != nil {
				return err
			}
			f.PackageID = pkg.ID
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, classify(op, pkg.ID, dir, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(op, pkg.ID, dir, err)
	}
	ix.report(IndexProgress{PackageID: pkg.ID, Name: pkg.Name, Stage: StageHashing, Files: total, Total: total})
	return files, nil
}

func hashFile(dir, rel string) (*PackageFile, error) {
	f, err := os.Open(layout.FilePath(dir, rel))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return nil, err
	}
	return &PackageFile{Path: rel, Size: info.Size(), Digest: d}, nil
}

func (ix *Indexer) report(p IndexProgress) {
	if ix.progress != nil {
		ix.progress(p)
	}
}
