package pkgcache

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/meigma/pkgcache/internal/fsutil"
	"github.com/meigma/pkgcache/internal/layout"
)

// EnsureMaterialized returns a path for file inside pkg, or pkg's directory
// when file is nil, extracting as needed.
//
// Single-file requests are served from the package's Content directory,
// which keeps a copy of each individually extracted file together with its
// metadata sidecar. Concurrent requests for the same file share one
// extraction and receive the same path.
//
// When the package decodes fine but does not contain file, the PackageFile
// record is removed from the registry if WithPurgeMissingFiles is set.
func (e *Engine) EnsureMaterialized(ctx context.Context, pkg *Package, file *PackageFile, fileOnly bool) (string, error) {
	const op = "materialize"
	if err := e.awaitInflight(ctx, pkg.ID); err != nil {
		return "", classify(op, pkg.ID, "", err)
	}
	if file == nil {
		return e.ExtractPackage(ctx, pkg, "", false)
	}

	rel := layout.CleanRel(file.Path)
	dir := e.Dir(pkg)
	content := layout.ContentPath(dir, rel)
	if rel != "" && pkg.Version != "" && fsutil.Exists(content) {
		if err := e.awaitInflight(ctx, pkg.ID); err != nil {
			return "", classify(op, pkg.ID, "", err)
		}
		if fsutil.Exists(content) {
			return content, nil
		}
	}

	key := strconv.FormatInt(pkg.ID, 10) + "/" + strconv.FormatBool(fileOnly) + "/" + rel
	for {
		ch := e.copies.DoChan(key, func() (any, error) {
			return e.materializeFile(ctx, pkg, file.Path, content, fileOnly)
		})
		select {
		case <-ctx.Done():
			return "", classify(op, pkg.ID, "", ctx.Err())
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(string), nil //nolint:forcetypeassert // materializeFile returns strings
			}
			if res.Shared && KindOf(res.Err) == KindCanceled && ctx.Err() == nil {
				// The caller that ran the extraction gave up; try again as leader.
				continue
			}
			e.purge(ctx, pkg, file, res.Err)
			return "", res.Err
		}
	}
}

// materializeFile extracts one file and, in single-file mode, copies it and
// its sidecar into the Content directory.
func (e *Engine) materializeFile(ctx context.Context, pkg *Package, file, content string, fileOnly bool) (string, error) {
	path, err := e.ExtractPackage(ctx, pkg, file, fileOnly)
	if err != nil {
		return "", err
	}
	if !fileOnly {
		return path, nil
	}
	if err := e.retrier.CopyFile(ctx, path, content); err != nil {
		return "", classify("materialize", pkg.ID, content, err)
	}
	if sidecar := path + layout.SidecarExt; fsutil.Exists(sidecar) {
		if err := e.retrier.CopyFile(ctx, sidecar, content+layout.SidecarExt); err != nil {
			return "", classify("materialize", pkg.ID, content, err)
		}
	}
	return content, nil
}

// purge removes the record of a file that a successful extraction showed to
// be absent. Cancellation and other failures never purge.
func (e *Engine) purge(ctx context.Context, pkg *Package, file *PackageFile, err error) {
	if !e.purgeMissing || file.ID == 0 || KindOf(err) != KindMissingEntry {
		return
	}
	if rerr := e.reg.RemoveFile(ctx, file.ID); rerr != nil {
		e.log().Warn("purge missing file record",
			slog.Int64("package_id", pkg.ID),
			slog.String("path", file.Path),
			slog.Any("error", rerr))
		return
	}
	e.log().Info("purged missing file record",
		slog.Int64("package_id", pkg.ID),
		slog.String("path", file.Path))
}

// awaitInflight blocks while an extraction of id is running.
func (e *Engine) awaitInflight(ctx context.Context, id int64) error {
	for {
		x, ok := e.extractions.lookup(id)
		if !ok {
			return nil
		}
		if err := x.wait(ctx); err != nil {
			return err
		}
	}
}

// IsMaterialized reports whether pkg, or file inside it, can be read from
// disk right now. It is false while an extraction of pkg is running.
func (e *Engine) IsMaterialized(pkg *Package, file *PackageFile) bool {
	if e.extractions.active(pkg.ID) {
		return false
	}
	dir := e.Dir(pkg)
	if !fsutil.IsDir(dir) {
		return false
	}
	if file == nil {
		return !fsutil.Exists(layout.IndicatorPath(dir))
	}
	rel := layout.CleanRel(file.Path)
	if rel == "" {
		return false
	}
	if fsutil.Exists(layout.ContentPath(dir, rel)) {
		return true
	}
	return !fsutil.Exists(layout.IndicatorPath(dir)) && fsutil.Exists(layout.FilePath(dir, rel))
}
