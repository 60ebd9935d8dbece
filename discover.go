package pkgcache

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"

	"github.com/meigma/pkgcache/internal/layout"
	"github.com/meigma/pkgcache/registry"
)

// discover returns the sub-packages found among the files of pkg, creating
// registry records for the ones seen for the first time. Children inherit
// the parent's version, pin and descriptive metadata.
func (ix *Indexer) discover(ctx context.Context, pkg *Package, files []*PackageFile) ([]*Package, error) {
	const op = "discover"
	e := ix.engine
	if pkg.Location == "" {
		return nil, nil
	}

	var children []*Package
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, classify(op, pkg.ID, "", err)
		}
		kind, ok := e.codecs.Classify(f.Path)
		if !ok {
			continue
		}
		location := layout.JoinLocation(pkg.Location, f.Path)
		child, err := e.reg.FindByLocation(ctx, location)
		switch {
		case err == nil:
			if child.ParentID != pkg.ID {
				e.log().Warn("sub-package location claimed by another parent",
					slog.Int64("package_id", pkg.ID),
					slog.Int64("owner_id", child.ParentID),
					slog.String("location", location))
				continue
			}
		case errors.Is(err, registry.ErrNotFound):
			child = &Package{
				ParentID:  pkg.ID,
				Name:      childName(f.Path),
				Location:  location,
				Kind:      kind,
				Version:   pkg.Version,
				SizeBytes: f.Size,
				Pinned:    pkg.Pinned,
				Publisher: pkg.Publisher,
				Category:  pkg.Category,
				State:     StateNew,
			}
			if err := e.reg.Create(ctx, child); err != nil {
				return nil, classify(op, pkg.ID, location, err)
			}
			e.log().Info("discovered sub-package",
				slog.Int64("package_id", pkg.ID),
				slog.Int64("child_id", child.ID),
				slog.String("path", f.Path))
		default:
			return nil, classify(op, pkg.ID, location, err)
		}
		children = append(children, child)
	}
	return children, nil
}

// childName derives a display name from the archive's file name.
func childName(rel string) string {
	name := path.Base(rel)
	lower := strings.ToLower(name)
	for _, ext := range []string{".tar.gz", ".tar.zst", ".tgz", ".tzst", ".tar", ".zip", BundleExt} {
		if strings.HasSuffix(lower, ext) && len(name) > len(ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}
