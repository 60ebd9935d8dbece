package pkgcache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/meigma/pkgcache/internal/layout"
	"github.com/meigma/pkgcache/registry"
)

// Retain reports whether the cache directory with the given name must
// survive eviction. It is the retain predicate the engine installs on its
// eviction manager.
//
// Directories whose name does not decode, whose package is gone, or whose
// version differs from the registry are never retained, even for pinned
// packages. Otherwise pinned packages, packages being indexed and packages
// with an extraction in flight are retained.
func (e *Engine) Retain(ctx context.Context, name string) bool {
	entry, ok := layout.Parse(name)
	if !ok {
		return false
	}
	if e.extractions.active(entry.ID) {
		return true
	}
	pkg, err := e.reg.Find(ctx, entry.ID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return false
		}
		e.log().Warn("retain lookup failed",
			slog.String("name", name),
			slog.Any("error", err))
		return true
	}
	if layout.SafeVersion(pkg.Version) != entry.Version {
		return false
	}
	return pkg.Pinned || pkg.State.Active()
}
