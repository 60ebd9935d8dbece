// Package pkgcache materializes compressed software packages on demand into a
// bounded local cache directory.
//
// Packages are stored in a [Registry]. Each has an origin archive (zip, tar,
// or an asset bundle) or, for sub-packages, a path inside its parent's
// extracted tree. An [Engine] extracts packages below a cache root, one
// directory per package:
//
//	<root>/<name>-~-<id>-~-<version>/
//
// Concurrent requests for the same package share a single extraction and
// all receive its outcome. A full extraction writes a partial indicator
// before decoding and removes it only on success, so an interrupted tree is
// never mistaken for a complete one.
//
// # Quick Start
//
//	reg := memstore.New()
//	e, err := pkgcache.NewEngine("/var/cache/pkgcache", reg,
//	    pkgcache.WithCacheLimit(20<<30),
//	)
//	if err != nil {
//	    return err
//	}
//	dir, err := e.ExtractPackage(ctx, pkg, "", false)
//
// Single files can be materialized without extracting the whole package:
//
//	path, err := e.EnsureMaterialized(ctx, pkg, file, true)
//
// # Indexing
//
// An [Indexer] records the files of each package in the registry and
// creates records for archives nested inside it, which are then indexed
// recursively. A package becomes Done only once all of its sub-packages
// are; when some fail it stays SubInProcess and [Indexer.Run] retries them.
//
// # Eviction
//
// With [WithCacheLimit] the engine evicts the oldest cache directories once
// the root grows past the limit. Directories of pinned packages, of packages
// being indexed, and of extractions in flight are kept; directories whose
// version no longer matches the registry are always removed.
//
// # Errors
//
// Failures are reported as [*Error]. Use [KindOf] or errors.Is with the
// sentinels such as [ErrResourceExhausted] to tell them apart.
package pkgcache
