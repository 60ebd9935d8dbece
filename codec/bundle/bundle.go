// Package bundle extracts asset bundles: gzip-compressed tar streams in
// which every asset lives in a directory named after its GUID.
//
//	<guid>/pathname    project-relative destination path (first line)
//	<guid>/asset       file content (absent for folders)
//	<guid>/asset.meta  metadata sidecar
//	<guid>/preview.png thumbnail, ignored
//
// Extraction rebuilds the project tree from the pathname records and places
// each asset.meta next to its asset as "<path>.meta".
package bundle

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/meigma/pkgcache/codec"
)

const (
	partPathname = "pathname"
	partAsset    = "asset"
	partMeta     = "asset.meta"

	stagingDir     = ".bundle-staging"
	maxPathnameLen = 4096
)

var magicGzip = []byte{0x1f, 0x8b}

// Codec implements codec.Codec for asset bundles.
type Codec struct{}

var _ codec.Codec = (*Codec)(nil)

// New returns a bundle codec.
func New() *Codec {
	return &Codec{}
}

type record struct {
	pathname string
	size     int64
	asset    bool
	meta     bool
}

// ExtractAll extracts every asset below targetDir.
func (c *Codec) ExtractAll(ctx context.Context, archivePath, targetDir string) error {
	staging := filepath.Join(targetDir, stagingDir)
	records := make(map[string]*record)

	err := walk(archivePath, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		guid, part, ok := splitName(hdr.Name)
		if !ok || hdr.Typeflag != tar.TypeReg {
			return true, nil
		}
		rec := lookup(records, guid)
		switch part {
		case partPathname:
			p, err := readPathname(r)
			if err != nil {
				return false, err
			}
			rec.pathname = p
		case partAsset:
			if err := codec.WriteFile(ctx, filepath.Join(staging, guid), r, hdr.FileInfo().Mode(), hdr.ModTime); err != nil {
				return false, mapStreamError(err)
			}
			rec.asset = true
		case partMeta:
			if err := codec.WriteFile(ctx, filepath.Join(staging, guid+".meta"), r, hdr.FileInfo().Mode(), hdr.ModTime); err != nil {
				return false, mapStreamError(err)
			}
			rec.meta = true
		}
		return true, nil
	})
	if ctx.Err() != nil {
		return codec.Abort(ctx, targetDir)
	}
	if err != nil {
		_ = os.RemoveAll(staging) //nolint:errcheck // best-effort cleanup
		return err
	}

	if err := place(targetDir, staging, records); err != nil {
		_ = os.RemoveAll(staging) //nolint:errcheck // best-effort cleanup
		return err
	}
	return os.RemoveAll(staging)
}

// place moves staged assets to their pathname destinations.
func place(targetDir, staging string, records map[string]*record) error {
	guids := make([]string, 0, len(records))
	for guid := range records {
		guids = append(guids, guid)
	}
	sort.Strings(guids)

	for _, guid := range guids {
		rec := records[guid]
		if rec.pathname == "" {
			continue
		}
		dest, err := codec.SafeJoin(targetDir, rec.pathname)
		if err != nil {
			return fmt.Errorf("%w: %w", codec.ErrCorrupt, err)
		}
		if rec.asset {
			if err := codec.MkdirAll(filepath.Dir(dest)); err != nil {
				return err
			}
			if err := os.Rename(filepath.Join(staging, guid), dest); err != nil {
				return err
			}
		} else if err := codec.MkdirAll(dest); err != nil {
			return err
		}
		if rec.meta {
			if err := codec.MkdirAll(filepath.Dir(dest)); err != nil {
				return err
			}
			if err := os.Rename(filepath.Join(staging, guid+".meta"), dest+".meta"); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExtractOne extracts the asset whose pathname is entryPath, together with
// its metadata sidecar. Asking for "<path>.meta" extracts only the sidecar.
func (c *Codec) ExtractOne(ctx context.Context, archivePath, entryPath, targetDir string) (string, error) {
	guid, wantMeta, err := c.find(ctx, archivePath, entryPath)
	if err != nil {
		return "", err
	}
	dest, err := codec.SafeJoin(targetDir, entryPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", codec.ErrCorrupt, err)
	}
	assetDest := dest
	if wantMeta {
		assetDest = strings.TrimSuffix(dest, ".meta")
	}

	var wrote bool
	err = walk(archivePath, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		g, part, ok := splitName(hdr.Name)
		if !ok || g != guid || hdr.Typeflag != tar.TypeReg {
			return true, nil
		}
		switch {
		case part == partAsset && !wantMeta:
			if err := codec.WriteFile(ctx, assetDest, r, hdr.FileInfo().Mode(), hdr.ModTime); err != nil {
				return false, mapStreamError(err)
			}
			wrote = true
		case part == partMeta:
			if err := codec.WriteFile(ctx, assetDest+".meta", r, hdr.FileInfo().Mode(), hdr.ModTime); err != nil {
				return false, mapStreamError(err)
			}
			if wantMeta {
				wrote = true
			}
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if !wrote {
		return "", fmt.Errorf("%w: %s has no content in %s", codec.ErrEntryNotFound, entryPath, archivePath)
	}
	return dest, nil
}

// find returns the guid holding entryPath and whether the sidecar was requested.
func (c *Codec) find(ctx context.Context, archivePath, entryPath string) (string, bool, error) {
	var guid string
	var wantMeta bool
	err := walk(archivePath, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		g, part, ok := splitName(hdr.Name)
		if !ok || part != partPathname {
			return true, nil
		}
		p, err := readPathname(r)
		if err != nil {
			return false, err
		}
		switch {
		case codec.MatchEntry(p, entryPath):
			guid = g
			return false, nil
		case codec.MatchEntry(p+".meta", entryPath):
			guid, wantMeta = g, true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return "", false, err
	}
	if guid == "" {
		return "", false, fmt.Errorf("%w: %s in %s", codec.ErrEntryNotFound, entryPath, archivePath)
	}
	return guid, wantMeta, nil
}

// List returns the assets of archivePath with their GUIDs. Folders are omitted.
func (c *Codec) List(ctx context.Context, archivePath string) ([]codec.Entry, error) {
	records := make(map[string]*record)
	err := walk(archivePath, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		guid, part, ok := splitName(hdr.Name)
		if !ok {
			return true, nil
		}
		rec := lookup(records, guid)
		switch part {
		case partPathname:
			p, err := readPathname(r)
			if err != nil {
				return false, err
			}
			rec.pathname = p
		case partAsset:
			rec.asset = true
			rec.size = hdr.Size
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]codec.Entry, 0, len(records))
	for guid, rec := range records {
		if rec.pathname == "" || !rec.asset {
			continue
		}
		entries = append(entries, codec.Entry{Path: rec.pathname, Size: rec.size, GUID: guid})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func lookup(records map[string]*record, guid string) *record {
	rec, ok := records[guid]
	if !ok {
		rec = &record{}
		records[guid] = rec
	}
	return rec
}

// splitName splits "<guid>/<part>" tar names.
func splitName(name string) (guid, part string, ok bool) {
	name = strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "./")
	guid, part, ok = strings.Cut(name, "/")
	if !ok || guid == "" || strings.Contains(part, "/") {
		return "", "", false
	}
	return guid, part, true
}

func readPathname(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPathnameLen+1))
	if err != nil {
		return "", mapStreamError(err)
	}
	if len(data) > maxPathnameLen {
		return "", fmt.Errorf("%w: pathname record too long", codec.ErrCorrupt)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(strings.ReplaceAll(line, "\\", "/")), nil
}

func walk(archivePath string, fn func(*tar.Header, io.Reader) (bool, error)) error {
	f, err := os.Open(archivePath) //nolint:gosec // origin paths come from the registry
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if head, _ := br.Peek(2); bytes.Equal(head, magicGzip) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("%w: gzip: %w", codec.ErrCorrupt, err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return mapStreamError(err)
		}
		more, err := fn(hdr, tr)
		if err != nil || !more {
			return err
		}
	}
}

func mapStreamError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission), errors.Is(err, codec.ErrCorrupt):
		return err
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, tar.ErrHeader),
		errors.Is(err, gzip.ErrChecksum),
		errors.Is(err, gzip.ErrHeader):
		return fmt.Errorf("%w: %w", codec.ErrCorrupt, err)
	}
	return err
}
