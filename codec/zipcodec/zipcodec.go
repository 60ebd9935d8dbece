// Package zipcodec extracts zip archives.
package zipcodec

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/meigma/pkgcache/codec"
)

// Codec implements codec.Codec for zip archives.
type Codec struct{}

var _ codec.Codec = (*Codec)(nil)

// New returns a zip codec.
func New() *Codec {
	return &Codec{}
}

// ExtractAll extracts every entry of archivePath below targetDir.
func (c *Codec) ExtractAll(ctx context.Context, archivePath, targetDir string) error {
	r, err := open(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if ctx.Err() != nil {
			return codec.Abort(ctx, targetDir)
		}
		dest, err := codec.SafeJoin(targetDir, f.Name)
		if err != nil {
			return fmt.Errorf("%w: %w", codec.ErrCorrupt, err)
		}
		if f.FileInfo().IsDir() {
			if err := codec.MkdirAll(dest); err != nil {
				return err
			}
			continue
		}
		if err := writeEntry(ctx, f, dest); err != nil {
			if ctx.Err() != nil {
				return codec.Abort(ctx, targetDir)
			}
			return err
		}
	}
	return nil
}

// ExtractOne extracts the entry named entryPath below targetDir.
func (c *Codec) ExtractOne(ctx context.Context, archivePath, entryPath, targetDir string) (string, error) {
	r, err := open(archivePath)
	if err != nil {
		return "", err
	}
	defer r.Close()

	for _, f := range r.File {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if f.FileInfo().IsDir() || !codec.MatchEntry(f.Name, entryPath) {
			continue
		}
		dest, err := codec.SafeJoin(targetDir, f.Name)
		if err != nil {
			return "", fmt.Errorf("%w: %w", codec.ErrCorrupt, err)
		}
		if err := writeEntry(ctx, f, dest); err != nil {
			return "", err
		}
		return dest, nil
	}
	return "", fmt.Errorf("%w: %s in %s", codec.ErrEntryNotFound, entryPath, archivePath)
}

// List returns the file entries of archivePath.
func (c *Codec) List(ctx context.Context, archivePath string) ([]codec.Entry, error) {
	r, err := open(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	entries := make([]codec.Entry, 0, len(r.File))
	for _, f := range r.File {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, codec.Entry{
			Path:    strings.TrimPrefix(strings.ReplaceAll(f.Name, "\\", "/"), "./"),
			Size:    int64(f.UncompressedSize64), //nolint:gosec // sizes beyond int64 are rejected on extraction
			Mode:    f.Mode(),
			ModTime: f.Modified,
		})
	}
	return entries, nil
}

func open(archivePath string) (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open %s: %w", codec.ErrCorrupt, archivePath, err)
	}
	return r, nil
}

func writeEntry(ctx context.Context, f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", codec.ErrCorrupt, f.Name, err)
	}
	defer rc.Close()

	if err := codec.WriteFile(ctx, dest, rc, f.Mode(), f.Modified); err != nil {
		if isDecodeError(err) {
			return fmt.Errorf("%w: %s: %w", codec.ErrCorrupt, f.Name, err)
		}
		return err
	}
	return nil
}

func isDecodeError(err error) bool {
	return errors.Is(err, zip.ErrChecksum) ||
		errors.Is(err, zip.ErrFormat) ||
		errors.Is(err, zip.ErrAlgorithm)
}
