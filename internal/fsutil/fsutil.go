// Package fsutil provides the filesystem primitives used by the cache:
// free-space queries, directory sizing, and remove/copy operations that
// retry transient sharing violations.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrUnsupported is returned by FreeSpace on platforms without a statfs call.
var ErrUnsupported = errors.New("fsutil: unsupported on this platform")

// DirSize returns the total size of regular files under root.
// A missing root has size zero.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

// BirthTime returns the creation time of path, falling back to the
// modification time where the platform or filesystem does not record one.
func BirthTime(path string) (time.Time, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return time.Time{}, err
	}
	if t, ok := birthTime(path); ok {
		return t, nil
	}
	return info.ModTime(), nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
