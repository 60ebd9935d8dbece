package codec

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// SafeJoin joins a slash-separated entry name onto targetDir, rejecting names
// that are absolute or climb out of targetDir.
func SafeJoin(targetDir, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(targetDir, cleaned), nil
}

// WriteFile writes r to dest atomically. Content goes to a temporary file in
// the destination directory and is renamed into place once complete, so a
// partially written file is never visible at dest. The copy stops with the
// context error as soon as ctx is done.
func WriteFile(ctx context.Context, dest string, r io.Reader, mode fs.FileMode, modTime time.Time) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".codec-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close temp file: %w", err)
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = filePerm
	}
	if err := os.Chmod(tmpPath, perm|0o600); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("chmod: %w", err)
	}
	if !modTime.IsZero() {
		_ = os.Chtimes(tmpPath, modTime, modTime) //nolint:errcheck // times are advisory
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename to %s: %w", dest, err)
	}
	return nil
}

// ctxReader fails reads once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// MkdirAll creates an extracted directory entry.
func MkdirAll(path string) error {
	return os.MkdirAll(path, dirPerm)
}

// Abort is called by codecs when ExtractAll stops because ctx is done. It
// removes targetDir and returns the context error.
func Abort(ctx context.Context, targetDir string) error {
	_ = os.RemoveAll(targetDir) //nolint:errcheck // the caller re-extracts on the next request
	return ctx.Err()
}

// MatchEntry reports whether an archive entry name refers to the requested
// slash-separated path.
func MatchEntry(name, want string) bool {
	name = strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "./")
	want = strings.TrimPrefix(strings.ReplaceAll(want, "\\", "/"), "./")
	return filepath.ToSlash(filepath.Clean(name)) == filepath.ToSlash(filepath.Clean(want))
}
