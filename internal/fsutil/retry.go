package fsutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenk/backoff"
)

const (
	// DefaultAttempts is how often a locked operation is tried before the
	// error is surfaced.
	DefaultAttempts = 5

	defaultInitialWait = 50 * time.Millisecond
	defaultMaxWait     = 2 * time.Second
)

// IsLocked reports whether err is a transient sharing violation, as caused by
// virus scanners, search indexers or network shares holding a file open.
func IsLocked(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, fs.ErrPermission)
}

// Retrier retries filesystem operations that fail with IsLocked errors using
// an escalating backoff. The zero value uses the defaults.
type Retrier struct {
	Attempts    int
	InitialWait time.Duration
}

// Do runs op until it succeeds, fails with an error that is not a lock
// error, the attempts are exhausted, or ctx is done.
func (r Retrier) Do(ctx context.Context, op func() error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.InitialWait
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = defaultInitialWait
	}
	exp.MaxInterval = defaultMaxWait
	exp.Multiplier = 2.0
	exp.MaxElapsedTime = 0

	var last error
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx) //nolint:gosec // attempts > 0
	_ = backoff.Retry(func() error { //nolint:errcheck // last carries the outcome
		last = op()
		if IsLocked(last) {
			return last
		}
		return nil
	}, b)
	return last
}

// RemoveAll removes path and everything below it.
func (r Retrier) RemoveAll(ctx context.Context, path string) error {
	return r.Do(ctx, func() error {
		return os.RemoveAll(path)
	})
}

// CopyFile copies src to dst atomically, creating parent directories.
// The copy is written to a temporary file next to dst and renamed into place.
func (r Retrier) CopyFile(ctx context.Context, src, dst string) error {
	return r.Do(ctx, func() error {
		return copyFile(src, dst)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // caller controls src
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".pkgcache-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return err
	}
	_ = os.Chtimes(tmpPath, info.ModTime(), info.ModTime()) //nolint:errcheck // times are advisory
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename to %s: %w", dst, err)
	}
	return nil
}
