package fsutil

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirSize(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "one"), make([]byte, 100), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "two"), make([]byte, 50), 0o600))

	size, err := DirSize(root)
	require.NoError(t, err)
	assert.Equal(t, int64(150), size)

	size, err = DirSize(filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestIsLocked(t *testing.T) {
	t.Parallel()

	assert.True(t, IsLocked(&fs.PathError{Op: "remove", Path: "x", Err: syscall.EBUSY}))
	assert.True(t, IsLocked(fs.ErrPermission))
	assert.False(t, IsLocked(fs.ErrNotExist))
	assert.False(t, IsLocked(nil))
}

func TestRetrierRetriesLockedErrors(t *testing.T) {
	t.Parallel()

	r := Retrier{Attempts: 5, InitialWait: time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &fs.PathError{Op: "remove", Path: "x", Err: syscall.EBUSY}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrierGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	r := Retrier{Attempts: 3, InitialWait: time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return fs.ErrPermission
	})
	require.ErrorIs(t, err, fs.ErrPermission)
	assert.Equal(t, 3, calls)
}

func TestRetrierDoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	err := Retrier{}.Do(context.Background(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestCopyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	dst := filepath.Join(dir, "nested", "deeper", "dst.txt")
	require.NoError(t, Retrier{}.CopyFile(context.Background(), src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestBirthTimeFallsBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	before := time.Now().Add(-time.Minute)
	got, err := BirthTime(dir)
	require.NoError(t, err)
	assert.True(t, got.After(before), "birth time %v should be recent", got)

	_, err = BirthTime(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
