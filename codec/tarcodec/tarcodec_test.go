package tarcodec

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pkgcache/codec"
)

type compression int

const (
	compressNone compression = iota
	compressGzip
	compressZstd
)

func writeTar(t *testing.T, comp compression, files map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
			ModTime:  time.Unix(1_600_000_000, 0),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	switch comp {
	case compressNone:
		out.Write(buf.Bytes())
	case compressGzip:
		zw := gzip.NewWriter(&out)
		_, err := io.Copy(zw, &buf)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	case compressZstd:
		enc, err := zstd.NewWriter(&out)
		require.NoError(t, err)
		_, err = io.Copy(enc, &buf)
		require.NoError(t, err)
		require.NoError(t, enc.Close())
	}

	path := filepath.Join(t.TempDir(), "archive.tar")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o600))
	return path
}

func TestExtractAllCompressions(t *testing.T) {
	t.Parallel()

	for name, comp := range map[string]compression{
		"plain": compressNone,
		"gzip":  compressGzip,
		"zstd":  compressZstd,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			archive := writeTar(t, comp, map[string]string{
				"pkg/a.txt":     "alpha",
				"pkg/sub/b.txt": "beta",
			})
			target := filepath.Join(t.TempDir(), "out")
			require.NoError(t, New().ExtractAll(context.Background(), archive, target))

			got, err := os.ReadFile(filepath.Join(target, "pkg", "sub", "b.txt"))
			require.NoError(t, err)
			assert.Equal(t, "beta", string(got))
		})
	}
}

func TestExtractOne(t *testing.T) {
	t.Parallel()

	archive := writeTar(t, compressGzip, map[string]string{
		"pkg/a.txt": "alpha",
		"pkg/b.txt": "beta",
	})
	target := t.TempDir()

	path, err := New().ExtractOne(context.Background(), archive, "pkg/b.txt", target)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "beta", string(got))
	assert.NoFileExists(t, filepath.Join(target, "pkg", "a.txt"))

	_, err = New().ExtractOne(context.Background(), archive, "pkg/zzz.txt", target)
	require.ErrorIs(t, err, codec.ErrEntryNotFound)
}

func TestCanceledExtractionRemovesTarget(t *testing.T) {
	t.Parallel()

	archive := writeTar(t, compressNone, map[string]string{"a.txt": "alpha"})
	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(target, 0o750))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().ExtractAll(ctx, archive, target)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, target)
}

func TestTruncatedArchiveIsCorrupt(t *testing.T) {
	t.Parallel()

	archive := writeTar(t, compressGzip, map[string]string{"a.txt": string(bytes.Repeat([]byte("x"), 4096))})
	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archive, data[:len(data)/2], 0o600))

	err = New().ExtractAll(context.Background(), archive, t.TempDir())
	require.ErrorIs(t, err, codec.ErrCorrupt)
}

func TestList(t *testing.T) {
	t.Parallel()

	archive := writeTar(t, compressZstd, map[string]string{"a.txt": "1", "b/c.txt": "22"})
	entries, err := New().List(context.Background(), archive)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Path)
	assert.Equal(t, int64(2), entries[1].Size)
}
