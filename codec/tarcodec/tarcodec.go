// Package tarcodec extracts tar archives, optionally wrapped in gzip or
// zstd compression. The compression layer is detected from the stream's
// leading bytes, not from the file name.
package tarcodec

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
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/pkgcache/codec"
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DefaultMaxDecoderMemory bounds the zstd decoder window (256MB).
const DefaultMaxDecoderMemory = 256 << 20

// Codec implements codec.Codec for tar, tar+gzip and tar+zstd archives.
type Codec struct {
	maxDecoderMemory uint64
}

var _ codec.Codec = (*Codec)(nil)

// Option configures a Codec.
type Option func(*Codec)

// WithMaxDecoderMemory sets the zstd decoder memory limit. Zero disables it.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(c *Codec) {
		c.maxDecoderMemory = limit
	}
}

// New returns a tar codec.
func New(opts ...Option) *Codec {
	c := &Codec{maxDecoderMemory: DefaultMaxDecoderMemory}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExtractAll extracts every regular file and directory below targetDir.
// Links and device entries are skipped.
func (c *Codec) ExtractAll(ctx context.Context, archivePath, targetDir string) error {
	return c.walk(archivePath, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if ctx.Err() != nil {
			return false, codec.Abort(ctx, targetDir)
		}
		dest, err := codec.SafeJoin(targetDir, hdr.Name)
		if err != nil {
			return false, fmt.Errorf("%w: %w", codec.ErrCorrupt, err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return true, codec.MkdirAll(dest)
		case tar.TypeReg:
			if err := codec.WriteFile(ctx, dest, r, hdr.FileInfo().Mode(), hdr.ModTime); err != nil {
				if ctx.Err() != nil {
					return false, codec.Abort(ctx, targetDir)
				}
				return false, mapStreamError(err)
			}
		}
		return true, nil
	})
}

// ExtractOne extracts the regular file named entryPath below targetDir.
func (c *Codec) ExtractOne(ctx context.Context, archivePath, entryPath, targetDir string) (string, error) {
	var found string
	err := c.walk(archivePath, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if hdr.Typeflag != tar.TypeReg || !codec.MatchEntry(hdr.Name, entryPath) {
			return true, nil
		}
		dest, err := codec.SafeJoin(targetDir, hdr.Name)
		if err != nil {
			return false, fmt.Errorf("%w: %w", codec.ErrCorrupt, err)
		}
		if err := codec.WriteFile(ctx, dest, r, hdr.FileInfo().Mode(), hdr.ModTime); err != nil {
			return false, mapStreamError(err)
		}
		found = dest
		return false, nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s in %s", codec.ErrEntryNotFound, entryPath, archivePath)
	}
	return found, nil
}

// List returns the regular files of archivePath.
func (c *Codec) List(ctx context.Context, archivePath string) ([]codec.Entry, error) {
	var entries []codec.Entry
	err := c.walk(archivePath, func(hdr *tar.Header, _ io.Reader) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if hdr.Typeflag == tar.TypeReg {
			entries = append(entries, codec.Entry{
				Path:    strings.TrimPrefix(hdr.Name, "./"),
				Size:    hdr.Size,
				Mode:    hdr.FileInfo().Mode(),
				ModTime: hdr.ModTime,
			})
		}
		return true, nil
	})
	return entries, err
}

// walk calls fn for every header in the archive until fn returns false or
// an error.
func (c *Codec) walk(archivePath string, fn func(*tar.Header, io.Reader) (bool, error)) error {
	f, err := os.Open(archivePath) //nolint:gosec // origin paths come from the registry
	if err != nil {
		return err
	}
	defer f.Close()

	r, release, err := c.decompress(f)
	if err != nil {
		return err
	}
	defer release()

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
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// decompress wraps r in the decoder matching its leading bytes.
func (c *Codec) decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, func() {}, fmt.Errorf("%w: %w", codec.ErrCorrupt, err)
	}
	switch {
	case bytes.HasPrefix(head, magicGzip):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, func() {}, fmt.Errorf("%w: gzip: %w", codec.ErrCorrupt, err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case bytes.HasPrefix(head, magicZstd):
		opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
		if c.maxDecoderMemory > 0 {
			opts = append(opts, zstd.WithDecoderMaxMemory(c.maxDecoderMemory))
		}
		dec, err := zstd.NewReader(br, opts...)
		if err != nil {
			return nil, func() {}, fmt.Errorf("%w: zstd: %w", codec.ErrCorrupt, err)
		}
		return dec, dec.Close, nil
	default:
		return br, func() {}, nil
	}
}

func mapStreamError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission), errors.Is(err, codec.ErrCorrupt):
		return err
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, tar.ErrHeader),
		errors.Is(err, gzip.ErrChecksum),
		errors.Is(err, gzip.ErrHeader),
		errors.Is(err, zstd.ErrMagicMismatch),
		errors.Is(err, zstd.ErrCRCMismatch),
		errors.Is(err, zstd.ErrDecoderSizeExceeded),
		errors.Is(err, zstd.ErrWindowSizeExceeded):
		return fmt.Errorf("%w: %w", codec.ErrCorrupt, err)
	}
	return err
}
