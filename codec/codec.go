// Package codec defines the archive codec boundary of the cache and the
// dispatch from a package's origin kind to a concrete codec.
//
// Codecs decode container formats into a target directory. They never decide
// where a package lives in the cache; that is the engine's job. A codec must
// honor cancellation between entries, and when ExtractAll is canceled it
// removes the target directory so that a half-populated tree is never left
// behind.
package codec

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// Errors returned by codecs.
var (
	// ErrEntryNotFound is returned by ExtractOne when the archive has no such entry.
	ErrEntryNotFound = errors.New("codec: entry not found")

	// ErrCorrupt is returned when the archive cannot be decoded.
	ErrCorrupt = errors.New("codec: corrupt archive")

	// ErrUnsupported is returned when no codec handles an archive.
	ErrUnsupported = errors.New("codec: unsupported archive kind")

	// ErrUnsafePath is returned for entries that would escape the target directory.
	ErrUnsafePath = errors.New("codec: entry path escapes target")
)

// Kind identifies the container format of a package origin.
type Kind string

// Known container kinds.
const (
	KindUnknown Kind = ""
	KindZip     Kind = "zip"
	KindTar     Kind = "tar"
	KindBundle  Kind = "bundle"
)

// Entry describes one file inside an archive.
type Entry struct {
	// Path is the slash-separated path of the file once extracted.
	Path    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time

	// GUID is the stable asset identifier for formats that carry one.
	GUID string
}

// Codec decodes one container format.
type Codec interface {
	// ExtractAll extracts every entry of archivePath below targetDir.
	ExtractAll(ctx context.Context, archivePath, targetDir string) error

	// ExtractOne extracts a single entry below targetDir and returns the
	// extracted file's path. It returns ErrEntryNotFound if the archive has
	// no entry at entryPath.
	ExtractOne(ctx context.Context, archivePath, entryPath, targetDir string) (string, error)

	// List returns the file entries of archivePath without extracting them.
	List(ctx context.Context, archivePath string) ([]Entry, error)
}
