package pkgcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/meigma/pkgcache/codec"
	"github.com/meigma/pkgcache/internal/fsutil"
)

// Kind classifies materialization failures.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota

	// KindNotFound means the origin archive vanished.
	KindNotFound

	// KindResourceExhausted means there is not enough free disk space.
	KindResourceExhausted

	// KindCorrupt means the origin archive could not be decoded.
	KindCorrupt

	// KindIOFailure covers other filesystem failures.
	KindIOFailure

	// KindCanceled means the request was canceled.
	KindCanceled

	// KindLocked means a file stayed locked by another process after retrying.
	KindLocked

	// KindMissingEntry means the archive decoded fine but has no such file.
	KindMissingEntry
)

// Sentinel errors matching each Kind with errors.Is.
var (
	ErrNotFound          = errors.New("pkgcache: origin not found")
	ErrResourceExhausted = errors.New("pkgcache: insufficient disk space")
	ErrCorrupt           = errors.New("pkgcache: corrupt archive")
	ErrIOFailure         = errors.New("pkgcache: i/o failure")
	ErrCanceled          = errors.New("pkgcache: canceled")
	ErrLocked            = errors.New("pkgcache: file locked")
	ErrMissingEntry      = errors.New("pkgcache: file missing from package")
)

// ErrNestingTooDeep is wrapped in KindIOFailure errors for packages whose
// parent chain exceeds the configured depth.
var ErrNestingTooDeep = errors.New("pkgcache: package nesting too deep")

// ErrSubPackagesPending is wrapped in indexing errors of packages whose own
// files were indexed but some sub-packages failed. Such packages stay
// StateSubInProcess and the failed sub-packages are retried with them.
var ErrSubPackagesPending = errors.New("pkgcache: sub-packages pending")

var kindSentinels = map[Kind]error{
	KindNotFound:          ErrNotFound,
	KindResourceExhausted: ErrResourceExhausted,
	KindCorrupt:           ErrCorrupt,
	KindIOFailure:         ErrIOFailure,
	KindCanceled:          ErrCanceled,
	KindLocked:            ErrLocked,
	KindMissingEntry:      ErrMissingEntry,
}

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindCorrupt:
		return "corrupt"
	case KindIOFailure:
		return "io-failure"
	case KindCanceled:
		return "canceled"
	case KindLocked:
		return "locked"
	case KindMissingEntry:
		return "missing-entry"
	default:
		return "unknown"
	}
}

// Error is returned by Engine operations.
type Error struct {
	Kind      Kind
	Op        string
	PackageID int64

	// Path is the archive, directory or file the failure refers to.
	Path string

	// Required and Available are set for KindResourceExhausted.
	Required  uint64
	Available uint64

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pkgcache: %s package %d", e.Op, e.PackageID)
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Kind == KindResourceExhausted {
		fmt.Fprintf(&b, ": need %d bytes, %d available", e.Required, e.Available)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of err, or KindUnknown when err is not an *Error.
// Bare context errors report KindCanceled.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// classify wraps err into an *Error. Errors that already carry a kind keep it.
func classify(op string, pkgID int64, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	kind := KindIOFailure
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCanceled
	case errors.Is(err, codec.ErrEntryNotFound):
		kind = KindMissingEntry
	case errors.Is(err, codec.ErrCorrupt), errors.Is(err, codec.ErrUnsafePath), errors.Is(err, codec.ErrUnsupported):
		kind = KindCorrupt
	case errors.Is(err, fs.ErrNotExist):
		kind = KindNotFound
	case fsutil.IsLocked(err):
		kind = KindLocked
	}
	return &Error{Kind: kind, Op: op, PackageID: pkgID, Path: path, Err: err}
}
