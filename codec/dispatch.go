package codec

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

var (
	magicZip  = []byte("PK\x03\x04")
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicTar  = []byte("ustar")
)

const tarMagicOffset = 257

// Dispatcher maps origin kinds and file extensions to codecs.
// It is safe for concurrent use.
type Dispatcher struct {
	mu     sync.RWMutex
	codecs map[Kind]Codec
	exts   map[string]Kind
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		codecs: make(map[Kind]Codec),
		exts:   make(map[string]Kind),
	}
}

// Register installs c for kind and associates the given lower-case file
// extensions (including the leading dot) with it.
func (d *Dispatcher) Register(kind Kind, c Codec, exts ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codecs[kind] = c
	for _, ext := range exts {
		d.exts[strings.ToLower(ext)] = kind
	}
}

// Classify reports the container kind of path judged by its extension.
// It is used to find nested packages inside an extracted tree.
func (d *Dispatcher) Classify(path string) (Kind, bool) {
	lower := strings.ToLower(path)
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Longest extension wins so ".tar.gz" beats ".gz".
	exts := make([]string, 0, len(d.exts))
	for ext := range d.exts {
		exts = append(exts, ext)
	}
	sort.Slice(exts, func(i, j int) bool { return len(exts[i]) > len(exts[j]) })
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return d.exts[ext], true
		}
	}
	return KindUnknown, false
}

// Codec returns the codec for an origin. A known kind is used directly; an
// unknown kind is resolved from the file extension and then from the
// archive's leading bytes.
func (d *Dispatcher) Codec(kind Kind, archivePath string) (Codec, Kind, error) {
	if kind == KindUnknown {
		if k, ok := d.Classify(archivePath); ok {
			kind = k
		} else {
			sniffed, err := sniff(archivePath)
			if err != nil {
				return nil, KindUnknown, err
			}
			kind = sniffed
		}
	}
	d.mu.RLock()
	c, ok := d.codecs[kind]
	d.mu.RUnlock()
	if !ok {
		return nil, kind, fmt.Errorf("%w: %q (%s)", ErrUnsupported, kind, archivePath)
	}
	return c, kind, nil
}

func sniff(path string) (Kind, error) {
	f, err := os.Open(path) //nolint:gosec // origin paths come from the registry
	if err != nil {
		return KindUnknown, err
	}
	defer f.Close()

	head := make([]byte, tarMagicOffset+len(magicTar))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return KindUnknown, err
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, magicZip):
		return KindZip, nil
	case bytes.HasPrefix(head, magicGzip), bytes.HasPrefix(head, magicZstd):
		return KindTar, nil
	case len(head) >= tarMagicOffset+len(magicTar) && bytes.Equal(head[tarMagicOffset:], magicTar):
		return KindTar, nil
	}
	return KindUnknown, fmt.Errorf("%w: unrecognized content in %s", ErrUnsupported, path)
}
