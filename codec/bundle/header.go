package bundle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/meigma/pkgcache/codec"
)

// Header is the descriptive metadata a bundle may carry in its gzip header.
type Header struct {
	Title        string
	ID           string
	Version      string
	VersionID    string
	UnityVersion string
	PubDate      string
	UploadID     string
	Category     string
	Publisher    string
}

// subfield identifier of the JSON metadata record in the gzip FEXTRA field.
const (
	subfieldSI1 = 'A'
	subfieldSI2 = '$'
)

// ReadHeader returns the metadata of the bundle at path. The boolean is
// false when the bundle carries no metadata record.
func ReadHeader(path string) (Header, bool, error) {
	f, err := os.Open(path) //nolint:gosec // origin paths come from the registry
	if err != nil {
		return Header{}, false, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if head, _ := br.Peek(2); !bytes.Equal(head, magicGzip) {
		return Header{}, false, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, gzip.ErrHeader) {
			return Header{}, false, fmt.Errorf("%w: gzip header: %w", codec.ErrCorrupt, err)
		}
		return Header{}, false, err
	}
	defer zr.Close()

	return ParseExtra(zr.Extra)
}

// ParseExtra decodes the metadata record from a gzip FEXTRA field.
func ParseExtra(extra []byte) (Header, bool, error) {
	for len(extra) >= 4 {
		si1, si2 := extra[0], extra[1]
		n := int(binary.LittleEndian.Uint16(extra[2:4]))
		extra = extra[4:]
		if n > len(extra) {
			return Header{}, false, fmt.Errorf("%w: truncated gzip extra subfield", codec.ErrCorrupt)
		}
		data := extra[:n]
		extra = extra[n:]
		if si1 != subfieldSI1 || si2 != subfieldSI2 {
			continue
		}
		return decodeHeader(data)
	}
	return Header{}, false, nil
}

// flexString accepts JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*f = flexString(n.String())
	}
	return nil
}

type label struct {
	Label string `json:"label"`
}

type rawHeader struct {
	Title        string     `json:"title"`
	ID           flexString `json:"id"`
	Version      string     `json:"version"`
	VersionID    flexString `json:"version_id"`
	UnityVersion string     `json:"unity_version"`
	PubDate      string     `json:"pubdate"`
	UploadID     flexString `json:"upload_id"`
	Category     label      `json:"category"`
	Publisher    label      `json:"publisher"`
}

func decodeHeader(data []byte) (Header, bool, error) {
	var raw rawHeader
	if err := json.Unmarshal(data, &raw); err != nil {
		return Header{}, false, fmt.Errorf("%w: bundle metadata: %w", codec.ErrCorrupt, err)
	}
	return Header{
		Title:        strings.TrimSpace(raw.Title),
		ID:           string(raw.ID),
		Version:      strings.TrimSpace(raw.Version),
		VersionID:    string(raw.VersionID),
		UnityVersion: raw.UnityVersion,
		PubDate:      raw.PubDate,
		UploadID:     string(raw.UploadID),
		Category:     raw.Category.Label,
		Publisher:    raw.Publisher.Label,
	}, true, nil
}
