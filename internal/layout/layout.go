// Package layout defines the on-disk naming of materialized packages.
//
// Every package is materialized into its own top-level directory under the
// cache root. The directory name encodes the package's display name, id and
// version so that different ids or versions never share a directory:
//
//	<root>/<safeName>-~-<id>[-~-<version>]/
//
// A directory containing [PartialIndicator] is an interrupted or single-file
// extraction and must not be reused as a complete tree.
package layout

import (
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/opencontainers/go-digest"
)

const (
	// Separator joins the name, id and version segments of a directory name.
	Separator = "-~-"

	// PartialIndicator is the sentinel file marking an incomplete extraction.
	PartialIndicator = ".pkgcache-partial"

	// ContentDir holds individually extracted files and their sidecars.
	ContentDir = "Content"

	// SidecarExt is the extension of metadata files that travel with an entry.
	SidecarExt = ".meta"

	maxNameLen = 64

	// versionMark separates a sanitized version from the digest of the raw
	// version. Plain versions never contain it.
	versionMark = '='

	versionPrefixLen = 32
	versionHashLen   = 16
)

// Entry is the decoded form of a materialized directory name.
type Entry struct {
	Name    string
	ID      int64
	Version string
}

// SafeName reduces name to characters that are valid in a directory name on
// every supported platform. It never returns an empty string.
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r == '~' || r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ". ")
	if len(s) > maxNameLen {
		s = strings.TrimRight(s[:maxNameLen], ". ")
	}
	if s == "" {
		return "package"
	}
	return s
}

// SafeVersion returns the form of version embedded in directory names.
// An empty version stays empty.
//
// Versions made only of ASCII letters, digits and ".+_-" that fit in a name
// segment are used as is. Any other version is reduced to a sanitized
// prefix followed by '=' and a digest of the raw version, so distinct
// versions never share a directory.
func SafeVersion(version string) string {
	if strings.TrimSpace(version) == "" {
		return ""
	}
	if plainVersion(version) {
		return version
	}
	var b strings.Builder
	for _, r := range version {
		if b.Len() >= versionPrefixLen {
			break
		}
		if plainRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	sum := digest.FromString(version).Encoded()[:versionHashLen]
	return b.String() + string(versionMark) + sum
}

func plainVersion(v string) bool {
	if len(v) > maxNameLen || strings.HasPrefix(v, ".") || strings.HasSuffix(v, ".") {
		return false
	}
	for _, r := range v {
		if !plainRune(r) {
			return false
		}
	}
	return true
}

func plainRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '+' || r == '_' || r == '-':
		return true
	default:
		return false
	}
}

// DirName returns the directory name for a package.
func DirName(name string, id int64, version string) string {
	s := SafeName(name) + Separator + strconv.FormatInt(id, 10)
	if v := SafeVersion(version); v != "" {
		s += Separator + v
	}
	return s
}

// Dir returns the absolute materialization directory for a package under root.
func Dir(root, name string, id int64, version string) string {
	return filepath.Join(root, DirName(name, id, version))
}

// Parse decodes a directory name produced by DirName. It reports false when
// the name carries no parseable id segment.
func Parse(dirName string) (Entry, bool) {
	parts := strings.Split(dirName, Separator)
	if len(parts) < 2 || len(parts) > 3 {
		return Entry{}, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return Entry{}, false
	}
	e := Entry{Name: parts[0], ID: id}
	if len(parts) == 3 {
		e.Version = parts[2]
	}
	return e, true
}

// FilePath returns the location of rel inside an extracted tree.
func FilePath(dir, rel string) string {
	return filepath.Join(dir, filepath.FromSlash(rel))
}

// IndicatorPath returns the partial indicator location for dir.
func IndicatorPath(dir string) string {
	return filepath.Join(dir, PartialIndicator)
}

// ContentPath returns where a single extracted file is kept inside dir.
func ContentPath(dir, rel string) string {
	return filepath.Join(dir, ContentDir, filepath.FromSlash(rel))
}

// CleanRel normalizes a slash-separated path inside a package. It returns ""
// for paths that are empty or escape the package root.
func CleanRel(rel string) string {
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return ""
	}
	cleaned := filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return ""
	}
	return cleaned
}
