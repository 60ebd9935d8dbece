package layout

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// LocationSeparator separates a parent's location from the path of a nested
// package inside the parent's extracted tree.
const LocationSeparator = "|"

// ErrUnknownFolder is returned when a location references an unconfigured alias.
var ErrUnknownFolder = errors.New("unknown folder alias")

// JoinLocation builds the location of a sub-package found at internal inside
// the package stored at parent.
func JoinLocation(parent, internal string) string {
	return parent + LocationSeparator + internal
}

// SplitLocation returns the parent location and the internal path of a
// sub-package location. ok is false for top-level locations.
func SplitLocation(location string) (parent, internal string, ok bool) {
	i := strings.LastIndex(location, LocationSeparator)
	if i < 0 {
		return location, "", false
	}
	return location[:i], location[i+len(LocationSeparator):], true
}

// Resolver expands relocatable locations of the form ${ALIAS}/rest using a
// set of configured folders, so that the registry survives moving a library.
type Resolver struct {
	folders map[string]string
}

// NewResolver returns a Resolver for the given alias to folder mapping.
func NewResolver(folders map[string]string) *Resolver {
	r := &Resolver{folders: make(map[string]string, len(folders))}
	for alias, dir := range folders {
		r.folders[alias] = filepath.Clean(dir)
	}
	return r
}

// Resolve returns the filesystem path of a top-level location.
func (r *Resolver) Resolve(location string) (string, error) {
	if !strings.HasPrefix(location, "${") {
		return filepath.FromSlash(location), nil
	}
	end := strings.Index(location, "}")
	if end < 0 {
		return "", fmt.Errorf("resolve %q: unterminated alias", location)
	}
	alias := location[2:end]
	dir, ok := r.folders[alias]
	if !ok {
		return "", fmt.Errorf("resolve %q: %w: %s", location, ErrUnknownFolder, alias)
	}
	rest := strings.TrimLeft(location[end+1:], "/\\")
	return filepath.Join(dir, filepath.FromSlash(rest)), nil
}

// Relativize rewrites path into its relocatable form using the longest
// matching configured folder. Paths outside every folder are returned as is.
func (r *Resolver) Relativize(path string) string {
	path = filepath.Clean(path)
	aliases := make([]string, 0, len(r.folders))
	for alias := range r.folders {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool {
		return len(r.folders[aliases[i]]) > len(r.folders[aliases[j]])
	})
	for _, alias := range aliases {
		rel, err := filepath.Rel(r.folders[alias], path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return "${" + alias + "}/" + filepath.ToSlash(rel)
	}
	return path
}
