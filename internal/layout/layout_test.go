package layout

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirNameRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		id      int64
		version string
		want    string
	}{
		{name: "Nature Pack", id: 42, version: "1.0", want: "Nature Pack-~-42-~-1.0"},
		{name: "a/b:c", id: 7, version: "", want: "a_b_c-~-7"},
		{name: "", id: 3, version: "2.0", want: "package-~-3-~-2.0"},
		{name: "tilde~name", id: 9, version: "1.2.0-beta+7", want: "tilde_name-~-9-~-1.2.0-beta+7"},
	}
	for _, tt := range tests {
		got := DirName(tt.name, tt.id, tt.version)
		assert.Equal(t, tt.want, got)

		entry, ok := Parse(got)
		require.True(t, ok, "Parse(%q)", got)
		assert.Equal(t, tt.id, entry.ID)
		assert.Equal(t, SafeVersion(tt.version), entry.Version)
	}
}

func TestDirNameDistinguishesVersions(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, DirName("pkg", 42, "1.0"), DirName("pkg", 42, "2.0"))
	assert.NotEqual(t, DirName("pkg", 42, "1.0"), DirName("pkg", 43, "1.0"))

	long := strings.Repeat("9", maxNameLen)
	versions := []string{
		"1/0", "1_0", "1:0", "1~2", "1_2", " 1.0", "1.0", ".1", "_1",
		"Версия 1", long + "a", long + "b", long,
	}
	seen := make(map[string]string)
	for _, v := range versions {
		dir := DirName("pkg", 42, v)
		if prev, ok := seen[dir]; ok {
			t.Errorf("versions %q and %q share directory %q", prev, v, dir)
		}
		seen[dir] = v

		entry, ok := Parse(dir)
		require.True(t, ok, "Parse(%q)", dir)
		assert.Equal(t, SafeVersion(v), entry.Version)
		assert.NotContains(t, entry.Version, "/")
		assert.NotContains(t, entry.Version, "~")
	}
}

func TestSafeVersion(t *testing.T) {
	t.Parallel()

	assert.Empty(t, SafeVersion("  "))
	assert.Equal(t, "2024.1.0f1", SafeVersion("2024.1.0f1"))

	got := SafeVersion("1/0")
	assert.True(t, strings.HasPrefix(got, "1_0="), got)
	assert.Len(t, got, len("1_0=")+versionHashLen)
	assert.Equal(t, got, SafeVersion("1/0"), "encoding is deterministic")

	long := SafeVersion(strings.Repeat("v", 200))
	assert.LessOrEqual(t, len(long), versionPrefixLen+1+versionHashLen)
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"plain", "name-~-abc", "name-~-0", "name-~--5", "a-~-1-~-2-~-3", ""} {
		_, ok := Parse(name)
		assert.False(t, ok, "Parse(%q) should fail", name)
	}
}

func TestCleanRel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Assets/a.png", CleanRel("/Assets/./a.png"))
	assert.Equal(t, "Assets/a.png", CleanRel(`Assets\a.png`))
	assert.Equal(t, "", CleanRel("../etc/passwd"))
	assert.Equal(t, "", CleanRel(""))
	assert.Equal(t, "", CleanRel("."))
}

func TestLocationSplitJoin(t *testing.T) {
	t.Parallel()

	loc := JoinLocation(JoinLocation("${Store}/a.zip", "inner/b.zip"), "deep/c.tar")
	parent, internal, ok := SplitLocation(loc)
	require.True(t, ok)
	assert.Equal(t, "deep/c.tar", internal)
	assert.Equal(t, "${Store}/a.zip|inner/b.zip", parent)

	_, _, ok = SplitLocation("/plain/archive.zip")
	assert.False(t, ok)
}

func TestResolver(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	r := NewResolver(map[string]string{
		"Store": root,
		"Deep":  filepath.Join(root, "deep"),
	})

	got, err := r.Resolve("${Store}/vendor/a.zip")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "vendor", "a.zip"), got)

	_, err = r.Resolve("${Missing}/a.zip")
	require.ErrorIs(t, err, ErrUnknownFolder)

	plain := filepath.Join(root, "x.zip")
	got, err = r.Resolve(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	assert.Equal(t, "${Deep}/x/y.zip", r.Relativize(filepath.Join(root, "deep", "x", "y.zip")))
	assert.Equal(t, "${Store}/y.zip", r.Relativize(filepath.Join(root, "y.zip")))
	outside := filepath.Join(filepath.Dir(root), "elsewhere.zip")
	assert.Equal(t, outside, r.Relativize(outside))
}
