package pathnorm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeRoundTrip(t *testing.T) {
	cases := []string{
		"foo/bar.txt",
		"a\\b\\c.txt",
		"./foo/./bar",
		"foo//bar",
	}
	for _, raw := range cases {
		once, err := Canonicalize(raw)
		require.NoError(t, err)
		twice, err := Canonicalize(once)
		require.NoError(t, err)
		require.Equal(t, once, twice, "canonicalization must be idempotent for %q", raw)
	}
}

func TestCanonicalizeRejectsEscape(t *testing.T) {
	_, err := Canonicalize("foo/../../bar")
	require.Error(t, err)
}

func TestIDFoldingByPlatform(t *testing.T) {
	path, err := Canonicalize("JOHN/a.txt")
	require.NoError(t, err)

	require.Equal(t, "JOHN/a.txt", ID(path, Linux))
	require.Equal(t, strings.ToLower(path), ID(path, Darwin))
	require.Equal(t, strings.ToLower(path), ID(path, Windows))
}

func TestCheckWindowsReservedName(t *testing.T) {
	result := Check("docs/CON.txt", File, Windows)
	require.False(t, result.OK())
}

func TestCheckWindowsReservedChar(t *testing.T) {
	result := Check("docs/weird:name.txt", File, Windows)
	require.False(t, result.OK())
}

func TestCheckLinuxPermissive(t *testing.T) {
	result := Check("docs/weird:name*.txt", File, Linux)
	require.True(t, result.OK())
}

func TestCheckAllFindsCrossPlatformIssues(t *testing.T) {
	result := CheckAll("docs/CON.txt", File)
	require.False(t, result.OK())
	foundWindows := false
	for _, f := range result.Findings {
		if f.Platform == Windows {
			foundWindows = true
		}
	}
	require.True(t, foundWindows)
}

func TestDepth(t *testing.T) {
	require.Equal(t, 0, Depth(""))
	require.Equal(t, 1, Depth("foo"))
	require.Equal(t, 3, Depth("foo/bar/baz.txt"))
}

func TestIsDescendantOf(t *testing.T) {
	require.True(t, IsDescendantOf("foo/bar", "foo"))
	require.False(t, IsDescendantOf("foobar", "foo"))
	require.False(t, IsDescendantOf("foo", "foo"))
}

func TestIgnorerMatch(t *testing.T) {
	ig, err := ParseIgnoreFile(strings.NewReader("node_modules\n*.tmp\n# comment\n"))
	require.NoError(t, err)
	require.True(t, ig.Match("node_modules/pkg/index.js"))
	require.True(t, ig.Match("build/output.tmp"))
	require.False(t, ig.Match("src/index.js"))
}
