// Package pathnorm implements C1, the Path Normalizer: it canonicalizes
// raw OS paths into the forward-slash relative form used everywhere else
// in the sync core, derives the catalog id used as a document's primary
// key, and checks a path against the naming rules of any of the three
// supported platforms so that incompatibilities can be surfaced to the
// user without blocking synchronization of unaffected siblings.
package pathnorm

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Platform identifies one of the three platforms whose naming rules this
// package understands. Incompatibility checking is table-driven per
// Platform rather than split across build-tagged files because a single
// running client may need to check a path against a platform it isn't
// running on -- e.g. a Linux client wants to know if a name it just
// created will also be legal for a Windows peer syncing the same remote
// tree.
type Platform int

const (
	// Linux is case-sensitive and has the most permissive naming rules.
	Linux Platform = iota
	// Darwin is case-insensitive by default (HFS+/APFS default mode).
	Darwin
	// Windows has the strictest naming rules.
	Windows
)

// Current is the platform this process is running on. It is a variable
// (not a build-tagged constant) so that tests can exercise all three
// rule sets without per-platform test files.
var Current = detectCurrentPlatform()

// CaseInsensitive reports whether the platform folds names by case for
// the purposes of catalog id computation.
func (p Platform) CaseInsensitive() bool {
	return p == Darwin || p == Windows
}

var caseFolder = cases.Fold()

// Canonicalize splits a raw, host-separator path into forward-slash
// segments, rejects path traversal, trims trailing separators (except
// for the root), and NFC-normalizes each segment. NFC normalization
// means a file named with a decomposed accent (as HFS+ stores names on
// disk) and its precomposed equivalent (as a typical remote API returns
// it) canonicalize to the same string.
func Canonicalize(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}

	normalized := strings.ReplaceAll(raw, "\\", "/")
	segments := strings.Split(normalized, "/")

	cleaned := make([]string, 0, len(segments))
	for _, segment := range segments {
		if segment == "" || segment == "." {
			continue
		}
		if segment == ".." {
			return "", errors.Errorf("path segment %q escapes sync root", raw)
		}
		cleaned = append(cleaned, norm.NFC.String(segment))
	}

	return strings.Join(cleaned, "/"), nil
}

// ID computes the catalog primary key for a canonical path: the path
// itself on case-sensitive platforms, or its case-folded form on
// case-insensitive ones. Folding happens after NFC normalization (i.e.
// callers should pass the output of Canonicalize), so that case and
// decomposition differences are both collapsed into a single identity.
func ID(canonicalPath string, platform Platform) string {
	if platform.CaseInsensitive() {
		return caseFolder.String(canonicalPath)
	}
	return canonicalPath
}

// Join joins a canonical parent path and a child name into a canonical
// path, matching the separator convention Canonicalize produces.
func Join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Depth returns the number of path segments, used by the executor to
// order creates/moves (ascending) and deletes (descending).
func Depth(canonicalPath string) int {
	if canonicalPath == "" {
		return 0
	}
	return strings.Count(canonicalPath, "/") + 1
}

// IsDescendantOf reports whether candidate is strictly under prefix,
// treating both as canonical paths.
func IsDescendantOf(candidate, prefix string) bool {
	if prefix == "" {
		return candidate != ""
	}
	return strings.HasPrefix(candidate, prefix+"/")
}
