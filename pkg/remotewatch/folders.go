package remotewatch

import (
	"strings"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/side"
)

// resolvedChange pairs one batch entry with the catalog document last
// known at its remote id, if any.
type resolvedChange struct {
	change   side.RemoteChange
	existing catalog.Document
	found    bool
}

// folderMove and folderTrash mirror pkg/localwatch's FolderMove and
// FolderTrash: a root-level directory move or trash that must reach
// merger.MoveFolder/TrashFolder as one atomic batch rather than
// merger.Apply, or every descendant document is left pointing at its
// stale path.
type folderMove struct {
	oldPrefix string
	newPrefix string
}

type folderTrash struct {
	prefix string
}

// folderOps scans a batch's resolved changes for directory-level moves
// and trashes. The remote feed carries no raw create/remove pairing the
// way the local OS event stream does, so a folder move or trash is
// instead recognized directly: a change for a known directory whose path
// no longer matches the catalog is a move, and a Deleted change for a
// known directory is a trash.
func folderOps(changes []resolvedChange) ([]folderMove, []folderTrash) {
	var rawMoves []folderMove
	var rawTrashes []folderTrash
	for _, r := range changes {
		if !r.change.IsDir || !r.found {
			continue
		}
		if r.change.Deleted {
			rawTrashes = append(rawTrashes, folderTrash{prefix: r.existing.Path})
			continue
		}
		if r.existing.Path != r.change.Path {
			rawMoves = append(rawMoves, folderMove{oldPrefix: r.existing.Path, newPrefix: r.change.Path})
		}
	}
	return rootFolderMoves(rawMoves), rootFolderTrashes(rawTrashes)
}

func isUnderPrefix(path, prefix string) bool {
	return strings.HasPrefix(path, prefix+"/")
}

// rootFolderMoves drops any move nested under another move in the same
// batch: MoveFolder already rewrites every descendant of the outer
// prefix, so a nested one needs no separate call.
func rootFolderMoves(moves []folderMove) []folderMove {
	var out []folderMove
	for i, m := range moves {
		nested := false
		for j, n := range moves {
			if i != j && isUnderPrefix(m.oldPrefix, n.oldPrefix) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, m)
		}
	}
	return out
}

// rootFolderTrashes is rootFolderMoves' counterpart for trashes.
func rootFolderTrashes(trashes []folderTrash) []folderTrash {
	var out []folderTrash
	for i, t := range trashes {
		nested := false
		for j, u := range trashes {
			if i != j && isUnderPrefix(t.prefix, u.prefix) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, t)
		}
	}
	return out
}

// coveredByFolderOp reports whether r is either a folder's own
// move/trash change (handled directly via merger.MoveFolder/TrashFolder)
// or a descendant of one of moves/trashes (handled as part of that same
// atomic batch), and so must not also be routed through merger.Apply.
func coveredByFolderOp(r resolvedChange, moves []folderMove, trashes []folderTrash) bool {
	oldPath := r.change.Path
	if r.found {
		oldPath = r.existing.Path
	}
	for _, t := range trashes {
		if oldPath == t.prefix || isUnderPrefix(oldPath, t.prefix) {
			return true
		}
	}
	for _, m := range moves {
		if oldPath == m.oldPrefix && r.change.Path == m.newPrefix {
			return true
		}
		if isUnderPrefix(oldPath, m.oldPrefix) && isUnderPrefix(r.change.Path, m.newPrefix) {
			return true
		}
	}
	return false
}
