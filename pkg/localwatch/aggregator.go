package localwatch

import (
	"context"
	"strings"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/merger"
	"github.com/cozy-labs/synccore/pkg/pathnorm"
)

// idLookup is the slice of catalog.Store that rule 3 (case-only rename
// detection) needs. Kept as its own interface so the aggregator can be
// exercised with a fake in tests instead of a real catalog.Store.
type idLookup interface {
	ByID(ctx context.Context, id string) (catalog.Document, error)
}

// FolderMove is a root-level directory move or rename reconstructMoves
// resolved from the raw event buffer. The caller must apply it as one
// atomic merger.MoveFolder batch rather than routing it through
// merger.Apply, or every descendant document is orphaned at its old
// path.
type FolderMove struct {
	OldPrefix string
	NewPrefix string
}

// FolderTrash is a root-level directory deletion reconstructMoves
// resolved from the raw event buffer, to be applied as one atomic
// merger.TrashFolder batch.
type FolderTrash struct {
	Prefix string
}

// reconstructMoves applies the six move-reconstruction rules to one
// aggregation window's worth of raw create/remove observations.
// It is a pure function of its inputs (no timers, no I/O beyond the
// supplied lookup) so the pairing logic can be tested deterministically;
// the real-time Watcher drives it from a debounced buffer.
//
// Besides the per-document events, it reports the root-level folder
// moves and trashes it resolved separately: those must reach
// merger.MoveFolder/TrashFolder as one atomic batch rather than
// merger.Apply, since Apply only ever touches a single document.
func reconstructMoves(ctx context.Context, events []rawEvent, platform pathnorm.Platform, lookup idLookup) ([]merger.Event, []FolderMove, []FolderTrash) {
	var creates, removes []rawEvent
	for _, e := range events {
		if e.kind == rawCreated {
			creates = append(creates, e)
		} else {
			removes = append(removes, e)
		}
	}

	createMatched := make([]bool, len(creates))
	removeMatched := make([]bool, len(removes))

	type pair struct {
		oldEvent rawEvent
		newEvent rawEvent
	}
	var pairs []pair

	// Rule 1: deleted followed by created at the same inode.
	for ri, r := range removes {
		if removeMatched[ri] || r.ino == 0 {
			continue
		}
		for ci, c := range creates {
			if createMatched[ci] || c.ino != r.ino {
				continue
			}
			pairs = append(pairs, pair{oldEvent: r, newEvent: c})
			removeMatched[ri] = true
			createMatched[ci] = true
			break
		}
	}

	// Rule 2: deleted followed by created at a different inode but
	// identical digest and size, for files only -- an optimistic match
	// for platforms/filesystems that don't preserve inode across a move.
	for ri, r := range removes {
		if removeMatched[ri] || r.isDir || r.digest == "" {
			continue
		}
		for ci, c := range creates {
			if createMatched[ci] || c.isDir || c.digest != r.digest || c.size != r.size {
				continue
			}
			pairs = append(pairs, pair{oldEvent: r, newEvent: c})
			removeMatched[ri] = true
			createMatched[ci] = true
			break
		}
	}

	var moveEvents []merger.Event
	var movedDirPrefixes [][2]string // old, new prefixes of resolved directory moves
	for _, p := range pairs {
		moveEvents = append(moveEvents, merger.Event{
			Kind:       merger.KindMove,
			Path:       p.newEvent.path,
			OldPath:    p.oldEvent.path,
			Ino:        p.newEvent.ino,
			Digest:     p.newEvent.digest,
			Size:       p.newEvent.size,
			ModTime:    p.newEvent.modTime,
			Executable: p.newEvent.executable,
		})
		if p.newEvent.isDir {
			movedDirPrefixes = append(movedDirPrefixes, [2]string{p.oldEvent.path, p.newEvent.path})
		}
	}

	// Rule 3: on case-insensitive platforms, a created path whose
	// canonical id already exists under a differently-cased path is a
	// case-only rename, not a fresh creation.
	if platform.CaseInsensitive() && lookup != nil {
		for ci, c := range creates {
			if createMatched[ci] {
				continue
			}
			id := pathnorm.ID(c.path, platform)
			existing, err := lookup.ByID(ctx, id)
			if err != nil {
				continue
			}
			if existing.Path == c.path || !strings.EqualFold(existing.Path, c.path) {
				continue
			}
			createMatched[ci] = true
			moveEvents = append(moveEvents, merger.Event{
				Kind:       merger.KindMove,
				Path:       c.path,
				OldPath:    existing.Path,
				Ino:        c.ino,
				Digest:     c.digest,
				Size:       c.size,
				ModTime:    c.modTime,
				Executable: c.executable,
			})
			if c.isDir {
				movedDirPrefixes = append(movedDirPrefixes, [2]string{existing.Path, c.path})
			}
		}
	}

	var out []merger.Event
	out = append(out, moveEvents...)

	// Rule 4: unmatched deletes become trash events; an unmatched
	// directory delete is additionally tracked as a folder trash root.
	var dirTrashPrefixes []string
	for ri, r := range removes {
		if removeMatched[ri] {
			continue
		}
		if r.isDir {
			dirTrashPrefixes = append(dirTrashPrefixes, r.path)
		}
		out = append(out, merger.Event{Kind: merger.KindTrash, Path: r.path})
	}

	// Rule 5: unmatched creates become adds.
	for ci, c := range creates {
		if createMatched[ci] {
			continue
		}
		kind := merger.KindAddFile
		if c.isDir {
			kind = merger.KindAddDir
		}
		out = append(out, merger.Event{
			Kind:       kind,
			Path:       c.path,
			Ino:        c.ino,
			Digest:     c.digest,
			Size:       c.size,
			ModTime:    c.modTime,
			Executable: c.executable,
		})
	}

	// Rule 6: suppress descendant events consistent with a resolved
	// directory move or deletion, and pull the folder's own top-level
	// event out of the per-document list -- both are handled by the
	// caller as one atomic merger.MoveFolder/TrashFolder batch instead.
	out = suppressDescendants(out, movedDirPrefixes, dirTrashPrefixes)
	out = stripFolderPrefixEvents(out, movedDirPrefixes, dirTrashPrefixes)

	return out, rootFolderMoves(movedDirPrefixes), rootFolderTrashes(dirTrashPrefixes)
}

func isUnderPrefix(path, prefix string) bool {
	return strings.HasPrefix(path, prefix+"/")
}

func suppressDescendants(events []merger.Event, movedDirPrefixes [][2]string, trashedPrefixes []string) []merger.Event {
	if len(movedDirPrefixes) == 0 && len(trashedPrefixes) == 0 {
		return events
	}

	var out []merger.Event
	for _, ev := range events {
		suppressed := false
		for _, mv := range movedDirPrefixes {
			oldPrefix, newPrefix := mv[0], mv[1]
			switch ev.Kind {
			case merger.KindMove:
				if isUnderPrefix(ev.OldPath, oldPrefix) && isUnderPrefix(ev.Path, newPrefix) {
					suppressed = true
				}
			case merger.KindTrash:
				if isUnderPrefix(ev.Path, oldPrefix) {
					suppressed = true
				}
			case merger.KindAddFile, merger.KindAddDir:
				if isUnderPrefix(ev.Path, newPrefix) {
					suppressed = true
				}
			}
			if suppressed {
				break
			}
		}
		if !suppressed {
			for _, prefix := range trashedPrefixes {
				if isUnderPrefix(ev.Path, prefix) {
					suppressed = true
					break
				}
				if ev.Kind == merger.KindMove && isUnderPrefix(ev.OldPath, prefix) {
					suppressed = true
					break
				}
			}
		}
		if !suppressed {
			out = append(out, ev)
		}
	}
	return out
}

// stripFolderPrefixEvents removes the folder's own top-level move/trash
// event from events: the caller applies it via merger.MoveFolder or
// merger.TrashFolder instead, which rewrites the folder document itself
// as part of the same atomic batch as its descendants.
func stripFolderPrefixEvents(events []merger.Event, movedDirPrefixes [][2]string, trashedPrefixes []string) []merger.Event {
	var out []merger.Event
	for _, ev := range events {
		skip := false
		switch ev.Kind {
		case merger.KindMove:
			for _, mv := range movedDirPrefixes {
				if ev.OldPath == mv[0] && ev.Path == mv[1] {
					skip = true
					break
				}
			}
		case merger.KindTrash:
			for _, prefix := range trashedPrefixes {
				if ev.Path == prefix {
					skip = true
					break
				}
			}
		}
		if !skip {
			out = append(out, ev)
		}
	}
	return out
}

// rootFolderMoves drops any resolved directory move nested under another
// one in the same batch: MoveFolder already rewrites every descendant of
// the outer prefix via TreeUnder, so a nested move needs no separate call.
func rootFolderMoves(prefixes [][2]string) []FolderMove {
	var out []FolderMove
	for i, p := range prefixes {
		nested := false
		for j, q := range prefixes {
			if i != j && isUnderPrefix(p[0], q[0]) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, FolderMove{OldPrefix: p[0], NewPrefix: p[1]})
		}
	}
	return out
}

// rootFolderTrashes is rootFolderMoves' counterpart for resolved
// directory trashes.
func rootFolderTrashes(prefixes []string) []FolderTrash {
	var out []FolderTrash
	for i, p := range prefixes {
		nested := false
		for j, q := range prefixes {
			if i != j && isUnderPrefix(p, q) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, FolderTrash{Prefix: p})
		}
	}
	return out
}
