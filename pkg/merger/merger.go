// Package merger implements the prep/merge step: the only component
// allowed to write content changes into pkg/catalog. It exposes one
// method per normalized event kind per originating side, validates the
// event against the document currently on file, decides the canonical
// update, and writes the result.
package merger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/pathlock"
	"github.com/cozy-labs/synccore/pkg/pathnorm"
)

// ErrLocked is returned by MoveFolder and TrashFolder when a descendant
// of the subtree is currently held by the executor; the caller should
// back off and retry.
var ErrLocked = errors.New("merger: descendant locked by executor")

// EventKind enumerates the normalized change kinds both watchers
// produce. The remote feed's "restore" is folded into KindUntrash.
type EventKind int

const (
	KindAddFile EventKind = iota
	KindAddDir
	KindUpdateFile
	KindMove
	KindTrash
	KindUntrash
)

// Event is one normalized change arriving from either watcher.
type Event struct {
	Kind EventKind
	// Path is canonical; for Move it is the new path.
	Path string
	// OldPath is populated for Move.
	OldPath    string
	Ino        uint64 // local inode, zero if not applicable
	RemoteID   string
	RemoteRev  string
	Digest     string // md5sum, files only
	Size       int64
	ModTime    time.Time
	Executable bool
}

// Outcome is the result of applying one Event: the canonical document as
// stored, and, if the event provoked a conflict, the sibling document
// created for the renamed "intruder" copy.
type Outcome struct {
	Document catalog.Document
	Conflict *catalog.Document
}

// Clock is the injectable time source used to stamp conflict suffixes,
// so tests can produce deterministic names.
type Clock func() time.Time

// Merger validates incoming watcher events against the catalog and
// writes the reconciled documents.
type Merger struct {
	Store    catalog.Store
	Locks    *pathlock.Table
	Platform pathnorm.Platform
	Now      Clock
}

// New constructs a Merger writing through store, consulting locks before
// committing folder-move batches.
func New(store catalog.Store, locks *pathlock.Table, platform pathnorm.Platform) *Merger {
	return &Merger{Store: store, Locks: locks, Platform: platform, Now: time.Now}
}

func (m *Merger) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func otherSide(s catalog.Side) catalog.Side {
	if s == catalog.SideLocal {
		return catalog.SideRemote
	}
	return catalog.SideLocal
}

func sideValue(d catalog.Document, side catalog.Side) uint64 {
	if side == catalog.SideLocal {
		return d.Sides.Local
	}
	return d.Sides.Remote
}

// nextSides computes the Sides value for a same-id mutation: origin
// catches up to newRev. If forceOtherDirty, the opposite side is left at
// its existing (necessarily stale) value, so it stays dirty; otherwise,
// a side that was already caught up to existingRev is carried forward to
// newRev too, so an unrelated metadata bump on one side doesn't
// manufacture phantom work for the other.
func nextSides(existing catalog.Sides, existingRev, newRev uint64, origin catalog.Side, forceOtherDirty bool) catalog.Sides {
	sides := existing
	if origin == catalog.SideLocal {
		sides.Local = newRev
	} else {
		sides.Remote = newRev
	}
	if forceOtherDirty {
		return sides
	}
	if origin == catalog.SideLocal && existing.Remote == existingRev {
		sides.Remote = newRev
	}
	if origin == catalog.SideRemote && existing.Local == existingRev {
		sides.Local = newRev
	}
	return sides
}

// conflictName inserts the "-conflict-<timestamp>" suffix before the
// file extension.
func conflictName(path string, now time.Time) string {
	stamp := now.UTC().Format("20060102T150405Z")
	dir, name := splitDir(path)
	ext := ""
	if idx := strings.LastIndex(name, "."); idx > 0 {
		ext = name[idx:]
		name = name[:idx]
	}
	renamed := fmt.Sprintf("%s-conflict-%s%s", name, stamp, ext)
	if dir == "" {
		return renamed
	}
	return dir + "/" + renamed
}

func splitDir(path string) (dir, name string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

func (m *Merger) stampSide(doc *catalog.Document, side catalog.Side, ev Event) {
	if side == catalog.SideLocal {
		doc.Local = catalog.LocalSnapshot{Size: ev.Size, ModTime: ev.ModTime, Ino: ev.Ino}
	} else {
		doc.Remote = catalog.RemoteSnapshot{ID: ev.RemoteID, Rev: ev.RemoteRev}
	}
}

// freshDocument builds a brand-new document row: it will receive Rev=1
// from the store, so Sides is computed against that as newRev directly
// rather than against the (irrelevant) prior global revision counter.
func (m *Merger) freshDocument(id string, side catalog.Side, ev Event, docType catalog.DocType) catalog.Document {
	doc := catalog.Document{
		ID:         id,
		Path:       ev.Path,
		DocType:    docType,
		MD5Sum:     ev.Digest,
		Executable: ev.Executable,
		Size:       ev.Size,
		UpdatedAt:  m.now(),
	}
	m.stampSide(&doc, side, ev)
	doc.Sides = nextSides(catalog.Sides{}, 0, 1, side, true)
	return doc
}

// ackSide records that side has caught up to the document's current
// revision, without changing content. Used for: a folder "add" that
// already exists, a file "add"/"update" whose digest matches what's
// already on file, and the replay of an event already applied once.
func (m *Merger) ackSide(ctx context.Context, side catalog.Side, existing catalog.Document, ev Event) (Outcome, error) {
	newRev := existing.Rev + 1
	doc := existing
	doc.Rev = existing.Rev
	m.stampSide(&doc, side, ev)
	doc.Sides = nextSides(existing.Sides, existing.Rev, newRev, side, false)
	doc.UpdatedAt = m.now()

	stored, err := m.Store.Put(ctx, doc)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: acknowledging side")
	}
	return Outcome{Document: stored}, nil
}

// conflictRename handles the reconciliation table's conflict rows: the
// incoming side's divergent content is the "intruder" (it arrived
// second), so it is renamed aside into a brand-new sibling document; the
// original document is left holding its prior canonical content, but the
// intruding side is marked dirty against it so the executor re-delivers
// the canonical content to the original path on that side.
func (m *Merger) conflictRename(ctx context.Context, side catalog.Side, existing catalog.Document, ev Event, docType catalog.DocType) (Outcome, error) {
	conflictPath := conflictName(ev.Path, m.now())
	conflictID := pathnorm.ID(conflictPath, m.Platform)

	conflictEv := ev
	conflictEv.Path = conflictPath
	conflictDoc := m.freshDocument(conflictID, side, conflictEv, docType)

	storedConflict, err := m.Store.Put(ctx, conflictDoc)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: creating conflict sibling")
	}

	newRev := existing.Rev + 1
	doc := existing
	doc.Rev = existing.Rev
	doc.Sides = nextSides(existing.Sides, existing.Rev, newRev, otherSide(side), true)
	doc.UpdatedAt = m.now()

	stored, err := m.Store.Put(ctx, doc)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: marking original dirty after conflict")
	}

	return Outcome{Document: stored, Conflict: &storedConflict}, nil
}

// applyAdd handles both add_file and add_dir, per the reconciliation
// table's "add" rows.
func (m *Merger) applyAdd(ctx context.Context, side catalog.Side, ev Event, docType catalog.DocType) (Outcome, error) {
	id := pathnorm.ID(ev.Path, m.Platform)

	existing, err := m.Store.ByID(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		doc := m.freshDocument(id, side, ev, docType)
		stored, err := m.Store.Put(ctx, doc)
		if err != nil {
			return Outcome{}, errors.Wrap(err, "merger: creating document")
		}
		return Outcome{Document: stored}, nil
	} else if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: looking up document")
	}

	if existing.Deleted {
		return m.applyUntrashExisting(ctx, side, existing, ev)
	}

	// Folders carry no digest: an add for an existing folder is simply
	// this side acknowledging it already exists. A file add whose digest
	// matches what's on file is the same kind of redundant observation.
	if docType == catalog.Folder || existing.MD5Sum == ev.Digest {
		return m.ackSide(ctx, side, existing, ev)
	}

	// Same id, divergent content: either a genuine same-path concurrent
	// write, or two distinct paths that folded to the same catalog id.
	return m.conflictRename(ctx, side, existing, ev, docType)
}

// applyUpdate handles update_file.
func (m *Merger) applyUpdate(ctx context.Context, side catalog.Side, ev Event) (Outcome, error) {
	id := pathnorm.ID(ev.Path, m.Platform)

	existing, err := m.Store.ByID(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return m.applyAdd(ctx, side, ev, catalog.File)
	} else if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: looking up document for update")
	}
	if existing.DocType != catalog.File {
		return Outcome{}, errors.Errorf("merger: update_file event for folder document %s", existing.Path)
	}

	if existing.MD5Sum == ev.Digest {
		return m.ackSide(ctx, side, existing, ev)
	}

	if sideValue(existing, otherSide(side)) != existing.Rev {
		// The opposite side already has an unsynced change in flight: a
		// genuine concurrent edit. Keep the content already on file and
		// conflict-rename the incoming side's divergent copy.
		return m.conflictRename(ctx, side, existing, ev, catalog.File)
	}

	newRev := existing.Rev + 1
	doc := existing
	doc.Rev = existing.Rev
	doc.MD5Sum = ev.Digest
	doc.Size = ev.Size
	doc.Executable = ev.Executable
	m.stampSide(&doc, side, ev)
	doc.Sides = nextSides(existing.Sides, existing.Rev, newRev, side, true)
	doc.UpdatedAt = m.now()

	stored, err := m.Store.Put(ctx, doc)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: writing updated document")
	}
	return Outcome{Document: stored}, nil
}

// applyMove handles a single file or empty-directory move. Directory
// moves with descendants go through MoveFolder instead, since those
// require an atomic multi-document batch.
//
// The document's id is derived from its path, so a move necessarily
// produces a new primary key; applyMove writes the new row and removes
// the old one rather than updating in place.
func (m *Merger) applyMove(ctx context.Context, side catalog.Side, ev Event) (Outcome, error) {
	oldID := pathnorm.ID(ev.OldPath, m.Platform)

	existing, err := m.Store.ByID(ctx, oldID)
	if errors.Is(err, catalog.ErrNotFound) {
		return m.applyAdd(ctx, side, ev, catalog.File)
	} else if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: looking up move source")
	}

	newID := pathnorm.ID(ev.Path, m.Platform)
	doc := existing
	doc.ID = newID
	doc.Path = ev.Path
	doc.Rev = 0
	doc.MoveFrom = &catalog.MoveFrom{Path: ev.OldPath, Ino: existing.Local.Ino}
	m.stampSide(&doc, side, ev)
	// Both sides are dirty on the path field only: content is unchanged,
	// the opposite side just needs a rename applied.
	doc.Sides = nextSides(catalog.Sides{}, 0, 1, side, true)
	doc.UpdatedAt = m.now()

	stored, err := m.Store.Put(ctx, doc)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: writing moved document")
	}
	if err := m.Store.Delete(ctx, oldID); err != nil {
		return Outcome{}, errors.Wrap(err, "merger: removing prior id after move")
	}
	return Outcome{Document: stored}, nil
}

// applyTrash handles trash.
func (m *Merger) applyTrash(ctx context.Context, side catalog.Side, ev Event) (Outcome, error) {
	id := pathnorm.ID(ev.Path, m.Platform)

	existing, err := m.Store.ByID(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return Outcome{}, errors.Wrapf(catalog.ErrNotFound, "merger: trash for unknown path %s", ev.Path)
	} else if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: looking up document for trash")
	}

	// Only the first side to report the trash needs to force the other
	// dirty; a second arrival (the opposite side acknowledging its own
	// trash) should be allowed to carry forward to a shared "both caught
	// up" state, or the tombstone would never qualify for removal below.
	forceOtherDirty := !existing.Deleted

	newRev := existing.Rev + 1
	doc := existing
	doc.Rev = existing.Rev
	doc.Deleted = true
	doc.Sides = nextSides(existing.Sides, existing.Rev, newRev, side, forceOtherDirty)
	doc.UpdatedAt = m.now()

	stored, err := m.Store.Put(ctx, doc)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: writing trashed document")
	}

	if sideValue(stored, catalog.SideLocal) == stored.Rev && sideValue(stored, catalog.SideRemote) == stored.Rev {
		// Both sides have acknowledged the deletion; the tombstone has
		// served its purpose.
		if err := m.Store.Delete(ctx, id); err != nil {
			return Outcome{}, errors.Wrap(err, "merger: removing acknowledged tombstone")
		}
	}
	return Outcome{Document: stored}, nil
}

// applyUntrash handles untrash/restore.
func (m *Merger) applyUntrash(ctx context.Context, side catalog.Side, ev Event) (Outcome, error) {
	id := pathnorm.ID(ev.Path, m.Platform)

	existing, err := m.Store.ByID(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return m.applyAdd(ctx, side, ev, catalog.File)
	} else if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: looking up document for untrash")
	}
	return m.applyUntrashExisting(ctx, side, existing, ev)
}

func (m *Merger) applyUntrashExisting(ctx context.Context, side catalog.Side, existing catalog.Document, ev Event) (Outcome, error) {
	// Symmetric to applyTrash: only force the other side dirty on the
	// first restore out of the tombstone state.
	forceOtherDirty := existing.Deleted

	newRev := existing.Rev + 1
	doc := existing
	doc.Rev = existing.Rev
	doc.Deleted = false
	m.stampSide(&doc, side, ev)
	doc.Sides = nextSides(existing.Sides, existing.Rev, newRev, side, forceOtherDirty)
	doc.UpdatedAt = m.now()

	stored, err := m.Store.Put(ctx, doc)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "merger: writing restored document")
	}
	return Outcome{Document: stored}, nil
}

// MoveFolder atomically rewrites every descendant document's path when a
// folder is moved or renamed. It refuses with ErrLocked if any
// descendant is currently held by the executor.
func (m *Merger) MoveFolder(ctx context.Context, side catalog.Side, oldPrefix, newPrefix string) ([]catalog.Document, error) {
	docs, err := m.Store.TreeUnder(ctx, oldPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "merger: listing folder subtree")
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	unlock, ok := m.Locks.TryLockAll(ids)
	if !ok {
		return nil, ErrLocked
	}
	defer unlock()

	var rewritten []catalog.Document
	err = m.Store.WithTx(ctx, func(tx catalog.Store) error {
		for _, d := range docs {
			newPath := newPrefix + strings.TrimPrefix(d.Path, oldPrefix)
			newID := pathnorm.ID(newPath, m.Platform)

			doc := d
			doc.ID = newID
			doc.Path = newPath
			doc.Rev = 0
			doc.MoveFrom = &catalog.MoveFrom{Path: d.Path, Ino: d.Local.Ino}
			doc.Sides = nextSides(catalog.Sides{}, 0, 1, side, true)
			doc.UpdatedAt = m.now()

			stored, err := tx.Put(ctx, doc)
			if err != nil {
				return errors.Wrapf(err, "merger: rewriting path for %s", d.Path)
			}
			if err := tx.Delete(ctx, d.ID); err != nil {
				return errors.Wrapf(err, "merger: removing prior id for %s", d.Path)
			}
			rewritten = append(rewritten, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rewritten, nil
}

// TrashFolder trashes a folder and every descendant document in the same
// transaction, each one individually reaching the same both-sides-deleted
// tombstone rule applyTrash uses. A descendant whose opposite side
// hasn't yet acknowledged the parent's deletion is left dirty, exactly
// as a standalone file trash would.
func (m *Merger) TrashFolder(ctx context.Context, side catalog.Side, prefix string) ([]catalog.Document, error) {
	all, err := m.Store.TreeUnder(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "merger: listing folder subtree for trash")
	}

	ids := make([]string, len(all))
	for i, d := range all {
		ids[i] = d.ID
	}
	unlock, ok := m.Locks.TryLockAll(ids)
	if !ok {
		return nil, ErrLocked
	}
	defer unlock()

	var trashed []catalog.Document
	err = m.Store.WithTx(ctx, func(tx catalog.Store) error {
		for _, existing := range all {
			forceOtherDirty := !existing.Deleted
			newRev := existing.Rev + 1

			doc := existing
			doc.Rev = existing.Rev
			doc.Deleted = true
			doc.Sides = nextSides(existing.Sides, existing.Rev, newRev, side, forceOtherDirty)
			doc.UpdatedAt = m.now()

			stored, err := tx.Put(ctx, doc)
			if err != nil {
				return errors.Wrapf(err, "merger: trashing descendant %s", existing.Path)
			}
			if sideValue(stored, catalog.SideLocal) == stored.Rev && sideValue(stored, catalog.SideRemote) == stored.Rev {
				if err := tx.Delete(ctx, stored.ID); err != nil {
					return errors.Wrapf(err, "merger: removing acknowledged tombstone %s", existing.Path)
				}
			}
			trashed = append(trashed, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trashed, nil
}

// Apply dispatches ev to the method matching its Kind, for callers (the
// watchers) that don't want a type switch of their own.
func (m *Merger) Apply(ctx context.Context, side catalog.Side, ev Event) (Outcome, error) {
	switch ev.Kind {
	case KindAddFile:
		return m.applyAdd(ctx, side, ev, catalog.File)
	case KindAddDir:
		return m.applyAdd(ctx, side, ev, catalog.Folder)
	case KindUpdateFile:
		return m.applyUpdate(ctx, side, ev)
	case KindMove:
		return m.applyMove(ctx, side, ev)
	case KindTrash:
		return m.applyTrash(ctx, side, ev)
	case KindUntrash:
		return m.applyUntrash(ctx, side, ev)
	default:
		return Outcome{}, errors.Errorf("merger: unknown event kind %d", ev.Kind)
	}
}

// LocalAddFile, LocalAddDir, ... and the Remote* counterparts name the
// full event-kind-by-side surface for callers that know statically which
// transition they are reporting.

func (m *Merger) LocalAddFile(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyAdd(ctx, catalog.SideLocal, ev, catalog.File)
}

func (m *Merger) LocalAddDir(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyAdd(ctx, catalog.SideLocal, ev, catalog.Folder)
}

func (m *Merger) LocalUpdateFile(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyUpdate(ctx, catalog.SideLocal, ev)
}

func (m *Merger) LocalMove(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyMove(ctx, catalog.SideLocal, ev)
}

func (m *Merger) LocalTrash(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyTrash(ctx, catalog.SideLocal, ev)
}

func (m *Merger) LocalUntrash(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyUntrash(ctx, catalog.SideLocal, ev)
}

func (m *Merger) RemoteAddFile(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyAdd(ctx, catalog.SideRemote, ev, catalog.File)
}

func (m *Merger) RemoteAddDir(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyAdd(ctx, catalog.SideRemote, ev, catalog.Folder)
}

func (m *Merger) RemoteUpdateFile(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyUpdate(ctx, catalog.SideRemote, ev)
}

func (m *Merger) RemoteMove(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyMove(ctx, catalog.SideRemote, ev)
}

func (m *Merger) RemoteTrash(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyTrash(ctx, catalog.SideRemote, ev)
}

func (m *Merger) RemoteUntrash(ctx context.Context, ev Event) (Outcome, error) {
	return m.applyUntrash(ctx, catalog.SideRemote, ev)
}
