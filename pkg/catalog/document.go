// Package catalog implements the metadata store: a durable, revisioned
// catalog of per-path documents with side-tagged versions. It is the
// only component any other component reads or writes shared sync state
// through; merger.Merger is the only writer of content changes.
package catalog

import "time"

// DocType distinguishes a file document from a folder document.
type DocType int

const (
	// File documents track regular files and carry an md5sum.
	File DocType = iota
	// Folder documents track directories and never carry an md5sum.
	Folder
)

func (t DocType) String() string {
	if t == Folder {
		return "folder"
	}
	return "file"
}

// Sides holds the per-side revision a document's two mirrors last
// matched. A side is up-to-date when its value equals the document's
// Rev; otherwise it is dirty and must be propagated.
type Sides struct {
	Local  uint64
	Remote uint64
}

// Dirty reports whether either side has work outstanding.
func (s Sides) Dirty(rev uint64) bool {
	return s.Local != rev || s.Remote != rev
}

// LocalSnapshot is the local side's view of a document: the attributes
// needed to detect further local changes and reconstruct moves.
type LocalSnapshot struct {
	Size    int64
	ModTime time.Time
	Ino     uint64
}

// RemoteSnapshot is the remote side's view of a document.
type RemoteSnapshot struct {
	ID  string
	Rev string
}

// MoveFrom captures a document's prior state while a move is in flight,
// so that the opposite side's mutator knows both the old and new path.
type MoveFrom struct {
	Path string
	Ino  uint64
}

// Document is the unit of metadata tracked by the catalog: one per
// (path, kind).
type Document struct {
	// ID is the stable, case-folded-where-appropriate primary key
	// derived from Path by pathnorm.ID.
	ID string
	// Path is the canonical forward-slash relative path as last
	// observed.
	Path string
	// DocType is File or Folder.
	DocType DocType
	// Rev is this document's monotonically increasing local revision.
	Rev uint64
	// Sides records how far each side has been propagated.
	Sides Sides
	// Local is the local side's snapshot, zero-value if the local side
	// has never observed this resource.
	Local LocalSnapshot
	// Remote is the remote side's snapshot, zero-value if the remote
	// side has never observed this resource.
	Remote RemoteSnapshot
	// MD5Sum is the content digest for files; empty for folders.
	MD5Sum string
	// Executable records the local executable bit for files.
	Executable bool
	// Class, MIME, Size, UpdatedAt are descriptive fields surfaced to
	// the UI; Size is authoritative only on the local side's snapshot
	// for files that have been scanned.
	Class     string
	MIME      string
	Size      int64
	UpdatedAt time.Time
	// Errors is the retry counter the Executor increments on transient
	// failure.
	Errors int
	// MoveFrom holds the prior state while a move is in flight, nil
	// otherwise.
	MoveFrom *MoveFrom
	// Deleted is the tombstone flag; tombstones are retained until both
	// sides have acknowledged the deletion.
	Deleted bool
	// Tags are free-form descriptive labels, preserved across updates.
	Tags []string

	// Seq is the store-wide sequence number assigned at the last put;
	// it is not part of the logical document but is what the changes
	// feed orders by.
	Seq uint64
}

// UpToDate reports whether neither side of the document has work
// outstanding.
func (d *Document) UpToDate() bool {
	return !d.Sides.Dirty(d.Rev)
}

// Side identifies one of the two mirrored stores.
type Side int

const (
	// SideLocal identifies the local filesystem mirror.
	SideLocal Side = iota
	// SideRemote identifies the remote cloud mirror.
	SideRemote
)

func (s Side) String() string {
	if s == SideRemote {
		return "remote"
	}
	return "local"
}

// DirtySide returns the side whose value trails Rev, and whether one
// exists. If both sides are dirty, Local is returned first since the
// executor processes at most one side transition per pass and local
// creates generally need to land before a symmetric remote propagation
// makes sense for a freshly reconciled document.
func (d *Document) DirtySide() (Side, bool) {
	if d.Sides.Local != d.Rev {
		return SideLocal, true
	}
	if d.Sides.Remote != d.Rev {
		return SideRemote, true
	}
	return SideLocal, false
}
