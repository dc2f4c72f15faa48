// Package side defines the Side capability object: a fixed operation
// set (read, write, rename, trash, restore, list changes) implemented
// once for the local filesystem (pkg/side/local) and once for the
// remote cloud API (pkg/side/remote), plus an in-memory fake
// (pkg/side/memside) for scenario tests. The Executor (pkg/executor)
// depends only on this interface, never on a concrete side.
package side

import (
	"context"
	"io"
	"time"

	"github.com/cozy-labs/synccore/pkg/catalog"
)

// Info describes a resource as observed on one side.
type Info struct {
	IsDir      bool
	Size       int64
	ModTime    time.Time
	Ino        uint64 // populated by the local side only
	RemoteID   string // populated by the remote side only
	RemoteRev  string
	Executable bool
	MD5Sum     string
}

// Side is the capability set the Executor dispatches operations
// through. Every method takes a canonical forward-slash path, not a
// host path; implementations are responsible for translating.
type Side interface {
	// Which identifies this side, for logging and progress events.
	Which() catalog.Side

	// Stat returns the current state of path, or an error satisfying
	// errors.Is(err, ErrNotExist) if it is absent.
	Stat(ctx context.Context, path string) (Info, error)

	// ReadFile opens path for streaming read, used to source content
	// when propagating to the opposite side.
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)

	// WriteFile creates or overwrites path with the given content,
	// setting the executable bit, and returns the resulting Info once
	// durable (fsync'd locally, or acknowledged by the remote API).
	WriteFile(ctx context.Context, path string, content io.Reader, executable bool) (Info, error)

	// MkdirAll creates path (and any missing parents) as a directory.
	MkdirAll(ctx context.Context, path string) (Info, error)

	// Rename moves oldPath to newPath. Implementations should return
	// ErrRenameUnsupported if a direct rename isn't possible, so the
	// Executor can fall back to copy+delete.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Trash moves path to this side's trash location.
	Trash(ctx context.Context, path string) error

	// Restore reverses a prior Trash.
	Restore(ctx context.Context, path string) error

	// Remove permanently deletes path. The Executor uses it only as the
	// copy+delete fallback for Rename; trashed resources are not purged
	// through it.
	Remove(ctx context.Context, path string) error
}

// Stabilizer is implemented by sides that can race with an external
// writer, so the Executor can observe a resource's size and mtime
// unchanged across two reads before digesting it for transfer. The
// remote side has no concurrent external writer from this client's
// perspective and does not implement it.
type Stabilizer interface {
	Stable(ctx context.Context, path string) (bool, error)
}

// RemoteChange is one entry in a batch returned by ChangeSource.
// ListChanges, corresponding to one row of the remote's `changes` feed.
type RemoteChange struct {
	RemoteID string
	Path     string
	Rev      string
	IsDir    bool
	MD5Sum   string
	Size     int64
	Deleted  bool
	Restored bool
}

// ChangeBatch is a causally consistent group of remote changes: within a
// batch, parent creations precede child creations, and deletions
// precede sibling creations of the same name.
type ChangeBatch struct {
	Changes []RemoteChange
	LastSeq uint64
}

// ChangeSource is implemented by the remote side to support the remote
// watcher's long-poll loop. It is a separate interface from Side because the
// local side has no analogous "follow a cursor" operation -- its
// equivalent is the OS event stream consumed directly by
// pkg/localwatch.
type ChangeSource interface {
	ListChanges(ctx context.Context, since uint64) (ChangeBatch, error)
}
