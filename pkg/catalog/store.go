package catalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned by the By* lookups when no document matches.
var ErrNotFound = errors.New("catalog: document not found")

// ErrStaleRevision is returned by Put when the caller's document does
// not derive from the latest stored revision for its id.
var ErrStaleRevision = errors.New("catalog: stale revision")

// Change is one entry in the stream returned by ChangesSince: a document
// as of the sequence number at which it was written.
type Change struct {
	Document Document
	Seq      uint64
}

// Store is the durable key-value store with secondary indexes backing
// the catalog. merger.Merger is the only writer of content changes; the
// Executor also writes, but only to advance a document's per-side
// revision once it has propagated a change.
type Store interface {
	// ByID looks up the latest document for a catalog id.
	ByID(ctx context.Context, id string) (Document, error)
	// ByPath looks up a document by its last-observed canonical path.
	ByPath(ctx context.Context, path string) (Document, error)
	// ByIno looks up a document by local inode, used to reconstruct
	// moves.
	ByIno(ctx context.Context, ino uint64) (Document, error)
	// ByRemoteID looks up a document by remote identifier.
	ByRemoteID(ctx context.Context, remoteID string) (Document, error)

	// Put durably writes doc, rejecting stale revisions, and returns
	// the document as stored (with Seq populated).
	Put(ctx context.Context, doc Document) (Document, error)
	// Delete physically removes a document once both sides have
	// acknowledged its deletion.
	Delete(ctx context.Context, id string) error

	// ByDirty returns documents with work outstanding, sorted by last
	// update, used by the Executor to schedule work.
	ByDirty(ctx context.Context) ([]Document, error)

	// ChangesSince streams documents committed after seq, in commit
	// order.
	ChangesSince(ctx context.Context, seq uint64) ([]Change, error)

	// TreeUnder returns every document whose path is prefix or a
	// descendant of prefix, for recursive folder operations.
	TreeUnder(ctx context.Context, prefix string) ([]Document, error)

	// WithTx runs fn inside a single-writer transaction; fn's Store
	// argument writes are atomic as a batch, used for folder-move
	// descendant rewrites.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Close releases underlying resources.
	Close() error
}
