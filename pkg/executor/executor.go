// Package executor implements the sync executor: it drains the
// catalog's dirty-document index and applies each document's pending
// mutation on whichever side has not yet caught up, through the
// side.Side capability, with retries, a per-id lock, and progress
// events.
package executor

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/logging"
	"github.com/cozy-labs/synccore/pkg/pathlock"
	"github.com/cozy-labs/synccore/pkg/pathnorm"
	"github.com/cozy-labs/synccore/pkg/progress"
	"github.com/cozy-labs/synccore/pkg/side"
)

// defaultConcurrency bounds the worker pool.
const defaultConcurrency = 3

// defaultPollInterval is how often the executor re-checks the dirty
// index when it finds nothing outstanding.
const defaultPollInterval = 250 * time.Millisecond

// Executor propagates dirty documents to whichever side trails.
type Executor struct {
	Store   catalog.Store
	Local   side.Side
	Remote  side.Side
	Locks   *pathlock.Table
	Emitter progress.Emitter
	History *progress.History
	Logger  *logging.Logger

	// Concurrency bounds the worker pool; it defaults to 3.
	Concurrency int
	// PollInterval is how often Run rechecks the dirty index between
	// drains; it defaults to 250ms.
	PollInterval time.Duration
	// MaxAttempts bounds transient-failure retries per document before
	// it is parked; it defaults to 16.
	MaxAttempts int

	// OnChange, if set, is called after every emitted progress event so
	// a caller can coalesce these into a single long-poll wakeup instead
	// of reacting to each one individually.
	OnChange func()

	retries *retryTracker
	parked  *parkTracker
}

// New constructs an Executor dispatching against local and remote.
func New(store catalog.Store, local, remote side.Side, locks *pathlock.Table, emitter progress.Emitter, history *progress.History, logger *logging.Logger) *Executor {
	return &Executor{
		Store: store, Local: local, Remote: remote, Locks: locks,
		Emitter: emitter, History: history, Logger: logger,
		Concurrency:  defaultConcurrency,
		PollInterval: defaultPollInterval,
		retries:      newRetryTracker(),
		parked:       newParkTracker(),
	}
}

func (e *Executor) concurrency() int64 {
	if e.Concurrency > 0 {
		return int64(e.Concurrency)
	}
	return defaultConcurrency
}

func (e *Executor) pollInterval() time.Duration {
	if e.PollInterval > 0 {
		return e.PollInterval
	}
	return defaultPollInterval
}

func (e *Executor) emit(ev progress.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if e.Emitter != nil {
		e.Emitter.Emit(ev)
	}
	if e.History != nil {
		progress.RecordFromEvent(e.History, ev)
	}
	if e.OnChange != nil {
		e.OnChange()
	}
}

func (e *Executor) sideFor(which catalog.Side) side.Side {
	if which == catalog.SideLocal {
		return e.Local
	}
	return e.Remote
}

func otherSide(s catalog.Side) catalog.Side {
	if s == catalog.SideLocal {
		return catalog.SideRemote
	}
	return catalog.SideLocal
}

// Run drains the dirty index on a loop, bounded by a semaphore-backed
// worker pool, until ctx is canceled. It halts (returns a non-nil error)
// only on a document classified Revoked/Quota/Corrupt; all other
// per-document failures are retried or parked without stopping the
// loop.
func (e *Executor) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(e.concurrency())
	wasBusy := true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		docs, err := e.Store.ByDirty(ctx)
		if err != nil {
			return errors.Wrap(err, "executor: listing dirty documents")
		}
		docs = orderForDispatch(docs)

		if len(docs) == 0 {
			// Only announce up-to-date on the busy-to-idle transition,
			// not on every idle poll tick.
			if wasBusy {
				e.emit(progress.Event{Kind: progress.KindUpToDate})
			}
			wasBusy = false
			if !e.sleep(ctx, e.pollInterval()) {
				return ctx.Err()
			}
			continue
		}
		wasBusy = true

		halt := make(chan error, 1)
		for _, doc := range docs {
			doc := doc
			if !e.readyForRetry(doc) || e.parked.isParked(doc.ID, doc.Rev) {
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return ctx.Err()
			}
			go func() {
				defer sem.Release(1)
				if haltErr := e.process(ctx, doc); haltErr != nil {
					select {
					case halt <- haltErr:
					default:
					}
				}
			}()
		}

		// Wait for the pool to drain before re-listing, so a fast loop
		// doesn't spin ahead of in-flight work; this also bounds
		// concurrent dispatch to e.Concurrency at any moment.
		if err := sem.Acquire(ctx, e.concurrency()); err != nil {
			return ctx.Err()
		}
		sem.Release(e.concurrency())

		select {
		case haltErr := <-halt:
			return haltErr
		default:
		}

		if !e.sleep(ctx, e.pollInterval()) {
			return ctx.Err()
		}
	}
}

// DrainOnce processes every currently dirty document exactly once,
// synchronously and without the worker pool, returning how many remain
// dirty afterward (nonzero typically means some are backed off or
// parked). It gives deterministic callers -- tests, or a manual "sync
// now" command -- a way to drive convergence without Run's continuous
// poll loop.
func (e *Executor) DrainOnce(ctx context.Context) (int, error) {
	docs, err := e.Store.ByDirty(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "executor: listing dirty documents")
	}
	for _, doc := range orderForDispatch(docs) {
		if !e.readyForRetry(doc) || e.parked.isParked(doc.ID, doc.Rev) {
			continue
		}
		if err := e.process(ctx, doc); err != nil {
			return 0, err
		}
	}

	remaining, err := e.Store.ByDirty(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "executor: listing dirty documents")
	}
	return len(remaining), nil
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// orderForDispatch sorts creates and moves by path depth ascending
// (parents before children) and deletes descending (children before
// parents), stable by document sequence within equal depth.
func orderForDispatch(docs []catalog.Document) []catalog.Document {
	ordered := make([]catalog.Document, len(docs))
	copy(ordered, docs)

	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := ordered[i], ordered[j]
		if di.Deleted != dj.Deleted {
			return !di.Deleted
		}
		depthI, depthJ := pathnorm.Depth(di.Path), pathnorm.Depth(dj.Path)
		if depthI != depthJ {
			if di.Deleted {
				return depthI > depthJ
			}
			return depthI < depthJ
		}
		return di.Seq < dj.Seq
	})
	return ordered
}

// process dispatches one document's pending mutation under its per-id
// lock, so a path is executed at most once at a time. It returns a
// non-nil error only when the document's error class should halt the
// entire executor (Revoked/Quota/Corrupt); every other failure is
// handled internally via retry or parking.
func (e *Executor) process(ctx context.Context, doc catalog.Document) error {
	unlock, ok := e.Locks.TryLock(doc.ID)
	if !ok {
		// Another worker (or the merger, mid folder-move batch) holds
		// this id; skip for this pass, it will be reconsidered next poll.
		return nil
	}
	defer unlock()

	// Re-read after acquiring the lock: the document may have changed
	// (or disappeared) while this pass was being scheduled.
	current, err := e.Store.ByID(ctx, doc.ID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil
	} else if err != nil {
		if e.Logger != nil {
			e.Logger.Error(errors.Wrapf(err, "executor: re-reading %s", doc.Path))
		}
		return nil
	}
	if !current.Sides.Dirty(current.Rev) {
		return nil
	}

	target, dirty := current.DirtySide()
	if !dirty {
		return nil
	}

	if err := e.dispatch(ctx, current, target); err != nil {
		return e.handleFailure(ctx, current, target, err)
	}

	e.retries.clear(current.ID)
	e.parked.unpark(current.ID)
	return nil
}

// dispatch performs the actual side-effecting operation for one
// document/target pair.
func (e *Executor) dispatch(ctx context.Context, doc catalog.Document, target catalog.Side) error {
	targetSide := e.sideFor(target)

	if incompat := pathnorm.CheckAll(doc.Path, pathnorm.DocType(doc.DocType)); !incompat.OK() {
		messages := make([]string, len(incompat.Findings))
		for i, f := range incompat.Findings {
			messages[i] = f.String()
		}
		e.emit(progress.Event{Kind: progress.KindPlatformIncompatibilities, Path: doc.Path, Message: joinMessages(messages)})
		e.parked.park(doc.ID, doc.Rev)
		return nil
	}

	if doc.Deleted {
		return e.applyTrash(ctx, doc, target, targetSide)
	}
	if doc.MoveFrom != nil {
		return e.applyMove(ctx, doc, target, targetSide)
	}
	if doc.DocType == catalog.Folder {
		return e.applyMkdir(ctx, doc, target, targetSide)
	}
	return e.applyFileTransfer(ctx, doc, target, targetSide)
}

func joinMessages(messages []string) string {
	out := ""
	for i, m := range messages {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

func (e *Executor) applyTrash(ctx context.Context, doc catalog.Document, target catalog.Side, targetSide side.Side) error {
	if err := targetSide.Trash(ctx, doc.Path); err != nil {
		if errors.Is(err, side.ErrNotExist) {
			// Already gone on this side; treat as success.
		} else {
			return err
		}
	}
	if _, err := e.advanceSide(ctx, doc, target); err != nil {
		return err
	}
	e.emit(progress.Event{Kind: progress.KindDeleteFile, Path: doc.Path})
	return nil
}

func (e *Executor) applyMkdir(ctx context.Context, doc catalog.Document, target catalog.Side, targetSide side.Side) error {
	if _, err := targetSide.MkdirAll(ctx, doc.Path); err != nil {
		return err
	}
	_, err := e.advanceSide(ctx, doc, target)
	return err
}

func (e *Executor) applyMove(ctx context.Context, doc catalog.Document, target catalog.Side, targetSide side.Side) error {
	oldPath := doc.MoveFrom.Path
	newPath := doc.Path

	err := targetSide.Rename(ctx, oldPath, newPath)
	if err != nil {
		fallback := errors.Is(err, side.ErrRenameUnsupported) || errors.Is(err, side.ErrNotExist)
		if !fallback {
			return err
		}
		// Fall back to copy+delete: the target may simply never have
		// had the old path (e.g. it hadn't caught up before the move
		// occurred), so source content comes from whichever side
		// already carries it, not from the target's own old path. When
		// the destination already exists this is a directory merge:
		// content is copied over and the source removed, which does not
		// preserve the source inode.
		source := e.sideFor(otherSide(target))
		if copyErr := e.copyInto(ctx, source, targetSide, doc, newPath); copyErr != nil {
			return copyErr
		}
		_ = targetSide.Remove(ctx, oldPath)
	}

	e.emit(progress.Event{Kind: progress.KindTransferMove, Path: newPath, OldPath: oldPath})
	_, advErr := e.advanceSide(ctx, doc, target)
	return advErr
}

func (e *Executor) copyInto(ctx context.Context, source, target side.Side, doc catalog.Document, path string) error {
	if doc.DocType == catalog.Folder {
		_, err := target.MkdirAll(ctx, path)
		return err
	}
	content, err := source.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	defer content.Close()
	_, err = target.WriteFile(ctx, path, content, doc.Executable)
	return err
}

func (e *Executor) applyFileTransfer(ctx context.Context, doc catalog.Document, target catalog.Side, targetSide side.Side) error {
	source := e.sideFor(otherSide(target))

	if stabilizer, ok := source.(side.Stabilizer); ok {
		stable, err := stabilizer.Stable(ctx, doc.Path)
		if err != nil {
			return err
		}
		if !stable {
			return errors.Errorf("executor: %s did not stabilize before transfer", doc.Path)
		}
	}

	e.emit(progress.Event{Kind: progress.KindTransferStarted, Path: doc.Path})

	content, err := source.ReadFile(ctx, doc.Path)
	if err != nil {
		return err
	}
	defer content.Close()

	if _, err := targetSide.WriteFile(ctx, doc.Path, content, doc.Executable); err != nil {
		return err
	}

	e.emit(progress.Event{Kind: progress.KindTransferCopy, Path: doc.Path})
	_, err = e.advanceSide(ctx, doc, target)
	return err
}

// advanceSide records that target has caught up to doc's current
// revision, carrying the opposite side forward too if it was already
// caught up -- the same "don't manufacture phantom work" rule
// merger.nextSides applies, since catalog.Store.Put bumps Rev on every
// write regardless of whether content changed.
func (e *Executor) advanceSide(ctx context.Context, doc catalog.Document, target catalog.Side) (catalog.Document, error) {
	newRev := doc.Rev + 1
	updated := doc
	updated.Rev = doc.Rev
	updated.MoveFrom = nil
	updated.Errors = 0

	if target == catalog.SideLocal {
		updated.Sides.Local = newRev
		if doc.Sides.Remote == doc.Rev {
			updated.Sides.Remote = newRev
		}
	} else {
		updated.Sides.Remote = newRev
		if doc.Sides.Local == doc.Rev {
			updated.Sides.Local = newRev
		}
	}

	stored, err := e.Store.Put(ctx, updated)
	if err != nil {
		return catalog.Document{}, errors.Wrap(err, "executor: advancing side")
	}

	if stored.Deleted && stored.UpToDate() {
		if err := e.Store.Delete(ctx, stored.ID); err != nil {
			return catalog.Document{}, errors.Wrap(err, "executor: removing acknowledged tombstone")
		}
	}
	return stored, nil
}
