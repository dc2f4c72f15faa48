// Package remotewatch implements the remote watcher: it follows the
// remote change feed from a persisted `seq` cursor, normalizes entries
// into the same merger.Event vocabulary pkg/localwatch produces, and
// batches them into causally consistent groups before handing them to
// the Merger.
package remotewatch

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/logging"
	"github.com/cozy-labs/synccore/pkg/merger"
	"github.com/cozy-labs/synccore/pkg/progress"
	"github.com/cozy-labs/synccore/pkg/side"
)

// defaultPollInterval is how often the watcher long-polls the remote
// changes feed when idle (a real long-poll endpoint blocks server-side
// up to this long; this is also the client's own re-poll interval if
// the server returns immediately with an empty batch).
const defaultPollInterval = 5 * time.Second

// Backoff mirrors the Executor's retry table: transient poll failures
// back off exponentially starting at 1s, capped at 5 minutes, so a
// flaky connection doesn't hammer the remote.
var backoffSteps = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 32 * time.Second, 64 * time.Second, 2 * time.Minute,
	4 * time.Minute, 5 * time.Minute,
}

// Watcher follows the remote change feed and merges what it finds.
type Watcher struct {
	Source  side.ChangeSource
	Merger  *merger.Merger
	Catalog catalog.Store
	Cursor  *CursorStore
	Emitter progress.Emitter
	Logger  *logging.Logger

	PollInterval time.Duration
}

// New constructs a Watcher consuming source's change feed.
func New(source side.ChangeSource, m *merger.Merger, store catalog.Store, cursor *CursorStore, emitter progress.Emitter, logger *logging.Logger) *Watcher {
	return &Watcher{
		Source:       source,
		Merger:       m,
		Catalog:      store,
		Cursor:       cursor,
		Emitter:      emitter,
		Logger:       logger,
		PollInterval: defaultPollInterval,
	}
}

func (w *Watcher) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}
	return defaultPollInterval
}

func (w *Watcher) emit(ev progress.Event) {
	if w.Emitter != nil {
		w.Emitter.Emit(ev)
	}
}

// Run polls the remote change feed until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	seq, err := w.Cursor.Load()
	if err != nil {
		return err
	}

	failures := 0
	online := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := w.Source.ListChanges(ctx, seq)
		if err != nil {
			switch side.Classify(err) {
			case side.ClassTransient:
				// Only report offline on the transition, not every retry.
				if online {
					w.emit(progress.Event{Kind: progress.KindOffline})
					online = false
				}
			case side.ClassRevoked:
				w.emit(progress.Event{Kind: progress.KindRevoked, Message: err.Error()})
				return err
			case side.ClassQuota:
				w.emit(progress.Event{Kind: progress.KindQuota, Message: err.Error()})
				return err
			default:
				w.emit(progress.Event{Kind: progress.KindSyncError, Message: err.Error()})
				return err
			}
			if w.Logger != nil {
				w.Logger.Error(errors.Wrap(err, "remotewatch: polling changes"))
			}
			failures++
			if !w.sleep(ctx, backoffDuration(failures)) {
				return ctx.Err()
			}
			continue
		}

		if !online {
			w.emit(progress.Event{Kind: progress.KindOnline})
			online = true
		}
		failures = 0

		if err := w.mergeBatch(ctx, batch); err != nil {
			// A merge failure mid-batch leaves the cursor unadvanced;
			// already-applied events in this batch are idempotent and
			// safely replayed next poll.
			if w.Logger != nil {
				w.Logger.Error(errors.Wrap(err, "remotewatch: merging batch"))
			}
			if !w.sleep(ctx, w.pollInterval()) {
				return ctx.Err()
			}
			continue
		}

		if batch.LastSeq != seq {
			seq = batch.LastSeq
			if err := w.Cursor.Save(seq); err != nil {
				return errors.Wrap(err, "remotewatch: persisting cursor")
			}
		}

		if !w.sleep(ctx, w.pollInterval()) {
			return ctx.Err()
		}
	}
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func backoffDuration(failures int) time.Duration {
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSteps) {
		idx = len(backoffSteps) - 1
	}
	return backoffSteps[idx]
}

// folderLockRetryDelay and maxFolderLockRetries bound how long
// mergeBatch backs off when the Executor currently holds a descendant
// of a folder being moved or trashed, which makes the merger reject the
// batch.
const (
	folderLockRetryDelay = 100 * time.Millisecond
	maxFolderLockRetries = 20
)

// mergeBatch applies one causally ordered batch of remote changes to
// the Merger. Directory-level moves and trashes are detected up front
// and applied as one atomic merger.MoveFolder/TrashFolder batch each,
// ahead of the remaining per-document changes, mirroring how
// pkg/localwatch handles a local folder move or trash.
func (w *Watcher) mergeBatch(ctx context.Context, batch side.ChangeBatch) error {
	ordered := orderCausally(batch.Changes)

	resolved := make([]resolvedChange, len(ordered))
	for i, change := range ordered {
		existing, err := w.Catalog.ByRemoteID(ctx, change.RemoteID)
		found := err == nil
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		resolved[i] = resolvedChange{change: change, existing: existing, found: found}
	}

	moves, trashes := folderOps(resolved)

	for _, mv := range moves {
		if err := w.moveFolderWithRetry(ctx, mv); err != nil {
			return errors.Wrapf(err, "remotewatch: moving folder %s to %s", mv.oldPrefix, mv.newPrefix)
		}
	}
	for _, tr := range trashes {
		if err := w.trashFolderWithRetry(ctx, tr); err != nil {
			return errors.Wrapf(err, "remotewatch: trashing folder %s", tr.prefix)
		}
	}

	for _, r := range resolved {
		if coveredByFolderOp(r, moves, trashes) {
			continue
		}
		ev := translate(r)
		if _, err := w.Merger.Apply(ctx, catalog.SideRemote, ev); err != nil {
			return errors.Wrapf(err, "remotewatch: applying change for %s", r.change.Path)
		}
	}
	return nil
}

func (w *Watcher) moveFolderWithRetry(ctx context.Context, mv folderMove) error {
	for attempt := 0; ; attempt++ {
		_, err := w.Merger.MoveFolder(ctx, catalog.SideRemote, mv.oldPrefix, mv.newPrefix)
		if err == nil || !errors.Is(err, merger.ErrLocked) || attempt >= maxFolderLockRetries {
			return err
		}
		if !w.sleep(ctx, folderLockRetryDelay) {
			return ctx.Err()
		}
	}
}

func (w *Watcher) trashFolderWithRetry(ctx context.Context, tr folderTrash) error {
	for attempt := 0; ; attempt++ {
		_, err := w.Merger.TrashFolder(ctx, catalog.SideRemote, tr.prefix)
		if err == nil || !errors.Is(err, merger.ErrLocked) || attempt >= maxFolderLockRetries {
			return err
		}
		if !w.sleep(ctx, folderLockRetryDelay) {
			return ctx.Err()
		}
	}
}

// translate converts one resolved remote change into a merger.Event,
// detecting moves by comparing the change's remote id against the
// catalog's last-known path for that id (the remote API has no raw
// create/remove pairing the way the local OS feed does; the remote id
// is itself the stable identity a move needs).
func translate(r resolvedChange) merger.Event {
	change, existing, found := r.change, r.existing, r.found

	ev := merger.Event{
		Path: change.Path, RemoteID: change.RemoteID, RemoteRev: change.Rev,
		Digest: change.MD5Sum, Size: change.Size,
	}

	if change.Deleted {
		ev.Kind = merger.KindTrash
		if found {
			ev.Path = existing.Path
		}
		return ev
	}
	if change.Restored {
		ev.Kind = merger.KindUntrash
		return ev
	}
	if found && existing.Path != change.Path {
		ev.Kind = merger.KindMove
		ev.OldPath = existing.Path
		return ev
	}
	if !found {
		if change.IsDir {
			ev.Kind = merger.KindAddDir
		} else {
			ev.Kind = merger.KindAddFile
		}
		return ev
	}
	if change.IsDir {
		ev.Kind = merger.KindAddDir // idempotent ack, folders carry no digest
	} else {
		ev.Kind = merger.KindUpdateFile
	}
	return ev
}
