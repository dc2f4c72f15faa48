package localwatch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/checksum"
	"github.com/cozy-labs/synccore/pkg/logging"
	"github.com/cozy-labs/synccore/pkg/merger"
	"github.com/cozy-labs/synccore/pkg/pathnorm"
	"github.com/cozy-labs/synccore/pkg/side"
	"github.com/cozy-labs/synccore/pkg/side/local"
)

// defaultMinWindow and defaultMaxWindow bound the aggregation window:
// 1s of quiet closes it, and it extends up to 3s while new events keep
// arriving.
const (
	defaultMinWindow = 1 * time.Second
	defaultMaxWindow = 3 * time.Second
)

// Watcher drives raw fsnotify events through an aggregation window,
// reconstructs moves via reconstructMoves, and dispatches the resulting
// normalized events to a merger.Merger. Move pairing needs the raw
// create/remove events themselves, so the watcher is built directly on
// fsnotify rather than on a rescan-and-diff abstraction.
type Watcher struct {
	Root     string
	Side     *local.Local
	Merger   *merger.Merger
	Catalog  catalog.Store
	Platform pathnorm.Platform
	Ignore   *pathnorm.Ignorer
	Logger   *logging.Logger

	MinWindow time.Duration
	MaxWindow time.Duration

	mu    sync.Mutex
	known map[string]rawEvent
}

// New constructs a Watcher rooted at root.
func New(root string, s *local.Local, m *merger.Merger, store catalog.Store, platform pathnorm.Platform, ignore *pathnorm.Ignorer, logger *logging.Logger) *Watcher {
	return &Watcher{
		Root:      root,
		Side:      s,
		Merger:    m,
		Catalog:   store,
		Platform:  platform,
		Ignore:    ignore,
		Logger:    logger,
		MinWindow: defaultMinWindow,
		MaxWindow: defaultMaxWindow,
		known:     make(map[string]rawEvent),
	}
}

func (w *Watcher) skip(canonicalPath string) bool {
	if canonicalPath == local.StagingDirName || strings.HasPrefix(canonicalPath, local.StagingDirName+"/") {
		return true
	}
	if canonicalPath == local.TrashDirName || strings.HasPrefix(canonicalPath, local.TrashDirName+"/") {
		return true
	}
	return w.Ignore.Match(canonicalPath)
}

func (w *Watcher) canonicalize(hostPath string) (string, error) {
	rel, err := filepath.Rel(w.Root, hostPath)
	if err != nil {
		return "", err
	}
	return pathnorm.Canonicalize(rel)
}

// InitialScan walks the tree and compares each observed node against
// the catalog, materializing synthetic events for anything that changed
// while the watcher wasn't running.
func (w *Watcher) InitialScan(ctx context.Context) error {
	seen := make(map[string]bool)

	err := filepath.WalkDir(w.Root, func(hostPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if hostPath == w.Root {
			return nil
		}
		canonical, err := w.canonicalize(hostPath)
		if err != nil {
			return err
		}
		if w.skip(canonical) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		seen[canonical] = true

		info, err := w.Side.Stat(ctx, canonical)
		if err != nil {
			return errors.Wrapf(err, "localwatch: stat during initial scan of %s", canonical)
		}
		if !info.IsDir {
			info.MD5Sum, err = checksum.Digest(ctx, hostPath)
			if err != nil {
				return errors.Wrapf(err, "localwatch: digesting %s during initial scan", canonical)
			}
		}
		w.rememberLocked(canonical, info)

		existing, err := w.Catalog.ByPath(ctx, canonical)
		if errors.Is(err, catalog.ErrNotFound) {
			return w.emitAdd(ctx, canonical, info)
		} else if err != nil {
			return errors.Wrapf(err, "localwatch: looking up %s during initial scan", canonical)
		}

		ev := merger.Event{Path: canonical, Digest: info.MD5Sum, Size: info.Size, ModTime: info.ModTime, Ino: info.Ino, Executable: info.Executable}
		if existing.DocType == catalog.Folder {
			_, err := w.Merger.LocalAddDir(ctx, ev)
			return err
		}
		if existing.MD5Sum == info.MD5Sum {
			_, err := w.Merger.LocalAddFile(ctx, ev)
			return err
		}

		_, err = w.Merger.LocalUpdateFile(ctx, ev)
		return err
	})
	if err != nil {
		return err
	}

	// Anything the catalog still knows about but the walk didn't observe
	// was removed while the watcher was stopped. A document whose local
	// side never caught up (Sides.Local == 0) hasn't been materialized on
	// disk yet, so its absence means "not downloaded", not "deleted".
	docs, err := w.Catalog.TreeUnder(ctx, "")
	if err != nil {
		return errors.Wrap(err, "localwatch: listing catalog for initial scan reconciliation")
	}
	for _, doc := range docs {
		if doc.Deleted || seen[doc.Path] || doc.Sides.Local == 0 {
			continue
		}
		if _, err := w.Merger.LocalTrash(ctx, merger.Event{Path: doc.Path}); err != nil {
			return errors.Wrapf(err, "localwatch: trashing %s absent from initial scan", doc.Path)
		}
	}
	return nil
}

func (w *Watcher) emitAdd(ctx context.Context, canonical string, info side.Info) error {
	if info.IsDir {
		_, err := w.Merger.LocalAddDir(ctx, merger.Event{Path: canonical})
		return err
	}
	_, err := w.Merger.LocalAddFile(ctx, merger.Event{
		Path: canonical, Digest: info.MD5Sum, Size: info.Size,
		ModTime: info.ModTime, Ino: info.Ino, Executable: info.Executable,
	})
	return err
}

func (w *Watcher) rememberLocked(canonical string, info side.Info) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[canonical] = rawEvent{
		path: canonical, ino: info.Ino, isDir: info.IsDir,
		digest: info.MD5Sum, size: info.Size, modTime: info.ModTime, executable: info.Executable,
	}
}

// Run starts the fsnotify loop and blocks until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "localwatch: creating fsnotify watcher")
	}
	defer fsw.Close()

	if err := w.addRecursive(fsw, w.Root); err != nil {
		return err
	}

	var (
		pending  []rawEvent
		minTimer *time.Timer
		maxTimer *time.Timer
		minC     <-chan time.Time
		maxC     <-chan time.Time
	)
	stopTimers := func() {
		if minTimer != nil {
			minTimer.Stop()
		}
		if maxTimer != nil {
			maxTimer.Stop()
		}
		minTimer, maxTimer = nil, nil
		minC, maxC = nil, nil
	}
	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		stopTimers()
		w.dispatch(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				flush()
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					w.addRecursive(fsw, ev.Name)
				}
			}
			raw, ok := w.translate(ctx, ev)
			if !ok {
				continue
			}
			pending = append(pending, raw)
			if minTimer == nil {
				minTimer = time.NewTimer(w.minWindow())
				maxTimer = time.NewTimer(w.maxWindow())
				minC, maxC = minTimer.C, maxTimer.C
			} else {
				if !minTimer.Stop() {
					<-minTimer.C
				}
				minTimer.Reset(w.minWindow())
				minC = minTimer.C
			}

		case <-minC:
			flush()

		case <-maxC:
			flush()

		case err, ok := <-fsw.Errors:
			if !ok {
				flush()
				return nil
			}
			if w.Logger != nil {
				w.Logger.Error(errors.Wrap(err, "localwatch: fsnotify error"))
			}
		}
	}
}

func (w *Watcher) minWindow() time.Duration {
	if w.MinWindow > 0 {
		return w.MinWindow
	}
	return defaultMinWindow
}

func (w *Watcher) maxWindow() time.Duration {
	if w.MaxWindow > 0 {
		return w.MaxWindow
	}
	return defaultMaxWindow
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(hostPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		canonical, cErr := w.canonicalize(hostPath)
		if cErr == nil && w.skip(canonical) && hostPath != w.Root {
			return filepath.SkipDir
		}
		return fsw.Add(hostPath)
	})
}

// translate converts one fsnotify.Event into a rawEvent, stat'ing the
// path if it still exists (a create/write) or recalling its last-known
// state if it doesn't (a remove), since a removed path can no longer be
// stat'd directly.
func (w *Watcher) translate(ctx context.Context, ev fsnotify.Event) (rawEvent, bool) {
	canonical, err := w.canonicalize(ev.Name)
	if err != nil || w.skip(canonical) {
		return rawEvent{}, false
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.mu.Lock()
		prior, found := w.known[canonical]
		delete(w.known, canonical)
		w.mu.Unlock()
		if !found {
			return rawEvent{}, false
		}
		prior.kind = rawRemoved
		return prior, true
	}

	info, err := w.Side.Stat(ctx, canonical)
	if err != nil {
		return rawEvent{}, false
	}

	digest := ""
	if !info.IsDir {
		digest, err = checksum.Digest(ctx, filepath.Join(w.Root, filepath.FromSlash(canonical)))
		if err != nil {
			return rawEvent{}, false
		}
	}

	raw := rawEvent{
		kind: rawCreated, path: canonical, ino: info.Ino, isDir: info.IsDir,
		digest: digest, size: info.Size, modTime: info.ModTime, executable: info.Executable,
	}
	w.rememberLocked(canonical, side.Info{
		IsDir: info.IsDir, Size: info.Size, ModTime: info.ModTime,
		Ino: info.Ino, Executable: info.Executable, MD5Sum: digest,
	})
	return raw, true
}

// folderLockRetryDelay and maxFolderLockRetries bound how long dispatch
// backs off when the Executor currently holds a descendant of a folder
// being moved or trashed, which makes the merger reject the batch.
const (
	folderLockRetryDelay = 100 * time.Millisecond
	maxFolderLockRetries = 20
)

func (w *Watcher) dispatch(ctx context.Context, batch []rawEvent) {
	events, folderMoves, folderTrashes := reconstructMoves(ctx, batch, w.Platform, w.Catalog)

	// Folder moves/trashes are applied as one atomic batch each, ahead of
	// the surviving per-document events, since reconstructMoves already
	// stripped the descendant events those batches account for.
	for _, mv := range folderMoves {
		if err := w.moveFolderWithRetry(ctx, mv); err != nil && w.Logger != nil {
			w.Logger.Error(errors.Wrapf(err, "localwatch: moving folder %s to %s", mv.OldPrefix, mv.NewPrefix))
		}
	}
	for _, tr := range folderTrashes {
		if err := w.trashFolderWithRetry(ctx, tr); err != nil && w.Logger != nil {
			w.Logger.Error(errors.Wrapf(err, "localwatch: trashing folder %s", tr.Prefix))
		}
	}

	for _, ev := range events {
		if _, err := w.Merger.Apply(ctx, catalog.SideLocal, ev); err != nil && w.Logger != nil {
			w.Logger.Error(errors.Wrapf(err, "localwatch: applying event for %s", ev.Path))
		}
	}
}

func (w *Watcher) moveFolderWithRetry(ctx context.Context, mv FolderMove) error {
	for attempt := 0; ; attempt++ {
		_, err := w.Merger.MoveFolder(ctx, catalog.SideLocal, mv.OldPrefix, mv.NewPrefix)
		if err == nil || !errors.Is(err, merger.ErrLocked) || attempt >= maxFolderLockRetries {
			return err
		}
		if !w.sleep(ctx, folderLockRetryDelay) {
			return ctx.Err()
		}
	}
}

func (w *Watcher) trashFolderWithRetry(ctx context.Context, tr FolderTrash) error {
	for attempt := 0; ; attempt++ {
		_, err := w.Merger.TrashFolder(ctx, catalog.SideLocal, tr.Prefix)
		if err == nil || !errors.Is(err, merger.ErrLocked) || attempt >= maxFolderLockRetries {
			return err
		}
		if !w.sleep(ctx, folderLockRetryDelay) {
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
