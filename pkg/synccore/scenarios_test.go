package synccore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/executor"
	"github.com/cozy-labs/synccore/pkg/localwatch"
	"github.com/cozy-labs/synccore/pkg/logging"
	"github.com/cozy-labs/synccore/pkg/merger"
	"github.com/cozy-labs/synccore/pkg/pathlock"
	"github.com/cozy-labs/synccore/pkg/pathnorm"
	"github.com/cozy-labs/synccore/pkg/progress"
	"github.com/cozy-labs/synccore/pkg/remotewatch"
	"github.com/cozy-labs/synccore/pkg/side/local"
	"github.com/cozy-labs/synccore/pkg/side/memside"
)

// requireEventually polls condition every 25ms until it reports true or
// 5s elapse, failing the test with msg in the latter case. The watcher
// scenarios below drive a real localwatch.Watcher/remotewatch.Watcher
// goroutine, so the catalog settles asynchronously rather than the
// instant the test calls a merger method directly.
func requireEventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal(msg)
}

// These scenarios exercise the full Merger+Executor pipeline. Most run
// against two in-memory side.Side fakes and stand in for a watcher that
// has already normalized a filesystem/API event into a merger.Event.
// Two drive a real watcher instead: TestScenarioLocalMoveThenAppend
// runs a localwatch.Watcher over a temporary directory, and
// TestScenarioRemoteTrashDirectory runs a remotewatch.Watcher over a
// memside remote.

// scenarioHarness wires one catalog, one Merger, and one Executor
// against a pair of memside.Side fakes playing the local and remote
// roles.
type scenarioHarness struct {
	t      *testing.T
	store  catalog.Store
	merger *merger.Merger
	exec   *executor.Executor
	local  *memside.Side
	remote *memside.Side
	events *progress.ChannelEmitter
}

func newScenarioHarness(t *testing.T, platform pathnorm.Platform) *scenarioHarness {
	t.Helper()

	store, err := catalog.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	locks := pathlock.New()
	local := memside.New(catalog.SideLocal)
	remote := memside.New(catalog.SideRemote)
	history, err := progress.LoadHistory("")
	require.NoError(t, err)
	emitter := progress.NewChannelEmitter(64)

	return &scenarioHarness{
		t:      t,
		store:  store,
		merger: merger.New(store, locks, platform),
		exec:   executor.New(store, local, remote, locks, emitter, history, logging.RootLogger.Sublogger("scenario-test")),
		local:  local,
		remote: remote,
		events: emitter,
	}
}

// converge drains the dirty index until nothing is left outstanding,
// the test equivalent of running the Executor long enough for a
// reconciled tree to go quiet.
func (h *scenarioHarness) converge() {
	h.t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		remaining, err := h.exec.DrainOnce(ctx)
		require.NoError(h.t, err)
		if remaining == 0 {
			return
		}
	}
	h.t.Fatal("executor did not converge within the scenario's drain budget")
}

// drainedEvents empties the progress channel so far and returns what
// was collected, without blocking for more.
func (h *scenarioHarness) drainedEvents() []progress.Event {
	var out []progress.Event
	for {
		select {
		case ev := <-h.events.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countKind(events []progress.Event, kind progress.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// digestOf stands in for an md5sum in these tests: the merger only
// ever compares digests for equality, so the content string itself
// serves as a perfectly good opaque equality class without pulling in
// a real hash.
func digestOf(content string) string {
	return content
}

// local create propagates to the remote as a single file transfer.
func TestScenarioLocalCreate(t *testing.T) {
	h := newScenarioHarness(t, pathnorm.Linux)
	ctx := context.Background()

	info, err := h.local.WriteFile(ctx, "foo.txt", stringsReader("hello"), false)
	require.NoError(t, err)

	_, err = h.merger.LocalAddFile(ctx, merger.Event{
		Path: "foo.txt", Digest: digestOf("hello"), Size: 5, Ino: info.Ino, ModTime: info.ModTime,
	})
	require.NoError(t, err)

	h.converge()

	require.Equal(t, []string{"foo.txt"}, h.remote.Paths())
	assertContent(t, ctx, h.remote, "foo.txt", "hello")

	events := h.drainedEvents()
	require.Equal(t, 1, countKind(events, progress.KindTransferCopy), "one file delivered to the remote side")
}

// a remote folder plus a file inside it both propagate to local,
// the folder landing first so the file has somewhere to go.
func TestScenarioRemoteCreateInsideFolder(t *testing.T) {
	h := newScenarioHarness(t, pathnorm.Linux)
	ctx := context.Background()

	dirInfo, err := h.remote.MkdirAll(ctx, "parent")
	require.NoError(t, err)
	_, err = h.merger.RemoteAddDir(ctx, merger.Event{
		Path: "parent", RemoteID: dirInfo.RemoteID, RemoteRev: dirInfo.RemoteRev,
	})
	require.NoError(t, err)

	fileInfo, err := h.remote.WriteFile(ctx, "parent/file", stringsReader("data"), false)
	require.NoError(t, err)
	_, err = h.merger.RemoteAddFile(ctx, merger.Event{
		Path: "parent/file", Digest: digestOf("data"), Size: 4,
		RemoteID: fileInfo.RemoteID, RemoteRev: fileInfo.RemoteRev,
	})
	require.NoError(t, err)

	h.converge()

	require.ElementsMatch(t, []string{"parent", "parent/file"}, h.local.Paths())
	assertContent(t, ctx, h.local, "parent/file", "data")
}

// a local folder rename followed by an in-place append both
// propagate to the remote, with nothing left behind in the trash. This
// drives the reconciliation through a real localwatch.Watcher over a
// real temporary directory, rather than calling merger.MoveFolder
// directly, so the fsnotify-driven dispatch path is the thing under
// test.
func TestScenarioLocalMoveThenAppend(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	localSide, err := local.New(root)
	require.NoError(t, err)

	store, err := catalog.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	locks := pathlock.New()
	remote := memside.New(catalog.SideRemote)
	history, err := progress.LoadHistory("")
	require.NoError(t, err)
	emitter := progress.NewChannelEmitter(64)

	m := merger.New(store, locks, pathnorm.Linux)
	exec := executor.New(store, localSide, remote, locks, emitter, history, logging.RootLogger.Sublogger("scenario-test"))

	watcher := localwatch.New(root, localSide, m, store, pathnorm.Linux, nil, logging.RootLogger.Sublogger("scenario-test"))
	watcher.MinWindow = 20 * time.Millisecond
	watcher.MaxWindow = 60 * time.Millisecond

	_, err = localSide.MkdirAll(ctx, "src")
	require.NoError(t, err)
	_, err = localSide.WriteFile(ctx, "src/file", stringsReader("foo"), false)
	require.NoError(t, err)
	require.NoError(t, watcher.InitialScan(ctx))

	converge := func() {
		for i := 0; i < 10; i++ {
			remaining, err := exec.DrainOnce(ctx)
			require.NoError(t, err)
			if remaining == 0 {
				return
			}
		}
		t.Fatal("executor did not converge within the scenario's drain budget")
	}
	converge() // settle the initial tree on the remote before the move

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan error, 1)
	go func() { watchDone <- watcher.Run(watchCtx) }()
	stopped := false
	stopAndWaitWatch := func() {
		if stopped {
			return
		}
		stopped = true
		stopWatch()
		<-watchDone
	}
	t.Cleanup(stopAndWaitWatch)

	// A single os.Rename of the directory relocates "file" along with it
	// at the filesystem level; fsnotify reports only the rename of "src"
	// itself (the parent watch sees one child rename, not a descendant
	// rename it was never asked to track), the same way the real local
	// filesystem behaves outside this test.
	require.NoError(t, localSide.Rename(ctx, "src", "dst"))

	requireEventually(t, func() bool {
		_, err := store.ByPath(ctx, "dst")
		return err == nil
	}, "the folder move never reached the catalog")
	require.Empty(t, requireNotFoundPaths(t, ctx, store, "src", "src/file"),
		"the move must rewrite the descendant's id and path too, not just the folder's")

	converge() // let the rename land on the remote before the append,
	// so the remote side's catalog entry is caught up rather than still
	// dirty from the move when the update's own dirty-check runs

	// The folder move is the behavior under test here; stop the watcher
	// before the append so the update reaches the merger the same
	// explicit way every other scenario in this file does, rather than
	// exercising reconstructMoves' (untouched) unmatched-create handling.
	stopAndWaitWatch()

	_, err = localSide.WriteFile(ctx, "dst/file", stringsReader("foo blah"), false)
	require.NoError(t, err)
	_, err = m.LocalUpdateFile(ctx, merger.Event{Path: "dst/file", Digest: digestOf("foo blah"), Size: 8})
	require.NoError(t, err)

	converge()

	require.ElementsMatch(t, []string{"dst", "dst/file"}, remote.Paths())
	assertContent(t, ctx, remote, "dst/file", "foo blah")
	require.Empty(t, remote.TrashedPaths())
}

// requireNotFoundPaths returns which of paths still resolve to a
// document in store, for asserting that a move left nothing behind at
// the old locations.
func requireNotFoundPaths(t *testing.T, ctx context.Context, store catalog.Store, paths ...string) []string {
	t.Helper()
	var stillPresent []string
	for _, p := range paths {
		if _, err := store.ByPath(ctx, p); err == nil {
			stillPresent = append(stillPresent, p)
		}
	}
	return stillPresent
}

// trashing a folder remotely trashes every descendant, and the
// parent folder itself survives because only "dir" was removed. This
// drives the reconciliation through a real remotewatch.Watcher polling
// loop, rather than calling merger.TrashFolder directly, so the batch's
// folder-trash detection and routing is the thing under test.
func TestScenarioRemoteTrashDirectory(t *testing.T) {
	h := newScenarioHarness(t, pathnorm.Linux)
	ctx := context.Background()

	for _, path := range []string{"parent", "parent/dir", "parent/dir/subdir", "parent/dir/empty-subdir"} {
		info, err := h.local.MkdirAll(ctx, path)
		require.NoError(t, err)
		_, err = h.merger.LocalAddDir(ctx, merger.Event{Path: path, Ino: info.Ino})
		require.NoError(t, err)
	}
	fileInfo, err := h.local.WriteFile(ctx, "parent/dir/subdir/file", stringsReader("x"), false)
	require.NoError(t, err)
	_, err = h.merger.LocalAddFile(ctx, merger.Event{Path: "parent/dir/subdir/file", Digest: digestOf("x"), Size: 1, Ino: fileInfo.Ino})
	require.NoError(t, err)

	h.converge() // both sides hold the full tree before the remote trash

	rw := remotewatch.New(h.remote, h.merger, h.store, remotewatch.NewCursorStore(""), nil, logging.RootLogger.Sublogger("scenario-test"))
	rw.PollInterval = 20 * time.Millisecond

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan error, 1)
	go func() { watchDone <- rw.Run(watchCtx) }()
	t.Cleanup(func() {
		stopWatch()
		<-watchDone
	})

	// The real remote API would itself emit a descendant delete for
	// every document under "parent/dir"; reproduce that here since
	// memside.Trash, like the real change
	// feed, only tombstones the single path it is given.
	for _, path := range []string{"parent/dir", "parent/dir/subdir", "parent/dir/empty-subdir", "parent/dir/subdir/file"} {
		require.NoError(t, h.remote.Trash(ctx, path))
	}

	requireEventually(t, func() bool {
		doc, err := h.store.ByID(ctx, pathnorm.ID("parent/dir", pathnorm.Linux))
		return err == nil && doc.Deleted
	}, "the folder trash never reached the catalog")

	h.converge()

	require.Contains(t, h.local.Paths(), "parent")
	require.NotContains(t, h.local.Paths(), "parent/dir")
	require.ElementsMatch(t,
		[]string{"parent/dir", "parent/dir/subdir", "parent/dir/empty-subdir", "parent/dir/subdir/file"},
		h.local.TrashedPaths(),
	)
}

// a case-insensitive platform folds "JOHN" and "john" to the same
// catalog id, so the second side's directory add acknowledges the
// first instead of creating a sibling document (applyAdd treats two
// folders with no digest to compare as the same resource, not a
// conflict); the two differently-named files underneath never collide
// and both land on both sides under the one merged directory.
func TestScenarioCaseFoldedDirectoriesMergeWithoutConflict(t *testing.T) {
	h := newScenarioHarness(t, pathnorm.Darwin)
	ctx := context.Background()

	localDir, err := h.local.MkdirAll(ctx, "JOHN")
	require.NoError(t, err)
	_, err = h.merger.LocalAddDir(ctx, merger.Event{Path: "JOHN", Ino: localDir.Ino})
	require.NoError(t, err)

	localFile, err := h.local.WriteFile(ctx, "JOHN/a.txt", stringsReader("a"), false)
	require.NoError(t, err)
	_, err = h.merger.LocalAddFile(ctx, merger.Event{Path: "JOHN/a.txt", Digest: digestOf("a"), Size: 1, Ino: localFile.Ino})
	require.NoError(t, err)

	remoteDir, err := h.remote.MkdirAll(ctx, "john")
	require.NoError(t, err)
	outcome, err := h.merger.RemoteAddDir(ctx, merger.Event{Path: "john", RemoteID: remoteDir.RemoteID, RemoteRev: remoteDir.RemoteRev})
	require.NoError(t, err)
	require.Nil(t, outcome.Conflict, "folding the same folder id twice acknowledges, it does not conflict")

	remoteFile, err := h.remote.WriteFile(ctx, "john/b.txt", stringsReader("b"), false)
	require.NoError(t, err)
	_, err = h.merger.RemoteAddFile(ctx, merger.Event{Path: "john/b.txt", Digest: digestOf("b"), Size: 1, RemoteID: remoteFile.RemoteID, RemoteRev: remoteFile.RemoteRev})
	require.NoError(t, err)

	h.converge()

	require.ElementsMatch(t, []string{"JOHN", "JOHN/a.txt", "john/b.txt"}, h.local.Paths())
	require.ElementsMatch(t, []string{"john", "JOHN/a.txt", "john/b.txt"}, h.remote.Paths())
}

// both sides create the same document independently before either
// has seen the other's side (the "offline edit, reconnect later" case:
// from the catalog's point of view a divergent concurrent add and a
// divergent concurrent edit reach the same outcome, so an add models it
// just as well and more deterministically). The second side's content
// is conflict-renamed into a sibling document rather than overwriting
// the first side's canonical copy; the executor then delivers the
// canonical content to the late side and the conflict sibling back to
// the early side, so both sides end up holding both files.
func TestScenarioOfflineEditThenReconnect(t *testing.T) {
	h := newScenarioHarness(t, pathnorm.Linux)
	ctx := context.Background()

	_, err := h.local.WriteFile(ctx, "doc", stringsReader("local edit"), false)
	require.NoError(t, err)
	_, err = h.merger.LocalAddFile(ctx, merger.Event{Path: "doc", Digest: digestOf("local edit"), Size: 10})
	require.NoError(t, err)

	_, err = h.remote.WriteFile(ctx, "doc", stringsReader("remote edit"), false)
	require.NoError(t, err)
	outcome, err := h.merger.RemoteAddFile(ctx, merger.Event{Path: "doc", Digest: digestOf("remote edit"), Size: 11})
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict, "a genuine concurrent edit produces a conflict sibling")
	conflictPath := outcome.Conflict.Path
	require.Contains(t, conflictPath, "doc-conflict-")

	// The remote side now needs to relocate the resource it just wrote
	// at "doc" to the conflict name the merger assigned it, the same
	// way a local conflict would be applied by whichever side lost the
	// naming race; the merger only rewrites the catalog; it never lays
	// hands on the side's actual content.
	require.NoError(t, h.remote.Rename(ctx, "doc", conflictPath))

	h.converge()

	assertContent(t, ctx, h.local, "doc", "local edit")
	assertContent(t, ctx, h.remote, "doc", "local edit")
	assertContent(t, ctx, h.local, conflictPath, "remote edit")
	assertContent(t, ctx, h.remote, conflictPath, "remote edit")
}

func stringsReader(s string) io.Reader {
	return bytes.NewReader([]byte(s))
}

func assertContent(t *testing.T, ctx context.Context, s *memside.Side, path, want string) {
	t.Helper()
	rc, err := s.ReadFile(ctx, path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, want, string(data))
}
