package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/merger"
	"github.com/cozy-labs/synccore/pkg/pathlock"
	"github.com/cozy-labs/synccore/pkg/pathnorm"
	"github.com/cozy-labs/synccore/pkg/side"
	"github.com/cozy-labs/synccore/pkg/side/memside"
)

func newTestExecutor(t *testing.T) (*Executor, catalog.Store, *merger.Merger, *memside.Side, *memside.Side) {
	t.Helper()
	store, err := catalog.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	local := memside.New(catalog.SideLocal)
	remote := memside.New(catalog.SideRemote)
	locks := pathlock.New()
	m := merger.New(store, locks, pathnorm.Linux)
	e := New(store, local, remote, locks, nil, nil, nil)
	return e, store, m, local, remote
}

func TestOrderForDispatchParentsBeforeChildrenDeletesReversed(t *testing.T) {
	docs := []catalog.Document{
		{ID: "c", Path: "a/b/c.txt", Seq: 3},
		{ID: "a", Path: "a", Seq: 1},
		{ID: "b", Path: "a/b", Seq: 2},
	}
	ordered := orderForDispatch(docs)
	require.Equal(t, []string{"a", "a/b", "a/b/c.txt"}, []string{
		ordered[0].Path, ordered[1].Path, ordered[2].Path,
	})

	deletes := []catalog.Document{
		{ID: "a", Path: "a", Deleted: true, Seq: 1},
		{ID: "c", Path: "a/b/c.txt", Deleted: true, Seq: 3},
		{ID: "b", Path: "a/b", Deleted: true, Seq: 2},
	}
	ordered = orderForDispatch(deletes)
	require.Equal(t, []string{"a/b/c.txt", "a/b", "a"}, []string{
		ordered[0].Path, ordered[1].Path, ordered[2].Path,
	})
}

func TestProcessTransfersNewLocalFileToRemote(t *testing.T) {
	e, store, m, local, _ := newTestExecutor(t)
	ctx := context.Background()

	_, err := local.WriteFile(ctx, "hello.txt", strings.NewReader("hi"), false)
	require.NoError(t, err)

	_, err = m.Apply(ctx, catalog.SideLocal, merger.Event{
		Kind: merger.KindAddFile, Path: "hello.txt", Digest: "x", Size: 2,
	})
	require.NoError(t, err)

	doc, err := store.ByPath(ctx, "hello.txt")
	require.NoError(t, err)
	require.NoError(t, e.process(ctx, doc))

	info, err := e.Remote.Stat(ctx, "hello.txt")
	require.NoError(t, err)
	require.False(t, info.IsDir)

	after, err := store.ByPath(ctx, "hello.txt")
	require.NoError(t, err)
	require.True(t, after.UpToDate())
}

func TestProcessAppliesMkdirOnBothSides(t *testing.T) {
	e, store, m, _, _ := newTestExecutor(t)
	ctx := context.Background()

	_, err := m.Apply(ctx, catalog.SideLocal, merger.Event{Kind: merger.KindAddDir, Path: "folder"})
	require.NoError(t, err)

	doc, err := store.ByPath(ctx, "folder")
	require.NoError(t, err)
	require.NoError(t, e.process(ctx, doc))

	_, err = e.Remote.Stat(ctx, "folder")
	require.NoError(t, err)
}

func TestHandleFailureRetriesTransientThenParksAtMaxAttempts(t *testing.T) {
	e, _, _, _, _ := newTestExecutor(t)
	ctx := context.Background()
	doc := catalog.Document{ID: "x", Path: "x", Rev: 1}

	require.NoError(t, e.handleFailure(ctx, doc, catalog.SideRemote, side.ErrNotExist))
	require.Equal(t, side.ClassTransient, side.Classify(side.ErrNotExist))

	for i := 0; i < defaultMaxAttempts-1; i++ {
		require.NoError(t, e.handleFailure(ctx, doc, catalog.SideRemote, side.ErrNotExist))
	}
	require.True(t, e.parked.isParked(doc.ID, doc.Rev))
}

func TestAdvanceSideCarriesForwardAlreadySyncedSide(t *testing.T) {
	e, store, _, _, _ := newTestExecutor(t)
	ctx := context.Background()

	doc, err := store.Put(ctx, catalog.Document{
		ID: "f", Path: "f", DocType: catalog.File,
		Sides: catalog.Sides{Local: 1, Remote: 1}, MD5Sum: "abc",
	})
	require.NoError(t, err)

	// Simulate a local update bumping Rev to 2 while only Local reflects it.
	bumped, err := store.Put(ctx, catalog.Document{
		ID: doc.ID, Path: doc.Path, DocType: doc.DocType,
		Rev: doc.Rev, Sides: catalog.Sides{Local: doc.Rev + 1, Remote: doc.Rev}, MD5Sum: "def",
	})
	require.NoError(t, err)
	require.True(t, bumped.Sides.Dirty(bumped.Rev))

	stored, err := e.advanceSide(ctx, bumped, catalog.SideRemote)
	require.NoError(t, err)
	require.True(t, stored.UpToDate())
}
