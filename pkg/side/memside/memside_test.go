package memside

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/synccore/pkg/catalog"
)

func TestWriteStatReadRoundTrip(t *testing.T) {
	s := New(catalog.SideLocal)
	ctx := context.Background()

	info, err := s.WriteFile(ctx, "foo.txt", strings.NewReader("hello"), false)
	require.NoError(t, err)
	require.Equal(t, int64(5), info.Size)

	rc, err := s.ReadFile(ctx, "foo.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	require.Equal(t, []string{"foo.txt"}, s.Paths())
}

func TestTrashAndRestore(t *testing.T) {
	s := New(catalog.SideRemote)
	ctx := context.Background()

	_, err := s.WriteFile(ctx, "foo.txt", strings.NewReader("x"), false)
	require.NoError(t, err)

	require.NoError(t, s.Trash(ctx, "foo.txt"))
	require.Empty(t, s.Paths())
	require.Equal(t, []string{"foo.txt"}, s.TrashedPaths())

	require.NoError(t, s.Restore(ctx, "foo.txt"))
	require.Equal(t, []string{"foo.txt"}, s.Paths())
}

func TestListChangesAdvancesCursor(t *testing.T) {
	s := New(catalog.SideRemote)
	ctx := context.Background()

	_, err := s.WriteFile(ctx, "a.txt", strings.NewReader("a"), false)
	require.NoError(t, err)
	_, err = s.WriteFile(ctx, "b.txt", strings.NewReader("b"), false)
	require.NoError(t, err)

	batch, err := s.ListChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batch.Changes, 2)
	require.Equal(t, uint64(2), batch.LastSeq)

	empty, err := s.ListChanges(ctx, batch.LastSeq)
	require.NoError(t, err)
	require.Empty(t, empty.Changes)
}
