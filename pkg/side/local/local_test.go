package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/synccore/pkg/side"
)

func TestWriteFileThenReadBack(t *testing.T) {
	root := t.TempDir()
	l, err := New(root)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = l.WriteFile(ctx, "dir/file.txt", strings.NewReader("hello"), false)
	require.NoError(t, err)

	rc, err := l.ReadFile(ctx, "dir/file.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	// No leftover staging files.
	entries, err := os.ReadDir(l.stagingDir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRenameAndTrash(t *testing.T) {
	root := t.TempDir()
	l, err := New(root)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.WriteFile(ctx, "a.txt", strings.NewReader("x"), false)
	require.NoError(t, err)

	require.NoError(t, l.Rename(ctx, "a.txt", "b.txt"))
	_, err = l.Stat(ctx, "a.txt")
	require.ErrorIs(t, err, side.ErrNotExist)

	require.NoError(t, l.Trash(ctx, "b.txt"))
	_, err = os.Stat(filepath.Join(root, TrashDirName, "b.txt"))
	require.NoError(t, err)

	require.NoError(t, l.Restore(ctx, "b.txt"))
	_, err = l.Stat(ctx, "b.txt")
	require.NoError(t, err)
}
