package checksum

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDigestMatchesKnownValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	sum := md5.Sum([]byte("hello"))
	expected := base64.StdEncoding.EncodeToString(sum[:])

	got, err := Digest(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, expected, got)
}

func TestDigestMissingFile(t *testing.T) {
	_, err := Digest(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	var ioErr *IoError
	require.ErrorAs(t, err, &ioErr)
}

func TestStableDetectsUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	stable, err := Stable(context.Background(), path, 5*time.Millisecond, 2)
	require.NoError(t, err)
	require.True(t, stable)
}
