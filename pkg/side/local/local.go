// Package local implements the local-filesystem Side capability:
// writes are staged through a temporary directory and atomically
// renamed into place, and trashed resources land under the sync root's
// own trash directory.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/checksum"
	"github.com/cozy-labs/synccore/pkg/side"
)

// stabilizeInterval and stabilizeAttempts bound how long Stable waits
// for a file to stop changing before the Executor gives up and retries
// the transfer later as a transient failure.
const (
	stabilizeInterval = 200 * time.Millisecond
	stabilizeAttempts = 10
)

// StagingDirName is the directory, relative to the sync root, used to
// stage in-progress downloads so that a crash mid-write never leaves a
// partial file at its final path. It is exported so pkg/localwatch can
// skip it while walking the tree.
const StagingDirName = ".cozy-sync-tmp"

// TrashDirName is the POSIX trash directory name, exported for the same
// reason as StagingDirName.
const TrashDirName = ".Trash"

// Local is the local-filesystem Side.
type Local struct {
	// Root is the absolute host path to the synchronized directory.
	Root string
}

// New constructs a Local side rooted at root, ensuring the staging and
// trash directories exist.
func New(root string) (*Local, error) {
	l := &Local{Root: root}
	if err := os.MkdirAll(l.stagingDir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "local: creating staging directory")
	}
	if err := l.ensureTrash(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Local) stagingDir() string {
	return filepath.Join(l.Root, StagingDirName)
}

func (l *Local) trashDir() string {
	return filepath.Join(l.Root, TrashDirName)
}

func (l *Local) hostPath(canonicalPath string) string {
	return filepath.Join(l.Root, filepath.FromSlash(canonicalPath))
}

// Which implements side.Side.
func (l *Local) Which() catalog.Side { return catalog.SideLocal }

// Stat implements side.Side.
func (l *Local) Stat(ctx context.Context, path string) (side.Info, error) {
	info, err := os.Stat(l.hostPath(path))
	if os.IsNotExist(err) {
		return side.Info{}, side.ErrNotExist
	} else if err != nil {
		return side.Info{}, errors.Wrap(err, "local: stat")
	}

	result := side.Info{
		IsDir:      info.IsDir(),
		Size:       info.Size(),
		ModTime:    info.ModTime(),
		Executable: !info.IsDir() && info.Mode()&0o111 != 0,
	}
	if ino, ok := inode(info); ok {
		result.Ino = ino
	}
	return result, nil
}

// ReadFile implements side.Side.
func (l *Local) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(l.hostPath(path))
	if os.IsNotExist(err) {
		return nil, side.ErrNotExist
	} else if err != nil {
		return nil, errors.Wrap(err, "local: open")
	}
	return f, nil
}

// WriteFile implements side.Side, writing and fsyncing into a staging
// file first so the final path only ever holds complete content.
func (l *Local) WriteFile(ctx context.Context, path string, content io.Reader, executable bool) (side.Info, error) {
	finalPath := l.hostPath(path)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return side.Info{}, errors.Wrap(err, "local: creating parent directory")
	}

	staged := filepath.Join(l.stagingDir(), stagingName(path))
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}

	f, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return side.Info{}, errors.Wrap(err, "local: creating staging file")
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(staged)
		return side.Info{}, errors.Wrap(err, "local: writing staging file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(staged)
		return side.Info{}, errors.Wrap(err, "local: fsync staging file")
	}
	if err := f.Close(); err != nil {
		os.Remove(staged)
		return side.Info{}, errors.Wrap(err, "local: closing staging file")
	}

	if err := os.Rename(staged, finalPath); err != nil {
		os.Remove(staged)
		return side.Info{}, errors.Wrap(err, "local: renaming staged file into place")
	}

	return l.Stat(ctx, path)
}

// MkdirAll implements side.Side.
func (l *Local) MkdirAll(ctx context.Context, path string) (side.Info, error) {
	if err := os.MkdirAll(l.hostPath(path), 0o755); err != nil {
		return side.Info{}, errors.Wrap(err, "local: mkdir")
	}
	return l.Stat(ctx, path)
}

// Rename implements side.Side.
func (l *Local) Rename(ctx context.Context, oldPath, newPath string) error {
	newHost := l.hostPath(newPath)
	if err := os.MkdirAll(filepath.Dir(newHost), 0o755); err != nil {
		return errors.Wrap(err, "local: creating destination parent")
	}
	if err := os.Rename(l.hostPath(oldPath), newHost); err != nil {
		return errors.Wrap(err, "local: rename")
	}
	return nil
}

// Trash implements side.Side, moving path under <root>/.Trash while
// preserving its relative structure.
func (l *Local) Trash(ctx context.Context, path string) error {
	dest := filepath.Join(l.trashDir(), filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "local: preparing trash destination")
	}
	if err := os.Rename(l.hostPath(path), dest); err != nil {
		return errors.Wrap(err, "local: moving to trash")
	}
	return nil
}

// Restore implements side.Side, reversing a prior Trash.
func (l *Local) Restore(ctx context.Context, path string) error {
	src := filepath.Join(l.trashDir(), filepath.FromSlash(path))
	dest := l.hostPath(path)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "local: preparing restore destination")
	}
	if err := os.Rename(src, dest); err != nil {
		return errors.Wrap(err, "local: restoring from trash")
	}
	return nil
}

// Remove implements side.Side.
func (l *Local) Remove(ctx context.Context, path string) error {
	err := os.RemoveAll(l.hostPath(path))
	if err != nil {
		return errors.Wrap(err, "local: remove")
	}
	return nil
}

// Stable implements side.Stabilizer: it waits for path's size and
// modification time to stop changing across consecutive stats before
// the Executor reads it for upload, so a digest is never computed (and
// no content is ever shipped) from a file a local writer still has
// open.
func (l *Local) Stable(ctx context.Context, path string) (bool, error) {
	return checksum.Stable(ctx, l.hostPath(path), stabilizeInterval, stabilizeAttempts)
}

func stagingName(canonicalPath string) string {
	return fmt.Sprintf("%x-%d", []byte(canonicalPath), time.Now().UnixNano())
}

var (
	_ side.Side       = (*Local)(nil)
	_ side.Stabilizer = (*Local)(nil)
)
