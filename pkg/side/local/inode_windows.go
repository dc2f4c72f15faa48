//go:build windows

package local

import (
	"os"

	"github.com/hectane/go-acl"
	"github.com/pkg/errors"
)

// inode is unavailable without an open file handle on Windows (the
// os.FileInfo returned by os.Stat doesn't expose the NTFS file id), so
// the local side falls back to path+digest move matching on this
// platform.
func inode(info os.FileInfo) (uint64, bool) {
	return 0, false
}

// ensureTrash creates the synthesized trash directory and grants the
// owning user full control, since os.MkdirAll alone does not set an
// inheritable ACL on Windows and the directory otherwise inherits
// whatever (possibly restrictive) ACL its parent has.
func (l *Local) ensureTrash() error {
	if err := os.MkdirAll(l.trashDir(), 0o755); err != nil {
		return err
	}
	if err := acl.Chmod(l.trashDir(), 0o700); err != nil {
		return errors.Wrap(err, "local: setting trash directory ACL")
	}
	return nil
}
