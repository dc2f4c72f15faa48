//go:build !windows

package local

import (
	"os"
	"syscall"
)

// inode extracts the platform inode/file-id used to reconstruct moves.
func inode(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(stat.Ino), true
}

// ensureTrash creates the POSIX trash directory. No special ACL
// handling is needed on POSIX platforms; ownership/mode follow the
// sync root's own permissions.
func (l *Local) ensureTrash() error {
	return os.MkdirAll(l.trashDir(), 0o755)
}
