// Package localwatch implements the local watcher: it normalizes raw
// OS filesystem notifications into the add/update/move/trash event
// stream pkg/merger consumes, reconstructing moves from the unordered
// create/remove mix most platforms actually deliver.
package localwatch

import "time"

// rawKind distinguishes the two raw observations the aggregation window
// pairs into higher-level events. fsnotify's own Write/Chmod ops are
// folded into rawCreated by the caller (a content change looks the same
// as a fresh create for pairing purposes; the distinction resurfaces
// only in whether the path was already known).
type rawKind int

const (
	rawCreated rawKind = iota
	rawRemoved
)

// rawEvent is one raw filesystem observation, stat'd (for creates) or
// recalled from the watcher's last-known-state cache (for removes)
// before being buffered for the aggregation window.
type rawEvent struct {
	kind       rawKind
	path       string
	ino        uint64
	isDir      bool
	digest     string // files only
	size       int64
	modTime    time.Time
	executable bool
}
