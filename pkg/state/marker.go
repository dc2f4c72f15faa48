package state

import (
	"sync/atomic"
)

// Marker is a one-way boolean flag, safe for concurrent use and cheap
// enough for hot paths. The zero value is unmarked. synccore.Core
// flips one after its first successful initial scan, so status readers
// can distinguish "still on the first pass" from "caught up" without
// taking any lock.
type Marker struct {
	// storage is the underlying flag storage.
	storage atomic.Bool
}

// Mark idempotently sets the marker.
func (m *Marker) Mark() {
	m.storage.Store(true)
}

// Marked reports whether Mark has been called.
func (m *Marker) Marked() bool {
	return m.storage.Load()
}
