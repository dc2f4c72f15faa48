// Package state provides generic, allocation-light primitives for
// broadcasting "something changed" to a set of long-polling readers.
// synccore.Core uses Tracker to let a shell-side status call block until
// the next burst of progress events or running-state transition instead of
// spinning on a channel of its own.
package state

import (
	"context"
	"errors"
	"sync"
)

// ErrTrackingTerminated indicates that tracking was terminated before a
// polling operation saw any changes.
var ErrTrackingTerminated = errors.New("tracking terminated")

// Tracker broadcasts state changes to long-polling readers through a
// monotonically increasing state index. synccore.Core bumps it on every
// Start/Stop transition, on initial-scan completion, and on each
// coalesced burst of executor progress events; a shell's status command
// long-polls WaitForChange instead of re-querying on a fixed interval.
type Tracker struct {
	mu sync.Mutex
	// index is the current state index. It starts at 1 so that 0 can
	// serve as WaitForChange's "read immediately" sentinel.
	index uint64
	// terminated records that Terminate has been called.
	terminated bool
	// changed is closed and replaced on every index bump, waking every
	// reader blocked on the previous generation. After termination it
	// stays closed so late readers fall straight through.
	changed chan struct{}
}

// NewTracker creates a tracker with a state index of 1.
func NewTracker() *Tracker {
	return &Tracker{
		index:   1,
		changed: make(chan struct{}),
	}
}

// NotifyOfChange advances the state index and wakes all waiting
// readers. After Terminate it is a no-op.
func (t *Tracker) NotifyOfChange() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return
	}
	t.index++
	if t.index == 0 {
		// Wrapped; keep 0 reserved as the immediate-read sentinel.
		t.index = 1
	}
	close(t.changed)
	t.changed = make(chan struct{})
}

// Terminate wakes every current and future reader with
// ErrTrackingTerminated. It is idempotent.
func (t *Tracker) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return
	}
	t.terminated = true
	close(t.changed)
}

// WaitForChange blocks until the state index differs from
// previousIndex, returning the index at which the change was seen. A
// previousIndex of 0 returns the current index (always greater than 0)
// immediately. If tracking is terminated before a change is seen, the
// current index is returned with ErrTrackingTerminated; if ctx is
// canceled first, the current index is returned with ctx's error.
func (t *Tracker) WaitForChange(ctx context.Context, previousIndex uint64) (uint64, error) {
	for {
		t.mu.Lock()
		index, terminated, changed := t.index, t.terminated, t.changed
		t.mu.Unlock()

		if terminated {
			return index, ErrTrackingTerminated
		}
		if previousIndex == 0 || index != previousIndex {
			return index, nil
		}

		select {
		case <-ctx.Done():
			return index, ctx.Err()
		case <-changed:
		}
	}
}
