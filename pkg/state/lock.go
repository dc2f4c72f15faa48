package state

import (
	"sync"
)

// TrackingLock is a mutex whose Unlock doubles as a change
// notification. synccore.Core guards its running/cancel pair with one
// so that every Start/Stop transition wakes long-polling status readers
// as a side effect of releasing the lock, rather than through a
// separate paired call the critical section could forget.
type TrackingLock struct {
	// lock is the underlying mutex.
	lock sync.Mutex
	// tracker receives a change notification on every Unlock.
	tracker *Tracker
}

// NewTrackingLock creates a tracking lock that notifies tracker on
// each Unlock.
func NewTrackingLock(tracker *Tracker) *TrackingLock {
	return &TrackingLock{
		tracker: tracker,
	}
}

// Lock locks the underlying mutex.
func (l *TrackingLock) Lock() {
	l.lock.Lock()
}

// Unlock unlocks the underlying mutex and notifies the tracker that
// the guarded state may have changed.
func (l *TrackingLock) Unlock() {
	l.lock.Unlock()
	l.tracker.NotifyOfChange()
}

// UnlockWithoutNotify unlocks the underlying mutex without notifying
// the tracker, for read-only and early-return paths that changed
// nothing worth waking a poller for.
func (l *TrackingLock) UnlockWithoutNotify() {
	l.lock.Unlock()
}
