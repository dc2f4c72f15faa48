package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// trackerTestTimeout bounds how long a test waits for a blocked reader
// to wake before declaring the broadcast lost.
const trackerTestTimeout = 1 * time.Second

type waitResult struct {
	index uint64
	err   error
}

func waitInBackground(t *Tracker, ctx context.Context, previousIndex uint64) <-chan waitResult {
	results := make(chan waitResult, 1)
	go func() {
		index, err := t.WaitForChange(ctx, previousIndex)
		results <- waitResult{index: index, err: err}
	}()
	return results
}

func TestTrackerZeroIndexReadsImmediately(t *testing.T) {
	tracker := NewTracker()
	defer tracker.Terminate()

	index, err := tracker.WaitForChange(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), index)
}

func TestTrackerWaiterWakesOnNotify(t *testing.T) {
	tracker := NewTracker()
	defer tracker.Terminate()

	results := waitInBackground(tracker, context.Background(), 1)
	tracker.NotifyOfChange()

	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.Equal(t, uint64(2), r.index)
	case <-time.After(trackerTestTimeout):
		t.Fatal("waiter never woke after a change notification")
	}
}

func TestTrackerWaiterSeesCancellation(t *testing.T) {
	tracker := NewTracker()
	defer tracker.Terminate()

	ctx, cancel := context.WithCancel(context.Background())
	results := waitInBackground(tracker, ctx, 1)
	cancel()

	select {
	case r := <-results:
		require.ErrorIs(t, r.err, context.Canceled)
		require.Equal(t, uint64(1), r.index, "cancellation must not invent a state change")
	case <-time.After(trackerTestTimeout):
		t.Fatal("waiter never woke after cancellation")
	}
}

func TestTrackerTerminateUnblocksWaiters(t *testing.T) {
	tracker := NewTracker()

	results := waitInBackground(tracker, context.Background(), 1)
	tracker.Terminate()

	select {
	case r := <-results:
		require.ErrorIs(t, r.err, ErrTrackingTerminated)
		require.Equal(t, uint64(1), r.index)
	case <-time.After(trackerTestTimeout):
		t.Fatal("waiter never woke after termination")
	}

	// Late arrivals fall straight through too, and further notifies
	// are no-ops.
	tracker.NotifyOfChange()
	index, err := tracker.WaitForChange(context.Background(), 1)
	require.ErrorIs(t, err, ErrTrackingTerminated)
	require.Equal(t, uint64(1), index)
}
