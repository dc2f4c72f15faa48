package pathlock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryLockExcludesSecondCaller(t *testing.T) {
	table := New()

	unlock, ok := table.TryLock("a")
	require.True(t, ok)

	_, ok = table.TryLock("a")
	require.False(t, ok)

	unlock()

	unlock2, ok := table.TryLock("a")
	require.True(t, ok)
	unlock2()
}

func TestTryLockAllRollsBackOnPartialFailure(t *testing.T) {
	table := New()

	holder, ok := table.TryLock("b")
	require.True(t, ok)
	defer holder()

	_, ok = table.TryLockAll([]string{"a", "b", "c"})
	require.False(t, ok)

	// "a" and "c" must have been released by the rollback.
	unlockA, ok := table.TryLock("a")
	require.True(t, ok)
	unlockA()

	unlockC, ok := table.TryLock("c")
	require.True(t, ok)
	unlockC()
}

func TestLockBlocksUntilReleased(t *testing.T) {
	table := New()
	unlock := table.Lock("x")

	done := make(chan struct{})
	go func() {
		u := table.Lock("x")
		u()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Lock should not have succeeded while first is held")
	default:
	}

	unlock()
	<-done
}
