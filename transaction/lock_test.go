package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/hypostats/common"
)

func TestLockModes_ConflictTableIsSymmetric(t *testing.T) {
	for a := NoLock; a <= AccessExclusiveLock; a++ {
		for b := NoLock; b <= AccessExclusiveLock; b++ {
			assert.Equal(t, Conflicts(a, b), Conflicts(b, a), "%s vs %s", a, b)
		}
	}
	assert.False(t, Conflicts(AccessShareLock, RowExclusiveLock))
	assert.False(t, Conflicts(RowExclusiveLock, RowExclusiveLock))
	assert.True(t, Conflicts(ShareLock, RowExclusiveLock))
	assert.False(t, Conflicts(ShareLock, ShareLock))
	assert.True(t, Conflicts(ShareRowExclusiveLock, ShareRowExclusiveLock))
	assert.True(t, Conflicts(AccessExclusiveLock, AccessShareLock))
}

func TestLockModes_AllowsWrites(t *testing.T) {
	assert.False(t, AccessShareLock.AllowsWrites())
	assert.False(t, RowShareLock.AllowsWrites())
	assert.False(t, ShareLock.AllowsWrites())
	assert.True(t, RowExclusiveLock.AllowsWrites())
	assert.True(t, ShareRowExclusiveLock.AllowsWrites())
	assert.True(t, AccessExclusiveLock.AllowsWrites())
}

func TestLockManager_CompatibleModesShare(t *testing.T) {
	lm := NewLockManager()
	tag := NewRelationLockTag(1259)

	require.NoError(t, lm.Lock(1, tag, AccessShareLock))
	require.NoError(t, lm.Lock(2, tag, RowExclusiveLock))
	assert.True(t, lm.LockHeld(tag))
	assert.Equal(t, []LockMode{RowExclusiveLock}, lm.HeldModes(2, tag))

	lm.Unlock(1, tag, AccessShareLock)
	lm.Unlock(2, tag, RowExclusiveLock)
	assert.False(t, lm.LockHeld(tag))
}

func TestLockManager_OwnLocksNeverConflict(t *testing.T) {
	lm := NewLockManager()
	tag := NewRelationLockTag(1259)

	require.NoError(t, lm.Lock(5, tag, RowExclusiveLock))
	require.NoError(t, lm.Lock(5, tag, ShareLock))
	require.NoError(t, lm.Lock(5, tag, AccessExclusiveLock))
	assert.Len(t, lm.HeldModes(5, tag), 3)

	lm.Unlock(5, tag, AccessExclusiveLock)
	lm.Unlock(5, tag, ShareLock)
	lm.Unlock(5, tag, RowExclusiveLock)
	assert.False(t, lm.LockHeld(tag))
}

func TestLockManager_WaitDie(t *testing.T) {
	lm := NewLockManager()
	tag := NewRelationLockTag(3381)

	require.NoError(t, lm.Lock(1, tag, ShareLock))

	// Younger requester dies instead of waiting
	err := lm.Lock(2, tag, RowExclusiveLock)
	require.Error(t, err)
	assert.True(t, common.HasCode(err, common.DeadlockError))
	assert.Nil(t, lm.HeldModes(2, tag))

	lm.Unlock(1, tag, ShareLock)
	assert.False(t, lm.LockHeld(tag))
}

func TestLockManager_OlderWaitsForYounger(t *testing.T) {
	lm := NewLockManager()
	tag := NewRelationLockTag(3381)

	require.NoError(t, lm.Lock(2, tag, AccessExclusiveLock))

	var granted sync.WaitGroup
	granted.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer granted.Done()
		assert.NoError(t, lm.Lock(1, tag, AccessShareLock))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("reader was granted while an exclusive lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	lm.Unlock(2, tag, AccessExclusiveLock)
	granted.Wait()
	assert.Equal(t, []LockMode{AccessShareLock}, lm.HeldModes(1, tag))
	lm.Unlock(1, tag, AccessShareLock)
	assert.False(t, lm.LockHeld(tag))
}

func TestLockManager_UnlockNotHeldPanics(t *testing.T) {
	lm := NewLockManager()
	tag := NewRelationLockTag(7)
	require.NoError(t, lm.Lock(1, tag, AccessShareLock))
	assert.Panics(t, func() { lm.Unlock(1, tag, RowExclusiveLock) })
	assert.Panics(t, func() { lm.Lock(1, tag, NoLock) })
}

func TestLockManager_ConcurrentReadersAndWriters(t *testing.T) {
	lm := NewLockManager()
	tag := NewRelationLockTag(42)
	const workers = 16

	var wg sync.WaitGroup
	var deadlocks sync.Map
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(tid common.TransactionID) {
			defer wg.Done()
			mode := AccessShareLock
			if tid%4 == 0 {
				mode = ShareRowExclusiveLock
			}
			for round := 0; round < 50; round++ {
				if err := lm.Lock(tid, tag, mode); err != nil {
					deadlocks.Store(tid, true)
					continue
				}
				lm.Unlock(tid, tag, mode)
			}
		}(common.TransactionID(i))
	}
	wg.Wait()
	assert.False(t, lm.LockHeld(tag))
}
