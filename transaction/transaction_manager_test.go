package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/hypostats/common"
)

type recordingTarget struct {
	calls []CleanupType
	rids  []common.RecordID
}

func (r *recordingTarget) Invoke(opType CleanupType, _ []byte, rid common.RecordID) {
	r.calls = append(r.calls, opType)
	r.rids = append(r.rids, rid)
}

func TestTransactionContext_ReentrantLocks(t *testing.T) {
	tm := NewTransactionManager(NewLockManager(), nil)
	txn := tm.Begin()
	tag := NewRelationLockTag(1259)

	require.NoError(t, txn.AcquireLock(tag, AccessShareLock))
	require.NoError(t, txn.AcquireLock(tag, AccessShareLock))
	require.NoError(t, txn.AcquireLock(tag, RowExclusiveLock))
	assert.Equal(t, 3, txn.NumHeldLocks())

	txn.ReleaseLock(tag, AccessShareLock)
	assert.True(t, txn.HoldsLock(tag, AccessShareLock))
	assert.True(t, tm.LockManager().LockHeld(tag))

	txn.ReleaseLock(tag, AccessShareLock)
	txn.ReleaseLock(tag, RowExclusiveLock)
	assert.Equal(t, 0, txn.NumHeldLocks())
	assert.False(t, tm.LockManager().LockHeld(tag))
	assert.Panics(t, func() { txn.ReleaseLock(tag, RowExclusiveLock) })

	tm.Commit(txn)
}

func TestTransactionContext_NoLockIsFree(t *testing.T) {
	tm := NewTransactionManager(NewLockManager(), nil)
	txn := tm.Begin()
	tag := NewRelationLockTag(1259)

	require.NoError(t, txn.AcquireLock(tag, NoLock))
	txn.ReleaseLock(tag, NoLock)
	assert.Equal(t, 0, txn.NumHeldLocks())
	assert.False(t, tm.LockManager().LockHeld(tag))
	tm.Commit(txn)
}

func TestTransactionManager_AbortRunsUndoInReverse(t *testing.T) {
	tm := NewTransactionManager(NewLockManager(), nil)
	txn := tm.Begin()
	target := &recordingTarget{}
	first := common.RecordID{PageID: common.PageID{Oid: 1}, Slot: 1}
	second := common.RecordID{PageID: common.PageID{Oid: 1}, Slot: 2}

	txn.AddCleanup(CleanupTask{Target: target, Type: CleanupTypeUndoInsert, RID: first})
	txn.AddCleanup(CleanupTask{Target: target, Type: CleanupTypeUndoDelete, RID: second})
	require.NoError(t, txn.AcquireLock(NewRelationLockTag(1), RowExclusiveLock))

	tm.Abort(txn)
	assert.Equal(t, []CleanupType{CleanupTypeUndoDelete, CleanupTypeUndoInsert}, target.calls)
	assert.Equal(t, []common.RecordID{second, first}, target.rids)
	assert.False(t, tm.LockManager().LockHeld(NewRelationLockTag(1)))
	assert.Empty(t, tm.ActiveTransactions())
}

func TestTransactionManager_CommitKeepsChanges(t *testing.T) {
	tm := NewTransactionManager(NewLockManager(), nil)
	txn := tm.Begin()
	id := txn.ID()
	assert.NotEqual(t, common.InvalidTransactionID, id)
	assert.Equal(t, []common.TransactionID{id}, tm.ActiveTransactions())

	target := &recordingTarget{}
	txn.AddCleanup(CleanupTask{Target: target, Type: CleanupTypeUndoInsert})
	tm.Commit(txn)
	assert.Empty(t, target.calls)
	assert.Empty(t, tm.ActiveTransactions())

	next := tm.Begin()
	assert.Greater(t, next.ID(), id)
	assert.Equal(t, 0, next.NumCleanups())
	tm.Commit(next)
}
