package transaction

import (
	"github.com/google/uuid"
	"mit.edu/dsg/hypostats/common"
)

// TransactionContext holds the runtime state of a single unit of work: the relation locks it holds and the undo
// actions to run if it aborts.
type TransactionContext struct {
	id  common.TransactionID
	tag uuid.UUID
	lm  *LockManager

	// heldLocks counts acquisitions per relation and mode. Only the first acquisition of a mode reaches the lock
	// manager and only the last release gives it back.
	heldLocks map[DBLockTag]*[NumLockModes]int

	// cleanupStack holds in-memory undo actions, run in reverse order on abort.
	cleanupStack []CleanupTask
}

// ID returns the transaction id. Older transactions have smaller ids.
func (txn *TransactionContext) ID() common.TransactionID {
	return txn.id
}

// Tag returns the correlation id of the unit of work, used in logs.
func (txn *TransactionContext) Tag() uuid.UUID {
	return txn.tag
}

// AddCleanup registers an action to be executed if the transaction aborts.
func (txn *TransactionContext) AddCleanup(task CleanupTask) {
	txn.cleanupStack = append(txn.cleanupStack, task)
}

// NumCleanups returns the number of undo actions registered so far.
func (txn *TransactionContext) NumCleanups() int {
	return len(txn.cleanupStack)
}

// AcquireLock acquires mode on the relation, blocking until it is granted. Acquiring a mode the transaction
// already holds only bumps a counter. NoLock acquires nothing.
func (txn *TransactionContext) AcquireLock(tag DBLockTag, mode LockMode) error {
	if mode == NoLock {
		return nil
	}
	counts, ok := txn.heldLocks[tag]
	if ok && counts[mode] > 0 {
		counts[mode]++
		return nil
	}
	if err := txn.lm.Lock(txn.id, tag, mode); err != nil {
		return err
	}
	if !ok {
		counts = new([NumLockModes]int)
		txn.heldLocks[tag] = counts
	}
	counts[mode]++
	return nil
}

// ReleaseLock gives back one acquisition of mode on the relation. Releasing a lock that is not held is an
// assertion failure. NoLock releases nothing.
func (txn *TransactionContext) ReleaseLock(tag DBLockTag, mode LockMode) {
	if mode == NoLock {
		return
	}
	counts, ok := txn.heldLocks[tag]
	common.Assert(ok && counts[mode] > 0, "txn %d releasing %s on %s which it does not hold", txn.id, mode, tag)
	counts[mode]--
	if counts[mode] > 0 {
		return
	}
	txn.lm.Unlock(txn.id, tag, mode)
	if *counts == ([NumLockModes]int{}) {
		delete(txn.heldLocks, tag)
	}
}

// HoldsLock returns true if the transaction holds mode on the relation.
func (txn *TransactionContext) HoldsLock(tag DBLockTag, mode LockMode) bool {
	counts, ok := txn.heldLocks[tag]
	return ok && counts[mode] > 0
}

// NumHeldLocks returns the number of outstanding acquisitions across all relations and modes.
func (txn *TransactionContext) NumHeldLocks() int {
	n := 0
	for _, counts := range txn.heldLocks {
		for _, c := range counts {
			n += c
		}
	}
	return n
}

// ReleaseAllLocks releases all locks held by this transaction.
// This is typically called during the Commit or Abort phase of the transaction lifecycle.
func (txn *TransactionContext) ReleaseAllLocks() {
	for tag, counts := range txn.heldLocks {
		for m, c := range counts {
			if c > 0 {
				txn.lm.Unlock(txn.id, tag, LockMode(m))
			}
		}
	}
	clear(txn.heldLocks)
}

// Reset clears the transaction context for reuse.
// This is critical when using sync.Pool to avoid leaking data between users.
func (txn *TransactionContext) Reset(id common.TransactionID) {
	txn.id = id
	txn.tag = uuid.New()
	clear(txn.heldLocks)
	clear(txn.cleanupStack)
	txn.cleanupStack = txn.cleanupStack[:0]
}
