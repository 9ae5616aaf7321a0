package transaction

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/logging"
)

// TransactionManager is the central component managing the lifecycle of transactions.
// It coordinates with the LockManager for concurrency control. Catalog state is in memory, so abort only has
// to run the in-memory undo stack.
type TransactionManager struct {
	// activeTxns maps TransactionIDs to their runtime context
	activeTxns *xsync.MapOf[common.TransactionID, *TransactionContext]

	lockManager *LockManager
	logger      *slog.Logger

	nextTxnID atomic.Uint64
	// Pool to recycle transaction contexts
	txnPool sync.Pool
}

// NewTransactionManager initializes the transaction manager.
func NewTransactionManager(lockManager *LockManager, logger *slog.Logger) *TransactionManager {
	tm := &TransactionManager{
		activeTxns:  xsync.NewMapOf[common.TransactionID, *TransactionContext](),
		lockManager: lockManager,
		logger:      logging.OrDiscard(logger),
	}
	tm.txnPool = sync.Pool{
		New: func() any {
			return &TransactionContext{
				id:        common.InvalidTransactionID,
				lm:        lockManager,
				heldLocks: make(map[DBLockTag]*[NumLockModes]int),
			}
		},
	}
	return tm
}

// LockManager returns the lock manager transactions acquire their locks from.
func (tm *TransactionManager) LockManager() *LockManager {
	return tm.lockManager
}

// Begin starts a new transaction and returns the initialized context.
func (tm *TransactionManager) Begin() *TransactionContext {
	tid := common.TransactionID(tm.nextTxnID.Add(1))

	txn := tm.txnPool.Get().(*TransactionContext)
	txn.Reset(tid)
	tm.activeTxns.Store(tid, txn)
	logging.WithTxn(tm.logger, tid, txn.tag.String()).Debug("begin")
	return txn
}

// Commit completes a transaction. Its changes stay in place and its locks are released.
func (tm *TransactionManager) Commit(txn *TransactionContext) {
	logging.WithTxn(tm.logger, txn.id, txn.tag.String()).Debug("commit", "writes", len(txn.cleanupStack))
	tm.finish(txn)
}

// Abort stops a transaction and rolls its effects back before releasing its locks.
func (tm *TransactionManager) Abort(txn *TransactionContext) {
	for i := len(txn.cleanupStack) - 1; i >= 0; i-- {
		cleanupTask := txn.cleanupStack[i]
		cleanupTask.Target.Invoke(cleanupTask.Type, cleanupTask.Key, cleanupTask.RID)
	}
	logging.WithTxn(tm.logger, txn.id, txn.tag.String()).Debug("abort", "undone", len(txn.cleanupStack))
	tm.finish(txn)
}

func (tm *TransactionManager) finish(txn *TransactionContext) {
	txn.ReleaseAllLocks()
	tm.activeTxns.Delete(txn.id)
	txn.Reset(common.InvalidTransactionID)
	tm.txnPool.Put(txn)
}

// ActiveTransactions returns the ids of the currently running transactions.
func (tm *TransactionManager) ActiveTransactions() []common.TransactionID {
	var activeIDs []common.TransactionID
	tm.activeTxns.Range(func(tid common.TransactionID, _ *TransactionContext) bool {
		activeIDs = append(activeIDs, tid)
		return true
	})
	return activeIDs
}
