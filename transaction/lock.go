package transaction

import (
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/hypostats/common"
)

// DBLockTag identifies a lockable catalog object. Locks are taken on whole relations.
type DBLockTag struct {
	Oid common.ObjectID
}

// NewRelationLockTag creates a DBLockTag representing a whole relation.
func NewRelationLockTag(oid common.ObjectID) DBLockTag {
	return DBLockTag{Oid: oid}
}

func (t DBLockTag) String() string {
	return fmt.Sprintf("Relation(%d)", t.Oid)
}

// LockMode is the strength of a relation lock. The modes and their conflicts follow the PostgreSQL table-level
// lock hierarchy.
type LockMode int

const (
	// NoLock means the caller already holds a suitable lock; nothing is acquired or released.
	NoLock LockMode = iota
	// AccessShareLock is taken by readers of a relation.
	AccessShareLock
	RowShareLock
	// RowExclusiveLock is taken by writers of rows; it is the weakest mode allowing catalog writes.
	RowExclusiveLock
	ShareUpdateExclusiveLock
	// ShareLock blocks concurrent row writers but admits other readers.
	ShareLock
	// ShareRowExclusiveLock ("exclusive share") is self-conflicting and blocks row writers.
	ShareRowExclusiveLock
	// ExclusiveLock only admits concurrent AccessShareLock readers.
	ExclusiveLock
	// AccessExclusiveLock conflicts with every mode.
	AccessExclusiveLock
)

const NumLockModes = 9

func (m LockMode) String() string {
	switch m {
	case NoLock:
		return "NoLock"
	case AccessShareLock:
		return "AccessShareLock"
	case RowShareLock:
		return "RowShareLock"
	case RowExclusiveLock:
		return "RowExclusiveLock"
	case ShareUpdateExclusiveLock:
		return "ShareUpdateExclusiveLock"
	case ShareLock:
		return "ShareLock"
	case ShareRowExclusiveLock:
		return "ShareRowExclusiveLock"
	case ExclusiveLock:
		return "ExclusiveLock"
	case AccessExclusiveLock:
		return "AccessExclusiveLock"
	}
	return "Unknown lock mode"
}

// AllowsWrites returns true if holding m permits inserting or updating rows.
func (m LockMode) AllowsWrites() bool {
	return m == RowExclusiveLock || m >= ShareUpdateExclusiveLock && m != ShareLock
}

var conflictMatrix = [NumLockModes][NumLockModes]bool{
	//                      None   AS     RS     RX     SUX    S      SRX    X      AX
	/* NoLock */ {false, false, false, false, false, false, false, false, false},
	/* AccessShare */ {false, false, false, false, false, false, false, false, true},
	/* RowShare */ {false, false, false, false, false, false, false, true, true},
	/* RowExclusive */ {false, false, false, false, false, true, true, true, true},
	/* ShareUpdateExclusive */ {false, false, false, false, true, true, true, true, true},
	/* Share */ {false, false, false, true, true, false, true, true, true},
	/* ShareRowExclusive */ {false, false, false, true, true, true, true, true, true},
	/* Exclusive */ {false, false, true, true, true, true, true, true, true},
	/* AccessExclusive */ {false, true, true, true, true, true, true, true, true},
}

// Conflicts returns true if a lock in mode req cannot be granted while another transaction holds held.
func Conflicts(req, held LockMode) bool {
	return conflictMatrix[req][held]
}

type dbLockHolder struct {
	txnID common.TransactionID
	modes [NumLockModes]bool
}

func (h *dbLockHolder) empty() bool {
	for _, held := range h.modes {
		if held {
			return false
		}
	}
	return true
}

type dbLockRequest struct {
	txnID   common.TransactionID
	mode    LockMode
	granted bool
	cond    *sync.Cond
}

type dbLock struct {
	tag        DBLockTag
	heldCounts [NumLockModes]int
	holders    []dbLockHolder
	waiters    []*dbLockRequest

	mutex sync.Mutex
}

func (l *dbLock) initialize(tag DBLockTag) {
	l.tag = tag
	l.heldCounts = [NumLockModes]int{}
	l.holders = l.holders[:0]
	l.waiters = l.waiters[:0]
}

func (l *dbLock) invalidate() {
	l.tag = DBLockTag{}
}

func (l *dbLock) outOfScope() bool {
	if len(l.waiters) != 0 {
		return false
	}
	for _, h := range l.holders {
		if h.txnID != common.InvalidTransactionID {
			return false
		}
	}
	return true
}

func (l *dbLock) findHolder(txnID common.TransactionID) int {
	for i := range l.holders {
		if l.holders[i].txnID == txnID {
			return i
		}
	}
	return -1
}

func (l *dbLock) grantLock(request *dbLockRequest) {
	idx := l.findHolder(request.txnID)
	if idx == -1 {
		for i := range l.holders {
			if l.holders[i].txnID == common.InvalidTransactionID {
				idx = i
				break
			}
		}
		if idx == -1 {
			idx = len(l.holders)
			l.holders = append(l.holders, dbLockHolder{})
		}
		l.holders[idx] = dbLockHolder{txnID: request.txnID}
	}
	l.holders[idx].modes[request.mode] = true
	l.heldCounts[request.mode]++
	request.granted = true
	if request.cond != nil {
		request.cond.Signal()
	}
}

// conflictsWithHolders returns true if a holder other than txnID holds a mode conflicting with mode.
func (l *dbLock) conflictsWithHolders(txnID common.TransactionID, mode LockMode) bool {
	for m, c := range l.heldCounts {
		if c == 0 || !Conflicts(mode, LockMode(m)) {
			continue
		}
		// Our own locks never conflict with us
		if self := l.findHolder(txnID); self != -1 && c == 1 && l.holders[self].modes[m] {
			continue
		}
		return true
	}
	return false
}

func (l *dbLock) lock(txnID common.TransactionID, mode LockMode) error {
	self := l.findHolder(txnID)
	if self != -1 {
		common.Assert(!l.holders[self].modes[mode], "%s already holds %s on %s", txnIDString(txnID), mode, l.tag)
	}
	blocked := false

	for _, h := range l.holders {
		if h.txnID == common.InvalidTransactionID || h.txnID == txnID {
			continue
		}
		for m, held := range h.modes {
			if !held || !Conflicts(mode, LockMode(m)) {
				continue
			}
			if txnID > h.txnID {
				return common.NewError(common.DeadlockError,
					"deadlock (wait-die): txn %d aborting for holder %d on %s", txnID, h.txnID, l.tag)
			}
			blocked = true
		}
	}

	// Holders requesting an additional mode are logically ahead of the queue
	if self == -1 {
		for _, w := range l.waiters {
			common.Assert(w.txnID != txnID, "%s is already waiting on %s", txnIDString(txnID), l.tag)
			if !Conflicts(mode, w.mode) {
				continue
			}
			if txnID > w.txnID {
				return common.NewError(common.DeadlockError,
					"deadlock (wait-die): txn %d aborting for waiter %d on %s", txnID, w.txnID, l.tag)
			}
			blocked = true
		}
	}

	if !blocked {
		l.grantLock(&dbLockRequest{txnID: txnID, mode: mode})
		return nil
	}

	request := dbLockRequest{
		txnID: txnID,
		mode:  mode,
		cond:  sync.NewCond(&l.mutex),
	}
	if self == -1 {
		l.waiters = append(l.waiters, &request)
	} else {
		l.waiters = append([]*dbLockRequest{&request}, l.waiters...)
	}

	for !request.granted {
		request.cond.Wait()
	}
	return nil
}

// unlock releases one mode held by tid and grants waiting requests in FIFO order.
func (l *dbLock) unlock(tid common.TransactionID, mode LockMode) {
	idx := l.findHolder(tid)
	common.Assert(idx != -1 && l.holders[idx].modes[mode], "%s does not hold %s on %s", txnIDString(tid), mode, l.tag)
	l.holders[idx].modes[mode] = false
	l.heldCounts[mode]--
	if l.holders[idx].empty() {
		l.holders[idx].txnID = common.InvalidTransactionID
	}

	i := 0
	for i < len(l.waiters) {
		w := l.waiters[i]
		if l.conflictsWithHolders(w.txnID, w.mode) {
			break
		}
		l.grantLock(w)
		l.waiters[i] = nil
		i++
	}
	l.waiters = l.waiters[i:]
}

func txnIDString(tid common.TransactionID) string {
	return fmt.Sprintf("txn %d", tid)
}

// LockManager manages the granting, releasing, and waiting of relation locks.
type LockManager struct {
	lockTable  *xsync.MapOf[DBLockTag, *dbLock]
	dbLockPool sync.Pool
}

// NewLockManager initializes a new LockManager.
func NewLockManager() *LockManager {
	return &LockManager{
		lockTable: xsync.NewMapOf[DBLockTag, *dbLock](),
		dbLockPool: sync.Pool{
			New: func() any {
				return &dbLock{
					holders: make([]dbLockHolder, 0, 8),
					waiters: make([]*dbLockRequest, 0, 8),
				}
			},
		},
	}
}

// Lock acquires a lock on a relation with the requested mode. If the lock cannot be granted immediately, the
// caller blocks until it is granted. It returns nil once the lock is held, or CatalogError(DeadlockError) if
// waiting could deadlock. A transaction may hold several modes on the same relation; they never conflict with
// each other.
func (lm *LockManager) Lock(tid common.TransactionID, tag DBLockTag, mode LockMode) error {
	common.Assert(mode != NoLock, "NoLock is never acquired")
	for {
		lock, ok := lm.lockTable.Load(tag)
		if !ok {
			newLock := lm.dbLockPool.Get().(*dbLock)
			newLock.mutex.Lock()
			newLock.initialize(tag)
			actualLock, loaded := lm.lockTable.LoadOrStore(tag, newLock)
			if loaded {
				newLock.invalidate()
				newLock.mutex.Unlock()
				lm.dbLockPool.Put(newLock)
				lock = actualLock
				lock.mutex.Lock()
			} else {
				lock = newLock
			}
		} else {
			lock.mutex.Lock()
		}

		// Stale check
		if lock.tag != tag {
			lock.mutex.Unlock()
			continue
		}

		err := lock.lock(tid, mode)
		if err != nil && lock.outOfScope() {
			lock.invalidate()
			lm.lockTable.Delete(tag)
			lock.mutex.Unlock()
			lm.dbLockPool.Put(lock)
			return err
		}
		lock.mutex.Unlock()
		return err
	}
}

// Unlock releases the mode held by the transaction on the specified relation.
func (lm *LockManager) Unlock(tid common.TransactionID, tag DBLockTag, mode LockMode) {
	lock, ok := lm.lockTable.Load(tag)
	common.Assert(ok, "%s unlocking %s which has no lock entry", txnIDString(tid), tag)

	lock.mutex.Lock()
	defer lock.mutex.Unlock()

	// Stale check
	if lock.tag != tag {
		panic("lock manager unlock called on stale lock")
	}

	lock.unlock(tid, mode)

	if lock.outOfScope() {
		lock.invalidate()
		lm.lockTable.Delete(tag)
		lm.dbLockPool.Put(lock)
	}
}

// LockHeld checks if any transaction currently holds a lock on the given relation.
func (lm *LockManager) LockHeld(tag DBLockTag) bool {
	lock, ok := lm.lockTable.Load(tag)
	if !ok {
		return false
	}
	lock.mutex.Lock()
	defer lock.mutex.Unlock()
	if lock.tag != tag {
		return false
	}
	for _, c := range lock.heldCounts {
		if c != 0 {
			return true
		}
	}
	return false
}

// HeldModes returns the modes tid holds on the relation.
func (lm *LockManager) HeldModes(tid common.TransactionID, tag DBLockTag) []LockMode {
	lock, ok := lm.lockTable.Load(tag)
	if !ok {
		return nil
	}
	lock.mutex.Lock()
	defer lock.mutex.Unlock()
	if lock.tag != tag {
		return nil
	}
	idx := lock.findHolder(tid)
	if idx == -1 {
		return nil
	}
	var modes []LockMode
	for m, held := range lock.holders[idx].modes {
		if held {
			modes = append(modes, LockMode(m))
		}
	}
	return modes
}
