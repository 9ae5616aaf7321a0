package storage

import (
	"sync"

	"github.com/google/btree"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/transaction"
)

// SlotsPerPage is the number of row slots addressed by one page number of a heap.
const SlotsPerPage = 64

type heapItem struct {
	rid common.RecordID
	row []byte
}

func heapItemLess(a, b heapItem) bool {
	return a.rid.Compare(b.rid) < 0
}

// Heap stores the tuples of one relation, ordered by RecordID. It owns the row bytes: everything handed in is
// copied and everything handed out is a copy.
//
// Rows are never updated in place. An update deletes the old version and inserts the new one under a fresh
// RecordID, so index entries pointing at the old identity must be maintained by the caller.
type Heap struct {
	oid      common.ObjectID
	mu       sync.RWMutex
	rows     *btree.BTreeG[heapItem]
	nextSlot int64
}

// NewHeap creates an empty heap for relation oid.
func NewHeap(oid common.ObjectID) *Heap {
	return &Heap{
		oid:  oid,
		rows: btree.NewG[heapItem](16, heapItemLess),
	}
}

// Oid returns the relation this heap stores.
func (h *Heap) Oid() common.ObjectID {
	return h.oid
}

func (h *Heap) ridForSlot(n int64) common.RecordID {
	return common.RecordID{
		PageID: common.PageID{Oid: h.oid, PageNum: int32(n / SlotsPerPage)},
		Slot:   int32(n % SlotsPerPage),
	}
}

// InsertTuple stores a copy of row and returns its new RecordID. If txn is not nil, the insertion is undone when
// the transaction aborts.
func (h *Heap) InsertTuple(txn *transaction.TransactionContext, row []byte) common.RecordID {
	h.mu.Lock()
	rid := h.ridForSlot(h.nextSlot)
	h.nextSlot++
	h.rows.ReplaceOrInsert(heapItem{rid: rid, row: cloneBytes(row)})
	h.mu.Unlock()

	if txn != nil {
		txn.AddCleanup(transaction.CleanupTask{
			Target: h,
			Type:   transaction.CleanupTypeUndoInsert,
			RID:    rid,
		})
	}
	return rid
}

// DeleteTuple removes the row at rid. It returns false if no row lives there.
func (h *Heap) DeleteTuple(txn *transaction.TransactionContext, rid common.RecordID) bool {
	h.mu.Lock()
	old, deleted := h.rows.Delete(heapItem{rid: rid})
	h.mu.Unlock()

	if txn != nil && deleted {
		txn.AddCleanup(transaction.CleanupTask{
			Target: h,
			Type:   transaction.CleanupTypeUndoDelete,
			Key:    old.row,
			RID:    rid,
		})
	}
	return deleted
}

// ReadTuple returns a copy of the row at rid.
func (h *Heap) ReadTuple(rid common.RecordID) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	item, ok := h.rows.Get(heapItem{rid: rid})
	if !ok {
		return nil, false
	}
	return cloneBytes(item.row), true
}

// Scan calls fn for every row in RecordID order until fn returns false. The row passed to fn is a copy.
func (h *Heap) Scan(fn func(rid common.RecordID, row []byte) bool) {
	h.mu.RLock()
	items := make([]heapItem, 0, h.rows.Len())
	h.rows.Ascend(func(item heapItem) bool {
		items = append(items, item)
		return true
	})
	h.mu.RUnlock()

	for _, item := range items {
		if !fn(item.rid, cloneBytes(item.row)) {
			return
		}
	}
}

// Len returns the number of live rows.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rows.Len()
}

// Restore puts row back at rid. It is used by undo and by checkpoint loading.
func (h *Heap) Restore(rid common.RecordID, row []byte) {
	common.Assert(rid.Oid == h.oid, "restoring %s into heap of relation %d", rid.String(), h.oid)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows.ReplaceOrInsert(heapItem{rid: rid, row: cloneBytes(row)})
	if n := int64(rid.PageNum)*SlotsPerPage + int64(rid.Slot) + 1; n > h.nextSlot {
		h.nextSlot = n
	}
}

// Invoke handles transaction rollback callbacks.
func (h *Heap) Invoke(opType transaction.CleanupType, key []byte, rid common.RecordID) {
	switch opType {
	case transaction.CleanupTypeUndoInsert:
		h.mu.Lock()
		h.rows.Delete(heapItem{rid: rid})
		h.mu.Unlock()
	case transaction.CleanupTypeUndoDelete:
		h.Restore(rid, key)
	}
}

func cloneBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
