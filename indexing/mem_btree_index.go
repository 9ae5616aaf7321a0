package indexing

import (
	"sync"

	"github.com/tidwall/btree"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/transaction"
)

type btreeItem struct {
	key Key
	rid common.RecordID
}

// MemBTreeIndex is a B+-Tree based index implementation.
// It is a wrapper around github.com/tidwall/btree, specialized for catalog Keys and RecordIDs.
type MemBTreeIndex struct {
	tree     *btree.BTreeG[btreeItem]
	metadata *IndexMetadata
	// serializes the uniqueness check with the insertion
	writeMu sync.Mutex
}

func NewMemBTreeIndex(metadata *IndexMetadata) *MemBTreeIndex {
	// less function defines the ordering of items in the BTree.
	// Primary order by Key, secondary order by RecordID (to support non-unique keys).
	less := func(a, b btreeItem) bool {
		cmp := a.key.Compare(b.key)
		if cmp != 0 {
			return cmp < 0
		}
		// Tie-breaker: RecordID ensures uniqueness for the Set
		return a.rid.Compare(b.rid) < 0
	}

	return &MemBTreeIndex{
		tree:     btree.NewBTreeG(less),
		metadata: metadata,
	}
}

func (index *MemBTreeIndex) Metadata() *IndexMetadata {
	return index.metadata
}

func (index *MemBTreeIndex) Len() int {
	return index.tree.Len()
}

func (index *MemBTreeIndex) InsertEntry(key Key, rid common.RecordID, txn *transaction.TransactionContext) error {
	common.Assert(key.schema == index.metadata.KeySchema, "Key schema mismatch")

	index.writeMu.Lock()
	defer index.writeMu.Unlock()

	if index.metadata.Unique && !key.HasNulls() {
		conflict := false
		index.tree.Ascend(btreeItem{key: key}, func(item btreeItem) bool {
			conflict = item.key.Equals(key) && item.rid != rid
			return false
		})
		if conflict {
			return uniqueViolation(index.metadata, key)
		}
	}

	// The key relies on a byte slice that might change after this call.
	keyCopy := key.DeepCopy()
	if _, replaced := index.tree.Set(btreeItem{key: keyCopy, rid: rid}); replaced {
		// the entry was already there; nothing to undo
		return nil
	}

	if txn != nil {
		txn.AddCleanup(transaction.CleanupTask{
			Target: index,
			Type:   transaction.CleanupTypeUndoInsert,
			Key:    keyCopy.data,
			RID:    rid,
		})
	}
	return nil
}

func (index *MemBTreeIndex) DeleteEntry(key Key, rid common.RecordID, txn *transaction.TransactionContext) error {
	common.Assert(key.schema == index.metadata.KeySchema, "Key schema mismatch")

	index.writeMu.Lock()
	val, deleted := index.tree.Delete(btreeItem{key: key, rid: rid})
	index.writeMu.Unlock()

	if txn != nil && deleted {
		txn.AddCleanup(transaction.CleanupTask{
			Target: index,
			Type:   transaction.CleanupTypeUndoDelete,
			Key:    val.key.data,
			RID:    rid,
		})
	}
	return nil
}

func (index *MemBTreeIndex) ScanKey(key Key, output []common.RecordID, txn *transaction.TransactionContext) ([]common.RecordID, error) {
	common.Assert(key.schema == index.metadata.KeySchema, "Key schema mismatch")

	// Create a pivot to find the first entry with this key.
	// We use an empty RecordID for the pivot start.
	pivot := btreeItem{key: key, rid: common.RecordID{}}

	index.tree.Ascend(pivot, func(item btreeItem) bool {
		if !item.key.Equals(key) {
			return false // Stop iterating once the key changes
		}
		output = append(output, item.rid)
		return true
	})
	return output, nil
}

func (index *MemBTreeIndex) Scan(start Key, direction ScanDirection, txn *transaction.TransactionContext) (ScanIterator, error) {
	common.Assert(start.IsNil() || start.schema == index.metadata.KeySchema, "Key schema mismatch")
	// Use Copy-On-Write for a consistent snapshot iterator
	snapshot := index.tree.Copy()
	iter := snapshot.Iter()

	it := &MemBTreeIndexIterator{
		iter:      iter,
		direction: direction,
		firstCall: true,
	}

	var zeroRID common.RecordID

	if direction == ScanDirectionForward {
		if !start.IsNil() {
			it.hasMore = iter.Seek(btreeItem{key: start, rid: zeroRID})
		} else {
			it.hasMore = iter.First()
		}
	} else {
		if start.IsNil() {
			it.hasMore = iter.Last()
		} else {
			found := iter.Seek(btreeItem{key: start, rid: zeroRID})
			if !found {
				// Everything in the tree is < start (or tree is empty)
				it.hasMore = iter.Last()
			} else if iter.Item().key.Compare(start) > 0 {
				// Landed strictly past start, step back to find <= start.
				it.hasMore = iter.Prev()
			} else {
				// Exact match
				it.hasMore = true
			}
		}
	}
	return it, nil
}

// Invoke handles transaction rollback callbacks.
func (index *MemBTreeIndex) Invoke(opType transaction.CleanupType, key []byte, rid common.RecordID) {
	switch opType {
	case transaction.CleanupTypeUndoInsert:
		_ = index.DeleteEntry(index.metadata.AsKey(key), rid, nil)
	case transaction.CleanupTypeUndoDelete:
		// re-inserting what was there before cannot violate uniqueness
		index.writeMu.Lock()
		index.tree.Set(btreeItem{key: index.metadata.AsKey(key), rid: rid})
		index.writeMu.Unlock()
	}
}

// MemBTreeIndexIterator implements ScanIterator for BTree range scans.
type MemBTreeIndexIterator struct {
	iter      btree.IterG[btreeItem]
	direction ScanDirection
	firstCall bool
	hasMore   bool
}

func (it *MemBTreeIndexIterator) Next() bool {
	if it.firstCall {
		it.firstCall = false
		return it.hasMore
	}

	if !it.hasMore {
		return false
	}

	if it.direction == ScanDirectionForward {
		it.hasMore = it.iter.Next()
	} else {
		it.hasMore = it.iter.Prev()
	}

	return it.hasMore
}

func (it *MemBTreeIndexIterator) Key() Key {
	return it.iter.Item().key
}

func (it *MemBTreeIndexIterator) Value() common.RecordID {
	return it.iter.Item().rid
}

func (it *MemBTreeIndexIterator) Error() error {
	return nil
}

func (it *MemBTreeIndexIterator) Close() error {
	it.iter.Release()
	return nil
}
