package indexing

import (
	"slices"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/transaction"
)

// bucket holds the list of RecordIDs for a specific unique Key.
// Since xsync handles the key mapping, we don't need to store the Key here.
type bucket struct {
	sync.RWMutex
	key     []byte
	rids    []common.RecordID
	removed bool
}

// MemHashIndex is a concurrent hash index using xsync.MapOf.
// It maps a string representation of the encoded Key to a bucket of RecordIDs.
type MemHashIndex struct {
	// m maps string(Key.data) -> *bucket
	m        *xsync.MapOf[string, *bucket]
	metadata *IndexMetadata
}

func NewMemHashIndex(metadata *IndexMetadata) *MemHashIndex {
	return &MemHashIndex{
		m:        xsync.NewMapOf[string, *bucket](),
		metadata: metadata,
	}
}

func (index *MemHashIndex) Metadata() *IndexMetadata {
	return index.metadata
}

func (index *MemHashIndex) Len() int {
	n := 0
	index.m.Range(func(_ string, b *bucket) bool {
		b.RLock()
		n += len(b.rids)
		b.RUnlock()
		return true
	})
	return n
}

func (index *MemHashIndex) InsertEntry(key Key, rid common.RecordID, txn *transaction.TransactionContext) error {
	common.Assert(key.schema == index.metadata.KeySchema, "Key schema mismatch")
	unsafeKey := unsafe.String(unsafe.SliceData(key.data), len(key.data))

	for {
		// Try to find existing bucket using unsafe key
		// This avoids allocating 'safeKey' if the entry exists.
		b, ok := index.m.Load(unsafeKey)

		// Bucket doesn't exist (or we missed it)
		if !ok {
			// Allocate the safe string because we might store it in the map.
			safeKey := string(key.data)

			newBucket := &bucket{
				// Safe because we use this as a read-only slice
				key:     unsafe.Slice(unsafe.StringData(safeKey), len(safeKey)),
				rids:    make([]common.RecordID, 0, 1),
				removed: false,
			}

			actual, _ := index.m.LoadOrStore(safeKey, newBucket)
			b = actual
		}
		b.Lock()
		// Race with a removal -- try again
		if b.removed {
			b.Unlock()
			continue
		}
		if slices.Contains(b.rids, rid) {
			// (key, rid) pairs form a set, as in the btree index
			b.Unlock()
			return nil
		}
		if index.metadata.Unique && !key.HasNulls() && len(b.rids) > 0 {
			b.Unlock()
			return uniqueViolation(index.metadata, key)
		}
		b.rids = append(b.rids, rid)
		b.Unlock()

		if txn != nil {
			txn.AddCleanup(transaction.CleanupTask{
				Target: index,
				Type:   transaction.CleanupTypeUndoInsert,
				Key:    b.key,
				RID:    rid,
			})
		}
		return nil
	}
}

func (index *MemHashIndex) DeleteEntry(key Key, rid common.RecordID, txn *transaction.TransactionContext) error {
	common.Assert(key.schema == index.metadata.KeySchema, "Key schema mismatch")
	unsafeKey := unsafe.String(unsafe.SliceData(key.data), len(key.data))
	b, ok := index.m.Load(unsafeKey)
	if !ok {
		return nil
	}

	b.Lock()
	defer b.Unlock()

	for i, r := range b.rids {
		if r != rid {
			continue
		}
		// Found it. Remove via swap-with-last
		lastIdx := len(b.rids) - 1
		b.rids[i] = b.rids[lastIdx]
		b.rids = b.rids[:lastIdx]

		if txn != nil {
			txn.AddCleanup(transaction.CleanupTask{
				Target: index,
				Type:   transaction.CleanupTypeUndoDelete,
				Key:    b.key,
				RID:    rid,
			})
		}

		if len(b.rids) == 0 {
			b.removed = true
			index.m.Delete(unsafeKey)
		}
		break
	}

	return nil
}

func (index *MemHashIndex) ScanKey(key Key, output []common.RecordID, txn *transaction.TransactionContext) ([]common.RecordID, error) {
	common.Assert(key.schema == index.metadata.KeySchema, "Key schema mismatch")

	unsafeKey := unsafe.String(unsafe.SliceData(key.data), len(key.data))

	for {
		b, ok := index.m.Load(unsafeKey)
		if !ok {
			return output, nil
		}

		b.RLock()
		if b.removed {
			b.RUnlock()
			continue
		}

		// Append all RIDs in this bucket
		output = append(output, b.rids...)
		b.RUnlock()
		return output, nil
	}
}

func (index *MemHashIndex) Scan(start Key, direction ScanDirection, txn *transaction.TransactionContext) (ScanIterator, error) {
	return nil, errors.Newf("range scans not supported for hash index %d", index.metadata.Oid)
}

func (index *MemHashIndex) Invoke(opType transaction.CleanupType, key []byte, rid common.RecordID) {
	switch opType {
	case transaction.CleanupTypeUndoInsert:
		_ = index.DeleteEntry(index.metadata.AsKey(key), rid, nil)
	case transaction.CleanupTypeUndoDelete:
		_ = index.InsertEntry(index.metadata.AsKey(key), rid, nil)
	}
}
