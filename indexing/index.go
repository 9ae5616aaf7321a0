package indexing

import (
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/storage"
	"mit.edu/dsg/hypostats/transaction"
)

type ScanDirection int

const (
	ScanDirectionForward ScanDirection = iota
	ScanDirectionBackward
)

// IndexMetadata describes the structure of the index and how it relates to the base table.
type IndexMetadata struct {
	Oid common.ObjectID
	// KeySchema describes the types and order of fields that make up the index key.
	KeySchema *storage.TupleDesc
	// ProjectionList maps the index key field index to the base table column index.
	// Entry i in ProjectionList means: "The i-th field in the Index Key corresponds to the table column at index ProjectionList[i]".
	ProjectionList []int
	// Unique indexes reject a second entry with the same non-NULL key.
	Unique bool
}

// AsKey wraps encoded key bytes produced by Key.Bytes.
func (md *IndexMetadata) AsKey(data []byte) Key {
	return Key{data: data, schema: md.KeySchema}
}

// BuildKey projects the key attributes out of a table tuple.
func (md *IndexMetadata) BuildKey(tableDesc *storage.TupleDesc, tup *storage.HeapTuple) Key {
	values := make([]common.Value, len(md.ProjectionList))
	for i, col := range md.ProjectionList {
		values[i], _ = storage.GetAttr(tableDesc, tup, common.AttrNumber(col+1))
	}
	return NewKey(md.KeySchema, values...)
}

// Index defines the interface for catalog indexes (e.g., B+Tree, Hash).
// An index maps a Search Key (a projected subset of tuple fields) to one or more RecordIDs (RIDs).
type Index interface {
	// Metadata returns the metadata associated with this index (schema and mapping from base table).
	Metadata() *IndexMetadata

	// InsertEntry adds a mapping from the given key to the specified RecordID.
	// A unique index returns CatalogError(UniqueViolationError) if the key is already present.
	InsertEntry(key Key, rid common.RecordID, txn *transaction.TransactionContext) error

	// DeleteEntry removes the mapping between the given key and the specified RecordID.
	DeleteEntry(key Key, rid common.RecordID, txn *transaction.TransactionContext) error

	// ScanKey performs a point lookup. It finds all RecordIDs associated with the exact `key`.
	// The results are appended to the provided `output` slice, which allows the caller
	// to reuse memory and avoid allocations.
	ScanKey(key Key, output []common.RecordID, txn *transaction.TransactionContext) ([]common.RecordID, error)

	// Scan returns an iterator that traverses the index starting from a specific key with the specified direction.
	// Forward Scan:
	//  - Positions the iterator at the first entry where Key >= startingPoint.
	//  - Iterates towards +Infinity.
	//  - If startingPoint is NilKey, starts from the beginning of the index (-Infinity).
	// Backward Scan:
	//  - Positions the iterator at the last entry where Key <= startingPoint.
	//  - Iterates towards -Infinity.
	//  - If startingPoint is NilKey, starts from the end of the index (+Infinity).
	Scan(start Key, direction ScanDirection, txn *transaction.TransactionContext) (ScanIterator, error)

	// Len returns the number of entries.
	Len() int
}

// ScanIterator iterates over the results of a range scan.
// It follows the standard Iterator pattern (Init -> Next -> Close).
type ScanIterator interface {
	// Next advances the iterator to the next entry.
	// Returns true if an entry exists, false if the scan is exhausted.
	Next() bool

	// Key returns the current key at the cursor.
	Key() Key

	// Value returns the current value at the cursor.
	Value() common.RecordID

	// Error returns the first unexpected error encountered by the iterator.
	Error() error

	// Close releases any resources held by the iterator.
	Close() error
}

func uniqueViolation(md *IndexMetadata, key Key) error {
	vals := make([]string, md.KeySchema.NumAttrs())
	for i := range vals {
		vals[i] = key.Value(i).String()
	}
	return common.NewError(common.UniqueViolationError, "duplicate key %v violates unique index %d", vals, md.Oid)
}
