// Package access wraps the catalog primitives of the engine in handles that release what they acquire exactly
// once: a Relation gives back its lock, a HeapTuple is freed or unpinned according to where it came from, and an
// IndexState closes its index batch. Handles are meant to be released with defer so that early returns and panics
// clean up the same way as the normal path.
package access

import (
	"mit.edu/dsg/hypostats/backend"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/indexing"
	"mit.edu/dsg/hypostats/storage"
	"mit.edu/dsg/hypostats/syscache"
	"mit.edu/dsg/hypostats/transaction"
)

// Engine is the set of catalog primitives the handles are built on. *backend.Backend implements it.
type Engine interface {
	TableOpen(txn *transaction.TransactionContext, relid common.ObjectID, mode transaction.LockMode) (*backend.RelationData, error)
	TableClose(txn *transaction.TransactionContext, rel *backend.RelationData, mode transaction.LockMode)

	FormTuple(desc *storage.TupleDesc, values []common.Value, nulls []bool) *storage.HeapTuple
	ModifyTuple(desc *storage.TupleDesc, src *storage.HeapTuple, values []common.Value, nulls []bool, replace []bool) *storage.HeapTuple
	CopyTuple(tup *storage.HeapTuple) *storage.HeapTuple
	FreeTuple(tup *storage.HeapTuple)

	SearchSysCache(id syscache.CacheID, key common.Value) *syscache.Entry
	ReleaseSysCache(e *syscache.Entry)
	SysCacheGetAttr(id syscache.CacheID, tup *storage.HeapTuple, attnum common.AttrNumber) (common.Value, bool)

	CatalogOpenIndexes(rel *backend.RelationData) *backend.IndexBatch
	CatalogCloseIndexes(batch *backend.IndexBatch)
	CatalogTupleInsertWithInfo(txn *transaction.TransactionContext, rel *backend.RelationData, tup *storage.HeapTuple,
		batch *backend.IndexBatch) (common.RecordID, error)
	CatalogTupleUpdateWithInfo(txn *transaction.TransactionContext, rel *backend.RelationData, otid common.RecordID,
		tup *storage.HeapTuple, batch *backend.IndexBatch) (common.RecordID, error)

	IndexScan(rel *backend.RelationData, indexOid common.ObjectID, values ...common.Value) ([]*storage.HeapTuple, error)
	IndexRangeScan(rel *backend.RelationData, indexOid common.ObjectID, direction indexing.ScanDirection, limit int,
		start ...common.Value) ([]*storage.HeapTuple, error)
	HeapScan(rel *backend.RelationData) []*storage.HeapTuple
}

var _ Engine = (*backend.Backend)(nil)
