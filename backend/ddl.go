package backend

import (
	"slices"

	"github.com/cockroachdb/errors"
	"mit.edu/dsg/hypostats/catalog"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/storage"
	"mit.edu/dsg/hypostats/transaction"
)

// DefineRelation registers a new table and creates its empty heap. The caller is responsible for its pg_class row.
func (b *Backend) DefineRelation(name string, columns []catalog.Column) (*catalog.Table, error) {
	table, err := b.catalog.AddTable(name, columns, b.provider)
	if err != nil {
		return nil, err
	}
	b.heaps.Store(table.Oid, storage.NewHeap(table.Oid))
	b.logger.Info("relation defined", "relid", table.Oid, "relname", name)
	return table, nil
}

// DefineIndex registers a new index on table relid and fills it from the table's rows. The caller must hold a
// lock on the table that blocks concurrent writers; handles opened before the call do not see the index.
func (b *Backend) DefineIndex(txn *transaction.TransactionContext, relid common.ObjectID, name string, indexType string,
	columns []string, unique bool) (*catalog.Index, error) {
	rel, err := b.relationData(relid)
	if err != nil {
		return nil, err
	}
	common.Assert(holdsWriterBlockingLock(txn, relid), "defining index on %q without a lock blocking writers", rel.Name)

	def, err := b.catalog.AddIndex(name, rel.Name, indexType, columns, unique, b.provider)
	if err != nil {
		return nil, err
	}
	idx, err := b.indexes.RegisterIndex(rel.Table, *def)
	if err != nil {
		return nil, errors.CombineErrors(err, b.dropIndex(rel, def.Oid))
	}

	var buildErr error
	rel.Heap.Scan(func(rid common.RecordID, row []byte) bool {
		tup := storage.NewHeapTuple(rel.Oid, rid, row)
		buildErr = idx.InsertEntry(idx.Metadata().BuildKey(rel.Desc, tup), rid, nil)
		return buildErr == nil
	})
	if buildErr != nil {
		return nil, errors.CombineErrors(errors.Wrapf(buildErr, "building index %q", name), b.dropIndex(rel, def.Oid))
	}
	b.relcache.Delete(rel.Oid)
	b.logger.Info("index defined", "relid", rel.Oid, "index", name, "type", indexType, "entries", idx.Len())
	return def, nil
}

// DropIndex removes index indexOid of table relid from the catalog and the index manager. The caller must hold the
// same lock as for DefineIndex.
func (b *Backend) DropIndex(txn *transaction.TransactionContext, relid common.ObjectID, indexOid common.ObjectID) error {
	rel, err := b.relationData(relid)
	if err != nil {
		return err
	}
	common.Assert(holdsWriterBlockingLock(txn, relid), "dropping index of %q without a lock blocking writers", rel.Name)
	if !slices.ContainsFunc(rel.Table.Indexes, func(i catalog.Index) bool { return i.Oid == indexOid }) {
		return common.NewError(common.NoSuchObjectError, "index %d does not belong to %q", indexOid, rel.Name)
	}
	return b.dropIndex(rel, indexOid)
}

func (b *Backend) dropIndex(rel *RelationData, indexOid common.ObjectID) error {
	b.indexes.UnregisterIndex(indexOid)
	err := b.catalog.DropIndex(indexOid, b.provider)
	b.relcache.Delete(rel.Oid)
	if err == nil {
		b.logger.Info("index dropped", "relid", rel.Oid, "index", indexOid)
	}
	return err
}

func holdsWriterBlockingLock(txn *transaction.TransactionContext, relid common.ObjectID) bool {
	tag := transaction.NewRelationLockTag(relid)
	return txn.HoldsLock(tag, transaction.ShareLock) || txn.HoldsLock(tag, transaction.ShareRowExclusiveLock) ||
		txn.HoldsLock(tag, transaction.ExclusiveLock) || txn.HoldsLock(tag, transaction.AccessExclusiveLock)
}
