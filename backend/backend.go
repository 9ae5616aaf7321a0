package backend

import (
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/hypostats/catalog"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/indexing"
	"mit.edu/dsg/hypostats/logging"
	"mit.edu/dsg/hypostats/storage"
	"mit.edu/dsg/hypostats/syscache"
	"mit.edu/dsg/hypostats/transaction"
)

// RelationData is the engine's view of an open relation. It is shared by everyone who opens the relation and must
// not be modified.
type RelationData struct {
	Oid     common.ObjectID
	Name    string
	Kind    catalog.RelKind
	Desc    *storage.TupleDesc
	Table   *catalog.Table
	Heap    *storage.Heap
	Indexes []indexing.Index
}

// IndexBatch holds the indexes of one relation open for a series of catalog writes.
type IndexBatch struct {
	rel     *RelationData
	indexes []indexing.Index
	closed  bool
}

// Relation returns the relation the batch was opened for.
func (b *IndexBatch) Relation() *RelationData {
	return b.rel
}

// NumIndexes returns the number of indexes maintained by the batch.
func (b *IndexBatch) NumIndexes() int {
	return len(b.indexes)
}

// Config carries the engine settings.
type Config struct {
	// CompressThreshold is the text length from which attributes are stored compressed; 0 disables compression.
	CompressThreshold int
	Logger            *slog.Logger
}

type engineState struct {
	catalog  *catalog.Catalog
	provider catalog.PersistenceProvider
	indexes  *indexing.IndexManager
	heaps    *xsync.MapOf[common.ObjectID, *storage.Heap]
	relcache *xsync.MapOf[common.ObjectID, *RelationData]
	cache    *syscache.SysCache
	former   storage.TupleFormer
	logger   *slog.Logger
	global   ResourceOwner
}

// Backend implements the catalog primitives: relation open/close, tuple formation and freeing, system cache
// lookups and catalog writes with index maintenance. A Backend bound to a ResourceOwner (see WithOwner) accounts
// every acquisition and release to that owner as well as to the engine-wide totals.
type Backend struct {
	*engineState
	owner *ResourceOwner
}

// New creates the engine over the relations registered in cat.
func New(cat *catalog.Catalog, provider catalog.PersistenceProvider, cfg Config) (*Backend, error) {
	im, err := indexing.NewIndexManager(cat)
	if err != nil {
		return nil, err
	}
	state := &engineState{
		catalog:  cat,
		provider: provider,
		indexes:  im,
		heaps:    xsync.NewMapOf[common.ObjectID, *storage.Heap](),
		relcache: xsync.NewMapOf[common.ObjectID, *RelationData](),
		former:   storage.TupleFormer{CompressThreshold: cfg.CompressThreshold},
		logger:   logging.OrDiscard(cfg.Logger),
	}
	for _, t := range cat.AllTables() {
		state.heaps.Store(t.Oid, storage.NewHeap(t.Oid))
	}
	b := &Backend{engineState: state}
	state.cache = syscache.New([]syscache.CacheDef{
		{ID: syscache.RelOid, RelOid: catalog.PgClassOid, IndexOid: catalog.ClassOidIndexOid,
			KeyAttr: catalog.AnumPgClassOid},
		{ID: syscache.StatExtOid, RelOid: catalog.PgStatisticExtOid, IndexOid: catalog.StatisticExtOidIndex,
			KeyAttr: catalog.AnumPgStatisticExtOid},
	}, b.loadCatalogRow, state.logger)
	return b, nil
}

// WithOwner returns a Backend sharing this engine that also accounts resources to owner.
func (b *Backend) WithOwner(owner *ResourceOwner) *Backend {
	return &Backend{engineState: b.engineState, owner: owner}
}

// Owner returns the resource owner the Backend accounts to, or nil.
func (b *Backend) Owner() *ResourceOwner {
	return b.owner
}

// Resources returns the engine-wide totals of held resources.
func (b *Backend) Resources() ResourceCounts {
	return b.global.Counts()
}

func (b *Backend) Catalog() *catalog.Catalog {
	return b.catalog
}

func (b *Backend) SysCache() *syscache.SysCache {
	return b.cache
}

func (b *Backend) Logger() *slog.Logger {
	return b.logger
}

func (b *Backend) account(c counter, delta int64) {
	b.global.add(c, delta)
	b.owner.add(c, delta)
}

// relationData resolves relid through the relation cache.
func (b *Backend) relationData(relid common.ObjectID) (*RelationData, error) {
	if rel, ok := b.relcache.Load(relid); ok {
		return rel, nil
	}
	table, err := b.catalog.GetTableByOid(relid)
	if err != nil {
		return nil, err
	}
	heap, ok := b.heaps.Load(relid)
	common.Assert(ok, "relation %q has no heap", table.Name)
	indexes, err := b.indexes.IndexesOf(table)
	if err != nil {
		return nil, err
	}
	rel := &RelationData{
		Oid:     table.Oid,
		Name:    table.Name,
		Kind:    table.Kind,
		Desc:    table.Desc(),
		Table:   table,
		Heap:    heap,
		Indexes: indexes,
	}
	actual, _ := b.relcache.LoadOrStore(relid, rel)
	return actual, nil
}

// TableOpen locks relation relid in mode and returns its data. On error no lock is held.
func (b *Backend) TableOpen(txn *transaction.TransactionContext, relid common.ObjectID, mode transaction.LockMode) (*RelationData, error) {
	tag := transaction.NewRelationLockTag(relid)
	if err := txn.AcquireLock(tag, mode); err != nil {
		return nil, errors.Wrapf(err, "opening relation %d", relid)
	}
	rel, err := b.relationData(relid)
	if err != nil {
		txn.ReleaseLock(tag, mode)
		return nil, err
	}
	b.account(relationsOf, 1)
	logging.WithRelation(b.logger, rel.Oid, rel.Name).Debug("table open", "mode", mode.String(), "txn", txn.ID())
	return rel, nil
}

// TableClose releases the lock taken by TableOpen.
func (b *Backend) TableClose(txn *transaction.TransactionContext, rel *RelationData, mode transaction.LockMode) {
	txn.ReleaseLock(transaction.NewRelationLockTag(rel.Oid), mode)
	b.account(relationsOf, -1)
	logging.WithRelation(b.logger, rel.Oid, rel.Name).Debug("table close", "mode", mode.String(), "txn", txn.ID())
}

// FormTuple builds a new tuple owned by the caller. It must be given back with FreeTuple.
func (b *Backend) FormTuple(desc *storage.TupleDesc, values []common.Value, nulls []bool) *storage.HeapTuple {
	tup := b.former.Form(desc, values, nulls)
	b.account(tuplesOf, 1)
	return tup
}

// ModifyTuple builds a modified copy of src owned by the caller. It must be given back with FreeTuple.
func (b *Backend) ModifyTuple(desc *storage.TupleDesc, src *storage.HeapTuple, values []common.Value, nulls []bool,
	replace []bool) *storage.HeapTuple {
	tup := b.former.Modify(desc, src, values, nulls, replace)
	b.account(tuplesOf, 1)
	return tup
}

// CopyTuple returns a copy of tup owned by the caller.
func (b *Backend) CopyTuple(tup *storage.HeapTuple) *storage.HeapTuple {
	b.account(tuplesOf, 1)
	return tup.Copy()
}

// FreeTuple gives back a tuple obtained from FormTuple, ModifyTuple, CopyTuple or a scan.
func (b *Backend) FreeTuple(tup *storage.HeapTuple) {
	common.Assert(tup != nil, "freeing nil tuple")
	b.account(tuplesOf, -1)
}

// SearchSysCache looks up a catalog row and pins it. It returns nil if there is no such row.
func (b *Backend) SearchSysCache(id syscache.CacheID, key common.Value) *syscache.Entry {
	e := b.cache.Search(id, key)
	if e != nil {
		b.account(pinsOf, 1)
	}
	return e
}

// ReleaseSysCache gives back a pin taken by SearchSysCache.
func (b *Backend) ReleaseSysCache(e *syscache.Entry) {
	b.cache.Release(e)
	b.account(pinsOf, -1)
	b.logger.Debug("syscache release", "cache", e.CacheID().String())
}

// SysCacheGetAttr decodes an attribute of a row returned by SearchSysCache. The boolean is true if it is NULL.
func (b *Backend) SysCacheGetAttr(id syscache.CacheID, tup *storage.HeapTuple, attnum common.AttrNumber) (common.Value, bool) {
	def := b.cache.Def(id)
	common.Assert(tup.TableOid == def.RelOid, "tuple of relation %d does not belong to cache %s", tup.TableOid, id)
	rel, err := b.relationData(def.RelOid)
	common.Assert(err == nil, "cache %s catalog missing: %v", id, err)
	return storage.GetAttr(rel.Desc, tup, attnum)
}

func (b *Backend) loadCatalogRow(def syscache.CacheDef, key common.Value) *storage.HeapTuple {
	rel, err := b.relationData(def.RelOid)
	common.Assert(err == nil, "cache %s catalog missing: %v", def.ID, err)
	idx, err := b.indexes.GetIndex(def.IndexOid)
	common.Assert(err == nil, "cache %s index missing: %v", def.ID, err)

	rids, _ := idx.ScanKey(indexing.NewKey(idx.Metadata().KeySchema, key), nil, nil)
	for _, rid := range rids {
		if row, ok := rel.Heap.ReadTuple(rid); ok {
			return storage.NewHeapTuple(rel.Oid, rid, row)
		}
	}
	return nil
}

// CatalogOpenIndexes opens the indexes of rel for a series of writes.
func (b *Backend) CatalogOpenIndexes(rel *RelationData) *IndexBatch {
	b.account(batchesOf, 1)
	logging.WithRelation(b.logger, rel.Oid, rel.Name).Debug("open indexes", "count", len(rel.Indexes))
	return &IndexBatch{rel: rel, indexes: rel.Indexes}
}

// CatalogCloseIndexes closes a batch opened by CatalogOpenIndexes.
func (b *Backend) CatalogCloseIndexes(batch *IndexBatch) {
	common.Assert(!batch.closed, "index batch of %q closed twice", batch.rel.Name)
	batch.closed = true
	b.account(batchesOf, -1)
	logging.WithRelation(b.logger, batch.rel.Oid, batch.rel.Name).Debug("close indexes")
}

func (b *Backend) checkBatch(rel *RelationData, batch *IndexBatch) []indexing.Index {
	if batch == nil {
		common.Assert(len(rel.Indexes) == 0, "writing to %q without its %d indexes open", rel.Name, len(rel.Indexes))
		return nil
	}
	common.Assert(!batch.closed, "writing through a closed index batch of %q", rel.Name)
	common.Assert(batch.rel.Oid == rel.Oid, "index batch of %q used for %q", batch.rel.Name, rel.Name)
	return batch.indexes
}

// CatalogTupleInsertWithInfo stores tup in rel and adds its entries to every index of the batch. On success tup
// carries its new identity. The insertion is undone if txn aborts. If an index rejects the row, nothing of the
// insertion remains.
func (b *Backend) CatalogTupleInsertWithInfo(txn *transaction.TransactionContext, rel *RelationData,
	tup *storage.HeapTuple, batch *IndexBatch) (common.RecordID, error) {
	indexes := b.checkBatch(rel, batch)
	b.registerInvalidation(txn, rel)

	rid := rel.Heap.InsertTuple(txn, tup.Data())
	tup.TableOid = rel.Oid
	tup.Self = rid
	if err := b.insertIndexEntries(txn, rel, indexes, tup); err != nil {
		rel.Heap.DeleteTuple(nil, rid)
		tup.Self = common.RecordID{}
		return common.RecordID{}, err
	}
	b.invalidate(rel, tup)
	return rid, nil
}

// CatalogTupleUpdateWithInfo replaces the row at otid with tup. The new version gets a new identity, which is
// returned and stored in tup; the index entries of the old version are replaced in the same step.
func (b *Backend) CatalogTupleUpdateWithInfo(txn *transaction.TransactionContext, rel *RelationData,
	otid common.RecordID, tup *storage.HeapTuple, batch *IndexBatch) (common.RecordID, error) {
	indexes := b.checkBatch(rel, batch)

	oldRow, ok := rel.Heap.ReadTuple(otid)
	if !ok {
		return common.RecordID{}, common.NewError(common.NoSuchObjectError,
			"tuple %s of %q was concurrently deleted", otid.String(), rel.Name)
	}
	b.registerInvalidation(txn, rel)
	oldTup := storage.NewHeapTuple(rel.Oid, otid, oldRow)

	rel.Heap.DeleteTuple(txn, otid)
	oldKeys := make([]indexing.Key, len(indexes))
	for i, idx := range indexes {
		oldKeys[i] = idx.Metadata().BuildKey(rel.Desc, oldTup)
		if err := idx.DeleteEntry(oldKeys[i], otid, txn); err != nil {
			return common.RecordID{}, errors.Wrapf(err, "updating %q", rel.Name)
		}
	}

	rid := rel.Heap.InsertTuple(txn, tup.Data())
	tup.TableOid = rel.Oid
	tup.Self = rid
	if err := b.insertIndexEntries(txn, rel, indexes, tup); err != nil {
		// put the old version back
		rel.Heap.DeleteTuple(nil, rid)
		rel.Heap.Restore(otid, oldRow)
		for i, idx := range indexes {
			_ = idx.InsertEntry(oldKeys[i], otid, nil)
		}
		tup.Self = otid
		return common.RecordID{}, err
	}
	b.invalidate(rel, oldTup)
	b.invalidate(rel, tup)
	return rid, nil
}

func (b *Backend) insertIndexEntries(txn *transaction.TransactionContext, rel *RelationData, indexes []indexing.Index,
	tup *storage.HeapTuple) error {
	keys := make([]indexing.Key, len(indexes))
	for i, idx := range indexes {
		keys[i] = idx.Metadata().BuildKey(rel.Desc, tup)
		if err := idx.InsertEntry(keys[i], tup.Self, txn); err != nil {
			for j := 0; j < i; j++ {
				_ = indexes[j].DeleteEntry(keys[j], tup.Self, nil)
			}
			return errors.Wrapf(err, "inserting into %q", rel.Name)
		}
	}
	return nil
}

// registerInvalidation makes an abort of txn drop the cached rows of rel. It is registered before the write so
// that it runs after the write has been undone.
func (b *Backend) registerInvalidation(txn *transaction.TransactionContext, rel *RelationData) {
	if txn == nil || len(b.cache.CachesOn(rel.Oid)) == 0 {
		return
	}
	txn.AddCleanup(transaction.CleanupTask{
		Target: b.cache,
		Type:   transaction.CleanupTypeInvalidate,
		RID:    common.RecordID{PageID: common.PageID{Oid: rel.Oid}},
	})
}

func (b *Backend) invalidate(rel *RelationData, tup *storage.HeapTuple) {
	for _, def := range b.cache.CachesOn(rel.Oid) {
		key, _ := storage.GetAttr(rel.Desc, tup, def.KeyAttr)
		b.cache.Invalidate(def.ID, key)
	}
}

// IndexScan returns copies of the rows of rel whose key in index indexOid equals values, in identity order. The
// copies are owned by the caller and must be freed.
func (b *Backend) IndexScan(rel *RelationData, indexOid common.ObjectID, values ...common.Value) ([]*storage.HeapTuple, error) {
	idx, err := rel.index(indexOid)
	if err != nil {
		return nil, err
	}
	rids, err := idx.ScanKey(indexing.NewKey(idx.Metadata().KeySchema, values...), nil, nil)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(rids, common.RecordID.Compare)
	return b.fetchRows(rel, rids), nil
}

// IndexRangeScan returns up to limit rows of rel in the key order of btree index indexOid, walking in direction
// from the key made of start. An empty start begins at the first (or, backward, the last) entry; limit <= 0 means
// no limit. The tuples are owned by the caller.
func (b *Backend) IndexRangeScan(rel *RelationData, indexOid common.ObjectID, direction indexing.ScanDirection,
	limit int, start ...common.Value) ([]*storage.HeapTuple, error) {
	idx, err := rel.index(indexOid)
	if err != nil {
		return nil, err
	}
	from := indexing.NilKey
	if len(start) > 0 {
		from = indexing.NewKey(idx.Metadata().KeySchema, start...)
	}
	it, err := idx.Scan(from, direction, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var rids []common.RecordID
	for (limit <= 0 || len(rids) < limit) && it.Next() {
		rids = append(rids, it.Value())
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return b.fetchRows(rel, rids), nil
}

func (rel *RelationData) index(indexOid common.ObjectID) (indexing.Index, error) {
	for _, candidate := range rel.Indexes {
		if candidate.Metadata().Oid == indexOid {
			return candidate, nil
		}
	}
	return nil, common.NewError(common.NoSuchObjectError, "index %d does not belong to %q", indexOid, rel.Name)
}

func (b *Backend) fetchRows(rel *RelationData, rids []common.RecordID) []*storage.HeapTuple {
	result := make([]*storage.HeapTuple, 0, len(rids))
	for _, rid := range rids {
		if row, ok := rel.Heap.ReadTuple(rid); ok {
			result = append(result, storage.NewHeapTuple(rel.Oid, rid, row))
			b.account(tuplesOf, 1)
		}
	}
	return result
}

// HeapScan returns copies of every row of rel in identity order. The copies are owned by the caller and must be
// freed.
func (b *Backend) HeapScan(rel *RelationData) []*storage.HeapTuple {
	var result []*storage.HeapTuple
	rel.Heap.Scan(func(rid common.RecordID, row []byte) bool {
		result = append(result, storage.NewHeapTuple(rel.Oid, rid, row))
		return true
	})
	b.account(tuplesOf, int64(len(result)))
	return result
}
