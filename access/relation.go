package access

import (
	"mit.edu/dsg/hypostats/backend"
	"mit.edu/dsg/hypostats/catalog"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/indexing"
	"mit.edu/dsg/hypostats/storage"
	"mit.edu/dsg/hypostats/transaction"
)

// Relation is an open catalog relation. The lock taken by Open is released exactly once, by the first Close.
type Relation struct {
	eng    Engine
	txn    *transaction.TransactionContext
	data   *backend.RelationData
	mode   transaction.LockMode
	closed bool
	// the outstanding index batch, if any
	state *IndexState
}

// Open locks relation relid in mode and opens it. On error no handle exists and no lock is held. Errors carry
// NoSuchObjectError, WrongObjectTypeError or DeadlockError; the caller is expected to abort its unit of work.
func Open(eng Engine, txn *transaction.TransactionContext, relid common.ObjectID, mode transaction.LockMode) (*Relation, error) {
	data, err := eng.TableOpen(txn, relid, mode)
	if err != nil {
		return nil, err
	}
	return &Relation{eng: eng, txn: txn, data: data, mode: mode}, nil
}

// Close releases the relation's lock. Later calls do nothing. Closing while an IndexState is open is an
// assertion failure.
func (r *Relation) Close() {
	if r == nil || r.closed {
		return
	}
	common.Assert(r.state == nil, "closing relation %q while its index batch is open", r.data.Name)
	r.closed = true
	r.eng.TableClose(r.txn, r.data, r.mode)
}

func (r *Relation) checkOpen() {
	common.Assert(!r.closed, "use of closed relation %q", r.data.Name)
}

func (r *Relation) Oid() common.ObjectID {
	return r.data.Oid
}

func (r *Relation) Name() string {
	return r.data.Name
}

// Desc returns the relation's shape. It is borrowed from the engine and stays valid while the relation is open.
func (r *Relation) Desc() *storage.TupleDesc {
	r.checkOpen()
	return r.data.Desc
}

func (r *Relation) LockMode() transaction.LockMode {
	return r.mode
}

func (r *Relation) NumIndexes() int {
	return len(r.data.Indexes)
}

func (r *Relation) Kind() catalog.RelKind {
	return r.data.Kind
}

// IsClosed returns true once Close has been called.
func (r *Relation) IsClosed() bool {
	return r.closed
}

func (r *Relation) checkWritable() {
	r.checkOpen()
	if r.mode.AllowsWrites() {
		return
	}
	if r.mode == transaction.NoLock {
		// the caller vouched for a lock taken elsewhere
		tag := transaction.NewRelationLockTag(r.data.Oid)
		for m := transaction.RowExclusiveLock; m <= transaction.AccessExclusiveLock; m++ {
			if m.AllowsWrites() && r.txn.HoldsLock(tag, m) {
				return
			}
		}
	}
	common.Assert(false, "writing to %q requires RowExclusiveLock or stronger, have %s", r.data.Name, r.mode)
}

// Assemble builds a new Owned tuple for this relation from positional values.
func (r *Relation) Assemble(values []common.Value, nulls []bool) *HeapTuple {
	t := Assemble(r.eng, r.Desc(), values, nulls)
	t.raw.TableOid = r.data.Oid
	return t
}

// OpenIndexes opens the relation's indexes for a series of writes. A relation without indexes gets a state with
// no engine batch. Only one state may be open per relation at a time.
func (r *Relation) OpenIndexes() *IndexState {
	r.checkOpen()
	common.Assert(r.state == nil, "relation %q already has an open index batch", r.data.Name)
	s := &IndexState{rel: r}
	if r.NumIndexes() > 0 {
		s.batch = r.eng.CatalogOpenIndexes(r.data)
	}
	r.state = s
	return s
}

// InsertWithIndexMaintenance stores tup and adds it to every index of the relation. tup takes the new row
// identity, which is also returned.
func (r *Relation) InsertWithIndexMaintenance(tup *HeapTuple) (common.RecordID, error) {
	state := r.OpenIndexes()
	defer state.Close()
	return r.InsertWithState(state, tup)
}

// UpdateWithIndexMaintenance replaces the row identified by tup's identity with tup. The old row's index entries
// are replaced with tup's. tup takes the identity of the new row version, which is also returned.
func (r *Relation) UpdateWithIndexMaintenance(tup *HeapTuple) (common.RecordID, error) {
	state := r.OpenIndexes()
	defer state.Close()
	return r.UpdateWithState(state, tup)
}

func (r *Relation) checkWrite(state *IndexState, tup *HeapTuple) {
	r.checkWritable()
	common.Assert(state != nil && state.rel == r && !state.closed, "index state does not belong to %q", r.data.Name)
	common.Assert(!tup.IsNull(), "writing a null tuple to %q", r.data.Name)
	tup.checkLive()
	common.Assert(tup.provenance == Owned, "writing a cache-borrowed tuple to %q; modify it first", r.data.Name)
	common.Assert(tup.desc.Equals(r.data.Desc), "tuple shape %s does not match %q %s", tup.desc, r.data.Name, r.data.Desc)
}

// InsertWithState is InsertWithIndexMaintenance with a caller-opened state, for batches of writes.
func (r *Relation) InsertWithState(state *IndexState, tup *HeapTuple) (common.RecordID, error) {
	r.checkWrite(state, tup)
	return r.eng.CatalogTupleInsertWithInfo(r.txn, r.data, tup.raw, state.batch)
}

// UpdateWithState is UpdateWithIndexMaintenance with a caller-opened state, for batches of writes.
func (r *Relation) UpdateWithState(state *IndexState, tup *HeapTuple) (common.RecordID, error) {
	r.checkWrite(state, tup)
	otid := tup.raw.Self
	common.Assert(!otid.IsNil(), "updating %q with a tuple that has no row identity", r.data.Name)
	return r.eng.CatalogTupleUpdateWithInfo(r.txn, r.data, otid, tup.raw, state.batch)
}

// ScanIndex returns the rows whose key in index indexOid equals values, as Owned tuples in identity order. Each
// must be released.
func (r *Relation) ScanIndex(indexOid common.ObjectID, values ...common.Value) ([]*HeapTuple, error) {
	r.checkOpen()
	raws, err := r.eng.IndexScan(r.data, indexOid, values...)
	if err != nil {
		return nil, err
	}
	return r.wrapOwned(raws), nil
}

// ScanIndexRange returns up to limit rows in the key order of btree index indexOid, starting at the key made of
// start and walking in direction. Without start the scan begins at either end; limit <= 0 returns every row. Hash
// indexes have no order and fail. Each tuple must be released.
func (r *Relation) ScanIndexRange(indexOid common.ObjectID, direction indexing.ScanDirection, limit int,
	start ...common.Value) ([]*HeapTuple, error) {
	r.checkOpen()
	raws, err := r.eng.IndexRangeScan(r.data, indexOid, direction, limit, start...)
	if err != nil {
		return nil, err
	}
	return r.wrapOwned(raws), nil
}

// SeqScan returns every row of the relation as Owned tuples in identity order. Each must be released.
func (r *Relation) SeqScan() []*HeapTuple {
	r.checkOpen()
	return r.wrapOwned(r.eng.HeapScan(r.data))
}

func (r *Relation) wrapOwned(raws []*storage.HeapTuple) []*HeapTuple {
	result := make([]*HeapTuple, len(raws))
	for i, raw := range raws {
		result[i] = &HeapTuple{eng: r.eng, raw: raw, desc: r.data.Desc, provenance: Owned}
	}
	return result
}

// ReleaseAll releases every tuple in tuples.
func ReleaseAll(tuples []*HeapTuple) {
	for _, t := range tuples {
		t.Release()
	}
}
