package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/hypostats/backend"
	"mit.edu/dsg/hypostats/catalog"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/indexing"
	"mit.edu/dsg/hypostats/storage"
	"mit.edu/dsg/hypostats/syscache"
	"mit.edu/dsg/hypostats/transaction"
)

// countingEngine counts the release-side primitives on top of a real engine.
type countingEngine struct {
	*backend.Backend
	freed         int
	cacheReleases int
	batchOpens    int
	batchCloses   int
	tableCloses   int
}

func (e *countingEngine) FreeTuple(tup *storage.HeapTuple) {
	e.freed++
	e.Backend.FreeTuple(tup)
}

func (e *countingEngine) ReleaseSysCache(en *syscache.Entry) {
	e.cacheReleases++
	e.Backend.ReleaseSysCache(en)
}

func (e *countingEngine) CatalogOpenIndexes(rel *backend.RelationData) *backend.IndexBatch {
	e.batchOpens++
	return e.Backend.CatalogOpenIndexes(rel)
}

func (e *countingEngine) CatalogCloseIndexes(batch *backend.IndexBatch) {
	e.batchCloses++
	e.Backend.CatalogCloseIndexes(batch)
}

func (e *countingEngine) TableClose(txn *transaction.TransactionContext, rel *backend.RelationData, mode transaction.LockMode) {
	e.tableCloses++
	e.Backend.TableClose(txn, rel, mode)
}

func (e *countingEngine) reset() {
	e.freed, e.cacheReleases, e.batchOpens, e.batchCloses, e.tableCloses = 0, 0, 0, 0, 0
}

type testEnv struct {
	eng *countingEngine
	tm  *transaction.TransactionManager
	// widgets(id int4 not null, label text, flag bool)
	widgets common.ObjectID
}

func newTestEnv(t *testing.T) *testEnv {
	provider := &catalog.MemCatalogManager{}
	cat, err := catalog.NewCatalog(provider)
	require.NoError(t, err)
	b, err := backend.New(cat, provider, backend.Config{})
	require.NoError(t, err)
	table, err := b.DefineRelation("widgets", []catalog.Column{
		{Name: "id", Type: common.Int32Type, NotNull: true},
		{Name: "label", Type: common.TextType},
		{Name: "flag", Type: common.BoolType},
	})
	require.NoError(t, err)
	return &testEnv{
		eng:     &countingEngine{Backend: b},
		tm:      transaction.NewTransactionManager(transaction.NewLockManager(), nil),
		widgets: table.Oid,
	}
}

func (env *testEnv) defineIndex(t *testing.T, name, indexType string, column string, unique bool) common.ObjectID {
	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	rel, err := Open(env.eng, txn, env.widgets, transaction.ShareLock)
	require.NoError(t, err)
	defer rel.Close()
	def, err := env.eng.DefineIndex(txn, env.widgets, name, indexType, []string{column}, unique)
	require.NoError(t, err)
	return def.Oid
}

func widgetValues(id int32, label string, flag bool) ([]common.Value, []bool) {
	return []common.Value{common.NewInt32Value(id), common.NewTextValue(label), common.NewBoolValue(flag)},
		[]bool{false, false, false}
}

func classRowValues(oid common.ObjectID, name string) ([]common.Value, []bool) {
	values := []common.Value{
		common.NewOidValue(oid),
		common.NewNameValue(name),
		common.NewOidValue(catalog.PublicNamespaceOid),
		common.NewInt32Value(0),
		common.NewFloat32Value(-1),
		common.NewInt32Value(0),
		common.NewNullValue(common.TextType),
	}
	nulls := make([]bool, catalog.NattsPgClass)
	nulls[catalog.AnumPgClassReloptions-1] = true
	return values, nulls
}

func (env *testEnv) insertClassRow(t *testing.T, oid common.ObjectID, name string) {
	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	rel, err := Open(env.eng, txn, catalog.PgClassOid, transaction.RowExclusiveLock)
	require.NoError(t, err)
	defer rel.Close()
	tup := rel.Assemble(classRowValues(oid, name))
	defer tup.Release()
	_, err = rel.InsertWithIndexMaintenance(tup)
	require.NoError(t, err)
}

func getText(t *testing.T, tup *HeapTuple, attnum common.AttrNumber) string {
	v, ok := tup.GetAttr(attnum)
	require.True(t, ok)
	return v.StringValue()
}

func TestHeapTuple_ReleaseExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.insertClassRow(t, 50000, "t50000")
	env.eng.reset()

	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	rel, err := Open(env.eng, txn, env.widgets, transaction.RowExclusiveLock)
	require.NoError(t, err)

	owned := rel.Assemble(widgetValues(1, "a", false))
	assert.Equal(t, Owned, owned.Provenance())
	owned.Release()
	owned.Release()
	assert.Equal(t, 1, env.eng.freed)
	assert.Equal(t, 0, env.eng.cacheReleases)
	assert.Panics(t, func() { owned.GetAttr(1) })

	class, err := Open(env.eng, txn, catalog.PgClassOid, transaction.AccessShareLock)
	require.NoError(t, err)
	cached := SearchSysCache(env.eng, class, syscache.RelOid, common.NewOidValue(50000))
	require.False(t, cached.IsNull())
	assert.Equal(t, CacheBorrowed, cached.Provenance())
	cached.Release()
	cached.Release()
	assert.Equal(t, 1, env.eng.freed)
	assert.Equal(t, 1, env.eng.cacheReleases)

	class.Close()
	rel.Close()
	rel.Close()
	assert.Equal(t, 2, env.eng.tableCloses)
	assert.Equal(t, 0, txn.NumHeldLocks())
	assert.True(t, env.eng.Resources().IsZero(), env.eng.Resources().String())
}

func TestModifyContext_ReplaceBounds(t *testing.T) {
	ctx := NewModifyContext(3)
	assert.NotPanics(t, func() { ctx.Replace(1, common.NewInt32Value(1)) })
	assert.NotPanics(t, func() { ctx.Replace(3, common.NewBoolValue(true)) })
	assert.Panics(t, func() { ctx.Replace(0, common.NewInt32Value(1)) })
	assert.Panics(t, func() { ctx.Replace(4, common.NewInt32Value(1)) })
}

func TestHeapTuple_Modify(t *testing.T) {
	env := newTestEnv(t)
	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	rel, err := Open(env.eng, txn, env.widgets, transaction.RowExclusiveLock)
	require.NoError(t, err)
	defer rel.Close()

	src := rel.Assemble(widgetValues(10, "abc", true))
	defer src.Release()

	ctx := NewModifyContext(src.NumAttrs())
	ctx.Replace(2, common.NewTextValue("xyz"))
	out := src.Modify(ctx)
	defer out.Release()

	id, ok := out.GetAttr(1)
	require.True(t, ok)
	assert.Equal(t, int32(10), id.Int32Value())
	assert.Equal(t, "xyz", getText(t, out, 2))
	flag, ok := out.GetAttr(3)
	require.True(t, ok)
	assert.True(t, flag.BoolValue())
	assert.Equal(t, Owned, out.Provenance())

	// the source is untouched
	assert.Equal(t, "abc", getText(t, src, 2))

	// a context is single use
	assert.Panics(t, func() { src.Modify(ctx) })

	nullCtx := NewModifyContext(src.NumAttrs())
	nullCtx.Replace(2, common.NewNullValue(common.TextType))
	nulled := src.Modify(nullCtx)
	defer nulled.Release()
	_, ok = nulled.GetAttr(2)
	assert.False(t, ok)

	assert.Panics(t, func() { src.Modify(NewModifyContext(2)) })
}

func TestSearchSysCache_MissAndHit(t *testing.T) {
	env := newTestEnv(t)
	env.insertClassRow(t, 50001, "t50001")
	env.eng.reset()

	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	class, err := Open(env.eng, txn, catalog.PgClassOid, transaction.AccessShareLock)
	require.NoError(t, err)
	defer class.Close()

	miss := SearchSysCache(env.eng, class, syscache.RelOid, common.NewOidValue(99999))
	assert.True(t, miss.IsNull())
	miss.Release()
	assert.Equal(t, 0, env.eng.cacheReleases)
	assert.Equal(t, 0, env.eng.freed)

	hit := SearchSysCache(env.eng, class, syscache.RelOid, common.NewOidValue(50001))
	require.False(t, hit.IsNull())
	assert.Equal(t, "t50001", func() string {
		v, ok := hit.ReadDynamicField(syscache.RelOid, catalog.AnumPgClassRelname)
		require.True(t, ok)
		return v.StringValue()
	}())
	_, ok := hit.ReadDynamicField(syscache.RelOid, catalog.AnumPgClassReloptions)
	assert.False(t, ok)
	pages, ok := ReadDynamicFieldAs[int32](hit, syscache.RelOid, catalog.AnumPgClassRelpages, common.Int32Type)
	assert.True(t, ok)
	assert.Equal(t, int32(0), pages)
	_, ok = ReadDynamicFieldAs[int32](hit, syscache.RelOid, catalog.AnumPgClassReltuples, common.Int32Type)
	assert.False(t, ok)
	assert.Panics(t, func() { hit.ReadDynamicField(syscache.StatExtOid, 1) })
	hit.Release()
	assert.Equal(t, 1, env.eng.cacheReleases)
	assert.Equal(t, 0, env.eng.freed)
}

func TestOpenIndexes_NoIndexes(t *testing.T) {
	env := newTestEnv(t)
	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	rel, err := Open(env.eng, txn, env.widgets, transaction.RowExclusiveLock)
	require.NoError(t, err)
	defer rel.Close()

	state := rel.OpenIndexes()
	assert.False(t, state.HasBatch())
	tup := rel.Assemble(widgetValues(1, "a", true))
	defer tup.Release()
	_, err = rel.InsertWithState(state, tup)
	require.NoError(t, err)
	state.Close()
	state.Close()

	assert.Equal(t, 0, env.eng.batchOpens)
	assert.Equal(t, 0, env.eng.batchCloses)
}

func TestRelation_InsertThenUpdate(t *testing.T) {
	env := newTestEnv(t)
	byID := env.defineIndex(t, "widgets_id_index", "btree", "id", true)
	byLabel := env.defineIndex(t, "widgets_label_index", "hash", "label", false)
	env.eng.reset()

	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	rel, err := Open(env.eng, txn, env.widgets, transaction.RowExclusiveLock)
	require.NoError(t, err)
	defer rel.Close()
	require.Equal(t, 2, rel.NumIndexes())

	tup := rel.Assemble(widgetValues(10, "abc", true))
	defer tup.Release()
	first, err := rel.InsertWithIndexMaintenance(tup)
	require.NoError(t, err)
	assert.Equal(t, first, tup.TID())
	assert.Equal(t, env.widgets, tup.TableOid())

	ctx := NewModifyContext(rel.Desc().NumAttrs())
	ctx.Replace(2, common.NewTextValue("xyz"))
	updated := tup.Modify(ctx)
	defer updated.Release()
	second, err := rel.UpdateWithIndexMaintenance(updated)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, env.eng.batchOpens)
	assert.Equal(t, 2, env.eng.batchCloses)

	rows := rel.SeqScan()
	require.Len(t, rows, 1)
	assert.Equal(t, "xyz", getText(t, rows[0], 2))
	ReleaseAll(rows)

	rows, err = rel.ScanIndex(byID, common.NewInt32Value(10))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, second, rows[0].TID())
	ReleaseAll(rows)

	rows, err = rel.ScanIndex(byLabel, common.NewTextValue("xyz"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, second, rows[0].TID())
	ReleaseAll(rows)

	rows, err = rel.ScanIndex(byLabel, common.NewTextValue("abc"))
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = rel.ScanIndex(catalog.ClassOidIndexOid, common.NewOidValue(1))
	assert.True(t, common.HasCode(err, common.NoSuchObjectError))
}

func TestHeapTuple_CopyOfCacheRow(t *testing.T) {
	env := newTestEnv(t)
	env.insertClassRow(t, 50004, "t50004")

	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	class, err := Open(env.eng, txn, catalog.PgClassOid, transaction.RowExclusiveLock)
	require.NoError(t, err)
	defer class.Close()
	env.eng.reset()

	cached := SearchSysCache(env.eng, class, syscache.RelOid, common.NewOidValue(50004))
	require.False(t, cached.IsNull())
	copied := cached.Copy()
	assert.Equal(t, Owned, copied.Provenance())
	assert.Equal(t, cached.TID(), copied.TID())
	cached.Release()
	assert.Equal(t, 1, env.eng.cacheReleases)

	// the copy outlives the pin and can be written back
	var rec classPrefix
	require.NoError(t, DecodeFixed(copied, catalog.PgClassOid, &rec))
	rec.Relpages = 9
	require.NoError(t, EncodeFixed(copied, catalog.PgClassOid, &rec))
	_, err = class.UpdateWithIndexMaintenance(copied)
	require.NoError(t, err)
	copied.Release()
	assert.Equal(t, 1, env.eng.freed)

	again := SearchSysCache(env.eng, class, syscache.RelOid, common.NewOidValue(50004))
	require.False(t, again.IsNull())
	defer again.Release()
	pages, ok := again.GetAttr(catalog.AnumPgClassRelpages)
	require.True(t, ok)
	assert.Equal(t, int32(9), pages.Int32Value())
}

func TestRelation_ScanIndexRange(t *testing.T) {
	env := newTestEnv(t)
	byID := env.defineIndex(t, "widgets_id_index", "btree", "id", false)
	byLabel := env.defineIndex(t, "widgets_label_index", "hash", "label", false)

	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	rel, err := Open(env.eng, txn, env.widgets, transaction.RowExclusiveLock)
	require.NoError(t, err)
	defer rel.Close()
	for _, id := range []int32{3, 1, 5, 2} {
		tup := rel.Assemble(widgetValues(id, "w", false))
		_, err := rel.InsertWithIndexMaintenance(tup)
		require.NoError(t, err)
		tup.Release()
	}

	ids := func(rows []*HeapTuple) []int32 {
		defer ReleaseAll(rows)
		out := make([]int32, len(rows))
		for i, row := range rows {
			v, ok := row.GetAttr(1)
			require.True(t, ok)
			out[i] = v.Int32Value()
		}
		return out
	}

	rows, err := rel.ScanIndexRange(byID, indexing.ScanDirectionForward, 0)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3, 5}, ids(rows))

	rows, err = rel.ScanIndexRange(byID, indexing.ScanDirectionForward, 2, common.NewInt32Value(2))
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 3}, ids(rows))

	rows, err = rel.ScanIndexRange(byID, indexing.ScanDirectionBackward, 0, common.NewInt32Value(4))
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 2, 1}, ids(rows))

	rows, err = rel.ScanIndexRange(byID, indexing.ScanDirectionBackward, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{5}, ids(rows))

	rows, err = rel.ScanIndexRange(byID, indexing.ScanDirectionForward, 0, common.NewInt32Value(6))
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = rel.ScanIndexRange(byLabel, indexing.ScanDirectionForward, 0)
	assert.Error(t, err)
	_, err = rel.ScanIndexRange(catalog.ClassOidIndexOid, indexing.ScanDirectionForward, 0)
	assert.True(t, common.HasCode(err, common.NoSuchObjectError))
	assert.Equal(t, int64(0), env.eng.Resources().OwnedTuples)
}
