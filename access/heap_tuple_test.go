package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/hypostats/catalog"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/syscache"
	"mit.edu/dsg/hypostats/transaction"
)

type widgetPrefix struct {
	ID int32
}

type classPrefix struct {
	Oid           uint32
	Relname       [common.NameLength]byte
	Relnamespace  uint32
	Relpages      int32
	Reltuples     float32
	Relallvisible int32
}

func TestHeapTuple_FixedLayout(t *testing.T) {
	env := newTestEnv(t)
	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	rel, err := Open(env.eng, txn, env.widgets, transaction.RowExclusiveLock)
	require.NoError(t, err)
	defer rel.Close()

	tup := rel.Assemble(widgetValues(7, "seven", false))
	defer tup.Release()

	var rec widgetPrefix
	require.NoError(t, DecodeFixed(tup, env.widgets, &rec))
	assert.Equal(t, int32(7), rec.ID)

	rec.ID = 8
	require.NoError(t, EncodeFixed(tup, env.widgets, &rec))
	id, ok := tup.GetAttr(1)
	require.True(t, ok)
	assert.Equal(t, int32(8), id.Int32Value())
	assert.Equal(t, "seven", getText(t, tup, 2))

	// right width, wrong kind
	var asFloat struct{ ID float32 }
	err = DecodeFixed(tup, env.widgets, &asFloat)
	assert.True(t, common.HasCode(err, common.LayoutMismatchError))
	assert.True(t, common.HasCode(EncodeFixed(tup, env.widgets, &asFloat), common.LayoutMismatchError))
	var asOid struct{ ID uint32 }
	assert.True(t, common.HasCode(DecodeFixed(tup, env.widgets, &asOid), common.LayoutMismatchError))

	// reaches into the variable-width attributes
	var class classPrefix
	err = DecodeFixed(tup, env.widgets, &class)
	assert.True(t, common.HasCode(err, common.LayoutMismatchError))

	// row of another relation
	err = DecodeFixed(tup, catalog.PgClassOid, &rec)
	assert.True(t, common.HasCode(err, common.LayoutMismatchError))

	var notFixed struct{ Name string }
	assert.Error(t, DecodeFixed(tup, env.widgets, &notFixed))
}

func TestHeapTuple_FixedLayoutNullableAttribute(t *testing.T) {
	env := newTestEnv(t)
	gauges, err := env.eng.DefineRelation("gauges", []catalog.Column{
		{Name: "id", Type: common.Int32Type, NotNull: true},
		{Name: "level", Type: common.Int32Type},
	})
	require.NoError(t, err)

	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	rel, err := Open(env.eng, txn, gauges.Oid, transaction.RowExclusiveLock)
	require.NoError(t, err)
	defer rel.Close()
	tup := rel.Assemble([]common.Value{common.NewInt32Value(1), common.NewInt32Value(2)}, []bool{false, false})
	defer tup.Release()

	// the kinds match but level may be NULL, so it is not part of the fixed prefix
	var rec struct{ ID, Level int32 }
	assert.True(t, common.HasCode(DecodeFixed(tup, gauges.Oid, &rec), common.LayoutMismatchError))

	var idOnly widgetPrefix
	require.NoError(t, DecodeFixed(tup, gauges.Oid, &idOnly))
	assert.Equal(t, int32(1), idOnly.ID)
}

func TestHeapTuple_FixedLayoutOfCacheRow(t *testing.T) {
	env := newTestEnv(t)
	env.insertClassRow(t, 50002, "t50002")

	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	class, err := Open(env.eng, txn, catalog.PgClassOid, transaction.AccessShareLock)
	require.NoError(t, err)
	defer class.Close()

	tup := SearchSysCache(env.eng, class, syscache.RelOid, common.NewOidValue(50002))
	require.False(t, tup.IsNull())
	defer tup.Release()

	var rec classPrefix
	require.NoError(t, DecodeFixed(tup, catalog.PgClassOid, &rec))
	assert.Equal(t, uint32(50002), rec.Oid)
	assert.Equal(t, "t50002", string(rec.Relname[:6]))
	assert.Equal(t, byte(0), rec.Relname[6])
	assert.Equal(t, uint32(catalog.PublicNamespaceOid), rec.Relnamespace)
	assert.Equal(t, float32(-1), rec.Reltuples)

	// cache rows are read-only
	assert.Panics(t, func() { _ = EncodeFixed(tup, catalog.PgClassOid, &rec) })
}

func TestSearchSysCache_WrongRelationUnpins(t *testing.T) {
	env := newTestEnv(t)
	env.insertClassRow(t, 50002, "t50002")

	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	widgets, err := Open(env.eng, txn, env.widgets, transaction.AccessShareLock)
	require.NoError(t, err)
	defer widgets.Close()
	env.eng.reset()

	assert.Panics(t, func() { SearchSysCache(env.eng, widgets, syscache.RelOid, common.NewOidValue(50002)) })
	assert.Equal(t, 1, env.eng.cacheReleases)
	assert.Equal(t, int64(0), env.eng.SysCache().PinnedCount())
	assert.Equal(t, int64(0), env.eng.Resources().CachePins)
}

func TestRelation_WriteChecks(t *testing.T) {
	env := newTestEnv(t)
	env.insertClassRow(t, 50003, "t50003")

	txn := env.tm.Begin()
	defer env.tm.Commit(txn)

	reader, err := Open(env.eng, txn, env.widgets, transaction.AccessShareLock)
	require.NoError(t, err)
	tup := reader.Assemble(widgetValues(1, "a", true))
	defer tup.Release()
	assert.Panics(t, func() { _, _ = reader.InsertWithIndexMaintenance(tup) })
	reader.Close()

	// NoLock is accepted when a writer lock is already held
	writer, err := Open(env.eng, txn, env.widgets, transaction.RowExclusiveLock)
	require.NoError(t, err)
	borrowed, err := Open(env.eng, txn, env.widgets, transaction.NoLock)
	require.NoError(t, err)
	_, err = borrowed.InsertWithIndexMaintenance(tup)
	assert.NoError(t, err)
	borrowed.Close()
	writer.Close()

	class, err := Open(env.eng, txn, catalog.PgClassOid, transaction.RowExclusiveLock)
	require.NoError(t, err)
	defer class.Close()
	cached := SearchSysCache(env.eng, class, syscache.RelOid, common.NewOidValue(50003))
	require.False(t, cached.IsNull())
	defer cached.Release()
	assert.Panics(t, func() { _, _ = class.UpdateWithIndexMaintenance(cached) })

	// a widgets tuple does not fit pg_class
	assert.Panics(t, func() { _, _ = class.InsertWithIndexMaintenance(tup) })

	assert.Panics(t, func() { _, _ = class.InsertWithIndexMaintenance(nil) })
}

func TestRelation_CloseWithOpenState(t *testing.T) {
	env := newTestEnv(t)
	txn := env.tm.Begin()
	defer env.tm.Commit(txn)

	class, err := Open(env.eng, txn, catalog.PgClassOid, transaction.RowExclusiveLock)
	require.NoError(t, err)
	state := class.OpenIndexes()
	assert.True(t, state.HasBatch())
	assert.Same(t, class, state.Relation())
	assert.Panics(t, func() { class.OpenIndexes() })
	assert.Panics(t, func() { class.Close() })
	assert.False(t, class.IsClosed())

	state.Close()
	class.Close()
	assert.True(t, class.IsClosed())
	assert.Panics(t, func() { class.Desc() })
	assert.Equal(t, 0, txn.NumHeldLocks())
}

func TestRelation_OpenErrors(t *testing.T) {
	env := newTestEnv(t)
	txn := env.tm.Begin()
	defer env.tm.Commit(txn)

	_, err := Open(env.eng, txn, 424242, transaction.AccessShareLock)
	assert.True(t, common.HasCode(err, common.NoSuchObjectError))
	_, err = Open(env.eng, txn, catalog.ClassOidIndexOid, transaction.AccessShareLock)
	assert.True(t, common.HasCode(err, common.WrongObjectTypeError))
	assert.Equal(t, 0, txn.NumHeldLocks())

	var rel *Relation
	assert.NotPanics(t, func() { rel.Close() })
}

func TestRelation_UniqueViolation(t *testing.T) {
	env := newTestEnv(t)
	byID := env.defineIndex(t, "widgets_id_index", "btree", "id", true)

	txn := env.tm.Begin()
	defer env.tm.Commit(txn)
	rel, err := Open(env.eng, txn, env.widgets, transaction.RowExclusiveLock)
	require.NoError(t, err)
	defer rel.Close()

	state := rel.OpenIndexes()
	first := rel.Assemble(widgetValues(1, "one", true))
	defer first.Release()
	_, err = rel.InsertWithState(state, first)
	require.NoError(t, err)

	dup := rel.Assemble(widgetValues(1, "uno", false))
	defer dup.Release()
	_, err = rel.InsertWithState(state, dup)
	assert.True(t, common.HasCode(err, common.UniqueViolationError))
	tid := dup.TID()
	assert.True(t, tid.IsNil())
	state.Close()

	rows := rel.SeqScan()
	defer ReleaseAll(rows)
	require.Len(t, rows, 1)
	assert.Equal(t, "one", getText(t, rows[0], 2))

	found, err := rel.ScanIndex(byID, common.NewInt32Value(1))
	require.NoError(t, err)
	defer ReleaseAll(found)
	assert.Len(t, found, 1)
}
