package syscache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/storage"
	"mit.edu/dsg/hypostats/transaction"
)

var testDesc = storage.NewTupleDesc([]storage.Attribute{
	{Name: "oid", Type: common.OidType, NotNull: true},
	{Name: "name", Type: common.NameType, NotNull: true},
})

type fakeCatalog struct {
	mu    sync.Mutex
	rows  map[common.ObjectID]string
	loads atomic.Int64
}

func (f *fakeCatalog) load(def CacheDef, key common.Value) *storage.HeapTuple {
	f.loads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.rows[key.OidValue()]
	if !ok {
		return nil
	}
	tup := storage.TupleFormer{}.Form(testDesc,
		[]common.Value{key, common.NewNameValue(name)}, []bool{false, false})
	tup.TableOid = def.RelOid
	return tup
}

func (f *fakeCatalog) set(oid common.ObjectID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[oid] = name
}

func newTestCache() (*SysCache, *fakeCatalog) {
	f := &fakeCatalog{rows: map[common.ObjectID]string{16384: "accounts"}}
	c := New([]CacheDef{
		{ID: RelOid, RelOid: 1259, IndexOid: 2662, KeyAttr: 1},
		{ID: StatExtOid, RelOid: 3381, IndexOid: 3380, KeyAttr: 1},
	}, f.load, nil)
	return c, f
}

func nameOf(t *testing.T, e *Entry) string {
	v, isNull := storage.GetAttr(testDesc, e.Tuple(), 2)
	require.False(t, isNull)
	return v.StringValue()
}

func TestSysCache_HitPinsAndReleases(t *testing.T) {
	c, f := newTestCache()

	e := c.Search(RelOid, common.NewOidValue(16384))
	require.NotNil(t, e)
	assert.Equal(t, "accounts", nameOf(t, e))
	assert.Equal(t, int64(1), c.PinnedCount())

	again := c.Search(RelOid, common.NewOidValue(16384))
	assert.Same(t, e, again)
	assert.Equal(t, 2, e.RefCount())
	assert.Equal(t, int64(1), f.loads.Load())

	c.Release(e)
	c.Release(again)
	assert.Equal(t, int64(0), c.PinnedCount())
	assert.Panics(t, func() { c.Release(e) })

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestSysCache_MissPinsNothing(t *testing.T) {
	c, _ := newTestCache()
	assert.Nil(t, c.Search(RelOid, common.NewOidValue(1)))
	assert.Equal(t, int64(0), c.PinnedCount())
}

func TestSysCache_InvalidateKeepsPinnedTupleValid(t *testing.T) {
	c, f := newTestCache()
	old := c.Search(RelOid, common.NewOidValue(16384))
	require.NotNil(t, old)

	f.set(16384, "renamed")
	c.Invalidate(RelOid, common.NewOidValue(16384))
	assert.Equal(t, "accounts", nameOf(t, old))

	fresh := c.Search(RelOid, common.NewOidValue(16384))
	require.NotNil(t, fresh)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, "renamed", nameOf(t, fresh))

	c.Release(old)
	c.Release(fresh)
	assert.Equal(t, int64(0), c.PinnedCount())
}

func TestSysCache_InvalidateCatalogOnAbort(t *testing.T) {
	c, f := newTestCache()
	e := c.Search(RelOid, common.NewOidValue(16384))
	require.NotNil(t, e)
	c.Release(e)

	tm := transaction.NewTransactionManager(transaction.NewLockManager(), nil)
	txn := tm.Begin()
	txn.AddCleanup(transaction.CleanupTask{
		Target: c,
		Type:   transaction.CleanupTypeInvalidate,
		RID:    common.RecordID{PageID: common.PageID{Oid: 1259}},
	})
	tm.Abort(txn)

	e = c.Search(RelOid, common.NewOidValue(16384))
	require.NotNil(t, e)
	c.Release(e)
	assert.Equal(t, int64(2), f.loads.Load())
	assert.Len(t, c.CachesOn(1259), 1)
	assert.Empty(t, c.CachesOn(42))
}

func TestSysCache_ConcurrentLookups(t *testing.T) {
	c, _ := newTestCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if e := c.Search(RelOid, common.NewOidValue(16384)); e != nil {
					c.Release(e)
				}
				if j%50 == 0 {
					c.Invalidate(RelOid, common.NewOidValue(16384))
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), c.PinnedCount())
}
