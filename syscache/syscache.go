package syscache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/logging"
	"mit.edu/dsg/hypostats/storage"
	"mit.edu/dsg/hypostats/transaction"
)

// CacheID names one of the system caches.
type CacheID int

const (
	// RelOid caches pg_class rows by relation oid.
	RelOid CacheID = iota
	// StatExtOid caches pg_statistic_ext rows by statistics object oid.
	StatExtOid
	NumCaches
)

func (id CacheID) String() string {
	switch id {
	case RelOid:
		return "RELOID"
	case StatExtOid:
		return "STATEXTOID"
	}
	return fmt.Sprintf("CacheID(%d)", int(id))
}

// CacheDef describes where the rows of a cache come from.
type CacheDef struct {
	ID CacheID
	// Catalog relation holding the rows.
	RelOid common.ObjectID
	// Unique index used for lookups.
	IndexOid common.ObjectID
	// Attribute of the catalog row the cache is keyed by.
	KeyAttr common.AttrNumber
}

// Loader fetches the catalog row whose key attribute equals key through the given index. It returns nil when no
// row matches. The returned tuple becomes owned by the cache.
type Loader func(def CacheDef, key common.Value) *storage.HeapTuple

// Entry is a cached catalog row. A pinned entry stays valid, even after invalidation, until it is released.
type Entry struct {
	cacheID CacheID
	key     string
	tuple   *storage.HeapTuple

	mu       sync.Mutex
	refcount int
	dead     bool
}

// CacheID returns the cache the entry belongs to.
func (e *Entry) CacheID() CacheID {
	return e.cacheID
}

// Tuple returns the cached row. The tuple is owned by the cache and must not be modified.
func (e *Entry) Tuple() *storage.HeapTuple {
	return e.tuple
}

// RefCount returns the number of outstanding pins.
func (e *Entry) RefCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refcount
}

// pin fails if the entry was invalidated in the meantime.
func (e *Entry) pin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	e.refcount++
	return true
}

type entryKey struct {
	id  CacheID
	key string
}

func keyString(v common.Value) string {
	return v.Type().String() + ":" + v.String()
}

// SysCache caches catalog rows by key. Lookups pin the returned entry; every pin must be given back exactly once
// with Release.
type SysCache struct {
	defs    [NumCaches]CacheDef
	entries *xsync.MapOf[entryKey, *Entry]
	loader  Loader
	logger  *slog.Logger

	pinned atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache over the given definitions.
func New(defs []CacheDef, loader Loader, logger *slog.Logger) *SysCache {
	c := &SysCache{
		entries: xsync.NewMapOf[entryKey, *Entry](),
		loader:  loader,
		logger:  logging.OrDiscard(logger),
	}
	for _, def := range defs {
		common.Assert(def.ID >= 0 && def.ID < NumCaches, "invalid cache id %d", def.ID)
		c.defs[def.ID] = def
	}
	return c
}

// Def returns the definition of a cache.
func (c *SysCache) Def(id CacheID) CacheDef {
	common.Assert(id >= 0 && id < NumCaches, "invalid cache id %d", id)
	return c.defs[id]
}

// Search looks up the row with the given key and pins it. It returns nil if no such row exists; nothing is pinned
// in that case.
func (c *SysCache) Search(id CacheID, key common.Value) *Entry {
	def := c.Def(id)
	ek := entryKey{id: id, key: keyString(key)}

	for {
		if e, ok := c.entries.Load(ek); ok {
			if e.pin() {
				c.hits.Add(1)
				c.pinned.Add(1)
				return e
			}
			// invalidated between Load and pin; it is already gone from the map
			continue
		}

		c.misses.Add(1)
		tuple := c.loader(def, key)
		if tuple == nil {
			return nil
		}
		fresh := &Entry{cacheID: id, key: ek.key, tuple: tuple}
		actual, _ := c.entries.LoadOrStore(ek, fresh)
		if actual.pin() {
			c.pinned.Add(1)
			return actual
		}
	}
}

// Release gives back one pin taken by Search.
func (c *SysCache) Release(e *Entry) {
	common.Assert(e != nil, "releasing nil cache entry")
	e.mu.Lock()
	common.Assert(e.refcount > 0, "cache entry %s %s released more often than pinned", e.cacheID, e.key)
	e.refcount--
	e.mu.Unlock()
	c.pinned.Add(-1)
}

// Invalidate drops the entry with the given key. Holders of pins keep a valid tuple until they release it; later
// lookups reload the row.
func (c *SysCache) Invalidate(id CacheID, key common.Value) {
	ek := entryKey{id: id, key: keyString(key)}
	if e, ok := c.entries.LoadAndDelete(ek); ok {
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
		c.logger.Debug("syscache invalidate", "cache", id.String(), "key", ek.key)
	}
}

// InvalidateCatalog drops every entry of the caches built on catalog relation relid.
func (c *SysCache) InvalidateCatalog(relid common.ObjectID) {
	c.entries.Range(func(ek entryKey, e *Entry) bool {
		if c.defs[ek.id].RelOid == relid {
			c.entries.Delete(ek)
			e.mu.Lock()
			e.dead = true
			e.mu.Unlock()
		}
		return true
	})
}

// CachesOn returns the caches built on catalog relation relid.
func (c *SysCache) CachesOn(relid common.ObjectID) []CacheDef {
	var defs []CacheDef
	for _, def := range c.defs {
		if def.RelOid == relid && def.RelOid != common.InvalidObjectID {
			defs = append(defs, def)
		}
	}
	return defs
}

// PinnedCount returns the number of outstanding pins across all caches.
func (c *SysCache) PinnedCount() int64 {
	return c.pinned.Load()
}

// Stats returns the number of lookups served from the cache and the number that went to the loader.
func (c *SysCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Invoke drops cached rows of the catalog a rolled back transaction wrote to. rid identifies the catalog.
func (c *SysCache) Invoke(opType transaction.CleanupType, _ []byte, rid common.RecordID) {
	if opType == transaction.CleanupTypeInvalidate {
		c.InvalidateCatalog(rid.Oid)
	}
}
