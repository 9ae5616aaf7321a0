package backend

import (
	"fmt"
	"sync/atomic"
)

// ResourceCounts is a snapshot of the engine resources held by a unit of work.
type ResourceCounts struct {
	OpenRelations int64
	OwnedTuples   int64
	CachePins     int64
	IndexBatches  int64
}

// IsZero returns true if nothing is held.
func (r ResourceCounts) IsZero() bool {
	return r == ResourceCounts{}
}

func (r ResourceCounts) String() string {
	return fmt.Sprintf("relations=%d tuples=%d pins=%d batches=%d",
		r.OpenRelations, r.OwnedTuples, r.CachePins, r.IndexBatches)
}

// ResourceOwner accounts for the engine resources acquired on behalf of one unit of work. Every acquisition is
// matched by a release; whatever is left when the unit ends has leaked.
type ResourceOwner struct {
	name          string
	openRelations atomic.Int64
	ownedTuples   atomic.Int64
	cachePins     atomic.Int64
	indexBatches  atomic.Int64
}

// NewResourceOwner creates an owner; name shows up in leak reports.
func NewResourceOwner(name string) *ResourceOwner {
	return &ResourceOwner{name: name}
}

func (o *ResourceOwner) Name() string {
	return o.name
}

// Counts returns what the owner currently holds.
func (o *ResourceOwner) Counts() ResourceCounts {
	return ResourceCounts{
		OpenRelations: o.openRelations.Load(),
		OwnedTuples:   o.ownedTuples.Load(),
		CachePins:     o.cachePins.Load(),
		IndexBatches:  o.indexBatches.Load(),
	}
}

// counter selects one of the owner's counters.
type counter func(*ResourceOwner) *atomic.Int64

func (o *ResourceOwner) add(c counter, delta int64) {
	if o != nil {
		c(o).Add(delta)
	}
}

func relationsOf(o *ResourceOwner) *atomic.Int64 { return &o.openRelations }
func tuplesOf(o *ResourceOwner) *atomic.Int64    { return &o.ownedTuples }
func pinsOf(o *ResourceOwner) *atomic.Int64      { return &o.cachePins }
func batchesOf(o *ResourceOwner) *atomic.Int64   { return &o.indexBatches }
