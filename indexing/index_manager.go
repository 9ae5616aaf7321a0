package indexing

import (
	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/hypostats/catalog"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/storage"
)

// IndexManager manages the runtime lifecycle of index structures.
// Indexes of the catalog are created at startup; indexes added later are registered as they are created.
type IndexManager struct {
	// runtimeIndexes maps index oid -> Actual Index Implementation
	runtimeIndexes *xsync.MapOf[common.ObjectID, Index]
}

// NewIndexManager initializes the IndexManager by creating empty runtime index
// structures for every index defined in the Catalog.
func NewIndexManager(c *catalog.Catalog) (*IndexManager, error) {
	im := &IndexManager{
		runtimeIndexes: xsync.NewMapOf[common.ObjectID, Index](),
	}

	for _, table := range c.AllTables() {
		for _, i := range table.Indexes {
			if _, err := im.RegisterIndex(table, i); err != nil {
				return nil, err
			}
		}
	}

	return im, nil
}

// RegisterIndex creates the empty runtime structure for an index of table.
func (im *IndexManager) RegisterIndex(table *catalog.Table, i catalog.Index) (Index, error) {
	indices := make([]int, len(i.KeySchema))
	keyAttrs := make([]storage.Attribute, len(i.KeySchema))
	for k, name := range i.KeySchema {
		colIdx, ok := table.ColumnIndex(name)
		if !ok {
			return nil, errors.Newf("column '%s' in index definition does not exist in table '%s'", name, table.Name)
		}
		indices[k] = colIdx
		keyAttrs[k] = storage.Attribute{Name: name, Type: table.Columns[colIdx].Type}
	}

	metadata := &IndexMetadata{
		Oid:            i.Oid,
		KeySchema:      storage.NewTupleDesc(keyAttrs),
		ProjectionList: indices,
		Unique:         i.Unique,
	}

	var idx Index
	switch i.Type {
	case "hash":
		idx = NewMemHashIndex(metadata)
	case "btree":
		idx = NewMemBTreeIndex(metadata)
	default:
		return nil, errors.Newf("unsupported index type '%s' for index '%s'", i.Type, i.Name)
	}

	actual, loaded := im.runtimeIndexes.LoadOrStore(i.Oid, idx)
	if loaded {
		return nil, common.NewError(common.DuplicateObjectError, "index %d is already registered", i.Oid)
	}
	return actual, nil
}

// UnregisterIndex drops the runtime structure of index oid. Unknown oids are ignored.
func (im *IndexManager) UnregisterIndex(oid common.ObjectID) {
	im.runtimeIndexes.Delete(oid)
}

// GetIndex retrieves an active index by its oid.
func (im *IndexManager) GetIndex(oid common.ObjectID) (Index, error) {
	if idx, exists := im.runtimeIndexes.Load(oid); exists {
		return idx, nil
	}
	return nil, common.NewError(common.NoSuchObjectError, "index %d not found", oid)
}

// IndexesOf returns the runtime indexes of table in definition order.
func (im *IndexManager) IndexesOf(table *catalog.Table) ([]Index, error) {
	result := make([]Index, 0, len(table.Indexes))
	for _, i := range table.Indexes {
		idx, err := im.GetIndex(i.Oid)
		if err != nil {
			return nil, err
		}
		result = append(result, idx)
	}
	return result, nil
}
