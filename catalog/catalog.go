package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/storage"
)

// Catalog manages relation and index metadata and provides fast lookups. The metadata is serialized as a single
// JSON blob; the catalog rows themselves (pg_class, pg_statistic_ext) live in heaps like any other relation.
//
// The system catalogs are registered on first start with fixed oids so that they can be located without reading
// any catalog row.
type Catalog struct {
	catalogState

	mu sync.RWMutex
	// In-memory structures for fast lookups
	tableMap map[string]*Table          // TableName -> Table
	oidMap   map[common.ObjectID]*Table // TableOid -> Table
	indexMap map[common.ObjectID]*Index // IndexOid -> Index
}

// RelKind distinguishes the kinds of objects that live in the relation oid space.
type RelKind string

const (
	RelKindTable RelKind = "r"
	RelKindIndex RelKind = "i"
)

// Column represents the basic unit of a table schema.
type Column struct {
	Name    string      `json:"name"`
	Type    common.Type `json:"type"`
	NotNull bool        `json:"not_null,omitempty"`
}

// Index describes an access path over a set of columns (KeySchema).
type Index struct {
	Oid       common.ObjectID `json:"oid"`
	TableOid  common.ObjectID `json:"table_oid"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`       // "hash" or "btree"
	KeySchema []string        `json:"key_schema"` // List of column names
	Unique    bool            `json:"unique,omitempty"`
}

// Table is the primary metadata structure. It groups columns and their
// associated indexes under a unique ObjectID.
type Table struct {
	Oid     common.ObjectID `json:"oid"`
	Name    string          `json:"name"`
	Kind    RelKind         `json:"kind"`
	System  bool            `json:"system,omitempty"`
	Columns []Column        `json:"columns"`
	Indexes []Index         `json:"indexes"`

	desc *storage.TupleDesc
}

// Desc returns the tuple descriptor of the table's rows.
func (t *Table) Desc() *storage.TupleDesc {
	return t.desc
}

// ColumnIndex resolves a column name to its 0-based position.
func (t *Table) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

func (t *Table) buildDesc() {
	attrs := make([]storage.Attribute, len(t.Columns))
	for i, c := range t.Columns {
		attrs[i] = storage.Attribute{Name: c.Name, Type: c.Type, NotNull: c.NotNull}
	}
	t.desc = storage.NewTupleDesc(attrs)
}

// PersistenceProvider abstracts how the catalog is saved to and loaded from disk.
type PersistenceProvider interface {
	LoadCatalogState() (json string, err error)
	SaveCatalogState(json string) error
}

func (t *Table) String() string {
	b, _ := json.MarshalIndent(t, "", "  ")
	return string(b)
}

type catalogState struct {
	NextId uint32   `json:"next_id"`
	Tables []*Table `json:"tables"`
}

func (c *Catalog) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, _ := json.MarshalIndent(&c.catalogState, "", "  ")
	return string(b)
}

func (c *Catalog) toJSON() (string, error) {
	b, err := json.MarshalIndent(&c.catalogState, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Catalog) fromJSON(jsonData string) error {
	if err := json.Unmarshal([]byte(jsonData), &c.catalogState); err != nil {
		return err
	}
	for _, t := range c.Tables {
		c.register(t)
	}
	return nil
}

func (c *Catalog) register(t *Table) {
	t.buildDesc()
	c.tableMap[t.Name] = t
	c.oidMap[t.Oid] = t
	for i := range t.Indexes {
		c.indexMap[t.Indexes[i].Oid] = &t.Indexes[i]
	}
}

// NewCatalog initializes a catalog. It attempts to load existing state
// from the provider; if no state exists, it starts with only the system catalogs.
func NewCatalog(provider PersistenceProvider) (*Catalog, error) {
	result := &Catalog{
		catalogState: catalogState{
			NextId: uint32(FirstNormalObjectID),
			Tables: make([]*Table, 0),
		},
		tableMap: make(map[string]*Table),
		oidMap:   make(map[common.ObjectID]*Table),
		indexMap: make(map[common.ObjectID]*Index),
	}

	jsonData, err := provider.LoadCatalogState()
	if errors.Is(err, os.ErrNotExist) {
		// Start from scratch
		result.bootstrap()
		jsonData, err = result.toJSON()
		if err != nil {
			return nil, err
		}
		return result, provider.SaveCatalogState(jsonData)
	}
	if err != nil {
		return nil, err
	}

	if err = result.fromJSON(jsonData); err != nil {
		// Parsing errors are fatal system errors, usually indicating corruption
		return nil, errors.Wrap(err, "failed to parse catalog state")
	}
	if _, ok := result.oidMap[PgClassOid]; !ok {
		return nil, errors.Newf("catalog state has no %s", PgClassName)
	}
	return result, nil
}

func (c *Catalog) bootstrap() {
	for _, t := range systemCatalogs() {
		c.Tables = append(c.Tables, t)
		c.register(t)
	}
}

func (c *Catalog) allocateOid() common.ObjectID {
	oid := common.ObjectID(c.NextId)
	c.NextId++
	return oid
}

// NextOid returns the oid the next allocation will hand out.
func (c *Catalog) NextOid() common.ObjectID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return common.ObjectID(c.NextId)
}

// AllocateOid hands out a fresh object id for objects that are not relations, such as statistics objects.
func (c *Catalog) AllocateOid(provider PersistenceProvider) (common.ObjectID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oid := c.allocateOid()
	return oid, c.persist(provider)
}

// AddTable registers a new table in the catalog.
// It assigns a globally unique ObjectID to the table and persists the updated state. If the table with that name
// already exists, it returns DuplicateObjectError.
func (c *Catalog) AddTable(tableName string, columns []Column, provider PersistenceProvider) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tableMap[tableName]; exists {
		return nil, common.NewError(common.DuplicateObjectError, "relation %q already exists", tableName)
	}
	if len(columns) == 0 || len(columns) > storage.MaxAttributes {
		return nil, errors.Newf("relation %q: invalid column count %d", tableName, len(columns))
	}
	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		if seen[col.Name] {
			return nil, common.NewError(common.DuplicateObjectError, "column %q specified more than once", col.Name)
		}
		seen[col.Name] = true
	}

	t := &Table{
		Oid:     c.allocateOid(),
		Name:    tableName,
		Kind:    RelKindTable,
		Columns: columns,
		Indexes: make([]Index, 0),
	}

	c.Tables = append(c.Tables, t)
	c.register(t)

	return t, c.persist(provider)
}

// GetTableMetadata fetches the schema for a specific table name.
func (c *Catalog) GetTableMetadata(tableName string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table, exists := c.tableMap[tableName]
	if !exists {
		return nil, common.NewError(common.NoSuchObjectError, "relation %q does not exist", tableName)
	}
	return table, nil
}

// GetTableByOid fetches the schema for a table oid. Index oids resolve to WrongObjectTypeError.
func (c *Catalog) GetTableByOid(oid common.ObjectID) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if table, exists := c.oidMap[oid]; exists {
		return table, nil
	}
	if idx, exists := c.indexMap[oid]; exists {
		return nil, common.NewError(common.WrongObjectTypeError, "%q is an index", idx.Name)
	}
	return nil, common.NewError(common.NoSuchObjectError, "relation with oid %d does not exist", oid)
}

// AllTables returns every registered table.
func (c *Catalog) AllTables() []*Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Table(nil), c.Tables...)
}

// AddIndex attaches a new index definition to a table. If an index with that name
// already exists, it returns DuplicateObjectError.
func (c *Catalog) AddIndex(indexName string, tableName string, indexType string, columnNames []string, unique bool,
	provider PersistenceProvider) (*Index, error) {
	table, err := c.GetTableMetadata(tableName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Index names share the relation namespace
	if _, exists := c.tableMap[indexName]; exists {
		return nil, common.NewError(common.DuplicateObjectError, "relation %q already exists", indexName)
	}
	for _, other := range c.indexMap {
		if other.Name == indexName {
			return nil, common.NewError(common.DuplicateObjectError, "index %q already exists", indexName)
		}
	}
	if indexType != "hash" && indexType != "btree" {
		return nil, errors.Newf("unsupported index type %q for index %q", indexType, indexName)
	}
	if len(columnNames) == 0 {
		return nil, errors.Newf("index %q has no key columns", indexName)
	}

	// Validate columns exist
	for _, colName := range columnNames {
		if _, ok := table.ColumnIndex(colName); !ok {
			return nil, common.NewError(common.NoSuchObjectError, "column %q does not exist in relation %q", colName, tableName)
		}
	}

	idx := Index{
		Oid:       c.allocateOid(),
		TableOid:  table.Oid,
		Name:      indexName,
		Type:      indexType,
		KeySchema: columnNames,
		Unique:    unique,
	}

	table.Indexes = append(table.Indexes, idx)
	// appending may have moved the slice
	for i := range table.Indexes {
		c.indexMap[table.Indexes[i].Oid] = &table.Indexes[i]
	}

	return &table.Indexes[len(table.Indexes)-1], c.persist(provider)
}

// DropIndex removes the definition of index oid and persists the catalog. The oid is not handed out again.
func (c *Catalog) DropIndex(oid common.ObjectID, provider PersistenceProvider) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	def, ok := c.indexMap[oid]
	if !ok {
		return common.NewError(common.NoSuchObjectError, "index %d does not exist", oid)
	}
	table := c.oidMap[def.TableOid]
	delete(c.indexMap, oid)
	table.Indexes = slices.DeleteFunc(table.Indexes, func(i Index) bool { return i.Oid == oid })
	// deleting shifted the remaining entries
	for i := range table.Indexes {
		c.indexMap[table.Indexes[i].Oid] = &table.Indexes[i]
	}
	return c.persist(provider)
}

func (c *Catalog) persist(provider PersistenceProvider) error {
	jsonData, err := c.toJSON()
	if err != nil {
		return err
	}
	return provider.SaveCatalogState(jsonData)
}

const CatalogFileName = "catalog.json"

type DiskCatalogManager struct {
	rootPath string
}

func NewDiskCatalogManager(rootPath string) *DiskCatalogManager {
	return &DiskCatalogManager{
		rootPath: rootPath,
	}
}

// LoadCatalogState implements the catalog.PersistenceProvider interface.
func (dcm *DiskCatalogManager) LoadCatalogState() (string, error) {
	path := filepath.Join(dcm.rootPath, CatalogFileName)
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err // Let the caller (Catalog) handle os.ErrNotExist
	}
	return string(content), nil
}

// SaveCatalogState implements the catalog.PersistenceProvider interface.
func (dcm *DiskCatalogManager) SaveCatalogState(jsonData string) error {
	// perform an atomic write using a temporary file.
	tmpPath := filepath.Join(dcm.rootPath, CatalogFileName+".tmp")
	finalPath := filepath.Join(dcm.rootPath, CatalogFileName)

	if err := os.WriteFile(tmpPath, []byte(jsonData), 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, finalPath)
}

// MemCatalogManager keeps the catalog state in memory. Used by tests and ephemeral databases.
type MemCatalogManager struct {
	mu    sync.Mutex
	state string
	saved bool
}

func (m *MemCatalogManager) LoadCatalogState() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return "", os.ErrNotExist
	}
	return m.state, nil
}

func (m *MemCatalogManager) SaveCatalogState(jsonData string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state, m.saved = jsonData, true
	return nil
}
