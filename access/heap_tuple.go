package access

import (
	"bytes"
	"encoding/binary"
	"reflect"

	"github.com/cockroachdb/errors"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/storage"
	"mit.edu/dsg/hypostats/syscache"
)

// Provenance records where a tuple's memory came from, which decides how it is released.
type Provenance int

const (
	// Owned tuples were built or copied for the caller and are freed on release.
	Owned Provenance = iota
	// CacheBorrowed tuples are pinned system cache rows and are unpinned on release.
	CacheBorrowed
)

func (p Provenance) String() string {
	switch p {
	case Owned:
		return "Owned"
	case CacheBorrowed:
		return "CacheBorrowed"
	}
	return "Unknown"
}

// HeapTuple is one catalog row together with its shape and provenance. A nil *HeapTuple is the result of a cache
// miss: IsNull reports true and Release does nothing.
type HeapTuple struct {
	eng        Engine
	raw        *storage.HeapTuple
	desc       *storage.TupleDesc
	provenance Provenance
	// set for CacheBorrowed tuples
	entry    *syscache.Entry
	released bool
}

// Assemble builds a new Owned tuple of shape desc. values and nulls must have one entry per attribute; a set null
// flag makes the value at that position ignored.
func Assemble(eng Engine, desc *storage.TupleDesc, values []common.Value, nulls []bool) *HeapTuple {
	common.Assert(len(values) == desc.NumAttrs() && len(nulls) == desc.NumAttrs(),
		"assembling %d values and %d null flags for %d attributes", len(values), len(nulls), desc.NumAttrs())
	return &HeapTuple{eng: eng, raw: eng.FormTuple(desc, values, nulls), desc: desc, provenance: Owned}
}

// FromSysCache wraps a pinned cache row of rel. A nil entry (cache miss) gives a nil tuple. A row of another
// relation is unpinned before the call fails.
func FromSysCache(rel *Relation, e *syscache.Entry) *HeapTuple {
	if e == nil {
		return nil
	}
	if owner := e.Tuple().TableOid; owner != rel.Oid() {
		// the pin would otherwise outlive the failed call
		rel.eng.ReleaseSysCache(e)
		common.Assert(false, "cache %s row of relation %d wrapped with relation %q", e.CacheID(), owner, rel.Name())
	}
	return &HeapTuple{eng: rel.eng, raw: e.Tuple(), desc: rel.Desc(), provenance: CacheBorrowed, entry: e}
}

// SearchSysCache looks up the row with the given key in a system cache over rel. It returns nil on a miss.
func SearchSysCache(eng Engine, rel *Relation, id syscache.CacheID, key common.Value) *HeapTuple {
	return FromSysCache(rel, eng.SearchSysCache(id, key))
}

// IsNull returns true for the nil tuple of a cache miss.
func (t *HeapTuple) IsNull() bool {
	return t == nil
}

func (t *HeapTuple) checkLive() {
	common.Assert(t != nil, "use of null tuple")
	common.Assert(!t.released, "use of released %s tuple", t.provenance)
}

func (t *HeapTuple) Provenance() Provenance {
	t.checkLive()
	return t.provenance
}

// TID returns the tuple's row identity; it is nil for tuples that were never stored.
func (t *HeapTuple) TID() common.RecordID {
	t.checkLive()
	return t.raw.Self
}

// TableOid returns the relation the tuple belongs to.
func (t *HeapTuple) TableOid() common.ObjectID {
	t.checkLive()
	return t.raw.TableOid
}

func (t *HeapTuple) NumAttrs() int {
	t.checkLive()
	return t.desc.NumAttrs()
}

// Desc returns the tuple's shape.
func (t *HeapTuple) Desc() *storage.TupleDesc {
	t.checkLive()
	return t.desc
}

// GetAttr decodes attribute attnum (1-based). The boolean is false if the attribute is NULL.
func (t *HeapTuple) GetAttr(attnum common.AttrNumber) (common.Value, bool) {
	t.checkLive()
	v, isNull := storage.GetAttr(t.desc, t.raw, attnum)
	if isNull {
		return common.Value{}, false
	}
	return v, true
}

// Modify returns a new Owned tuple: attributes marked in ctx take ctx's value or NULL, the others are copied from
// t. t is left unchanged and ctx is consumed.
func (t *HeapTuple) Modify(ctx *ModifyContext) *HeapTuple {
	t.checkLive()
	common.Assert(ctx.NumAttrs() == t.desc.NumAttrs(), "modify context has %d attributes, tuple has %d",
		ctx.NumAttrs(), t.desc.NumAttrs())
	values, nulls, replace := ctx.consume()
	raw := t.eng.ModifyTuple(t.desc, t.raw, values, nulls, replace)
	return &HeapTuple{eng: t.eng, raw: raw, desc: t.desc, provenance: Owned}
}

// Copy returns an Owned copy of t with the same identity. A cache row copied this way can be changed with
// EncodeFixed and written back with UpdateWithIndexMaintenance.
func (t *HeapTuple) Copy() *HeapTuple {
	t.checkLive()
	return &HeapTuple{eng: t.eng, raw: t.eng.CopyTuple(t.raw), desc: t.desc, provenance: Owned}
}

// Release gives the tuple back through the path its provenance requires: cache rows are unpinned, owned tuples
// are freed. Only the first call has an effect; releasing the nil tuple does nothing.
func (t *HeapTuple) Release() {
	if t == nil || t.released {
		return
	}
	t.released = true
	switch t.provenance {
	case CacheBorrowed:
		t.eng.ReleaseSysCache(t.entry)
	case Owned:
		t.eng.FreeTuple(t.raw)
	}
}

// ReadDynamicField decodes attribute attnum of a cache row through the cache's own accessor. It works for any
// attribute, including those past the fixed-width prefix. The boolean is false if the attribute is NULL.
func (t *HeapTuple) ReadDynamicField(id syscache.CacheID, attnum common.AttrNumber) (common.Value, bool) {
	t.checkLive()
	common.Assert(t.provenance == CacheBorrowed, "dynamic field read on %s tuple", t.provenance)
	common.Assert(t.entry.CacheID() == id, "tuple comes from cache %s, not %s", t.entry.CacheID(), id)
	v, isNull := t.eng.SysCacheGetAttr(id, t.raw, attnum)
	if isNull {
		return common.Value{}, false
	}
	return v, true
}

// ReadDynamicFieldAs is ReadDynamicField converted to the Go type T. It reports false if the attribute is NULL or
// its type is not typ.
func ReadDynamicFieldAs[T any](t *HeapTuple, id syscache.CacheID, attnum common.AttrNumber, typ common.Type) (T, bool) {
	var zero T
	v, ok := t.ReadDynamicField(id, attnum)
	if !ok || v.Type() != typ {
		return zero, false
	}
	result, ok := v.Interface().(T)
	if !ok {
		return zero, false
	}
	return result, true
}

func (t *HeapTuple) fixedRegion(relid common.ObjectID, rec any) ([]byte, int, error) {
	t.checkLive()
	if t.raw.TableOid != relid {
		return nil, 0, common.NewError(common.LayoutMismatchError,
			"tuple of relation %d read as a row of relation %d", t.raw.TableOid, relid)
	}
	size := binary.Size(rec)
	if size < 0 {
		return nil, 0, errors.AssertionFailedf("%T has no fixed-size layout", rec)
	}
	if err := checkFixedFields(t.desc, relid, rec); err != nil {
		return nil, 0, err
	}
	if prefix := t.desc.FixedPrefixSize(); prefix < size {
		return nil, 0, common.NewError(common.LayoutMismatchError,
			"%T needs %d bytes, relation %d has a fixed-width prefix of %d", rec, size, relid, prefix)
	}
	return t.raw.FixedRegion(t.desc), size, nil
}

// checkFixedFields matches the i-th field of the struct behind rec against the i-th attribute of desc.
func checkFixedFields(desc *storage.TupleDesc, relid common.ObjectID, rec any) error {
	st := reflect.TypeOf(rec)
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() != reflect.Struct {
		return errors.AssertionFailedf("%T is not a struct", rec)
	}
	if st.NumField() > desc.NumAttrs() {
		return common.NewError(common.LayoutMismatchError,
			"%T has %d fields, relation %d has %d attributes", rec, st.NumField(), relid, desc.NumAttrs())
	}
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		if typ := desc.AttrType(i); !fieldHolds(field.Type, typ) {
			return common.NewError(common.LayoutMismatchError, "field %s of %T is %s, attribute %d of relation %d is %s",
				field.Name, rec, field.Type, i+1, relid, typ)
		}
	}
	return nil
}

// fieldHolds reports whether a struct field of type ft has the binary layout of typ.
func fieldHolds(ft reflect.Type, typ common.Type) bool {
	switch typ {
	case common.BoolType:
		return ft.Kind() == reflect.Bool
	case common.Int16Type:
		return ft.Kind() == reflect.Int16
	case common.Int32Type:
		return ft.Kind() == reflect.Int32
	case common.Int64Type:
		return ft.Kind() == reflect.Int64
	case common.Float32Type:
		return ft.Kind() == reflect.Float32
	case common.OidType:
		return ft.Kind() == reflect.Uint32
	case common.NameType:
		return ft.Kind() == reflect.Array && ft.Len() == common.NameLength && ft.Elem().Kind() == reflect.Uint8
	}
	return false
}

// DecodeFixed decodes the fixed-width NOT NULL prefix of a row of relation relid into rec, a pointer to a struct
// whose fields mirror the leading attributes.
func DecodeFixed(t *HeapTuple, relid common.ObjectID, rec any) error {
	region, size, err := t.fixedRegion(relid, rec)
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(region[:size]), binary.LittleEndian, rec)
}

// EncodeFixed writes rec back over the fixed-width prefix of an Owned row of relation relid.
func EncodeFixed(t *HeapTuple, relid common.ObjectID, rec any) error {
	t.checkLive()
	common.Assert(t.provenance == Owned, "writing into a %s tuple", t.provenance)
	region, size, err := t.fixedRegion(relid, rec)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Grow(size)
	if err := binary.Write(&buf, binary.LittleEndian, rec); err != nil {
		return err
	}
	copy(region, buf.Bytes())
	return nil
}
