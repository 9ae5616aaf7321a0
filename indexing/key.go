package indexing

import (
	"bytes"

	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/storage"
)

// Key represents a search key in an index. It is an encoded tuple holding only the key attributes.
type Key struct {
	data []byte
	// A key is a projection of a row
	schema *storage.TupleDesc
}

// NilKey represents an empty or uninitialized key.
// It is often used to represent open bounds (Infinity) in range scans.
var NilKey = Key{}

// NewKey encodes values as a key of the given schema.
func NewKey(schema *storage.TupleDesc, values ...common.Value) Key {
	nulls := make([]bool, len(values))
	for i, v := range values {
		nulls[i] = v.IsNull()
	}
	return Key{data: storage.TupleFormer{}.Form(schema, values, nulls).Data(), schema: schema}
}

// IsNil checks if the key is the NilKey (sentinel value).
func (k Key) IsNil() bool {
	return k.schema == nil
}

// Bytes returns the encoded key.
func (k Key) Bytes() []byte {
	return k.data
}

// Value decodes the key attribute at 0-based position i.
func (k Key) Value(i int) common.Value {
	v, _ := storage.GetAttr(k.schema, k.tuple(), common.AttrNumber(i+1))
	return v
}

// HasNulls returns true if some key attribute is NULL. Such keys never collide in unique indexes.
func (k Key) HasNulls() bool {
	return !k.IsNil() && k.tuple().HasNulls()
}

func (k Key) tuple() *storage.HeapTuple {
	return storage.NewHeapTuple(common.InvalidObjectID, common.RecordID{}, k.data)
}

// Equals checks if two keys are identical.
// Returns true only if they share the same schema and have identical byte content.
func (k Key) Equals(other Key) bool {
	// Only keys with the same schema are comparable on the byte level
	return k.schema == other.schema && bytes.Equal(k.data, other.data)
}

// Compare compares this key with another key.
// Returns:
//   - -1 if k < other
//   - 0 if k == other
//   - +1 if k > other
//
// It panics if the keys have different schemas.
func (k Key) Compare(other Key) int {
	common.Assert(k.schema == other.schema, "cannot compare keys of different schemas")

	t1, t2 := k.tuple(), other.tuple()
	for i := 1; i <= k.schema.NumAttrs(); i++ {
		v1, _ := storage.GetAttr(k.schema, t1, common.AttrNumber(i))
		v2, _ := storage.GetAttr(other.schema, t2, common.AttrNumber(i))

		if cmp := v1.Compare(v2); cmp != 0 {
			return cmp
		}
	}
	return 0
}

// DeepCopy creates a complete copy of the key, including its underlying byte array.
// This is necessary when storing keys in long-lived structures (like B+Tree nodes)
// where the source byte slice might be modified or invalidated.
func (k Key) DeepCopy() Key {
	if k.IsNil() {
		return NilKey
	}
	dst := make([]byte, len(k.data))
	copy(dst, k.data)
	return Key{data: dst, schema: k.schema}
}
