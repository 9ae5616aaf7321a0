package common

import (
	"fmt"
	"slices"
)

// NameLength is the fixed storage width of a NameType value, including the terminating zero byte.
const NameLength int = 64

type Type int8

const (
	// For uninitialized Values
	DefaultType Type = iota
	BoolType
	Int16Type
	Int32Type
	Int64Type
	Float32Type
	OidType
	NameType
	TextType
	Int2VectorType
)

// Size returns the fixed-width storage size of the type in bytes, or -1 for variable-length types.
func (t Type) Size() int {
	switch t {
	case BoolType:
		return 1
	case Int16Type:
		return 2
	case Int32Type, Float32Type, OidType:
		return 4
	case Int64Type:
		return 8
	case NameType:
		return NameLength
	case TextType, Int2VectorType:
		return -1
	default:
		panic("unknown type")
	}
}

// IsFixed returns true if values of the type always occupy Size() bytes.
func (t Type) IsFixed() bool {
	return t.Size() > 0
}

func (t Type) String() string {
	switch t {
	case BoolType:
		return "bool"
	case Int16Type:
		return "int2"
	case Int32Type:
		return "int4"
	case Int64Type:
		return "int8"
	case Float32Type:
		return "float4"
	case OidType:
		return "oid"
	case NameType:
		return "name"
	case TextType:
		return "text"
	case Int2VectorType:
		return "int2vector"
	}
	return "unknown"
}

// ObjectID is a unique identifier for a relation/index/statistics object in the database.
type ObjectID uint32

const InvalidObjectID ObjectID = 0

// AttrNumber numbers the attributes of a relation starting from 1.
type AttrNumber int16

const InvalidAttrNumber AttrNumber = 0

// PageID identifies a block of a relation's heap.
type PageID struct {
	Oid     ObjectID
	PageNum int32
}

func (p *PageID) String() string {
	return fmt.Sprintf("Page(%d, %d)", p.Oid, p.PageNum)
}

// IsNil checks if the PageID is valid.
func (p *PageID) IsNil() bool {
	return p.Oid == 0
}

// RecordID identifies a specific tuple (row) in the database via its PageID and Slot index.
type RecordID struct {
	PageID
	Slot int32
}

// IsNil checks if the RecordID refers to a valid page.
func (r *RecordID) IsNil() bool {
	return r.PageID.IsNil()
}

func (r *RecordID) String() string {
	return fmt.Sprintf("rid(%s, %d)", r.PageID.String(), r.Slot)
}

// Compare orders record ids by relation, page and slot.
func (r RecordID) Compare(other RecordID) int {
	switch {
	case r.Oid != other.Oid:
		return cmpInt(int64(r.Oid), int64(other.Oid))
	case r.PageNum != other.PageNum:
		return cmpInt(int64(r.PageNum), int64(other.PageNum))
	default:
		return cmpInt(int64(r.Slot), int64(other.Slot))
	}
}

type TransactionID uint64

const InvalidTransactionID TransactionID = 0

// Value represents a (deserialized) datum in a catalog tuple. A Value is either NULL of some type or carries a
// payload of that type. Unlike raw tuple bytes, a Value never aliases engine memory.
type Value struct {
	t    Type
	null bool
	i    int64
	f    float32
	s    string
	vec  []int16
}

// IsNil returns true if the Value is nil and uninitialized. This is NOT to be confused with NULL values.
func (v Value) IsNil() bool {
	return v.t == DefaultType
}

func NewBoolValue(b bool) Value {
	var i int64
	if b {
		i = 1
	}
	return Value{t: BoolType, i: i}
}

func NewInt16Value(v int16) Value {
	return Value{t: Int16Type, i: int64(v)}
}

func NewInt32Value(v int32) Value {
	return Value{t: Int32Type, i: int64(v)}
}

func NewInt64Value(v int64) Value {
	return Value{t: Int64Type, i: v}
}

func NewFloat32Value(v float32) Value {
	return Value{t: Float32Type, f: v}
}

func NewOidValue(v ObjectID) Value {
	return Value{t: OidType, i: int64(v)}
}

// NewNameValue creates a fixed-width name. Names longer than NameLength-1 bytes are rejected.
func NewNameValue(v string) Value {
	Assert(len(v) < NameLength, "name %q too long", v)
	return Value{t: NameType, s: v}
}

func NewTextValue(v string) Value {
	return Value{t: TextType, s: v}
}

// NewInt2VectorValue copies v so the caller may reuse the slice.
func NewInt2VectorValue(v []int16) Value {
	return Value{t: Int2VectorType, vec: slices.Clone(v)}
}

// NewNullValue creates a NULL Value of type t.
func NewNullValue(t Type) Value {
	return Value{t: t, null: true}
}

// Type returns the type of the Value.
func (v Value) Type() Type {
	return v.t
}

// IsNull returns true if the Value is NULL.
func (v Value) IsNull() bool {
	return v.null
}

func (v Value) checkAccess(t Type) {
	Assert(v.t == t, "type mismatch: want %s, have %s", t, v.t)
	Assert(!v.null, "accessing value of NULL %s", t)
}

func (v Value) BoolValue() bool {
	v.checkAccess(BoolType)
	return v.i != 0
}

func (v Value) Int16Value() int16 {
	v.checkAccess(Int16Type)
	return int16(v.i)
}

func (v Value) Int32Value() int32 {
	v.checkAccess(Int32Type)
	return int32(v.i)
}

func (v Value) Int64Value() int64 {
	v.checkAccess(Int64Type)
	return v.i
}

func (v Value) Float32Value() float32 {
	v.checkAccess(Float32Type)
	return v.f
}

func (v Value) OidValue() ObjectID {
	v.checkAccess(OidType)
	return ObjectID(v.i)
}

// StringValue returns the underlying (non-NULL) name or text.
func (v Value) StringValue() string {
	Assert(v.t == NameType || v.t == TextType, "type mismatch in StringValue: %s", v.t)
	Assert(!v.null, "accessing value of NULL %s", v.t)
	return v.s
}

func (v Value) Int2VectorValue() []int16 {
	v.checkAccess(Int2VectorType)
	return slices.Clone(v.vec)
}

// Interface returns the Go representation of the value, or nil if it is NULL or uninitialized.
func (v Value) Interface() any {
	if v.null {
		return nil
	}
	switch v.t {
	case BoolType:
		return v.i != 0
	case Int16Type:
		return int16(v.i)
	case Int32Type:
		return int32(v.i)
	case Int64Type:
		return v.i
	case Float32Type:
		return v.f
	case OidType:
		return ObjectID(v.i)
	case NameType, TextType:
		return v.s
	case Int2VectorType:
		return slices.Clone(v.vec)
	}
	return nil
}

func (v Value) String() string {
	if v.IsNil() {
		return "<nil>"
	}
	if v.null {
		return "NULL"
	}
	return fmt.Sprintf("%v", v.Interface())
}

// Compare compares two Values.
// Returns -1 if v < other, 0 if v == other, 1 if v > other.
// NULL is considered less than non-NULL values.
func (v Value) Compare(other Value) int {
	Assert(v.t == other.t, "type mismatch in comparison")

	if v.null && other.null {
		return 0
	}
	if v.null {
		return -1
	}
	if other.null {
		return 1
	}

	switch v.t {
	case BoolType, Int16Type, Int32Type, Int64Type, OidType:
		return cmpInt(v.i, other.i)
	case Float32Type:
		if v.f < other.f {
			return -1
		}
		if v.f > other.f {
			return 1
		}
		return 0
	case NameType, TextType:
		if v.s < other.s {
			return -1
		}
		if v.s > other.s {
			return 1
		}
		return 0
	case Int2VectorType:
		return slices.Compare(v.vec, other.vec)
	}
	panic("unreachable")
}

func cmpInt(a, b int64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
