package storage

import (
	"encoding/binary"
	"math"

	"github.com/golang/snappy"
	"mit.edu/dsg/hypostats/common"
)

// MaxAttributes bounds the number of attributes of a relation.
const MaxAttributes = 1600

// Heap tuple layout:
//
//	| natts (2) | infomask (1) | hoff (2) | null bitmap (optional) | attribute data ... |
//
// NULL attributes take no space in the data area. Fixed-width attributes are stored at their type's width with no
// alignment padding; variable-length attributes carry a length prefix. Text may be stored snappy-compressed.
const (
	tupleHeaderSize = 5

	infoHasNulls      byte = 1 << 0
	infoHasCompressed byte = 1 << 1

	varlenaPlain  byte = 0
	varlenaSnappy byte = 1
)

// HeapTuple is the engine's in-memory representation of one catalog row. The struct does not know the row's
// shape; a TupleDesc is needed to interpret it.
type HeapTuple struct {
	// TableOid is the relation the tuple belongs to (or was built for).
	TableOid common.ObjectID
	// Self is the tuple's row identity once it has been stored; nil for tuples never written.
	Self common.RecordID
	data []byte
}

// NewHeapTuple wraps already encoded tuple bytes without copying them.
func NewHeapTuple(tableOid common.ObjectID, self common.RecordID, data []byte) *HeapTuple {
	common.Assert(len(data) >= tupleHeaderSize, "tuple too short: %d bytes", len(data))
	return &HeapTuple{TableOid: tableOid, Self: self, data: data}
}

// Data returns the encoded tuple bytes.
func (t *HeapTuple) Data() []byte {
	return t.data
}

// Len returns the encoded length in bytes.
func (t *HeapTuple) Len() int {
	return len(t.data)
}

// NumAttrs returns the number of attributes encoded in the tuple.
func (t *HeapTuple) NumAttrs() int {
	return int(binary.LittleEndian.Uint16(t.data))
}

func (t *HeapTuple) infomask() byte {
	return t.data[2]
}

func (t *HeapTuple) hoff() int {
	return int(binary.LittleEndian.Uint16(t.data[3:]))
}

// HasNulls returns true if at least one attribute is NULL.
func (t *HeapTuple) HasNulls() bool {
	return t.infomask()&infoHasNulls != 0
}

// HasCompressed returns true if at least one attribute is stored compressed.
func (t *HeapTuple) HasCompressed() bool {
	return t.infomask()&infoHasCompressed != 0
}

// AttIsNull reports whether the attribute at 0-based position i is NULL.
func (t *HeapTuple) AttIsNull(i int) bool {
	if i >= t.NumAttrs() {
		// attributes added after the tuple was formed read as NULL
		return true
	}
	if !t.HasNulls() {
		return false
	}
	bm := AsBitmap(t.data[tupleHeaderSize:], t.NumAttrs())
	return bm.LoadBit(i)
}

// Copy returns an independent copy of the tuple.
func (t *HeapTuple) Copy() *HeapTuple {
	data := make([]byte, len(t.data))
	copy(data, t.data)
	return &HeapTuple{TableOid: t.TableOid, Self: t.Self, data: data}
}

// FixedRegion returns the bytes of the leading fixed-width attributes that are non-NULL in this tuple. The slice
// aliases the tuple's memory.
func (t *HeapTuple) FixedRegion(desc *TupleDesc) []byte {
	size := 0
	for i := 0; i < desc.NumAttrs() && i < t.NumAttrs(); i++ {
		typ := desc.AttrType(i)
		if !typ.IsFixed() || t.AttIsNull(i) {
			break
		}
		size += typ.Size()
	}
	start := t.hoff()
	common.Assert(start+size <= len(t.data), "fixed region exceeds tuple length")
	return t.data[start : start+size]
}

// TupleFormer builds tuple bytes. CompressThreshold is the minimum text length in bytes that is considered for
// compression; zero disables compression.
type TupleFormer struct {
	CompressThreshold int
}

// Form builds a new tuple from positional values. A set null flag means the value at that position is ignored.
func (f TupleFormer) Form(desc *TupleDesc, values []common.Value, nulls []bool) *HeapTuple {
	n := desc.NumAttrs()
	common.Assert(len(values) == n, "got %d values for %d attributes", len(values), n)
	common.Assert(len(nulls) == n, "got %d null flags for %d attributes", len(nulls), n)

	hasNulls := false
	for i := 0; i < n; i++ {
		if nulls[i] {
			common.Assert(!desc.attrs[i].NotNull, "NULL in NOT NULL attribute %q", desc.attrs[i].Name)
			hasNulls = true
		} else {
			common.Assert(values[i].Type() == desc.attrs[i].Type, "attribute %q: type mismatch: want %s, have %s",
				desc.attrs[i].Name, desc.attrs[i].Type, values[i].Type())
			common.Assert(!values[i].IsNull(), "attribute %q: NULL value without null flag", desc.attrs[i].Name)
		}
	}

	hoff := tupleHeaderSize
	if hasNulls {
		hoff += BitmapBytes(n)
	}
	buf := make([]byte, hoff, hoff+desc.fixedPrefix+16*n)
	binary.LittleEndian.PutUint16(buf, uint16(n))
	binary.LittleEndian.PutUint16(buf[3:], uint16(hoff))

	var infomask byte
	if hasNulls {
		infomask |= infoHasNulls
		bm := AsBitmap(buf[tupleHeaderSize:], n)
		for i := 0; i < n; i++ {
			if nulls[i] {
				bm.SetBit(i, true)
			}
		}
	}

	for i := 0; i < n; i++ {
		if nulls[i] {
			continue
		}
		var compressed bool
		buf, compressed = f.appendValue(buf, values[i])
		if compressed {
			infomask |= infoHasCompressed
		}
	}
	buf[2] = infomask
	return &HeapTuple{data: buf}
}

// Modify builds a new tuple with the shape of src. For each attribute marked in replace the value/null flag from
// values/nulls is used; the others are copied from src. src is not changed. The result keeps src's identity so it
// can replace src in the heap.
func (f TupleFormer) Modify(desc *TupleDesc, src *HeapTuple, values []common.Value, nulls []bool, replace []bool) *HeapTuple {
	n := desc.NumAttrs()
	common.Assert(len(replace) == n, "got %d replace flags for %d attributes", len(replace), n)
	srcValues, srcNulls := DeformTuple(desc, src)
	for i := 0; i < n; i++ {
		if replace[i] {
			srcValues[i] = values[i]
			srcNulls[i] = nulls[i]
		}
		if srcNulls[i] {
			srcValues[i] = common.Value{}
		}
	}
	result := f.Form(desc, srcValues, srcNulls)
	result.TableOid = src.TableOid
	result.Self = src.Self
	return result
}

func (f TupleFormer) appendValue(buf []byte, v common.Value) ([]byte, bool) {
	switch v.Type() {
	case common.BoolType:
		if v.BoolValue() {
			return append(buf, 1), false
		}
		return append(buf, 0), false
	case common.Int16Type:
		return binary.LittleEndian.AppendUint16(buf, uint16(v.Int16Value())), false
	case common.Int32Type:
		return binary.LittleEndian.AppendUint32(buf, uint32(v.Int32Value())), false
	case common.Int64Type:
		return binary.LittleEndian.AppendUint64(buf, uint64(v.Int64Value())), false
	case common.Float32Type:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v.Float32Value())), false
	case common.OidType:
		return binary.LittleEndian.AppendUint32(buf, uint32(v.OidValue())), false
	case common.NameType:
		var name [common.NameLength]byte
		copy(name[:], v.StringValue())
		return append(buf, name[:]...), false
	case common.TextType:
		s := v.StringValue()
		if f.CompressThreshold > 0 && len(s) >= f.CompressThreshold {
			encoded := snappy.Encode(nil, []byte(s))
			if len(encoded) < len(s) {
				buf = append(buf, varlenaSnappy)
				buf = binary.AppendUvarint(buf, uint64(len(encoded)))
				return append(buf, encoded...), true
			}
		}
		buf = append(buf, varlenaPlain)
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		return append(buf, s...), false
	case common.Int2VectorType:
		vec := v.Int2VectorValue()
		buf = binary.AppendUvarint(buf, uint64(len(vec)))
		for _, e := range vec {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(e))
		}
		return buf, false
	}
	panic("unknown type")
}

// decodeValue reads one non-NULL value of type typ from data and returns it with the number of bytes consumed.
func decodeValue(typ common.Type, data []byte) (common.Value, int) {
	if typ.IsFixed() {
		common.Assert(len(data) >= typ.Size(), "truncated %s attribute", typ)
	}
	switch typ {
	case common.BoolType:
		return common.NewBoolValue(data[0] != 0), 1
	case common.Int16Type:
		return common.NewInt16Value(int16(binary.LittleEndian.Uint16(data))), 2
	case common.Int32Type:
		return common.NewInt32Value(int32(binary.LittleEndian.Uint32(data))), 4
	case common.Int64Type:
		return common.NewInt64Value(int64(binary.LittleEndian.Uint64(data))), 8
	case common.Float32Type:
		return common.NewFloat32Value(math.Float32frombits(binary.LittleEndian.Uint32(data))), 4
	case common.OidType:
		return common.NewOidValue(common.ObjectID(binary.LittleEndian.Uint32(data))), 4
	case common.NameType:
		realLen := common.NameLength
		for i := 0; i < common.NameLength; i++ {
			if data[i] == 0 {
				realLen = i
				break
			}
		}
		return common.NewNameValue(string(data[:realLen])), common.NameLength
	case common.TextType:
		common.Assert(len(data) >= 1, "truncated text attribute")
		length, n := binary.Uvarint(data[1:])
		common.Assert(n > 0 && 1+n+int(length) <= len(data), "corrupt text attribute length")
		payload := data[1+n : 1+n+int(length)]
		consumed := 1 + n + int(length)
		if data[0] == varlenaSnappy {
			decoded, err := snappy.Decode(nil, payload)
			common.Assert(err == nil, "corrupt compressed text attribute: %v", err)
			return common.NewTextValue(string(decoded)), consumed
		}
		return common.NewTextValue(string(payload)), consumed
	case common.Int2VectorType:
		count, n := binary.Uvarint(data)
		common.Assert(n > 0 && n+2*int(count) <= len(data), "corrupt int2vector attribute length")
		vec := make([]int16, count)
		for i := range vec {
			vec[i] = int16(binary.LittleEndian.Uint16(data[n+2*i:]))
		}
		return common.NewInt2VectorValue(vec), n + 2*int(count)
	}
	panic("unknown type")
}

// DeformTuple decodes every attribute of t according to desc. NULL attributes come back as NULL values of the
// attribute's type with their null flag set.
func DeformTuple(desc *TupleDesc, t *HeapTuple) ([]common.Value, []bool) {
	n := desc.NumAttrs()
	common.Assert(t.NumAttrs() <= n, "tuple has %d attributes, shape has %d", t.NumAttrs(), n)
	values := make([]common.Value, n)
	nulls := make([]bool, n)
	off := t.hoff()
	for i := 0; i < n; i++ {
		if t.AttIsNull(i) {
			values[i] = common.NewNullValue(desc.AttrType(i))
			nulls[i] = true
			continue
		}
		v, size := decodeValue(desc.AttrType(i), t.data[off:])
		values[i] = v
		off += size
	}
	return values, nulls
}

// GetAttr decodes the attribute with the given 1-based number. The boolean is true if the attribute is NULL.
func GetAttr(desc *TupleDesc, t *HeapTuple, attnum common.AttrNumber) (common.Value, bool) {
	attr := desc.Attr(attnum)
	i := int(attnum - 1)
	if t.AttIsNull(i) {
		return common.NewNullValue(attr.Type), true
	}
	if desc.fixedOffsets[i] >= 0 {
		v, _ := decodeValue(attr.Type, t.data[t.hoff()+desc.fixedOffsets[i]:])
		return v, false
	}
	off := t.hoff()
	for j := 0; j < i; j++ {
		if t.AttIsNull(j) {
			continue
		}
		off += encodedSize(desc.AttrType(j), t.data[off:])
	}
	v, _ := decodeValue(attr.Type, t.data[off:])
	return v, false
}

func encodedSize(typ common.Type, data []byte) int {
	if typ.IsFixed() {
		return typ.Size()
	}
	switch typ {
	case common.TextType:
		length, n := binary.Uvarint(data[1:])
		common.Assert(n > 0, "corrupt text attribute length")
		return 1 + n + int(length)
	case common.Int2VectorType:
		count, n := binary.Uvarint(data)
		common.Assert(n > 0, "corrupt int2vector attribute length")
		return n + 2*int(count)
	}
	panic("unknown type")
}
