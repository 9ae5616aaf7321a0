package storage

import (
	"fmt"
	"strings"

	"mit.edu/dsg/hypostats/common"
)

// Attribute describes one column of a relation's row shape.
type Attribute struct {
	Name    string
	Type    common.Type
	NotNull bool
}

// TupleDesc describes the shape of the tuples stored in a relation: attribute count, names and types.
// It is owned by the engine and only ever borrowed by handles.
type TupleDesc struct {
	attrs []Attribute
	// Byte length of the leading run of fixed-width NOT NULL attributes. These are always stored at
	// constant offsets right after the tuple header.
	fixedPrefix int
	// offsets of the attributes inside the fixed prefix, -1 afterwards
	fixedOffsets []int
}

// NewTupleDesc creates a descriptor for the given attributes.
func NewTupleDesc(attrs []Attribute) *TupleDesc {
	common.Assert(len(attrs) > 0 && len(attrs) <= MaxAttributes, "invalid attribute count %d", len(attrs))
	desc := &TupleDesc{
		attrs:        append([]Attribute(nil), attrs...),
		fixedOffsets: make([]int, len(attrs)),
	}
	inPrefix := true
	for i, a := range attrs {
		common.Assert(a.Type != common.DefaultType, "attribute %q has no type", a.Name)
		if inPrefix && a.Type.IsFixed() && a.NotNull {
			desc.fixedOffsets[i] = desc.fixedPrefix
			desc.fixedPrefix += a.Type.Size()
			continue
		}
		inPrefix = false
		desc.fixedOffsets[i] = -1
	}
	return desc
}

func (desc *TupleDesc) String() string {
	parts := make([]string, len(desc.attrs))
	for i, a := range desc.attrs {
		parts[i] = fmt.Sprintf("%s %s", a.Name, a.Type)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// NumAttrs returns the number of attributes in the shape.
func (desc *TupleDesc) NumAttrs() int {
	return len(desc.attrs)
}

// Attr returns the attribute with the given 1-based number.
func (desc *TupleDesc) Attr(attnum common.AttrNumber) Attribute {
	common.Assert(attnum >= 1 && int(attnum) <= len(desc.attrs), "attribute number %d out of range [1, %d]", attnum, len(desc.attrs))
	return desc.attrs[attnum-1]
}

// AttrType returns the type of the attribute at 0-based position i.
func (desc *TupleDesc) AttrType(i int) common.Type {
	return desc.attrs[i].Type
}

// AttrNumberOf resolves an attribute name to its 1-based number.
func (desc *TupleDesc) AttrNumberOf(name string) (common.AttrNumber, bool) {
	for i, a := range desc.attrs {
		if a.Name == name {
			return common.AttrNumber(i + 1), true
		}
	}
	return common.InvalidAttrNumber, false
}

// FixedPrefixSize returns the byte length of the leading fixed-width NOT NULL attributes.
func (desc *TupleDesc) FixedPrefixSize() int {
	return desc.fixedPrefix
}

// Equals returns true if both descriptors describe the same shape.
func (desc *TupleDesc) Equals(other *TupleDesc) bool {
	if desc == other {
		return true
	}
	if other == nil || len(desc.attrs) != len(other.attrs) {
		return false
	}
	for i := range desc.attrs {
		if desc.attrs[i] != other.attrs[i] {
			return false
		}
	}
	return true
}
