package access

import (
	"mit.edu/dsg/hypostats/common"
)

// ModifyContext collects attribute replacements for HeapTuple.Modify. Attributes are numbered from 1.
type ModifyContext struct {
	values   []common.Value
	nulls    []bool
	replace  []bool
	consumed bool
}

// NewModifyContext creates a context for a relation with n attributes, with nothing replaced.
func NewModifyContext(n int) *ModifyContext {
	common.Assert(n >= 0, "negative attribute count %d", n)
	return &ModifyContext{
		values:  make([]common.Value, n),
		nulls:   make([]bool, n),
		replace: make([]bool, n),
	}
}

// Replace marks attribute attnum to take value. A NULL value sets the attribute to NULL.
func (c *ModifyContext) Replace(attnum common.AttrNumber, value common.Value) {
	common.Assert(!c.consumed, "modify context reused")
	common.Assert(attnum >= 1 && int(attnum) <= len(c.values), "attribute number %d out of range [1, %d]",
		attnum, len(c.values))
	i := attnum - 1
	c.values[i] = value
	c.nulls[i] = value.IsNull()
	c.replace[i] = true
}

func (c *ModifyContext) NumAttrs() int {
	return len(c.values)
}

func (c *ModifyContext) consume() ([]common.Value, []bool, []bool) {
	common.Assert(!c.consumed, "modify context reused")
	c.consumed = true
	return c.values, c.nulls, c.replace
}
