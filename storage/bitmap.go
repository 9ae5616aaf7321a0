package storage

import (
	"mit.edu/dsg/hypostats/common"
)

// Bitmap provides a convenient interface for manipulating bits in a byte slice.
// It does not own the underlying bytes; instead, it provides a structured view over
// an existing buffer (e.g., the null bitmap of a heap tuple). Tuples are not aligned,
// so the view works byte by byte.
type Bitmap struct {
	data    []byte
	numBits int
}

// BitmapBytes returns the number of bytes needed to hold numBits.
func BitmapBytes(numBits int) int {
	return (numBits + 7) / 8
}

// AsBitmap creates a Bitmap view over the provided byte slice, which must hold at least numBits.
func AsBitmap(data []byte, numBits int) Bitmap {
	common.Assert(len(data) >= BitmapBytes(numBits), "bitmap buffer too small")
	return Bitmap{data: data[:BitmapBytes(numBits)], numBits: numBits}
}

// SetBit sets the bit at index i to the given value.
// Returns the previous value of the bit.
func (b *Bitmap) SetBit(i int, on bool) (prev bool) {
	common.Assert(i >= 0 && i < b.numBits, "indexing out of bounds")
	mask := byte(1) << uint(i%8)
	ptr := &b.data[i/8]
	prev = (*ptr & mask) != 0
	if on {
		*ptr |= mask
	} else {
		*ptr &^= mask
	}
	return prev
}

// LoadBit returns the value of the bit at index i.
func (b *Bitmap) LoadBit(i int) bool {
	common.Assert(i >= 0 && i < b.numBits, "indexing out of bounds")
	return b.data[i/8]&(byte(1)<<uint(i%8)) != 0
}

// Any returns true if at least one bit is set.
func (b *Bitmap) Any() bool {
	for _, w := range b.data {
		if w != 0 {
			return true
		}
	}
	return false
}
