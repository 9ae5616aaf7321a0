package storage

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func verifyBitmap(t *testing.T, bm Bitmap, shadow []bool) {
	for i := 0; i < len(shadow); i++ {
		assert.Equal(t, shadow[i], bm.LoadBit(i), "Mismatch at bit %d", i)
	}
}

func TestBitmapRandomized(t *testing.T) {
	for _, numBits := range []int{1, 7, 8, 9, 63, 64, 130} {
		buf := make([]byte, BitmapBytes(numBits))
		bm := AsBitmap(buf, numBits)
		shadow := make([]bool, numBits)
		for op := 0; op < 500; op++ {
			i := rand.Intn(numBits)
			on := rand.Intn(2) == 0
			prev := bm.SetBit(i, on)
			assert.Equal(t, shadow[i], prev, "previous value mismatch at bit %d", i)
			shadow[i] = on
		}
		verifyBitmap(t, bm, shadow)
	}
}

func TestBitmapAny(t *testing.T) {
	buf := make([]byte, BitmapBytes(20))
	bm := AsBitmap(buf, 20)
	assert.False(t, bm.Any())
	bm.SetBit(19, true)
	assert.True(t, bm.Any())
	bm.SetBit(19, false)
	assert.False(t, bm.Any())
}

func TestBitmapOutOfBounds(t *testing.T) {
	bm := AsBitmap(make([]byte, 1), 5)
	assert.Panics(t, func() { bm.LoadBit(5) })
	assert.Panics(t, func() { AsBitmap(make([]byte, 1), 9) })
}
