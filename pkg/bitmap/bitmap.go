// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides a fixed-size bitmap that may be set and cleared
// concurrently, one bit per guest page.
package bitmap

import (
	"math/bits"
	"sync/atomic"
)

// Bitmap implements a fixed-size concurrent bitmap.
//
// All methods may be called concurrently.
type Bitmap struct {
	// size is the number of valid bits. size is immutable.
	size uint64

	// numOnes is the number of ones in the bitmap.
	numOnes atomic.Int64

	// bitBlock holds the bits. Each block holds 64 entries.
	bitBlock []atomic.Uint64
}

// New creates a new empty Bitmap holding size bits.
func New(size uint64) *Bitmap {
	return &Bitmap{
		size:     size,
		bitBlock: make([]atomic.Uint64, (size+63)/64),
	}
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// GetNumOnes returns the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint64 {
	return uint64(b.numOnes.Load())
}

// Test reports whether bit i is set.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Test(i uint64) bool {
	return b.bitBlock[i/64].Load()&(uint64(1)<<(i%64)) != 0
}

// TestAndAdd sets bit i and reports whether this call changed it from zero.
// Exactly one of several concurrent callers for the same clear bit gets true.
//
// Preconditions: i < b.Size().
func (b *Bitmap) TestAndAdd(i uint64) bool {
	mask := uint64(1) << (i % 64)
	if old := b.bitBlock[i/64].Or(mask); old&mask != 0 {
		return false
	}
	b.numOnes.Add(1)
	return true
}

// Remove clears bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Remove(i uint64) {
	b.ClearMask(i, 1)
}

// ClearMask clears bit base+k for every bit k set in mask, and returns the
// number of bits that were set. Bits beyond Size() are ignored.
//
// Preconditions: base < b.Size().
func (b *Bitmap) ClearMask(base, mask uint64) int {
	if rem := b.size - base; rem < 64 {
		mask &= (uint64(1) << rem) - 1
	}
	// An unaligned mask straddles at most two blocks.
	block, shift := base/64, base%64
	cleared := b.clearBlock(block, mask<<shift)
	if shift != 0 {
		if hi := mask >> (64 - shift); hi != 0 {
			cleared += b.clearBlock(block+1, hi)
		}
	}
	return cleared
}

func (b *Bitmap) clearBlock(block, mask uint64) int {
	if mask == 0 {
		return 0
	}
	old := b.bitBlock[block].And(^mask)
	n := bits.OnesCount64(old & mask)
	b.numOnes.Add(-int64(n))
	return n
}

// ToSlice returns the indices of all set bits in increasing order. For
// example, a bitmap of [0, 1, 0, 1] returns [1, 3]. The result is a snapshot
// and may be stale by the time it returns if the bitmap is concurrently
// modified.
func (b *Bitmap) ToSlice() []uint64 {
	bitmapSlice := make([]uint64, 0, b.GetNumOnes())
	for i := range b.bitBlock {
		bitBlock := b.bitBlock[i].Load()
		base := uint64(i) * 64
		for bitBlock != 0 {
			// Extract the lowest set bit.
			j := bitBlock & -bitBlock
			bitmapSlice = append(bitmapSlice, base+uint64(bits.TrailingZeros64(j)))
			bitBlock ^= j
		}
	}
	return bitmapSlice
}
