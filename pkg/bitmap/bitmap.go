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

// Package bitmap provides a fixed-size bitmap used by the allocators to
// track used pages and blocks.
package bitmap

import (
	"math/bits"
)

// Bitmap is a fixed-size bitmap. The zero value is an empty bitmap of size
// zero; use New.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of valid bits.
	size uint32

	// bitBlock holds the bits. Each word holds 64 entries; bits at or past
	// size in the last word are always zero.
	bitBlock []uint64
}

// New creates a new empty Bitmap of the given size.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// NumOnes returns the number of set bits.
func (b *Bitmap) NumOnes() uint32 {
	return b.numOnes
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Set sets bit i.
func (b *Bitmap) Set(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if old := b.bitBlock[blockNum]; old&mask == 0 {
		b.bitBlock[blockNum] = old | mask
		b.numOnes++
	}
}

// Clear clears bit i.
func (b *Bitmap) Clear(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if old := b.bitBlock[blockNum]; old&mask != 0 {
		b.bitBlock[blockNum] = old &^ mask
		b.numOnes--
	}
}

// rangeMask returns the mask of bits [lo, hi) within a single word, where
// 0 <= lo < hi <= 64.
func rangeMask(lo, hi uint32) uint64 {
	m := ^uint64(0) << lo
	if hi < 64 {
		m &= (uint64(1) << hi) - 1
	}
	return m
}

// SetRange sets the bits in [begin, end).
func (b *Bitmap) SetRange(begin, end uint32) {
	b.applyRange(begin, end, true)
}

// ClearRange clears the bits in [begin, end).
func (b *Bitmap) ClearRange(begin, end uint32) {
	b.applyRange(begin, end, false)
}

func (b *Bitmap) applyRange(begin, end uint32, set bool) {
	for begin < end {
		word := begin / 64
		lo := begin % 64
		hi := uint32(64)
		if n := end - word*64; n < 64 {
			hi = n
		}
		m := rangeMask(lo, hi)
		old := b.bitBlock[word]
		var nw uint64
		if set {
			nw = old | m
		} else {
			nw = old &^ m
		}
		b.numOnes += uint32(bits.OnesCount64(nw))
		b.numOnes -= uint32(bits.OnesCount64(old))
		b.bitBlock[word] = nw
		begin = (word + 1) * 64
	}
}

// AllClear returns true if every bit in [begin, end) is clear.
func (b *Bitmap) AllClear(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	one, ok := b.FirstOne(begin)
	return !ok || one >= end
}

// FirstZero returns the first unset bit in [start, Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := start/64, start%64
	w := b.bitBlock[i] | ((uint64(1) << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := i*64 + uint32(bits.TrailingZeros64(^w))
			if r >= b.size {
				return 0, false
			}
			return r, true
		}
		i++
		if int(i) == len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstOne returns the first set bit in [start, Size()).
func (b *Bitmap) FirstOne(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := start/64, start%64
	w := b.bitBlock[i] &^ ((uint64(1) << nbit) - 1)
	for {
		if w != 0 {
			return i*64 + uint32(bits.TrailingZeros64(w)), true
		}
		i++
		if int(i) == len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// ToSlice returns the indices of all set bits in increasing order.
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.numOnes)
	for i, w := range b.bitBlock {
		for w != 0 {
			j := w & -w
			out = append(out, uint32(i*64+bits.TrailingZeros64(j)))
			w ^= j
		}
	}
	return out
}
