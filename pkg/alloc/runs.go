// Copyright 2024 The evmm Authors.
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

package alloc

import "evmm.dev/evmm/pkg/bitmap"

// runSet tracks used units of an arena with a bitmap, and caches the length
// of every free run at both its first and its last unit. The head cache
// makes a first-fit search jump from run to run; the tail cache lets a
// release find the start of the preceding free run without scanning.
//
// Cached lengths are only meaningful at run boundaries; interior values are
// stale and never read.
type runSet struct {
	used bitmap.Bitmap

	// head[i] is the length of the free run starting at i.
	head []uint32

	// tail[i] is the length of the free run ending at i.
	tail []uint32

	// allocLen[i] is the length of the allocation starting at i, or zero.
	allocLen []uint32
}

func newRunSet(n uint32) runSet {
	r := runSet{
		used:     bitmap.New(n),
		head:     make([]uint32, n),
		tail:     make([]uint32, n),
		allocLen: make([]uint32, n),
	}
	if n > 0 {
		r.head[0] = n
		r.tail[n-1] = n
	}
	return r
}

func (r *runSet) size() uint32 {
	return r.used.Size()
}

func (r *runSet) free() uint32 {
	return r.used.Size() - r.used.NumOnes()
}

// find returns the first free run of at least n units.
func (r *runSet) find(n uint32) (uint32, bool) {
	i, ok := r.used.FirstZero(0)
	for ok {
		l := r.head[i]
		if l >= n {
			return i, true
		}
		i, ok = r.used.FirstZero(i + l)
	}
	return 0, false
}

// take allocates n units at i, which must be the start of a free run of at
// least n units.
func (r *runSet) take(i, n uint32) {
	l := r.head[i]
	r.used.SetRange(i, i+n)
	r.allocLen[i] = n
	if rest := l - n; rest > 0 {
		r.head[i+n] = rest
		r.tail[i+l-1] = rest
	}
}

// release frees the allocation starting at i and coalesces it with its free
// neighbours. It returns the number of units released, or zero if i is not
// the start of an allocation.
func (r *runSet) release(i uint32) uint32 {
	if i >= r.size() {
		return 0
	}
	n := r.allocLen[i]
	if n == 0 {
		return 0
	}
	r.allocLen[i] = 0
	r.used.ClearRange(i, i+n)

	start, length := i, n
	if i > 0 && !r.used.IsSet(i-1) {
		prev := r.tail[i-1]
		start -= prev
		length += prev
	}
	if end := i + n; end < r.size() && !r.used.IsSet(end) {
		length += r.head[end]
	}
	r.head[start] = length
	r.tail[start+length-1] = length
	return n
}

// largestRun returns the length of the longest free run.
func (r *runSet) largestRun() uint32 {
	var best uint32
	i, ok := r.used.FirstZero(0)
	for ok {
		l := r.head[i]
		if l > best {
			best = l
		}
		i, ok = r.used.FirstZero(i + l)
	}
	return best
}
