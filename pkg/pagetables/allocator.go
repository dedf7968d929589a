// Copyright 2018 The gVisor Authors.
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

package pagetables

import (
	"sync"

	"evmm.dev/evmm/pkg/hostarch"
)

// RuntimeAllocator allocates table pages from the Go heap and assigns them
// synthetic, page-aligned addresses. It is used where the tables are never
// walked by hardware.
type RuntimeAllocator struct {
	mu   sync.Mutex
	next uintptr
	byPA map[uintptr]*PTEs
	byPT map[*PTEs]uintptr
}

// runtimeBase keeps synthetic addresses clear of page zero.
const runtimeBase = 0x1000

// NewRuntimeAllocator returns an allocator backed by the Go heap.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next: runtimeBase,
		byPA: make(map[uintptr]*PTEs),
		byPT: make(map[*PTEs]uintptr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	ptes := new(PTEs)
	pa := r.next
	r.next += hostarch.PageSize
	r.byPA[pa] = ptes
	r.byPT[ptes] = pa
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byPT[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byPA[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pa, ok := r.byPT[ptes]
	if !ok {
		panic("pagetables: free of unknown table page")
	}
	delete(r.byPT, ptes)
	delete(r.byPA, pa)
}

// Live returns the number of table pages currently allocated.
func (r *RuntimeAllocator) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPA)
}
