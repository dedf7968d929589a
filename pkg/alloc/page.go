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

// Package alloc implements the hypervisor heap: a page-granularity allocator
// and a sub-page pool allocator layered on top of it.
//
// Exhaustion is never a recoverable condition. An allocation that cannot be
// satisfied dumps the allocator state and halts; callers never see a nil or
// partial result.
package alloc

import (
	"fmt"
	"strings"
	"sync"

	"code.cloudfoundry.org/bytefmt"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/log"
)

// Zeroer clears memory. The platform memory implements it.
type Zeroer interface {
	Zero(addr hostarch.Addr, length uint64)
}

// PageAllocator hands out page runs from a fixed arena. It must never be
// called from interrupt context.
type PageAllocator struct {
	// mu protects runs.
	mu sync.RWMutex

	name string
	base hostarch.Addr
	runs runSet

	// zero is used by AllocZeroed. May be nil.
	zero Zeroer
}

// NewPageAllocator creates an allocator over [base, base+npages*PageSize).
func NewPageAllocator(name string, base hostarch.Addr, npages uint32, zero Zeroer) *PageAllocator {
	halt.Check(base.IsPageAligned(), "%s: arena base %v not page aligned", name, base)
	halt.Check(npages > 0, "%s: empty arena", name)
	log.Infof("%s: %d pages (%s) at %v", name, npages, bytefmt.ByteSize(uint64(npages)*hostarch.PageSize), base)
	return &PageAllocator{
		name: name,
		base: base,
		runs: newRunSet(npages),
		zero: zero,
	}
}

// Alloc allocates n contiguous pages and returns the address of the first.
func (a *PageAllocator) Alloc(n uint32) hostarch.Addr {
	halt.Check(n > 0, "%s: zero page allocation", a.name)
	a.mu.Lock()
	i, ok := a.runs.find(n)
	if !ok {
		dump := a.dumpLocked()
		a.mu.Unlock()
		halt.WithDump(dump, "%s: out of memory allocating %d pages", a.name, n)
	}
	a.runs.take(i, n)
	a.mu.Unlock()
	return a.base + hostarch.Addr(uint64(i)<<hostarch.PageShift)
}

// allocLarge is Alloc for a page count that may not fit the arena's index
// type. A count larger than the arena halts like any other exhaustion.
func (a *PageAllocator) allocLarge(n uint64) hostarch.Addr {
	if total := uint64(a.runs.size()); n > total {
		halt.WithDump(a.Dump(), "%s: out of memory allocating %d pages of %d", a.name, n, total)
	}
	return a.Alloc(uint32(n))
}

// AllocZeroed is Alloc followed by clearing the pages.
func (a *PageAllocator) AllocZeroed(n uint32) hostarch.Addr {
	addr := a.Alloc(n)
	if a.zero != nil {
		a.zero.Zero(addr, uint64(n)<<hostarch.PageShift)
	}
	return addr
}

// Free releases an allocation previously returned by Alloc. Freeing an
// address that does not start an allocation is a contract violation.
func (a *PageAllocator) Free(addr hostarch.Addr) {
	halt.Check(a.Owns(addr) && addr.IsPageAligned(), "%s: free of foreign address %v", a.name, addr)
	i := uint32((addr - a.base) >> hostarch.PageShift)
	a.mu.Lock()
	n := a.runs.release(i)
	a.mu.Unlock()
	halt.Check(n != 0, "%s: free of unallocated address %v", a.name, addr)
}

// Owns returns true if addr lies within the arena.
func (a *PageAllocator) Owns(addr hostarch.Addr) bool {
	return addr >= a.base && addr < a.End()
}

// Base returns the first address of the arena.
func (a *PageAllocator) Base() hostarch.Addr {
	return a.base
}

// End returns the first address past the arena.
func (a *PageAllocator) End() hostarch.Addr {
	return a.base + hostarch.Addr(uint64(a.runs.size())<<hostarch.PageShift)
}

// AllocatedPages returns the number of pages of the allocation starting at
// addr, or zero.
func (a *PageAllocator) AllocatedPages(addr hostarch.Addr) uint32 {
	if !a.Owns(addr) || !addr.IsPageAligned() {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runs.allocLen[(addr-a.base)>>hostarch.PageShift]
}

// Stats describes allocator occupancy.
type Stats struct {
	Total      uint32
	Free       uint32
	LargestRun uint32
}

// Stats returns a snapshot of the allocator occupancy.
func (a *PageAllocator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Total:      a.runs.size(),
		Free:       a.runs.free(),
		LargestRun: a.runs.largestRun(),
	}
}

// Dump returns a human-readable description of the arena.
func (a *PageAllocator) Dump() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dumpLocked()
}

func (a *PageAllocator) dumpLocked() string {
	var b strings.Builder
	total := uint64(a.runs.size()) << hostarch.PageShift
	free := uint64(a.runs.free()) << hostarch.PageShift
	fmt.Fprintf(&b, "%s: arena %v-%v total %s free %s largest run %d pages\n",
		a.name, a.base, a.End(), bytefmt.ByteSize(total), bytefmt.ByteSize(free), a.runs.largestRun())
	i, ok := a.runs.used.FirstZero(0)
	for ok {
		l := a.runs.head[i]
		fmt.Fprintf(&b, "  free run %v: %d pages\n", a.base+hostarch.Addr(uint64(i)<<hostarch.PageShift), l)
		i, ok = a.runs.used.FirstZero(i + l)
	}
	return b.String()
}
