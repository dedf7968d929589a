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

import (
	"fmt"
	"strings"
	"sync"

	"code.cloudfoundry.org/bytefmt"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/hostarch"
)

const (
	// BlockSize is the pool allocation granule.
	BlockSize = 16

	// blocksPerPage is the number of blocks in one pool page.
	blocksPerPage = hostarch.PageSize / BlockSize

	// headerBlocks are reserved at the start of every pool page for the
	// in-page descriptor.
	headerBlocks = 16

	// MaxPoolSize is the largest request served from pool pages. Larger
	// requests fall through to the page allocator.
	MaxPoolSize = (blocksPerPage - headerBlocks) * BlockSize
)

// poolPage is one page carved into blocks.
type poolPage struct {
	base hostarch.Addr
	runs runSet
}

// PoolAllocator serves sub-page requests at BlockSize granularity from pages
// obtained from a PageAllocator.
type PoolAllocator struct {
	// mu protects the fields below.
	mu sync.RWMutex

	pages *PageAllocator

	// poolPages is ordered by creation; searches are first fit.
	poolPages []*poolPage

	// byBase maps a pool page address to its descriptor.
	byBase map[hostarch.Addr]*poolPage

	// large maps page-allocator addresses handed out directly.
	large map[hostarch.Addr]struct{}
}

// NewPoolAllocator returns a pool allocator drawing pages from pages.
func NewPoolAllocator(pages *PageAllocator) *PoolAllocator {
	return &PoolAllocator{
		pages:  pages,
		byBase: make(map[hostarch.Addr]*poolPage),
		large:  make(map[hostarch.Addr]struct{}),
	}
}

// Alloc allocates size bytes, 16-byte aligned.
func (p *PoolAllocator) Alloc(size uint64) hostarch.Addr {
	halt.Check(size > 0, "pool: zero-size allocation")
	if size > MaxPoolSize {
		n := size >> hostarch.PageShift
		if size&hostarch.PageMask != 0 {
			n++
		}
		addr := p.pages.allocLarge(n)
		p.mu.Lock()
		p.large[addr] = struct{}{}
		p.mu.Unlock()
		return addr
	}

	n := uint32((size + BlockSize - 1) / BlockSize)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pp := range p.poolPages {
		if pp.runs.free() < n {
			continue
		}
		if i, ok := pp.runs.find(n); ok {
			pp.runs.take(i, n)
			return pp.base + hostarch.Addr(i*BlockSize)
		}
	}

	// Exhaustion of the page allocator halts inside Alloc.
	pp := &poolPage{
		base: p.pages.Alloc(1),
		runs: newRunSet(blocksPerPage),
	}
	pp.runs.take(0, headerBlocks)
	p.poolPages = append(p.poolPages, pp)
	p.byBase[pp.base] = pp
	pp.runs.take(headerBlocks, n)
	return pp.base + hostarch.Addr(headerBlocks*BlockSize)
}

// Free releases an allocation returned by Alloc.
func (p *PoolAllocator) Free(addr hostarch.Addr) {
	p.mu.Lock()
	if _, ok := p.large[addr]; ok {
		delete(p.large, addr)
		p.mu.Unlock()
		p.pages.Free(addr)
		return
	}
	pp, ok := p.byBase[addr.RoundDown()]
	if !ok {
		p.mu.Unlock()
		halt.Fatalf("pool: free of foreign address %v", addr)
		return
	}
	off := addr.PageOffset()
	released := uint32(0)
	if off%BlockSize == 0 && off >= headerBlocks*BlockSize {
		released = pp.runs.release(uint32(off / BlockSize))
	}
	if released == 0 {
		p.mu.Unlock()
		halt.Fatalf("pool: free of unallocated address %v", addr)
		return
	}

	var empty bool
	if pp.runs.free() == blocksPerPage-headerBlocks {
		empty = true
		p.removeLocked(pp)
	}
	p.mu.Unlock()
	if empty {
		p.pages.Free(pp.base)
	}
}

func (p *PoolAllocator) removeLocked(pp *poolPage) {
	delete(p.byBase, pp.base)
	for i, c := range p.poolPages {
		if c == pp {
			p.poolPages = append(p.poolPages[:i], p.poolPages[i+1:]...)
			break
		}
	}
}

// PoolPages returns the number of pages currently carved into blocks.
func (p *PoolAllocator) PoolPages() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.poolPages)
}

// Dump returns a description of the pool state.
func (p *PoolAllocator) Dump() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "pool: %d pool pages, %d large allocations\n", len(p.poolPages), len(p.large))
	for _, pp := range p.poolPages {
		fmt.Fprintf(&b, "  page %v: %s free, largest run %d blocks\n",
			pp.base, bytefmt.ByteSize(uint64(pp.runs.free())*BlockSize), pp.runs.largestRun())
	}
	return b.String()
}
