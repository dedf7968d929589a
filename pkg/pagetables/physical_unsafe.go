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

package pagetables

import (
	"unsafe"

	"evmm.dev/evmm/pkg/hostarch"
)

// PageSource supplies physical pages.
type PageSource interface {
	AllocZeroed(n uint32) hostarch.Addr
	Free(addr hostarch.Addr)
}

// PhysicalMemory gives the hypervisor access to physical memory.
type PhysicalMemory interface {
	Bytes(addr hostarch.Addr, length uint64) []byte
}

// PhysicalAllocator places table pages in physical memory, where the
// processor can walk them. Entries refer to tables by physical address.
type PhysicalAllocator struct {
	pages PageSource
	mem   PhysicalMemory
}

// NewPhysicalAllocator returns an allocator drawing pages from pages.
func NewPhysicalAllocator(pages PageSource, mem PhysicalMemory) *PhysicalAllocator {
	return &PhysicalAllocator{pages: pages, mem: mem}
}

// NewPTEs implements Allocator.NewPTEs.
func (p *PhysicalAllocator) NewPTEs() *PTEs {
	return p.LookupPTEs(uintptr(p.pages.AllocZeroed(1)))
}

// PhysicalFor implements Allocator.PhysicalFor.
func (p *PhysicalAllocator) PhysicalFor(ptes *PTEs) uintptr {
	base := uintptr(unsafe.Pointer(&p.mem.Bytes(0, 1)[0]))
	return uintptr(unsafe.Pointer(ptes)) - base
}

// LookupPTEs implements Allocator.LookupPTEs.
func (p *PhysicalAllocator) LookupPTEs(physical uintptr) *PTEs {
	b := p.mem.Bytes(hostarch.Addr(physical), hostarch.PageSize)
	return (*PTEs)(unsafe.Pointer(&b[0]))
}

// FreePTEs implements Allocator.FreePTEs.
func (p *PhysicalAllocator) FreePTEs(ptes *PTEs) {
	p.pages.Free(hostarch.Addr(p.PhysicalFor(ptes)))
}
