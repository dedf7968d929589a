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
	"testing"

	"evmm.dev/evmm/pkg/hostarch"
	"github.com/google/go-cmp/cmp"
)

// testOps is a minimal encoding: bit 0 present, bit 7 leaf above level 0,
// attributes in bits 1..3.
type testOps struct {
	maxLeaf int
}

func (o testOps) MaxLeafLevel() int { return o.maxLeaf }

func (testOps) IsLeaf(e Entry, level int) bool { return level == 0 || e&0x80 != 0 }

func (testOps) IsPresent(e Entry, level int) bool { return e&1 != 0 }

func (testOps) ToTable(address uint64, level int) Entry { return Entry(address) | 1 }

func (testOps) ToLeaf(address uint64, attr Attr, level int) Entry {
	e := Entry(address) | 1 | Entry(attr)<<1
	if level > 0 {
		e |= 0x80
	}
	return e
}

func (testOps) LeafGetAttr(e Entry, level int) Attr { return Attr(e>>1) & 0x7 }

const (
	pteSize = 1 << 12
	pmdSize = 1 << 21
	pudSize = 1 << 30

	rw = Attr(3)
	ro = Attr(1)
)

func newTestTable(maxLeaf int) (*Table, *RuntimeAllocator) {
	a := NewRuntimeAllocator()
	return New("test", testOps{maxLeaf}, a), a
}

func checkMappings(t *testing.T, pt *Table, want []Mapping) {
	t.Helper()
	got := pt.Mappings(0, hostarch.Addr(MaxAddress))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmap(t *testing.T) {
	pt, a := newTestTable(2)
	pt.InsertRange(0x400000, pteSize*42, pteSize, rw)
	pt.InsertRange(0x400000, 0, pteSize, 0)
	checkMappings(t, pt, nil)
	if a.Live() != 1 {
		t.Errorf("%d table pages live after unmapping everything, want only the root", a.Live())
	}
}

func TestReadOnly(t *testing.T) {
	pt, _ := newTestTable(2)
	pt.InsertRange(0x400000, pteSize*42, pteSize, ro)
	checkMappings(t, pt, []Mapping{
		{0x400000, pteSize, pteSize * 42, ro},
	})
}

func TestSerialEntries(t *testing.T) {
	pt, _ := newTestTable(2)
	pt.InsertRange(0x400000, pteSize*42, pteSize, rw)
	pt.InsertRange(0x401000, pteSize*47, pteSize, rw)
	checkMappings(t, pt, []Mapping{
		{0x400000, pteSize, pteSize * 42, rw},
		{0x401000, pteSize, pteSize * 47, rw},
	})
}

func TestSpanningEntries(t *testing.T) {
	pt, _ := newTestTable(2)
	// Span a pgd with two pages.
	pt.InsertRange(0x7fffffffe000, pteSize*42, 2*pteSize, ro)
	checkMappings(t, pt, []Mapping{
		{0x7fffffffe000, 2 * pteSize, pteSize * 42, ro},
	})
}

func TestLargeLeaves(t *testing.T) {
	pt, a := newTestTable(2)
	pt.InsertRange(pudSize, pudSize*3, pudSize, rw)
	// One PUD holds the whole gigabyte: root + one PUD table.
	if a.Live() != 2 {
		t.Errorf("1G mapping used %d table pages, want 2", a.Live())
	}
	checkMappings(t, pt, []Mapping{{pudSize, pudSize, pudSize * 3, rw}})

	pt2, a2 := newTestTable(0)
	pt2.InsertRange(0, 0, pmdSize, rw)
	// Without large leaves the same 2M needs a PTE table.
	if a2.Live() != 4 {
		t.Errorf("2M mapping with 4K leaves used %d table pages, want 4", a2.Live())
	}
}

func TestSplitLargeLeaf(t *testing.T) {
	pt, _ := newTestTable(2)
	pt.InsertRange(0, pmdSize*42, pmdSize, ro)
	// Knock out the middle.
	pt.InsertRange(pteSize, 0, pmdSize-2*pteSize, 0)
	checkMappings(t, pt, []Mapping{
		{0, pteSize, pmdSize * 42, ro},
		{pmdSize - pteSize, pteSize, pmdSize*42 + pmdSize - pteSize, ro},
	})
}

func TestChangeAttr(t *testing.T) {
	pt, _ := newTestTable(2)
	pt.InsertRange(0, 0, 4*pmdSize, rw)
	pt.InsertRange(pmdSize+pteSize, pmdSize+pteSize, pteSize, ro)
	phys, attr, ok := pt.GetMapping(pmdSize + pteSize + 0x10)
	if !ok || phys != pmdSize+pteSize+0x10 || attr != ro {
		t.Errorf("GetMapping = %#x, %d, %v", phys, attr, ok)
	}
	phys, attr, ok = pt.GetMapping(3*pmdSize + 5)
	if !ok || phys != 3*pmdSize+5 || attr != rw {
		t.Errorf("GetMapping in large leaf = %#x, %d, %v", phys, attr, ok)
	}
}

func TestGetMappingAbsent(t *testing.T) {
	pt, _ := newTestTable(2)
	if _, _, ok := pt.GetMapping(0x1000); ok {
		t.Errorf("GetMapping on empty table succeeded")
	}
	pt.InsertRange(0x200000, 0x200000, pteSize, rw)
	if _, _, ok := pt.GetMapping(0x201000); ok {
		t.Errorf("GetMapping of neighbour page succeeded")
	}
	if _, _, ok := pt.GetMapping(hostarch.Addr(MaxAddress)); ok {
		t.Errorf("GetMapping beyond address space succeeded")
	}
}

func TestInsertRejectsBadArgs(t *testing.T) {
	pt, _ := newTestTable(2)
	for _, tc := range []struct {
		name         string
		vbase, pbase hostarch.Addr
		length       uint64
	}{
		{"unaligned virtual", 0x1001, 0, pteSize},
		{"unaligned physical", 0x1000, 0x10, pteSize},
		{"unaligned length", 0x1000, 0, 0x800},
		{"beyond address space", hostarch.Addr(MaxAddress - pteSize), 0, 2 * pteSize},
	} {
		if pt.InsertRange(tc.vbase, tc.pbase, tc.length, rw) {
			t.Errorf("%s: InsertRange succeeded", tc.name)
		}
	}
	checkMappings(t, pt, nil)
}

func TestInsertGetRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		vbase, pbase hostarch.Addr
		length       uint64
	}{
		{0, 0, pudSize + 3*pmdSize + 5*pteSize},
		{0x1000, 0x3000000, 7 * pteSize},
		{pmdSize - pteSize, pmdSize, pmdSize + 2*pteSize},
		{0x7f0000000000, 0x40000000, pudSize},
	} {
		pt, _ := newTestTable(2)
		if !pt.InsertRange(tc.vbase, tc.pbase, tc.length, rw) {
			t.Fatalf("InsertRange(%v, %v, %#x) failed", tc.vbase, tc.pbase, tc.length)
		}
		for off := uint64(0); off < tc.length; off += pteSize * 97 {
			phys, attr, ok := pt.GetMapping(tc.vbase + hostarch.Addr(off))
			if !ok || phys != tc.pbase+hostarch.Addr(off) || attr != rw {
				t.Fatalf("GetMapping(%v+%#x) = %v, %d, %v", tc.vbase, off, phys, attr, ok)
			}
		}
		checkMappings(t, pt, []Mapping{{tc.vbase, tc.length, tc.pbase, rw}})
	}
}

type testPages struct {
	next  hostarch.Addr
	freed []hostarch.Addr
}

func (p *testPages) AllocZeroed(n uint32) hostarch.Addr {
	a := p.next
	p.next += hostarch.Addr(n) * hostarch.PageSize
	return a
}

func (p *testPages) Free(addr hostarch.Addr) {
	p.freed = append(p.freed, addr)
}

type testMemory []byte

func (m testMemory) Bytes(addr hostarch.Addr, length uint64) []byte {
	return m[addr : uint64(addr)+length]
}

func TestPhysicalAllocator(t *testing.T) {
	mem := make(testMemory, 64*hostarch.PageSize)
	pages := &testPages{next: 0x4000}
	pt := New("physical", testOps{1}, NewPhysicalAllocator(pages, mem))
	if got := pt.RootAddress(); got != 0x4000 {
		t.Fatalf("RootAddress = %#x, want 0x4000", got)
	}
	pt.InsertRange(0x1000, 0x9000, pteSize, rw)
	// Root entry 0 must refer to the next-level table by physical address.
	root := Entry(uint64(mem[0x4000]) | uint64(mem[0x4001])<<8)
	if got := root.Address(); got != 0x5000 {
		t.Errorf("root entry address = %#x, want 0x5000", got)
	}
	if phys, attr, ok := pt.GetMapping(0x1000); !ok || phys != 0x9000 || attr != rw {
		t.Errorf("GetMapping = %v, %d, %t", phys, attr, ok)
	}
	pt.InsertRange(0x1000, 0, pteSize, 0)
	if diff := cmp.Diff([]hostarch.Addr{0x7000, 0x6000, 0x5000}, pages.freed); diff != "" {
		t.Errorf("freed tables mismatch (-want +got):\n%s", diff)
	}
}
