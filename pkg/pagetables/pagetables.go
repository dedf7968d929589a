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

// Package pagetables provides a generic multi-level address-mapping engine.
//
// The walker is written once against the Ops interface, which supplies the
// entry encoding. The hypervisor instantiates it for its CR3-compatible
// forward table, for the reverse (physical to virtual) table, and for every
// guest's EPT.
package pagetables

import (
	"sync"

	"evmm.dev/evmm/pkg/hostarch"
)

const (
	// Levels is the depth of the tree. Level 0 entries map base pages;
	// Levels-1 is the root.
	Levels = 4

	// EntriesPerTable is the number of entries in one table page.
	EntriesPerTable = 512

	entryShift = 9

	// addressBits is the width of the mapped address space.
	addressBits = hostarch.PageShift + Levels*entryShift

	// MaxAddress is the first address that cannot be mapped.
	MaxAddress = uint64(1) << addressBits
)

// Entry is one table entry. Its meaning is defined entirely by Ops, except
// that the address of a next-level table or leaf always occupies AddressMask.
type Entry uint64

// AddressMask selects the address bits common to every encoding.
const AddressMask Entry = 0x000ffffffffff000

// Address returns the address bits of e.
func (e Entry) Address() uint64 {
	return uint64(e & AddressMask)
}

// PTEs is one table page.
type PTEs [EntriesPerTable]Entry

// Attr is an encoding-defined leaf attribute set. The zero Attr means "not
// mapped".
type Attr uint32

// Ops supplies an entry encoding to the walker.
type Ops interface {
	// MaxLeafLevel returns the highest level at which a leaf may be
	// installed.
	MaxLeafLevel() int

	// IsLeaf returns true if the present entry e at level maps memory
	// rather than pointing at a table. Level 0 entries are always leaves.
	IsLeaf(e Entry, level int) bool

	// IsPresent returns true if e at level is valid.
	IsPresent(e Entry, level int) bool

	// ToTable returns an entry at level pointing at the table at address.
	ToTable(address uint64, level int) Entry

	// ToLeaf returns an entry at level mapping address with attr. attr is
	// never zero.
	ToLeaf(address uint64, attr Attr, level int) Entry

	// LeafGetAttr returns the attributes of the leaf e at level.
	LeafGetAttr(e Entry, level int) Attr
}

// Allocator is used to allocate and map table pages.
type Allocator interface {
	// NewPTEs returns a new, zeroed table page.
	NewPTEs() *PTEs

	// PhysicalFor returns the address that entries use to refer to the
	// given table page.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs is the inverse of PhysicalFor.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs releases a table page that is no longer referenced.
	FreePTEs(ptes *PTEs)
}

// Table is one mapping tree. Only the owner mutates it; any module may
// translate through it.
type Table struct {
	// mu protects the tree. Writers hold it exclusively.
	mu sync.RWMutex

	name  string
	ops   Ops
	alloc Allocator
	root  *PTEs
}

// New returns an empty table.
func New(name string, ops Ops, alloc Allocator) *Table {
	return &Table{
		name:  name,
		ops:   ops,
		alloc: alloc,
		root:  alloc.NewPTEs(),
	}
}

// Name returns the table name used in diagnostics.
func (t *Table) Name() string {
	return t.name
}

// RootAddress returns the address of the root table page, as loaded into
// CR3 or an EPT pointer.
func (t *Table) RootAddress() uintptr {
	return t.alloc.PhysicalFor(t.root)
}

func levelShift(level int) uint {
	return uint(hostarch.PageShift + level*entryShift)
}

func levelSize(level int) uint64 {
	return uint64(1) << levelShift(level)
}

func index(addr uint64, level int) int {
	return int((addr >> levelShift(level)) & (EntriesPerTable - 1))
}

// InsertRange maps [vbase, vbase+length) to [pbase, pbase+length) with attr,
// replacing whatever was there. attr zero removes the mappings. Large leaves
// are used where the encoding, alignment and length allow.
//
// It returns false, changing nothing, if the arguments are not page aligned
// or the range does not fit in the address space.
func (t *Table) InsertRange(vbase, pbase hostarch.Addr, length uint64, attr Attr) bool {
	if !vbase.IsPageAligned() || !pbase.IsPageAligned() || length&hostarch.PageMask != 0 {
		return false
	}
	end, ok := vbase.AddLength(length)
	if !ok || uint64(end) > MaxAddress {
		return false
	}
	if _, ok := pbase.AddLength(length); !ok {
		return false
	}
	if length == 0 {
		return true
	}
	t.mu.Lock()
	t.insert(t.root, Levels-1, uint64(vbase), uint64(end), uint64(pbase), attr)
	t.mu.Unlock()
	return true
}

// insert updates [start, end) below the table ptes at level. It returns true
// if ptes no longer holds any present entry.
func (t *Table) insert(ptes *PTEs, level int, start, end, phys uint64, attr Attr) bool {
	size := levelSize(level)
	for start < end {
		next := (start &^ (size - 1)) + size
		if next > end || next == 0 {
			next = end
		}
		e := &ptes[index(start, level)]
		present := t.ops.IsPresent(*e, level)

		whole := start&(size-1) == 0 && next-start == size
		if whole && level <= t.ops.MaxLeafLevel() && phys&(size-1) == 0 {
			if present && !t.ops.IsLeaf(*e, level) {
				t.freeSubtree(*e, level)
			}
			if attr == 0 {
				*e = 0
			} else {
				*e = t.ops.ToLeaf(phys, attr, level)
			}
		} else if whole && attr == 0 {
			if present && !t.ops.IsLeaf(*e, level) {
				t.freeSubtree(*e, level)
			}
			*e = 0
		} else {
			var child *PTEs
			switch {
			case !present:
				if attr != 0 {
					child = t.alloc.NewPTEs()
					*e = t.ops.ToTable(uint64(t.alloc.PhysicalFor(child)), level)
				}
			case t.ops.IsLeaf(*e, level):
				child = t.split(*e, level)
				*e = t.ops.ToTable(uint64(t.alloc.PhysicalFor(child)), level)
			default:
				child = t.alloc.LookupPTEs(uintptr(e.Address()))
			}
			if child != nil && t.insert(child, level-1, start, next, phys, attr) {
				t.alloc.FreePTEs(child)
				*e = 0
			}
		}
		phys += next - start
		start = next
	}
	for i := range ptes {
		if t.ops.IsPresent(ptes[i], level) {
			return false
		}
	}
	return true
}

// split expands the leaf e at level into a table of leaves one level down
// with the same attributes.
func (t *Table) split(e Entry, level int) *PTEs {
	child := t.alloc.NewPTEs()
	size := levelSize(level)
	base := e.Address() &^ (size - 1)
	attr := t.ops.LeafGetAttr(e, level)
	childSize := levelSize(level - 1)
	for i := range child {
		child[i] = t.ops.ToLeaf(base+uint64(i)*childSize, attr, level-1)
	}
	return child
}

func (t *Table) freeSubtree(e Entry, level int) {
	child := t.alloc.LookupPTEs(uintptr(e.Address()))
	if level > 1 {
		for _, ce := range child {
			if t.ops.IsPresent(ce, level-1) && !t.ops.IsLeaf(ce, level-1) {
				t.freeSubtree(ce, level-1)
			}
		}
	}
	t.alloc.FreePTEs(child)
}

// GetMapping translates addr. It fails if any level of the walk is not
// present.
func (t *Table) GetMapping(addr hostarch.Addr) (phys hostarch.Addr, attr Attr, ok bool) {
	if uint64(addr) >= MaxAddress {
		return 0, 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	ptes := t.root
	for level := Levels - 1; level >= 0; level-- {
		e := ptes[index(uint64(addr), level)]
		if !t.ops.IsPresent(e, level) {
			return 0, 0, false
		}
		if level == 0 || t.ops.IsLeaf(e, level) {
			mask := levelSize(level) - 1
			phys = hostarch.Addr((e.Address() &^ mask) | (uint64(addr) & mask))
			return phys, t.ops.LeafGetAttr(e, level), true
		}
		ptes = t.alloc.LookupPTEs(uintptr(e.Address()))
	}
	return 0, 0, false
}

// Mapping is one leaf found by Visit.
type Mapping struct {
	Start    hostarch.Addr
	Length   uint64
	Physical hostarch.Addr
	Attr     Attr
}

// Visit calls fn for every leaf intersecting [start, end), in address order.
// The reported leaf is clipped to the range. Visit stops when fn returns
// false.
func (t *Table) Visit(start, end hostarch.Addr, fn func(m Mapping) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.visit(t.root, Levels-1, 0, uint64(start), uint64(end), fn)
}

func (t *Table) visit(ptes *PTEs, level int, base, start, end uint64, fn func(m Mapping) bool) bool {
	size := levelSize(level)
	for i := range ptes {
		lo := base + uint64(i)*size
		hi := lo + size
		if hi <= start || lo >= end {
			continue
		}
		e := ptes[i]
		if !t.ops.IsPresent(e, level) {
			continue
		}
		if level == 0 || t.ops.IsLeaf(e, level) {
			s, f := lo, hi
			if s < start {
				s = start
			}
			if f > end {
				f = end
			}
			m := Mapping{
				Start:    hostarch.Addr(s),
				Length:   f - s,
				Physical: hostarch.Addr((e.Address() &^ (size - 1)) + (s - lo)),
				Attr:     t.ops.LeafGetAttr(e, level),
			}
			if !fn(m) {
				return false
			}
			continue
		}
		if !t.visit(t.alloc.LookupPTEs(uintptr(e.Address())), level-1, lo, start, end, fn) {
			return false
		}
	}
	return true
}

// Mappings returns every leaf in [start, end). Adjacent leaves that are
// physically contiguous with equal attributes are merged.
func (t *Table) Mappings(start, end hostarch.Addr) []Mapping {
	var out []Mapping
	t.Visit(start, end, func(m Mapping) bool {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Attr == m.Attr &&
				last.Start+hostarch.Addr(last.Length) == m.Start &&
				last.Physical+hostarch.Addr(last.Length) == m.Physical {
				last.Length += m.Length
				return true
			}
		}
		out = append(out, m)
		return true
	})
	return out
}
