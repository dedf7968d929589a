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

// Package ept implements the extended page table entry encoding.
package ept

import (
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/pagetables"
)

// Entry bits.
const (
	bitRead    = 1 << 0
	bitWrite   = 1 << 1
	bitExecute = 1 << 2

	// memTypeShift is the position of the leaf memory type.
	memTypeShift = 3
	bitIgnorePAT = 1 << 6
	bitLarge     = 1 << 7

	accessMask = bitRead | bitWrite | bitExecute
)

// Ops is the EPT encoding. Leaves are write-back.
type Ops struct {
	// HugePages allows 1G leaves. 2M leaves are always allowed.
	HugePages bool
}

var _ pagetables.Ops = Ops{}

// MaxLeafLevel implements pagetables.Ops.MaxLeafLevel.
func (o Ops) MaxLeafLevel() int {
	if o.HugePages {
		return 2
	}
	return 1
}

// IsLeaf implements pagetables.Ops.IsLeaf.
func (Ops) IsLeaf(e pagetables.Entry, level int) bool {
	return level == 0 || e&bitLarge != 0
}

// IsPresent implements pagetables.Ops.IsPresent. An entry is present if any
// access is permitted.
func (Ops) IsPresent(e pagetables.Entry, level int) bool {
	return e&accessMask != 0
}

// ToTable implements pagetables.Ops.ToTable. Tables grant all access; leaves
// restrict it.
func (Ops) ToTable(address uint64, level int) pagetables.Entry {
	return pagetables.Entry(address) | accessMask
}

// ToLeaf implements pagetables.Ops.ToLeaf.
func (Ops) ToLeaf(address uint64, attr pagetables.Attr, level int) pagetables.Entry {
	e := pagetables.Entry(address) | pagetables.Entry(attr)&accessMask |
		pagetables.Entry(hostarch.MemoryTypeWriteBack)<<memTypeShift | bitIgnorePAT
	if level > 0 {
		e |= bitLarge
	}
	return e
}

// LeafGetAttr implements pagetables.Ops.LeafGetAttr.
func (Ops) LeafGetAttr(e pagetables.Entry, level int) pagetables.Attr {
	return pagetables.Attr(e & accessMask)
}

// AttrFor converts an access type to a leaf attribute.
func AttrFor(at hostarch.AccessType) pagetables.Attr {
	return pagetables.Attr(at.Bits())
}

// AccessFor converts a leaf attribute to an access type.
func AccessFor(attr pagetables.Attr) hostarch.AccessType {
	return hostarch.AccessFromBits(uint32(attr))
}

// EPT pointer fields.
const (
	eptpWalkLength = (pagetables.Levels - 1) << 3
)

// Pointer returns the EPT pointer value for a table rooted at root:
// write-back paging-structure accesses and a four level walk.
func Pointer(root uintptr) uint64 {
	return uint64(root) | uint64(hostarch.MemoryTypeWriteBack) | eptpWalkLength
}

// Table is a guest's physical address map.
type Table struct {
	*pagetables.Table
}

// New returns an empty EPT.
func New(name string, ops Ops, alloc pagetables.Allocator) *Table {
	return &Table{pagetables.New(name, ops, alloc)}
}

// Map maps [gpa, gpa+length) to [hpa, hpa+length) with access at. A zero
// access type unmaps the range.
func (t *Table) Map(gpa, hpa hostarch.Addr, length uint64, at hostarch.AccessType) bool {
	return t.InsertRange(gpa, hpa, length, AttrFor(at))
}

// Unmap removes [gpa, gpa+length).
func (t *Table) Unmap(gpa hostarch.Addr, length uint64) bool {
	return t.InsertRange(gpa, 0, length, 0)
}

// Translate returns the host-physical address and access for gpa.
func (t *Table) Translate(gpa hostarch.Addr) (hostarch.Addr, hostarch.AccessType, bool) {
	hpa, attr, ok := t.GetMapping(gpa)
	return hpa, AccessFor(attr), ok
}

// Pointer returns the EPT pointer for t.
func (t *Table) Pointer() uint64 {
	return Pointer(t.RootAddress())
}
