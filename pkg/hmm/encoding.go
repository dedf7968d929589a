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

package hmm

import (
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/pagetables"
)

// Forward table entry bits, in the format loaded into CR3.
const (
	ptePresent = 1 << 0
	pteWrite   = 1 << 1
	pteSize    = 1 << 7
	pteNX      = 1 << 63
)

// forwardOps is the encoding of the host-virtual to host-physical table.
// Every present entry is readable.
type forwardOps struct {
	hugePages bool
}

// MaxLeafLevel implements pagetables.Ops.MaxLeafLevel.
func (o forwardOps) MaxLeafLevel() int {
	if o.hugePages {
		return 2
	}
	return 1
}

// IsLeaf implements pagetables.Ops.IsLeaf.
func (forwardOps) IsLeaf(e pagetables.Entry, level int) bool {
	return level == 0 || e&pteSize != 0
}

// IsPresent implements pagetables.Ops.IsPresent.
func (forwardOps) IsPresent(e pagetables.Entry, level int) bool {
	return e&ptePresent != 0
}

// ToTable implements pagetables.Ops.ToTable.
func (forwardOps) ToTable(address uint64, level int) pagetables.Entry {
	return pagetables.Entry(address) | ptePresent | pteWrite
}

// ToLeaf implements pagetables.Ops.ToLeaf.
func (forwardOps) ToLeaf(address uint64, attr pagetables.Attr, level int) pagetables.Entry {
	at := hostarch.AccessFromBits(uint32(attr))
	e := pagetables.Entry(address) | ptePresent
	if at.Write {
		e |= pteWrite
	}
	if !at.Execute {
		e |= pteNX
	}
	if level > 0 {
		e |= pteSize
	}
	return e
}

// LeafGetAttr implements pagetables.Ops.LeafGetAttr.
func (forwardOps) LeafGetAttr(e pagetables.Entry, level int) pagetables.Attr {
	at := hostarch.AccessType{
		Read:    true,
		Write:   e&pteWrite != 0,
		Execute: e&pteNX == 0,
	}
	return pagetables.Attr(at.Bits())
}

// reverseOps is the encoding of the host-physical to host-virtual table.
// It only records presence, in base pages.
type reverseOps struct{}

// reversePresent is the only attribute of reverse leaves.
const reversePresent pagetables.Attr = 1

// MaxLeafLevel implements pagetables.Ops.MaxLeafLevel.
func (reverseOps) MaxLeafLevel() int {
	return 0
}

// IsLeaf implements pagetables.Ops.IsLeaf.
func (reverseOps) IsLeaf(e pagetables.Entry, level int) bool {
	return level == 0
}

// IsPresent implements pagetables.Ops.IsPresent.
func (reverseOps) IsPresent(e pagetables.Entry, level int) bool {
	return e&ptePresent != 0
}

// ToTable implements pagetables.Ops.ToTable.
func (reverseOps) ToTable(address uint64, level int) pagetables.Entry {
	return pagetables.Entry(address) | ptePresent
}

// ToLeaf implements pagetables.Ops.ToLeaf.
func (reverseOps) ToLeaf(address uint64, attr pagetables.Attr, level int) pagetables.Entry {
	return pagetables.Entry(address) | ptePresent
}

// LeafGetAttr implements pagetables.Ops.LeafGetAttr.
func (reverseOps) LeafGetAttr(e pagetables.Entry, level int) pagetables.Attr {
	return reversePresent
}

func attrFor(at hostarch.AccessType) pagetables.Attr {
	if at == hostarch.NoAccess {
		return 0
	}
	// Every mapped page is readable.
	at.Read = true
	return pagetables.Attr(at.Bits())
}
