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

// Package msr keeps model specific registers isolated between guests and
// builds VMX MSR bitmaps.
package msr

import (
	"github.com/google/btree"

	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/log"
	"evmm.dev/evmm/pkg/platform"
)

// Entry is an isolated MSR.
type Entry struct {
	// MSR is the register index.
	MSR uint32

	// Initial is the value a virtual CPU sees before it first writes the
	// register.
	Initial uint64
}

func less(a, b Entry) bool {
	return a.MSR < b.MSR
}

// IsolationList holds the MSRs swapped on world switch. Every virtual CPU
// has its own copy of each; the hardware holds only the running virtual
// CPU's values.
//
// Entries are added during bring-up. After Freeze, each virtual CPU's copy
// is used only by the physical CPU it is bound to.
type IsolationList struct {
	tree *btree.BTreeG[Entry]

	// Set by Freeze.
	entries []Entry
	saved   [][]uint64
	frozen  bool
}

// NewIsolationList returns an empty list.
func NewIsolationList() *IsolationList {
	return &IsolationList{tree: btree.NewG(4, less)}
}

// Add isolates msr. Adding an MSR twice replaces its initial value.
func (l *IsolationList) Add(msr uint32, initial uint64) {
	halt.Check(!l.frozen, "msr: %#x added after freeze", msr)
	if old, ok := l.tree.ReplaceOrInsert(Entry{MSR: msr, Initial: initial}); ok {
		log.Debugf("msr: %#x initial value %#x replaced by %#x", msr, old.Initial, initial)
	}
}

// Contains returns true if msr is isolated.
func (l *IsolationList) Contains(msr uint32) bool {
	return l.tree.Has(Entry{MSR: msr})
}

// Len returns the number of isolated MSRs.
func (l *IsolationList) Len() int {
	return l.tree.Len()
}

// Entries returns the isolated MSRs in ascending order.
func (l *IsolationList) Entries() []Entry {
	var out []Entry
	l.tree.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Freeze ends registration and allocates a copy of every isolated MSR for
// numGCPUs virtual CPUs.
func (l *IsolationList) Freeze(numGCPUs int) {
	l.entries = l.Entries()
	l.saved = make([][]uint64, numGCPUs)
	for i := range l.saved {
		vals := make([]uint64, len(l.entries))
		for j, e := range l.entries {
			vals[j] = e.Initial
		}
		l.saved[i] = vals
	}
	l.frozen = true
}

// Value returns gcpu's copy of msr.
func (l *IsolationList) Value(gcpu handle.GCPU, msr uint32) (uint64, bool) {
	for j, e := range l.entries {
		if e.MSR == msr {
			return l.saved[gcpu][j], true
		}
	}
	return 0, false
}

// Swap saves the hardware values of every isolated MSR into from's copy
// and loads to's copy. Either handle may be NoGCPU.
func (l *IsolationList) Swap(cpu platform.CPU, from, to handle.GCPU) {
	halt.Assert(l.frozen, "msr: swap before freeze")
	if from.Valid() {
		s := l.saved[from]
		for j, e := range l.entries {
			s[j] = cpu.ReadMSR(e.MSR)
		}
	}
	if to.Valid() {
		s := l.saved[to]
		for j, e := range l.entries {
			cpu.WriteMSR(e.MSR, s[j])
		}
	}
}
