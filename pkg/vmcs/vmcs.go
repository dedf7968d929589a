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

// Package vmcs provides a cached accessor over the hardware virtual machine
// control structure.
//
// Hardware VMREAD and VMWRITE are expensive, and a single exit/entry cycle
// tends to touch the same small set of fields repeatedly. A VMCS therefore
// caches each field after its first access. Writes are deferred: they update
// the cache and are written back by Flush, which the exit loop calls exactly
// once immediately before VM entry.
//
// Once a field is valid the cache is authoritative, until the owner reports
// that hardware state diverged (ClearCache, ClearVolatile or ClearAllCache).
package vmcs

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"evmm.dev/evmm/pkg/halt"
)

// InstructionError is a VM-instruction error number. Zero means success.
type InstructionError uint32

// Common VM-instruction errors.
const (
	ErrNone                 InstructionError = 0
	ErrVMClearInvalid       InstructionError = 2
	ErrVMLaunchNonClear     InstructionError = 4
	ErrVMResumeNonLaunched  InstructionError = 5
	ErrEntryInvalidControls InstructionError = 7
	ErrEntryInvalidHost     InstructionError = 8
	ErrVMPtrLoadInvalid     InstructionError = 9
	ErrUnsupportedField     InstructionError = 12
	ErrWriteReadOnly        InstructionError = 13
)

// String implements fmt.Stringer.String.
func (e InstructionError) String() string {
	switch e {
	case ErrNone:
		return "success"
	case ErrVMClearInvalid:
		return "VMCLEAR with invalid address"
	case ErrVMLaunchNonClear:
		return "VMLAUNCH with non-clear VMCS"
	case ErrVMResumeNonLaunched:
		return "VMRESUME with non-launched VMCS"
	case ErrEntryInvalidControls:
		return "VM entry with invalid control fields"
	case ErrEntryInvalidHost:
		return "VM entry with invalid host-state fields"
	case ErrVMPtrLoadInvalid:
		return "VMPTRLD with invalid address"
	case ErrUnsupportedField:
		return "unsupported VMCS component"
	case ErrWriteReadOnly:
		return "VMWRITE to read-only VMCS component"
	default:
		return fmt.Sprintf("VM-instruction error %d", uint32(e))
	}
}

// Hardware is the VMX instruction set of one physical CPU.
type Hardware interface {
	// VMClear flushes and clears the VMCS at hpa, leaving it not current
	// and not launched.
	VMClear(hpa uint64) InstructionError

	// VMPtrLoad makes the VMCS at hpa current.
	VMPtrLoad(hpa uint64) InstructionError

	// VMPtrStore returns the address of the current VMCS, or ^0 if none.
	VMPtrStore() uint64

	// VMRead reads a field of the current VMCS.
	VMRead(encoding uint32) (uint64, InstructionError)

	// VMWrite writes a field of the current VMCS.
	VMWrite(encoding uint32, value uint64) InstructionError
}

// NoCPU is the CPU of a VMCS that has never been activated.
const NoCPU = -1

// DirtyListSize is the number of dirty fields tracked in order. Past this
// many, Flush scans the dirty bitmap instead.
const DirtyListSize = 16

// Stats counts hardware accesses made by the store.
type Stats struct {
	Reads  uint64
	Writes uint64
}

// VMCS is the cached accessor for one vCPU's control structure.
//
// A VMCS is used only by the physical CPU that owns its vCPU, and is not
// safe for concurrent use.
type VMCS struct {
	// address is the host-physical address of the VMCS region.
	address uint64

	// hw is the hardware of the CPU the VMCS was last activated on.
	hw  Hardware
	cpu int

	cache [NumFields]uint64
	valid *bitset.BitSet
	dirty *bitset.BitSet

	// alwaysValid fields survive ClearCache and ClearVolatile.
	alwaysValid *bitset.BitSet

	// dirtyList holds the first DirtyListSize dirty fields in write order.
	// dirtyCount may exceed len(dirtyList), in which case the list is
	// incomplete and the bitmap is authoritative.
	dirtyList  [DirtyListSize]Field
	dirtyCount int

	launched bool
	stats    Stats
}

// volatileFields may change across a VM entry and exit. Entry clears the
// valid bit of EntryInterruptionInfo.
var volatileFields = func() *bitset.BitSet {
	b := bitset.New(uint(NumFields))
	for f := Field(0); f < NumFields; f++ {
		if f.ReadOnly() || f.IsGuestState() || f == EntryInterruptionInfo {
			b.Set(uint(f))
		}
	}
	return b
}()

// New returns a VMCS for the region at hpa. The region is cleared on first
// activation.
//
// Control and host-state fields other than EntryInterruptionInfo are always
// valid by default: the processor never modifies them.
func New(hpa uint64) *VMCS {
	halt.Check(hpa != 0 && hpa&0xfff == 0, "vmcs: misaligned region %#x", hpa)
	v := &VMCS{
		address: hpa,
		cpu:     NoCPU,
		valid:   bitset.New(uint(NumFields)),
		dirty:   bitset.New(uint(NumFields)),
	}
	v.alwaysValid = volatileFields.Complement()
	return v
}

// Address returns the host-physical address of the region.
func (v *VMCS) Address() uint64 {
	return v.address
}

// CPU returns the CPU the VMCS was last activated on, or NoCPU.
func (v *VMCS) CPU() int {
	return v.cpu
}

// Launched returns true if VMLAUNCH succeeded since the last VMCLEAR. The
// next entry must then use VMRESUME.
func (v *VMCS) Launched() bool {
	return v.launched
}

// SetLaunched records a successful VMLAUNCH.
func (v *VMCS) SetLaunched() {
	v.launched = true
}

// Stats returns hardware access counters.
func (v *VMCS) Stats() Stats {
	return v.stats
}

// SetAlwaysValid replaces the set of fields that survive partial cache
// invalidation.
func (v *VMCS) SetAlwaysValid(fs ...Field) {
	v.alwaysValid.ClearAll()
	for _, f := range fs {
		v.alwaysValid.Set(uint(f))
	}
}

// AlwaysValid returns true if f survives partial cache invalidation.
func (v *VMCS) AlwaysValid(f Field) bool {
	return v.alwaysValid.Test(uint(f))
}

func check(err InstructionError, op string, args ...any) {
	if err != ErrNone && halt.Debug() {
		halt.Fatalf("vmcs: %s failed: %v", fmt.Sprintf(op, args...), err)
	}
}

// Activate makes v current on cpu.
//
// A VMCS moving to a different CPU must first be released with Deactivate
// on its old CPU. The first activation clears the region.
func (v *VMCS) Activate(cpu int, hw Hardware) {
	halt.Assert(v.cpu == NoCPU || v.cpu == cpu, "vmcs: %#x active on CPU %d, activated on CPU %d", v.address, v.cpu, cpu)
	if v.cpu == NoCPU {
		check(hw.VMClear(v.address), "VMCLEAR %#x", v.address)
		v.launched = false
	}
	check(hw.VMPtrLoad(v.address), "VMPTRLD %#x", v.address)
	v.cpu = cpu
	v.hw = hw
}

// Deactivate clears v on its current CPU so that it may be activated on
// another one. Pending writes are flushed first.
func (v *VMCS) Deactivate() {
	if v.cpu == NoCPU {
		return
	}
	if v.dirtyCount != 0 {
		check(v.hw.VMPtrLoad(v.address), "VMPTRLD %#x", v.address)
		v.Flush()
	}
	check(v.hw.VMClear(v.address), "VMCLEAR %#x", v.address)
	v.launched = false
	v.cpu = NoCPU
	v.hw = nil
	v.valid.ClearAll()
}

// IsCurrent returns true if v is the current VMCS of its CPU.
func (v *VMCS) IsCurrent() bool {
	return v.hw != nil && v.hw.VMPtrStore() == v.address
}

func (v *VMCS) assertCurrent(op string, f Field) {
	if halt.Debug() && !v.IsCurrent() {
		halt.Fatalf("vmcs: %s of %v on non-current VMCS %#x", op, f, v.address)
	}
}

// Read returns the value of f. The first read after invalidation performs
// one hardware read.
func (v *VMCS) Read(f Field) uint64 {
	if v.valid.Test(uint(f)) {
		return v.cache[f]
	}
	v.assertCurrent("read", f)
	val, err := v.hw.VMRead(f.Encoding())
	check(err, "VMREAD %v", f)
	v.stats.Reads++
	v.cache[f] = val
	v.valid.Set(uint(f))
	return val
}

// Write sets f to val. The hardware write is deferred to Flush.
//
// Write may be used on a VMCS that is not current, e.g. to adjust another
// vCPU sharing the same physical CPU.
func (v *VMCS) Write(f Field, val uint64) {
	halt.Assert(!f.ReadOnly(), "vmcs: write to read-only field %v", f)
	v.cache[f] = val
	v.valid.Set(uint(f))
	if v.dirty.Test(uint(f)) {
		return
	}
	v.dirty.Set(uint(f))
	if v.dirtyCount < DirtyListSize {
		v.dirtyList[v.dirtyCount] = f
	}
	v.dirtyCount++
}

// IsDirty returns true if f has a pending write.
func (v *VMCS) IsDirty(f Field) bool {
	return v.dirty.Test(uint(f))
}

// DirtyCount returns the number of pending writes.
func (v *VMCS) DirtyCount() int {
	return v.dirtyCount
}

// Flush writes back every pending write. v must be current.
func (v *VMCS) Flush() {
	if v.dirtyCount == 0 {
		return
	}
	if v.dirtyCount <= DirtyListSize {
		for _, f := range v.dirtyList[:v.dirtyCount] {
			v.flushOne(f)
		}
	} else {
		for i, ok := v.dirty.NextSet(0); ok; i, ok = v.dirty.NextSet(i + 1) {
			v.flushOne(Field(i))
		}
	}
	v.dirty.ClearAll()
	v.dirtyCount = 0
}

func (v *VMCS) flushOne(f Field) {
	v.assertCurrent("flush", f)
	check(v.hw.VMWrite(f.Encoding(), v.cache[f]), "VMWRITE %v=%#x", f, v.cache[f])
	v.stats.Writes++
}

func (v *VMCS) invalidate(f Field) {
	halt.Assert(!v.dirty.Test(uint(f)), "vmcs: invalidating dirty field %v", f)
	v.valid.Clear(uint(f))
}

// ClearCache invalidates the given fields, or every field not marked always
// valid if none are given.
func (v *VMCS) ClearCache(fs ...Field) {
	if len(fs) == 0 {
		for f := Field(0); f < NumFields; f++ {
			if !v.alwaysValid.Test(uint(f)) {
				v.invalidate(f)
			}
		}
		return
	}
	for _, f := range fs {
		v.invalidate(f)
	}
}

// ClearVolatile invalidates the fields the processor writes on VM exit:
// exit information and guest state, except those marked always valid.
func (v *VMCS) ClearVolatile() {
	for i, ok := volatileFields.NextSet(0); ok; i, ok = volatileFields.NextSet(i + 1) {
		if !v.alwaysValid.Test(i) {
			v.invalidate(Field(i))
		}
	}
}

// ClearAllCache invalidates every field, including always-valid ones.
func (v *VMCS) ClearAllCache() {
	halt.Assert(v.dirtyCount == 0, "vmcs: clearing cache with %d pending writes", v.dirtyCount)
	v.valid.ClearAll()
}

// Dump reads every field and formats the structure for a fatal report.
func (v *VMCS) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "VMCS %#x cpu=%d launched=%t pending=%d hw-reads=%d hw-writes=%d\n",
		v.address, v.cpu, v.launched, v.dirtyCount, v.stats.Reads, v.stats.Writes)
	current := v.IsCurrent()
	for f := Field(0); f < NumFields; f++ {
		mark := " "
		if v.dirty.Test(uint(f)) {
			mark = "*"
		}
		switch {
		case v.valid.Test(uint(f)):
			fmt.Fprintf(&b, "%s %-26s = %#016x\n", mark, f, v.cache[f])
		case current:
			fmt.Fprintf(&b, "%s %-26s = %#016x\n", mark, f, v.Read(f))
		default:
			fmt.Fprintf(&b, "%s %-26s = ?\n", mark, f)
		}
	}
	return b.String()
}
