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

// Package hmm is the host memory manager. It owns the page tables the
// hypervisor itself runs on.
//
// Two tables are kept: the forward table translates host-virtual to
// host-physical addresses and is loaded into CR3; the reverse table records,
// for each physical page the hypervisor can reach, the virtual address it is
// reached at. Both are instances of the generic walker in pagetables.
//
// Memory starts identity mapped. Bootstrap then protects the hypervisor
// from itself: image sections are narrowed to their declared permissions,
// physical page zero moves to a non-zero alias so that a null pointer always
// faults, exception stacks move behind guard pages, and a guard zero page is
// unmapped.
package hmm

import (
	"fmt"
	"strings"
	"sync"

	"code.cloudfoundry.org/bytefmt"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/log"
	"evmm.dev/evmm/pkg/pagetables"
	"evmm.dev/evmm/pkg/platform"
)

// UnmapPolicy selects how UnmapHPA behaves.
type UnmapPolicy int

const (
	// UnmapStrict always removes the hypervisor's access.
	UnmapStrict UnmapPolicy = iota

	// UnmapBestEffort removes access only when debug checks are enabled,
	// leaving the identity mapping in place otherwise.
	UnmapBestEffort
)

// String implements fmt.Stringer.String.
func (p UnmapPolicy) String() string {
	switch p {
	case UnmapStrict:
		return "strict"
	case UnmapBestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("UnmapPolicy(%d)", int(p))
	}
}

// ParseUnmapPolicy parses the String form of a policy.
func ParseUnmapPolicy(s string) (UnmapPolicy, error) {
	switch s {
	case "strict", "":
		return UnmapStrict, nil
	case "best-effort":
		return UnmapBestEffort, nil
	default:
		return 0, fmt.Errorf("invalid unmap policy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p UnmapPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *UnmapPolicy) UnmarshalText(b []byte) error {
	v, err := ParseUnmapPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Section is one section of the hypervisor image.
type Section struct {
	Name   string
	Start  hostarch.Addr
	Length uint64
	Access hostarch.AccessType
}

// Layout describes physical memory at bootstrap.
type Layout struct {
	// Top is the first address past physical memory.
	Top hostarch.Addr

	// Image lists the hypervisor's own sections, loaded at their
	// physical addresses.
	Image []Section

	// ExceptionStacks holds the physical address of each CPU's exception
	// stack, indexed by CPU.
	ExceptionStacks []hostarch.Addr

	// StackPages is the size of each exception stack in pages.
	StackPages int

	// ZeroPage is the physical address of the guard zero page.
	ZeroPage hostarch.Addr
}

// Options configures an HMM.
type Options struct {
	// Policy is the UnmapHPA policy.
	Policy UnmapPolicy

	// HugePages allows 1G leaves in the forward table.
	HugePages bool
}

// ExceptionStack is a remapped exception stack.
type ExceptionStack struct {
	// Physical is the backing memory.
	Physical hostarch.Addr

	// Base is the lowest virtual address of the stack. The pages
	// immediately below Base and at Top are unmapped.
	Base hostarch.Addr

	// Top is the initial stack pointer.
	Top hostarch.Addr
}

// HMM is the host memory manager.
type HMM struct {
	mem    platform.Memory
	policy UnmapPolicy

	// mu protects fwd and rev once other CPUs run.
	mu  sync.RWMutex
	fwd *pagetables.Table
	rev *pagetables.Table

	// aliasMu protects nextAlias.
	aliasMu   sync.Mutex
	aliasBase hostarch.Addr
	nextAlias hostarch.Addr

	// Fields below are set by Bootstrap and read-only afterwards.
	layout    Layout
	nullAlias hostarch.Addr
	stacks    []ExceptionStack
	booted    bool
}

// New returns an HMM whose table pages are drawn from pages.
func New(mem platform.Memory, pages pagetables.PageSource, opts Options) *HMM {
	a := pagetables.NewPhysicalAllocator(pages, mem)
	top := mem.Top()
	// Aliases live above the identity map with a gap of one huge page, so
	// that an overrun off the end of memory faults.
	base := hostarch.Addr((uint64(top) + 2*hostarch.HugePageSize - 1) &^ (hostarch.HugePageSize - 1))
	return &HMM{
		mem:       mem,
		policy:    opts.Policy,
		fwd:       pagetables.New("hva->hpa", forwardOps{hugePages: opts.HugePages}, a),
		rev:       pagetables.New("hpa->hva", reverseOps{}, a),
		aliasBase: base,
		nextAlias: base,
	}
}

// Forward returns the host-virtual to host-physical table.
func (h *HMM) Forward() *pagetables.Table {
	return h.fwd
}

// Reverse returns the host-physical to host-virtual table.
func (h *HMM) Reverse() *pagetables.Table {
	return h.rev
}

// Policy returns the UnmapHPA policy.
func (h *HMM) Policy() UnmapPolicy {
	return h.policy
}

// Bootstrap builds the hypervisor's address space. It runs once, on the
// bootstrap processor, before any other CPU starts.
func (h *HMM) Bootstrap(l Layout) {
	halt.Check(!h.booted, "hmm: bootstrapped twice")
	halt.Check(l.Top.IsPageAligned() && l.Top > 0 && l.Top <= h.mem.Top(), "hmm: bad memory top %v", l.Top)
	if l.StackPages == 0 {
		l.StackPages = 1
	}
	h.layout = l

	// Identity map all of memory.
	rw := attrFor(hostarch.ReadWrite)
	halt.Check(h.fwd.InsertRange(0, 0, uint64(l.Top), rw), "hmm: identity map of %v failed", l.Top)
	h.rev.InsertRange(0, 0, uint64(l.Top), reversePresent)
	log.Infof("hmm: identity mapped %s", bytefmt.ByteSize(uint64(l.Top)))

	// Narrow image sections.
	for _, s := range l.Image {
		r, ok := s.Start.ToRange(s.Length)
		halt.Check(ok && r.IsPageAligned() && r.End <= l.Top, "hmm: bad image section %s %v+%#x", s.Name, s.Start, s.Length)
		h.fwd.InsertRange(s.Start, s.Start, s.Length, attrFor(s.Access))
		log.Debugf("hmm: section %s %v %v", s.Name, r, s.Access)
	}

	// Move page zero.
	h.nullAlias = h.remap(0, 1, hostarch.ReadWrite, false)
	log.Debugf("hmm: page zero aliased at %v", h.nullAlias)

	// Move exception stacks behind guard pages.
	h.stacks = make([]ExceptionStack, len(l.ExceptionStacks))
	for cpu, pa := range l.ExceptionStacks {
		halt.Check(pa.IsPageAligned() && pa != 0, "hmm: bad exception stack %v for CPU %d", pa, cpu)
		base := h.remap(pa, l.StackPages, hostarch.ReadWrite, true)
		h.stacks[cpu] = ExceptionStack{
			Physical: pa,
			Base:     base,
			Top:      base + hostarch.Addr(l.StackPages)*hostarch.PageSize,
		}
	}

	// Zero and unmap the guard page.
	if l.ZeroPage != 0 {
		halt.Check(l.ZeroPage.IsPageAligned(), "hmm: bad zero page %v", l.ZeroPage)
		h.mem.Zero(l.ZeroPage, hostarch.PageSize)
		h.unmapPages(l.ZeroPage, hostarch.PageSize)
	}
	h.booted = true
}

// allocAlias reserves npages of virtual space above physical memory.
func (h *HMM) allocAlias(npages int) hostarch.Addr {
	h.aliasMu.Lock()
	defer h.aliasMu.Unlock()
	va := h.nextAlias
	h.nextAlias += hostarch.Addr(npages) * hostarch.PageSize
	halt.Check(uint64(h.nextAlias) <= pagetables.MaxAddress, "hmm: virtual alias space exhausted")
	return va
}

// remap moves npages at pa from their current virtual address to a fresh
// alias and returns it. With guards, the pages on both sides of the alias
// are left unmapped.
func (h *HMM) remap(pa hostarch.Addr, npages int, at hostarch.AccessType, guards bool) hostarch.Addr {
	length := uint64(npages) * hostarch.PageSize
	h.unmapPages(pa, length)
	var va hostarch.Addr
	if guards {
		va = h.allocAlias(npages+2) + hostarch.PageSize
	} else {
		va = h.allocAlias(npages)
	}
	h.fwd.InsertRange(va, pa, length, attrFor(at))
	for off := uint64(0); off < length; off += hostarch.PageSize {
		h.rev.InsertRange(pa+hostarch.Addr(off), va+hostarch.Addr(off), hostarch.PageSize, reversePresent)
	}
	return va
}

// unmapPages removes every virtual mapping of [pa, pa+length) from both
// tables.
func (h *HMM) unmapPages(pa hostarch.Addr, length uint64) {
	for off := uint64(0); off < length; off += hostarch.PageSize {
		p := pa + hostarch.Addr(off)
		if va, _, ok := h.rev.GetMapping(p); ok {
			h.fwd.InsertRange(va, 0, hostarch.PageSize, 0)
		}
		h.rev.InsertRange(p, 0, hostarch.PageSize, 0)
	}
}

// MapHPA maps [pa, pa+length) at a fresh virtual alias, in addition to any
// existing mapping, and returns the alias.
func (h *HMM) MapHPA(pa hostarch.Addr, length uint64, at hostarch.AccessType) hostarch.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	halt.Check(pa.IsPageAligned() && length > 0 && length&hostarch.PageMask == 0, "hmm: bad MapHPA %v+%#x", pa, length)
	npages := int(length >> hostarch.PageShift)
	va := h.allocAlias(npages)
	h.fwd.InsertRange(va, pa, length, attrFor(at))
	for off := uint64(0); off < length; off += hostarch.PageSize {
		p := pa + hostarch.Addr(off)
		if _, _, ok := h.rev.GetMapping(p); !ok {
			h.rev.InsertRange(p, va+hostarch.Addr(off), hostarch.PageSize, reversePresent)
		}
	}
	return va
}

// UnmapHPA removes the hypervisor's own access to [pa, pa+length) before the
// range is handed to a guest exclusively. Under UnmapBestEffort this happens
// only with debug checks enabled. It returns true if mappings were removed.
func (h *HMM) UnmapHPA(pa hostarch.Addr, length uint64) bool {
	r, ok := pa.ToRange(length)
	halt.Check(ok && r.IsPageAligned(), "hmm: bad UnmapHPA %v+%#x", pa, length)
	for _, s := range h.layout.Image {
		sr, _ := s.Start.ToRange(s.Length)
		halt.Check(!r.Overlaps(sr), "hmm: UnmapHPA %v overlaps hypervisor section %s", r, s.Name)
	}
	if h.policy == UnmapBestEffort && !halt.Debug() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unmapPages(pa, length)
	return true
}

// HVAToHPA translates a host-virtual address.
func (h *HMM) HVAToHPA(va hostarch.Addr) (hostarch.Addr, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pa, _, ok := h.fwd.GetMapping(va)
	return pa, ok
}

// HPAToHVA returns the virtual address at which the hypervisor reaches pa.
func (h *HMM) HPAToHVA(pa hostarch.Addr) (hostarch.Addr, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	va, _, ok := h.rev.GetMapping(pa)
	return va, ok
}

// Access returns the hypervisor's access to va.
func (h *HMM) Access(va hostarch.Addr) hostarch.AccessType {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, attr, ok := h.fwd.GetMapping(va)
	if !ok {
		return hostarch.NoAccess
	}
	return hostarch.AccessFromBits(uint32(attr))
}

// NullAlias returns the virtual address of physical page zero.
func (h *HMM) NullAlias() hostarch.Addr {
	return h.nullAlias
}

// ExceptionStack returns the remapped exception stack of cpu.
func (h *HMM) ExceptionStack(cpu int) ExceptionStack {
	return h.stacks[cpu]
}

// Enable makes the forward table the CPU's paging root. It forces PAT entry
// zero to write-back, enables no-execute, and points the double fault IST
// entry at the CPU's remapped exception stack.
func (h *HMM) Enable(cpu platform.CPU) {
	halt.Check(h.booted, "hmm: enable before bootstrap")
	cpu.WriteMSR(arch.MSRPAT, hostarch.PATValue(hostarch.MemoryTypeWriteBack))
	cpu.WriteMSR(arch.MSREFER, cpu.ReadMSR(arch.MSREFER)|arch.EFERNXE)
	if id := cpu.ID(); id < len(h.stacks) {
		cpu.SetIST(arch.DoubleFaultIST, h.stacks[id].Top)
	}
	cpu.WriteCR3(uint64(h.fwd.RootAddress()))
}

// Dump describes both tables.
func (h *HMM) Dump() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var b strings.Builder
	for _, t := range []*pagetables.Table{h.fwd, h.rev} {
		var mapped uint64
		ms := t.Mappings(0, hostarch.Addr(pagetables.MaxAddress))
		for _, m := range ms {
			mapped += m.Length
		}
		fmt.Fprintf(&b, "%s: root %#x, %d ranges, %s mapped\n", t.Name(), t.RootAddress(), len(ms), bytefmt.ByteSize(mapped))
		for _, m := range ms {
			if m.Start >= h.aliasBase || (t == h.rev && m.Start != m.Physical) {
				fmt.Fprintf(&b, "  %v+%#x -> %v attr %#x\n", m.Start, m.Length, m.Physical, m.Attr)
			}
		}
	}
	return b.String()
}
