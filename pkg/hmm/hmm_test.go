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
	"testing"

	"github.com/google/go-cmp/cmp"

	"evmm.dev/evmm/pkg/alloc"
	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/platform/sim"
)

const (
	memTop    = 16 << 20
	arenaBase = 8 << 20
	zeroPage  = 0x7ff000
)

var testImage = []Section{
	{Name: ".text", Start: 0x100000, Length: 0x2000, Access: hostarch.ReadExec},
	{Name: ".rodata", Start: 0x102000, Length: 0x1000, Access: hostarch.Read},
	{Name: ".data", Start: 0x103000, Length: 0x1000, Access: hostarch.ReadWrite},
}

type fixture struct {
	m     *sim.Machine
	pages *alloc.PageAllocator
	h     *HMM
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	m := sim.New(sim.Config{CPUs: 2, MemoryTop: memTop})
	mem := m.SimMemory()
	pages := alloc.NewPageAllocator("test", arenaBase, (memTop-arenaBase)>>hostarch.PageShift, mem)
	return &fixture{m: m, pages: pages, h: New(mem, pages, opts)}
}

func (f *fixture) bootstrap(t *testing.T) Layout {
	t.Helper()
	l := Layout{
		Top:             memTop,
		Image:           testImage,
		ExceptionStacks: []hostarch.Addr{f.pages.AllocZeroed(1), f.pages.AllocZeroed(1)},
		ZeroPage:        zeroPage,
	}
	f.h.Bootstrap(l)
	return l
}

func TestIdentityMap(t *testing.T) {
	f := newFixture(t, Options{})
	f.bootstrap(t)
	for _, va := range []hostarch.Addr{0x1000, 0x200000, 0x5ff000, memTop - hostarch.PageSize} {
		pa, ok := f.h.HVAToHPA(va + 0x10)
		if !ok || pa != va+0x10 {
			t.Errorf("HVAToHPA(%v) = %v, %t", va+0x10, pa, ok)
		}
		if got := f.h.Access(va); got != hostarch.ReadWrite {
			t.Errorf("Access(%v) = %v, want %v", va, got, hostarch.ReadWrite)
		}
		if back, ok := f.h.HPAToHVA(va); !ok || back != va {
			t.Errorf("HPAToHVA(%v) = %v, %t", va, back, ok)
		}
	}
	if _, ok := f.h.HVAToHPA(memTop); ok {
		t.Errorf("address past memory top is mapped")
	}
}

func TestImageSections(t *testing.T) {
	f := newFixture(t, Options{})
	f.bootstrap(t)
	for _, s := range testImage {
		for off := uint64(0); off < s.Length; off += hostarch.PageSize {
			if got := f.h.Access(s.Start + hostarch.Addr(off)); got != s.Access {
				t.Errorf("%s+%#x: access %v, want %v", s.Name, off, got, s.Access)
			}
		}
	}
	if got := f.h.Access(0x104000); got != hostarch.ReadWrite {
		t.Errorf("page after image: access %v", got)
	}
}

func TestNullPage(t *testing.T) {
	f := newFixture(t, Options{})
	f.bootstrap(t)
	if _, ok := f.h.HVAToHPA(0); ok {
		t.Errorf("virtual page zero is mapped")
	}
	alias := f.h.NullAlias()
	if alias == 0 {
		t.Fatalf("page zero has no alias")
	}
	if pa, ok := f.h.HVAToHPA(alias + 8); !ok || pa != 8 {
		t.Errorf("HVAToHPA(alias+8) = %v, %t", pa, ok)
	}
	if va, ok := f.h.HPAToHVA(0); !ok || va != alias {
		t.Errorf("HPAToHVA(0) = %v, %t, want %v", va, ok, alias)
	}
}

func TestExceptionStackGuards(t *testing.T) {
	f := newFixture(t, Options{})
	l := f.bootstrap(t)
	for cpu, pa := range l.ExceptionStacks {
		s := f.h.ExceptionStack(cpu)
		if s.Physical != pa || s.Top != s.Base+hostarch.PageSize {
			t.Errorf("cpu %d: stack %+v", cpu, s)
		}
		if got, ok := f.h.HVAToHPA(s.Base); !ok || got != pa {
			t.Errorf("cpu %d: HVAToHPA(%v) = %v, %t, want %v", cpu, s.Base, got, ok, pa)
		}
		for _, guard := range []hostarch.Addr{s.Base - hostarch.PageSize, s.Base + hostarch.PageSize} {
			if _, ok := f.h.HVAToHPA(guard); ok {
				t.Errorf("cpu %d: guard page %v is mapped", cpu, guard)
			}
		}
		if _, ok := f.h.HVAToHPA(pa); ok {
			t.Errorf("cpu %d: stack still identity mapped at %v", cpu, pa)
		}
	}
	if a, b := f.h.ExceptionStack(0), f.h.ExceptionStack(1); a.Base+2*hostarch.PageSize > b.Base && b.Base+2*hostarch.PageSize > a.Base {
		t.Errorf("stacks share a guard page: %v %v", a.Base, b.Base)
	}
}

func TestZeroPage(t *testing.T) {
	f := newFixture(t, Options{})
	mem := f.m.SimMemory()
	copy(mem.Bytes(zeroPage, 4), []byte{1, 2, 3, 4})
	f.bootstrap(t)
	if diff := cmp.Diff(make([]byte, 4), mem.Bytes(zeroPage, 4)); diff != "" {
		t.Errorf("zero page not cleared (-want +got):\n%s", diff)
	}
	if _, ok := f.h.HVAToHPA(zeroPage); ok {
		t.Errorf("zero page is mapped")
	}
	if _, ok := f.h.HPAToHVA(zeroPage); ok {
		t.Errorf("zero page is in the reverse table")
	}
}

func TestEnable(t *testing.T) {
	f := newFixture(t, Options{})
	f.bootstrap(t)
	cpu := f.m.SimCPU(1)
	f.h.Enable(cpu)
	if got := cpu.CR3(); got != uint64(f.h.Forward().RootAddress()) {
		t.Errorf("CR3 = %#x, want %#x", got, f.h.Forward().RootAddress())
	}
	if got := cpu.ReadMSR(arch.MSRPAT) & 0x7; got != uint64(hostarch.MemoryTypeWriteBack) {
		t.Errorf("PAT entry 0 = %d, want WB", got)
	}
	if cpu.ReadMSR(arch.MSREFER)&arch.EFERNXE == 0 {
		t.Errorf("EFER.NXE not set")
	}
	if got := cpu.IST(arch.DoubleFaultIST); got != f.h.ExceptionStack(1).Top {
		t.Errorf("IST = %v, want %v", got, f.h.ExceptionStack(1).Top)
	}
}

func TestInsertGetMapping(t *testing.T) {
	f := newFixture(t, Options{HugePages: true})
	fwd := f.h.Forward()
	for _, tc := range []struct {
		va, pa hostarch.Addr
		length uint64
		at     hostarch.AccessType
	}{
		{0x40000000, 0x1000, hostarch.PageSize, hostarch.Read},
		{0x40200000, 0x200000, hostarch.HugePageSize, hostarch.ReadWrite},
		{0x80000000, 0, hostarch.SuperPageSize, hostarch.AnyAccess},
		{0x40003000, 0x9000, 3 * hostarch.PageSize, hostarch.ReadExec},
	} {
		if !fwd.InsertRange(tc.va, tc.pa, tc.length, attrFor(tc.at)) {
			t.Fatalf("InsertRange(%v) failed", tc.va)
		}
		for _, off := range []uint64{0, tc.length / 2, tc.length - 1} {
			pa, attr, ok := fwd.GetMapping(tc.va + hostarch.Addr(off))
			if !ok || pa != tc.pa+hostarch.Addr(off) || attr != attrFor(tc.at) {
				t.Errorf("GetMapping(%v+%#x) = %v, %#x, %t", tc.va, off, pa, attr, ok)
			}
		}
		fwd.InsertRange(tc.va, 0, tc.length, 0)
		if _, _, ok := fwd.GetMapping(tc.va); ok {
			t.Errorf("GetMapping(%v) present after unmap", tc.va)
		}
	}
}

func TestUnmapHPA(t *testing.T) {
	for _, tc := range []struct {
		name    string
		policy  UnmapPolicy
		debug   bool
		removed bool
	}{
		{"strict", UnmapStrict, false, true},
		{"best effort release", UnmapBestEffort, false, false},
		{"best effort debug", UnmapBestEffort, true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			halt.SetDebug(tc.debug)
			defer halt.SetDebug(false)
			f := newFixture(t, Options{Policy: tc.policy})
			f.bootstrap(t)
			if got := f.h.UnmapHPA(0x400000, 0x200000); got != tc.removed {
				t.Errorf("UnmapHPA = %t, want %t", got, tc.removed)
			}
			_, mapped := f.h.HVAToHPA(0x500000)
			if mapped == tc.removed {
				t.Errorf("0x500000 mapped = %t", mapped)
			}
			if _, ok := f.h.HVAToHPA(0x600000); !ok {
				t.Errorf("page after range unmapped")
			}
		})
	}
}

func TestUnmapHPAImageHalts(t *testing.T) {
	f := newFixture(t, Options{})
	f.bootstrap(t)
	if e := halt.Catch(func() { f.h.UnmapHPA(0x100000, hostarch.PageSize) }); e == nil {
		t.Errorf("unmapping the hypervisor image did not halt")
	}
}

func TestBootstrapTwiceHalts(t *testing.T) {
	f := newFixture(t, Options{})
	l := f.bootstrap(t)
	if e := halt.Catch(func() { f.h.Bootstrap(l) }); e == nil {
		t.Errorf("second bootstrap did not halt")
	}
}

func TestMapHPA(t *testing.T) {
	f := newFixture(t, Options{})
	f.bootstrap(t)
	va := f.h.MapHPA(0x300000, 2*hostarch.PageSize, hostarch.Read)
	if va < memTop {
		t.Errorf("alias %v inside the identity map", va)
	}
	if pa, ok := f.h.HVAToHPA(va + hostarch.PageSize); !ok || pa != 0x301000 {
		t.Errorf("HVAToHPA(alias) = %v, %t", pa, ok)
	}
	if got := f.h.Access(va); got != hostarch.Read {
		t.Errorf("alias access %v", got)
	}
	// The identity mapping stays the reverse translation.
	if back, _ := f.h.HPAToHVA(0x300000); back != 0x300000 {
		t.Errorf("HPAToHVA = %v", back)
	}
}

func TestParseUnmapPolicy(t *testing.T) {
	for _, p := range []UnmapPolicy{UnmapStrict, UnmapBestEffort} {
		got, err := ParseUnmapPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParseUnmapPolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParseUnmapPolicy("lazy"); err == nil {
		t.Errorf("ParseUnmapPolicy(lazy) succeeded")
	}
}

func TestDump(t *testing.T) {
	f := newFixture(t, Options{})
	f.bootstrap(t)
	if d := f.h.Dump(); d == "" {
		t.Errorf("empty dump")
	}
}
