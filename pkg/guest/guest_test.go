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

package guest

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/ept"
	"evmm.dev/evmm/pkg/event"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/pagetables"
	"evmm.dev/evmm/pkg/vmcs"
)

type testPages struct {
	next hostarch.Addr
}

func (p *testPages) AllocZeroed(n uint32) hostarch.Addr {
	a := p.next
	p.next += hostarch.Addr(n) * hostarch.PageSize
	return a
}

func newRegistry(t *testing.T, cpus int) (*Registry, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	r := NewRegistry(Config{
		Bus:     bus,
		Pages:   &testPages{next: 0x10000000},
		Tables:  pagetables.NewRuntimeAllocator(),
		NumCPUs: cpus,
	})
	return r, bus
}

func rng(start, end hostarch.Addr) hostarch.Range {
	return hostarch.Range{Start: start, End: end}
}

var all = rng(0, 0x4000000)

func TestCreateGuestRemovesFromOthers(t *testing.T) {
	r, _ := newRegistry(t, 1)
	ree := r.CreateGuest(Spec{Name: "ree", CPUs: []int{0}, Regions: []Region{{all, hostarch.AnyAccess}}})
	tee := r.CreateGuest(Spec{
		Name:    "tee",
		Secure:  true,
		CPUs:    []int{0},
		Regions: []Region{{rng(0x1000000, 0x2000000), ept.AccessFor(0x7)}},
	})
	if ree.ID() != handle.REE || tee.ID() != 1 {
		t.Fatalf("ids = %v, %v", ree.ID(), tee.ID())
	}
	for _, m := range ree.EPT().Mappings(0, hostarch.Addr(pagetables.MaxAddress)) {
		r := rng(m.Start, m.Start+hostarch.Addr(m.Length))
		if r.Overlaps(rng(0x1000000, 0x2000000)) {
			t.Errorf("REE mapping %v overlaps the TEE region", r)
		}
	}
	want := []pagetables.Mapping{
		{Start: 0x1000000, Length: 0x1000000, Physical: 0x1000000, Attr: 0x7},
	}
	if diff := cmp.Diff(want, tee.EPT().Mappings(0, hostarch.Addr(pagetables.MaxAddress))); diff != "" {
		t.Errorf("TEE mappings mismatch (-want +got):\n%s", diff)
	}
	if _, at, ok := ree.EPT().Translate(0x2000000); !ok || at != hostarch.AnyAccess {
		t.Errorf("REE lost memory above the TEE region")
	}
}

func TestReserve(t *testing.T) {
	r, _ := newRegistry(t, 1)
	ree := r.CreateGuest(Spec{Regions: []Region{{all, hostarch.AnyAccess}}})
	r.Reserve(rng(0x100000, 0x200000))
	if _, _, ok := ree.EPT().Translate(0x100000); ok {
		t.Errorf("reserved memory mapped in existing guest")
	}
	tee := r.CreateGuest(Spec{Regions: []Region{{rng(0, 0x400000), hostarch.ReadWrite}}})
	if _, _, ok := tee.EPT().Translate(0x180000); ok {
		t.Errorf("reserved memory mapped in new guest")
	}
	if r.GrantRange(BringUpCPU, tee.ID(), rng(0x100000, 0x101000), hostarch.Read) {
		t.Errorf("grant of reserved memory succeeded")
	}
}

func TestGrantRange(t *testing.T) {
	r, _ := newRegistry(t, 1)
	ree := r.CreateGuest(Spec{Regions: []Region{{all, hostarch.AnyAccess}}})
	tee := r.CreateGuest(Spec{Secure: true, Regions: []Region{{rng(0x1000000, 0x1100000), hostarch.ReadWrite}}})
	shared := rng(0x1000000, 0x1001000)
	for _, tc := range []struct {
		name string
		at   hostarch.AccessType
		want bool
	}{
		{"write while owner writes", hostarch.ReadWrite, false},
		{"exceeds owner", hostarch.ReadExec, false},
		{"read only", hostarch.Read, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.GrantRange(BringUpCPU, ree.ID(), shared, tc.at); got != tc.want {
				t.Errorf("GrantRange = %t, want %t", got, tc.want)
			}
		})
	}
	if _, at, ok := ree.EPT().Translate(shared.Start); !ok || at != hostarch.Read {
		t.Errorf("REE access to shared page = %v, %t", at, ok)
	}
	if _, at, _ := tee.EPT().Translate(shared.Start); at != hostarch.ReadWrite {
		t.Errorf("TEE access changed to %v", at)
	}

	var invalidated []handle.Guest
	r.SetInvalidator(func(cpu int, g *Guest) { invalidated = append(invalidated, g.ID()) })
	r.Freeze()
	r.RevokeRange(0, ree.ID(), shared)
	if diff := cmp.Diff([]handle.Guest{ree.ID()}, invalidated); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
}

func TestScheduling(t *testing.T) {
	r, _ := newRegistry(t, 2)
	ree := r.CreateGuest(Spec{CPUs: []int{0, 1}})
	tee := r.CreateGuest(Spec{CPUs: []int{0}})
	tee2 := r.CreateGuest(Spec{CPUs: []int{0}})

	var chain []handle.GCPU
	r.ForEachOnCPU(0, func(c *GCPU) { chain = append(chain, c.Handle()) })
	want := []handle.GCPU{ree.GCPUs()[0], tee.GCPUs()[0], tee2.GCPUs()[0]}
	if diff := cmp.Diff(want, chain); diff != "" {
		t.Fatalf("chain mismatch (-want +got):\n%s", diff)
	}
	if r.ChainLength(1) != 1 {
		t.Errorf("ChainLength(1) = %d", r.ChainLength(1))
	}

	if got := r.ScheduleInitial(0); got != want[0] {
		t.Errorf("ScheduleInitial = %v, want %v", got, want[0])
	}
	var order []handle.GCPU
	for i := 0; i < 4; i++ {
		order = append(order, r.ScheduleNext(0))
	}
	if diff := cmp.Diff([]handle.GCPU{want[1], want[2], want[0], want[1]}, order); diff != "" {
		t.Errorf("schedule order mismatch (-want +got):\n%s", diff)
	}
	if r.Current(0) != want[1] {
		t.Errorf("Current = %v", r.Current(0))
	}

	// A single-entry chain schedules itself.
	r.ScheduleInitial(1)
	if got := r.ScheduleNext(1); got != ree.GCPUs()[1] {
		t.Errorf("ScheduleNext(1) = %v", got)
	}
	if e := halt.Catch(func() { r.ScheduleInitial(1) }); e == nil {
		t.Errorf("second ScheduleInitial did not halt")
	}
}

func TestScheduleToWalksChain(t *testing.T) {
	r, _ := newRegistry(t, 1)
	ree := r.CreateGuest(Spec{CPUs: []int{0}})
	tee := r.CreateGuest(Spec{CPUs: []int{0}})
	tee2 := r.CreateGuest(Spec{CPUs: []int{0}})

	if e := halt.Catch(func() { r.ScheduleTo(tee.GCPUs()[0]) }); e == nil {
		t.Errorf("ScheduleTo before ScheduleInitial did not halt")
	}
	r.ScheduleInitial(0)
	for _, tc := range []struct {
		to    handle.GCPU
		steps int
	}{
		{tee2.GCPUs()[0], 2},
		{ree.GCPUs()[0], 1},
		{ree.GCPUs()[0], 0},
		{tee.GCPUs()[0], 1},
	} {
		if got := r.ScheduleTo(tc.to); got != tc.steps {
			t.Errorf("ScheduleTo(%v) took %d steps, want %d", tc.to, got, tc.steps)
		}
		if r.Current(0) != tc.to {
			t.Errorf("Current = %v after ScheduleTo(%v)", r.Current(0), tc.to)
		}
	}
}

func TestScheduleInitialOverride(t *testing.T) {
	r, bus := newRegistry(t, 1)
	r.CreateGuest(Spec{CPUs: []int{0}})
	tee := r.CreateGuest(Spec{Secure: true, CPUs: []int{0}})
	bus.Register(event.InitialSchedule, func(_ handle.GCPU, p any) {
		d := p.(*event.InitialScheduleData)
		if c, ok := r.GCPUOn(tee.ID(), d.CPU); ok {
			d.GCPU = c.Handle()
		}
	})
	if got := r.ScheduleInitial(0); got != tee.GCPUs()[0] {
		t.Errorf("ScheduleInitial = %v, want the TEE gcpu %v", got, tee.GCPUs()[0])
	}
}

func TestRegisterMisuse(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func(r *Registry)
	}{
		{"two gcpus on one CPU", func(r *Registry) { r.CreateGuest(Spec{CPUs: []int{0, 0}}) }},
		{"invalid CPU", func(r *Registry) { r.CreateGuest(Spec{CPUs: []int{5}}) }},
		{"create after freeze", func(r *Registry) {
			r.Freeze()
			r.CreateGuest(Spec{})
		}},
		{"misaligned region", func(r *Registry) {
			r.CreateGuest(Spec{Regions: []Region{{rng(0x10, 0x1000), hostarch.Read}}})
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newRegistry(t, 2)
			if e := halt.Catch(func() { tc.fn(r) }); e == nil {
				t.Errorf("no halt")
			}
		})
	}
}

func TestGuestInitEvent(t *testing.T) {
	r, bus := newRegistry(t, 1)
	var got []handle.Guest
	bus.Register(event.GuestInit, func(_ handle.GCPU, p any) {
		got = append(got, p.(*event.GuestInitData).Guest)
	})
	r.CreateGuest(Spec{})
	r.CreateGuest(Spec{})
	if diff := cmp.Diff([]handle.Guest{0, 1}, got); diff != "" {
		t.Errorf("GuestInit mismatch (-want +got):\n%s", diff)
	}
}

func TestCRIntercepts(t *testing.T) {
	r, _ := newRegistry(t, 1)
	g := r.CreateGuest(Spec{CPUs: []int{0}})
	// Keep CR0.NE forced on; refuse clearing CR0.PG.
	r.AddCR0Intercept(g.ID(), arch.CR0NE, func(_ handle.GCPU, _, v uint64) (uint64, bool) {
		return v | arch.CR0NE, true
	})
	r.AddCR0Intercept(g.ID(), arch.CR0PG, func(_ handle.GCPU, _, v uint64) (uint64, bool) {
		return v, v&arch.CR0PG != 0
	})
	if g.CR0Mask() != arch.CR0NE|arch.CR0PG {
		t.Errorf("CR0Mask = %#x", g.CR0Mask())
	}
	old := arch.CR0PE | arch.CR0PG | arch.CR0NE
	if v, ok := g.WriteCR0(0, old, arch.CR0PE|arch.CR0PG); !ok || v != old {
		t.Errorf("clearing NE: %#x, %t", v, ok)
	}
	if _, ok := g.WriteCR0(0, old, arch.CR0PE|arch.CR0NE); ok {
		t.Errorf("clearing PG was allowed")
	}
	if v, ok := g.WriteCR4(0, 0, arch.CR4PAE); !ok || v != arch.CR4PAE {
		t.Errorf("unintercepted CR4 write: %#x, %t", v, ok)
	}
}

func TestSetup(t *testing.T) {
	r, _ := newRegistry(t, 1)
	g := r.CreateGuest(Spec{CPUs: []int{0}})
	r.AddCR4Intercept(g.ID(), arch.CR4SMXE, func(_ handle.GCPU, _, v uint64) (uint64, bool) { return v, false })
	c := r.GCPU(g.GCPUs()[0])
	r.Setup(c, InitialState{
		RIP:  0x7c00,
		RSP:  0x9000,
		CR0:  arch.CR0PE | arch.CR0NE,
		EFER: arch.EFERLMA | arch.EFERLME,
		GPRs: map[arch.Reg]uint64{arch.RDI: 0x1234},
	}, HostState{CR3: 0x5000, PAT: 0x6}, 0x8000)
	v := c.VMCS()
	for _, tc := range []struct {
		f    vmcs.Field
		want uint64
	}{
		{vmcs.GuestRIP, 0x7c00},
		{vmcs.GuestRSP, 0x9000},
		{vmcs.GuestRFLAGS, 2},
		{vmcs.EPTPointer, g.EPTP()},
		{vmcs.HostCR3, 0x5000},
		{vmcs.MSRBitmap, 0x8000},
		{vmcs.VPID, uint64(c.Handle()) + 1},
		{vmcs.CR4GuestHostMask, arch.CR4SMXE | arch.CR4VMXE},
	} {
		if got := v.Read(tc.f); got != tc.want {
			t.Errorf("%v = %#x, want %#x", tc.f, got, tc.want)
		}
	}
	if v.Read(vmcs.EntryControls)&vmcs.EntryIA32eModeGuest == 0 {
		t.Errorf("long mode guest without IA-32e entry control")
	}
	if got := c.Regs.Get(arch.RDI); got != 0x1234 {
		t.Errorf("RDI = %#x", got)
	}
}
