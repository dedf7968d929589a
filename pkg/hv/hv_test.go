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

package hv

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/boot"
	"evmm.dev/evmm/pkg/config"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/platform/sim"
	"evmm.dev/evmm/pkg/tee"
	"evmm.dev/evmm/pkg/vmcs"
	"evmm.dev/evmm/pkg/vmexit"
)

const (
	memoryTop = 0x4000000
	imageBase = 0x3000000
	teeStart  = 0x2000000
	teeEnd    = 0x2800000
	teeCall   = 0x100
	reeRIP    = 0x1000
)

var readExecute = hostarch.AccessType{Read: true, Execute: true}

func descriptor(cpus, threads int, withTEE bool) *boot.Descriptor {
	d := &boot.Descriptor{
		CPUs:           cpus,
		ThreadsPerCore: threads,
		MemoryTop:      memoryTop,
		TSCKHz:         1000000,
		Hypervisor: boot.Image{
			Name:           "evmm",
			LoadAddress:    imageBase,
			RuntimeAddress: imageBase,
			Size:           0x800000,
			Sections: []boot.Section{
				{Name: ".text", Offset: 0, Length: 0x100000, Access: readExecute},
				{Name: ".data", Offset: 0x100000, Length: 0x100000, Access: hostarch.ReadWrite},
			},
		},
		Guests: []boot.Guest{{
			Name: "ree",
			VCPUs: []boot.VCPU{{
				RIP:  reeRIP,
				CR0:  arch.CR0PE | arch.CR0ET,
				CR4:  arch.CR4PAE,
				EFER: arch.EFERLME | arch.EFERLMA,
			}},
		}},
	}
	if withTEE {
		d.Guests = append(d.Guests, boot.Guest{
			Name:  "tee",
			VCPUs: []boot.VCPU{{RIP: teeStart, CR0: arch.CR0PE | arch.CR0ET}},
		})
	}
	return d
}

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	cfg, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return cfg
}

func teeConfig(cpus ...int) config.TEE {
	return config.TEE{
		Name:     "tee",
		CPUs:     cpus,
		Start:    teeStart,
		End:      teeEnd,
		Access:   hostarch.AnyAccess,
		Call:     teeCall,
		CopyRegs: []arch.Reg{arch.RDI},
	}
}

func newRuntime(t *testing.T, m *sim.Machine, cfg *config.Config, d *boot.Descriptor, opts Options) *Runtime {
	t.Helper()
	r, err := New(cfg, d, m, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func program(r *Runtime, m *sim.Machine, id handle.Guest, cpu int, p sim.Program) {
	c, ok := r.Registry().GCPUOn(id, cpu)
	if !ok {
		panic("no gcpu")
	}
	m.SetProgram(c.VMCS().Address(), p)
}

// vmcallExit issues call id.
func vmcallExit(g *sim.Guest, id uint64) sim.Exit {
	g.Regs.Set(arch.RAX, id)
	return sim.Exit{Reason: uint32(vmexit.VMCALL), InstructionLength: 3}
}

func TestBringUp(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 2, ThreadsPerCore: 2, MemoryTop: memoryTop})
	cfg := newConfig(t)
	cfg.TEEs = []config.TEE{teeConfig(0, 1)}
	r := newRuntime(t, m, cfg, descriptor(2, 2, true), Options{})

	reg := r.Registry()
	if got := reg.NumGuests(); got != 2 {
		t.Fatalf("NumGuests = %d, want 2", got)
	}
	ree := reg.Guest(handle.REE)
	teeGuest := r.TEEs().TEEs()[0].Guest()
	for _, tc := range []struct {
		name   string
		g      handle.Guest
		addr   hostarch.Addr
		ok     bool
		access hostarch.AccessType
	}{
		{"ree low memory", handle.REE, reeRIP, true, hostarch.AnyAccess},
		{"ree tee region", handle.REE, teeStart, false, hostarch.NoAccess},
		{"ree hypervisor", handle.REE, imageBase, false, hostarch.NoAccess},
		{"tee region", teeGuest, teeStart, true, hostarch.AnyAccess},
		{"tee hypervisor", teeGuest, imageBase + 0x400000, false, hostarch.NoAccess},
		{"tee ree memory", teeGuest, reeRIP, false, hostarch.NoAccess},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, at, ok := reg.Guest(tc.g).EPT().Translate(tc.addr)
			if ok != tc.ok || (ok && at != tc.access) {
				t.Errorf("Translate(%v) = %v, %t, want %v, %t", tc.addr, at, ok, tc.access, tc.ok)
			}
		})
	}

	h := r.HMM()
	if got := h.Access(teeStart); got != hostarch.NoAccess {
		t.Errorf("hypervisor access to TEE memory = %v, want none", got)
	}
	if got := h.Access(imageBase); got != readExecute {
		t.Errorf("hypervisor access to .text = %v, want %v", got, readExecute)
	}
	if !strings.Contains(r.Dump(), "heap:") {
		t.Errorf("Dump missing heap:\n%s", r.Dump())
	}

	// Undescribed rich OS virtual CPUs wait for a SIPI.
	if len(ree.GCPUs()) != 2 {
		t.Fatalf("rich OS has %d gcpus, want 2", len(ree.GCPUs()))
	}
	if !reg.Frozen() || !r.Bus().Frozen() {
		t.Errorf("registries not frozen after bring-up")
	}
}

func TestWorldSwitches(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 2, ThreadsPerCore: 2, MemoryTop: memoryTop})
	cfg := newConfig(t)
	cfg.TEEs = []config.TEE{teeConfig(0, 1)}
	r := newRuntime(t, m, cfg, descriptor(2, 2, true), Options{MaxSwitches: 4})
	teeGuest := r.TEEs().TEEs()[0].Guest()

	var seen [2][]uint64
	for cpu := 0; cpu < 2; cpu++ {
		n := uint64(0)
		program(r, m, handle.REE, cpu, func(g *sim.Guest) sim.Exit {
			n++
			g.Regs.Set(arch.RDI, uint64(g.CPU)<<8|n)
			return vmcallExit(g, teeCall)
		})
		program(r, m, teeGuest, cpu, func(g *sim.Guest) sim.Exit {
			seen[g.CPU] = append(seen[g.CPU], g.Regs.Get(arch.RDI))
			return vmcallExit(g, teeCall)
		})
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for cpu := 0; cpu < 2; cpu++ {
		s := r.Stats(cpu)
		if s.WorldSwitches != 4 || s.Exits != 4 {
			t.Errorf("CPU %d: %d switches in %d exits, want 4 in 4", cpu, s.WorldSwitches, s.Exits)
		}
		if diff := cmp.Diff(tee.Stats{Entries: 2, Exits: 2}, s.TEE); diff != "" {
			t.Errorf("CPU %d TEE stats mismatch (-want +got):\n%s", cpu, diff)
		}
		if got := s.ExitsByReason[vmexit.VMCALL]; got != 4 {
			t.Errorf("CPU %d: %d VMCALL exits, want 4", cpu, got)
		}
		if got := s.Mitigation.Rendezvous; got != 4 {
			t.Errorf("CPU %d: %d rendezvous, want 4", cpu, got)
		}
		if got := m.SimCPU(cpu).Stats().L1DFlushes; got != 2 {
			t.Errorf("CPU %d: %d L1D flushes, want 2", cpu, got)
		}
		want := []uint64{uint64(cpu)<<8 | 1, uint64(cpu)<<8 | 2}
		if diff := cmp.Diff(want, seen[cpu]); diff != "" {
			t.Errorf("CPU %d RDI in TEE mismatch (-want +got):\n%s", cpu, diff)
		}

		// The rich OS resumes past its call.
		c, _ := r.Registry().GCPUOn(handle.REE, cpu)
		if got := m.Field(c.VMCS().Address(), vmcs.GuestRIP); got != reeRIP+6 {
			t.Errorf("CPU %d: rich OS RIP = %#x, want %#x", cpu, got, reeRIP+6)
		}
	}
}

func TestLaunchFirst(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 1, MemoryTop: memoryTop})
	cfg := newConfig(t)
	tc := teeConfig(0)
	tc.LaunchFirst = true
	cfg.TEEs = []config.TEE{tc}
	r := newRuntime(t, m, cfg, descriptor(1, 1, true), Options{MaxExits: 1})
	teeGuest := r.TEEs().TEEs()[0].Guest()

	var order []string
	program(r, m, handle.REE, 0, func(g *sim.Guest) sim.Exit {
		order = append(order, "ree")
		return sim.Halt
	})
	program(r, m, teeGuest, 0, func(g *sim.Guest) sim.Exit {
		order = append(order, "tee")
		return vmcallExit(g, teeCall)
	})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"tee"}, order); diff != "" {
		t.Errorf("guests run mismatch (-want +got):\n%s", diff)
	}
	if got := r.Registry().GuestOf(r.Registry().Current(0)).ID(); got != handle.REE {
		t.Errorf("after leaving, current guest = %v, want the rich OS", got)
	}
}

func TestIdleExitsWriteNothing(t *testing.T) {
	writes := func(exits uint64) uint64 {
		m := sim.New(sim.Config{CPUs: 1, MemoryTop: memoryTop})
		r := newRuntime(t, m, newConfig(t), descriptor(1, 1, false), Options{MaxExits: exits})
		program(r, m, handle.REE, 0, func(*sim.Guest) sim.Exit {
			return sim.Exit{Reason: uint32(vmexit.ExternalInterrupt)}
		})
		if err := r.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return m.SimCPU(0).Stats().VMWrites
	}
	one, many := writes(1), writes(10)
	if one != many {
		t.Errorf("VMWRITEs after 1 exit = %d, after 10 exits = %d, want equal", one, many)
	}
}

func TestFeatureControlHidesVMX(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 1, MemoryTop: memoryTop})
	r := newRuntime(t, m, newConfig(t), descriptor(1, 1, false), Options{MaxExits: 2})
	var got uint64
	step := 0
	program(r, m, handle.REE, 0, func(g *sim.Guest) sim.Exit {
		step++
		if step == 1 {
			g.Regs.Set(arch.RCX, uint64(arch.MSRFeatureControl))
			return sim.Exit{Reason: uint32(vmexit.RDMSR), InstructionLength: 2}
		}
		got = g.Regs.Get(arch.RAX)
		return sim.Halt
	})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != featureControlLocked {
		t.Errorf("IA32_FEATURE_CONTROL = %#x, want %#x", got, featureControlLocked)
	}
}

func TestRevokeInvalidatesEveryCPU(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 2, MemoryTop: memoryTop})
	r := newRuntime(t, m, newConfig(t), descriptor(2, 1, false), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rng := hostarch.Range{Start: 0x100000, End: 0x101000}
	done := false
	program(r, m, handle.REE, 0, func(g *sim.Guest) sim.Exit {
		if !done {
			for !r.ipc.IsOnline(1) {
			}
			r.Registry().RevokeRange(0, handle.REE, rng)
			done = true
			cancel()
		}
		return sim.Halt
	})
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for cpu := 0; cpu < 2; cpu++ {
		if got := m.SimCPU(cpu).Stats().InvEPTs; got != 1 {
			t.Errorf("CPU %d: %d INVEPTs, want 1", cpu, got)
		}
	}
	if _, _, ok := r.Registry().Guest(handle.REE).EPT().Translate(rng.Start); ok {
		t.Errorf("revoked range still mapped")
	}
}

func TestAPStartupTimeoutHalts(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 2, MemoryTop: memoryTop})
	m.KillAP(1)
	cfg := newConfig(t)
	cfg.APStartupTimeoutMs = 1
	d := descriptor(2, 1, false)
	d.TSCKHz = 1
	r := newRuntime(t, m, cfg, d, Options{MaxExits: 1})

	entered := false
	program(r, m, handle.REE, 0, func(*sim.Guest) sim.Exit {
		entered = true
		return sim.Halt
	})
	e := halt.Catch(func() { r.Run(context.Background()) })
	if e == nil || !strings.Contains(e.Msg, "0 of 1 application processors") {
		t.Fatalf("Run halt = %v, want AP timeout", e)
	}
	if entered {
		t.Errorf("guest entered after AP timeout")
	}
}

func TestHaltOnCPUIsReturned(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 2, MemoryTop: memoryTop})
	r := newRuntime(t, m, newConfig(t), descriptor(2, 1, false), Options{MaxExits: 100})
	program(r, m, handle.REE, 1, func(*sim.Guest) sim.Exit {
		return sim.Exit{Reason: uint32(vmexit.TripleFault)}
	})
	err := r.Run(context.Background())
	if _, ok := err.(*halt.Error); !ok {
		t.Fatalf("Run = %v, want a halt", err)
	}
}

func TestDeviceInfoHandOff(t *testing.T) {
	info := &boot.DeviceSecurityInfo{Version: boot.DeviceInfoVersion, Keys: [][boot.KeySize]byte{{1, 2, 3}}}
	info.Seed[0] = 0xaa
	want := info.Encode()
	path := filepath.Join(t.TempDir(), "devinfo.bin")
	if err := os.WriteFile(path, want, 0600); err != nil {
		t.Fatal(err)
	}

	m := sim.New(sim.Config{CPUs: 1, MemoryTop: memoryTop})
	cfg := newConfig(t)
	tc := teeConfig(0)
	tc.DeviceInfo = path
	tc.DeviceInfoOffset = 0x1000
	cfg.TEEs = []config.TEE{tc}
	newRuntime(t, m, cfg, descriptor(1, 1, true), Options{})

	got := m.SimMemory().Bytes(teeStart+0x1000, boot.DeviceInfoSize)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("device info in TEE memory mismatch (-want +got):\n%s", diff)
	}
}

func TestNewErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		cpus int
		mod  func(*config.Config, *boot.Descriptor)
		want string
	}{
		{
			name: "cpu count",
			cpus: 2,
			mod:  func(*config.Config, *boot.Descriptor) {},
			want: "machine has 2",
		},
		{
			name: "tee without descriptor",
			cpus: 1,
			mod: func(c *config.Config, d *boot.Descriptor) {
				c.TEEs = []config.TEE{teeConfig(0)}
				d.Guests = d.Guests[:1]
			},
			want: "no boot descriptor guest",
		},
		{
			name: "guest without tee",
			cpus: 1,
			mod:  func(*config.Config, *boot.Descriptor) {},
			want: "not configured as a TEE",
		},
		{
			name: "tee cpu absent",
			cpus: 1,
			mod: func(c *config.Config, d *boot.Descriptor) {
				c.TEEs = []config.TEE{teeConfig(3)}
			},
			want: "CPU 3 not present",
		},
		{
			name: "no heap",
			cpus: 1,
			mod: func(c *config.Config, d *boot.Descriptor) {
				d.Hypervisor.Size = 0x200000
				d.Guests = d.Guests[:1]
			},
			want: "no room for a heap",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := sim.New(sim.Config{CPUs: tc.cpus, MemoryTop: memoryTop})
			cfg := newConfig(t)
			d := descriptor(1, 1, true)
			tc.mod(cfg, d)
			hooks := halt.NumHooks()
			_, err := New(cfg, d, m, Options{})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("New = %v, want error containing %q", err, tc.want)
			}
			if got := halt.NumHooks(); got != hooks {
				t.Errorf("failed New left %d halt hooks, want %d", got, hooks)
			}
		})
	}
}

func TestCloseRemovesWipeHook(t *testing.T) {
	hooks := halt.NumHooks()
	m := sim.New(sim.Config{CPUs: 1, MemoryTop: memoryTop})
	r, err := New(newConfig(t), descriptor(1, 1, false), m, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := halt.NumHooks(); got != hooks+1 {
		t.Errorf("NumHooks = %d after New, want %d", got, hooks+1)
	}
	r.Close()
	r.Close()
	if got := halt.NumHooks(); got != hooks {
		t.Errorf("NumHooks = %d after Close, want %d", got, hooks)
	}
}
