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

// Package hv brings up the hypervisor on a machine and runs one VM exit loop
// per physical CPU.
//
// Bring-up runs on the bootstrap processor before any other CPU starts. It
// builds the allocators, the host address space, the guests and their
// virtual CPUs, and then freezes every registry. Run releases the
// application processors and enters the exit loops.
package hv

import (
	"fmt"
	"strings"
	"sync/atomic"

	"evmm.dev/evmm/pkg/alloc"
	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/boot"
	"evmm.dev/evmm/pkg/config"
	"evmm.dev/evmm/pkg/ept"
	"evmm.dev/evmm/pkg/event"
	"evmm.dev/evmm/pkg/guest"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/hmm"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/ipc"
	"evmm.dev/evmm/pkg/log"
	"evmm.dev/evmm/pkg/mitigation"
	"evmm.dev/evmm/pkg/msr"
	"evmm.dev/evmm/pkg/pagetables"
	"evmm.dev/evmm/pkg/platform"
	"evmm.dev/evmm/pkg/tee"
	"evmm.dev/evmm/pkg/vmcall"
	"evmm.dev/evmm/pkg/vmexit"
)

// Host state sizes.
const (
	hostStackPages = 4
	gdtSize        = 16 * 8
	tssSize        = 104
	idtSize        = 256 * 16
)

// Host control register and EFER values loaded on every exit.
const (
	hostCR0  = arch.CR0PE | arch.CR0MP | arch.CR0ET | arch.CR0NE | arch.CR0WP | arch.CR0PG
	hostCR4  = arch.CR4PAE | arch.CR4OSFXSR | arch.CR4OSXMMEXCPT | arch.CR4VMXE
	hostEFER = arch.EFERSCE | arch.EFERLME | arch.EFERLMA | arch.EFERNXE
)

// featureControlLocked is what guests read from IA32_FEATURE_CONTROL: locked
// with VMX disabled.
const featureControlLocked = 1

// Options tune a Runtime beyond its configuration.
type Options struct {
	// MaxExits stops each CPU's exit loop after that many exits. Zero
	// runs until the context passed to Run is cancelled.
	MaxExits uint64

	// MaxSwitches stops each CPU's exit loop after that many world
	// switches. Zero means no limit.
	MaxSwitches uint64

	// CPUID answers guest CPUID leaves outside the hypervisor range.
	CPUID vmexit.CPUIDFunc
}

// hostCPU is the per-CPU host state.
type hostCPU struct {
	stack hostarch.Addr
	gdt   hostarch.Addr
	tss   hostarch.Addr
	idt   hostarch.Addr

	exits    atomic.Uint64
	switches atomic.Uint64
}

// Runtime is a brought-up hypervisor.
type Runtime struct {
	cfg     *config.Config
	desc    *boot.Descriptor
	opts    Options
	machine platform.Machine
	mem     platform.Memory

	pages *alloc.PageAllocator
	pool  *alloc.PoolAllocator
	bus   *event.Bus
	hmm   *hmm.HMM
	reg   *guest.Registry
	calls *vmcall.Registry
	msrs  *msr.IsolationList
	tees  *tee.Manager
	exits *vmexit.Table
	ipc   *ipc.Dispatcher
	mit   *mitigation.Mitigator

	msrBitmap hostarch.Addr
	hostRIP   hostarch.Addr
	cpus      []hostCPU

	// unhook removes the bus's pre-halt wipe hook.
	unhook func()

	// apsUp counts application processors that reached their entry.
	apsUp   atomic.Int32
	started atomic.Bool
}

// New brings up the hypervisor described by desc on m. It returns an error
// for a descriptor or configuration that cannot be brought up, and halts on
// internal inconsistencies.
func New(cfg *config.Config, desc *boot.Descriptor, m platform.Machine, opts Options) (_ *Runtime, err error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("boot descriptor: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if n := m.NumCPUs(); n != desc.CPUs {
		return nil, fmt.Errorf("descriptor has %d CPUs, machine has %d", desc.CPUs, n)
	}
	if top := uint64(m.Memory().Top()); top < desc.MemoryTop {
		return nil, fmt.Errorf("descriptor memory top %#x beyond machine memory %#x", desc.MemoryTop, top)
	}
	halt.SetDebug(cfg.Debug)

	r := &Runtime{
		cfg:     cfg,
		desc:    desc.Clone(),
		opts:    opts,
		machine: m,
		mem:     m.Memory(),
		cpus:    make([]hostCPU, m.NumCPUs()),
	}
	if err := r.initAllocators(); err != nil {
		return nil, err
	}
	r.bus = event.NewBus()
	r.unhook = r.bus.WipeOnHalt()
	defer func() {
		if err != nil {
			r.Close()
		}
	}()
	r.initHost()
	r.relocateImages()

	r.reg = guest.NewRegistry(guest.Config{
		Bus:     r.bus,
		Pages:   r.pages,
		Tables:  pagetables.NewPhysicalAllocator(r.pages, r.mem),
		EPT:     ept.Ops{HugePages: cfg.HugePages},
		NumCPUs: m.NumCPUs(),
	})
	r.reg.Reserve(r.desc.Hypervisor.Range())
	if err := r.createREE(); err != nil {
		return nil, err
	}

	r.msrs = msr.NewIsolationList()
	for _, e := range cfg.MSRs {
		r.msrs.Add(e.Index, e.Initial)
	}
	r.calls = vmcall.NewRegistry()
	r.tees = tee.NewManager(r.reg, r.bus, r.calls, r.msrs, r.mem, r.hmm)
	if err := r.createTEEs(); err != nil {
		return nil, err
	}
	r.initMSRBitmap()
	r.bus.Register(event.MSRAccess, featureControl)

	r.mit = mitigation.New(m, cfg.Mitigations())
	r.mit.Install(r.bus)

	if err := r.setupGCPUs(); err != nil {
		return nil, err
	}
	r.exits = vmexit.NewTable(m.NumCPUs())
	b := &vmexit.Builtins{
		Registry: r.reg,
		Bus:      r.bus,
		Calls:    r.calls,
		CPUID:    opts.CPUID,
	}
	b.Install(r.exits)

	r.ipc = ipc.New(m)
	r.ipc.SetIdle(r.mit.Poll)
	r.reg.SetInvalidator(r.invalidate)

	r.freeze()
	st := r.pages.Stats()
	log.Infof("hv: brought up %d guests on %d CPUs, %d of %d heap pages free", r.reg.NumGuests(), m.NumCPUs(), st.Free, st.Total)
	return r, nil
}

// initAllocators carves the hypervisor heap from the part of the image past
// its last section.
func (r *Runtime) initAllocators() error {
	img := &r.desc.Hypervisor
	if img.Size == 0 {
		return fmt.Errorf("no hypervisor image")
	}
	var used uint64
	for _, s := range img.Sections {
		used = max(used, s.Offset+s.Length)
	}
	npages := (img.Size - used) / hostarch.PageSize
	if npages == 0 {
		return fmt.Errorf("hypervisor image %v has no room for a heap", img.Range())
	}
	base := hostarch.Addr(img.RuntimeAddress + used)
	r.pages = alloc.NewPageAllocator("heap", base, uint32(npages), r.mem)
	r.pool = alloc.NewPoolAllocator(r.pages)
	for _, s := range img.Sections {
		if s.Access.Execute {
			r.hostRIP = hostarch.Addr(img.RuntimeAddress + s.Offset)
			break
		}
	}
	if r.hostRIP == 0 {
		r.hostRIP = hostarch.Addr(img.RuntimeAddress)
	}
	return nil
}

// initHost allocates the per-CPU host structures and builds the host
// address space.
func (r *Runtime) initHost() {
	n := len(r.cpus)
	stacks := make([]hostarch.Addr, n)
	for i := range r.cpus {
		c := &r.cpus[i]
		c.stack = r.pages.AllocZeroed(hostStackPages)
		c.gdt = r.pool.Alloc(gdtSize)
		c.tss = r.pool.Alloc(tssSize)
		c.idt = r.pool.Alloc(idtSize)
		stacks[i] = r.pages.AllocZeroed(1)
	}
	r.hmm = hmm.New(r.mem, r.pages, hmm.Options{
		Policy:    r.cfg.UnmapPolicy,
		HugePages: r.cfg.HugePages,
	})
	r.hmm.Bootstrap(hmm.Layout{
		Top:             hostarch.Addr(r.desc.MemoryTop),
		Image:           r.desc.ImageSections(),
		ExceptionStacks: stacks,
		StackPages:      1,
		ZeroPage:        r.pages.AllocZeroed(1),
	})
}

// relocateImages moves guest images from their load address to their
// runtime address.
func (r *Runtime) relocateImages() {
	for i := range r.desc.Guests {
		img := &r.desc.Guests[i].Image
		if img.Size == 0 || img.LoadAddress == img.RuntimeAddress {
			continue
		}
		src := r.mem.Bytes(hostarch.Addr(img.LoadAddress), img.Size)
		dst := r.mem.Bytes(hostarch.Addr(img.RuntimeAddress), img.Size)
		copy(dst, src)
		log.Infof("hv: relocated %s from %#x to %#x", img.Name, img.LoadAddress, img.RuntimeAddress)
	}
}

// createREE creates the rich OS guest over all of memory. Later guests take
// their regions from it.
func (r *Runtime) createREE() error {
	if len(r.desc.Guests[0].VCPUs) == 0 {
		return fmt.Errorf("guest %s: no vcpus", r.desc.Guests[0].Name)
	}
	cpus := make([]int, len(r.cpus))
	for i := range cpus {
		cpus[i] = i
	}
	g := r.reg.CreateGuest(guest.Spec{
		Name: r.desc.Guests[0].Name,
		CPUs: cpus,
		Regions: []guest.Region{{
			Range:  hostarch.Range{Start: 0, End: hostarch.Addr(r.desc.MemoryTop)},
			Access: hostarch.AnyAccess,
		}},
	})
	halt.Check(g.ID() == handle.REE, "hv: rich OS created as %v", g.ID())
	return nil
}

// createTEEs creates every configured TEE. Each needs a boot descriptor
// guest of the same name.
func (r *Runtime) createTEEs() error {
	for i := range r.cfg.TEEs {
		t := &r.cfg.TEEs[i]
		d, ok := r.descGuest(t.Name)
		if !ok || d == &r.desc.Guests[0] {
			return fmt.Errorf("tee %s: no boot descriptor guest", t.Name)
		}
		for _, cpu := range t.CPUs {
			if cpu < 0 || cpu >= len(r.cpus) {
				return fmt.Errorf("tee %s: CPU %d not present", t.Name, cpu)
			}
		}
		if len(d.VCPUs) == 0 || len(d.VCPUs) > len(t.CPUs) {
			return fmt.Errorf("tee %s: %d vcpus described for %d CPUs", t.Name, len(d.VCPUs), len(t.CPUs))
		}
		tc := t.TEEConfig()
		if d.Image.Size != 0 && !tc.Region.IsSupersetOf(d.Image.Range()) {
			return fmt.Errorf("tee %s: image %v outside region %v", t.Name, d.Image.Range(), tc.Region)
		}
		if t.DeviceInfo != "" {
			info, err := boot.LoadDeviceInfo(t.DeviceInfo)
			if err != nil {
				return fmt.Errorf("tee %s: device info: %w", t.Name, err)
			}
			tc.DeviceInfo = info
		}
		if _, err := r.tees.Create(tc); err != nil {
			return err
		}
	}
	for i := range r.desc.Guests[1:] {
		name := r.desc.Guests[i+1].Name
		if _, ok := r.cfg.TEE(name); !ok {
			return fmt.Errorf("guest %s is not configured as a TEE", name)
		}
	}
	return nil
}

func (r *Runtime) descGuest(name string) (*boot.Guest, bool) {
	for i := range r.desc.Guests {
		if g := &r.desc.Guests[i]; g.Name == name {
			return g, true
		}
	}
	return nil, false
}

// initMSRBitmap intercepts the MSRs the hypervisor emulates. All others
// pass through; isolated MSRs are swapped on world switch instead.
func (r *Runtime) initMSRBitmap() {
	r.msrBitmap = r.pages.AllocZeroed(1)
	bm := msr.Bitmap(r.mem.Bytes(r.msrBitmap, msr.BitmapSize))
	for _, m := range []uint32{arch.MSRTimeStampCounter, arch.MSRFeatureControl} {
		bm.InterceptRead(m)
		bm.InterceptWrite(m)
	}
}

// featureControl hides VMX from guests.
func featureControl(_ handle.GCPU, p any) {
	d := p.(*event.MSRAccessData)
	if d.MSR != arch.MSRFeatureControl || d.Handled {
		return
	}
	d.Handled = true
	if d.Write {
		d.Fault = true
		return
	}
	d.Value = featureControlLocked
}

// setupGCPUs programs every virtual CPU. Virtual CPU i of a guest starts
// from the descriptor's vcpu i; undescribed rich OS virtual CPUs start as
// application processors waiting for a SIPI.
func (r *Runtime) setupGCPUs() error {
	for id := 0; id < r.reg.NumGuests(); id++ {
		g := r.reg.Guest(handle.Guest(id))
		d, ok := r.descGuest(g.Name())
		halt.Check(ok, "hv: guest %v has no descriptor", g)
		for i, h := range g.GCPUs() {
			var v boot.VCPU
			switch {
			case i < len(d.VCPUs):
				v = d.VCPUs[i]
			case g.Secure():
				v = d.VCPUs[len(d.VCPUs)-1]
			default:
				v = d.VCPUs[0]
				v.WaitForSIPI = true
			}
			init, err := v.InitialState()
			if err != nil {
				return fmt.Errorf("guest %s vcpu %d: %w", g.Name(), i, err)
			}
			c := r.reg.GCPU(h)
			r.reg.Setup(c, init, r.hostState(c.CPU()), uint64(r.msrBitmap))
		}
	}
	return nil
}

func (r *Runtime) hostState(cpu int) guest.HostState {
	c := &r.cpus[cpu]
	return guest.HostState{
		CR0:      hostCR0,
		CR3:      uint64(r.hmm.Forward().RootAddress()),
		CR4:      hostCR4,
		RSP:      uint64(c.stack) + hostStackPages*hostarch.PageSize,
		RIP:      uint64(r.hostRIP),
		PAT:      hostarch.PATValue(hostarch.MemoryTypeWriteBack),
		EFER:     hostEFER,
		TRBase:   uint64(c.tss),
		GDTRBase: uint64(c.gdt),
		IDTRBase: uint64(c.idt),
	}
}

// invalidate flushes cached translations of g on every running CPU after
// its EPT changed.
func (r *Runtime) invalidate(cpu int, g *guest.Guest) {
	self := cpu
	if cpu == guest.BringUpCPU {
		self = ipc.NoCPU
	}
	eptp := g.EPTP()
	n := r.ipc.Broadcast(self, func(c platform.CPU) { c.InvEPT(eptp) })
	log.Debugf("hv: invalidated %v on %d CPUs", g, n)
}

// freeze ends bring-up. Registries are read without locks afterwards.
func (r *Runtime) freeze() {
	r.reg.Freeze()
	r.calls.Freeze()
	n := 0
	for id := 0; id < r.reg.NumGuests(); id++ {
		n += len(r.reg.Guest(handle.Guest(id)).GCPUs())
	}
	r.msrs.Freeze(n)
	r.bus.Freeze()
	r.exits.Freeze()
}

// Close releases the runtime's process-wide registrations. A halt after
// Close no longer wipes this runtime's secrets. It is for runtimes that are
// discarded without running, or after Run returned.
func (r *Runtime) Close() {
	if r.unhook != nil {
		r.unhook()
		r.unhook = nil
	}
}

// Registry returns the guest registry.
func (r *Runtime) Registry() *guest.Registry {
	return r.reg
}

// HMM returns the host memory manager.
func (r *Runtime) HMM() *hmm.HMM {
	return r.hmm
}

// TEEs returns the TEE manager.
func (r *Runtime) TEEs() *tee.Manager {
	return r.tees
}

// Bus returns the event bus.
func (r *Runtime) Bus() *event.Bus {
	return r.bus
}

// Dump describes the allocators and the host address space.
func (r *Runtime) Dump() string {
	var b strings.Builder
	b.WriteString(r.pages.Dump())
	b.WriteString(r.pool.Dump())
	b.WriteString(r.hmm.Dump())
	return b.String()
}
