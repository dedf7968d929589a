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

// Package guest holds the guests and virtual CPUs, and schedules virtual
// CPUs on physical CPUs.
//
// The Registry owns every record. Other packages refer to guests and
// virtual CPUs by handle only. Guests and virtual CPUs are created during
// single-threaded bring-up and never destroyed; Freeze ends creation.
//
// Each guest has its own EPT. Memory given to a guest at creation is
// removed from every other guest, so that two guests never hold write
// access to the same memory unless it is explicitly re-granted with
// GrantRange.
package guest

import (
	"fmt"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/ept"
	"evmm.dev/evmm/pkg/event"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/log"
	"evmm.dev/evmm/pkg/pagetables"
	"evmm.dev/evmm/pkg/vmcs"
)

// MaxGuests bounds the number of guests.
const MaxGuests = 16

// Region is a range of guest-physical memory, identity mapped to
// host-physical memory, with the guest's access to it.
type Region struct {
	Range  hostarch.Range
	Access hostarch.AccessType
}

// Spec describes a guest to create.
type Spec struct {
	Name string

	// Secure marks a TEE guest.
	Secure bool

	// CPUs lists the physical CPU of each virtual CPU.
	CPUs []int

	// Regions are mapped into the guest and removed from all other
	// guests.
	Regions []Region
}

// Guest is an isolation domain.
type Guest struct {
	id     handle.Guest
	name   string
	secure bool
	gcpus  []handle.GCPU
	ept    *ept.Table
	eptp   uint64

	cr0 interceptTable
	cr4 interceptTable
}

// ID returns the guest's handle.
func (g *Guest) ID() handle.Guest { return g.id }

// Name returns the guest's name.
func (g *Guest) Name() string { return g.name }

// Secure returns true for TEE guests.
func (g *Guest) Secure() bool { return g.secure }

// GCPUs returns the guest's virtual CPUs in creation order.
func (g *Guest) GCPUs() []handle.GCPU { return g.gcpus }

// EPT returns the guest's physical address map.
func (g *Guest) EPT() *ept.Table { return g.ept }

// EPTP returns the guest's EPT pointer.
func (g *Guest) EPTP() uint64 { return g.eptp }

// String implements fmt.Stringer.String.
func (g *Guest) String() string {
	return fmt.Sprintf("%v(%s)", g.id, g.name)
}

// GCPU is a virtual CPU.
type GCPU struct {
	handle handle.GCPU
	index  int
	guest  handle.Guest
	cpu    int
	vmcs   *vmcs.VMCS

	// Regs holds the general purpose registers while the virtual CPU is
	// not in the guest.
	Regs arch.GPRs

	// next is the following virtual CPU on the same physical CPU.
	next handle.GCPU
}

// Handle returns the virtual CPU's handle.
func (c *GCPU) Handle() handle.GCPU { return c.handle }

// Index returns the virtual CPU's index within its guest.
func (c *GCPU) Index() int { return c.index }

// Guest returns the owning guest.
func (c *GCPU) Guest() handle.Guest { return c.guest }

// CPU returns the physical CPU the virtual CPU is bound to.
func (c *GCPU) CPU() int { return c.cpu }

// VMCS returns the virtual CPU's control structure.
func (c *GCPU) VMCS() *vmcs.VMCS { return c.vmcs }

// String implements fmt.Stringer.String.
func (c *GCPU) String() string {
	return fmt.Sprintf("%v/%v.%d@cpu%d", c.handle, c.guest, c.index, c.cpu)
}

// PageSource supplies zeroed physical pages for VMCS regions.
type PageSource interface {
	AllocZeroed(n uint32) hostarch.Addr
}

// Registry owns all guests and virtual CPUs.
type Registry struct {
	bus     *event.Bus
	pages   PageSource
	tables  pagetables.Allocator
	eptOps  ept.Ops
	numCPUs int

	guests []*Guest
	gcpus  []*GCPU
	cpus   []cpuChain

	// reserved ranges belong to the hypervisor and are never mapped into
	// a guest.
	reserved []hostarch.Range

	// invalidate is called after a guest's EPT changes at run time.
	invalidate func(cpu int, g *Guest)

	frozen bool
}

// Config configures a Registry.
type Config struct {
	Bus     *event.Bus
	Pages   PageSource
	Tables  pagetables.Allocator
	EPT     ept.Ops
	NumCPUs int
}

// NewRegistry returns an empty registry.
func NewRegistry(c Config) *Registry {
	halt.Check(c.Bus != nil && c.Pages != nil && c.Tables != nil, "guest: incomplete registry config")
	halt.Check(c.NumCPUs > 0, "guest: no CPUs")
	r := &Registry{
		bus:     c.Bus,
		pages:   c.Pages,
		tables:  c.Tables,
		eptOps:  c.EPT,
		numCPUs: c.NumCPUs,
		cpus:    make([]cpuChain, c.NumCPUs),
	}
	for i := range r.cpus {
		r.cpus[i] = cpuChain{head: handle.NoGCPU, tail: handle.NoGCPU, current: handle.NoGCPU}
	}
	return r
}

// BringUpCPU is passed as the changing CPU by callers outside an exit loop.
const BringUpCPU = -1

// SetInvalidator sets the function called after a guest's EPT changes once
// the registry is frozen. cpu is the physical CPU that made the change.
func (r *Registry) SetInvalidator(fn func(cpu int, g *Guest)) {
	r.invalidate = fn
}

// Freeze ends guest and virtual CPU creation.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Frozen returns true after Freeze.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// NumGuests returns the number of guests.
func (r *Registry) NumGuests() int {
	return len(r.guests)
}

// NumCPUs returns the number of physical CPUs.
func (r *Registry) NumCPUs() int {
	return r.numCPUs
}

// Guest returns the guest with the given handle.
func (r *Registry) Guest(id handle.Guest) *Guest {
	halt.Assert(int(id) >= 0 && int(id) < len(r.guests), "guest: invalid guest %v", id)
	return r.guests[id]
}

// GCPU returns the virtual CPU with the given handle.
func (r *Registry) GCPU(h handle.GCPU) *GCPU {
	halt.Assert(int(h) >= 0 && int(h) < len(r.gcpus), "guest: invalid gcpu %v", h)
	return r.gcpus[h]
}

// GuestOf returns the guest owning h.
func (r *Registry) GuestOf(h handle.GCPU) *Guest {
	return r.guests[r.GCPU(h).guest]
}

// Reserve withholds r from every guest. Reserved memory is removed from
// existing guests and never mapped into new ones.
func (r *Registry) Reserve(rng hostarch.Range) {
	halt.Check(!r.frozen, "guest: reserve after freeze")
	halt.Check(rng.WellFormed() && rng.IsPageAligned(), "guest: bad reserved range %v", rng)
	r.reserved = append(r.reserved, rng)
	for _, g := range r.guests {
		g.ept.Unmap(rng.Start, rng.Length())
	}
}

// CreateGuest creates a guest, maps its regions with their access and
// removes those regions from every other guest. The new guest's virtual
// CPUs are registered on the CPUs listed in s.
func (r *Registry) CreateGuest(s Spec) *Guest {
	halt.Check(!r.frozen, "guest: create after freeze")
	halt.Check(len(r.guests) < MaxGuests, "guest: too many guests")
	id := handle.Guest(len(r.guests))
	name := s.Name
	if name == "" {
		name = id.String()
	}
	g := &Guest{
		id:     id,
		name:   name,
		secure: s.Secure,
		ept:    ept.New(name, r.eptOps, r.tables),
		cr0:    interceptTable{},
		cr4:    interceptTable{},
	}
	g.eptp = g.ept.Pointer()
	for _, reg := range s.Regions {
		halt.Check(reg.Range.WellFormed() && reg.Range.IsPageAligned(), "guest: %s: bad region %v", name, reg.Range)
		for _, other := range r.guests {
			other.ept.Unmap(reg.Range.Start, reg.Range.Length())
		}
		g.ept.Map(reg.Range.Start, reg.Range.Start, reg.Range.Length(), reg.Access)
	}
	for _, res := range r.reserved {
		g.ept.Unmap(res.Start, res.Length())
	}
	r.guests = append(r.guests, g)
	log.Infof("guest: created %v secure=%t regions=%d", g, g.secure, len(s.Regions))

	for _, cpu := range s.CPUs {
		r.RegisterGCPU(id, cpu)
	}
	r.bus.Raise(handle.NoGCPU, event.GuestInit, &event.GuestInitData{Guest: id})
	return g
}

// RegisterGCPU adds a virtual CPU to guest id, bound to cpu, and links it
// into cpu's scheduling chain.
func (r *Registry) RegisterGCPU(id handle.Guest, cpu int) *GCPU {
	halt.Check(!r.frozen, "guest: register gcpu after freeze")
	halt.Check(cpu >= 0 && cpu < r.numCPUs, "guest: %v: invalid CPU %d", id, cpu)
	g := r.Guest(id)
	for _, h := range g.gcpus {
		halt.Check(r.gcpus[h].cpu != cpu, "guest: %v already has a gcpu on CPU %d", g, cpu)
	}
	c := &GCPU{
		handle: handle.GCPU(len(r.gcpus)),
		index:  len(g.gcpus),
		guest:  id,
		cpu:    cpu,
		vmcs:   vmcs.New(uint64(r.pages.AllocZeroed(1))),
		next:   handle.NoGCPU,
	}
	r.gcpus = append(r.gcpus, c)
	g.gcpus = append(g.gcpus, c.handle)
	r.link(c)
	log.Debugf("guest: registered %v", c)
	return c
}

// GCPUOn returns guest id's virtual CPU on cpu.
func (r *Registry) GCPUOn(id handle.Guest, cpu int) (*GCPU, bool) {
	for _, h := range r.Guest(id).gcpus {
		if c := r.gcpus[h]; c.cpu == cpu {
			return c, true
		}
	}
	return nil, false
}

// GrantRange maps rng into guest id with access at, in addition to its
// existing owner. Write access is refused while another guest can write
// any part of rng, and the grant may not exceed the access of any other
// guest that maps the range. cpu is the physical CPU making the change, or
// BringUpCPU.
func (r *Registry) GrantRange(cpu int, id handle.Guest, rng hostarch.Range, at hostarch.AccessType) bool {
	if !rng.WellFormed() || !rng.IsPageAligned() || at == hostarch.NoAccess {
		return false
	}
	for _, res := range r.reserved {
		if res.Overlaps(rng) {
			return false
		}
	}
	g := r.Guest(id)
	for _, other := range r.guests {
		if other == g {
			continue
		}
		ok := true
		other.ept.Visit(rng.Start, rng.End, func(m pagetables.Mapping) bool {
			oat := ept.AccessFor(m.Attr)
			if (at.Write && oat.Write) || !oat.SupersetOf(at) {
				ok = false
			}
			return ok
		})
		if !ok {
			log.Warningf("guest: refusing %v grant of %v to %v", at, rng, g)
			return false
		}
	}
	g.ept.Map(rng.Start, rng.Start, rng.Length(), at)
	if r.frozen && r.invalidate != nil {
		r.invalidate(cpu, g)
	}
	return true
}

// RevokeRange removes rng from guest id.
func (r *Registry) RevokeRange(cpu int, id handle.Guest, rng hostarch.Range) {
	g := r.Guest(id)
	g.ept.Unmap(rng.Start, rng.Length())
	if r.frozen && r.invalidate != nil {
		r.invalidate(cpu, g)
	}
}
