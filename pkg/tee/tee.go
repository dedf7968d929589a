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

// Package tee implements the world switch between the rich OS and TEE
// guests.
//
// Each TEE is entered by a monitor call from the rich OS and left by the
// same monitor call from the TEE. Per (TEE, physical CPU) the switch is a
// state machine: the TEE's virtual CPU on that CPU starts in Init and moves
// to Launched the first time it is entered. A switch copies a declared,
// bounded set of general purpose registers from the outgoing virtual CPU
// to the incoming one, swaps isolated MSRs, and raises BeforeSecure or
// AfterSecure so that side-channel mitigations run around it.
//
// A switch only updates software state. The exit loop notices that the
// scheduler's current virtual CPU changed and performs the VMCS switch.
package tee

import (
	"fmt"
	"sync"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/event"
	"evmm.dev/evmm/pkg/guest"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/log"
	"evmm.dev/evmm/pkg/msr"
	"evmm.dev/evmm/pkg/platform"
	"evmm.dev/evmm/pkg/vmcall"
)

// MaxCopyRegs bounds the registers copied on a switch.
const MaxCopyRegs = 8

// State is the per-CPU world switch state of a TEE.
type State int

const (
	// Init is the state before the TEE first runs on a CPU.
	Init State = iota

	// Launched is the state once the TEE has run on a CPU.
	Launched
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Launched:
		return "LAUNCHED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Secret is sensitive data handed to a TEE once.
type Secret interface {
	// Encode returns the data in its wire layout. The caller zeroes the
	// returned buffer.
	Encode() []byte

	// Wipe zeroes the runtime's copy.
	Wipe()
}

// Config describes a TEE.
type Config struct {
	Name string

	// CPUs lists the physical CPU of each virtual CPU.
	CPUs []int

	// Region is the TEE's private memory, identity mapped.
	Region hostarch.Range

	// Access is the TEE's access to Region.
	Access hostarch.AccessType

	// Shared is memory of the rich OS additionally granted to the TEE.
	// It may be empty.
	Shared       hostarch.Range
	SharedAccess hostarch.AccessType

	// Call is the monitor call id used both to enter and to leave.
	Call vmcall.ID

	// CopyRegs are copied from the outgoing to the incoming virtual CPU
	// on every switch.
	CopyRegs []arch.Reg

	// LaunchFirst launches the TEE before the rich OS on every CPU it
	// has a virtual CPU on.
	LaunchFirst bool

	// DeviceInfo, if set, is copied to DeviceInfoAddr inside Region when
	// the TEE is created, and then wiped.
	DeviceInfo     Secret
	DeviceInfoAddr hostarch.Addr
}

// Validate checks c.
func (c *Config) Validate() error {
	if len(c.CopyRegs) > MaxCopyRegs {
		return fmt.Errorf("tee %s: %d copy registers, at most %d", c.Name, len(c.CopyRegs), MaxCopyRegs)
	}
	for _, r := range c.CopyRegs {
		if r == arch.RSP {
			return fmt.Errorf("tee %s: RSP cannot be copied", c.Name)
		}
		if r < 0 || r >= arch.NumGPRs {
			return fmt.Errorf("tee %s: invalid copy register %d", c.Name, r)
		}
	}
	if !c.Region.WellFormed() || c.Region.Length() == 0 || !c.Region.IsPageAligned() {
		return fmt.Errorf("tee %s: bad region %v", c.Name, c.Region)
	}
	if c.Shared.Length() != 0 && (c.Shared.Overlaps(c.Region) || !c.Shared.IsPageAligned()) {
		return fmt.Errorf("tee %s: bad shared range %v", c.Name, c.Shared)
	}
	if c.DeviceInfo != nil && !c.Region.Contains(c.DeviceInfoAddr) {
		return fmt.Errorf("tee %s: device info address %v outside region", c.Name, c.DeviceInfoAddr)
	}
	if len(c.CPUs) == 0 {
		return fmt.Errorf("tee %s: no CPUs", c.Name)
	}
	return nil
}

// Unmapper removes the hypervisor's access to memory.
type Unmapper interface {
	UnmapHPA(pa hostarch.Addr, length uint64) bool
}

// TEE is a created TEE.
type TEE struct {
	cfg   Config
	guest handle.Guest

	// states and callers are indexed by physical CPU. Each element is
	// used only by its own CPU.
	states []State

	// callers holds the rich OS virtual CPU that entered the TEE.
	callers []handle.GCPU

	// wipe guards the secret hand-off.
	wipe sync.Once
}

// Guest returns the TEE's guest.
func (t *TEE) Guest() handle.Guest {
	return t.guest
}

// Config returns the TEE's configuration.
func (t *TEE) Config() *Config {
	return &t.cfg
}

// State returns the world switch state on cpu.
func (t *TEE) State(cpu int) State {
	return t.states[cpu]
}

// Stats counts switches.
type Stats struct {
	Entries uint64
	Exits   uint64
}

// Manager creates TEEs and performs world switches.
type Manager struct {
	reg   *guest.Registry
	bus   *event.Bus
	calls *vmcall.Registry
	msrs  *msr.IsolationList
	mem   platform.Memory
	hmm   Unmapper

	tees []*TEE

	// stats is indexed by physical CPU.
	stats []Stats
}

// NewManager returns a manager. msrs may be nil.
func NewManager(reg *guest.Registry, bus *event.Bus, calls *vmcall.Registry, msrs *msr.IsolationList, mem platform.Memory, hmm Unmapper) *Manager {
	m := &Manager{
		reg:   reg,
		bus:   bus,
		calls: calls,
		msrs:  msrs,
		mem:   mem,
		hmm:   hmm,
		stats: make([]Stats, reg.NumCPUs()),
	}
	bus.Register(event.InitialSchedule, m.initialSchedule)
	bus.Register(event.FatalError, m.wipeAll)
	return m
}

// TEEs returns the created TEEs.
func (m *Manager) TEEs() []*TEE {
	return m.tees
}

// Stats returns the switch counters of cpu.
func (m *Manager) Stats(cpu int) Stats {
	return m.stats[cpu]
}

// Create creates a TEE guest from cfg. The region is taken from every
// other guest, the device info is handed over, and the hypervisor's own
// access to the region is removed. It runs during bring-up. The device
// info is wiped whether or not Create succeeds.
func (m *Manager) Create(cfg Config) (_ *TEE, err error) {
	defer func() {
		if err != nil && cfg.DeviceInfo != nil {
			cfg.DeviceInfo.Wipe()
		}
	}()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, o := range m.tees {
		if o.cfg.Call == cfg.Call {
			return nil, fmt.Errorf("tee %s: call %v already used by %s", cfg.Name, cfg.Call, o.cfg.Name)
		}
	}
	g := m.reg.CreateGuest(guest.Spec{
		Name:    cfg.Name,
		Secure:  true,
		CPUs:    cfg.CPUs,
		Regions: []guest.Region{{Range: cfg.Region, Access: cfg.Access}},
	})
	t := &TEE{
		cfg:     cfg,
		guest:   g.ID(),
		states:  make([]State, m.reg.NumCPUs()),
		callers: make([]handle.GCPU, m.reg.NumCPUs()),
	}
	for i := range t.callers {
		t.callers[i] = handle.NoGCPU
	}
	if cfg.Shared.Length() != 0 && !m.reg.GrantRange(guest.BringUpCPU, g.ID(), cfg.Shared, cfg.SharedAccess) {
		return nil, fmt.Errorf("tee %s: shared range %v cannot be granted with %v", cfg.Name, cfg.Shared, cfg.SharedAccess)
	}
	m.tees = append(m.tees, t)
	m.handOff(t)
	m.hmm.UnmapHPA(cfg.Region.Start, cfg.Region.Length())

	m.calls.Register(handle.REE, cfg.Call, func(ctx *vmcall.Context) { m.enter(ctx, t) })
	m.calls.Register(g.ID(), cfg.Call, func(ctx *vmcall.Context) { m.leave(ctx, t) })
	log.Infof("tee: created %s as %v region %v call %v copy %v", cfg.Name, g.ID(), cfg.Region, cfg.Call, cfg.CopyRegs)
	return t, nil
}

// handOff copies the device info into the TEE and wipes the runtime copy.
func (m *Manager) handOff(t *TEE) {
	s := t.cfg.DeviceInfo
	if s == nil {
		return
	}
	t.wipe.Do(func() {
		data := s.Encode()
		end := t.cfg.DeviceInfoAddr + hostarch.Addr(len(data))
		halt.Check(end <= t.cfg.Region.End, "tee %s: device info overruns region", t.cfg.Name)
		copy(m.mem.Bytes(t.cfg.DeviceInfoAddr, uint64(len(data))), data)
		clear(data)
		s.Wipe()
	})
}

// wipeAll wipes secrets whose hand-off did not complete.
func (m *Manager) wipeAll(handle.GCPU, any) {
	for _, t := range m.tees {
		if s := t.cfg.DeviceInfo; s != nil {
			s.Wipe()
		}
	}
}

func (m *Manager) initialSchedule(_ handle.GCPU, p any) {
	d := p.(*event.InitialScheduleData)
	for _, t := range m.tees {
		if !t.cfg.LaunchFirst {
			continue
		}
		if c, ok := m.reg.GCPUOn(t.guest, d.CPU); ok {
			d.GCPU = c.Handle()
			t.states[d.CPU] = Launched
			return
		}
	}
}

// enter switches from the calling rich OS virtual CPU into t.
func (m *Manager) enter(ctx *vmcall.Context, t *TEE) {
	cpu := ctx.CPU.ID()
	to, ok := m.reg.GCPUOn(t.guest, cpu)
	if !ok {
		// The TEE has no virtual CPU here; the call is not available.
		log.Debugf("tee: %s has no gcpu on CPU %d", t.cfg.Name, cpu)
		ctx.Unhandled = true
		return
	}
	if t.states[cpu] == Init {
		log.Infof("tee: launching %s on CPU %d", t.cfg.Name, cpu)
		t.states[cpu] = Launched
	}
	t.callers[cpu] = ctx.GCPU
	m.bus.Raise(ctx.GCPU, event.BeforeSecure, &event.WorldSwitchData{CPU: cpu, From: ctx.GCPU, To: to.Handle()})
	m.switchTo(ctx, t, to)
	m.stats[cpu].Entries++
}

// leave switches from the TEE back to the rich OS virtual CPU that entered
// it, or to the rich OS's virtual CPU on this CPU if the TEE was launched
// first.
func (m *Manager) leave(ctx *vmcall.Context, t *TEE) {
	cpu := ctx.CPU.ID()
	back := t.callers[cpu]
	if !back.Valid() {
		c, ok := m.reg.GCPUOn(handle.REE, cpu)
		halt.Check(ok, "tee: %s leaving on CPU %d without a rich OS gcpu", t.cfg.Name, cpu)
		back = c.Handle()
	}
	t.callers[cpu] = handle.NoGCPU
	to := m.reg.GCPU(back)
	m.switchTo(ctx, t, to)
	m.bus.Raise(ctx.GCPU, event.AfterSecure, &event.WorldSwitchData{CPU: cpu, From: ctx.GCPU, To: back})
	m.stats[cpu].Exits++
}

func (m *Manager) switchTo(ctx *vmcall.Context, t *TEE, to *guest.GCPU) {
	from := m.reg.GCPU(ctx.GCPU)
	for _, r := range t.cfg.CopyRegs {
		to.Regs.Set(r, from.Regs.Get(r))
	}
	if m.msrs != nil {
		m.msrs.Swap(ctx.CPU, from.Handle(), to.Handle())
	}
	m.reg.ScheduleTo(to.Handle())
}
