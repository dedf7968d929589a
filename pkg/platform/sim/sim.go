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

// Package sim is a software implementation of the platform interfaces.
//
// The VMX instruction set is modelled closely enough to exercise the
// runtime: VMCS regions keep per-field state and a launch state, VMLAUNCH
// and VMRESUME check it, and VMREAD/VMWRITE are counted. Guest execution is
// replaced by a Program, a Go function that plays the guest between one VM
// entry and the next VM exit.
package sim

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/platform"
	"evmm.dev/evmm/pkg/vmcs"
)

// Exit describes a VM exit produced by a Program.
type Exit struct {
	Reason            uint32
	Qualification     uint64
	InstructionLength uint32
	GuestPhysical     uint64
	GuestLinear       uint64
	InterruptionInfo  uint32
}

// Guest is the guest's view of the processor while a Program runs.
type Guest struct {
	// Regs are the general purpose registers.
	Regs *arch.GPRs

	// CPU is the physical CPU index.
	CPU int

	region *region
}

// Field returns a guest-state field of the current VMCS.
func (g *Guest) Field(f vmcs.Field) uint64 {
	return g.region.fields[f.Encoding()]
}

// SetField sets a guest-state field, as the guest's own execution would.
func (g *Guest) SetField(f vmcs.Field, v uint64) {
	g.region.fields[f.Encoding()] = v
}

// Injected returns the events injected into this VMCS on entry, oldest
// first.
func (g *Guest) Injected() []Event {
	return g.region.injected
}

// Program plays the guest from one VM entry to the next VM exit.
type Program func(g *Guest) Exit

// Event is an event injected through the VM-entry interruption field.
type Event struct {
	Info      uint32
	ErrorCode uint32
}

// Vector returns the event's vector.
func (e Event) Vector() arch.Vector {
	return arch.Vector(e.Info & 0xff)
}

// Halt is the exit of a guest that has nothing to do.
var Halt = Exit{Reason: 12, InstructionLength: 1}

type region struct {
	fields   map[uint32]uint64
	launched bool
	active   int
	program  Program
	injected []Event
}

// Config configures a Machine.
type Config struct {
	// CPUs is the number of physical CPUs.
	CPUs int

	// ThreadsPerCore is 1 or 2.
	ThreadsPerCore int

	// MemoryTop is the size of physical memory.
	MemoryTop hostarch.Addr

	// TSCStep is the amount the time stamp counter advances per read.
	TSCStep uint64
}

// Machine is a simulated machine. It implements platform.Machine.
type Machine struct {
	cfg  Config
	mem  *Memory
	cpus []*CPU

	mu      sync.Mutex
	regions map[uint64]*region

	// deadAPs are CPUs that never respond to StartAP.
	deadAPs map[int]bool

	tsc atomic.Uint64
}

var _ platform.Machine = (*Machine)(nil)

// New returns a machine.
func New(cfg Config) *Machine {
	if cfg.ThreadsPerCore == 0 {
		cfg.ThreadsPerCore = 1
	}
	if cfg.TSCStep == 0 {
		cfg.TSCStep = 1
	}
	m := &Machine{
		cfg:     cfg,
		mem:     NewMemory(cfg.MemoryTop),
		regions: make(map[uint64]*region),
		deadAPs: make(map[int]bool),
	}
	for i := 0; i < cfg.CPUs; i++ {
		m.cpus = append(m.cpus, &CPU{
			m:       m,
			id:      i,
			current: noVMCS,
			msrs: map[uint32]uint64{
				arch.MSRPAT:  0x0007040600070406,
				arch.MSREFER: arch.EFERLME | arch.EFERLMA | arch.EFERSCE,
			},
		})
	}
	return m
}

// NumCPUs implements platform.Machine.NumCPUs.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPU implements platform.Machine.CPU.
func (m *Machine) CPU(i int) platform.CPU {
	return m.cpus[i]
}

// SimCPU returns the CPU with its simulator-only methods.
func (m *Machine) SimCPU(i int) *CPU {
	return m.cpus[i]
}

// Memory implements platform.Machine.Memory.
func (m *Machine) Memory() platform.Memory {
	return m.mem
}

// SimMemory returns memory with its simulator-only methods.
func (m *Machine) SimMemory() *Memory {
	return m.mem
}

// StartAP implements platform.Machine.StartAP.
func (m *Machine) StartAP(i int, entry func(platform.CPU)) {
	m.mu.Lock()
	dead := m.deadAPs[i]
	m.mu.Unlock()
	if dead {
		return
	}
	c := m.cpus[i]
	go entry(c)
}

// KillAP makes CPU i ignore StartAP.
func (m *Machine) KillAP(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadAPs[i] = true
}

// SetProgram sets the guest behaviour of the VMCS at hpa.
func (m *Machine) SetProgram(hpa uint64, p Program) {
	m.region(hpa).program = p
}

// Injected returns the events injected into the VMCS at hpa.
func (m *Machine) Injected(hpa uint64) []Event {
	return m.region(hpa).injected
}

// Field returns a field of the VMCS at hpa as hardware holds it.
func (m *Machine) Field(hpa uint64, f vmcs.Field) uint64 {
	return m.region(hpa).fields[f.Encoding()]
}

func (m *Machine) region(hpa uint64) *region {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[hpa]
	if !ok {
		r = &region{fields: make(map[uint32]uint64), active: -1}
		m.regions[hpa] = r
	}
	return r
}

const noVMCS = ^uint64(0)

// Stats counts operations performed on a CPU.
type Stats struct {
	VMReads      uint64
	VMWrites     uint64
	Entries      uint64
	InvEPTs      uint64
	L1DFlushes   uint64
	BufferClears uint64
}

// CPU is a simulated hardware thread. It implements platform.CPU.
type CPU struct {
	m  *Machine
	id int

	// Fields below are used only by the CPU's own thread of control.
	current uint64
	msrs    map[uint32]uint64
	cr2     uint64
	cr3     uint64
	ist     [8]hostarch.Addr
	stats   Stats

	pauses atomic.Uint64
}

var _ platform.CPU = (*CPU)(nil)

// ID implements platform.CPU.ID.
func (c *CPU) ID() int {
	return c.id
}

// Stats returns the CPU's counters.
func (c *CPU) Stats() Stats {
	return c.stats
}

// ResetStats zeroes the CPU's counters.
func (c *CPU) ResetStats() {
	c.stats = Stats{}
}

// VMClear implements vmcs.Hardware.VMClear.
func (c *CPU) VMClear(hpa uint64) vmcs.InstructionError {
	if hpa == 0 || hpa&0xfff != 0 {
		return vmcs.ErrVMClearInvalid
	}
	r := c.m.region(hpa)
	r.launched = false
	r.active = -1
	if c.current == hpa {
		c.current = noVMCS
	}
	return vmcs.ErrNone
}

// VMPtrLoad implements vmcs.Hardware.VMPtrLoad.
func (c *CPU) VMPtrLoad(hpa uint64) vmcs.InstructionError {
	if hpa == 0 || hpa&0xfff != 0 {
		return vmcs.ErrVMPtrLoadInvalid
	}
	r := c.m.region(hpa)
	if r.active != -1 && r.active != c.id {
		return vmcs.ErrVMPtrLoadInvalid
	}
	r.active = c.id
	c.current = hpa
	return vmcs.ErrNone
}

// VMPtrStore implements vmcs.Hardware.VMPtrStore.
func (c *CPU) VMPtrStore() uint64 {
	return c.current
}

// VMRead implements vmcs.Hardware.VMRead.
func (c *CPU) VMRead(enc uint32) (uint64, vmcs.InstructionError) {
	if c.current == noVMCS {
		return 0, vmcs.ErrUnsupportedField
	}
	if _, ok := vmcs.FieldByEncoding(enc); !ok {
		return 0, vmcs.ErrUnsupportedField
	}
	c.stats.VMReads++
	return c.m.region(c.current).fields[enc], vmcs.ErrNone
}

// VMWrite implements vmcs.Hardware.VMWrite.
func (c *CPU) VMWrite(enc uint32, v uint64) vmcs.InstructionError {
	if c.current == noVMCS {
		return vmcs.ErrUnsupportedField
	}
	f, ok := vmcs.FieldByEncoding(enc)
	if !ok {
		return vmcs.ErrUnsupportedField
	}
	if f.ReadOnly() {
		return vmcs.ErrWriteReadOnly
	}
	c.stats.VMWrites++
	c.m.region(c.current).fields[enc] = v
	return vmcs.ErrNone
}

const interruptionValid = 1 << 31

// Enter implements platform.CPU.Enter.
func (c *CPU) Enter(launch bool, regs *arch.GPRs) vmcs.InstructionError {
	if c.current == noVMCS {
		return vmcs.ErrEntryInvalidControls
	}
	r := c.m.region(c.current)
	switch {
	case launch && r.launched:
		return vmcs.ErrVMLaunchNonClear
	case !launch && !r.launched:
		return vmcs.ErrVMResumeNonLaunched
	}
	r.launched = true
	c.stats.Entries++

	info := vmcs.EntryInterruptionInfo.Encoding()
	if ev := uint32(r.fields[info]); ev&interruptionValid != 0 {
		r.injected = append(r.injected, Event{
			Info:      ev,
			ErrorCode: uint32(r.fields[vmcs.EntryExceptionErrorCode.Encoding()]),
		})
		r.fields[info] = uint64(ev &^ interruptionValid)
	}

	exit := Halt
	if r.program != nil {
		exit = r.program(&Guest{Regs: regs, CPU: c.id, region: r})
	}
	r.fields[vmcs.ExitReason.Encoding()] = uint64(exit.Reason)
	r.fields[vmcs.ExitQualification.Encoding()] = exit.Qualification
	r.fields[vmcs.ExitInstructionLength.Encoding()] = uint64(exit.InstructionLength)
	r.fields[vmcs.GuestPhysicalAddress.Encoding()] = exit.GuestPhysical
	r.fields[vmcs.GuestLinearAddress.Encoding()] = exit.GuestLinear
	r.fields[vmcs.ExitInterruptionInfo.Encoding()] = uint64(exit.InterruptionInfo)
	return vmcs.ErrNone
}

// WriteCR2 implements platform.CPU.WriteCR2.
func (c *CPU) WriteCR2(cr2 uint64) {
	c.cr2 = cr2
}

// CR2 returns the guest-visible CR2.
func (c *CPU) CR2() uint64 {
	return c.cr2
}

// WriteCR3 implements platform.CPU.WriteCR3.
func (c *CPU) WriteCR3(cr3 uint64) {
	c.cr3 = cr3
}

// CR3 returns the paging root.
func (c *CPU) CR3() uint64 {
	return c.cr3
}

// ReadMSR implements platform.CPU.ReadMSR.
func (c *CPU) ReadMSR(msr uint32) uint64 {
	if msr == arch.MSRTimeStampCounter {
		return c.Rdtsc()
	}
	return c.msrs[msr]
}

// WriteMSR implements platform.CPU.WriteMSR.
func (c *CPU) WriteMSR(msr uint32, v uint64) {
	if msr == arch.MSRFlushCmd && v&arch.FlushCmdL1D != 0 {
		c.FlushL1D()
		return
	}
	c.msrs[msr] = v
}

// SetIST implements platform.CPU.SetIST.
func (c *CPU) SetIST(index int, stack hostarch.Addr) {
	c.ist[index] = stack
}

// IST returns an interrupt stack table entry.
func (c *CPU) IST(index int) hostarch.Addr {
	return c.ist[index]
}

// InvEPT implements platform.CPU.InvEPT.
func (c *CPU) InvEPT(uint64) {
	c.stats.InvEPTs++
}

// FlushL1D implements platform.CPU.FlushL1D.
func (c *CPU) FlushL1D() {
	c.stats.L1DFlushes++
}

// ClearBuffers implements platform.CPU.ClearBuffers.
func (c *CPU) ClearBuffers() {
	c.stats.BufferClears++
}

// Rdtsc implements platform.CPU.Rdtsc. The counter is shared by all CPUs
// and advances on every read.
func (c *CPU) Rdtsc() uint64 {
	return c.m.tsc.Add(c.m.cfg.TSCStep)
}

// Pause implements platform.CPU.Pause. The simulated CPU yields so that a
// sibling it waits for gets to run.
func (c *CPU) Pause() {
	c.pauses.Add(1)
	runtime.Gosched()
}

// Sibling implements platform.CPU.Sibling.
func (c *CPU) Sibling() (int, bool) {
	if c.m.cfg.ThreadsPerCore < 2 {
		return 0, false
	}
	s := c.id ^ 1
	if s >= len(c.m.cpus) {
		return 0, false
	}
	return s, true
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}
