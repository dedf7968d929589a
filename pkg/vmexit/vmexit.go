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

// Package vmexit dispatches VM exits.
//
// Every basic exit reason maps to at most one handler. Handlers are
// installed during bring-up; an exit whose reason has no handler is a
// broken invariant and halts with a VMCS dump.
package vmexit

import (
	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/guest"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/platform"
	"evmm.dev/evmm/pkg/vmcs"
)

// Context describes the exit being handled.
type Context struct {
	// CPU is the physical CPU.
	CPU platform.CPU

	// GCPU is the virtual CPU that exited.
	GCPU *guest.GCPU

	// Guest owns GCPU.
	Guest *guest.Guest

	// Reason is the basic exit reason.
	Reason Reason
}

// VMCS returns the exiting virtual CPU's control structure.
func (c *Context) VMCS() *vmcs.VMCS {
	return c.GCPU.VMCS()
}

// Regs returns the exiting virtual CPU's general purpose registers.
func (c *Context) Regs() *arch.GPRs {
	return &c.GCPU.Regs
}

// Qualification returns the exit qualification.
func (c *Context) Qualification() uint64 {
	return c.VMCS().Read(vmcs.ExitQualification)
}

// GPR returns a general purpose register as the guest sees it. RSP lives
// in the VMCS.
func (c *Context) GPR(r arch.Reg) uint64 {
	if r == arch.RSP {
		return c.VMCS().Read(vmcs.GuestRSP)
	}
	return c.GCPU.Regs.Get(r)
}

// SetGPR sets a general purpose register.
func (c *Context) SetGPR(r arch.Reg, v uint64) {
	if r == arch.RSP {
		c.VMCS().Write(vmcs.GuestRSP, v)
		return
	}
	c.GCPU.Regs.Set(r, v)
}

// Interruptibility bits cleared when an instruction retires.
const blockingBySTIOrMovSS = 0x3

// AdvanceRIP skips the exiting instruction.
func (c *Context) AdvanceRIP() {
	v := c.VMCS()
	v.Write(vmcs.GuestRIP, v.Read(vmcs.GuestRIP)+v.Read(vmcs.ExitInstructionLength))
	if s := v.Read(vmcs.GuestInterruptibility); s&blockingBySTIOrMovSS != 0 {
		v.Write(vmcs.GuestInterruptibility, s&^blockingBySTIOrMovSS)
	}
}

// Handler handles one exit reason.
type Handler func(ctx *Context)

// Table maps exit reasons to handlers.
type Table struct {
	handlers [NumReasons]Handler
	frozen   bool
	counts   [][NumReasons]uint64
}

// NewTable returns an empty table for numCPUs physical CPUs.
func NewTable(numCPUs int) *Table {
	return &Table{counts: make([][NumReasons]uint64, numCPUs)}
}

// Register installs h for reason. Each reason takes at most one handler.
func (t *Table) Register(reason Reason, h Handler) {
	halt.Check(!t.frozen, "vmexit: %v registered after freeze", reason)
	halt.Check(reason < NumReasons, "vmexit: invalid reason %d", reason)
	halt.Check(h != nil, "vmexit: nil handler for %v", reason)
	halt.Check(t.handlers[reason] == nil, "vmexit: %v registered twice", reason)
	t.handlers[reason] = h
}

// Registered returns true if reason has a handler.
func (t *Table) Registered(reason Reason) bool {
	return reason < NumReasons && t.handlers[reason] != nil
}

// Freeze ends registration.
func (t *Table) Freeze() {
	t.frozen = true
}

// Count returns the number of exits with reason handled on cpu.
func (t *Table) Count(cpu int, reason Reason) uint64 {
	return t.counts[cpu][reason]
}

// Dispatch reads the exit reason of ctx's VMCS and runs its handler.
func (t *Table) Dispatch(ctx *Context) {
	raw := ctx.VMCS().Read(vmcs.ExitReason)
	ctx.Reason = Reason(raw & 0xffff)
	if raw&EntryFailure != 0 {
		halt.WithDump(ctx.VMCS().Dump(), "vmexit: %v: VM entry failed: %v", ctx.GCPU, ctx.Reason)
	}
	if ctx.Reason >= NumReasons || t.handlers[ctx.Reason] == nil {
		halt.WithDump(ctx.VMCS().Dump(), "vmexit: %v: unhandled exit %v", ctx.GCPU, ctx.Reason)
	}
	t.counts[ctx.CPU.ID()][ctx.Reason]++
	t.handlers[ctx.Reason](ctx)
}
