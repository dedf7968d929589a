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

package vmexit

import (
	"time"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/event"
	"evmm.dev/evmm/pkg/guest"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/log"
	"evmm.dev/evmm/pkg/vmcall"
	"evmm.dev/evmm/pkg/vmcs"
)

// CPUID leaves and bits adjusted for guests.
const (
	cpuidFeatures      = 0x1
	cpuidVMX           = 1 << 5
	cpuidHypervisor    = 1 << 31
	cpuidHypervisorMin = 0x40000000
	cpuidHypervisorMax = 0x400000ff
)

// Signature reported in the hypervisor CPUID leaf, as ebx, ecx, edx.
var signature = [3]uint32{0x6d6d7665, 0x6d6d7665, 0x6d6d7665} // "evmmevmmevmm"

// CPUIDFunc executes CPUID on the host.
type CPUIDFunc func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Builtins are the handlers every guest gets.
type Builtins struct {
	Registry *guest.Registry
	Bus      *event.Bus
	Calls    *vmcall.Registry

	// CPUID answers leaves outside the hypervisor range. If nil, those
	// leaves read as zero.
	CPUID CPUIDFunc

	// Logger receives guest-triggerable diagnostics. If nil, a rate
	// limited global logger is used.
	Logger log.Logger
}

// Install registers the builtin handlers in t.
func (b *Builtins) Install(t *Table) {
	if b.Logger == nil {
		b.Logger = log.BasicRateLimitedLogger(time.Second)
	}
	t.Register(ExceptionOrNMI, b.exception)
	t.Register(ExternalInterrupt, b.externalInterrupt)
	t.Register(TripleFault, b.tripleFault)
	t.Register(INITSignal, b.initSignal)
	t.Register(SIPI, b.sipi)
	t.Register(CPUID, b.cpuid)
	t.Register(HLT, b.hlt)
	t.Register(VMCALL, b.vmcall)
	t.Register(CRAccess, b.crAccess)
	t.Register(RDMSR, b.rdmsr)
	t.Register(WRMSR, b.wrmsr)
	t.Register(EPTViolation, b.eptViolation)
	t.Register(EPTMisconfig, b.eptMisconfig)
	for _, r := range []Reason{VMCLEAR, VMLAUNCH, VMPTRLD, VMPTRST, VMREAD,
		VMRESUME, VMWRITE, VMXOFF, VMXON, INVEPT, INVVPID, VMFUNC} {
		t.Register(r, b.vmxInstruction)
	}
}

func (b *Builtins) exception(ctx *Context) {
	v := ctx.VMCS()
	info := v.Read(vmcs.ExitInterruptionInfo)
	if info&vmcs.InterruptionValid == 0 {
		return
	}
	if info&(7<<8) == vmcs.InterruptionTypeNMI {
		InjectNMI(ctx)
		return
	}
	// Reflect the exception back to the guest.
	InjectException(ctx, arch.Vector(info&0xff), uint32(v.Read(vmcs.ExitInterruptionErrorCode)))
}

func (b *Builtins) externalInterrupt(ctx *Context) {
	info := ctx.VMCS().Read(vmcs.ExitInterruptionInfo)
	if info&vmcs.InterruptionValid == 0 {
		return
	}
	InjectInterrupt(ctx, uint8(info))
}

func (b *Builtins) tripleFault(ctx *Context) {
	halt.WithDump(ctx.VMCS().Dump(), "vmexit: %v: triple fault", ctx.GCPU)
}

func (b *Builtins) initSignal(ctx *Context) {
	ctx.VMCS().Write(vmcs.GuestActivityState, vmcs.ActivityWaitSIPI)
}

func (b *Builtins) sipi(ctx *Context) {
	v := ctx.VMCS()
	d := &event.SIPIData{Vector: uint8(ctx.Qualification())}
	b.Bus.Raise(ctx.GCPU.Handle(), event.SIPI, d)
	if !d.Handled {
		// Real mode start at vector:0000.
		v.Write(vmcs.GuestCSSelector, uint64(d.Vector)<<8)
		v.Write(vmcs.GuestCSBase, uint64(d.Vector)<<12)
		v.Write(vmcs.GuestRIP, 0)
	}
	v.Write(vmcs.GuestActivityState, vmcs.ActivityActive)
}

func (b *Builtins) cpuid(ctx *Context) {
	leaf := uint32(ctx.GPR(arch.RAX))
	subleaf := uint32(ctx.GPR(arch.RCX))
	var eax, ebx, ecx, edx uint32
	switch {
	case leaf >= cpuidHypervisorMin && leaf <= cpuidHypervisorMax:
		if leaf == cpuidHypervisorMin {
			eax = cpuidHypervisorMin
			ebx, ecx, edx = signature[0], signature[1], signature[2]
		}
	case b.CPUID != nil:
		eax, ebx, ecx, edx = b.CPUID(leaf, subleaf)
		if leaf == cpuidFeatures {
			ecx = ecx&^cpuidVMX | cpuidHypervisor
		}
	}
	ctx.SetGPR(arch.RAX, uint64(eax))
	ctx.SetGPR(arch.RBX, uint64(ebx))
	ctx.SetGPR(arch.RCX, uint64(ecx))
	ctx.SetGPR(arch.RDX, uint64(edx))
	ctx.AdvanceRIP()
}

func (b *Builtins) hlt(ctx *Context) {
	ctx.AdvanceRIP()
}

func (b *Builtins) vmcall(ctx *Context) {
	id := vmcall.ID(ctx.GPR(arch.RAX))
	if _, ok := b.Calls.Lookup(ctx.Guest.ID(), id); !ok {
		b.Logger.Warningf("%v: unknown vmcall %v", ctx.GCPU, id)
		InjectUD(ctx)
		return
	}

	// The handler may switch worlds, so RIP moves past the call first.
	v := ctx.VMCS()
	rip := v.Read(vmcs.GuestRIP)
	ctx.AdvanceRIP()
	call := &vmcall.Context{
		CPU:   ctx.CPU,
		GCPU:  ctx.GCPU.Handle(),
		Guest: ctx.Guest.ID(),
	}
	if !b.Calls.Dispatch(call, id) {
		v.Write(vmcs.GuestRIP, rip)
		InjectUD(ctx)
	}
}

// Exit qualification of a control register access.
const (
	crAccessMovTo   = 0
	crAccessMovFrom = 1
	crAccessCLTS    = 2
	crAccessLMSW    = 3
)

// guestView combines the real and shadow values of a control register the
// way a guest read would.
func guestView(real, shadow, mask uint64) uint64 {
	return real&^mask | shadow&mask
}

func (b *Builtins) crAccess(ctx *Context) {
	q := ctx.Qualification()
	cr := q & 0xf
	kind := (q >> 4) & 0x3
	reg := arch.Reg((q >> 8) & 0xf)
	v := ctx.VMCS()

	switch kind {
	case crAccessMovTo:
		value := ctx.GPR(reg)
		switch cr {
		case 0:
			b.writeCR0(ctx, value)
		case 3:
			v.Write(vmcs.GuestCR3, value)
			ctx.AdvanceRIP()
		case 4:
			b.writeCR4(ctx, value)
		default:
			halt.WithDump(v.Dump(), "vmexit: %v: mov to cr%d", ctx.GCPU, cr)
		}
	case crAccessMovFrom:
		if cr != 3 {
			halt.WithDump(v.Dump(), "vmexit: %v: mov from cr%d", ctx.GCPU, cr)
		}
		ctx.SetGPR(reg, v.Read(vmcs.GuestCR3))
		ctx.AdvanceRIP()
	case crAccessCLTS:
		b.writeCR0(ctx, b.cr0(ctx)&^arch.CR0TS)
	case crAccessLMSW:
		// LMSW loads PE, MP, EM and TS but cannot clear PE.
		src := (q >> 16) & 0xf
		b.writeCR0(ctx, b.cr0(ctx)&^0xe|src)
	}
}

func (b *Builtins) cr0(ctx *Context) uint64 {
	v := ctx.VMCS()
	return guestView(v.Read(vmcs.GuestCR0), v.Read(vmcs.CR0ReadShadow), ctx.Guest.CR0Mask())
}

func (b *Builtins) writeCR0(ctx *Context, value uint64) {
	result, ok := ctx.Guest.WriteCR0(ctx.GCPU.Handle(), b.cr0(ctx), value)
	if !ok {
		InjectGP(ctx, 0)
		return
	}
	v := ctx.VMCS()
	v.Write(vmcs.GuestCR0, result)
	v.Write(vmcs.CR0ReadShadow, result)
	ctx.AdvanceRIP()
}

func (b *Builtins) writeCR4(ctx *Context, value uint64) {
	v := ctx.VMCS()
	if value&arch.CR4VMXE != 0 {
		InjectGP(ctx, 0)
		return
	}
	mask := ctx.Guest.CR4Mask() | arch.CR4VMXE
	old := guestView(v.Read(vmcs.GuestCR4), v.Read(vmcs.CR4ReadShadow), mask)
	result, ok := ctx.Guest.WriteCR4(ctx.GCPU.Handle(), old, value)
	if !ok {
		InjectGP(ctx, 0)
		return
	}
	v.Write(vmcs.GuestCR4, result|arch.CR4VMXE)
	v.Write(vmcs.CR4ReadShadow, result&^arch.CR4VMXE)
	ctx.AdvanceRIP()
}

func (b *Builtins) rdmsr(ctx *Context) {
	index := uint32(ctx.GPR(arch.RCX))
	var value uint64
	if index == arch.MSRTimeStampCounter {
		value = ctx.CPU.Rdtsc() + ctx.VMCS().Read(vmcs.TSCOffset)
	} else {
		d := &event.MSRAccessData{MSR: index}
		b.Bus.Raise(ctx.GCPU.Handle(), event.MSRAccess, d)
		if !d.Handled || d.Fault {
			b.Logger.Warningf("%v: rdmsr %#x refused", ctx.GCPU, index)
			InjectGP(ctx, 0)
			return
		}
		value = d.Value
	}
	ctx.SetGPR(arch.RAX, value&0xffffffff)
	ctx.SetGPR(arch.RDX, value>>32)
	ctx.AdvanceRIP()
}

func (b *Builtins) wrmsr(ctx *Context) {
	index := uint32(ctx.GPR(arch.RCX))
	value := ctx.GPR(arch.RDX)<<32 | ctx.GPR(arch.RAX)&0xffffffff
	if index == arch.MSRTimeStampCounter {
		// Every virtual CPU sharing this physical CPU sees the same
		// counter.
		offset := value - ctx.CPU.Rdtsc()
		b.Registry.ForEachOnCPU(ctx.CPU.ID(), func(c *guest.GCPU) {
			c.VMCS().Write(vmcs.TSCOffset, offset)
		})
		ctx.AdvanceRIP()
		return
	}
	d := &event.MSRAccessData{MSR: index, Write: true, Value: value}
	b.Bus.Raise(ctx.GCPU.Handle(), event.MSRAccess, d)
	if !d.Handled || d.Fault {
		b.Logger.Warningf("%v: wrmsr %#x refused", ctx.GCPU, index)
		InjectGP(ctx, 0)
		return
	}
	ctx.AdvanceRIP()
}

func (b *Builtins) eptViolation(ctx *Context) {
	v := ctx.VMCS()
	d := &event.EPTViolationData{
		GPA:           hostarch.Addr(v.Read(vmcs.GuestPhysicalAddress)),
		GVA:           hostarch.Addr(v.Read(vmcs.GuestLinearAddress)),
		Qualification: ctx.Qualification(),
	}
	b.Bus.Raise(ctx.GCPU.Handle(), event.EPTViolation, d)
	if !d.Handled {
		b.Logger.Warningf("%v: EPT violation at %#x (qualification %#x)", ctx.GCPU, d.GPA, d.Qualification)
		InjectGP(ctx, 0)
	}
}

func (b *Builtins) eptMisconfig(ctx *Context) {
	v := ctx.VMCS()
	halt.WithDump(v.Dump(), "vmexit: %v: EPT misconfiguration at %#x",
		ctx.GCPU, v.Read(vmcs.GuestPhysicalAddress))
}

func (b *Builtins) vmxInstruction(ctx *Context) {
	InjectUD(ctx)
}
