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
	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/vmcs"
)

// class is a fault class used to combine a new exception with one already
// pending delivery.
type class int

const (
	benign class = iota
	contributory
	pageFault
	doubleFault
)

func classOf(v arch.Vector) class {
	switch v {
	case arch.DivideError, arch.InvalidTSS, arch.SegmentNotPresent,
		arch.StackSegmentFault, arch.GeneralProtectionFault:
		return contributory
	case arch.PageFault:
		return pageFault
	case arch.DoubleFault:
		return doubleFault
	default:
		return benign
	}
}

// pending returns the exception already queued for VM entry, if any.
func pending(v *vmcs.VMCS) (arch.Vector, bool) {
	info := v.Read(vmcs.EntryInterruptionInfo)
	if info&vmcs.InterruptionValid == 0 || info&(7<<8) != vmcs.InterruptionTypeHardware {
		return 0, false
	}
	return arch.Vector(info & 0xff), true
}

// InjectException queues a hardware exception for the next VM entry.
//
// An exception raised while another is pending is combined as the
// processor would: benign ones replace it, two contributory faults or a
// page fault followed by a contributory fault or page fault become #DF, and
// any fault on a pending #DF makes a triple fault. A triple fault
// terminates the guest, which halts the processor.
func InjectException(ctx *Context, vec arch.Vector, code uint32) {
	v := ctx.VMCS()
	if prev, ok := pending(v); ok {
		pc, nc := classOf(prev), classOf(vec)
		switch {
		case pc == doubleFault:
			halt.WithDump(v.Dump(), "vmexit: %v: triple fault injecting %v", ctx.GCPU, vec)
			return
		case (pc == contributory && nc == contributory) ||
			(pc == pageFault && (nc == contributory || nc == pageFault)):
			vec, code = arch.DoubleFault, 0
		}
	}
	info := uint64(vec) | vmcs.InterruptionTypeHardware | vmcs.InterruptionValid
	if vec.HasErrorCode() {
		info |= vmcs.InterruptionDeliverError
		v.Write(vmcs.EntryExceptionErrorCode, uint64(code))
	}
	v.Write(vmcs.EntryInterruptionInfo, info)
}

// InjectUD queues #UD.
func InjectUD(ctx *Context) {
	InjectException(ctx, arch.InvalidOpcode, 0)
}

// InjectGP queues #GP with an error code.
func InjectGP(ctx *Context, code uint32) {
	InjectException(ctx, arch.GeneralProtectionFault, code)
}

// InjectTS queues #TS for a bad task state segment selector.
func InjectTS(ctx *Context, selector uint16) {
	InjectException(ctx, arch.InvalidTSS, uint32(selector)&^3)
}

// InjectNP queues #NP for a not-present segment selector.
func InjectNP(ctx *Context, selector uint16) {
	InjectException(ctx, arch.SegmentNotPresent, uint32(selector)&^3)
}

// InjectSS queues #SS.
func InjectSS(ctx *Context, code uint32) {
	InjectException(ctx, arch.StackSegmentFault, code)
}

// InjectPF queues #PF for a fault at addr.
func InjectPF(ctx *Context, addr uint64, code uint32) {
	ctx.CPU.WriteCR2(addr)
	InjectException(ctx, arch.PageFault, code)
}

// InjectNMI queues a non-maskable interrupt.
func InjectNMI(ctx *Context) {
	ctx.VMCS().Write(vmcs.EntryInterruptionInfo,
		uint64(arch.NMI)|vmcs.InterruptionTypeNMI|vmcs.InterruptionValid)
}

// InjectInterrupt queues an external interrupt.
func InjectInterrupt(ctx *Context, vector uint8) {
	ctx.VMCS().Write(vmcs.EntryInterruptionInfo,
		uint64(vector)|vmcs.InterruptionTypeExternal|vmcs.InterruptionValid)
}
