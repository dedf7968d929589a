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

// Package platform defines the hardware surface used by the runtime.
//
// Everything the hypervisor does to a processor or to physical memory goes
// through these interfaces. Production code binds them to the processor
// directly; the sim package provides a software implementation.
package platform

import (
	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/vmcs"
)

// CPU is one physical hardware thread. Methods are called only by the
// thread of control running on that CPU.
type CPU interface {
	vmcs.Hardware

	// ID returns the CPU index.
	ID() int

	// Enter enters the guest of the current VMCS with the given general
	// purpose registers, using VMLAUNCH if launch is set and VMRESUME
	// otherwise. It returns on the next VM exit with regs updated, or
	// immediately with a non-zero error if the entry failed.
	Enter(launch bool, regs *arch.GPRs) vmcs.InstructionError

	// WriteCR2 sets CR2, which VM entry does not load. It is used to
	// deliver a page fault to the guest.
	WriteCR2(cr2 uint64)

	// WriteCR3 loads a new paging root.
	WriteCR3(cr3 uint64)

	// ReadMSR reads a model specific register.
	ReadMSR(msr uint32) uint64

	// WriteMSR writes a model specific register.
	WriteMSR(msr uint32, value uint64)

	// SetIST sets an interrupt stack table entry of the CPU's TSS.
	SetIST(index int, stack hostarch.Addr)

	// InvEPT invalidates cached translations derived from eptp.
	InvEPT(eptp uint64)

	// FlushL1D flushes the L1 data cache.
	FlushL1D()

	// ClearBuffers overwrites CPU internal buffers (VERW).
	ClearBuffers()

	// Rdtsc returns the time stamp counter.
	Rdtsc() uint64

	// Pause is a spin-loop hint.
	Pause()

	// Sibling returns the index of the other hardware thread on the same
	// core, or false if the core is not shared.
	Sibling() (int, bool)
}

// Memory is physical memory.
type Memory interface {
	// Top returns the first address past the end of physical memory.
	Top() hostarch.Addr

	// Bytes returns the bytes backing [addr, addr+length). The slice
	// aliases physical memory.
	Bytes(addr hostarch.Addr, length uint64) []byte

	// Zero clears [addr, addr+length).
	Zero(addr hostarch.Addr, length uint64)
}

// Machine is a set of CPUs sharing physical memory.
type Machine interface {
	// NumCPUs returns the number of physical CPUs.
	NumCPUs() int

	// CPU returns the CPU with the given index.
	CPU(index int) CPU

	// Memory returns physical memory.
	Memory() Memory

	// StartAP sends the startup sequence to an application processor. The
	// processor calls entry on its own thread of control once it is
	// running. StartAP does not wait.
	StartAP(index int, entry func(CPU))
}
