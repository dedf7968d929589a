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
	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/vmcs"
)

// InitialState is the architectural state a virtual CPU starts with.
type InitialState struct {
	RIP    uint64
	RSP    uint64
	RFLAGS uint64
	CR0    uint64
	CR3    uint64
	CR4    uint64
	EFER   uint64
	GPRs   map[arch.Reg]uint64

	// WaitForSIPI starts the virtual CPU in the wait-for-SIPI state, as an
	// application processor.
	WaitForSIPI bool
}

// HostState is the state loaded into the physical CPU on every VM exit.
type HostState struct {
	CR0      uint64
	CR3      uint64
	CR4      uint64
	RSP      uint64
	RIP      uint64
	PAT      uint64
	EFER     uint64
	TRBase   uint64
	GDTRBase uint64
	IDTRBase uint64
}

// rflagsReserved is bit 1 of RFLAGS, which is always set.
const rflagsReserved = 1 << 1

// Setup programs c's VMCS for its first entry. The writes are cached and
// reach hardware on the first flush, so Setup may run before the VMCS is
// active.
func (r *Registry) Setup(c *GCPU, init InitialState, host HostState, msrBitmap uint64) {
	g := r.guests[c.guest]
	v := c.vmcs

	v.Write(vmcs.VPID, uint64(c.handle)+1)
	v.Write(vmcs.PinBasedControls, vmcs.PinExternalInterruptExiting|vmcs.PinNMIExiting)
	v.Write(vmcs.ProcBasedControls, vmcs.ProcUseTSCOffsetting|vmcs.ProcHLTExiting|
		vmcs.ProcUseMSRBitmaps|vmcs.ProcActivateSecondary)
	v.Write(vmcs.SecondaryProcControls, vmcs.Proc2EnableEPT|vmcs.Proc2EnableVPID|
		vmcs.Proc2UnrestrictedGuest|vmcs.Proc2EnableRDTSCP)
	v.Write(vmcs.ExceptionBitmap, 0)
	v.Write(vmcs.MSRBitmap, msrBitmap)
	v.Write(vmcs.EPTPointer, g.eptp)
	v.Write(vmcs.TSCOffset, 0)
	v.Write(vmcs.ExitControls, vmcs.ExitHostAddressSpace|vmcs.ExitAckInterruptOnExit|
		vmcs.ExitSavePAT|vmcs.ExitLoadPAT|vmcs.ExitSaveEFER|vmcs.ExitLoadEFER)
	entry := vmcs.EntryLoadPAT | vmcs.EntryLoadEFER
	if init.EFER&arch.EFERLMA != 0 {
		entry |= vmcs.EntryIA32eModeGuest
	}
	v.Write(vmcs.EntryControls, entry)
	v.Write(vmcs.EntryInterruptionInfo, 0)

	// Control register intercepts: owned bits trap on write, and reads see
	// the shadow.
	v.Write(vmcs.CR0GuestHostMask, g.cr0.mask)
	v.Write(vmcs.CR0ReadShadow, init.CR0)
	v.Write(vmcs.CR4GuestHostMask, g.cr4.mask|arch.CR4VMXE)
	v.Write(vmcs.CR4ReadShadow, init.CR4&^arch.CR4VMXE)

	v.Write(vmcs.GuestCR0, init.CR0)
	v.Write(vmcs.GuestCR3, init.CR3)
	v.Write(vmcs.GuestCR4, init.CR4|arch.CR4VMXE)
	v.Write(vmcs.GuestRIP, init.RIP)
	v.Write(vmcs.GuestRSP, init.RSP)
	v.Write(vmcs.GuestRFLAGS, init.RFLAGS|rflagsReserved)
	v.Write(vmcs.GuestIA32EFER, init.EFER)
	v.Write(vmcs.GuestIA32PAT, host.PAT)
	v.Write(vmcs.GuestDR7, 0x400)
	v.Write(vmcs.GuestInterruptibility, 0)
	if init.WaitForSIPI {
		v.Write(vmcs.GuestActivityState, vmcs.ActivityWaitSIPI)
	} else {
		v.Write(vmcs.GuestActivityState, vmcs.ActivityActive)
	}

	v.Write(vmcs.HostCR0, host.CR0)
	v.Write(vmcs.HostCR3, host.CR3)
	v.Write(vmcs.HostCR4, host.CR4)
	v.Write(vmcs.HostRSP, host.RSP)
	v.Write(vmcs.HostRIP, host.RIP)
	v.Write(vmcs.HostIA32PAT, host.PAT)
	v.Write(vmcs.HostIA32EFER, host.EFER)
	v.Write(vmcs.HostTRBase, host.TRBase)
	v.Write(vmcs.HostGDTRBase, host.GDTRBase)
	v.Write(vmcs.HostIDTRBase, host.IDTRBase)

	c.Regs.Clear()
	for reg, val := range init.GPRs {
		c.Regs.Set(reg, val)
	}
}
