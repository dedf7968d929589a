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

package vmcs

// Pin-based VM-execution controls.
const (
	PinExternalInterruptExiting uint64 = 1 << 0
	PinNMIExiting               uint64 = 1 << 3
	PinVirtualNMIs              uint64 = 1 << 5
)

// Primary processor-based VM-execution controls.
const (
	ProcUseTSCOffsetting     uint64 = 1 << 3
	ProcHLTExiting           uint64 = 1 << 7
	ProcCR3LoadExiting       uint64 = 1 << 15
	ProcUseIOBitmaps         uint64 = 1 << 25
	ProcUseMSRBitmaps        uint64 = 1 << 28
	ProcActivateSecondary    uint64 = 1 << 31
	ProcInterruptWindowExit  uint64 = 1 << 2
	ProcUnconditionalIOExits uint64 = 1 << 24
)

// Secondary processor-based VM-execution controls.
const (
	Proc2EnableEPT         uint64 = 1 << 1
	Proc2EnableRDTSCP      uint64 = 1 << 3
	Proc2EnableVPID        uint64 = 1 << 5
	Proc2UnrestrictedGuest uint64 = 1 << 7
	Proc2EnableINVPCID     uint64 = 1 << 12
	Proc2EnableXSAVES      uint64 = 1 << 20
)

// VM-exit controls.
const (
	ExitSaveDebugControls  uint64 = 1 << 2
	ExitHostAddressSpace   uint64 = 1 << 9
	ExitAckInterruptOnExit uint64 = 1 << 15
	ExitSavePAT            uint64 = 1 << 18
	ExitLoadPAT            uint64 = 1 << 19
	ExitSaveEFER           uint64 = 1 << 20
	ExitLoadEFER           uint64 = 1 << 21
)

// VM-entry controls.
const (
	EntryLoadDebugControls uint64 = 1 << 2
	EntryIA32eModeGuest    uint64 = 1 << 9
	EntryLoadPAT           uint64 = 1 << 14
	EntryLoadEFER          uint64 = 1 << 15
)

// VM-entry interruption-information fields.
const (
	InterruptionValid        uint64 = 1 << 31
	InterruptionDeliverError uint64 = 1 << 11

	InterruptionTypeExternal          uint64 = 0 << 8
	InterruptionTypeNMI               uint64 = 2 << 8
	InterruptionTypeHardware          uint64 = 3 << 8
	InterruptionTypeSoftware          uint64 = 4 << 8
	InterruptionTypePrivileged        uint64 = 5 << 8
	InterruptionTypeSoftwareException uint64 = 6 << 8
)

// Guest activity states.
const (
	ActivityActive   uint64 = 0
	ActivityHLT      uint64 = 1
	ActivityWaitSIPI uint64 = 3
)
