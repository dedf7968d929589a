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

package arch

// Model specific registers used by the hypervisor.
const (
	MSRTimeStampCounter uint32 = 0x10
	MSRAPICBase         uint32 = 0x1b
	MSRFeatureControl   uint32 = 0x3a
	MSRTSCAdjust        uint32 = 0x3b
	MSRSpecCtrl         uint32 = 0x48
	MSRPredCmd          uint32 = 0x49
	MSRFlushCmd         uint32 = 0x10b
	MSRArchCapabilities uint32 = 0x10a
	MSRSysenterCS       uint32 = 0x174
	MSRSysenterESP      uint32 = 0x175
	MSRSysenterEIP      uint32 = 0x176
	MSRPAT              uint32 = 0x277
	MSRVMXBasic         uint32 = 0x480
	MSREFER             uint32 = 0xc0000080
	MSRStar             uint32 = 0xc0000081
	MSRLStar            uint32 = 0xc0000082
	MSRCStar            uint32 = 0xc0000083
	MSRSyscallMask      uint32 = 0xc0000084
	MSRFSBase           uint32 = 0xc0000100
	MSRGSBase           uint32 = 0xc0000101
	MSRKernelGSBase     uint32 = 0xc0000102
	MSRTSCAux           uint32 = 0xc0000103
)

// EFER bits.
const (
	EFERSCE uint64 = 1 << 0
	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERNXE uint64 = 1 << 11
)

// FlushCmdL1D is written to MSRFlushCmd to flush the L1 data cache.
const FlushCmdL1D uint64 = 1

// CR0 bits.
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0TS uint64 = 1 << 3
	CR0ET uint64 = 1 << 4
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16
	CR0AM uint64 = 1 << 18
	CR0NW uint64 = 1 << 29
	CR0CD uint64 = 1 << 30
	CR0PG uint64 = 1 << 31
)

// CR4 bits.
const (
	CR4VME        uint64 = 1 << 0
	CR4PVI        uint64 = 1 << 1
	CR4TSD        uint64 = 1 << 2
	CR4DE         uint64 = 1 << 3
	CR4PSE        uint64 = 1 << 4
	CR4PAE        uint64 = 1 << 5
	CR4MCE        uint64 = 1 << 6
	CR4PGE        uint64 = 1 << 7
	CR4PCE        uint64 = 1 << 8
	CR4OSFXSR     uint64 = 1 << 9
	CR4OSXMMEXCPT uint64 = 1 << 10
	CR4VMXE       uint64 = 1 << 13
	CR4SMXE       uint64 = 1 << 14
	CR4FSGSBASE   uint64 = 1 << 16
	CR4PCIDE      uint64 = 1 << 17
	CR4OSXSAVE    uint64 = 1 << 18
	CR4SMEP       uint64 = 1 << 20
	CR4SMAP       uint64 = 1 << 21
)

// Vector is an exception vector.
type Vector uint8

// Architectural exception vectors.
const (
	DivideError             Vector = 0
	Debug                   Vector = 1
	NMI                     Vector = 2
	Breakpoint              Vector = 3
	Overflow                Vector = 4
	BoundRangeExceeded      Vector = 5
	InvalidOpcode           Vector = 6
	DeviceNotAvailable      Vector = 7
	DoubleFault             Vector = 8
	InvalidTSS              Vector = 10
	SegmentNotPresent       Vector = 11
	StackSegmentFault       Vector = 12
	GeneralProtectionFault  Vector = 13
	PageFault               Vector = 14
	X87FloatingPointError   Vector = 16
	AlignmentCheck          Vector = 17
	MachineCheck            Vector = 18
	SIMDFloatingPointError  Vector = 19
	VirtualizationException Vector = 20
)

// HasErrorCode returns true if the exception pushes an error code.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtectionFault, PageFault, AlignmentCheck:
		return true
	}
	return false
}

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	switch v {
	case DivideError:
		return "#DE"
	case Debug:
		return "#DB"
	case NMI:
		return "NMI"
	case Breakpoint:
		return "#BP"
	case InvalidOpcode:
		return "#UD"
	case DoubleFault:
		return "#DF"
	case InvalidTSS:
		return "#TS"
	case SegmentNotPresent:
		return "#NP"
	case StackSegmentFault:
		return "#SS"
	case GeneralProtectionFault:
		return "#GP"
	case PageFault:
		return "#PF"
	case MachineCheck:
		return "#MC"
	default:
		return "vector"
	}
}

// DoubleFaultIST is the interrupt stack table slot used by the double fault
// handler.
const DoubleFaultIST = 1
