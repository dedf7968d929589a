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

import "fmt"

// Field is a dense index of a VMCS field. The hardware encoding is obtained
// with Encoding.
type Field int

// Fields cached by the store.
const (
	// Control fields.
	VPID Field = iota
	PinBasedControls
	ProcBasedControls
	SecondaryProcControls
	ExceptionBitmap
	ExitControls
	EntryControls
	EntryInterruptionInfo
	EntryExceptionErrorCode
	EntryInstructionLength
	MSRBitmap
	TSCOffset
	EPTPointer
	CR0GuestHostMask
	CR4GuestHostMask
	CR0ReadShadow
	CR4ReadShadow

	// Read-only VM-exit information fields.
	VMInstructionError
	ExitReason
	ExitInterruptionInfo
	ExitInterruptionErrorCode
	ExitInstructionLength
	ExitInstructionInfo
	ExitQualification
	GuestLinearAddress
	GuestPhysicalAddress

	// Guest state fields.
	GuestCR0
	GuestCR3
	GuestCR4
	GuestDR7
	GuestRSP
	GuestRIP
	GuestRFLAGS
	GuestCSSelector
	GuestCSBase
	GuestCSLimit
	GuestCSAccessRights
	GuestSSSelector
	GuestSSAccessRights
	GuestTRSelector
	GuestTRBase
	GuestGDTRBase
	GuestIDTRBase
	GuestInterruptibility
	GuestActivityState
	GuestSysenterCS
	GuestSysenterESP
	GuestSysenterEIP
	GuestIA32PAT
	GuestIA32EFER

	// Host state fields.
	HostCR0
	HostCR3
	HostCR4
	HostRSP
	HostRIP
	HostTRBase
	HostGDTRBase
	HostIDTRBase
	HostIA32PAT
	HostIA32EFER

	// NumFields is the number of cached fields.
	NumFields
)

type fieldInfo struct {
	name     string
	encoding uint32
}

var fields = [NumFields]fieldInfo{
	VPID:                      {"VPID", 0x0000},
	PinBasedControls:          {"PinBasedControls", 0x4000},
	ProcBasedControls:         {"ProcBasedControls", 0x4002},
	SecondaryProcControls:     {"SecondaryProcControls", 0x401e},
	ExceptionBitmap:           {"ExceptionBitmap", 0x4004},
	ExitControls:              {"ExitControls", 0x400c},
	EntryControls:             {"EntryControls", 0x4012},
	EntryInterruptionInfo:     {"EntryInterruptionInfo", 0x4016},
	EntryExceptionErrorCode:   {"EntryExceptionErrorCode", 0x4018},
	EntryInstructionLength:    {"EntryInstructionLength", 0x401a},
	MSRBitmap:                 {"MSRBitmap", 0x2004},
	TSCOffset:                 {"TSCOffset", 0x2010},
	EPTPointer:                {"EPTPointer", 0x201a},
	CR0GuestHostMask:          {"CR0GuestHostMask", 0x6000},
	CR4GuestHostMask:          {"CR4GuestHostMask", 0x6002},
	CR0ReadShadow:             {"CR0ReadShadow", 0x6004},
	CR4ReadShadow:             {"CR4ReadShadow", 0x6006},
	VMInstructionError:        {"VMInstructionError", 0x4400},
	ExitReason:                {"ExitReason", 0x4402},
	ExitInterruptionInfo:      {"ExitInterruptionInfo", 0x4404},
	ExitInterruptionErrorCode: {"ExitInterruptionErrorCode", 0x4406},
	ExitInstructionLength:     {"ExitInstructionLength", 0x440c},
	ExitInstructionInfo:       {"ExitInstructionInfo", 0x440e},
	ExitQualification:         {"ExitQualification", 0x6400},
	GuestLinearAddress:        {"GuestLinearAddress", 0x640a},
	GuestPhysicalAddress:      {"GuestPhysicalAddress", 0x2400},
	GuestCR0:                  {"GuestCR0", 0x6800},
	GuestCR3:                  {"GuestCR3", 0x6802},
	GuestCR4:                  {"GuestCR4", 0x6804},
	GuestDR7:                  {"GuestDR7", 0x681a},
	GuestRSP:                  {"GuestRSP", 0x681c},
	GuestRIP:                  {"GuestRIP", 0x681e},
	GuestRFLAGS:               {"GuestRFLAGS", 0x6820},
	GuestCSSelector:           {"GuestCSSelector", 0x0802},
	GuestCSBase:               {"GuestCSBase", 0x6808},
	GuestCSLimit:              {"GuestCSLimit", 0x4802},
	GuestCSAccessRights:       {"GuestCSAccessRights", 0x4816},
	GuestSSSelector:           {"GuestSSSelector", 0x0804},
	GuestSSAccessRights:       {"GuestSSAccessRights", 0x4818},
	GuestTRSelector:           {"GuestTRSelector", 0x080e},
	GuestTRBase:               {"GuestTRBase", 0x6814},
	GuestGDTRBase:             {"GuestGDTRBase", 0x6816},
	GuestIDTRBase:             {"GuestIDTRBase", 0x6818},
	GuestInterruptibility:     {"GuestInterruptibility", 0x4824},
	GuestActivityState:        {"GuestActivityState", 0x4826},
	GuestSysenterCS:           {"GuestSysenterCS", 0x482a},
	GuestSysenterESP:          {"GuestSysenterESP", 0x6824},
	GuestSysenterEIP:          {"GuestSysenterEIP", 0x6826},
	GuestIA32PAT:              {"GuestIA32PAT", 0x2804},
	GuestIA32EFER:             {"GuestIA32EFER", 0x2806},
	HostCR0:                   {"HostCR0", 0x6c00},
	HostCR3:                   {"HostCR3", 0x6c02},
	HostCR4:                   {"HostCR4", 0x6c04},
	HostRSP:                   {"HostRSP", 0x6c14},
	HostRIP:                   {"HostRIP", 0x6c16},
	HostTRBase:                {"HostTRBase", 0x6c0a},
	HostGDTRBase:              {"HostGDTRBase", 0x6c0c},
	HostIDTRBase:              {"HostIDTRBase", 0x6c0e},
	HostIA32PAT:               {"HostIA32PAT", 0x2c00},
	HostIA32EFER:              {"HostIA32EFER", 0x2c02},
}

// Encoding returns the hardware encoding of f.
func (f Field) Encoding() uint32 {
	return fields[f].encoding
}

// String implements fmt.Stringer.String.
func (f Field) String() string {
	if f < 0 || f >= NumFields {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return fields[f].name
}

// ReadOnly returns true for VM-exit information fields, which software
// cannot write.
func (f Field) ReadOnly() bool {
	return f >= VMInstructionError && f <= GuestPhysicalAddress
}

// IsGuestState returns true for guest-state fields, which the processor
// saves on every VM exit.
func (f Field) IsGuestState() bool {
	return f >= GuestCR0 && f <= GuestIA32EFER
}

// FieldByEncoding returns the field with the given hardware encoding.
func FieldByEncoding(enc uint32) (Field, bool) {
	for i := range fields {
		if fields[i].encoding == enc {
			return Field(i), true
		}
	}
	return 0, false
}
