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

import "fmt"

// Reason is a basic VM-exit reason, as encoded by hardware in bits 15:0 of
// the exit reason field.
type Reason uint16

// Basic exit reasons.
const (
	ExceptionOrNMI        Reason = 0
	ExternalInterrupt     Reason = 1
	TripleFault           Reason = 2
	INITSignal            Reason = 3
	SIPI                  Reason = 4
	IOSMI                 Reason = 5
	OtherSMI              Reason = 6
	InterruptWindow       Reason = 7
	NMIWindow             Reason = 8
	TaskSwitch            Reason = 9
	CPUID                 Reason = 10
	GETSEC                Reason = 11
	HLT                   Reason = 12
	INVD                  Reason = 13
	INVLPG                Reason = 14
	RDPMC                 Reason = 15
	RDTSC                 Reason = 16
	RSM                   Reason = 17
	VMCALL                Reason = 18
	VMCLEAR               Reason = 19
	VMLAUNCH              Reason = 20
	VMPTRLD               Reason = 21
	VMPTRST               Reason = 22
	VMREAD                Reason = 23
	VMRESUME              Reason = 24
	VMWRITE               Reason = 25
	VMXOFF                Reason = 26
	VMXON                 Reason = 27
	CRAccess              Reason = 28
	DRAccess              Reason = 29
	IOInstruction         Reason = 30
	RDMSR                 Reason = 31
	WRMSR                 Reason = 32
	EntryFailGuestState   Reason = 33
	EntryFailMSRLoading   Reason = 34
	MWAIT                 Reason = 36
	MonitorTrapFlag       Reason = 37
	MONITOR               Reason = 39
	PAUSE                 Reason = 40
	EntryFailMachineCheck Reason = 41
	TPRBelowThreshold     Reason = 43
	APICAccess            Reason = 44
	VirtualizedEOI        Reason = 45
	GDTRIDTRAccess        Reason = 46
	LDTRTRAccess          Reason = 47
	EPTViolation          Reason = 48
	EPTMisconfig          Reason = 49
	INVEPT                Reason = 50
	RDTSCP                Reason = 51
	PreemptionTimer       Reason = 52
	INVVPID               Reason = 53
	WBINVD                Reason = 54
	XSETBV                Reason = 55
	APICWrite             Reason = 56
	RDRAND                Reason = 57
	INVPCID               Reason = 58
	VMFUNC                Reason = 59
	ENCLS                 Reason = 60
	RDSEED                Reason = 61
	PMLFull               Reason = 62
	XSAVES                Reason = 63
	XRSTORS               Reason = 64

	// NumReasons bounds the reason table.
	NumReasons = 65
)

// EntryFailure is set in the exit reason field when VM entry failed.
const EntryFailure = 1 << 31

var reasonNames = map[Reason]string{
	ExceptionOrNMI:        "ExceptionOrNMI",
	ExternalInterrupt:     "ExternalInterrupt",
	TripleFault:           "TripleFault",
	INITSignal:            "INIT",
	SIPI:                  "SIPI",
	IOSMI:                 "IOSMI",
	OtherSMI:              "OtherSMI",
	InterruptWindow:       "InterruptWindow",
	NMIWindow:             "NMIWindow",
	TaskSwitch:            "TaskSwitch",
	CPUID:                 "CPUID",
	GETSEC:                "GETSEC",
	HLT:                   "HLT",
	INVD:                  "INVD",
	INVLPG:                "INVLPG",
	RDPMC:                 "RDPMC",
	RDTSC:                 "RDTSC",
	RSM:                   "RSM",
	VMCALL:                "VMCALL",
	VMCLEAR:               "VMCLEAR",
	VMLAUNCH:              "VMLAUNCH",
	VMPTRLD:               "VMPTRLD",
	VMPTRST:               "VMPTRST",
	VMREAD:                "VMREAD",
	VMRESUME:              "VMRESUME",
	VMWRITE:               "VMWRITE",
	VMXOFF:                "VMXOFF",
	VMXON:                 "VMXON",
	CRAccess:              "CRAccess",
	DRAccess:              "DRAccess",
	IOInstruction:         "IOInstruction",
	RDMSR:                 "RDMSR",
	WRMSR:                 "WRMSR",
	EntryFailGuestState:   "EntryFailGuestState",
	EntryFailMSRLoading:   "EntryFailMSRLoading",
	MWAIT:                 "MWAIT",
	MonitorTrapFlag:       "MonitorTrapFlag",
	MONITOR:               "MONITOR",
	PAUSE:                 "PAUSE",
	EntryFailMachineCheck: "EntryFailMachineCheck",
	TPRBelowThreshold:     "TPRBelowThreshold",
	APICAccess:            "APICAccess",
	VirtualizedEOI:        "VirtualizedEOI",
	GDTRIDTRAccess:        "GDTRIDTRAccess",
	LDTRTRAccess:          "LDTRTRAccess",
	EPTViolation:          "EPTViolation",
	EPTMisconfig:          "EPTMisconfig",
	INVEPT:                "INVEPT",
	RDTSCP:                "RDTSCP",
	PreemptionTimer:       "PreemptionTimer",
	INVVPID:               "INVVPID",
	WBINVD:                "WBINVD",
	XSETBV:                "XSETBV",
	APICWrite:             "APICWrite",
	RDRAND:                "RDRAND",
	INVPCID:               "INVPCID",
	VMFUNC:                "VMFUNC",
	ENCLS:                 "ENCLS",
	RDSEED:                "RDSEED",
	PMLFull:               "PMLFull",
	XSAVES:                "XSAVES",
	XRSTORS:               "XRSTORS",
}

// String implements fmt.Stringer.String.
func (r Reason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("Reason(%d)", uint16(r))
}

// IsEntryFailure returns true for reasons reported by a failed VM entry.
func (r Reason) IsEntryFailure() bool {
	switch r {
	case EntryFailGuestState, EntryFailMSRLoading, EntryFailMachineCheck:
		return true
	}
	return false
}
