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

// Package event is the registry of lifecycle and VM-exit event callbacks.
//
// Callbacks are registered during single-threaded bring-up. Freeze ends
// registration; afterwards the registry is read without locking from every
// CPU.
package event

import (
	"fmt"
	"sync/atomic"

	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/hostarch"
)

// Kind is an event kind.
type Kind int

// Event kinds.
const (
	// GuestInit is raised once per guest after creation. Payload *GuestInitData.
	GuestInit Kind = iota

	// GCPUInit is raised once per virtual CPU on its physical CPU before
	// the first entry. Payload *GCPUInitData.
	GCPUInit

	// InitialSchedule is raised once per physical CPU to choose the first
	// virtual CPU to run. Payload *InitialScheduleData.
	InitialSchedule

	// EPTViolation is raised on an EPT violation. Payload *EPTViolationData.
	EPTViolation

	// SIPI is raised when a virtual CPU receives a startup IPI. Payload
	// *SIPIData.
	SIPI

	// MSRAccess is raised on an intercepted MSR read or write that no
	// built-in handler consumed. Payload *MSRAccessData.
	MSRAccess

	// BeforeSecure is raised on the physical CPU about to run a TEE guest.
	// Payload *WorldSwitchData.
	BeforeSecure

	// AfterSecure is raised on the physical CPU about to return to a
	// non-secure guest. Payload *WorldSwitchData.
	AfterSecure

	// FatalError is raised before the processor halts so that sensitive
	// data can be wiped. Payload *FatalErrorData.
	FatalError

	// NumKinds is the number of event kinds.
	NumKinds
)

var kindNames = [NumKinds]string{
	GuestInit:       "GuestInit",
	GCPUInit:        "GCPUInit",
	InitialSchedule: "InitialSchedule",
	EPTViolation:    "EPTViolation",
	SIPI:            "SIPI",
	MSRAccess:       "MSRAccess",
	BeforeSecure:    "BeforeSecure",
	AfterSecure:     "AfterSecure",
	FatalError:      "FatalError",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if k < 0 || k >= NumKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// GuestInitData is the payload of GuestInit.
type GuestInitData struct {
	Guest handle.Guest
}

// GCPUInitData is the payload of GCPUInit.
type GCPUInitData struct {
	Guest handle.Guest
	CPU   int
}

// InitialScheduleData is the payload of InitialSchedule. GCPU starts as the
// scheduler's default choice; a handler may replace it.
type InitialScheduleData struct {
	CPU  int
	GCPU handle.GCPU
}

// EPTViolationData is the payload of EPTViolation.
type EPTViolationData struct {
	GPA           hostarch.Addr
	GVA           hostarch.Addr
	Qualification uint64

	// Handled is set by the handler that resolved the violation.
	Handled bool
}

// SIPIData is the payload of SIPI.
type SIPIData struct {
	Vector  uint8
	Handled bool
}

// MSRAccessData is the payload of MSRAccess.
type MSRAccessData struct {
	MSR   uint32
	Write bool

	// Value is the written value, or is set by the handler of a read.
	Value uint64

	Handled bool

	// Fault requests a #GP in the guest.
	Fault bool
}

// WorldSwitchData is the payload of BeforeSecure and AfterSecure.
type WorldSwitchData struct {
	CPU  int
	From handle.GCPU
	To   handle.GCPU
}

// FatalErrorData is the payload of FatalError.
type FatalErrorData struct {
	Reason string
}

// Callback handles an event. gcpu is NoGCPU for events not tied to a
// virtual CPU. All callbacks for one raise share the payload.
type Callback func(gcpu handle.GCPU, payload any)

// Bus maps event kinds to callback chains.
type Bus struct {
	chains [NumKinds][]Callback
	frozen atomic.Bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register appends cb to the chain for kind. It must be called before
// Freeze.
func (b *Bus) Register(kind Kind, cb Callback) {
	halt.Check(cb != nil, "event: nil callback for %v", kind)
	halt.Check(kind >= 0 && kind < NumKinds, "event: invalid kind %v", kind)
	halt.Check(!b.frozen.Load(), "event: %v registered after freeze", kind)
	b.chains[kind] = append(b.chains[kind], cb)
}

// Freeze ends registration.
func (b *Bus) Freeze() {
	b.frozen.Store(true)
}

// Frozen returns true after Freeze.
func (b *Bus) Frozen() bool {
	return b.frozen.Load()
}

// Count returns the number of callbacks registered for kind.
func (b *Bus) Count(kind Kind) int {
	return len(b.chains[kind])
}

// Raise calls every callback registered for kind, most recently registered
// first. There is no early exit: handlers report results through payload.
func (b *Bus) Raise(gcpu handle.GCPU, kind Kind, payload any) {
	halt.Assert(kind >= 0 && kind < NumKinds, "event: invalid kind %v", kind)
	chain := b.chains[kind]
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i](gcpu, payload)
	}
}

// WipeOnHalt raises FatalError from the halt path until the returned
// function is called.
func (b *Bus) WipeOnHalt() (remove func()) {
	return halt.AddHook(func(reason string) {
		b.Raise(handle.NoGCPU, FatalError, &FatalErrorData{Reason: reason})
	})
}
