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

// Package arch holds x86-64 architectural definitions shared by the
// hypervisor: general purpose registers, MSR indices, control register bits
// and exception vectors.
package arch

import (
	"fmt"
	"strings"
)

// Reg is a general purpose register, numbered as in VM-exit qualifications
// and instruction encodings.
type Reg int

// General purpose registers.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// NumGPRs is the number of general purpose registers.
	NumGPRs
)

var regNames = [NumGPRs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String implements fmt.Stringer.String.
func (r Reg) String() string {
	if r < 0 || r >= NumGPRs {
		return fmt.Sprintf("reg(%d)", int(r))
	}
	return regNames[r]
}

// ParseReg parses a lower- or upper-case register name.
func ParseReg(name string) (Reg, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range regNames {
		if s == n {
			return Reg(i), nil
		}
	}
	return 0, fmt.Errorf("unknown register %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (r Reg) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so register lists can
// be written by name in configuration files.
func (r *Reg) UnmarshalText(b []byte) error {
	v, err := ParseReg(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// GPRs is the general purpose register file of a vCPU. RSP is kept in the
// VMCS while the vCPU runs; the slot here holds it only across transfers.
type GPRs [NumGPRs]uint64

// Get returns register r.
func (g *GPRs) Get(r Reg) uint64 {
	return g[r]
}

// Set sets register r.
func (g *GPRs) Set(r Reg, v uint64) {
	g[r] = v
}

// Clear zeroes every register.
func (g *GPRs) Clear() {
	*g = GPRs{}
}

// String implements fmt.Stringer.String.
func (g *GPRs) String() string {
	var b strings.Builder
	for i, v := range g {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%#x", Reg(i), v)
	}
	return b.String()
}
