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

package sim

import (
	"fmt"

	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/platform"
)

// Memory is simulated physical memory starting at address zero.
type Memory struct {
	data []byte
}

var _ platform.Memory = (*Memory)(nil)

// NewMemory returns top bytes of zeroed memory.
func NewMemory(top hostarch.Addr) *Memory {
	return &Memory{data: make([]byte, top)}
}

// Top implements platform.Memory.Top.
func (m *Memory) Top() hostarch.Addr {
	return hostarch.Addr(len(m.data))
}

// Bytes implements platform.Memory.Bytes.
func (m *Memory) Bytes(addr hostarch.Addr, length uint64) []byte {
	end := uint64(addr) + length
	if end < uint64(addr) || end > uint64(len(m.data)) {
		panic(fmt.Sprintf("sim: access [%v, %#x) beyond top %v", addr, end, m.Top()))
	}
	return m.data[addr:end:end]
}

// Zero implements platform.Memory.Zero.
func (m *Memory) Zero(addr hostarch.Addr, length uint64) {
	clear(m.Bytes(addr, length))
}
