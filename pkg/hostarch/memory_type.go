// Copyright 2025 The gVisor Authors.
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

package hostarch

import "fmt"

// MemoryType specifies CPU memory access behavior. Values are the x86
// architectural encodings shared by IA32_PAT entries, MTRRs and EPT leaf
// entries.
type MemoryType uint8

const (
	// MemoryTypeUncached is strong uncacheable (UC).
	MemoryTypeUncached MemoryType = 0

	// MemoryTypeWriteCombine is write-combining (WC).
	MemoryTypeWriteCombine MemoryType = 1

	// MemoryTypeWriteThrough is write-through (WT).
	MemoryTypeWriteThrough MemoryType = 4

	// MemoryTypeWriteProtect is write-protected (WP).
	MemoryTypeWriteProtect MemoryType = 5

	// MemoryTypeWriteBack is write-back (WB), the only type the hypervisor
	// uses for its own memory.
	MemoryTypeWriteBack MemoryType = 6

	// MemoryTypeUncachedMinus is UC-, valid only in the PAT.
	MemoryTypeUncachedMinus MemoryType = 7
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeUncached:
		return "Uncached"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeWriteThrough:
		return "WriteThrough"
	case MemoryTypeWriteProtect:
		return "WriteProtect"
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeUncachedMinus:
		return "Uncached-"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeUncached:
		return "UC"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeWriteThrough:
		return "WT"
	case MemoryTypeWriteProtect:
		return "WP"
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeUncachedMinus:
		return "U-"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

// PATValue returns the IA32_PAT value whose entry 0 is mt and whose remaining
// entries hold the power-on defaults.
func PATValue(mt MemoryType) uint64 {
	const powerOnDefault = 0x0007040600070406
	return (powerOnDefault &^ 0xff) | uint64(mt)
}
