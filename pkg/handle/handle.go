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

// Package handle defines the integer handles used to refer to guests and
// virtual CPUs. The guest registry owns the records; other packages hold
// only handles.
package handle

import "fmt"

// Guest identifies a guest. Guest 0 is the rich OS.
type Guest int

// REE is the rich execution environment guest.
const REE Guest = 0

// String implements fmt.Stringer.String.
func (g Guest) String() string {
	return fmt.Sprintf("guest%d", int(g))
}

// GCPU identifies a virtual CPU across all guests.
type GCPU int

// NoGCPU is the handle used when no virtual CPU is involved.
const NoGCPU GCPU = -1

// Valid returns true if g refers to a virtual CPU.
func (g GCPU) Valid() bool {
	return g >= 0
}

// String implements fmt.Stringer.String.
func (g GCPU) String() string {
	if !g.Valid() {
		return "gcpu(none)"
	}
	return fmt.Sprintf("gcpu%d", int(g))
}
