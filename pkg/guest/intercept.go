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
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
)

// CRWriteHandler vets a guest write to a control register. It returns the
// value to install, or false to refuse the write with #GP. old is the
// value the guest currently sees.
type CRWriteHandler func(gcpu handle.GCPU, old, value uint64) (uint64, bool)

type crIntercept struct {
	mask    uint64
	handler CRWriteHandler
}

// interceptTable is a guest's write-intercept table for one control
// register. Handlers run in registration order, each seeing the value
// returned by the one before.
type interceptTable struct {
	entries []crIntercept
	mask    uint64
}

func (t *interceptTable) add(mask uint64, h CRWriteHandler) {
	t.entries = append(t.entries, crIntercept{mask: mask, handler: h})
	t.mask |= mask
}

func (t *interceptTable) run(gcpu handle.GCPU, old, value uint64) (uint64, bool) {
	changed := old ^ value
	for _, e := range t.entries {
		if changed&e.mask == 0 {
			continue
		}
		v, ok := e.handler(gcpu, old, value)
		if !ok {
			return 0, false
		}
		value = v
	}
	return value, true
}

// AddCR0Intercept registers h for guest writes that change any bit in
// mask.
func (r *Registry) AddCR0Intercept(id handle.Guest, mask uint64, h CRWriteHandler) {
	halt.Check(!r.frozen, "guest: CR0 intercept after freeze")
	halt.Check(h != nil && mask != 0, "guest: invalid CR0 intercept")
	r.Guest(id).cr0.add(mask, h)
}

// AddCR4Intercept registers h for guest writes that change any bit in
// mask.
func (r *Registry) AddCR4Intercept(id handle.Guest, mask uint64, h CRWriteHandler) {
	halt.Check(!r.frozen, "guest: CR4 intercept after freeze")
	halt.Check(h != nil && mask != 0, "guest: invalid CR4 intercept")
	r.Guest(id).cr4.add(mask, h)
}

// CR0Mask returns the bits of CR0 owned by the hypervisor.
func (g *Guest) CR0Mask() uint64 { return g.cr0.mask }

// CR4Mask returns the bits of CR4 owned by the hypervisor.
func (g *Guest) CR4Mask() uint64 { return g.cr4.mask }

// WriteCR0 runs the CR0 intercept table for a guest write.
func (g *Guest) WriteCR0(gcpu handle.GCPU, old, value uint64) (uint64, bool) {
	return g.cr0.run(gcpu, old, value)
}

// WriteCR4 runs the CR4 intercept table for a guest write.
func (g *Guest) WriteCR4(gcpu handle.GCPU, old, value uint64) (uint64, bool) {
	return g.cr4.run(gcpu, old, value)
}
