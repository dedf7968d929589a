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
	"evmm.dev/evmm/pkg/event"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
)

// cpuChain is the circular list of virtual CPUs bound to one physical CPU.
//
// Scheduling is cooperative and event triggered: the current virtual CPU
// changes only when the exit loop asks for it, never by preemption. Each
// chain is used only by its own physical CPU once the registry is frozen.
type cpuChain struct {
	head    handle.GCPU
	tail    handle.GCPU
	current handle.GCPU
	length  int
}

func (r *Registry) link(c *GCPU) {
	ch := &r.cpus[c.cpu]
	if ch.head == handle.NoGCPU {
		ch.head = c.handle
	} else {
		r.gcpus[ch.tail].next = c.handle
	}
	ch.tail = c.handle
	ch.length++
}

// nextOf returns the virtual CPU after h on its chain, wrapping around.
func (r *Registry) nextOf(h handle.GCPU) handle.GCPU {
	c := r.gcpus[h]
	if c.next == handle.NoGCPU {
		return r.cpus[c.cpu].head
	}
	return c.next
}

// Current returns the virtual CPU running on cpu, or NoGCPU before
// ScheduleInitial.
func (r *Registry) Current(cpu int) handle.GCPU {
	return r.cpus[cpu].current
}

// ChainLength returns the number of virtual CPUs bound to cpu.
func (r *Registry) ChainLength(cpu int) int {
	return r.cpus[cpu].length
}

// ScheduleNext advances cpu's chain and returns the new current virtual
// CPU. It does not touch hardware state: the caller switches the VMCS and
// transfers registers.
func (r *Registry) ScheduleNext(cpu int) handle.GCPU {
	ch := &r.cpus[cpu]
	halt.Assert(ch.current != handle.NoGCPU, "guest: ScheduleNext on CPU %d before ScheduleInitial", cpu)
	ch.current = r.nextOf(ch.current)
	return ch.current
}

// ScheduleTo advances the chain of h's physical CPU with ScheduleNext until
// h is current, and returns the number of steps taken. A world switch uses
// it to land on the target of a monitor call.
func (r *Registry) ScheduleTo(h handle.GCPU) int {
	c := r.GCPU(h)
	ch := &r.cpus[c.cpu]
	halt.Check(ch.current != handle.NoGCPU, "guest: switch to %v on CPU %d before ScheduleInitial", h, c.cpu)
	n := 0
	for ch.current != h {
		r.ScheduleNext(c.cpu)
		n++
	}
	return n
}

// ScheduleInitial chooses the first virtual CPU to run on cpu. It runs once
// per physical CPU at boot. The default is the first virtual CPU bound to
// cpu; InitialSchedule handlers may choose another, e.g. so that a TEE
// launches before the rich OS.
func (r *Registry) ScheduleInitial(cpu int) handle.GCPU {
	ch := &r.cpus[cpu]
	halt.Check(ch.head != handle.NoGCPU, "guest: no gcpu on CPU %d", cpu)
	halt.Check(ch.current == handle.NoGCPU, "guest: CPU %d scheduled twice", cpu)
	d := &event.InitialScheduleData{CPU: cpu, GCPU: ch.head}
	r.bus.Raise(handle.NoGCPU, event.InitialSchedule, d)
	halt.Check(d.GCPU.Valid() && int(d.GCPU) < len(r.gcpus) && r.gcpus[d.GCPU].cpu == cpu,
		"guest: initial gcpu %v not bound to CPU %d", d.GCPU, cpu)
	ch.current = d.GCPU
	return d.GCPU
}

// ForEachOnCPU calls fn for every virtual CPU bound to cpu, in chain order.
func (r *Registry) ForEachOnCPU(cpu int, fn func(c *GCPU)) {
	for h := r.cpus[cpu].head; h != handle.NoGCPU; h = r.gcpus[h].next {
		fn(r.gcpus[h])
	}
}
