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

// Package ipc runs functions on other physical CPUs.
//
// Each CPU has a mailbox that its exit loop drains before every VM entry.
// A caller that is itself an exit loop keeps draining its own mailbox while
// it waits, so two CPUs calling each other do not deadlock.
package ipc

import (
	"runtime"
	"sync"
	"sync/atomic"

	"evmm.dev/evmm/pkg/platform"
)

// NoCPU is passed as self by callers that are not running an exit loop.
const NoCPU = -1

// Func runs on the target CPU.
type Func func(cpu platform.CPU)

type request struct {
	fn   Func
	done atomic.Bool
}

type mailbox struct {
	mu     sync.Mutex
	queue  []*request
	online bool

	// pending is set while queue is non-empty, so Serve can skip the lock.
	pending atomic.Bool
	served  atomic.Uint64
}

// Dispatcher holds the mailboxes of a machine.
type Dispatcher struct {
	machine platform.Machine
	boxes   []mailbox

	// idle runs on a CPU waiting for its calls to finish.
	idle func(cpu int)
}

// New returns a dispatcher for m. All CPUs start offline.
func New(m platform.Machine) *Dispatcher {
	return &Dispatcher{
		machine: m,
		boxes:   make([]mailbox, m.NumCPUs()),
	}
}

// SetIdle sets a function run repeatedly by a CPU while it waits for a
// call, so that the waiter keeps answering other cross-CPU protocols. It
// must be set before any CPU goes online.
func (d *Dispatcher) SetIdle(fn func(cpu int)) {
	d.idle = fn
}

// Online marks cpu as serving its mailbox. It is called by cpu's exit loop
// before its first entry.
func (d *Dispatcher) Online(cpu int) {
	b := &d.boxes[cpu]
	b.mu.Lock()
	b.online = true
	b.mu.Unlock()
}

// Offline stops cpu from accepting calls and runs the ones already queued.
// It is called by cpu's exit loop when it stops.
func (d *Dispatcher) Offline(cpu int) {
	b := &d.boxes[cpu]
	b.mu.Lock()
	b.online = false
	b.mu.Unlock()
	d.Serve(cpu)
}

// IsOnline returns true if cpu accepts calls.
func (d *Dispatcher) IsOnline(cpu int) bool {
	b := &d.boxes[cpu]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// Served returns the number of calls cpu has run.
func (d *Dispatcher) Served(cpu int) uint64 {
	return d.boxes[cpu].served.Load()
}

// Serve runs every call queued for cpu. It must be called on cpu.
func (d *Dispatcher) Serve(cpu int) int {
	b := &d.boxes[cpu]
	if !b.pending.Load() {
		return 0
	}
	b.mu.Lock()
	queue := b.queue
	b.queue = nil
	b.pending.Store(false)
	b.mu.Unlock()

	c := d.machine.CPU(cpu)
	for _, r := range queue {
		r.fn(c)
		b.served.Add(1)
		r.done.Store(true)
	}
	return len(queue)
}

func (d *Dispatcher) post(target int, fn Func) (*request, bool) {
	b := &d.boxes[target]
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.online {
		return nil, false
	}
	r := &request{fn: fn}
	b.queue = append(b.queue, r)
	b.pending.Store(true)
	return r, true
}

func (d *Dispatcher) wait(self int, reqs []*request) {
	for _, r := range reqs {
		for !r.done.Load() {
			if self == NoCPU {
				runtime.Gosched()
				continue
			}
			d.Serve(self)
			if d.idle != nil {
				d.idle(self)
			}
			d.machine.CPU(self).Pause()
		}
	}
}

// Call runs fn on target and waits for it to finish. self is the calling
// CPU or NoCPU. Call returns false if target is offline.
func (d *Dispatcher) Call(self, target int, fn Func) bool {
	if self == target {
		fn(d.machine.CPU(self))
		return true
	}
	r, ok := d.post(target, fn)
	if !ok {
		return false
	}
	d.wait(self, []*request{r})
	return true
}

// Broadcast runs fn on every online CPU, including self, and waits for all
// of them. It returns the number of CPUs that ran fn.
func (d *Dispatcher) Broadcast(self int, fn Func) int {
	var reqs []*request
	for i := range d.boxes {
		if i == self {
			continue
		}
		if r, ok := d.post(i, fn); ok {
			reqs = append(reqs, r)
		}
	}
	n := len(reqs)
	if self != NoCPU {
		fn(d.machine.CPU(self))
		n++
	}
	d.wait(self, reqs)
	return n
}
