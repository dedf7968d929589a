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

// Package mitigation clears microarchitectural state around secure world
// transitions.
//
// With L1TF enabled the L1 data cache is flushed when leaving the secure
// world. With MDS enabled CPU buffers are cleared on every transition. On a
// CPU with a hyperthread sibling, the sibling is parked in the hypervisor
// for the duration of the flush. A sibling that does not answer within the
// spin limit halts the processor.
package mitigation

import (
	"sync/atomic"

	"evmm.dev/evmm/pkg/event"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/log"
	"evmm.dev/evmm/pkg/platform"
)

// DefaultSpinLimit bounds rendezvous waits when Config.SpinLimit is zero.
const DefaultSpinLimit = 1 << 20

// Config selects mitigations.
type Config struct {
	L1TF bool
	MDS  bool

	// SpinLimit is the number of pauses a CPU waits for its sibling.
	SpinLimit int
}

// Enabled returns true if any mitigation is on.
func (c Config) Enabled() bool {
	return c.L1TF || c.MDS
}

type cpuState struct {
	// online is set while the CPU's exit loop polls.
	online atomic.Bool

	// request is the generation the sibling asked this CPU to park for.
	// ack is the last generation this CPU parked for. release is the
	// last generation the sibling finished.
	request atomic.Uint64
	ack     atomic.Uint64
	release atomic.Uint64

	// gen is the owner's own generation counter.
	gen uint64

	rendezvous atomic.Uint64
	parked     atomic.Uint64
}

// Mitigator applies mitigations on one machine.
type Mitigator struct {
	cfg     Config
	machine platform.Machine
	cpus    []cpuState
}

// New returns a Mitigator for m.
func New(m platform.Machine, cfg Config) *Mitigator {
	if cfg.SpinLimit <= 0 {
		cfg.SpinLimit = DefaultSpinLimit
	}
	return &Mitigator{
		cfg:     cfg,
		machine: m,
		cpus:    make([]cpuState, m.NumCPUs()),
	}
}

// Config returns the active configuration.
func (m *Mitigator) Config() Config {
	return m.cfg
}

// Install registers the world switch callbacks on bus.
func (m *Mitigator) Install(bus *event.Bus) {
	if !m.cfg.Enabled() {
		return
	}
	log.Infof("mitigation: L1TF=%t MDS=%t", m.cfg.L1TF, m.cfg.MDS)
	bus.Register(event.BeforeSecure, func(_ handle.GCPU, p any) {
		m.transition(p.(*event.WorldSwitchData).CPU, false)
	})
	bus.Register(event.AfterSecure, func(_ handle.GCPU, p any) {
		m.transition(p.(*event.WorldSwitchData).CPU, true)
	})
}

func (m *Mitigator) transition(cpu int, leaving bool) {
	gen := m.Rendezvous(cpu)
	c := m.machine.CPU(cpu)
	if leaving && m.cfg.L1TF {
		c.FlushL1D()
	}
	if m.cfg.MDS {
		c.ClearBuffers()
	}
	m.Release(cpu, gen)
}

// SetOnline marks cpu as polling. An offline sibling runs no guest and is
// not waited for.
func (m *Mitigator) SetOnline(cpu int, online bool) {
	m.cpus[cpu].online.Store(online)
}

// Poll parks cpu if its sibling requested it, until the sibling releases
// it. Exit loops call Poll before every VM entry.
func (m *Mitigator) Poll(cpu int) {
	s := &m.cpus[cpu]
	req := s.request.Load()
	if req == s.ack.Load() {
		return
	}
	s.parked.Add(1)
	s.ack.Store(req)
	c := m.machine.CPU(cpu)
	for i := 0; s.release.Load() < req; i++ {
		if i >= m.cfg.SpinLimit {
			halt.Fatalf("mitigation: CPU %d: sibling did not release generation %d", cpu, req)
		}
		c.Pause()
	}
	if m.cfg.MDS {
		c.ClearBuffers()
	}
}

// Rendezvous parks cpu's sibling and returns the generation to pass to
// Release. Without an online sibling it returns immediately.
func (m *Mitigator) Rendezvous(cpu int) uint64 {
	s := &m.cpus[cpu]
	s.rendezvous.Add(1)
	sib, ok := m.machine.CPU(cpu).Sibling()
	if !ok {
		return 0
	}
	o := &m.cpus[sib]
	s.gen++
	gen := s.gen
	o.request.Store(gen)

	c := m.machine.CPU(cpu)
	for i := 0; o.ack.Load() < gen; i++ {
		if !o.online.Load() {
			return gen
		}
		// A sibling rendezvousing at the same time is in the hypervisor
		// too; acknowledge it without parking.
		if req := s.request.Load(); req != s.ack.Load() {
			s.ack.Store(req)
		}
		if i >= m.cfg.SpinLimit {
			halt.Fatalf("mitigation: CPU %d: sibling %d did not rendezvous", cpu, sib)
		}
		c.Pause()
	}
	return gen
}

// Release lets cpu's sibling resume.
func (m *Mitigator) Release(cpu int, gen uint64) {
	if gen == 0 {
		return
	}
	sib, _ := m.machine.CPU(cpu).Sibling()
	m.cpus[sib].release.Store(gen)
}

// Stats counts rendezvous activity for one CPU.
type Stats struct {
	Rendezvous uint64
	Parked     uint64
}

// Stats returns cpu's counters.
func (m *Mitigator) Stats(cpu int) Stats {
	s := &m.cpus[cpu]
	return Stats{Rendezvous: s.rendezvous.Load(), Parked: s.parked.Load()}
}
