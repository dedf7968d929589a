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

package mitigation

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"evmm.dev/evmm/pkg/event"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/platform/sim"
)

func raise(bus *event.Bus, kind event.Kind, cpu int) {
	bus.Raise(handle.NoGCPU, kind, &event.WorldSwitchData{CPU: cpu, From: 0, To: 1})
}

func TestFlushesWithoutSibling(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 1})
	bus := event.NewBus()
	mit := New(m, Config{L1TF: true, MDS: true})
	mit.Install(bus)

	raise(bus, event.BeforeSecure, 0)
	raise(bus, event.AfterSecure, 0)
	st := m.SimCPU(0).Stats()
	got := []uint64{st.L1DFlushes, st.BufferClears}
	// L1D is flushed only when leaving the secure world.
	if diff := cmp.Diff([]uint64{1, 2}, got); diff != "" {
		t.Errorf("flushes mismatch (-want +got):\n%s", diff)
	}
}

func TestDisabledInstallsNothing(t *testing.T) {
	bus := event.NewBus()
	New(sim.New(sim.Config{CPUs: 1}), Config{}).Install(bus)
	if bus.Count(event.BeforeSecure) != 0 || bus.Count(event.AfterSecure) != 0 {
		t.Errorf("disabled mitigations registered callbacks")
	}
}

func TestSiblingParks(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 2, ThreadsPerCore: 2})
	bus := event.NewBus()
	mit := New(m, Config{L1TF: true, MDS: true})
	mit.Install(bus)
	mit.SetOnline(1, true)

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			mit.Poll(1)
		}
	}()
	raise(bus, event.BeforeSecure, 0)
	raise(bus, event.AfterSecure, 0)
	stop.Store(true)
	wg.Wait()

	if got := mit.Stats(1).Parked; got != 2 {
		t.Errorf("sibling parked %d times, want 2", got)
	}
	if got := mit.Stats(0).Rendezvous; got != 2 {
		t.Errorf("rendezvous = %d, want 2", got)
	}
	if got := m.SimCPU(1).Stats().BufferClears; got != 2 {
		t.Errorf("sibling buffer clears = %d, want 2", got)
	}
}

func TestOfflineSiblingNotWaited(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 2, ThreadsPerCore: 2})
	mit := New(m, Config{MDS: true, SpinLimit: 10})
	gen := mit.Rendezvous(0)
	mit.Release(0, gen)
	if got := mit.Stats(1).Parked; got != 0 {
		t.Errorf("offline sibling parked")
	}
}

func TestUnresponsiveSiblingHalts(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 2, ThreadsPerCore: 2})
	mit := New(m, Config{MDS: true, SpinLimit: 100})
	mit.SetOnline(1, true)
	if halt.Catch(func() { mit.Rendezvous(0) }) == nil {
		t.Errorf("rendezvous with a silent sibling did not halt")
	}
}

func TestConcurrentRendezvous(t *testing.T) {
	m := sim.New(sim.Config{CPUs: 2, ThreadsPerCore: 2})
	mit := New(m, Config{MDS: true})
	mit.SetOnline(0, true)
	mit.SetOnline(1, true)

	var finished atomic.Int32
	var wg sync.WaitGroup
	for cpu := 0; cpu < 2; cpu++ {
		cpu := cpu
		wg.Add(1)
		go func() {
			defer wg.Done()
			mit.Release(cpu, mit.Rendezvous(cpu))
			// Keep answering the sibling, as an exit loop would.
			finished.Add(1)
			for finished.Load() < 2 {
				mit.Poll(cpu)
			}
		}()
	}
	wg.Wait()
	for cpu := 0; cpu < 2; cpu++ {
		if got := mit.Stats(cpu).Rendezvous; got != 1 {
			t.Errorf("CPU %d rendezvous = %d, want 1", cpu, got)
		}
	}
}
