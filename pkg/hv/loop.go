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

package hv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"evmm.dev/evmm/pkg/event"
	"evmm.dev/evmm/pkg/guest"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/log"
	"evmm.dev/evmm/pkg/mitigation"
	"evmm.dev/evmm/pkg/platform"
	"evmm.dev/evmm/pkg/tee"
	"evmm.dev/evmm/pkg/vmcs"
	"evmm.dev/evmm/pkg/vmexit"
)

var errAPsPending = errors.New("application processors pending")

// Run starts the application processors and runs the exit loop of every
// CPU, the bootstrap processor's on the calling goroutine. It returns when
// all loops have stopped, with the first halt or error of any of them.
//
// The application processors must all report within the configured
// startup timeout, measured with the bootstrap processor's time stamp
// counter. Otherwise Run halts without entering any guest.
func (r *Runtime) Run(ctx context.Context) error {
	halt.Check(r.started.CompareAndSwap(false, true), "hv: run twice")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	release := make(chan struct{})
	for i := 1; i < len(r.cpus); i++ {
		done := make(chan error, 1)
		r.machine.StartAP(i, func(c platform.CPU) {
			r.apsUp.Add(1)
			<-release
			done <- r.runCPU(ctx, c)
		})
		g.Go(func() error { return <-done })
	}

	bsp := r.machine.CPU(0)
	if err := r.waitAPs(bsp); err != nil {
		halt.Fatalf("hv: %v", err)
	}
	log.Infof("hv: %d application processors up", r.apsUp.Load())
	close(release)

	if err := r.runCPU(ctx, bsp); err != nil {
		cancel()
		g.Wait()
		return err
	}
	return g.Wait()
}

// waitAPs polls until every application processor reported or the startup
// timeout expired.
func (r *Runtime) waitAPs(bsp platform.CPU) error {
	want := int32(len(r.cpus) - 1)
	timeout := r.desc.TSCTicks(r.cfg.APStartupTimeoutMs)
	deadline := bsp.Rdtsc() + timeout
	b := &backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Microsecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Millisecond,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	op := func() error {
		up := r.apsUp.Load()
		if up == want {
			return nil
		}
		if bsp.Rdtsc() >= deadline {
			return backoff.Permanent(fmt.Errorf("%d of %d application processors started within %d TSC ticks", up, want, timeout))
		}
		return errAPsPending
	}
	return backoff.Retry(op, b)
}

// runCPU is the exit loop of one CPU. A halt on the CPU is returned as an
// error once the CPU stopped answering other CPUs.
func (r *Runtime) runCPU(ctx context.Context, c platform.CPU) (err error) {
	defer func() {
		if p := recover(); p != nil {
			e, ok := p.(*halt.Error)
			if !ok {
				panic(p)
			}
			err = e
		}
	}()

	id := c.ID()
	r.hmm.Enable(c)
	r.ipc.Online(id)
	defer r.ipc.Offline(id)
	r.mit.SetOnline(id, true)
	defer r.mit.SetOnline(id, false)

	r.reg.ForEachOnCPU(id, func(g *guest.GCPU) {
		r.bus.Raise(g.Handle(), event.GCPUInit, &event.GCPUInitData{Guest: g.Guest(), CPU: id})
	})
	cur := r.reg.GCPU(r.reg.ScheduleInitial(id))
	r.msrs.Swap(c, handle.NoGCPU, cur.Handle())
	cur.VMCS().Activate(id, c)
	log.Debugf("hv: CPU %d starting with %v", id, cur)

	hc := &r.cpus[id]
	for !r.done(ctx, hc) {
		r.ipc.Serve(id)
		r.mit.Poll(id)

		v := cur.VMCS()
		v.Flush()
		launch := !v.Launched()
		if e := c.Enter(launch, &cur.Regs); e != vmcs.ErrNone {
			halt.WithDump(v.Dump(), "hv: CPU %d: entry to %v failed: %v", id, cur, e)
		}
		if launch {
			v.SetLaunched()
		}
		v.ClearVolatile()
		hc.exits.Add(1)
		r.exits.Dispatch(&vmexit.Context{
			CPU:   c,
			GCPU:  cur,
			Guest: r.reg.Guest(cur.Guest()),
		})

		if next := r.reg.Current(id); next != cur.Handle() {
			// The outgoing VMCS is still current in hardware.
			v.Flush()
			cur = r.reg.GCPU(next)
			cur.VMCS().Activate(id, c)
			hc.switches.Add(1)
		}
	}
	log.Debugf("hv: CPU %d stopped after %d exits", id, hc.exits.Load())
	return nil
}

func (r *Runtime) done(ctx context.Context, hc *hostCPU) bool {
	switch {
	case ctx.Err() != nil:
		return true
	case r.opts.MaxExits != 0 && hc.exits.Load() >= r.opts.MaxExits:
		return true
	case r.opts.MaxSwitches != 0 && hc.switches.Load() >= r.opts.MaxSwitches:
		return true
	}
	return false
}

// CPUStats counts the activity of one CPU.
type CPUStats struct {
	Exits         uint64
	WorldSwitches uint64
	CallsServed   uint64
	ExitsByReason map[vmexit.Reason]uint64
	TEE           tee.Stats
	Mitigation    mitigation.Stats
}

// Stats returns the counters of cpu.
func (r *Runtime) Stats(cpu int) CPUStats {
	hc := &r.cpus[cpu]
	s := CPUStats{
		Exits:         hc.exits.Load(),
		WorldSwitches: hc.switches.Load(),
		CallsServed:   r.ipc.Served(cpu),
		ExitsByReason: make(map[vmexit.Reason]uint64),
		TEE:           r.tees.Stats(cpu),
		Mitigation:    r.mit.Stats(cpu),
	}
	for reason := vmexit.Reason(0); reason < vmexit.NumReasons; reason++ {
		if n := r.exits.Count(cpu, reason); n != 0 {
			s.ExitsByReason[reason] = n
		}
	}
	return s
}
