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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/google/subcommands"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/boot"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/hv"
	"evmm.dev/evmm/pkg/platform/sim"
	"evmm.dev/evmm/pkg/vmcall"
	"evmm.dev/evmm/pkg/vmcs"
	"evmm.dev/evmm/pkg/vmexit"
)

// sipiVector is the startup vector sent to waiting application processors.
const sipiVector = 0x9a

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	descriptor string
	switches   uint64
	exits      uint64
	dump       bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "run the hypervisor on a simulated machine"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot -descriptor <path> [flags]

Brings up the hypervisor on a simulated machine matching the boot
descriptor and runs every CPU until it performed -switches world switches
or -exits VM exits. The rich OS calls the first TEE in a loop and each TEE
returns immediately; application processors are started with a SIPI.
Per-CPU statistics are printed at the end.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.descriptor, "descriptor", "", "path to the boot descriptor.")
	f.Uint64Var(&b.switches, "switches", 8, "world switches per CPU before stopping.")
	f.Uint64Var(&b.exits, "exits", 1000, "VM exits per CPU before stopping.")
	f.BoolVar(&b.dump, "dump", false, "print the allocator and host page table state after the run.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if b.descriptor == "" || f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFrom(args)
	d, err := boot.Load(b.descriptor)
	if err != nil {
		return failure("%v", err)
	}
	m := newMachine(d)
	r, err := hv.New(conf, d, m, hv.Options{MaxSwitches: b.switches, MaxExits: b.exits})
	if err != nil {
		return failure("bring-up: %v", err)
	}
	defer r.Close()
	installWorkload(r, m)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if err := r.Run(ctx); err != nil {
		return failure("run: %v", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CPU\tEXITS\tSWITCHES\tTEE ENTRIES\tRENDEZVOUS\tPARKED\tIPC\tTOP EXIT")
	for cpu := 0; cpu < d.CPUs; cpu++ {
		s := r.Stats(cpu)
		top, topN := vmexit.Reason(0), uint64(0)
		for reason, n := range s.ExitsByReason {
			if n > topN || (n == topN && reason < top) {
				top, topN = reason, n
			}
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%v\n", cpu, s.Exits, s.WorldSwitches,
			s.TEE.Entries, s.Mitigation.Rendezvous, s.Mitigation.Parked, s.CallsServed, top)
	}
	tw.Flush()
	if b.dump {
		fmt.Print(r.Dump())
	}
	return subcommands.ExitSuccess
}

// installWorkload gives every virtual CPU a program: the rich OS calls the
// first TEE, and every TEE leaves with its own call.
func installWorkload(r *hv.Runtime, m *sim.Machine) {
	calls := make(map[handle.Guest]vmcall.ID)
	var enter vmcall.ID
	for i, t := range r.TEEs().TEEs() {
		calls[t.Guest()] = t.Config().Call
		if i == 0 {
			enter = t.Config().Call
		}
	}
	calls[handle.REE] = enter

	reg := r.Registry()
	for id := 0; id < reg.NumGuests(); id++ {
		g := reg.Guest(handle.Guest(id))
		call, ok := calls[g.ID()]
		for _, h := range g.GCPUs() {
			m.SetProgram(reg.GCPU(h).VMCS().Address(), workload(call, ok && call != 0))
		}
	}
}

func workload(call vmcall.ID, calls bool) sim.Program {
	return func(g *sim.Guest) sim.Exit {
		if g.Field(vmcs.GuestActivityState) == vmcs.ActivityWaitSIPI {
			return sim.Exit{Reason: uint32(vmexit.SIPI), Qualification: sipiVector}
		}
		if !calls {
			return sim.Halt
		}
		g.Regs.Set(arch.RAX, uint64(call))
		return sim.Exit{Reason: uint32(vmexit.VMCALL), InstructionLength: 3}
	}
}
