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

	"code.cloudfoundry.org/bytefmt"
	"github.com/google/subcommands"

	"evmm.dev/evmm/pkg/boot"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/hv"
	"evmm.dev/evmm/pkg/platform/sim"
)

// Validate implements subcommands.Command for the "validate" command.
type Validate struct {
	descriptor string
	bringUp    bool
}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "check a boot descriptor against the configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return `validate -descriptor <path> [flags]

Decodes and validates the boot descriptor (TOML or YAML, by extension) and
the configuration. With -bringup, the hypervisor is also brought up on a
simulated machine matching the descriptor, without entering any guest.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Validate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&v.descriptor, "descriptor", "", "path to the boot descriptor.")
	f.BoolVar(&v.bringUp, "bringup", false, "also bring up the hypervisor on a simulated machine.")
}

// Execute implements subcommands.Command.Execute.
func (v *Validate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if v.descriptor == "" || f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFrom(args)
	d, err := boot.Load(v.descriptor)
	if err != nil {
		return failure("%v", err)
	}
	fmt.Printf("descriptor %s: %d CPUs (%d per core), %s memory, TSC %d kHz\n",
		v.descriptor, d.CPUs, d.Threads(), bytefmt.ByteSize(d.MemoryTop), d.TSCKHz)
	fmt.Printf("  hypervisor %s at %v, %d sections\n", d.Hypervisor.Name, d.Hypervisor.Range(), len(d.Hypervisor.Sections))
	for i, g := range d.Guests {
		role := "rich OS"
		if i > 0 {
			role = "TEE"
			if _, ok := conf.TEE(g.Name); !ok {
				return failure("guest %s is not configured as a TEE", g.Name)
			}
		}
		fmt.Printf("  guest %s (%s): %d vcpus\n", g.Name, role, len(g.VCPUs))
	}
	for _, t := range conf.TEEs {
		r := hostarch.Range{Start: hostarch.Addr(t.Start), End: hostarch.Addr(t.End)}
		fmt.Printf("  tee %s: region %v (%s) %v, call %#x, CPUs %v\n",
			t.Name, r, bytefmt.ByteSize(r.Length()), t.Access, t.Call, t.CPUs)
	}
	if !v.bringUp {
		return subcommands.ExitSuccess
	}
	r, err := hv.New(conf, d, newMachine(d), hv.Options{})
	if err != nil {
		return failure("bring-up: %v", err)
	}
	r.Close()
	fmt.Println("bring-up: ok")
	return subcommands.ExitSuccess
}

// newMachine returns a simulated machine matching d.
func newMachine(d *boot.Descriptor) *sim.Machine {
	return sim.New(sim.Config{
		CPUs:           d.CPUs,
		ThreadsPerCore: d.Threads(),
		MemoryTop:      hostarch.Addr(d.MemoryTop),
		TSCStep:        1,
	})
}
