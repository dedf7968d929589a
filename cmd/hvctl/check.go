// Copyright 2021 The gVisor Authors.
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
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"
)

// cpuInfo is the path used to read CPU flags.
const cpuInfo = "/proc/cpuinfo"

// Check implements subcommands.Command for the "check" command.
type Check struct {
	path string
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "report whether the host CPU supports the hypervisor"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [flags]

Reports the CPU features the hypervisor needs (VMX, EPT) and the ones its
side channel mitigations use (L1D flush, MD_CLEAR), and exits non-zero if a
required feature is missing.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.path, "cpuinfo", cpuInfo, "path of the CPU information file.")
}

// feature is one reported CPU feature.
type feature struct {
	name     string
	present  bool
	required bool
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return failure("reading %s: %v", c.path, err)
	}
	flags := cpuFlags(data)

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		fmt.Printf("host: %s %s %s\n", unix.ByteSliceToString(uts.Sysname[:]),
			unix.ByteSliceToString(uts.Release[:]), unix.ByteSliceToString(uts.Machine[:]))
	}

	features := []feature{
		{"vmx", flags["vmx"], true},
		{"ept", flags["ept"], true},
		{"vpid", flags["vpid"], false},
		{"flush_l1d", flags["flush_l1d"], false},
		{"md_clear", flags["md_clear"], false},
		{"osxsave", cpu.X86.HasOSXSAVE, false},
		{"sse4.2", cpu.X86.HasSSE42, false},
		{"aes", cpu.X86.HasAES, false},
		{"rdrand", cpu.X86.HasRDRAND, false},
	}
	ok := true
	for _, ft := range features {
		state := "yes"
		if !ft.present {
			state = "no"
			if ft.required {
				state = "MISSING"
				ok = false
			}
		}
		fmt.Printf("  %-10s %s\n", ft.name, state)
	}
	if !ok {
		return failure("host cannot run the hypervisor")
	}
	return subcommands.ExitSuccess
}

// cpuFlags returns the flags of the first processor in a cpuinfo file.
func cpuFlags(data []byte) map[string]bool {
	flags := make(map[string]bool)
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), ":")
		if !ok || strings.TrimSpace(key) != "flags" {
			continue
		}
		for _, fl := range strings.Fields(value) {
			flags[fl] = true
		}
		break
	}
	return flags
}
