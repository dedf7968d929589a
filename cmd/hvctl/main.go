// Copyright 2018 The gVisor Authors.
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

// Binary hvctl checks hosts, validates boot descriptors and runs the
// hypervisor on the simulated platform.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"evmm.dev/evmm/pkg/config"
	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/log"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Check), "")
	subcommands.Register(new(Validate), "")
	subcommands.Register(new(Boot), "")

	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hvctl: %v\n", err)
		os.Exit(2)
	}
	conf.ApplyLogging(os.Stderr)

	// A halt stops the whole machine.
	halt.SetHandler(func(e *halt.Error) {
		fmt.Fprintf(os.Stderr, "hvctl: %v\n", e)
		if e.Dump != "" {
			fmt.Fprintln(os.Stderr, e.Dump)
		}
		os.Exit(1)
	})

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// configFrom extracts the configuration passed to Execute.
func configFrom(args []any) *config.Config {
	return args[0].(*config.Config)
}

// failure logs an error and returns subcommands.ExitFailure.
func failure(format string, v ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, v...)
	log.Warningf("%s", msg)
	fmt.Fprintf(os.Stderr, "hvctl: %s\n", msg)
	return subcommands.ExitFailure
}
