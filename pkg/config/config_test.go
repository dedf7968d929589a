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

package config

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/hmm"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/log"
	"evmm.dev/evmm/pkg/mitigation"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return NewFromFlags(fs)
}

func TestDefaults(t *testing.T) {
	c, err := parse(t)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	want := &Config{
		LogFormat:           "text",
		LogLevel:            "info",
		UnmapPolicy:         hmm.UnmapStrict,
		APStartupTimeoutMs:  1000,
		RendezvousSpinLimit: mitigation.DefaultSpinLimit,
		MitigateL1TF:        true,
		MitigateMDS:         true,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestFlags(t *testing.T) {
	c, err := parse(t, "--debug", "--unmap-policy=best-effort", "--mitigate-mds=false", "--ap-startup-timeout-ms=5")
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if !c.Debug || c.UnmapPolicy != hmm.UnmapBestEffort || c.MitigateMDS || c.APStartupTimeoutMs != 5 {
		t.Errorf("config = %+v", c)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--unmap-policy=sometimes"}); err == nil {
		t.Errorf("bad unmap policy parsed")
	}
}

const testFile = `
debug = true
log_format = "json"
unmap_policy = "best-effort"

[[tee]]
name = "trusty"
cpus = [0, 1]
start = 0x1000000
end = 0x2000000
access = "rwx"
shared_start = 0x3000000
shared_end = 0x3001000
shared_access = "r"
call = 0x7ee
copy_regs = ["rdi", "rsi"]
launch_first = true

[[isolated_msr]]
index = 0xc0000082
initial = 0
`

func TestFileWithFlagOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evmm.toml")
	if err := os.WriteFile(path, []byte(testFile), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := parse(t, "--config", path, "--log-format=logrus")
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.LogFormat != "logrus" {
		t.Errorf("LogFormat = %q, want the flag's logrus", c.LogFormat)
	}
	if !c.Debug || c.UnmapPolicy != hmm.UnmapBestEffort {
		t.Errorf("file settings lost: %+v", c)
	}
	wantTEEs := []TEE{{
		Name:         "trusty",
		CPUs:         []int{0, 1},
		Start:        0x1000000,
		End:          0x2000000,
		Access:       hostarch.AnyAccess,
		SharedStart:  0x3000000,
		SharedEnd:    0x3001000,
		SharedAccess: hostarch.Read,
		Call:         0x7ee,
		CopyRegs:     []arch.Reg{arch.RDI, arch.RSI},
		LaunchFirst:  true,
	}}
	if diff := cmp.Diff(wantTEEs, c.TEEs); diff != "" {
		t.Errorf("TEEs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]MSR{{Index: arch.MSRLStar}}, c.MSRs); diff != "" {
		t.Errorf("MSRs mismatch (-want +got):\n%s", diff)
	}

	tc := c.TEEs[0].TEEConfig()
	if tc.Region.Length() != 0x1000000 || tc.Shared.Start != 0x3000000 || tc.Call != 0x7ee {
		t.Errorf("TEEConfig = %+v", tc)
	}
}

func TestValidateReportsAll(t *testing.T) {
	c := &Config{
		LogFormat:           "xml",
		LogLevel:            "loud",
		APStartupTimeoutMs:  1,
		RendezvousSpinLimit: 1,
		TEEs: []TEE{
			{Name: "a", CPUs: []int{0}, Start: 0x1000, End: 0x2000, Call: 1},
			{Name: "a", CPUs: []int{0}, Start: 0x3000, End: 0x3000, Call: 1},
		},
		MSRs: []MSR{{Index: 0x10}, {Index: 0x10}},
	}
	err := c.Validate()
	if err == nil {
		t.Fatalf("Validate passed")
	}
	for _, s := range []string{"log format", "loud", "duplicate name", "already used", "bad region", "listed twice"} {
		if !strings.Contains(err.Error(), s) {
			t.Errorf("error %q does not mention %q", err, s)
		}
	}
}

func TestNewEmitter(t *testing.T) {
	for _, tc := range []struct {
		format string
		check  func(log.Emitter) bool
	}{
		{"text", func(e log.Emitter) bool { _, ok := e.(log.GoogleEmitter); return ok }},
		{"json", func(e log.Emitter) bool { _, ok := e.(log.JSONEmitter); return ok }},
		{"logrus", func(e log.Emitter) bool { _, ok := e.(*log.LogrusEmitter); return ok }},
	} {
		c := &Config{LogFormat: tc.format}
		if e := c.NewEmitter(&bytes.Buffer{}); !tc.check(e) {
			t.Errorf("NewEmitter(%s) = %T", tc.format, e)
		}
	}
}

func TestMitigations(t *testing.T) {
	c := &Config{MitigateL1TF: true, RendezvousSpinLimit: 7}
	want := mitigation.Config{L1TF: true, SpinLimit: 7}
	if diff := cmp.Diff(want, c.Mitigations()); diff != "" {
		t.Errorf("mitigations mismatch (-want +got):\n%s", diff)
	}
}
