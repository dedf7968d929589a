// Copyright 2020 The gVisor Authors.
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

// Package config holds the runtime configuration.
//
// Scalar settings come from flags. TEEs and isolated MSRs can only be
// described in the TOML file named by --config. Flags given explicitly on
// the command line override the file.
package config

import (
	"flag"
	"fmt"
	"io"
	"reflect"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/hmm"
	"evmm.dev/evmm/pkg/hostarch"
	"evmm.dev/evmm/pkg/log"
	"evmm.dev/evmm/pkg/mitigation"
	"evmm.dev/evmm/pkg/tee"
	"evmm.dev/evmm/pkg/vmcall"
)

// TEE describes one trusted execution environment.
type TEE struct {
	Name string `toml:"name"`

	// CPUs lists the physical CPU of each virtual CPU.
	CPUs []int `toml:"cpus"`

	Start  uint64              `toml:"start"`
	End    uint64              `toml:"end"`
	Access hostarch.AccessType `toml:"access"`

	SharedStart  uint64              `toml:"shared_start"`
	SharedEnd    uint64              `toml:"shared_end"`
	SharedAccess hostarch.AccessType `toml:"shared_access"`

	Call        uint32     `toml:"call"`
	CopyRegs    []arch.Reg `toml:"copy_regs"`
	LaunchFirst bool       `toml:"launch_first"`

	// DeviceInfo is the path of a device security info record, copied to
	// DeviceInfoOffset within the TEE's region.
	DeviceInfo       string `toml:"device_info"`
	DeviceInfoOffset uint64 `toml:"device_info_offset"`
}

// TEEConfig converts t. The device info secret is left for the caller to
// load.
func (t *TEE) TEEConfig() tee.Config {
	return tee.Config{
		Name:           t.Name,
		CPUs:           t.CPUs,
		Region:         hostarch.Range{Start: hostarch.Addr(t.Start), End: hostarch.Addr(t.End)},
		Access:         t.Access,
		Shared:         hostarch.Range{Start: hostarch.Addr(t.SharedStart), End: hostarch.Addr(t.SharedEnd)},
		SharedAccess:   t.SharedAccess,
		Call:           vmcall.ID(t.Call),
		CopyRegs:       t.CopyRegs,
		LaunchFirst:    t.LaunchFirst,
		DeviceInfoAddr: hostarch.Addr(t.Start + t.DeviceInfoOffset),
	}
}

// MSR is an MSR isolated between guests.
type MSR struct {
	Index   uint32 `toml:"index"`
	Initial uint64 `toml:"initial"`
}

// Config is the runtime configuration.
type Config struct {
	// File is the TOML configuration file.
	File string `flag:"config" toml:"-"`

	// Debug enables debug checks. Caller contract violations halt, and
	// UnmapHPA is enforced under the best-effort policy.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// LogLevel is warning, info or debug.
	LogLevel string `flag:"log-level" toml:"log_level"`

	UnmapPolicy hmm.UnmapPolicy `flag:"unmap-policy" toml:"unmap_policy"`

	// HugePages allows large leaves in the host and guest tables.
	HugePages bool `flag:"huge-pages" toml:"huge_pages"`

	// APStartupTimeoutMs bounds application processor bring-up.
	APStartupTimeoutMs uint64 `flag:"ap-startup-timeout-ms" toml:"ap_startup_timeout_ms"`

	// RendezvousSpinLimit bounds sibling rendezvous waits.
	RendezvousSpinLimit int `flag:"rendezvous-spin-limit" toml:"rendezvous_spin_limit"`

	MitigateL1TF bool `flag:"mitigate-l1tf" toml:"mitigate_l1tf"`
	MitigateMDS  bool `flag:"mitigate-mds" toml:"mitigate_mds"`

	TEEs []TEE `toml:"tee"`
	MSRs []MSR `toml:"isolated_msr"`
}

type unmapPolicyValue hmm.UnmapPolicy

func (v *unmapPolicyValue) Set(s string) error {
	p, err := hmm.ParseUnmapPolicy(s)
	if err != nil {
		return err
	}
	*v = unmapPolicyValue(p)
	return nil
}

func (v *unmapPolicyValue) Get() any {
	return hmm.UnmapPolicy(*v)
}

func (v *unmapPolicyValue) String() string {
	return hmm.UnmapPolicy(*v).String()
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("config", "", "path to a TOML configuration file.")
	fs.Bool("debug", false, "enable debug checks.")
	fs.String("log-format", "text", "log format: text (default), json, or logrus.")
	fs.String("log-level", "info", "log level: warning, info (default), or debug.")
	policy := unmapPolicyValue(hmm.UnmapStrict)
	fs.Var(&policy, "unmap-policy", "hypervisor unmapping of guest memory: strict (default), best-effort.")
	fs.Bool("huge-pages", false, "use 2M pages in host and guest page tables.")
	fs.Uint64("ap-startup-timeout-ms", 1000, "time allowed for application processors to start.")
	fs.Int("rendezvous-spin-limit", mitigation.DefaultSpinLimit, "pauses to wait for a sibling hyperthread before halting.")
	fs.Bool("mitigate-l1tf", true, "flush the L1 data cache when leaving a TEE.")
	fs.Bool("mitigate-mds", true, "clear CPU buffers on TEE transitions.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set and the configuration file it names.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.setFlags(fs, func(apply func(*flag.Flag)) { fs.VisitAll(apply) })
	if conf.File != "" {
		if _, err := toml.DecodeFile(conf.File, conf); err != nil {
			return nil, fmt.Errorf("reading %s: %w", conf.File, err)
		}
		// Explicit flags win over the file.
		conf.setFlags(fs, func(apply func(*flag.Flag)) { fs.Visit(apply) })
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) setFlags(fs *flag.FlagSet, each func(func(*flag.Flag))) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	fields := make(map[string]int)
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			if fs.Lookup(name) == nil {
				panic(fmt.Sprintf("Flag %q not found", name))
			}
			fields[name] = i
		}
	}
	each(func(fl *flag.Flag) {
		i, ok := fields[fl.Name]
		if !ok {
			return
		}
		obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	})
}

// Validate checks c and reports every problem found.
func (c *Config) Validate() error {
	var errs *multierror.Error
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		errs = multierror.Append(errs, fmt.Errorf("invalid log format %q", c.LogFormat))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.APStartupTimeoutMs == 0 {
		errs = multierror.Append(errs, fmt.Errorf("ap-startup-timeout-ms is zero"))
	}
	if c.RendezvousSpinLimit <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("rendezvous-spin-limit must be positive"))
	}

	names := make(map[string]bool)
	calls := make(map[uint32]string)
	for i := range c.TEEs {
		t := &c.TEEs[i]
		if t.Name == "" || names[t.Name] {
			errs = multierror.Append(errs, fmt.Errorf("tee %d: missing or duplicate name %q", i, t.Name))
		}
		names[t.Name] = true
		if other, ok := calls[t.Call]; ok {
			errs = multierror.Append(errs, fmt.Errorf("tee %s: call %#x already used by %s", t.Name, t.Call, other))
		}
		calls[t.Call] = t.Name
		tc := t.TEEConfig()
		if err := tc.Validate(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if t.DeviceInfo != "" && (t.End <= t.Start || t.DeviceInfoOffset >= t.End-t.Start) {
			errs = multierror.Append(errs, fmt.Errorf("tee %s: device info offset %#x outside region", t.Name, t.DeviceInfoOffset))
		}
	}

	seen := make(map[uint32]bool)
	for _, m := range c.MSRs {
		if seen[m.Index] {
			errs = multierror.Append(errs, fmt.Errorf("isolated msr %#x listed twice", m.Index))
		}
		seen[m.Index] = true
	}
	return errs.ErrorOrNil()
}

// TEE returns the TEE named name.
func (c *Config) TEE(name string) (*TEE, bool) {
	for i := range c.TEEs {
		if c.TEEs[i].Name == name {
			return &c.TEEs[i], true
		}
	}
	return nil, false
}

// Mitigations returns the mitigation settings.
func (c *Config) Mitigations() mitigation.Config {
	return mitigation.Config{
		L1TF:      c.MitigateL1TF,
		MDS:       c.MitigateMDS,
		SpinLimit: c.RendezvousSpinLimit,
	}
}

// NewEmitter returns the log emitter selected by LogFormat, writing to w.
func (c *Config) NewEmitter(w io.Writer) log.Emitter {
	switch c.LogFormat {
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	case "logrus":
		return log.NewLogrusEmitter(w, logrus.Fields{"component": "evmm"})
	default:
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
	}
}

// ApplyLogging installs the emitter and level selected by c.
func (c *Config) ApplyLogging(w io.Writer) {
	log.SetTarget(c.NewEmitter(w))
	level, _ := log.ParseLevel(c.LogLevel)
	if c.Debug {
		level = log.Debug
	}
	log.SetLevel(level)
}
