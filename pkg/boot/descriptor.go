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

// Package boot defines the boot descriptor handed over by the loader.
//
// The descriptor describes the machine, the hypervisor's own image and
// the initial state of each guest. It is decoded from TOML or YAML,
// validated once and then used read-only.
package boot

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"evmm.dev/evmm/pkg/arch"
	"evmm.dev/evmm/pkg/guest"
	"evmm.dev/evmm/pkg/hmm"
	"evmm.dev/evmm/pkg/hostarch"
)

// MaxCPUs is the largest supported number of physical CPUs.
const MaxCPUs = 64

// Section is one section of a loaded image.
type Section struct {
	Name string `toml:"name" yaml:"name"`

	// Offset is relative to the image's runtime address.
	Offset uint64              `toml:"offset" yaml:"offset"`
	Length uint64              `toml:"length" yaml:"length"`
	Access hostarch.AccessType `toml:"access" yaml:"access"`
}

// Image is a loaded image.
type Image struct {
	Name string `toml:"name" yaml:"name"`

	// LoadAddress is where the loader placed the file. RuntimeAddress is
	// where the image runs after relocation.
	LoadAddress    uint64 `toml:"load_address" yaml:"load_address"`
	RuntimeAddress uint64 `toml:"runtime_address" yaml:"runtime_address"`
	Size           uint64 `toml:"size" yaml:"size"`

	Sections []Section `toml:"sections" yaml:"sections"`
}

// Range returns the image's runtime range.
func (i *Image) Range() hostarch.Range {
	return hostarch.Range{
		Start: hostarch.Addr(i.RuntimeAddress),
		End:   hostarch.Addr(i.RuntimeAddress + i.Size),
	}
}

// VCPU is the initial register state of one virtual CPU.
type VCPU struct {
	RIP    uint64 `toml:"rip" yaml:"rip"`
	RSP    uint64 `toml:"rsp" yaml:"rsp"`
	RFLAGS uint64 `toml:"rflags" yaml:"rflags"`
	CR0    uint64 `toml:"cr0" yaml:"cr0"`
	CR3    uint64 `toml:"cr3" yaml:"cr3"`
	CR4    uint64 `toml:"cr4" yaml:"cr4"`
	EFER   uint64 `toml:"efer" yaml:"efer"`

	// Regs holds other general purpose registers by name.
	Regs map[string]uint64 `toml:"regs" yaml:"regs"`

	// WaitForSIPI starts the virtual CPU waiting for a startup IPI.
	WaitForSIPI bool `toml:"wait_for_sipi" yaml:"wait_for_sipi"`
}

// InitialState converts v for guest.Registry.Setup.
func (v *VCPU) InitialState() (guest.InitialState, error) {
	s := guest.InitialState{
		RIP:         v.RIP,
		RSP:         v.RSP,
		RFLAGS:      v.RFLAGS,
		CR0:         v.CR0,
		CR3:         v.CR3,
		CR4:         v.CR4,
		EFER:        v.EFER,
		WaitForSIPI: v.WaitForSIPI,
	}
	if len(v.Regs) == 0 {
		return s, nil
	}
	s.GPRs = make(map[arch.Reg]uint64, len(v.Regs))
	for name, val := range v.Regs {
		r, err := arch.ParseReg(name)
		if err != nil {
			return guest.InitialState{}, err
		}
		if r == arch.RSP {
			return guest.InitialState{}, fmt.Errorf("rsp must be set with the rsp field")
		}
		s.GPRs[r] = val
	}
	return s, nil
}

// Guest describes one guest image. The first guest is the rich OS.
type Guest struct {
	Name  string `toml:"name" yaml:"name"`
	Image Image  `toml:"image" yaml:"image"`

	// VCPUs are indexed by physical CPU for the rich OS. A TEE's virtual
	// CPUs run on the CPUs its configuration names, in order.
	VCPUs []VCPU `toml:"vcpus" yaml:"vcpus"`
}

// Descriptor is the boot descriptor.
type Descriptor struct {
	CPUs           int    `toml:"cpus" yaml:"cpus"`
	ThreadsPerCore int    `toml:"threads_per_core" yaml:"threads_per_core"`
	MemoryTop      uint64 `toml:"memory_top" yaml:"memory_top"`

	// TSCKHz is the calibrated time stamp counter frequency.
	TSCKHz uint64 `toml:"tsc_khz" yaml:"tsc_khz"`

	// Hypervisor is the runtime's own image.
	Hypervisor Image `toml:"hypervisor" yaml:"hypervisor"`

	Guests []Guest `toml:"guests" yaml:"guests"`
}

// Format is a descriptor encoding.
type Format int

const (
	TOML Format = iota
	YAML
)

// FormatFor returns the format implied by a file name.
func FormatFor(path string) (Format, error) {
	switch filepath.Ext(path) {
	case ".toml":
		return TOML, nil
	case ".yaml", ".yml":
		return YAML, nil
	default:
		return 0, fmt.Errorf("unknown descriptor format for %q", path)
	}
}

// Decode reads a descriptor. Unknown keys are errors.
func Decode(r io.Reader, f Format) (*Descriptor, error) {
	var d Descriptor
	switch f {
	case TOML:
		md, err := toml.NewDecoder(r).Decode(&d)
		if err != nil {
			return nil, fmt.Errorf("decoding descriptor: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return nil, fmt.Errorf("decoding descriptor: unknown keys %v", undecoded)
		}
	case YAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("decoding descriptor: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown descriptor format %d", f)
	}
	return &d, nil
}

// Load reads and validates the descriptor at path.
func Load(path string) (*Descriptor, error) {
	f, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Decode(bytes.NewReader(data), f)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Validate checks the descriptor and reports every problem found.
func (d *Descriptor) Validate() error {
	var errs *multierror.Error
	if d.MemoryTop == 0 || d.MemoryTop&hostarch.PageMask != 0 {
		errs = multierror.Append(errs, fmt.Errorf("memory_top %#x is zero or not page aligned", d.MemoryTop))
	}
	if d.CPUs < 1 || d.CPUs > MaxCPUs {
		errs = multierror.Append(errs, fmt.Errorf("cpus %d not in [1, %d]", d.CPUs, MaxCPUs))
	}
	switch d.ThreadsPerCore {
	case 0, 1:
	case 2:
		if d.CPUs%2 != 0 {
			errs = multierror.Append(errs, fmt.Errorf("cpus %d is odd with two threads per core", d.CPUs))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("threads_per_core %d not 1 or 2", d.ThreadsPerCore))
	}
	if d.TSCKHz == 0 {
		errs = multierror.Append(errs, fmt.Errorf("tsc_khz is zero"))
	}
	errs = multierror.Append(errs, d.validateImage("hypervisor", &d.Hypervisor))

	if len(d.Guests) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no guests"))
	}
	names := make(map[string]bool)
	vcpus := 0
	for i := range d.Guests {
		g := &d.Guests[i]
		if g.Name == "" || names[g.Name] {
			errs = multierror.Append(errs, fmt.Errorf("guest %d: missing or duplicate name %q", i, g.Name))
		}
		names[g.Name] = true
		errs = multierror.Append(errs, d.validateImage("guest "+g.Name, &g.Image))
		if len(g.VCPUs) > d.CPUs {
			errs = multierror.Append(errs, fmt.Errorf("guest %s: %d vcpus on %d cpus", g.Name, len(g.VCPUs), d.CPUs))
		}
		for j := range g.VCPUs {
			if _, err := g.VCPUs[j].InitialState(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("guest %s vcpu %d: %w", g.Name, j, err))
			}
		}
		if d.Hypervisor.Size != 0 && g.Image.Size != 0 && g.Image.Range().Overlaps(d.Hypervisor.Range()) {
			errs = multierror.Append(errs, fmt.Errorf("guest %s: image overlaps the hypervisor", g.Name))
		}
		vcpus += len(g.VCPUs)
	}
	if vcpus == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no vcpus described"))
	}
	return errs.ErrorOrNil()
}

func (d *Descriptor) validateImage(what string, img *Image) error {
	var errs *multierror.Error
	if img.Size == 0 {
		return nil
	}
	r := img.Range()
	if !hostarch.Addr(img.RuntimeAddress).IsPageAligned() || !r.WellFormed() || uint64(r.End) > d.MemoryTop {
		errs = multierror.Append(errs, fmt.Errorf("%s: image %v outside memory or misaligned", what, r))
	}
	if img.LoadAddress+img.Size < img.LoadAddress || img.LoadAddress+img.Size > d.MemoryTop {
		errs = multierror.Append(errs, fmt.Errorf("%s: load address %#x outside memory", what, img.LoadAddress))
	}
	for _, s := range img.Sections {
		if s.Offset&hostarch.PageMask != 0 || s.Length&hostarch.PageMask != 0 || s.Length == 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: section %s not page granular", what, s.Name))
		}
		if s.Offset+s.Length < s.Offset || s.Offset+s.Length > img.Size {
			errs = multierror.Append(errs, fmt.Errorf("%s: section %s extends past the image", what, s.Name))
		}
		if s.Access.Write && s.Access.Execute {
			errs = multierror.Append(errs, fmt.Errorf("%s: section %s is writable and executable", what, s.Name))
		}
	}
	return errs.ErrorOrNil()
}

// Clone returns a deep copy of d. The runtime keeps a private clone so that
// later changes to the loader's copy are not observed.
func (d *Descriptor) Clone() *Descriptor {
	return deepcopy.Copy(d).(*Descriptor)
}

// Threads returns the number of hardware threads per core.
func (d *Descriptor) Threads() int {
	if d.ThreadsPerCore == 0 {
		return 1
	}
	return d.ThreadsPerCore
}

// ImageSections returns the hypervisor's sections in the form the host
// memory manager narrows.
func (d *Descriptor) ImageSections() []hmm.Section {
	ss := make([]hmm.Section, 0, len(d.Hypervisor.Sections))
	for _, s := range d.Hypervisor.Sections {
		ss = append(ss, hmm.Section{
			Name:   s.Name,
			Start:  hostarch.Addr(d.Hypervisor.RuntimeAddress + s.Offset),
			Length: s.Length,
			Access: s.Access,
		})
	}
	return ss
}

// TSCTicks converts milliseconds to time stamp counter ticks.
func (d *Descriptor) TSCTicks(ms uint64) uint64 {
	return ms * d.TSCKHz
}
